package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
)

// webhookEvent はWebhookへ送るJSONボディ。
type webhookEvent struct {
	Type         string        `json:"type"` // "notify" | "cancel"
	Notification *Notification `json:"notification,omitempty"`
	BookmarkID   string        `json:"bookmark_id"`
}

// WebhookNotifier は通知をWebhook URLへJSONでPOSTするNotifier。
// 5xxと通信エラーは数回まで再試行する。
type WebhookNotifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	attempts   uint
	delay      time.Duration
}

var _ Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier はWebhookNotifierを生成する。
func NewWebhookNotifier(endpoint string, httpClient *http.Client, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
		attempts:   3,
		delay:      time.Second,
	}
}

// Notify は通知をPOSTする。
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	return w.post(ctx, webhookEvent{Type: "notify", Notification: &n, BookmarkID: n.BookmarkID})
}

// Cancel は通知取り消しをPOSTする。
func (w *WebhookNotifier) Cancel(ctx context.Context, bookmarkID string) error {
	return w.post(ctx, webhookEvent{Type: "cancel", BookmarkID: bookmarkID})
}

func (w *WebhookNotifier) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("通知のエンコードに失敗: %w", err)
	}

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := w.httpClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()

			switch {
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("webhookがステータス %d を返しました", resp.StatusCode)
			case resp.StatusCode >= 300:
				return retry.Unrecoverable(fmt.Errorf("webhookがステータス %d を返しました", resp.StatusCode))
			}
			return nil
		},
		retry.Attempts(w.attempts),
		retry.Delay(w.delay),
		retry.MaxDelay(10*w.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("Webhook通知を再試行します",
				slog.String("bookmark_id", ev.BookmarkID),
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		w.logger.Error("Webhook通知に失敗しました",
			slog.String("type", ev.Type),
			slog.String("bookmark_id", ev.BookmarkID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("Webhook通知に失敗: %w", err)
	}
	return nil
}
