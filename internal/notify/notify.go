// Package notify は自分宛て返信の通知を外部へ届ける機能を提供する。
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/model"
)

// Notification は1ブックマークに対する通知内容。
type Notification struct {
	BookmarkID   string    `json:"bookmark_id"`
	Thread       string    `json:"thread"`
	Title        string    `json:"title"`
	NewCount     int       `json:"new_count"`
	QuotingPosts []int64   `json:"quoting_posts"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewNotification はブックマークとポーリング結果から通知を組み立てる。
func NewNotification(b *model.Bookmark, result model.PollResult, now time.Time) Notification {
	return Notification{
		BookmarkID:   b.ID,
		Thread:       b.Thread.String(),
		Title:        b.Title,
		NewCount:     result.NewCount,
		QuotingPosts: result.QuotingPosts,
		CreatedAt:    now,
	}
}

// Notifier は通知の表示手段のインターフェース。
type Notifier interface {
	// Notify は通知を送る。失敗しても監視状態には影響しない。
	Notify(ctx context.Context, n Notification) error
	// Cancel はブックマークに関する表示中の通知を取り消す（既読化・削除時）。
	Cancel(ctx context.Context, bookmarkID string) error
}

// LogNotifier は通知を構造化ログとして出力するNotifier。
type LogNotifier struct {
	logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier はLogNotifierを生成する。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify は通知内容をINFOレベルで出力する。
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Info("自分宛ての返信があります",
		slog.String("bookmark_id", notification.BookmarkID),
		slog.String("thread", notification.Thread),
		slog.String("title", notification.Title),
		slog.Int("new_count", notification.NewCount),
		slog.Any("quoting_posts", notification.QuotingPosts),
	)
	return nil
}

// Cancel は取り消しをDEBUGレベルで出力する。
func (n *LogNotifier) Cancel(_ context.Context, bookmarkID string) error {
	n.logger.Debug("通知を取り消しました", slog.String("bookmark_id", bookmarkID))
	return nil
}
