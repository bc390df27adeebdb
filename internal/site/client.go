package site

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/security"
)

// userAgent はサイトへのリクエストに付与するUser-Agent。
const userAgent = "chanwatch/1.0 (+thread watcher)"

// ClientOptions はサイト用HTTPクライアントの設定。
type ClientOptions struct {
	RequestsPerSec float64       // サイトごとの最大リクエストレート
	Attempts       uint          // 一時的エラー時の試行回数（1で再試行なし）
	RetryDelay     time.Duration // 再試行の初期待機時間
	MaxRetryDelay  time.Duration
}

// DefaultClientOptions はデフォルトのクライアント設定を返す。
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RequestsPerSec: 1,
		Attempts:       3,
		RetryDelay:     time.Second,
		MaxRetryDelay:  10 * time.Second,
	}
}

// Client は1サイト分のHTTPクライアント。
// レート制限と一時的エラーの再試行を行い、結果をドメインエラーに分類する。
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	opts    ClientOptions
	logger  *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 1
	}
	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		opts:    opts,
		logger:  logger,
	}
}

// Get はURLをGETしてボディを返す。
// 404/410 は model.ErrThreadNotFound、429/5xx/通信失敗は *model.NetworkError、
// 上限を超えるボディは *model.ParseError を返す。
// 一時的エラーは opts.Attempts 回まで再試行する。
func (c *Client) Get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	var body []byte
	var lastErr error

	err := retry.Do(
		func() error {
			b, err := c.getOnce(ctx, rawURL, accept)
			if err != nil {
				lastErr = err
				return err
			}
			body = b
			lastErr = nil
			return nil
		},
		retry.Attempts(c.opts.Attempts),
		retry.Delay(c.opts.RetryDelay),
		retry.MaxDelay(c.opts.MaxRetryDelay),
		retry.MaxJitter(c.opts.RetryDelay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("サイトへのリクエストを再試行します",
				slog.String("url", rawURL),
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()),
			)
		}),
		retry.RetryIf(func(err error) bool {
			var netErr *model.NetworkError
			return errors.As(err, &netErr) && ctx.Err() == nil
		}),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &model.NetworkError{Op: "GET " + rawURL, Err: err}
	}
	return body, nil
}

func (c *Client) getOnce(ctx context.Context, rawURL, accept string) ([]byte, error) {
	op := "GET " + rawURL

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.NetworkError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, &model.ParseError{Op: op, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, &model.ParseError{Op: op, Err: err}
		}
		return nil, &model.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("サイトへのリクエストが完了しました",
		slog.String("url", rawURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s: %w", op, model.ErrThreadNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &model.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	case resp.StatusCode != http.StatusOK:
		// その他の4xxは再試行しても回復しない
		return nil, &model.ParseError{Op: op, Err: fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// 上限超過は再試行しても変わらない
		if errors.Is(err, security.ErrResponseTooLarge) {
			return nil, &model.ParseError{Op: op, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
		}
		return nil, &model.NetworkError{Op: op, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}
	return body, nil
}
