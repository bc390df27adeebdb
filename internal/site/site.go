// Package site は掲示板サイトからスレッドと板一覧を取得するアダプタを提供する。
//
// サイトごとに形式（vichan互換JSON / RSS・Atomフィード）を設定で選び、
// SSRF防止クライアント、サイト単位のレート制限、一時的エラーの再試行を経て
// model.ThreadPayload へ変換する。
package site

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chanwatch/internal/config"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/security"
)

// Fetcher はスレッド取得のインターフェース。
// 監視・保存・ページ追跡の各コンポーネントはこのインターフェース経由でサイトにアクセスする。
type Fetcher interface {
	FetchThread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error)
	FetchBoardPages(ctx context.Context, siteName, board string) ([]model.BoardPage, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Adapter はサイト形式ごとのURL組み立てとパースを行う。
type Adapter interface {
	ThreadURL(thread model.ThreadDescriptor) string
	BoardPagesURL(board string) string
	Accept() string
	ParseThread(thread model.ThreadDescriptor, body []byte) (*model.ThreadPayload, error)
	ParseBoardPages(board string, body []byte) ([]model.BoardPage, error)
}

// Options はRegistryの設定。
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	Client      ClientOptions
}

type entry struct {
	adapter Adapter
	client  *Client
}

// Registry はサイト名からアダプタとクライアントを引くFetcherの実装。
type Registry struct {
	sites  map[string]entry
	logger *slog.Logger
}

var _ Fetcher = (*Registry)(nil)

// NewRegistry は設定されたサイトごとにアダプタとクライアントを構築する。
// ベースURLがSSRF検証に失敗した場合はエラーを返す。
func NewRegistry(
	sites []config.SiteConfig,
	guard SSRFValidator,
	sanitizer security.ContentSanitizerService,
	opts Options,
	logger *slog.Logger,
) (*Registry, error) {
	comments := NewCommentParser(sanitizer)
	r := &Registry{
		sites:  make(map[string]entry, len(sites)),
		logger: logger,
	}

	for _, s := range sites {
		if err := guard.ValidateURL(s.BaseURL); err != nil {
			return nil, fmt.Errorf("サイト %s のURL検証に失敗: %w", s.Name, err)
		}

		var adapter Adapter
		switch s.Kind {
		case config.SiteKindVichan:
			if s.MediaURL != "" {
				if err := guard.ValidateURL(s.MediaURL); err != nil {
					return nil, fmt.Errorf("サイト %s のメディアURL検証に失敗: %w", s.Name, err)
				}
			}
			adapter = NewVichanAdapter(s.BaseURL, s.MediaURL, comments)
		case config.SiteKindFeed:
			adapter = NewFeedAdapter(s.BaseURL, comments)
		default:
			return nil, fmt.Errorf("サイト %s の形式が不明です: %s", s.Name, s.Kind)
		}

		client := NewClient(
			guard.NewSafeClient(opts.Timeout, opts.MaxBodySize),
			opts.Client,
			logger.With(slog.String("site", s.Name)),
		)
		r.sites[s.Name] = entry{adapter: adapter, client: client}
	}
	return r, nil
}

// Has はサイト名が登録されているかを返す。
func (r *Registry) Has(siteName string) bool {
	_, ok := r.sites[siteName]
	return ok
}

// Adapter はサイト名に対応するアダプタを返す。
func (r *Registry) Adapter(siteName string) (Adapter, bool) {
	e, ok := r.sites[siteName]
	return e.adapter, ok
}

// FetchThread はスレッドを取得してパースする。
// スレッドが存在しない場合は model.ErrThreadNotFound をラップしたエラーを返す。
func (r *Registry) FetchThread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error) {
	e, ok := r.sites[thread.SiteName]
	if !ok {
		return nil, &model.ParseError{Op: "fetch " + thread.String(), Err: fmt.Errorf("未登録のサイトです: %s", thread.SiteName)}
	}

	body, err := e.client.Get(ctx, e.adapter.ThreadURL(thread), e.adapter.Accept())
	if err != nil {
		return nil, err
	}

	payload, err := e.adapter.ParseThread(thread, body)
	if err != nil {
		r.logger.Warn("スレッドの解析に失敗しました",
			slog.String("thread", thread.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return payload, nil
}

// FetchBoardPages は板のスレッド一覧をページ単位で取得する。
func (r *Registry) FetchBoardPages(ctx context.Context, siteName, board string) ([]model.BoardPage, error) {
	e, ok := r.sites[siteName]
	if !ok {
		return nil, &model.ParseError{Op: "pages " + siteName + "/" + board, Err: fmt.Errorf("未登録のサイトです: %s", siteName)}
	}

	body, err := e.client.Get(ctx, e.adapter.BoardPagesURL(board), e.adapter.Accept())
	if err != nil {
		return nil, err
	}
	return e.adapter.ParseBoardPages(board, body)
}
