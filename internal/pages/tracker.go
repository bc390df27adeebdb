// Package pages はブックマークしたスレッドが板一覧の何ページ目にあるかを追跡する。
package pages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/model"
)

// BoardPagesFetcher は板一覧のページ情報取得のインターフェース。
// テスト時にモックに差し替え可能。
type BoardPagesFetcher interface {
	FetchBoardPages(ctx context.Context, siteName, board string) ([]model.BoardPage, error)
}

// Config はページ追跡ジョブの設定パラメータ。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// RequestInterval は板一覧取得の最低間隔（デフォルト: 2秒）。
	RequestInterval time.Duration
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Minute,
		RequestInterval: 2 * time.Second,
	}
}

type boardKey struct {
	site  string
	board string
}

// Tracker は板一覧を定期的に取得し、ブックマークの BoardPage を更新するジョブ。
// 取得の失敗はブックマークのポーリング状態に影響しない。
type Tracker struct {
	store             *bookmark.Store
	fetcher           BoardPagesFetcher
	logger            *slog.Logger
	config            Config
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewTracker はTrackerを生成する。
func NewTracker(store *bookmark.Store, fetcher BoardPagesFetcher, logger *slog.Logger, config Config) *Tracker {
	return &Tracker{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		config:  config,
	}
}

// Start はジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	t.logger.Info("ページ追跡ジョブを開始しました",
		slog.Duration("interval", t.config.Interval),
		slog.Duration("request_interval", t.config.RequestInterval),
	)

	// 起動直後に1回実行
	if err := t.RunOnce(ctx); err != nil {
		t.logger.Error("ページ追跡サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("ページ追跡ジョブを停止しました")
			return
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil {
				t.logger.Error("ページ追跡サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回の追跡サイクルを実行する。
// アクティブなブックマークを板ごとにまとめ、板一覧を1回ずつ取得する。
func (t *Tracker) RunOnce(ctx context.Context) error {
	start := time.Now()

	// バックオフ中の場合はスキップ
	if !t.backoffUntil.IsZero() && time.Now().Before(t.backoffUntil) {
		t.logger.Info("ページ追跡ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", t.backoffUntil),
		)
		return nil
	}

	boards := make(map[boardKey][]*model.Bookmark)
	var order []boardKey
	for _, b := range t.store.List() {
		if !b.IsActive() {
			continue
		}
		key := boardKey{site: b.Thread.SiteName, board: b.Thread.BoardCode}
		if _, ok := boards[key]; !ok {
			order = append(order, key)
		}
		boards[key] = append(boards[key], b)
	}
	if len(order) == 0 {
		return nil
	}

	var requestCount, updatedCount int
	var hadError bool
	for _, key := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 取得間隔（初回は待たない）
		if requestCount > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.config.RequestInterval):
			}
		}
		requestCount++

		pages, err := t.fetcher.FetchBoardPages(ctx, key.site, key.board)
		if err != nil {
			t.logger.Error("板一覧の取得に失敗しました",
				slog.String("site", key.site),
				slog.String("board", key.board),
				slog.String("error", err.Error()),
			)
			hadError = true
			t.consecutiveErrors++
			backoff := t.calculateErrorBackoff(t.consecutiveErrors)
			if backoff > 0 {
				t.backoffUntil = time.Now().Add(backoff)
				t.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", t.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue
		}

		n, err := t.apply(ctx, boards[key], pages)
		updatedCount += n
		if err != nil {
			return err
		}
	}

	if !hadError {
		t.consecutiveErrors = 0
		t.backoffUntil = time.Time{}
	}

	t.logger.Info("ページ追跡サイクルが完了しました",
		slog.Int("board_count", requestCount),
		slog.Int("updated_bookmarks", updatedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// apply は板一覧からブックマークのページ位置を更新し、更新件数を返す。
// 一覧に見つからないスレッドのページは0（不明）にする。
func (t *Tracker) apply(ctx context.Context, bookmarks []*model.Bookmark, pages []model.BoardPage) (int, error) {
	pageOf := make(map[int64]int)
	for _, p := range pages {
		for _, no := range p.Threads {
			pageOf[no] = p.Page
		}
	}

	updated := 0
	for _, b := range bookmarks {
		page := pageOf[b.Thread.ThreadNo]
		if page == b.BoardPage {
			continue
		}
		_, err := t.store.Update(ctx, b.ID, func(nb *model.Bookmark) error {
			nb.BoardPage = page
			return nil
		})
		if errors.Is(err, model.ErrBookmarkNotFound) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("ページ位置の更新に失敗: %w", err)
		}
		updated++
	}
	return updated, nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func (t *Tracker) calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
