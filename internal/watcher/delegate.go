// Package watcher はブックマークしたスレッドの新着監視を提供する。
//
// Delegate が1回の監視サイクル（全アクティブブックマークのポーリング）を実行し、
// ForegroundWatcher と BackgroundWatcher がそれを異なる間隔で繰り返す。
// Coordinator はクライアントの表示状態に応じて2つの監視モードを切り替える。
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/notify"
	"github.com/hitoshi/chanwatch/internal/repository"
	"github.com/hitoshi/chanwatch/internal/site"
)

// Worker は1回の監視サイクルを実行するインターフェース。
type Worker interface {
	DoWork(ctx context.Context) ([]model.PollResult, error)
}

// ThreadSaver は保存中スレッドへ新着投稿を渡すためのインターフェース。
type ThreadSaver interface {
	State(thread model.ThreadDescriptor) model.DownloadState
	OnNewPosts(thread model.ThreadDescriptor, posts []model.Post) bool
	MarkFullyDownloaded(ctx context.Context, thread model.ThreadDescriptor) error
}

// DefaultMaxConcurrent はポーリングの最大並列数のデフォルト値。
const DefaultMaxConcurrent = 4

// Delegate は1回の監視サイクルを実行する。
type Delegate struct {
	store    *bookmark.Store
	fetcher  site.Fetcher
	replies  repository.SavedReplyRepository
	saver    ThreadSaver
	notifier notify.Notifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger

	maxConcurrent int
	now           func() time.Time

	mu         sync.Mutex
	lastErrors map[string]error
}

var _ Worker = (*Delegate)(nil)

// NewDelegate はDelegateを生成する。
// maxConcurrent が0以下の場合は DefaultMaxConcurrent を使用する。
func NewDelegate(
	store *bookmark.Store,
	fetcher site.Fetcher,
	replies repository.SavedReplyRepository,
	saver ThreadSaver,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrent int,
) *Delegate {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Delegate{
		store:         store,
		fetcher:       fetcher,
		replies:       replies,
		saver:         saver,
		notifier:      notifier,
		metrics:       collector,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		lastErrors:    make(map[string]error),
	}
}

// ActiveBookmarks はポーリング対象のブックマークを返す。
// 監視フラグ付き、または保存中のスレッドで、アーカイブ・クローズされていないもの。
func (d *Delegate) ActiveBookmarks() []*model.Bookmark {
	var active []*model.Bookmark
	for _, b := range d.store.List() {
		if !b.IsActive() {
			continue
		}
		if b.IsWatching() || (b.IsDownloading() && d.saver.State(b.Thread) == model.DownloadStateInProgress) {
			active = append(active, b)
		}
	}
	return active
}

// DoWork は全アクティブブックマークをポーリングし、結果を返す。
// ブックマークごとの失敗はそのブックマークに閉じ、サイクル全体は継続する。
// ctx がキャンセルされた場合、開始済みのポーリングの結果を返し ctx.Err() を返す。
func (d *Delegate) DoWork(ctx context.Context) ([]model.PollResult, error) {
	active := d.ActiveBookmarks()
	if len(active) == 0 {
		return nil, nil
	}

	results := make([]*model.PollResult, len(active))
	var g errgroup.Group
	g.SetLimit(d.maxConcurrent)
	for i, b := range active {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = d.poll(ctx, b)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.PollResult
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, ctx.Err()
}

// LastErrors はブックマークIDごとの直近のポーリングエラーを返す。
// 次に成功したブックマークのエラーは消える。
func (d *Delegate) LastErrors() map[string]error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.lastErrors)
}

// poll は1ブックマークをポーリングする。
// ポーリング中にブックマークが削除された場合はnilを返す。
func (d *Delegate) poll(ctx context.Context, b *model.Bookmark) *model.PollResult {
	start := d.now()
	result := &model.PollResult{BookmarkID: b.ID, Thread: b.Thread}

	payload, err := d.fetcher.FetchThread(ctx, b.Thread)
	if errors.Is(err, model.ErrThreadNotFound) {
		return d.markArchived(ctx, b, result)
	}
	if err != nil {
		return d.fail(ctx, b, result, err)
	}

	myPosts, err := d.replies.ListPostNos(ctx, b.Thread)
	if err != nil {
		return d.fail(ctx, b, result, fmt.Errorf("自分の投稿の取得に失敗: %w", err))
	}

	var newPosts []model.Post
	updated, err := d.store.Update(ctx, b.ID, func(nb *model.Bookmark) error {
		newPosts = applyPayload(nb, payload, myPosts, result)
		return nil
	})
	if errors.Is(err, model.ErrBookmarkNotFound) {
		return nil
	}
	if err != nil {
		*result = model.PollResult{BookmarkID: b.ID, Thread: b.Thread}
		return d.fail(ctx, b, result, err)
	}

	d.clearError(b.ID)
	d.metrics.RecordPollSuccess(b.Thread.SiteName)
	d.metrics.RecordPollLatency(d.now().Sub(start))

	if result.NewCount > 0 {
		d.store.PublishNewPosts(updated, result.NewCount, result.QuotingPosts)
		d.logger.Info("新着投稿を検出しました",
			slog.String("bookmark_id", b.ID),
			slog.String("thread", b.Thread.String()),
			slog.Int("new_count", result.NewCount),
			slog.Int("quoting_posts", len(result.QuotingPosts)),
		)
	}
	if result.HasQuoteOfUser {
		d.notify(ctx, updated, *result)
	}
	if updated.IsDownloading() {
		d.forwardToSaver(ctx, updated, payload, newPosts)
	}
	return result
}

// applyPayload は取得したスレッドをブックマークに反映し、新着投稿を返す。
// 初回（LastSeenPostNo==0）は最後の投稿番号のみを記録し、新着として数えない。
// 自分宛て返信は NotifiedQuotes に追記し、同じ投稿で2回通知しない。
func applyPayload(b *model.Bookmark, payload *model.ThreadPayload, myPosts []int64, result *model.PollResult) []model.Post {
	lastPostNo := payload.LastPostNo()
	result.LastPostNo = lastPostNo

	if b.Title == "" {
		b.Title = payload.Title
	}
	b.TotalPosts = len(payload.Posts)
	b.Archived = payload.Archived
	b.Closed = payload.Closed

	if b.LastSeenPostNo == 0 {
		b.LastSeenPostNo = lastPostNo
		return payload.Posts
	}

	newPosts := payload.PostsAfter(b.LastSeenPostNo)
	result.NewCount = len(newPosts)
	for _, p := range newPosts {
		if slices.Contains(myPosts, p.No) || b.HasNotified(p.No) {
			continue
		}
		if slices.ContainsFunc(p.Quotes, func(q int64) bool { return slices.Contains(myPosts, q) }) {
			result.QuotingPosts = append(result.QuotingPosts, p.No)
		}
	}
	result.HasQuoteOfUser = len(result.QuotingPosts) > 0

	b.UnseenCount += len(newPosts)
	b.QuotesToMeCount += len(result.QuotingPosts)
	b.NotifiedQuotes = append(b.NotifiedQuotes, result.QuotingPosts...)
	b.LastSeenPostNo = max(b.LastSeenPostNo, lastPostNo)
	return newPosts
}

// markArchived はサイト上で消えたスレッドをアーカイブ済みとして記録する。
// エラーとしては扱わない。
func (d *Delegate) markArchived(ctx context.Context, b *model.Bookmark, result *model.PollResult) *model.PollResult {
	updated, err := d.store.Update(ctx, b.ID, func(nb *model.Bookmark) error {
		nb.Archived = true
		return nil
	})
	if errors.Is(err, model.ErrBookmarkNotFound) {
		return nil
	}
	if err != nil {
		return d.fail(ctx, b, result, err)
	}

	d.clearError(b.ID)
	d.metrics.RecordPollFailure(b.Thread.SiteName, "not_found")
	d.logger.Info("スレッドが存在しないためアーカイブ済みにしました",
		slog.String("bookmark_id", b.ID),
		slog.String("thread", b.Thread.String()),
	)
	result.LastPostNo = updated.LastSeenPostNo
	if updated.IsDownloading() {
		d.completeSave(ctx, updated.Thread)
	}
	return result
}

// fail はポーリング失敗を記録する。ブックマークは変更しない。
func (d *Delegate) fail(ctx context.Context, b *model.Bookmark, result *model.PollResult, err error) *model.PollResult {
	result.Err = err
	if ctx.Err() != nil {
		// モード切り替えによる中断は失敗として記録しない
		return result
	}

	d.mu.Lock()
	d.lastErrors[b.ID] = err
	d.mu.Unlock()

	d.metrics.RecordPollFailure(b.Thread.SiteName, failureReason(err))
	d.logger.Warn("スレッドのポーリングに失敗しました",
		slog.String("bookmark_id", b.ID),
		slog.String("thread", b.Thread.String()),
		slog.String("error", err.Error()),
	)
	return result
}

func (d *Delegate) clearError(id string) {
	d.mu.Lock()
	delete(d.lastErrors, id)
	d.mu.Unlock()
}

func (d *Delegate) notify(ctx context.Context, b *model.Bookmark, result model.PollResult) {
	n := notify.NewNotification(b, result, d.now())
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Error("通知の送信に失敗しました",
			slog.String("bookmark_id", b.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.RecordNotification()
}

// forwardToSaver は保存中スレッドの新着投稿を保存キューへ渡し、
// スレッドが終了していれば保存完了にする。
func (d *Delegate) forwardToSaver(ctx context.Context, b *model.Bookmark, payload *model.ThreadPayload, newPosts []model.Post) {
	if d.saver.State(b.Thread) != model.DownloadStateInProgress {
		return
	}
	d.saver.OnNewPosts(b.Thread, newPosts)
	if payload.Archived || payload.Closed {
		d.completeSave(ctx, b.Thread)
	}
}

func (d *Delegate) completeSave(ctx context.Context, thread model.ThreadDescriptor) {
	if err := d.saver.MarkFullyDownloaded(ctx, thread); err != nil && !model.IsIllegalState(err) {
		d.logger.Error("保存完了の記録に失敗しました",
			slog.String("thread", thread.String()),
			slog.String("error", err.Error()),
		)
	}
}

func failureReason(err error) string {
	var netErr *model.NetworkError
	var parseErr *model.ParseError
	switch {
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "internal"
	}
}
