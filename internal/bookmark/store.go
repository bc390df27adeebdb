// Package bookmark はブックマーク（監視・保存対象スレッド）の集合を管理する。
//
// Store はブックマークを変更できる唯一のコンポーネントである。
// ユーザー操作と監視ワーカーの双方がStore経由で読み書きし、
// 同一スレッドへの変更はスレッド単位のロックで直列化される。
// Store全体のロックはメモリ上の操作の間だけ保持し、DBアクセス中は保持しない。
package bookmark

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// UpdateFunc はブックマークのコピーを受け取って変更する関数。
// エラーを返した場合、変更は破棄されブックマークは元の状態のまま残る。
type UpdateFunc func(b *model.Bookmark) error

// Store はブックマークのインメモリ集合と永続化・イベント配信を管理する。
type Store struct {
	repo    repository.BookmarkRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	bookmarks   map[string]*model.Bookmark
	byThread    map[model.ThreadDescriptor]string
	threadLocks map[model.ThreadDescriptor]*sync.Mutex
	subs        map[uint64]*subscriber
	nextSubID   uint64
}

// NewStore はStoreを生成する。Load を呼ぶまでは空の集合として振る舞う。
func NewStore(repo repository.BookmarkRepository, collector metrics.MetricsCollector, logger *slog.Logger) *Store {
	return &Store{
		repo:        repo,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
		bookmarks:   make(map[string]*model.Bookmark),
		byThread:    make(map[model.ThreadDescriptor]string),
		threadLocks: make(map[model.ThreadDescriptor]*sync.Mutex),
		subs:        make(map[uint64]*subscriber),
	}
}

// Load はリポジトリから全ブックマークを読み込む。
// フラグが空のレコードが見つかった場合は削除する。
func (s *Store) Load(ctx context.Context) error {
	list, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("ブックマークの読み込みに失敗: %w", err)
	}

	var loaded []*model.Bookmark
	for _, b := range list {
		if b.Flags.IsEmpty() {
			s.logger.Warn("フラグが空のブックマークを削除します",
				slog.String("bookmark_id", b.ID),
				slog.String("thread", b.Thread.String()),
			)
			if err := s.repo.Delete(ctx, b.ID); err != nil {
				return fmt.Errorf("空のブックマークの削除に失敗: %w", err)
			}
			continue
		}
		loaded = append(loaded, b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range loaded {
		s.bookmarks[b.ID] = b
		s.byThread[b.Thread] = b.ID
	}

	s.logger.Info("ブックマークを読み込みました", slog.Int("count", len(loaded)))
	return nil
}

// Create は新しいブックマークを作成する。
// 同じスレッドのブックマークが既に存在する場合は IllegalStateError を返す。
func (s *Store) Create(ctx context.Context, thread model.ThreadDescriptor, flags model.BookmarkFlags, title string) (*model.Bookmark, error) {
	if !thread.IsValid() {
		return nil, fmt.Errorf("不正なスレッド識別子: %q", thread.String())
	}
	if flags.IsEmpty() {
		return nil, model.NewIllegalStateError("フラグが空のブックマークは作成できません: %s", thread)
	}

	unlock := s.lockThread(thread)
	defer unlock()

	return s.createLocked(ctx, thread, flags, title)
}

// createLocked はスレッドロックを保持した状態でブックマークを作成する。
func (s *Store) createLocked(ctx context.Context, thread model.ThreadDescriptor, flags model.BookmarkFlags, title string) (*model.Bookmark, error) {
	s.mu.RLock()
	_, exists := s.byThread[thread]
	s.mu.RUnlock()
	if exists {
		return nil, model.NewIllegalStateError("ブックマークは既に存在します: %s", thread)
	}

	now := s.now()
	b := &model.Bookmark{
		ID:        uuid.NewString(),
		Thread:    thread,
		Flags:     flags,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Upsert(ctx, b); err != nil {
		return nil, fmt.Errorf("ブックマークの保存に失敗: %w", err)
	}

	s.mu.Lock()
	s.bookmarks[b.ID] = b
	s.byThread[thread] = b.ID
	s.publishLocked(Event{Type: EventBookmarkAdded, BookmarkID: b.ID, Thread: thread, Bookmark: b.Clone()})
	s.mu.Unlock()

	s.logger.Info("ブックマークを作成しました",
		slog.String("bookmark_id", b.ID),
		slog.String("thread", thread.String()),
		slog.Int("flags", int(flags)),
	)
	return b.Clone(), nil
}

// Get はIDのブックマークのコピーを返す。
func (s *Store) Get(id string) (*model.Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookmarks[id]
	return b.Clone(), ok
}

// GetByThread はスレッドのブックマークのコピーを返す。
func (s *Store) GetByThread(thread model.ThreadDescriptor) (*model.Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byThread[thread]
	if !ok {
		return nil, false
	}
	return s.bookmarks[id].Clone(), true
}

// List は全ブックマークのコピーを作成日時の昇順で返す。
func (s *Store) List() []*model.Bookmark {
	s.mu.RLock()
	list := make([]*model.Bookmark, 0, len(s.bookmarks))
	for _, b := range s.bookmarks {
		list = append(list, b.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(list, func(a, b *model.Bookmark) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Update はIDのブックマークに fn を適用して保存する。
// fn がエラーを返すか保存に失敗した場合、ブックマークは変更されない。
// 変更の結果フラグが空になった場合はブックマークを削除し、nilを返す。
func (s *Store) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Bookmark, error) {
	s.mu.RLock()
	cur, ok := s.bookmarks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ブックマーク %s: %w", id, model.ErrBookmarkNotFound)
	}

	unlock := s.lockThread(cur.Thread)
	defer unlock()

	return s.updateLocked(ctx, id, fn)
}

// updateLocked はスレッドロックを保持した状態で更新を行う。
func (s *Store) updateLocked(ctx context.Context, id string, fn UpdateFunc) (*model.Bookmark, error) {
	// ロック待ちの間に削除されている場合がある
	s.mu.RLock()
	cur, ok := s.bookmarks[id]
	var next *model.Bookmark
	if ok {
		next = cur.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ブックマーク %s: %w", id, model.ErrBookmarkNotFound)
	}

	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Thread = cur.Thread
	next.CreatedAt = cur.CreatedAt

	if next.Flags.IsEmpty() {
		return nil, s.deleteLocked(ctx, cur)
	}

	next.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("ブックマークの保存に失敗: %w", err)
	}

	s.mu.Lock()
	s.bookmarks[id] = next
	s.publishLocked(Event{Type: EventBookmarkChanged, BookmarkID: id, Thread: next.Thread, Bookmark: next.Clone()})
	s.mu.Unlock()

	return next.Clone(), nil
}

// Delete はIDのブックマークを削除する。
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	cur, ok := s.bookmarks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ブックマーク %s: %w", id, model.ErrBookmarkNotFound)
	}

	unlock := s.lockThread(cur.Thread)
	defer unlock()

	s.mu.RLock()
	cur, ok = s.bookmarks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ブックマーク %s: %w", id, model.ErrBookmarkNotFound)
	}
	return s.deleteLocked(ctx, cur)
}

func (s *Store) deleteLocked(ctx context.Context, b *model.Bookmark) error {
	if err := s.repo.Delete(ctx, b.ID); err != nil {
		return fmt.Errorf("ブックマークの削除に失敗: %w", err)
	}

	s.mu.Lock()
	delete(s.bookmarks, b.ID)
	delete(s.byThread, b.Thread)
	s.publishLocked(Event{Type: EventBookmarkRemoved, BookmarkID: b.ID, Thread: b.Thread})
	s.mu.Unlock()

	s.logger.Info("ブックマークを削除しました",
		slog.String("bookmark_id", b.ID),
		slog.String("thread", b.Thread.String()),
	)
	return nil
}

// ToggleWatch はスレッドの監視フラグを切り替える。
// ブックマークがなければ監視フラグ付きで作成し、あれば監視フラグを反転する。
// 反転の結果フラグが空になった場合はブックマークを削除し、nilを返す。
func (s *Store) ToggleWatch(ctx context.Context, thread model.ThreadDescriptor, title string) (*model.Bookmark, error) {
	if !thread.IsValid() {
		return nil, fmt.Errorf("不正なスレッド識別子: %q", thread.String())
	}

	unlock := s.lockThread(thread)
	defer unlock()

	s.mu.RLock()
	id, exists := s.byThread[thread]
	s.mu.RUnlock()

	if !exists {
		return s.createLocked(ctx, thread, model.FlagWatchNewPosts, title)
	}
	return s.updateLocked(ctx, id, func(b *model.Bookmark) error {
		if b.IsWatching() {
			b.Flags = b.Flags.Without(model.FlagWatchNewPosts)
		} else {
			b.Flags = b.Flags.With(model.FlagWatchNewPosts)
		}
		return nil
	})
}

// SetFlag はスレッドのブックマークにフラグを立てる。ブックマークがなければ作成する。
// created はブックマークを新規作成したかを表す。
func (s *Store) SetFlag(ctx context.Context, thread model.ThreadDescriptor, flag model.BookmarkFlags, title string) (b *model.Bookmark, created bool, err error) {
	unlock := s.lockThread(thread)
	defer unlock()

	s.mu.RLock()
	id, exists := s.byThread[thread]
	s.mu.RUnlock()

	if !exists {
		b, err = s.createLocked(ctx, thread, flag, title)
		return b, err == nil, err
	}
	b, err = s.updateLocked(ctx, id, func(b *model.Bookmark) error {
		b.Flags = b.Flags.With(flag)
		return nil
	})
	return b, false, err
}

// ClearFlag はスレッドのブックマークからフラグを外す。フラグが空になれば削除する。
// ブックマークがない場合は何もしない。
func (s *Store) ClearFlag(ctx context.Context, thread model.ThreadDescriptor, flag model.BookmarkFlags) (*model.Bookmark, error) {
	unlock := s.lockThread(thread)
	defer unlock()

	s.mu.RLock()
	id, exists := s.byThread[thread]
	s.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	return s.updateLocked(ctx, id, func(b *model.Bookmark) error {
		b.Flags = b.Flags.Without(flag)
		return nil
	})
}

// MarkViewed はユーザーが lastViewedPostNo までの投稿を表示したことを記録する。
// 最新の投稿まで表示した場合、未読数と自分宛て返信数をリセットする。
func (s *Store) MarkViewed(ctx context.Context, id string, lastViewedPostNo int64) (*model.Bookmark, error) {
	return s.Update(ctx, id, func(b *model.Bookmark) error {
		if lastViewedPostNo <= 0 || lastViewedPostNo >= b.LastSeenPostNo {
			lastViewedPostNo = max(lastViewedPostNo, b.LastSeenPostNo)
			b.UnseenCount = 0
			b.QuotesToMeCount = 0
		}
		b.LastViewedPostNo = max(b.LastViewedPostNo, lastViewedPostNo)
		return nil
	})
}

// PublishNewPosts は新着投稿イベントを配信する。
func (s *Store) PublishNewPosts(b *model.Bookmark, newCount int, quotingPosts []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(Event{
		Type:         EventNewPosts,
		BookmarkID:   b.ID,
		Thread:       b.Thread,
		Bookmark:     b.Clone(),
		NewCount:     newCount,
		QuotingPosts: slices.Clone(quotingPosts),
	})
}

// lockThread はスレッド単位の書き込みロックを取得し、解放関数を返す。
func (s *Store) lockThread(thread model.ThreadDescriptor) func() {
	s.mu.Lock()
	l, ok := s.threadLocks[thread]
	if !ok {
		l = &sync.Mutex{}
		s.threadLocks[thread] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
