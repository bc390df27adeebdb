// Package threadsave はスレッドのローカル保存（ダウンロード）状態を管理する。
//
// 状態は NotDownloading / DownloadInProgress / Stopped / FullyDownloaded の4つで、
// FullyDownloaded は削除以外の遷移を受け付けない。
// 保存対象の投稿は単一のワーカーが受付順に永続化する。
package threadsave

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
	"github.com/hitoshi/chanwatch/internal/repository"
)

// drainTimeout は停止時に残りのキューを書き出す時間の上限。
const drainTimeout = 10 * time.Second

// saveJob は永続化キューの1要素。
// barrier が非nilの場合は書き込みを行わず、それまでのジョブの完了を通知する。
type saveJob struct {
	thread  model.ThreadDescriptor
	posts   []model.Post
	barrier chan struct{}
}

// Manager はスレッド保存の状態機械と永続化キューを管理する。
type Manager struct {
	store   *bookmark.Store
	saved   repository.SavedThreadRepository
	posts   repository.SavedPostRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	records     map[model.ThreadDescriptor]*model.SavedThread
	threadLocks map[model.ThreadDescriptor]*sync.Mutex
	queue       []saveJob

	signal    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager はManagerを生成する。
func NewManager(
	store *bookmark.Store,
	saved repository.SavedThreadRepository,
	posts repository.SavedPostRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		store:       store,
		saved:       saved,
		posts:       posts,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
		records:     make(map[model.ThreadDescriptor]*model.SavedThread),
		threadLocks: make(map[model.ThreadDescriptor]*sync.Mutex),
		signal:      make(chan struct{}, 1),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Load はリポジトリから保存状態を読み込む。
func (m *Manager) Load(ctx context.Context) error {
	list, err := m.saved.List(ctx)
	if err != nil {
		return fmt.Errorf("保存状態の読み込みに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range list {
		m.records[rec.Thread] = rec
	}
	m.logger.Info("保存状態を読み込みました", slog.Int("count", len(list)))
	return nil
}

// Start は永続化ワーカーを起動する。
// ctx がキャンセルされるか Close が呼ばれると、残りのキューを書き出して終了する。
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Close はワーカーを停止し、終了を待つ。複数回呼んでもよい。
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closing) })
	<-m.done
}

// State はスレッドの保存状態を返す。
func (m *Manager) State(thread model.ThreadDescriptor) model.DownloadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[thread].State()
}

// Record はスレッドの保存状態レコードのコピーを返す。保存対象でない場合はnilを返す。
func (m *Manager) Record(thread model.ThreadDescriptor) *model.SavedThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[thread]
	if !ok {
		return nil
	}
	c := *rec
	return &c
}

// SavedPosts は保存済みの投稿を返す。
func (m *Manager) SavedPosts(ctx context.Context, thread model.ThreadDescriptor) ([]model.Post, error) {
	return m.posts.ListPosts(ctx, thread)
}

// Save はスレッドの保存を開始する。
// ブックマークがなければDOWNLOADフラグ付きで作成し、posts を永続化キューに積む。
// 既に保存中の場合、あるいは保存が完了している場合は IllegalStateError を返す。
func (m *Manager) Save(ctx context.Context, thread model.ThreadDescriptor, title string, posts []model.Post) error {
	unlock := m.lockThread(thread)
	defer unlock()

	switch state := m.State(thread); state {
	case model.DownloadStateInProgress:
		return model.NewIllegalStateError("スレッドは既に保存中です: %s", thread)
	case model.DownloadStateFullyDownloaded:
		return model.NewIllegalStateError("スレッドは保存が完了しています: %s", thread)
	}
	if b, ok := m.store.GetByThread(thread); ok && b.IsDownloading() {
		return model.NewIllegalStateError("ブックマークは既に保存中です: %s", thread)
	}

	return m.startLocked(ctx, thread, title, posts)
}

// Resume は停止中の保存を再開する。
func (m *Manager) Resume(ctx context.Context, thread model.ThreadDescriptor, posts []model.Post) error {
	unlock := m.lockThread(thread)
	defer unlock()

	if state := m.State(thread); state != model.DownloadStateStopped {
		return model.NewIllegalStateError("停止中でないスレッドは再開できません: %s (%s)", thread, state)
	}
	return m.startLocked(ctx, thread, "", posts)
}

// startLocked はスレッドロックを保持した状態で保存中へ遷移する。
func (m *Manager) startLocked(ctx context.Context, thread model.ThreadDescriptor, title string, posts []model.Post) error {
	if _, _, err := m.store.SetFlag(ctx, thread, model.FlagDownloadNewPosts, title); err != nil {
		return fmt.Errorf("保存フラグの設定に失敗: %w", err)
	}

	rec := m.Record(thread)
	if rec == nil {
		rec = &model.SavedThread{Thread: thread}
	}
	rec.IsStopped = false
	rec.IsFullyDownloaded = false
	rec.UpdatedAt = m.now()
	if err := m.saved.Upsert(ctx, rec); err != nil {
		if _, clearErr := m.store.ClearFlag(ctx, thread, model.FlagDownloadNewPosts); clearErr != nil {
			m.logger.Error("保存フラグの取り消しに失敗しました",
				slog.String("thread", thread.String()),
				slog.String("error", clearErr.Error()),
			)
		}
		return fmt.Errorf("保存状態の記録に失敗: %w", err)
	}
	m.setRecord(rec)

	m.enqueue(thread, posts)
	m.logger.Info("スレッドの保存を開始しました",
		slog.String("thread", thread.String()),
		slog.Int("posts", len(posts)),
	)
	return nil
}

// OnNewPosts は保存中のスレッドの新着投稿を永続化キューに積む。
// 保存中でない場合は何もせず false を返す。
func (m *Manager) OnNewPosts(thread model.ThreadDescriptor, posts []model.Post) bool {
	if m.State(thread) != model.DownloadStateInProgress {
		return false
	}
	m.enqueue(thread, posts)
	return true
}

// Stop は保存中のスレッドを停止状態にし、ブックマークのDOWNLOADフラグを外す。
// 既に停止中の場合は何もしない。
func (m *Manager) Stop(ctx context.Context, thread model.ThreadDescriptor) error {
	unlock := m.lockThread(thread)
	defer unlock()

	switch state := m.State(thread); state {
	case model.DownloadStateStopped:
		return nil
	case model.DownloadStateInProgress:
	default:
		return model.NewIllegalStateError("保存中でないスレッドは停止できません: %s (%s)", thread, state)
	}

	rec := m.Record(thread)
	rec.IsStopped = true
	if err := m.finishLocked(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("スレッドの保存を停止しました", slog.String("thread", thread.String()))
	return nil
}

// MarkFullyDownloaded はスレッドを保存完了状態にする。これ以降は削除以外の遷移を受け付けない。
// 既に完了している場合は何もしない。
func (m *Manager) MarkFullyDownloaded(ctx context.Context, thread model.ThreadDescriptor) error {
	unlock := m.lockThread(thread)
	defer unlock()

	switch state := m.State(thread); state {
	case model.DownloadStateFullyDownloaded:
		return nil
	case model.DownloadStateInProgress, model.DownloadStateStopped:
	default:
		return model.NewIllegalStateError("保存対象でないスレッドは完了にできません: %s", thread)
	}

	rec := m.Record(thread)
	rec.IsStopped = true
	rec.IsFullyDownloaded = true
	if err := m.finishLocked(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("スレッドの保存が完了しました",
		slog.String("thread", thread.String()),
		slog.Int("saved_posts", rec.SavedPostCount),
	)
	return nil
}

// finishLocked は停止・完了の状態を記録し、DOWNLOADフラグを外す。
func (m *Manager) finishLocked(ctx context.Context, rec *model.SavedThread) error {
	rec.UpdatedAt = m.now()
	if err := m.saved.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("保存状態の記録に失敗: %w", err)
	}
	m.setRecord(rec)

	if _, err := m.store.ClearFlag(ctx, rec.Thread, model.FlagDownloadNewPosts); err != nil {
		return fmt.Errorf("保存フラグの解除に失敗: %w", err)
	}
	return nil
}

// Delete は保存状態と保存済みの投稿を削除し、DOWNLOADフラグを外す。
// 未処理の永続化ジョブは破棄される。
func (m *Manager) Delete(ctx context.Context, thread model.ThreadDescriptor) error {
	unlock := m.lockThread(thread)
	defer unlock()

	if err := m.saved.Delete(ctx, thread); err != nil {
		return fmt.Errorf("保存状態の削除に失敗: %w", err)
	}

	m.mu.Lock()
	delete(m.records, thread)
	m.queue = slices.DeleteFunc(m.queue, func(j saveJob) bool {
		return j.barrier == nil && j.thread == thread
	})
	m.mu.Unlock()

	if _, err := m.store.ClearFlag(ctx, thread, model.FlagDownloadNewPosts); err != nil {
		return fmt.Errorf("保存フラグの解除に失敗: %w", err)
	}
	m.logger.Info("保存済みスレッドを削除しました", slog.String("thread", thread.String()))
	return nil
}

// ToggleSave は保存中なら停止し、そうでなければ保存を開始する。
// 保存状態の記録がないままDOWNLOADフラグだけが残っている場合はフラグを外す。
// 遷移後の状態を返す。
func (m *Manager) ToggleSave(ctx context.Context, thread model.ThreadDescriptor, title string, posts []model.Post) (model.DownloadState, error) {
	if m.State(thread) == model.DownloadStateInProgress {
		if err := m.Stop(ctx, thread); err != nil {
			return m.State(thread), err
		}
		return m.State(thread), nil
	}
	if b, ok := m.store.GetByThread(thread); ok && b.IsDownloading() {
		if _, err := m.store.ClearFlag(ctx, thread, model.FlagDownloadNewPosts); err != nil {
			return m.State(thread), fmt.Errorf("保存フラグの解除に失敗: %w", err)
		}
		m.logger.Warn("保存状態のないDOWNLOADフラグを外しました",
			slog.String("thread", thread.String()),
		)
		return m.State(thread), nil
	}
	if err := m.Save(ctx, thread, title, posts); err != nil {
		return m.State(thread), err
	}
	return m.State(thread), nil
}

// Flush はそれまでに積まれた永続化ジョブの処理完了を待つ。
func (m *Manager) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	m.push(saveJob{barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) setRecord(rec *model.SavedThread) {
	c := *rec
	m.mu.Lock()
	m.records[rec.Thread] = &c
	m.mu.Unlock()
}

func (m *Manager) enqueue(thread model.ThreadDescriptor, posts []model.Post) {
	if len(posts) == 0 {
		return
	}
	m.push(saveJob{thread: thread, posts: slices.Clone(posts)})
}

func (m *Manager) push(job saveJob) {
	m.mu.Lock()
	m.queue = append(m.queue, job)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) pop() (saveJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return saveJob{}, false
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	return job, true
}

// run は永続化ワーカーのループ。
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-m.signal:
			m.drain(ctx)
		case <-ctx.Done():
			m.finalDrain(ctx)
			return
		case <-m.closing:
			m.finalDrain(ctx)
			return
		}
	}
}

func (m *Manager) finalDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	m.drain(drainCtx)
}

func (m *Manager) drain(ctx context.Context) {
	for {
		job, ok := m.pop()
		if !ok {
			return
		}
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		m.persist(ctx, job)
	}
}

// persist は1ジョブの投稿を書き込み、保存状態の件数を更新する。
// 書き込みの間はスレッドロックを保持し、状態遷移と直列化する。
func (m *Manager) persist(ctx context.Context, job saveJob) {
	unlock := m.lockThread(job.thread)
	defer unlock()

	rec := m.Record(job.thread)
	if rec == nil {
		// 書き込み前に削除された
		return
	}

	inserted, err := m.posts.InsertPosts(ctx, job.thread, job.posts)
	if err != nil {
		m.logger.Error("投稿の保存に失敗しました",
			slog.String("thread", job.thread.String()),
			slog.Int("posts", len(job.posts)),
			slog.String("error", err.Error()),
		)
		return
	}
	if inserted == 0 {
		return
	}
	m.metrics.RecordPostsSaved(inserted)

	rec.SavedPostCount += inserted
	rec.LastSavedPostNo = max(rec.LastSavedPostNo, job.posts[len(job.posts)-1].No)
	rec.UpdatedAt = m.now()
	if err := m.saved.Upsert(ctx, rec); err != nil {
		m.logger.Error("保存状態の更新に失敗しました",
			slog.String("thread", job.thread.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.setRecord(rec)

	m.logger.Debug("投稿を保存しました",
		slog.String("thread", job.thread.String()),
		slog.Int("inserted", inserted),
	)
}

func (m *Manager) lockThread(thread model.ThreadDescriptor) func() {
	m.mu.Lock()
	l, ok := m.threadLocks[thread]
	if !ok {
		l = &sync.Mutex{}
		m.threadLocks[thread] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
