package threadsave

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/model"
)

// --- モック定義 ---

type mockBookmarkRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Bookmark
}

func (m *mockBookmarkRepo) List(ctx context.Context) ([]*model.Bookmark, error) {
	return nil, nil
}

func (m *mockBookmarkRepo) Upsert(ctx context.Context, b *model.Bookmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.ID] = b.Clone()
	return nil
}

func (m *mockBookmarkRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type mockSavedThreadRepo struct {
	mu       sync.Mutex
	rows     map[model.ThreadDescriptor]model.SavedThread
	upsertFn func(s *model.SavedThread) error
}

func (m *mockSavedThreadRepo) Find(ctx context.Context, thread model.ThreadDescriptor) (*model.SavedThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[thread]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockSavedThreadRepo) List(ctx context.Context) ([]*model.SavedThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*model.SavedThread
	for _, s := range m.rows {
		list = append(list, &s)
	}
	return list, nil
}

func (m *mockSavedThreadRepo) Upsert(ctx context.Context, s *model.SavedThread) error {
	if m.upsertFn != nil {
		if err := m.upsertFn(s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.Thread] = *s
	return nil
}

func (m *mockSavedThreadRepo) Delete(ctx context.Context, thread model.ThreadDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, thread)
	return nil
}

type mockSavedPostRepo struct {
	mu    sync.Mutex
	posts map[model.ThreadDescriptor][]model.Post
	calls int
}

func (m *mockSavedPostRepo) InsertPosts(ctx context.Context, thread model.ThreadDescriptor, posts []model.Post) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	inserted := 0
	for _, p := range posts {
		dup := false
		for _, saved := range m.posts[thread] {
			if saved.No == p.No {
				dup = true
				break
			}
		}
		if !dup {
			m.posts[thread] = append(m.posts[thread], p)
			inserted++
		}
	}
	return inserted, nil
}

func (m *mockSavedPostRepo) ListPosts(ctx context.Context, thread model.ThreadDescriptor) ([]model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Post(nil), m.posts[thread]...), nil
}

type testEnv struct {
	manager *Manager
	store   *bookmark.Store
	saved   *mockSavedThreadRepo
	posts   *mockSavedPostRepo
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	store := bookmark.NewStore(&mockBookmarkRepo{rows: map[string]*model.Bookmark{}}, metrics.Nop{}, logger)
	saved := &mockSavedThreadRepo{rows: map[model.ThreadDescriptor]model.SavedThread{}}
	posts := &mockSavedPostRepo{posts: map[model.ThreadDescriptor][]model.Post{}}
	m := NewManager(store, saved, posts, metrics.Nop{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return &testEnv{manager: m, store: store, saved: saved, posts: posts}
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush() がエラーを返した: %v", err)
	}
}

func makePosts(nos ...int64) []model.Post {
	posts := make([]model.Post, 0, len(nos))
	for _, no := range nos {
		posts = append(posts, model.Post{No: no, Text: "本文"})
	}
	return posts
}

var testThread = model.NewThreadDescriptor("4chan", "g", 100)

// --- テスト ---

func TestManager_Save_CreatesBookmark(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.manager.State(testThread); got != model.DownloadStateNotDownloading {
		t.Fatalf("初期状態 = %s, want not_downloading", got)
	}
	if err := env.manager.Save(ctx, testThread, "保存スレ", makePosts(100, 101, 102)); err != nil {
		t.Fatalf("Save() がエラーを返した: %v", err)
	}

	list := env.store.List()
	if len(list) != 1 {
		t.Fatalf("ブックマーク数 = %d, want 1", len(list))
	}
	if !list[0].IsDownloading() || list[0].IsWatching() {
		t.Errorf("Flags = %d, want DOWNLOADのみ", list[0].Flags)
	}
	if list[0].Title != "保存スレ" {
		t.Errorf("Title = %q", list[0].Title)
	}
	if got := env.manager.State(testThread); got != model.DownloadStateInProgress {
		t.Errorf("State() = %s, want download_in_progress", got)
	}

	flush(t, env.manager)
	saved, _ := env.manager.SavedPosts(ctx, testThread)
	if len(saved) != 3 {
		t.Errorf("保存済み投稿数 = %d, want 3", len(saved))
	}
	if rec := env.manager.Record(testThread); rec.SavedPostCount != 3 || rec.LastSavedPostNo != 102 {
		t.Errorf("Record() = %+v", rec)
	}
}

func TestManager_Save_Twice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.manager.Save(ctx, testThread, "", nil); err != nil {
		t.Fatalf("Save() がエラーを返した: %v", err)
	}
	err := env.manager.Save(ctx, testThread, "", nil)
	if !model.IsIllegalState(err) {
		t.Fatalf("2回目の Save() err = %v, want IllegalStateError", err)
	}
	if len(env.store.List()) != 1 {
		t.Errorf("ブックマーク数 = %d, want 1", len(env.store.List()))
	}
}

func TestManager_Save_KeepsWatchFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.store.ToggleWatch(ctx, testThread, ""); err != nil {
		t.Fatalf("ToggleWatch() がエラーを返した: %v", err)
	}
	if err := env.manager.Save(ctx, testThread, "", nil); err != nil {
		t.Fatalf("Save() がエラーを返した: %v", err)
	}
	b, _ := env.store.GetByThread(testThread)
	if !b.IsWatching() || !b.IsDownloading() {
		t.Errorf("Flags = %d, want WATCH|DOWNLOAD", b.Flags)
	}

	if err := env.manager.Stop(ctx, testThread); err != nil {
		t.Fatalf("Stop() がエラーを返した: %v", err)
	}
	b, ok := env.store.GetByThread(testThread)
	if !ok || !b.IsWatching() || b.IsDownloading() {
		t.Errorf("停止後 = %+v, want WATCHのみ残る", b)
	}
}

func TestManager_Save_PersistFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.saved.upsertFn = func(*model.SavedThread) error { return errors.New("db down") }

	if err := env.manager.Save(context.Background(), testThread, "", nil); err == nil {
		t.Fatal("保存状態の記録失敗時は Save() がエラーを返すべき")
	}
	if _, ok := env.store.GetByThread(testThread); ok {
		t.Error("失敗したのにブックマークが残っている")
	}
	if got := env.manager.State(testThread); got != model.DownloadStateNotDownloading {
		t.Errorf("State() = %s, want not_downloading", got)
	}
}

func TestManager_OnNewPosts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if env.manager.OnNewPosts(testThread, makePosts(1)) {
		t.Error("保存対象でないスレッドの投稿が受け付けられた")
	}

	_ = env.manager.Save(ctx, testThread, "", makePosts(100))
	if !env.manager.OnNewPosts(testThread, makePosts(101, 102)) {
		t.Fatal("保存中のスレッドの投稿が受け付けられなかった")
	}
	flush(t, env.manager)

	_ = env.manager.Stop(ctx, testThread)
	if env.manager.OnNewPosts(testThread, makePosts(103)) {
		t.Error("停止中のスレッドの投稿が受け付けられた")
	}
	flush(t, env.manager)

	saved, _ := env.manager.SavedPosts(ctx, testThread)
	if len(saved) != 3 {
		t.Errorf("保存済み投稿数 = %d, want 3", len(saved))
	}
}

func TestManager_StopAndResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.manager.Stop(ctx, testThread); !model.IsIllegalState(err) {
		t.Errorf("保存対象でない Stop() err = %v, want IllegalStateError", err)
	}
	if err := env.manager.Resume(ctx, testThread, nil); !model.IsIllegalState(err) {
		t.Errorf("保存対象でない Resume() err = %v, want IllegalStateError", err)
	}

	_ = env.manager.Save(ctx, testThread, "", nil)
	if err := env.manager.Stop(ctx, testThread); err != nil {
		t.Fatalf("Stop() がエラーを返した: %v", err)
	}
	if got := env.manager.State(testThread); got != model.DownloadStateStopped {
		t.Fatalf("State() = %s, want stopped", got)
	}
	if _, ok := env.store.GetByThread(testThread); ok {
		t.Error("DOWNLOADのみのブックマークは停止で削除されるべき")
	}
	if err := env.manager.Stop(ctx, testThread); err != nil {
		t.Errorf("停止中の Stop() はエラーにならないべき: %v", err)
	}

	if err := env.manager.Resume(ctx, testThread, makePosts(100)); err != nil {
		t.Fatalf("Resume() がエラーを返した: %v", err)
	}
	if got := env.manager.State(testThread); got != model.DownloadStateInProgress {
		t.Errorf("State() = %s, want download_in_progress", got)
	}
	if b, ok := env.store.GetByThread(testThread); !ok || !b.IsDownloading() {
		t.Error("再開でDOWNLOADフラグが付いていない")
	}
}

func TestManager_FullyDownloadedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_ = env.manager.Save(ctx, testThread, "", makePosts(100))
	if err := env.manager.MarkFullyDownloaded(ctx, testThread); err != nil {
		t.Fatalf("MarkFullyDownloaded() がエラーを返した: %v", err)
	}
	rec := env.manager.Record(testThread)
	if !rec.IsFullyDownloaded || !rec.IsStopped {
		t.Errorf("Record() = %+v, want 完了かつ停止", rec)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{name: "Save", fn: func() error { return env.manager.Save(ctx, testThread, "", nil) }},
		{name: "Resume", fn: func() error { return env.manager.Resume(ctx, testThread, nil) }},
		{name: "Stop", fn: func() error { return env.manager.Stop(ctx, testThread) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !model.IsIllegalState(err) {
				t.Errorf("err = %v, want IllegalStateError", err)
			}
			if got := env.manager.State(testThread); got != model.DownloadStateFullyDownloaded {
				t.Errorf("State() = %s, want fully_downloaded", got)
			}
		})
	}

	if env.manager.OnNewPosts(testThread, makePosts(101)) {
		t.Error("完了後の投稿が受け付けられた")
	}
	if err := env.manager.MarkFullyDownloaded(ctx, testThread); err != nil {
		t.Errorf("完了済みの MarkFullyDownloaded() はエラーにならないべき: %v", err)
	}

	if err := env.manager.Delete(ctx, testThread); err != nil {
		t.Fatalf("Delete() がエラーを返した: %v", err)
	}
	if got := env.manager.State(testThread); got != model.DownloadStateNotDownloading {
		t.Errorf("削除後 State() = %s, want not_downloading", got)
	}
	if _, ok := env.saved.rows[testThread]; ok {
		t.Error("保存状態レコードが残っている")
	}
}

func TestManager_ToggleSave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state, err := env.manager.ToggleSave(ctx, testThread, "", nil)
	if err != nil || state != model.DownloadStateInProgress {
		t.Fatalf("ToggleSave() = %s, %v, want download_in_progress", state, err)
	}
	state, err = env.manager.ToggleSave(ctx, testThread, "", nil)
	if err != nil || state != model.DownloadStateStopped {
		t.Fatalf("ToggleSave() = %s, %v, want stopped", state, err)
	}
	state, err = env.manager.ToggleSave(ctx, testThread, "", nil)
	if err != nil || state != model.DownloadStateInProgress {
		t.Fatalf("ToggleSave() = %s, %v, want download_in_progress", state, err)
	}
}

func TestManager_ToggleSave_ClearsOrphanDownloadFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := model.NewThreadDescriptor("4chan", "a", 300)
	watched, _ := env.store.Create(ctx, testThread, model.FlagWatchNewPosts|model.FlagDownloadNewPosts, "")
	if _, err := env.store.Create(ctx, other, model.FlagDownloadNewPosts, ""); err != nil {
		t.Fatalf("Create() がエラーを返した: %v", err)
	}

	state, err := env.manager.ToggleSave(ctx, testThread, "", nil)
	if err != nil || state != model.DownloadStateNotDownloading {
		t.Fatalf("ToggleSave() = %s, %v, want not_downloading", state, err)
	}
	got, ok := env.store.Get(watched.ID)
	if !ok || got.IsDownloading() || !got.IsWatching() {
		t.Errorf("フラグ解除後のブックマーク = %+v", got)
	}

	if _, err := env.manager.ToggleSave(ctx, other, "", nil); err != nil {
		t.Fatalf("ToggleSave() がエラーを返した: %v", err)
	}
	if _, ok := env.store.GetByThread(other); ok {
		t.Error("フラグが空になったブックマークが残っている")
	}
	if env.manager.Record(other) != nil {
		t.Error("フラグの解除で保存状態が作られた")
	}
}

func TestManager_Load(t *testing.T) {
	env := newTestEnv(t)
	env.saved.rows[testThread] = model.SavedThread{Thread: testThread, IsStopped: true}

	if err := env.manager.Load(context.Background()); err != nil {
		t.Fatalf("Load() がエラーを返した: %v", err)
	}
	if got := env.manager.State(testThread); got != model.DownloadStateStopped {
		t.Errorf("State() = %s, want stopped", got)
	}
}

func TestManager_Close_DrainsQueue(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	store := bookmark.NewStore(&mockBookmarkRepo{rows: map[string]*model.Bookmark{}}, metrics.Nop{}, logger)
	saved := &mockSavedThreadRepo{rows: map[model.ThreadDescriptor]model.SavedThread{}}
	posts := &mockSavedPostRepo{posts: map[model.ThreadDescriptor][]model.Post{}}
	m := NewManager(store, saved, posts, metrics.Nop{}, logger)

	// ワーカー起動前に積んだジョブも停止時に書き出される
	if err := m.Save(context.Background(), testThread, "", makePosts(1, 2)); err != nil {
		t.Fatalf("Save() がエラーを返した: %v", err)
	}
	m.Start(context.Background())
	m.Close()
	m.Close()

	got, _ := posts.ListPosts(context.Background(), testThread)
	if len(got) != 2 {
		t.Errorf("保存済み投稿数 = %d, want 2", len(got))
	}
}
