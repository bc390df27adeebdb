package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/chanwatch/internal/model"
)

func TestCreateBookmark_Success(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/bookmarks", `{"site":"4chan","board":"g","thread_no":100,"title":"テスト"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201\nbody: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[bookmarkResponse](t, w)
	if resp.Thread != testThread.String() || !resp.Watch || resp.Title != "テスト" {
		t.Errorf("response = %+v", resp)
	}
	if resp.DownloadState != model.DownloadStateNotDownloading {
		t.Errorf("download_state = %q, want not_downloading", resp.DownloadState)
	}
	if env.watcher.restartCount() != 1 {
		t.Errorf("Restart() の呼び出し回数 = %d, want 1", env.watcher.restartCount())
	}
	if _, ok := env.store.GetByThread(testThread); !ok {
		t.Error("ストアにブックマークが登録されていない")
	}
}

func TestCreateBookmark_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	body := `{"site":"4chan","board":"g","thread_no":100}`
	env.do(http.MethodPost, "/api/bookmarks", body)

	w := env.do(http.MethodPost, "/api/bookmarks", body)
	assertAPIError(t, w, http.StatusConflict, model.ErrCodeBookmarkExists)
}

func TestCreateBookmark_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"未登録サイト", `{"site":"8kun","board":"g","thread_no":1}`, http.StatusBadRequest, model.ErrCodeUnknownSite},
		{"スレッド番号0", `{"site":"4chan","board":"g","thread_no":0}`, http.StatusBadRequest, model.ErrCodeInvalidThread},
		{"板なし", `{"site":"4chan","board":"","thread_no":1}`, http.StatusBadRequest, model.ErrCodeInvalidThread},
		{"不正なJSON", `{"site":`, http.StatusBadRequest, model.ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, "/api/bookmarks", tt.body)
			assertAPIError(t, w, tt.status, tt.code)
			if len(env.store.List()) != 0 {
				t.Error("検証エラーでブックマークが作成された")
			}
		})
	}
}

func TestListBookmarks(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/bookmarks", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("空の一覧: status=%d body=%s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	_, _ = env.store.Create(ctx, testThread, model.FlagWatchNewPosts, "a")
	_, _ = env.store.Create(ctx, model.NewThreadDescriptor("4chan", "a", 5), model.FlagWatchNewPosts, "b")
	env.saver.setState(testThread, model.DownloadStateStopped)

	w = env.do(http.MethodGet, "/api/bookmarks", "")
	list := decodeBody[[]bookmarkResponse](t, w)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	for _, b := range list {
		if b.Thread == testThread.String() && b.DownloadState != model.DownloadStateStopped {
			t.Errorf("download_state = %q, want stopped", b.DownloadState)
		}
	}
}

func TestToggleWatch_CreatesAndRemoves(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/bookmarks/4chan/g/100/watch"

	w := env.do(http.MethodPost, path, `{"title":"新規"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[toggleWatchResponse](t, w)
	if !resp.Watching || resp.Bookmark == nil || resp.Bookmark.Title != "新規" {
		t.Errorf("1回目 = %+v", resp)
	}
	if env.watcher.restartCount() != 1 {
		t.Errorf("監視開始で Restart() が呼ばれていない")
	}

	// 本文なしでも切り替えられる
	w = env.do(http.MethodPost, path, "")
	resp = decodeBody[toggleWatchResponse](t, w)
	if resp.Watching || resp.Bookmark != nil {
		t.Errorf("2回目 = %+v, want 削除されて bookmark=null", resp)
	}
	if _, ok := env.store.GetByThread(testThread); ok {
		t.Error("フラグが空のブックマークが残っている")
	}
}

func TestToggleWatch_InvalidPath(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/bookmarks/4chan/g/abc/watch", "")
	assertAPIError(t, w, http.StatusBadRequest, model.ErrCodeInvalidThread)

	w = env.do(http.MethodPost, "/api/bookmarks/8kun/g/1/watch", "")
	assertAPIError(t, w, http.StatusBadRequest, model.ErrCodeUnknownSite)
}

func TestDeleteBookmark_StopsSaveAndCancelsNotification(t *testing.T) {
	env := newTestEnv(t)
	b, _ := env.store.Create(context.Background(), testThread, model.FlagWatchNewPosts|model.FlagDownloadNewPosts, "")
	env.saver.setState(testThread, model.DownloadStateInProgress)

	w := env.do(http.MethodDelete, "/api/bookmarks/"+b.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204\nbody: %s", w.Code, w.Body.String())
	}
	if len(env.saver.stopped) != 1 {
		t.Error("保存中のスレッドが停止されていない")
	}
	if _, ok := env.store.Get(b.ID); ok {
		t.Error("ブックマークが削除されていない")
	}
	if len(env.notifier.canceled) != 1 || env.notifier.canceled[0] != b.ID {
		t.Errorf("canceled = %v, want [%s]", env.notifier.canceled, b.ID)
	}
}

func TestDeleteBookmark_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodDelete, "/api/bookmarks/missing", "")
	assertAPIError(t, w, http.StatusNotFound, model.ErrCodeBookmarkNotFound)
}

func TestMarkViewed_ResetsCountsAndCancelsNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, _ := env.store.Create(ctx, testThread, model.FlagWatchNewPosts, "")
	_, _ = env.store.Update(ctx, b.ID, func(nb *model.Bookmark) error {
		nb.LastSeenPostNo = 150
		nb.UnseenCount = 5
		nb.QuotesToMeCount = 2
		return nil
	})

	w := env.do(http.MethodPost, "/api/bookmarks/"+b.ID+"/viewed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[bookmarkResponse](t, w)
	if resp.UnseenCount != 0 || resp.QuotesToMeCount != 0 || resp.LastViewedPostNo != 150 {
		t.Errorf("response = %+v", resp)
	}
	if len(env.notifier.canceled) != 1 {
		t.Errorf("通知が取り消されていない: %v", env.notifier.canceled)
	}
}

func TestMarkViewed_PartialKeepsNotification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, _ := env.store.Create(ctx, testThread, model.FlagWatchNewPosts, "")
	_, _ = env.store.Update(ctx, b.ID, func(nb *model.Bookmark) error {
		nb.LastSeenPostNo = 150
		nb.QuotesToMeCount = 1
		return nil
	})

	w := env.do(http.MethodPost, "/api/bookmarks/"+b.ID+"/viewed", `{"last_viewed_post_no":120}`)
	resp := decodeBody[bookmarkResponse](t, w)
	if resp.LastViewedPostNo != 120 || resp.QuotesToMeCount != 1 {
		t.Errorf("response = %+v", resp)
	}
	if len(env.notifier.canceled) != 0 {
		t.Error("未読の引用が残っているのに通知が取り消された")
	}
}

func TestMarkViewed_Errors(t *testing.T) {
	env := newTestEnv(t)
	b, _ := env.store.Create(context.Background(), testThread, model.FlagWatchNewPosts, "")

	w := env.do(http.MethodPost, "/api/bookmarks/missing/viewed", "")
	assertAPIError(t, w, http.StatusNotFound, model.ErrCodeBookmarkNotFound)

	w = env.do(http.MethodPost, "/api/bookmarks/"+b.ID+"/viewed", `{"last_viewed_post_no":-1}`)
	assertAPIError(t, w, http.StatusBadRequest, model.ErrCodeInvalidRequest)
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestEnv(t)
	ctx := context.Background()
	_, _ = src.store.Create(ctx, testThread, model.FlagWatchNewPosts, "a")
	_, _ = src.store.Create(ctx, model.NewThreadDescriptor("4chan", "a", 5), model.FlagWatchNewPosts, "b")

	w := src.do(http.MethodGet, "/api/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	exported := w.Body.Bytes()

	dst := newTestEnv(t)
	_, _ = dst.store.Create(ctx, testThread, model.FlagWatchNewPosts, "既存")

	req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewReader(exported))
	rec := httptest.NewRecorder()
	dst.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d\nbody: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}](t, rec)
	if result.Imported != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v, want imported=1 skipped=1", result)
	}
	if len(dst.store.List()) != 2 {
		t.Errorf("len = %d, want 2", len(dst.store.List()))
	}
	if dst.watcher.restartCount() != 1 {
		t.Error("インポート後に Restart() が呼ばれていない")
	}
}

func TestImport_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/api/import", `not json`)
	assertAPIError(t, w, http.StatusBadRequest, model.ErrCodeImportFailed)
	if env.watcher.restartCount() != 0 {
		t.Error("失敗したインポートで Restart() が呼ばれた")
	}
}
