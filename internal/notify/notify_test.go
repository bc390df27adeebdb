package notify

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/chanwatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestWebhook(url string, buf *bytes.Buffer) *WebhookNotifier {
	w := NewWebhookNotifier(url, http.DefaultClient, newTestLogger(buf))
	w.delay = time.Millisecond
	return w
}

func TestNewNotification(t *testing.T) {
	b := &model.Bookmark{ID: "bm-1", Thread: model.NewThreadDescriptor("4chan", "g", 100), Title: "スレ"}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := NewNotification(b, model.PollResult{NewCount: 5, QuotingPosts: []int64{103}}, now)

	if n.BookmarkID != "bm-1" || n.Thread != "4chan/g/100" || n.NewCount != 5 || n.Title != "スレ" {
		t.Errorf("NewNotification() = %+v", n)
	}
	if len(n.QuotingPosts) != 1 || n.QuotingPosts[0] != 103 {
		t.Errorf("QuotingPosts = %v, want [103]", n.QuotingPosts)
	}
	if !n.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, now)
	}
}

func TestLogNotifier_Notify_WritesLog(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(newTestLogger(&buf))

	err := n.Notify(context.Background(), Notification{BookmarkID: "bm-1", Thread: "4chan/g/1", QuotingPosts: []int64{3}})
	if err != nil {
		t.Fatalf("Notify() がエラーを返した: %v", err)
	}
	if !strings.Contains(buf.String(), `"bookmark_id":"bm-1"`) {
		t.Errorf("ログにbookmark_idが含まれていない: %s", buf.String())
	}
	if err := n.Cancel(context.Background(), "bm-1"); err != nil {
		t.Errorf("Cancel() がエラーを返した: %v", err)
	}
}

func TestWebhookNotifier_Notify_PostsJSON(t *testing.T) {
	var got webhookEvent
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("ボディのデコードに失敗: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var buf bytes.Buffer
	n := newTestWebhook(server.URL, &buf)

	err := n.Notify(context.Background(), Notification{BookmarkID: "bm-1", NewCount: 2, QuotingPosts: []int64{7}})
	if err != nil {
		t.Fatalf("Notify() がエラーを返した: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got.Type != "notify" || got.Notification == nil || got.Notification.NewCount != 2 {
		t.Errorf("送信内容 = %+v", got)
	}
}

func TestWebhookNotifier_Cancel_PostsCancelEvent(t *testing.T) {
	var got webhookEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer server.Close()

	var buf bytes.Buffer
	if err := newTestWebhook(server.URL, &buf).Cancel(context.Background(), "bm-9"); err != nil {
		t.Fatalf("Cancel() がエラーを返した: %v", err)
	}
	if got.Type != "cancel" || got.BookmarkID != "bm-9" || got.Notification != nil {
		t.Errorf("送信内容 = %+v", got)
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	if err := newTestWebhook(server.URL, &buf).Notify(context.Background(), Notification{BookmarkID: "bm-1"}); err != nil {
		t.Fatalf("Notify() がエラーを返した: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト回数 = %d, want 2", calls.Load())
	}
}

func TestWebhookNotifier_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	var buf bytes.Buffer
	err := newTestWebhook(server.URL, &buf).Notify(context.Background(), Notification{BookmarkID: "bm-1"})
	if err == nil {
		t.Fatal("4xxはエラーになるべき")
	}
	if calls.Load() != 1 {
		t.Errorf("リクエスト回数 = %d, want 1", calls.Load())
	}
	if !strings.Contains(buf.String(), "Webhook通知に失敗しました") {
		t.Errorf("失敗ログが出力されていない: %s", buf.String())
	}
}
