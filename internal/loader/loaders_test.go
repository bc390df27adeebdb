package loader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/chanwatch/internal/cache"
	"github.com/hitoshi/chanwatch/internal/model"
)

func TestPrefetchLoader_Load(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("file:" + r.URL.Path))
	}))
	defer srv.Close()

	fc, err := cache.New(filepath.Join(t.TempDir(), "cache"), 1024)
	if err != nil {
		t.Fatalf("cache.New() がエラーを返した: %v", err)
	}
	var buf bytes.Buffer
	l := NewPrefetchLoader(srv.Client(), fc, newTestLogger(&buf))
	post := &model.Post{No: 101, Files: []model.PostFile{
		{URL: srv.URL + "/1.png", ThumbnailURL: srv.URL + "/1s.jpg"},
	}}

	data, err := l.Load(context.Background(), post)
	if err != nil {
		t.Fatalf("Load() がエラーを返した: %v", err)
	}
	if data[srv.URL+"/1.png"] != "11" || !fc.Contains(srv.URL+"/1s.jpg") {
		t.Errorf("Load() = %v", data)
	}

	// 2回目はキャッシュ済みのためダウンロードしない
	data, _ = l.Load(context.Background(), post)
	if data[srv.URL+"/1.png"] != "cached" || hits.Load() != 2 {
		t.Errorf("2回目: data=%v hits=%d", data, hits.Load())
	}

	// 一部の失敗はエラーになるが成功分は残る
	post.Files = append(post.Files, model.PostFile{URL: srv.URL + "/missing.png"})
	data, err = l.Load(context.Background(), post)
	if err == nil {
		t.Error("ダウンロード失敗時は Load() がエラーを返すべき")
	}
	if data[srv.URL+"/1.png"] != "cached" {
		t.Errorf("成功分の結果が失われた: %v", data)
	}
}

func TestExtraContentLoader_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><head><title>\n  記事の\tタイトル </title></head><body><title>no</title></body></html>"))
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewExtraContentLoader(srv.Client())
	post := &model.Post{Links: []string{srv.URL + "/article", srv.URL + "/json", srv.URL + "/image.png"}}

	data, err := l.Load(context.Background(), post)
	if err != nil {
		t.Fatalf("Load() がエラーを返した: %v", err)
	}
	if data[srv.URL+"/article"] != "記事の タイトル" {
		t.Errorf("タイトル = %q", data[srv.URL+"/article"])
	}
	if _, ok := data[srv.URL+"/json"]; ok {
		t.Error("HTMLでないページにタイトルが設定された")
	}
	if _, ok := data[srv.URL+"/image.png"]; ok {
		t.Error("ファイルリンクが処理された")
	}
}

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{name: "通常", html: "<title>Hello</title>", want: "Hello"},
		{name: "titleなし", html: "<html><head></head><body>x</body></html>", want: ""},
		{name: "実体参照", html: "<title>A &amp; B</title>", want: "A & B"},
		{name: "長すぎる", html: "<title>" + strings.Repeat("あ", 250) + "</title>", want: strings.Repeat("あ", maxTitleLength) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractTitle(strings.NewReader(tt.html))
			if err != nil {
				t.Fatalf("extractTitle() がエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("extractTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInlineFileInfoLoader_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "video/webm")
		w.Header().Set("Content-Length", "4096")
	}))
	defer srv.Close()

	l := NewInlineFileInfoLoader(srv.Client())
	post := &model.Post{Links: []string{srv.URL + "/page", srv.URL + "/clip.webm"}}

	data, err := l.Load(context.Background(), post)
	if err != nil {
		t.Fatalf("Load() がエラーを返した: %v", err)
	}
	if len(data) != 1 || data[srv.URL+"/clip.webm"] != "video/webm; 4096" {
		t.Errorf("Load() = %v", data)
	}
}

// --- FetcherResolver ---

type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) FetchThread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &model.ThreadPayload{Thread: thread, Posts: []model.Post{{No: 100}, {No: 101, Links: []string{"https://example.com"}}}}, nil
}

func (f *countingFetcher) FetchBoardPages(ctx context.Context, siteName, board string) ([]model.BoardPage, error) {
	return nil, nil
}

func TestFetcherResolver_ResolvePost(t *testing.T) {
	fetcher := &countingFetcher{}
	r := NewFetcherResolver(fetcher)
	ctx := context.Background()

	post, err := r.ResolvePost(ctx, testPost)
	if err != nil {
		t.Fatalf("ResolvePost() がエラーを返した: %v", err)
	}
	if post.No != 101 || len(post.Links) != 1 {
		t.Errorf("ResolvePost() = %+v", post)
	}

	if _, err := r.ResolvePost(ctx, model.NewPostDescriptor(testThread, 100)); err != nil {
		t.Fatalf("ResolvePost() がエラーを返した: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("取得回数 = %d, want 1 (スレッドを再利用すべき)", fetcher.calls)
	}

	if _, err := r.ResolvePost(ctx, model.NewPostDescriptor(testThread, 999)); err == nil {
		t.Error("存在しない投稿でエラーにならなかった")
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	ctxErr  error
}

func (f *blockingFetcher) FetchThread(ctx context.Context, thread model.ThreadDescriptor) (*model.ThreadPayload, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
	}
	<-f.release
	f.ctxErr = ctx.Err()
	return &model.ThreadPayload{Thread: thread, Posts: []model.Post{{No: 100}, {No: 101}}}, nil
}

func (f *blockingFetcher) FetchBoardPages(ctx context.Context, siteName, board string) ([]model.BoardPage, error) {
	return nil, nil
}

func TestFetcherResolver_CancelOnlyAffectsCaller(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	r := NewFetcherResolver(fetcher)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := r.ResolvePost(ctxA, model.NewPostDescriptor(testThread, 100))
		errA <- err
	}()
	<-fetcher.started

	type result struct {
		post *model.Post
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := r.ResolvePost(context.Background(), testPost)
		resB <- result{post: p, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("キャンセルした呼び出しのエラー = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("キャンセルした呼び出しが取得の完了を待ち続けている")
	}

	close(fetcher.release)
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("キャンセルしていない呼び出しが失敗した: %v", res.err)
		}
		if res.post.No != 101 {
			t.Errorf("ResolvePost() = %+v", res.post)
		}
	case <-time.After(time.Second):
		t.Fatal("ResolvePost() が完了しない")
	}
	if fetcher.ctxErr != nil {
		t.Errorf("共有の取得がキャンセルされた: %v", fetcher.ctxErr)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("取得回数 = %d, want 1", got)
	}
}
