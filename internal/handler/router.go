package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/middleware"
	"github.com/hitoshi/chanwatch/internal/notify"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HealthChecker     HealthChecker

	// ドメイン
	Store    BookmarkStore
	Sites    SiteChecker
	Saver    ThreadSaver
	Fetcher  ThreadFetcher
	Replies  ReplyAdder
	Notifier notify.Notifier
	Watcher  WatcherController
	Errors   ErrorReporter
	Loader   ContentLoader
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	bookmarkHandler := NewBookmarkHandler(deps.Store, deps.Sites, deps.Saver, deps.Notifier, deps.Watcher, deps.Logger)
	threadHandler := NewThreadHandler(deps.Saver, deps.Fetcher, deps.Sites, deps.Replies, deps.Logger)
	watcherHandler := NewWatcherHandler(deps.Watcher, deps.Errors, deps.Logger)
	eventsHandler := NewEventsHandler(deps.Store, deps.Saver, deps.Logger)
	postHandler := NewPostHandler(deps.Loader, deps.Sites, deps.Logger)

	// --- 運用系のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())
		fetchLimit := deps.RateLimiter.FetchMiddleware()

		// ブックマーク
		r.Route("/api/bookmarks", func(r chi.Router) {
			r.Get("/", bookmarkHandler.ListBookmarks)
			r.Post("/", bookmarkHandler.CreateBookmark)
			r.Post("/{site}/{board}/{thread}/watch", bookmarkHandler.ToggleWatch)
			r.Delete("/{id}", bookmarkHandler.DeleteBookmark)
			r.Post("/{id}/viewed", bookmarkHandler.MarkViewed)
		})
		r.Get("/api/export", bookmarkHandler.Export)
		r.Post("/api/import", bookmarkHandler.Import)

		// スレッド保存
		r.Route("/api/threads/{site}/{board}/{thread}", func(r chi.Router) {
			r.With(fetchLimit).Post("/save", threadHandler.ToggleSave)
			r.With(fetchLimit).Post("/resume", threadHandler.Resume)
			r.Delete("/save", threadHandler.DeleteSaved)
			r.Post("/stop", threadHandler.Stop)
			r.Get("/download-state", threadHandler.DownloadState)
			r.Get("/posts", threadHandler.SavedPosts)
		})
		r.Post("/api/replies", threadHandler.AddReply)

		// 監視
		r.Post("/api/visibility", watcherHandler.SetVisibility)
		r.Get("/api/watcher", watcherHandler.GetWatcher)
		r.Get("/api/events", eventsHandler.Stream)

		// 投稿コンテンツの読み込み
		r.Route("/api/posts/{site}/{board}/{thread}/{post}", func(r chi.Router) {
			r.With(fetchLimit).Post("/load", postHandler.Load)
			r.Delete("/load", postHandler.CancelLoad)
			r.Get("/content", postHandler.Content)
		})
	})

	return r
}
