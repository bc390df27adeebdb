package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chanwatch/internal/bookmark"
	"github.com/hitoshi/chanwatch/internal/cache"
	"github.com/hitoshi/chanwatch/internal/config"
	"github.com/hitoshi/chanwatch/internal/loader"
	"github.com/hitoshi/chanwatch/internal/metrics"
	"github.com/hitoshi/chanwatch/internal/notify"
	"github.com/hitoshi/chanwatch/internal/pages"
	"github.com/hitoshi/chanwatch/internal/repository"
	"github.com/hitoshi/chanwatch/internal/security"
	"github.com/hitoshi/chanwatch/internal/site"
	"github.com/hitoshi/chanwatch/internal/threadsave"
	"github.com/hitoshi/chanwatch/internal/watcher"
	"github.com/hitoshi/chanwatch/internal/worker/cleanup"
)

// cleanupInterval はクリーンアップジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// services はserve/workerの両モードで共有するドメインサービス一式。
type services struct {
	registry  *prometheus.Registry
	collector *metrics.Collector

	sites       *site.Registry
	replies     repository.SavedReplyRepository
	notifier    notify.Notifier
	store       *bookmark.Store
	saver       *threadsave.Manager
	delegate    *watcher.Delegate
	coordinator *watcher.Coordinator
	loader      *loader.Manager
	tracker     *pages.Tracker
	cleanup     *cleanup.CleanupJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// buildServices は設定とDB接続から全サービスを構築する。
// 永続化された状態（ブックマーク・保存状態）はここで読み込む。
func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*services, error) {
	s := &services{registry: prometheus.NewRegistry()}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector(s.registry)

	// 1. リポジトリ
	bookmarkRepo := repository.NewPostgresBookmarkRepo(db)
	savedThreadRepo := repository.NewPostgresSavedThreadRepo(db)
	savedPostRepo := repository.NewPostgresSavedPostRepo(db)
	s.replies = repository.NewPostgresSavedReplyRepo(db)

	// 2. セキュリティとサイト
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	clientOpts := site.DefaultClientOptions()
	clientOpts.RequestsPerSec = cfg.SiteRequestsPerSec
	clientOpts.Attempts = uint(max(cfg.FetchRetries, 1))
	sites, err := site.NewRegistry(cfg.Sites, ssrfGuard, sanitizer, site.Options{
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		Client:      clientOpts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build site registry: %w", err)
	}
	s.sites = sites

	// 3. 通知
	if cfg.NotifyWebhookURL != "" {
		// 通知先は運用者が設定するローカルのエンドポイントを想定するため、SSRFガードは通さない
		s.notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, &http.Client{Timeout: cfg.FetchTimeout}, logger)
	} else {
		s.notifier = notify.NewLogNotifier(logger)
	}

	// 4. ブックマークとスレッド保存
	s.store = bookmark.NewStore(bookmarkRepo, s.collector, logger)
	if err := s.store.Load(ctx); err != nil {
		return nil, err
	}
	s.saver = threadsave.NewManager(s.store, savedThreadRepo, savedPostRepo, s.collector, logger)
	if err := s.saver.Load(ctx); err != nil {
		return nil, err
	}

	// 5. 監視
	s.delegate = watcher.NewDelegate(s.store, sites, s.replies, s.saver, s.notifier, s.collector, logger, cfg.WatchMaxConcurrent)
	fg := watcher.NewForegroundWatcher(s.delegate, s.collector, logger, cfg.ForegroundInterval, cfg.ForegroundQuietPeriod)
	bg := watcher.NewBackgroundWatcher(s.delegate, s.collector, logger, cfg.BackgroundInterval)
	s.coordinator = watcher.NewCoordinator(fg, bg, watcher.CoordinatorOptions{
		Enabled:    cfg.WatchEnabled,
		Background: cfg.WatchBackground,
	}, logger)

	// 6. オンデマンドローダー
	fileCache, err := cache.New(cfg.CacheDir, cfg.CacheMaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open file cache: %w", err)
	}
	pageClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	fileClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.CacheMaxFileSize)
	s.loader = loader.NewManager(
		loader.NewFetcherResolver(sites),
		[]loader.Loader{
			loader.NewPrefetchLoader(fileClient, fileCache, logger),
			loader.NewExtraContentLoader(pageClient),
			loader.NewInlineFileInfoLoader(pageClient),
		},
		s.collector, logger, cfg.LoaderMaxConcurrent,
	)

	// 7. バッチジョブ
	pagesCfg := pages.DefaultConfig()
	pagesCfg.Interval = cfg.PagesInterval
	s.tracker = pages.NewTracker(s.store, sites, logger, pagesCfg)
	s.cleanup = cleanup.NewCleanupJob(db, fileCache, logger)
	s.cleanup.RetentionDays = cfg.RetentionDays

	return s, nil
}

// start はバックグラウンドの処理を起動する。
// foreground が true の場合はフォアグラウンド監視から始める。
func (s *services) start(ctx context.Context, foreground bool) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.saver.Start(ctx)
	s.coordinator.Start(ctx)
	s.coordinator.OnVisibilityChanged(foreground)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.tracker.Start(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runCleanup(ctx)
	}()
}

// runCleanup はクリーンアップジョブを日次で実行する。
func (s *services) runCleanup(ctx context.Context) {
	// 起動直後に1回実行
	if err := s.cleanup.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanup.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// stop は監視とジョブを停止し、保存キューを書き出してから戻る。
func (s *services) stop() {
	s.coordinator.Stop()
	s.loader.Shutdown()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.saver.Close()
}
