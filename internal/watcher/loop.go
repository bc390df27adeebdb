package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chanwatch/internal/config"
	"github.com/hitoshi/chanwatch/internal/metrics"
)

// 監視モード
const (
	modeForeground = "foreground"
	modeBackground = "background"
)

// ForegroundWatcher はクライアント表示中の監視ループ。
// サイクル完了から max(interval, quietPeriod) 待って次のサイクルを実行する。
// Restart で待機を打ち切れるが、前回の完了から quietPeriod は空ける。
type ForegroundWatcher struct {
	worker      Worker
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	interval    time.Duration
	quietPeriod time.Duration

	restart chan struct{}
	schedule
}

// NewForegroundWatcher はForegroundWatcherを生成する。
func NewForegroundWatcher(worker Worker, collector metrics.MetricsCollector, logger *slog.Logger, interval, quietPeriod time.Duration) *ForegroundWatcher {
	return &ForegroundWatcher{
		worker:      worker,
		metrics:     collector,
		logger:      logger,
		interval:    interval,
		quietPeriod: quietPeriod,
		restart:     make(chan struct{}, 1),
	}
}

// Restart は次のサイクルを前倒しする。連続した呼び出しは1回にまとめられる。
func (w *ForegroundWatcher) Restart() {
	select {
	case w.restart <- struct{}{}:
	default:
	}
}

// Run は ctx がキャンセルされるまで監視ループを実行する。
// 最初のサイクルはすぐに実行する。
func (w *ForegroundWatcher) Run(ctx context.Context) {
	w.logger.Info("フォアグラウンド監視を開始しました",
		slog.Duration("interval", w.interval),
		slog.Duration("quiet_period", w.quietPeriod),
	)
	defer w.schedule.clear()

	for {
		runCycle(ctx, w.worker, w.metrics, w.logger, modeForeground)
		completed := time.Now()

		wait := max(w.interval, w.quietPeriod)
		timer := time.NewTimer(wait)
		w.schedule.set(completed.Add(wait))

		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("フォアグラウンド監視を停止しました")
			return
		case <-timer.C:
		case <-w.restart:
			timer.Stop()
			// 前回の完了から静止期間を空ける
			if rest := w.quietPeriod - time.Since(completed); rest > 0 {
				w.schedule.set(time.Now().Add(rest))
				if !sleepCtx(ctx, rest) {
					w.logger.Info("フォアグラウンド監視を停止しました")
					return
				}
			}
			// 静止期間中の Restart はこのサイクルにまとめる
			select {
			case <-w.restart:
			default:
			}
		}
	}
}

// BackgroundWatcher はクライアント非表示中の定期監視ジョブ。
// 間隔は config.MinBackgroundInterval 未満にならない。
type BackgroundWatcher struct {
	worker   Worker
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	interval time.Duration

	schedule
}

// NewBackgroundWatcher はBackgroundWatcherを生成する。
func NewBackgroundWatcher(worker Worker, collector metrics.MetricsCollector, logger *slog.Logger, interval time.Duration) *BackgroundWatcher {
	return &BackgroundWatcher{
		worker:   worker,
		metrics:  collector,
		logger:   logger,
		interval: max(interval, config.MinBackgroundInterval),
	}
}

// Interval は実際に使用される実行間隔を返す。
func (w *BackgroundWatcher) Interval() time.Duration {
	return w.interval
}

// Run は ctx がキャンセルされるまで定期ジョブを実行する。
// 最初のサイクルは1間隔後に実行する。
func (w *BackgroundWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer w.schedule.clear()

	w.logger.Info("バックグラウンド監視を開始しました", slog.Duration("interval", w.interval))
	w.schedule.set(time.Now().Add(w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("バックグラウンド監視を停止しました")
			return
		case <-ticker.C:
			runCycle(ctx, w.worker, w.metrics, w.logger, modeBackground)
			w.schedule.set(time.Now().Add(w.interval))
		}
	}
}

// runCycle は1回の監視サイクルを実行する。
// 失敗はログに記録するだけで、次のサイクルの実行を妨げない。
func runCycle(ctx context.Context, worker Worker, collector metrics.MetricsCollector, logger *slog.Logger, mode string) {
	start := time.Now()
	results, err := worker.DoWork(ctx)
	duration := time.Since(start)
	collector.RecordWatchCycle(mode, duration)

	if err != nil {
		if ctx.Err() == nil {
			logger.Error("監視サイクルの実行に失敗しました",
				slog.String("mode", mode),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	logger.Info("監視サイクルが完了しました",
		slog.String("mode", mode),
		slog.Int("bookmark_count", len(results)),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// sleepCtx は d だけ待つ。ctx がキャンセルされた場合は false を返す。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// schedule は次回実行予定時刻を保持する。
type schedule struct {
	mu   sync.Mutex
	next time.Time
}

func (s *schedule) set(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *schedule) clear() {
	s.set(time.Time{})
}

// NextRun は次回の実行予定時刻を返す。実行中でない場合はゼロ値を返す。
func (s *schedule) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
