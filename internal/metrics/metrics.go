// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 監視・ローダー・保存・ストアの各コンポーネントから利用する。
type MetricsCollector interface {
	RecordPollSuccess(site string)
	RecordPollFailure(site string, reason string)
	RecordPollLatency(duration time.Duration)
	RecordWatchCycle(mode string, duration time.Duration)
	RecordNotification()
	RecordEventDropped(eventType string)
	RecordLoaderResult(kind string, outcome string)
	RecordPostsSaved(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pollSuccess   *prometheus.CounterVec
	pollFail      *prometheus.CounterVec
	pollLatency   prometheus.Histogram
	watchCycles   *prometheus.HistogramVec
	notifications prometheus.Counter
	eventsDropped *prometheus.CounterVec
	loaderResults *prometheus.CounterVec
	postsSaved    prometheus.Counter
	httpStatus    *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pollSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_poll_success_total",
			Help: "スレッドポーリング成功の合計数",
		}, []string{"site"}),
		pollFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_poll_fail_total",
			Help: "スレッドポーリング失敗の合計数",
		}, []string{"site", "reason"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chanwatch_poll_latency_seconds",
			Help:    "1スレッドのポーリングのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		watchCycles: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanwatch_watch_cycle_seconds",
			Help:    "監視サイクル全体の所要時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_notifications_total",
			Help: "自分宛て返信の通知数",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_events_dropped_total",
			Help: "購読者の受信が追いつかず破棄されたイベント数",
		}, []string{"type"}),
		loaderResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_loader_results_total",
			Help: "オンデマンドローダーの結果別実行数",
		}, []string{"kind", "outcome"}),
		postsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanwatch_posts_saved_total",
			Help: "ローカル保存された投稿の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanwatch_http_status_total",
			Help: "APIレスポンスのHTTPステータスコード別件数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.pollSuccess,
		c.pollFail,
		c.pollLatency,
		c.watchCycles,
		c.notifications,
		c.eventsDropped,
		c.loaderResults,
		c.postsSaved,
		c.httpStatus,
	)

	return c
}

// RecordPollSuccess はポーリング成功を記録する。
func (c *Collector) RecordPollSuccess(site string) {
	c.pollSuccess.WithLabelValues(site).Inc()
}

// RecordPollFailure はポーリング失敗を記録する。
// reason は network / parse / not_found のいずれか。
func (c *Collector) RecordPollFailure(site string, reason string) {
	c.pollFail.WithLabelValues(site, reason).Inc()
}

// RecordPollLatency はポーリングのレイテンシを記録する。
func (c *Collector) RecordPollLatency(duration time.Duration) {
	c.pollLatency.Observe(duration.Seconds())
}

// RecordWatchCycle は監視サイクルの所要時間を記録する。
func (c *Collector) RecordWatchCycle(mode string, duration time.Duration) {
	c.watchCycles.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordNotification は通知の発行を記録する。
func (c *Collector) RecordNotification() {
	c.notifications.Inc()
}

// RecordEventDropped は破棄されたイベントを記録する。
func (c *Collector) RecordEventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// RecordLoaderResult はローダーの結果を記録する。
// outcome は success / failure / canceled のいずれか。
func (c *Collector) RecordLoaderResult(kind string, outcome string) {
	c.loaderResults.WithLabelValues(kind, outcome).Inc()
}

// RecordPostsSaved は保存された投稿数を記録する。
func (c *Collector) RecordPostsSaved(count int) {
	c.postsSaved.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
// メトリクスを使わない構成とテストで使用する。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordPollSuccess(string)               {}
func (Nop) RecordPollFailure(string, string)       {}
func (Nop) RecordPollLatency(time.Duration)        {}
func (Nop) RecordWatchCycle(string, time.Duration) {}
func (Nop) RecordNotification()                    {}
func (Nop) RecordEventDropped(string)              {}
func (Nop) RecordLoaderResult(string, string)      {}
func (Nop) RecordPostsSaved(int)                   {}
func (Nop) RecordHTTPStatus(int)                   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
