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
// ディスパッチャーやスケジューラから利用する。
type MetricsCollector interface {
	RecordSyncSuccess()
	RecordSyncFailure(reason string)
	RecordSyncLatency(duration time.Duration)
	RecordEmailSent()
	RecordSchedulerTick()
	SetSubscribedUsers(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess     prometheus.Counter
	syncFail        *prometheus.CounterVec
	syncLatency     prometheus.Histogram
	emailsSent      prometheus.Counter
	schedulerTicks  prometheus.Counter
	subscribedUsers prometheus.Gauge
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytletter_sync_success_total",
			Help: "プレイリスト同期成功の合計数",
		}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytletter_sync_fail_total",
			Help: "プレイリスト同期失敗の合計数（原因別）",
		}, []string{"reason"}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ytletter_sync_latency_seconds",
			Help:    "1ユーザー分の同期処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytletter_emails_sent_total",
			Help: "送信した通知メールの合計数",
		}),
		schedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytletter_scheduler_ticks_total",
			Help: "スケジューラのティック実行の合計数",
		}),
		subscribedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ytletter_subscribed_users",
			Help: "通知設定を持つユーザー数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytletter_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.syncLatency,
		c.emailsSent,
		c.schedulerTicks,
		c.subscribedUsers,
		c.httpStatus,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess() {
	c.syncSuccess.Inc()
}

// RecordSyncFailure は同期失敗を原因別に記録する。
func (c *Collector) RecordSyncFailure(reason string) {
	c.syncFail.WithLabelValues(reason).Inc()
}

// RecordSyncLatency は同期処理のレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordEmailSent はメール送信を記録する。
func (c *Collector) RecordEmailSent() {
	c.emailsSent.Inc()
}

// RecordSchedulerTick はスケジューラのティック実行を記録する。
func (c *Collector) RecordSchedulerTick() {
	c.schedulerTicks.Inc()
}

// SetSubscribedUsers は通知設定を持つユーザー数を記録する。
func (c *Collector) SetSubscribedUsers(count int) {
	c.subscribedUsers.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

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
