// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 上流呼び出しの結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェアやリレーサービスから利用する。
type MetricsCollector interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordUpstream(provider, operation, outcome string, duration time.Duration)
	RecordInsightsSkipped()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	upstreamCalls   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	insightsSkipped prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doctorplus_http_requests_total",
			Help: "HTTPリクエストの合計数",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doctorplus_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doctorplus_upstream_requests_total",
			Help: "上流サービス呼び出しの合計数",
		}, []string{"provider", "operation", "outcome"}),
		// 生成AIの応答は数十秒かかることがあるため、デフォルトより長いバケットを使う
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doctorplus_upstream_latency_seconds",
			Help:    "上流サービス呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
		insightsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doctorplus_insights_skipped_total",
			Help: "ログが無いためモデル呼び出しを省略したインサイト要求の数",
		}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.upstreamCalls,
		c.upstreamLatency,
		c.insightsSkipped,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエスト1件の結果を記録する。
// routeにはchiのルートパターンを渡し、パスパラメータでラベルが増えないようにする。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstream は上流サービス呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordUpstream(provider, operation, outcome string, duration time.Duration) {
	c.upstreamCalls.WithLabelValues(provider, operation, outcome).Inc()
	c.upstreamLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordInsightsSkipped はモデル呼び出しを省略したインサイト要求を記録する。
func (c *Collector) RecordInsightsSkipped() {
	c.insightsSkipped.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスを無効化した構成やテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordHTTPRequest(string, string, int, time.Duration) {}
func (NopCollector) RecordUpstream(string, string, string, time.Duration) {}
func (NopCollector) RecordInsightsSkipped()                               {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
