// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/bizdesk/internal/model"
	"github.com/hitoshi/bizdesk/internal/session"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordOAuthCallback(outcome string)
	RecordGateDecision(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordSessionsPurged(count int64)
	RecordOwnershipMigrated(counts model.OwnershipCounts)
}

// Collector はPrometheusメトリクスを収集する実装。
// session.Hooksも実装し、セッションのライフサイクルイベントを数える。
type Collector struct {
	sessionEvents    *prometheus.CounterVec
	sessionsPurged   prometheus.Counter
	oauthCallbacks   *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	requestLatency   prometheus.Histogram
	ownershipChanged *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizdesk_session_events_total",
			Help: "セッションのライフサイクルイベント数",
		}, []string{"event"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bizdesk_sessions_purged_total",
			Help: "期限切れで削除したセッションの合計数",
		}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizdesk_oauth_callbacks_total",
			Help: "OAuthコールバックの結果別件数",
		}, []string{"outcome"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizdesk_auth_gate_decisions_total",
			Help: "Auth Gateの判定結果別件数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizdesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bizdesk_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		ownershipChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bizdesk_ownership_migrated_total",
			Help: "オーナー移行で所有者を割り当てたリソース数",
		}, []string{"resource_type"}),
	}

	reg.MustRegister(
		c.sessionEvents,
		c.sessionsPurged,
		c.oauthCallbacks,
		c.gateDecisions,
		c.httpStatus,
		c.requestLatency,
		c.ownershipChanged,
	)

	return c
}

// RecordOAuthCallback はOAuthコールバックの結果を記録する。
func (c *Collector) RecordOAuthCallback(outcome string) {
	c.oauthCallbacks.WithLabelValues(outcome).Inc()
}

// RecordGateDecision はAuth Gateの判定を記録する。
func (c *Collector) RecordGateDecision(outcome string) {
	c.gateDecisions.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordSessionsPurged は期限切れで削除したセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// RecordOwnershipMigrated はリソース種別ごとの移行件数を記録する。
func (c *Collector) RecordOwnershipMigrated(counts model.OwnershipCounts) {
	for rt, n := range counts {
		c.ownershipChanged.WithLabelValues(string(rt)).Add(float64(n))
	}
}

func (c *Collector) SessionCreated(_ context.Context, _ *model.Session) {
	c.sessionEvents.WithLabelValues("created").Inc()
}

func (c *Collector) SessionSaved(_ context.Context, _ *model.Session) {
	c.sessionEvents.WithLabelValues("saved").Inc()
}

func (c *Collector) SessionSaveFailed(_ context.Context, _ *model.Session, _ error) {
	c.sessionEvents.WithLabelValues("save_failed").Inc()
}

func (c *Collector) SessionDestroyed(_ context.Context, _ string) {
	c.sessionEvents.WithLabelValues("destroyed").Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ session.Hooks    = (*Collector)(nil)
)
