// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 同期結果のラベル値
const (
	SyncResultSuccess = "success"
	SyncResultFailure = "failure"
	SyncResultExpired = "expired"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ソース同期サービスやHTTP層から利用する。
type MetricsCollector interface {
	RecordAuth(sourceType, outcome string)
	RecordSync(sourceType, result string, duration time.Duration)
	RecordSyncConflict(sourceType string)
	RecordItemsFetched(sourceType string, count int)
	RecordArticlesCreated(sourceType string, count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	auth            *prometheus.CounterVec
	sync            *prometheus.CounterVec
	syncConflicts   *prometheus.CounterVec
	itemsFetched    *prometheus.CounterVec
	articlesCreated *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_auth_total",
			Help: "ソース種別・結果別のコネクタ認証数",
		}, []string{"type", "outcome"}),
		sync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_sync_total",
			Help: "ソース種別・結果別の同期数",
		}, []string{"type", "result"}),
		syncConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_sync_conflicts_total",
			Help: "同期中のため拒否された同期要求数",
		}, []string{"type"}),
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_items_fetched_total",
			Help: "コネクタが取得した記事候補の合計数",
		}, []string{"type"}),
		articlesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_articles_created_total",
			Help: "新規作成された記事の合計数",
		}, []string{"type"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "morningpaper_sync_duration_seconds",
			Help:    "同期1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morningpaper_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.auth,
		c.sync,
		c.syncConflicts,
		c.itemsFetched,
		c.articlesCreated,
		c.syncDuration,
		c.httpStatus,
	)

	return c
}

// RecordAuth は認証結果を記録する。outcome は success または失敗理由。
func (c *Collector) RecordAuth(sourceType, outcome string) {
	c.auth.WithLabelValues(sourceType, outcome).Inc()
}

// RecordSync は同期結果と所要時間を記録する。
func (c *Collector) RecordSync(sourceType, result string, duration time.Duration) {
	c.sync.WithLabelValues(sourceType, result).Inc()
	c.syncDuration.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// RecordSyncConflict は同期中による拒否を記録する。
func (c *Collector) RecordSyncConflict(sourceType string) {
	c.syncConflicts.WithLabelValues(sourceType).Inc()
}

// RecordItemsFetched は取得した記事候補数を記録する。
func (c *Collector) RecordItemsFetched(sourceType string, count int) {
	c.itemsFetched.WithLabelValues(sourceType).Add(float64(count))
}

// RecordArticlesCreated は新規作成された記事数を記録する。
func (c *Collector) RecordArticlesCreated(sourceType string, count int) {
	c.articlesCreated.WithLabelValues(sourceType).Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
