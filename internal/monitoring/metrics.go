package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tempmail/disposable/internal/domain"
)

// Metrics 监控指标
//
// 指标注册在独立的 Registry 上，同一进程可以创建多份（测试场景）。
// 所有方法对 nil 接收者安全，组件未配置监控时直接跳过。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	EntitiesCreated *prometheus.CounterVec
	EntitiesEvicted *prometheus.CounterVec
	EntitiesLive    prometheus.Gauge
	OwnersLive      prometheus.Gauge
	MessagesStored  prometheus.Counter

	// 配额指标
	QuotaRejections *prometheus.CounterVec
	PendingDeltas   prometheus.Gauge

	// 域名缓存指标
	DomainRefreshes *prometheus.CounterVec
	DomainFallbacks *prometheus.CounterVec

	// 同步指标
	FlushTotal    *prometheus.CounterVec
	FlushDuration prometheus.Histogram

	// 推送指标
	NotifyTotal   *prometheus.CounterVec
	Subscriptions prometheus.Gauge

	// 入站邮件指标
	InboundTotal *prometheus.CounterVec

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		EntitiesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_entities_created_total",
				Help: "Total number of disposable mailboxes created",
			},
			[]string{"tier", "strategy"},
		),
		EntitiesEvicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_entities_evicted_total",
				Help: "Total number of mailboxes removed from the store",
			},
			[]string{"reason"},
		),
		EntitiesLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_entities_live",
			Help: "Number of mailboxes currently held in memory",
		}),
		OwnersLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_owners_live",
			Help: "Number of owners currently holding mailboxes",
		}),
		MessagesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_stored_total",
			Help: "Total number of messages appended to mailboxes",
		}),

		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_quota_rejections_total",
				Help: "Total number of creations rejected by the daily quota",
			},
			[]string{"tier"},
		),
		PendingDeltas: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_usage_pending_deltas",
			Help: "Number of usage deltas waiting for the next flush",
		}),

		DomainRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_domain_refresh_total",
				Help: "Domain list refreshes from durable storage",
			},
			[]string{"scope", "result"},
		),
		DomainFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_domain_fallback_total",
				Help: "Domain lookups served from stale data or the default domain",
			},
			[]string{"kind"},
		),

		FlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_usage_flush_total",
				Help: "Usage delta flushes to durable storage",
			},
			[]string{"result"},
		),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_usage_flush_duration_seconds",
			Help:    "Duration of usage delta flushes",
			Buckets: prometheus.DefBuckets,
		}),

		NotifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_notify_total",
				Help: "Push notifications by delivery result",
			},
			[]string{"result"},
		),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_notify_subscriptions",
			Help: "Number of active push subscriptions",
		}),

		InboundTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_inbound_messages_total",
				Help: "Inbound messages by source and result",
			},
			[]string{"source", "result"},
		),

		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_panics_total",
			Help: "Total number of recovered panics",
		}),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordEntityCreated 记录邮箱创建
func (m *Metrics) RecordEntityCreated(tier domain.Tier, strategy domain.Strategy) {
	if m == nil {
		return
	}
	m.EntitiesCreated.WithLabelValues(string(tier), string(strategy)).Inc()
}

// RecordEntityEvicted 记录邮箱移除
func (m *Metrics) RecordEntityEvicted(reason string) {
	if m == nil {
		return
	}
	m.EntitiesEvicted.WithLabelValues(reason).Inc()
}

// RecordMessageStored 记录邮件入箱
func (m *Metrics) RecordMessageStored() {
	if m == nil {
		return
	}
	m.MessagesStored.Inc()
}

// RecordQuotaRejected 记录配额拒绝
func (m *Metrics) RecordQuotaRejected(tier domain.Tier) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(string(tier)).Inc()
}

// RecordDomainRefresh 记录域名列表刷新，scope 为 public 或 owner
func (m *Metrics) RecordDomainRefresh(scope string, err error) {
	if m == nil {
		return
	}
	m.DomainRefreshes.WithLabelValues(scope, resultLabel(err)).Inc()
}

// RecordDomainFallback 记录降级，kind 为 stale 或 default
func (m *Metrics) RecordDomainFallback(kind string) {
	if m == nil {
		return
	}
	m.DomainFallbacks.WithLabelValues(kind).Inc()
}

// RecordFlush 记录一次增量刷新
func (m *Metrics) RecordFlush(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.FlushTotal.WithLabelValues(resultLabel(err)).Inc()
	m.FlushDuration.Observe(duration.Seconds())
}

// RecordNotify 记录推送结果：sent、failed 或 dropped
func (m *Metrics) RecordNotify(result string) {
	if m == nil {
		return
	}
	m.NotifyTotal.WithLabelValues(result).Inc()
}

// RecordInbound 记录入站邮件，source 为 webhook 或 smtp
func (m *Metrics) RecordInbound(source string, err error) {
	if m == nil {
		return
	}
	m.InboundTotal.WithLabelValues(source, resultLabel(err)).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// UpdateSizes 根据统计快照更新仪表盘
func (m *Metrics) UpdateSizes(sizes domain.CacheSizes) {
	if m == nil {
		return
	}
	m.EntitiesLive.Set(float64(sizes.Entities))
	m.OwnersLive.Set(float64(sizes.Owners))
	m.PendingDeltas.Set(float64(sizes.PendingDeltas))
	m.Subscriptions.Set(float64(sizes.Subscriptions))
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFoundOrExpired):
		// 收件地址不存在或已过期，邮件被丢弃
		return "dropped"
	}
	return "error"
}
