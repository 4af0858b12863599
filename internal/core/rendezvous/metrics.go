package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================================
//                              Prometheus 指标
// ============================================================================

// Metrics 汇合服务器指标
type Metrics struct {
	// ConnectionsActive 当前控制连接数
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal 累计接受的控制连接数
	ConnectionsTotal prometheus.Counter

	// RequestsTotal 按消息类型统计的请求数
	RequestsTotal *prometheus.CounterVec

	// IntroductionsTotal 成功派发的引荐对数
	IntroductionsTotal prometheus.Counter

	// NotFoundTotal 未命中的订阅数
	NotFoundTotal prometheus.Counter

	// ErrorsTotal 按错误码统计的错误响应数
	ErrorsTotal *prometheus.CounterVec

	// RegistrationsActive 当前注册数（从注册表实时读取）
	RegistrationsActive prometheus.GaugeFunc

	// ContentsActive 当前内容数（从注册表实时读取）
	ContentsActive prometheus.GaugeFunc
}

// NewMetrics 创建并注册指标
//
// reg 为 nil 时使用私有注册表，指标仍会被记录但不对外暴露。
func NewMetrics(reg prometheus.Registerer, store *Store) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "connections_active",
			Help:      "Number of currently open control connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "connections_total",
			Help:      "Total number of accepted control connections.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "requests_total",
			Help:      "Total number of control requests by message type.",
		}, []string{"type"}),
		IntroductionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "introductions_total",
			Help:      "Total number of dispatched introduction pairs.",
		}),
		NotFoundTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "not_found_total",
			Help:      "Total number of subscribe requests with no publisher.",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "errors_total",
			Help:      "Total number of error replies by code.",
		}, []string{"code"}),
		RegistrationsActive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "registrations_active",
			Help:      "Number of live publisher registrations.",
		}, func() float64 {
			return float64(store.Stats().TotalRegistrations)
		}),
		ContentsActive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fileyeet",
			Subsystem: "rendezvous",
			Name:      "contents_active",
			Help:      "Number of contents with at least one publisher.",
		}, func() float64 {
			return float64(store.Stats().TotalContents)
		}),
	}
}
