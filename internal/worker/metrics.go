package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总离线缓存管理器的 Prometheus 指标。nil 指针上的记录方法为空操作，
// 未启用指标时调用方无需判断。
type Metrics struct {
	fetches        *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	cacheWrites    *prometheus.CounterVec
	installs       *prometheus.CounterVec
	activations    prometheus.Counter
	bucketsDeleted prometheus.Counter
}

// NewMetrics 创建并注册全部指标；reg 为 nil 时返回 nil。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_fetch_total",
				Help: "Intercepted requests by strategy and response source",
			},
			[]string{"strategy", "source"},
		),
		fetchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_fetch_failures_total",
				Help: "Intercepted requests that produced no response",
			},
			[]string{"strategy"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline_hub_fetch_duration_seconds",
				Help:    "Duration of intercepted requests",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"strategy"},
		),
		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_cache_writes_total",
				Help: "Runtime cache writes by result",
			},
			[]string{"result"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_hub_installs_total",
				Help: "Install attempts by result",
			},
			[]string{"result"},
		),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_hub_activations_total",
			Help: "Completed activations",
		}),
		bucketsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_hub_buckets_deleted_total",
			Help: "Stale cache buckets removed during activation",
		}),
	}
	reg.MustRegister(
		m.fetches,
		m.fetchFailures,
		m.fetchDuration,
		m.cacheWrites,
		m.installs,
		m.activations,
		m.bucketsDeleted,
	)
	return m
}

func (m *Metrics) recordFetch(strategy Strategy, source Source, started time.Time) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(strategy), string(source)).Inc()
	m.fetchDuration.WithLabelValues(string(strategy)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) recordFetchFailure(strategy Strategy, started time.Time) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(string(strategy)).Inc()
	m.fetchDuration.WithLabelValues(string(strategy)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) recordCacheWrite(ok bool) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) recordInstall(ok bool) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) recordActivation(deleted int) {
	if m == nil {
		return
	}
	m.activations.Inc()
	m.bucketsDeleted.Add(float64(deleted))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
