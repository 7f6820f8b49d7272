// Package metrics exposes prometheus counters and gauges for the three
// postrack processes, registered against a dedicated registry so cmd/postrack
// can mount /metrics without pulling in the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postrack/positions/internal/calcengine"
	"github.com/postrack/positions/internal/configcache"
)

// Registry bundles every metric this system emits. Fields are exported
// collectors rather than wrapped methods, since every caller already holds
// the specific label values (strategy, date basis) at the point they'd want
// to record them.
type Registry struct {
	Registerer prometheus.Registerer

	TradesIngested   prometheus.Counter
	TradesRejected   prometheus.Counter
	CalcRequestsSent *prometheus.CounterVec

	CalcsByStrategy *prometheus.CounterVec
	CalcDuration    *prometheus.HistogramVec
	CalcFailures    *prometheus.CounterVec
	WacFallbacks    prometheus.Counter
	CascadeDaySize  prometheus.Histogram
}

// New builds a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Registerer: reg,

		TradesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "ingest",
			Name:      "trades_ingested_total",
			Help:      "Trade events successfully persisted.",
		}),
		TradesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "ingest",
			Name:      "trades_rejected_total",
			Help:      "Trade events dropped for failing to parse or validate.",
		}),
		CalcRequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "ingest",
			Name:      "calc_requests_sent_total",
			Help:      "Calc requests published onto the calc-request log, by date basis.",
		}, []string{"date_basis"}),

		CalcsByStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "calc",
			Name:      "requests_total",
			Help:      "Calc requests processed, by strategy chosen.",
		}, []string{"strategy"}),
		CalcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "postrack",
			Subsystem: "calc",
			Name:      "duration_seconds",
			Help:      "Time to process one calc request, by strategy chosen.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		CalcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "calc",
			Name:      "failures_total",
			Help:      "Calc requests that failed, by error class.",
		}, []string{"class"}),
		WacFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "calc",
			Name:      "wac_fallback_to_full_recalc_total",
			Help:      "Cross-day WAC updates that fell back to a full recalculation because no prior price row existed.",
		}),
		CascadeDaySize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "postrack",
			Subsystem: "ingest",
			Name:      "late_trade_cascade_days",
			Help:      "Number of calendar days recomputed per late-trade cascade.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
	}

	reg.MustRegister(
		m.TradesIngested, m.TradesRejected, m.CalcRequestsSent,
		m.CalcsByStrategy, m.CalcDuration, m.CalcFailures, m.WacFallbacks, m.CascadeDaySize,
	)
	return m
}

// ObserveStrategy increments CalcsByStrategy and records elapsedSeconds
// against CalcDuration for the strategy chosen, including calcengine.StrategyNoOp.
func (m *Registry) ObserveStrategy(s calcengine.Strategy, elapsedSeconds float64) {
	label := string(s)
	m.CalcsByStrategy.WithLabelValues(label).Inc()
	m.CalcDuration.WithLabelValues(label).Observe(elapsedSeconds)
}

// RegisterConfigCache wires cache's hit/miss/refresh counters into reg as
// CounterFuncs: configcache.Cache already tracks cumulative totals, so
// metrics reads them directly on every scrape rather than duplicating the
// bookkeeping behind a second set of counters that could drift out of sync.
func (m *Registry) RegisterConfigCache(cache *configcache.Cache) {
	m.Registerer.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "configcache",
			Name:      "hits_total",
			Help:      "Config cache lookups served without a reload.",
		}, func() float64 { return float64(cache.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "configcache",
			Name:      "misses_total",
			Help:      "Config cache lookups that found the cache empty or stale.",
		}, func() float64 { return float64(cache.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "postrack",
			Subsystem: "configcache",
			Name:      "refresh_total",
			Help:      "Config cache reloads from the store.",
		}, func() float64 { return float64(cache.Stats().Refresh) }),
	)
}
