package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/postrack/positions/internal/calcengine"
	"github.com/postrack/positions/internal/configcache"
	"github.com/postrack/positions/internal/model"
)

type noopLoader struct{}

func (noopLoader) FindActive(_ context.Context) ([]model.PositionConfig, error) { return nil, nil }

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveStrategyIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStrategy(calcengine.StrategySameDayIncremental, 0.01)
	m.ObserveStrategy(calcengine.StrategySameDayIncremental, 0.02)
	m.ObserveStrategy(calcengine.StrategyFullRecalc, 0.05)

	if got := counterValue(t, m.CalcsByStrategy.WithLabelValues(string(calcengine.StrategySameDayIncremental))); got != 2 {
		t.Errorf("same-day incremental count = %v, want 2", got)
	}
	if got := counterValue(t, m.CalcsByStrategy.WithLabelValues(string(calcengine.StrategyFullRecalc))); got != 1 {
		t.Errorf("full recalc count = %v, want 1", got)
	}
}

func TestRegisterConfigCacheReflectsLiveStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	cache := configcache.New(noopLoader{})
	ctx := context.Background()
	if _, err := cache.Active(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Active(ctx); err != nil {
		t.Fatal(err)
	}
	m.RegisterConfigCache(cache)

	mf, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var hits float64
	found := false
	for _, f := range mf {
		if f.GetName() == "postrack_configcache_hits_total" {
			found = true
			hits = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if !found {
		t.Fatal("expected postrack_configcache_hits_total to be registered")
	}
	if hits != cache.Stats().Hits {
		t.Errorf("gathered hits = %v, want %v", hits, cache.Stats().Hits)
	}
}
