package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/model"
)

// Memory is an in-memory Store used by tests and by the replay property
// checks, where spinning up Postgres is unnecessary ceremony. It is
// guarded by a single mutex; unlike Postgres it does not model
// concurrent transactions racing each other, only their end state.
type Memory struct {
	mu sync.Mutex

	trades map[int64]model.Trade

	positionKeys map[string]*model.PositionKey // positionKey#configId -> key
	nextPosID    int64

	snapshots map[string]model.PositionSnapshot          // coord -> snapshot
	history   map[string][]model.PositionSnapshotHistory // coord -> history, ascending version
	prices    map[string]model.PositionAveragePrice      // priceCoord -> price

	configs   map[int64]model.PositionConfig
	nextCfgID int64
}

// NewMemory returns an empty Memory store, seeded with the same default
// OFFICIAL config the Postgres migration seeds.
func NewMemory() *Memory {
	m := &Memory{
		trades:       make(map[int64]model.Trade),
		positionKeys: make(map[string]*model.PositionKey),
		snapshots:    make(map[string]model.PositionSnapshot),
		history:      make(map[string][]model.PositionSnapshotHistory),
		prices:       make(map[string]model.PositionAveragePrice),
		configs:      make(map[int64]model.PositionConfig),
		nextCfgID:    2,
	}
	m.configs[1] = model.PositionConfig{
		ConfigID:     1,
		Type:         model.ConfigOfficial,
		Name:         "Official Positions",
		KeyFormat:    model.KeyBookCounterpartyInstrument,
		PriceMethods: []model.PriceMethod{model.PriceMethodWAC},
		Scope:        model.AllScope(),
		Active:       true,
	}
	return m
}

func coordKey(positionKey string, businessDate time.Time, basis model.DateBasis) string {
	return fmt.Sprintf("%s|%s|%s", positionKey, model.FormatBusinessDate(businessDate), basis)
}

func priceKey(positionKey string, businessDate time.Time, method model.PriceMethod, basis model.DateBasis) string {
	return fmt.Sprintf("%s|%s|%s|%s", positionKey, model.FormatBusinessDate(businessDate), method, basis)
}

// --- TradeStore ---

func (m *Memory) InsertTrade(_ context.Context, t model.Trade) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trades[t.SequenceNum]; exists {
		return false, nil
	}
	m.trades[t.SequenceNum] = t
	return true, nil
}

func (m *Memory) BatchInsertTrades(_ context.Context, trades []model.Trade) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []model.Trade
	for _, t := range trades {
		if _, exists := m.trades[t.SequenceNum]; exists {
			continue
		}
		m.trades[t.SequenceNum] = t
		inserted = append(inserted, t)
	}
	return inserted, nil
}

func (m *Memory) matchTrade(t model.Trade, positionKey string, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) bool {
	if t.BusinessDate(basis).Format("2006-01-02") != businessDate.Format("2006-01-02") {
		return false
	}
	if positionKey != "" {
		return t.CanonicalKey() == positionKey
	}
	if dims.Book != nil && *dims.Book != t.Book {
		return false
	}
	if dims.Counterparty != nil && *dims.Counterparty != t.Counterparty {
		return false
	}
	if dims.Instrument != nil && *dims.Instrument != t.Instrument {
		return false
	}
	return true
}

func (m *Memory) sortedTrades() []model.Trade {
	out := make([]model.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum < out[j].SequenceNum })
	return out
}

func (m *Memory) FindTradesAfterSequence(_ context.Context, positionKey string, businessDate time.Time, basis model.DateBasis, afterSeq int64) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.sortedTrades() {
		if t.SequenceNum <= afterSeq {
			continue
		}
		if m.matchTrade(t, positionKey, model.PositionDimensions{}, businessDate, basis) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) FindTradesByPositionKeyAndDate(_ context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.sortedTrades() {
		if m.matchTrade(t, positionKey, model.PositionDimensions{}, businessDate, basis) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) FindTradesByDimensions(_ context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Trade
	for _, t := range m.sortedTrades() {
		if m.matchTrade(t, "", dims, businessDate, basis) {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- PositionKeyStore ---

func (m *Memory) UpsertPositionKey(_ context.Context, in UpsertPositionKeyInput) (model.UpsertPositionKeyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fmt.Sprintf("%s#%d", in.PositionKey, in.ConfigID)
	existing, ok := m.positionKeys[k]
	if !ok {
		m.nextPosID++
		pk := &model.PositionKey{
			PositionID:         m.nextPosID,
			PositionKey:        in.PositionKey,
			ConfigID:           in.ConfigID,
			ConfigType:         in.ConfigType,
			ConfigName:         in.ConfigName,
			Dimensions:         in.Dimensions,
			LastTradeDate:      timePtr(in.TradeDate),
			LastSettlementDate: timePtr(in.SettlementDate),
			CreatedBySequence:  in.SequenceNum,
		}
		m.positionKeys[k] = pk
		return model.UpsertPositionKeyResult{PositionID: pk.PositionID}, nil
	}

	prior := model.UpsertPositionKeyResult{
		PositionID:              existing.PositionID,
		PriorLastTradeDate:      existing.LastTradeDate,
		PriorLastSettlementDate: existing.LastSettlementDate,
	}
	existing.LastTradeDate = maxTimePtr(existing.LastTradeDate, in.TradeDate)
	existing.LastSettlementDate = maxTimePtr(existing.LastSettlementDate, in.SettlementDate)
	return prior, nil
}

func timePtr(t time.Time) *time.Time { return &t }

func maxTimePtr(current *time.Time, candidate time.Time) *time.Time {
	if current == nil || candidate.After(*current) {
		return &candidate
	}
	return current
}

// --- AggregateStore ---

func aggregate(trades []model.Trade) (model.TradeMetrics, bool) {
	return model.AggregateTradeMetrics(trades)
}

func (m *Memory) AggregateMetrics(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error) {
	trades, err := m.FindTradesByPositionKeyAndDate(ctx, positionKey, businessDate, basis)
	if err != nil {
		return model.TradeMetrics{}, false, err
	}
	met, ok := aggregate(trades)
	return met, ok, nil
}

func (m *Memory) AggregateMetricsByDimensions(ctx context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error) {
	trades, err := m.FindTradesByDimensions(ctx, dims, businessDate, basis)
	if err != nil {
		return model.TradeMetrics{}, false, err
	}
	met, ok := aggregate(trades)
	return met, ok, nil
}

// --- SnapshotStore ---

func (m *Memory) FindSnapshot(_ context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.PositionSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[coordKey(positionKey, businessDate, basis)]
	return s, ok, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap model.PositionSnapshot, basis model.DateBasis, reason model.ChangeReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.DateBasis = basis
	ck := coordKey(snap.PositionKey, snap.BusinessDate, basis)

	prior, exists := m.snapshots[ck]
	var version int64 = 1
	var previousNetQuantity *int64
	if exists {
		version = prior.CalculationVersion + 1
		pn := prior.NetQuantity
		previousNetQuantity = &pn
		hist := m.history[ck]
		for i := range hist {
			if hist[i].SupersededAt == nil {
				at := snap.CalculatedAt
				hist[i].SupersededAt = &at
			}
		}
		m.history[ck] = hist
	}
	snap.CalculationVersion = version
	m.snapshots[ck] = snap

	m.history[ck] = append(m.history[ck], model.PositionSnapshotHistory{
		HistoryID:            uuid.NewString(),
		PositionKey:          snap.PositionKey,
		BusinessDate:         snap.BusinessDate,
		DateBasis:            basis,
		CalculationVersion:   version,
		NetQuantity:          snap.NetQuantity,
		GrossLong:            snap.GrossLong,
		GrossShort:           snap.GrossShort,
		TradeCount:           snap.TradeCount,
		TotalNotional:        snap.TotalNotional,
		CalculatedAt:         snap.CalculatedAt,
		SupersededAt:         nil,
		ChangeReason:         reason,
		PreviousNetQuantity:  previousNetQuantity,
		CalculationRequestID: snap.CalculationRequestID,
		LastSequenceNum:      snap.LastSequenceNum,
		LastTradeTime:        snap.LastTradeTime,
		CalculationMethod:    snap.CalculationMethod,
	})
	return nil
}

func (m *Memory) FindSnapshotsForPosition(_ context.Context, positionKey string, basis model.DateBasis, from, to time.Time) ([]model.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PositionSnapshot
	for _, s := range m.snapshots {
		if s.PositionKey != positionKey || s.DateBasis != basis {
			continue
		}
		if !from.IsZero() && s.BusinessDate.Before(from) {
			continue
		}
		if !to.IsZero() && s.BusinessDate.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessDate.Before(out[j].BusinessDate) })
	return out, nil
}

func (m *Memory) FindSnapshotHistory(_ context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionSnapshotHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.history[coordKey(positionKey, businessDate, basis)]
	out := make([]model.PositionSnapshotHistory, len(hist))
	copy(out, hist)
	sort.Slice(out, func(i, j int) bool { return out[i].CalculationVersion < out[j].CalculationVersion })
	return out, nil
}

// --- PriceStore ---

func (m *Memory) FindPrice(_ context.Context, positionKey string, businessDate time.Time, method model.PriceMethod, basis model.DateBasis) (model.PositionAveragePrice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[priceKey(positionKey, businessDate, method, basis)]
	return p, ok, nil
}

func (m *Memory) FindPricesForSnapshot(_ context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionAveragePrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PositionAveragePrice
	for _, p := range m.prices {
		if p.PositionKey == positionKey && p.DateBasis == basis && sameDate(p.BusinessDate, businessDate) {
			out = append(out, p)
		}
	}
	return out, nil
}

func sameDate(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}

func (m *Memory) SavePrice(_ context.Context, price model.PositionAveragePrice, basis model.DateBasis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	price.DateBasis = basis
	m.prices[priceKey(price.PositionKey, price.BusinessDate, price.PriceMethod, basis)] = price
	return nil
}

// --- ConfigStore ---

func (m *Memory) FindAll(_ context.Context) ([]model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PositionConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out, nil
}

func (m *Memory) FindActive(_ context.Context) ([]model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PositionConfig
	for _, c := range m.configs {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out, nil
}

func (m *Memory) FindByID(_ context.Context, configID int64) (model.PositionConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[configID]
	return c, ok, nil
}

func (m *Memory) Create(_ context.Context, cfg model.PositionConfig) (model.PositionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.configs {
		if existing.Type == cfg.Type && existing.KeyFormat == cfg.KeyFormat && scopeEqual(existing.Scope, cfg.Scope) {
			return model.PositionConfig{}, apperr.Constraint("createConfig", fmt.Errorf("duplicate (type, keyFormat, scope)"))
		}
	}
	cfg.ConfigID = m.nextCfgID
	m.nextCfgID++
	m.configs[cfg.ConfigID] = cfg
	return cfg, nil
}

func scopeEqual(a, b model.Scope) bool {
	if a.IsAll() != b.IsAll() {
		return false
	}
	if a.IsAll() {
		return true
	}
	ac, bc := a.Criteria(), b.Criteria()
	if len(ac) != len(bc) {
		return false
	}
	for k, v := range ac {
		if bc[k] != v {
			return false
		}
	}
	return true
}

func (m *Memory) Update(_ context.Context, cfg model.PositionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ConfigID]; !ok {
		return apperr.Constraint("updateConfig", fmt.Errorf("config %d not found", cfg.ConfigID))
	}
	m.configs[cfg.ConfigID] = cfg
	return nil
}

func (m *Memory) Deactivate(_ context.Context, configID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[configID]
	if !ok {
		return apperr.Constraint("deactivateConfig", fmt.Errorf("config %d not found", configID))
	}
	c.Active = false
	m.configs[configID] = c
	return nil
}

var _ Store = (*Memory)(nil)
