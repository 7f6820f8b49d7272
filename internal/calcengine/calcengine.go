// Package calcengine turns one calc request into an updated snapshot
// and price set, choosing the cheapest correct strategy: extend the
// existing same-day snapshot, roll forward from the prior day, or
// recompute the whole day from stored trades.
package calcengine

import (
	"context"
	"time"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/keyformat"
	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/store"
	"github.com/postrack/positions/internal/wac"
)

type Engine struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store, now func() time.Time) *Engine {
	return &Engine{store: s, now: now}
}

// Strategy names the path taken to satisfy one calc request, exposed
// for metrics.
type Strategy string

const (
	StrategySameDayIncremental  Strategy = "SAME_DAY_INCREMENTAL"
	StrategyCrossDayIncremental Strategy = "CROSS_DAY_INCREMENTAL"
	StrategyFullRecalc          Strategy = "FULL_RECALC"
	StrategyNoOp                Strategy = "NO_OP"
)

// Process handles one calc request end to end: selects a strategy,
// recomputes metrics and requested prices, and saves them. Price rows and
// the snapshot are written by separate store calls, so they are not
// committed as one transaction; a failure between the calls leaves the
// price rows saved without the new snapshot. Returns the strategy
// actually used, for metrics.
func (e *Engine) Process(ctx context.Context, req model.CalcRequest) (Strategy, error) {
	current, hasCurrent, err := e.store.FindSnapshot(ctx, req.PositionKey, req.BusinessDate, req.DateBasis)
	if err != nil {
		return "", apperr.Transient("calcengine.FindSnapshot", err)
	}
	previousDate := req.BusinessDate.AddDate(0, 0, -1)
	previous, hasPrevious, err := e.store.FindSnapshot(ctx, req.PositionKey, previousDate, req.DateBasis)
	if err != nil {
		return "", apperr.Transient("calcengine.FindPreviousSnapshot", err)
	}

	switch {
	case req.ChangeReason == model.ChangeInitial && hasCurrent:
		return StrategySameDayIncremental, e.sameDayIncremental(ctx, req, current)
	case hasPrevious:
		return StrategyCrossDayIncremental, e.crossDayIncremental(ctx, req, previous)
	default:
		return StrategyFullRecalc, e.fullRecalc(ctx, req)
	}
}

func (e *Engine) sameDayIncremental(ctx context.Context, req model.CalcRequest, current model.PositionSnapshot) error {
	newTrades, err := e.store.FindTradesAfterSequence(ctx, req.PositionKey, req.BusinessDate, req.DateBasis, current.LastSequenceNum)
	if err != nil {
		return apperr.Transient("calcengine.FindTradesAfterSequence", err)
	}
	if len(newTrades) == 0 {
		return nil
	}

	metrics := model.TradeMetrics{
		NetQuantity:     current.NetQuantity,
		GrossLong:       current.GrossLong,
		GrossShort:      current.GrossShort,
		TradeCount:      current.TradeCount,
		TotalNotional:   current.TotalNotional,
		LastSequenceNum: current.LastSequenceNum,
		LastTradeTime:   current.LastTradeTime,
	}
	for _, t := range newTrades {
		metrics = metrics.ApplyTrade(t)
	}

	snap := current.FromMetrics(metrics)
	snap.CalculationMethod = model.Incremental
	snap.CalculatedAt = e.now()
	snap.CalculationRequestID = req.RequestID

	if err := e.saveWacIfRequested(ctx, req, snap, newTrades, current.NetQuantity); err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(ctx, snap, req.DateBasis, req.ChangeReason); err != nil {
		return apperr.Transient("calcengine.SaveSnapshot", err)
	}
	return nil
}

func (e *Engine) crossDayIncremental(ctx context.Context, req model.CalcRequest, previous model.PositionSnapshot) error {
	todayMetrics, hasToday, err := e.aggregate(ctx, req)
	if err != nil {
		return err
	}

	var snap model.PositionSnapshot
	if !hasToday {
		// Carry-forward: no trades today, copy yesterday's metrics under
		// today's date.
		snap = previous
		snap.BusinessDate = req.BusinessDate
		snap.CalculationMethod = model.Incremental
		snap.CalculatedAt = e.now()
		snap.CalculationRequestID = req.RequestID

		prices, err := e.store.FindPricesForSnapshot(ctx, req.PositionKey, previous.BusinessDate, req.DateBasis)
		if err != nil {
			return apperr.Transient("calcengine.FindPricesForSnapshot", err)
		}
		for _, p := range prices {
			p.BusinessDate = req.BusinessDate
			p.CalculatedAt = snap.CalculatedAt
			if err := e.store.SavePrice(ctx, p, req.DateBasis); err != nil {
				return apperr.Transient("calcengine.SavePrice", err)
			}
		}
		if err := e.store.SaveSnapshot(ctx, snap, req.DateBasis, req.ChangeReason); err != nil {
			return apperr.Transient("calcengine.SaveSnapshot", err)
		}
		return nil
	}

	combined := model.TradeMetrics{
		NetQuantity:     previous.NetQuantity + todayMetrics.NetQuantity,
		GrossLong:       previous.GrossLong + todayMetrics.GrossLong,
		GrossShort:      previous.GrossShort + todayMetrics.GrossShort,
		TradeCount:      previous.TradeCount + todayMetrics.TradeCount,
		TotalNotional:   previous.TotalNotional.Add(todayMetrics.TotalNotional),
		LastSequenceNum: todayMetrics.LastSequenceNum,
		LastTradeTime:   todayMetrics.LastTradeTime,
	}
	snap = model.PositionSnapshot{PositionKey: req.PositionKey, BusinessDate: req.BusinessDate, DateBasis: req.DateBasis}
	snap = snap.FromMetrics(combined)
	snap.CalculationMethod = model.Incremental
	snap.CalculatedAt = e.now()
	snap.CalculationRequestID = req.RequestID

	todayTrades, err := e.trades(ctx, req)
	if err != nil {
		return err
	}

	if err := e.applyWacCrossDay(ctx, req, snap, previous, todayTrades); err != nil {
		return err
	}
	if err := e.store.SaveSnapshot(ctx, snap, req.DateBasis, req.ChangeReason); err != nil {
		return apperr.Transient("calcengine.SaveSnapshot", err)
	}
	return nil
}

func (e *Engine) fullRecalc(ctx context.Context, req model.CalcRequest) error {
	metrics, ok, err := e.aggregate(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	snap := model.PositionSnapshot{PositionKey: req.PositionKey, BusinessDate: req.BusinessDate, DateBasis: req.DateBasis}
	snap = snap.FromMetrics(metrics)
	snap.CalculationMethod = model.FullRecalc
	snap.CalculatedAt = e.now()
	snap.CalculationRequestID = req.RequestID

	trades, err := e.trades(ctx, req)
	if err != nil {
		return err
	}

	if hasWAC(req) {
		state := wac.Zero
		for _, t := range trades {
			state = state.ApplyTrade(t.SequenceNum, t.SignedQuantity, t.Price)
		}
		if err := e.savePrice(ctx, req, snap, state); err != nil {
			return err
		}
	}
	if err := e.store.SaveSnapshot(ctx, snap, req.DateBasis, req.ChangeReason); err != nil {
		return apperr.Transient("calcengine.SaveSnapshot", err)
	}
	return nil
}

// saveWacIfRequested folds newTrades over the previously-saved WAC state
// for the same-day-incremental path. If no price row exists yet, it
// starts from the empty WAC state and folds newTrades only.
func (e *Engine) saveWacIfRequested(ctx context.Context, req model.CalcRequest, snap model.PositionSnapshot, newTrades []model.Trade, currentNetQuantity int64) error {
	if !hasWAC(req) {
		return nil
	}
	price, ok, err := e.store.FindPrice(ctx, req.PositionKey, req.BusinessDate, model.PriceMethodWAC, req.DateBasis)
	if err != nil {
		return apperr.Transient("calcengine.FindPrice", err)
	}
	var state wac.State
	if ok {
		state = wac.State{
			AvgPrice:       price.Price,
			TotalCostBasis: price.MethodData.TotalCostBasis,
			NetQuantity:    currentNetQuantity,
			LastSequence:   price.MethodData.LastUpdatedSequence,
		}
	}
	for _, t := range newTrades {
		state = state.ApplyTrade(t.SequenceNum, t.SignedQuantity, t.Price)
	}
	return e.savePrice(ctx, req, snap, state)
}

// applyWacCrossDay folds today's trades over yesterday's WAC state. If
// yesterday has no WAC price row, it falls back to a full recompute
// over every trade for the day (the prior day's state is unrecoverable).
func (e *Engine) applyWacCrossDay(ctx context.Context, req model.CalcRequest, snap model.PositionSnapshot, previous model.PositionSnapshot, todayTrades []model.Trade) error {
	if !hasWAC(req) {
		return nil
	}
	prevPrice, ok, err := e.store.FindPrice(ctx, req.PositionKey, previous.BusinessDate, model.PriceMethodWAC, req.DateBasis)
	if err != nil {
		return apperr.Transient("calcengine.FindPreviousPrice", err)
	}
	if !ok {
		trades, err := e.trades(ctx, req)
		if err != nil {
			return err
		}
		state := wac.Zero
		for _, t := range trades {
			state = state.ApplyTrade(t.SequenceNum, t.SignedQuantity, t.Price)
		}
		return e.savePrice(ctx, req, snap, state)
	}
	state := wac.State{
		AvgPrice:       prevPrice.Price,
		TotalCostBasis: prevPrice.MethodData.TotalCostBasis,
		NetQuantity:    previous.NetQuantity,
		LastSequence:   prevPrice.MethodData.LastUpdatedSequence,
	}
	for _, t := range todayTrades {
		state = state.ApplyTrade(t.SequenceNum, t.SignedQuantity, t.Price)
	}
	return e.savePrice(ctx, req, snap, state)
}

func (e *Engine) savePrice(ctx context.Context, req model.CalcRequest, snap model.PositionSnapshot, state wac.State) error {
	price := model.PositionAveragePrice{
		PositionKey:  req.PositionKey,
		BusinessDate: req.BusinessDate,
		PriceMethod:  model.PriceMethodWAC,
		DateBasis:    req.DateBasis,
		Price:        state.AvgPrice,
		MethodData: model.WacMethodData{
			TotalCostBasis:      state.TotalCostBasis,
			LastUpdatedSequence: state.LastSequence,
		},
		CalculatedAt: snap.CalculatedAt,
	}
	if err := e.store.SavePrice(ctx, price, req.DateBasis); err != nil {
		return apperr.Transient("calcengine.SavePrice", err)
	}
	return nil
}

func (e *Engine) aggregate(ctx context.Context, req model.CalcRequest) (model.TradeMetrics, bool, error) {
	if keyformat.IsBCI(req.KeyFormat) {
		m, ok, err := e.store.AggregateMetrics(ctx, req.PositionKey, req.BusinessDate, req.DateBasis)
		return m, ok, wrapAgg(err)
	}
	dims, err := keyformat.Parse(req.KeyFormat, req.PositionKey)
	if err != nil {
		return model.TradeMetrics{}, false, apperr.Invariant("calcengine.ParsePositionKey", err)
	}
	m, ok, err := e.store.AggregateMetricsByDimensions(ctx, dims, req.BusinessDate, req.DateBasis)
	return m, ok, wrapAgg(err)
}

func (e *Engine) trades(ctx context.Context, req model.CalcRequest) ([]model.Trade, error) {
	if keyformat.IsBCI(req.KeyFormat) {
		trades, err := e.store.FindTradesByPositionKeyAndDate(ctx, req.PositionKey, req.BusinessDate, req.DateBasis)
		if err != nil {
			return nil, apperr.Transient("calcengine.FindTradesByPositionKeyAndDate", err)
		}
		return trades, nil
	}
	dims, err := keyformat.Parse(req.KeyFormat, req.PositionKey)
	if err != nil {
		return nil, apperr.Invariant("calcengine.ParsePositionKey", err)
	}
	trades, err := e.store.FindTradesByDimensions(ctx, dims, req.BusinessDate, req.DateBasis)
	if err != nil {
		return nil, apperr.Transient("calcengine.FindTradesByDimensions", err)
	}
	return trades, nil
}

func wrapAgg(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Transient("calcengine.Aggregate", err)
}

func hasWAC(req model.CalcRequest) bool {
	for _, m := range req.PriceMethods {
		if m == model.PriceMethodWAC {
			return true
		}
	}
	return false
}
