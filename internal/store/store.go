// Package store defines the persistence contracts the ingestion
// coordinator and calculation engine run against, plus a Postgres
// implementation (internal/store/postgres.go, via jmoiron/sqlx and
// lib/pq) and an in-memory implementation (internal/store/memory.go)
// used by tests and the replay property checks.
package store

import (
	"context"
	"time"

	"github.com/postrack/positions/internal/model"
)

// TradeStore persists immutable trade facts, deduplicated by
// sequenceNum.
type TradeStore interface {
	// InsertTrade stores t if its sequenceNum is new. Returns
	// (true, nil) if inserted, (false, nil) if a row with that
	// sequenceNum already exists. Returns a classified error (see
	// internal/apperr) only on store unavailability.
	InsertTrade(ctx context.Context, t model.Trade) (bool, error)

	// BatchInsertTrades inserts trades in one transaction and returns
	// the subset actually inserted, in the same relative order.
	// Pre-existing sequenceNums are skipped, not failed.
	BatchInsertTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error)

	// FindTradesAfterSequence returns trades for (positionKey,
	// businessDate, dateBasis) with sequenceNum > afterSeq, ascending.
	FindTradesAfterSequence(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis, afterSeq int64) ([]model.Trade, error)

	// FindTradesByPositionKeyAndDate returns the full ordered trade list
	// for (positionKey, businessDate, dateBasis), used by full
	// recalculation.
	FindTradesByPositionKeyAndDate(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error)

	// FindTradesByDimensions is the non-BCI analogue of
	// FindTradesByPositionKeyAndDate: matches on whichever dimension
	// columns dims populates.
	FindTradesByDimensions(ctx context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error)
}

// PositionKeyStore owns the position_keys table: the stable mapping from
// (positionKey, configId) to a surrogate positionId, and the cached
// lastTradeDate/lastSettlementDate watermarks.
type PositionKeyStore interface {
	// UpsertPositionKey inserts the row if absent, or atomically
	// advances lastTradeDate/lastSettlementDate to the max of current
	// and the given dates if present. Returns the stable positionId and
	// the watermarks as they stood before this upsert applied its max.
	UpsertPositionKey(ctx context.Context, in UpsertPositionKeyInput) (model.UpsertPositionKeyResult, error)
}

// UpsertPositionKeyInput is the full argument set for UpsertPositionKey.
type UpsertPositionKeyInput struct {
	PositionKey    string
	ConfigID       int64
	ConfigType     model.ConfigType
	ConfigName     string
	Dimensions     model.PositionDimensions
	TradeDate      time.Time
	SettlementDate time.Time
	SequenceNum    int64
}

// AggregateStore answers the metrics-aggregation queries the calc
// engine runs per strategy.
type AggregateStore interface {
	// AggregateMetrics fully aggregates position_trades for
	// (positionKey, businessDate, dateBasis). Returns (zero, false) if
	// no trades match.
	AggregateMetrics(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error)

	// AggregateMetricsByDimensions is the non-BCI analogue of
	// AggregateMetrics.
	AggregateMetricsByDimensions(ctx context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error)
}

// SnapshotStore owns position_snapshots[_settled] and their append-only
// history tables.
type SnapshotStore interface {
	FindSnapshot(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.PositionSnapshot, bool, error)

	// SaveSnapshot upserts the current-state row for snap's coordinate
	// and appends one history row, all in a single transaction: if a
	// current row exists, its open history row is superseded, the
	// current row is replaced with calculationVersion = prior + 1, and
	// a new open history row is appended with previousNetQuantity set
	// to the prior row's netQuantity. If absent, inserts
	// calculationVersion = 1 with previousNetQuantity = nil.
	SaveSnapshot(ctx context.Context, snap model.PositionSnapshot, basis model.DateBasis, reason model.ChangeReason) error

	// FindSnapshotsForPosition returns the ordered series of snapshots
	// for key/basis, optionally bounded by [from, to] (either may be
	// the zero time to mean unbounded).
	FindSnapshotsForPosition(ctx context.Context, positionKey string, basis model.DateBasis, from, to time.Time) ([]model.PositionSnapshot, error)

	// FindSnapshotHistory returns history rows for the coordinate in
	// ascending calculationVersion order.
	FindSnapshotHistory(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionSnapshotHistory, error)
}

// PriceStore owns position_average_prices[_settled]; no price history
// is kept, only the current row per coordinate.
type PriceStore interface {
	FindPrice(ctx context.Context, positionKey string, businessDate time.Time, method model.PriceMethod, basis model.DateBasis) (model.PositionAveragePrice, bool, error)

	// FindPricesForSnapshot returns every price row for
	// (positionKey, businessDate, basis) regardless of method.
	FindPricesForSnapshot(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionAveragePrice, error)

	// SavePrice upserts by coordinate; no history is recorded.
	SavePrice(ctx context.Context, price model.PositionAveragePrice, basis model.DateBasis) error
}

// ConfigStore owns position_configs, the only table mutated by an
// external CRUD collaborator rather than the core.
type ConfigStore interface {
	FindAll(ctx context.Context) ([]model.PositionConfig, error)
	FindActive(ctx context.Context) ([]model.PositionConfig, error)
	FindByID(ctx context.Context, configID int64) (model.PositionConfig, bool, error)
	Create(ctx context.Context, cfg model.PositionConfig) (model.PositionConfig, error)
	Update(ctx context.Context, cfg model.PositionConfig) error
	Deactivate(ctx context.Context, configID int64) error
}

// Store bundles every persistence contract the core depends on. The
// Postgres and in-memory implementations each satisfy the whole
// interface so either can back the ingestion coordinator or calc engine
// interchangeably.
type Store interface {
	TradeStore
	PositionKeyStore
	AggregateStore
	SnapshotStore
	PriceStore
	ConfigStore
}
