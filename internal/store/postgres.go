package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/logger"
	"github.com/postrack/positions/internal/model"
)

// Postgres is the Store implementation backed by jmoiron/sqlx and
// lib/pq. DECIMAL(20,12) and JSONB columns give WAC prices and tagged
// scope/methodData values their natural storage types.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn, pings it, and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Success("store", "connected to postgres")
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func tableSuffix(basis model.DateBasis) string {
	if basis == model.SettlementDate {
		return "_settled"
	}
	return ""
}

func dateCol(basis model.DateBasis) string {
	if basis == model.SettlementDate {
		return "settlement_date"
	}
	return "trade_date"
}

// --- TradeStore ---

func (p *Postgres) InsertTrade(ctx context.Context, t model.Trade) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO position_trades
			(sequence_num, position_key, book, counterparty, instrument, trade_time, trade_date, settlement_date, signed_quantity, price, source, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (sequence_num) DO NOTHING`,
		t.SequenceNum, t.CanonicalKey(), t.Book, t.Counterparty, t.Instrument, t.TradeTime, t.TradeDate, t.SettlementDate, t.SignedQuantity, t.Price, t.Source, t.SourceID)
	if err != nil {
		return false, apperr.Transient("insertTrade", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient("insertTrade", err)
	}
	return n == 1, nil
}

func (p *Postgres) BatchInsertTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Transient("batchInsertTrades", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO position_trades
			(sequence_num, position_key, book, counterparty, instrument, trade_time, trade_date, settlement_date, signed_quantity, price, source, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (sequence_num) DO NOTHING`)
	if err != nil {
		return nil, apperr.Transient("batchInsertTrades", err)
	}
	defer stmt.Close()

	var inserted []model.Trade
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx, t.SequenceNum, t.CanonicalKey(), t.Book, t.Counterparty, t.Instrument, t.TradeTime, t.TradeDate, t.SettlementDate, t.SignedQuantity, t.Price, t.Source, t.SourceID)
		if err != nil {
			return nil, apperr.Transient("batchInsertTrades", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted = append(inserted, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Transient("batchInsertTrades", err)
	}
	return inserted, nil
}

type tradeRow struct {
	SequenceNum    int64           `db:"sequence_num"`
	Book           string          `db:"book"`
	Counterparty   string          `db:"counterparty"`
	Instrument     string          `db:"instrument"`
	SignedQuantity int64           `db:"signed_quantity"`
	Price          decimal.Decimal `db:"price"`
	TradeTime      time.Time       `db:"trade_time"`
	TradeDate      time.Time       `db:"trade_date"`
	SettlementDate time.Time       `db:"settlement_date"`
	Source         string          `db:"source"`
	SourceID       string          `db:"source_id"`
}

func (r tradeRow) toModel() model.Trade {
	return model.Trade{
		SequenceNum:    r.SequenceNum,
		Book:           r.Book,
		Counterparty:   r.Counterparty,
		Instrument:     r.Instrument,
		SignedQuantity: r.SignedQuantity,
		Price:          r.Price,
		TradeTime:      r.TradeTime,
		TradeDate:      r.TradeDate,
		SettlementDate: r.SettlementDate,
		Source:         r.Source,
		SourceID:       r.SourceID,
	}
}

func (p *Postgres) FindTradesAfterSequence(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis, afterSeq int64) ([]model.Trade, error) {
	col := dateCol(basis)
	var rows []tradeRow
	q := fmt.Sprintf(`SELECT sequence_num, book, counterparty, instrument, signed_quantity, price, trade_time, trade_date, settlement_date, source, source_id
		FROM position_trades WHERE position_key = $1 AND %s = $2 AND sequence_num > $3 ORDER BY sequence_num ASC`, col)
	if err := p.db.SelectContext(ctx, &rows, q, positionKey, businessDate, afterSeq); err != nil {
		return nil, apperr.Transient("findTradesAfterSequence", err)
	}
	return toTrades(rows), nil
}

func (p *Postgres) FindTradesByPositionKeyAndDate(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error) {
	col := dateCol(basis)
	var rows []tradeRow
	q := fmt.Sprintf(`SELECT sequence_num, book, counterparty, instrument, signed_quantity, price, trade_time, trade_date, settlement_date, source, source_id
		FROM position_trades WHERE position_key = $1 AND %s = $2 ORDER BY sequence_num ASC`, col)
	if err := p.db.SelectContext(ctx, &rows, q, positionKey, businessDate); err != nil {
		return nil, apperr.Transient("findTradesByPositionKeyAndDate", err)
	}
	return toTrades(rows), nil
}

func (p *Postgres) FindTradesByDimensions(ctx context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) ([]model.Trade, error) {
	col := dateCol(basis)
	where, args := dimensionsWhere(dims)
	args = append(args, businessDate)
	var rows []tradeRow
	q := fmt.Sprintf(`SELECT sequence_num, book, counterparty, instrument, signed_quantity, price, trade_time, trade_date, settlement_date, source, source_id
		FROM position_trades WHERE %s AND %s = $%d ORDER BY sequence_num ASC`, where, col, len(args))
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, apperr.Transient("findTradesByDimensions", err)
	}
	return toTrades(rows), nil
}

func toTrades(rows []tradeRow) []model.Trade {
	out := make([]model.Trade, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

// dimensionsWhere builds a "book = $1 AND instrument = $2"-style clause
// from the non-nil fields of dims, returning placeholders starting at
// $1; callers append further args after dims' own.
func dimensionsWhere(dims model.PositionDimensions) (string, []any) {
	clause := "TRUE"
	var args []any
	if dims.Book != nil {
		args = append(args, *dims.Book)
		clause += fmt.Sprintf(" AND book = $%d", len(args))
	}
	if dims.Counterparty != nil {
		args = append(args, *dims.Counterparty)
		clause += fmt.Sprintf(" AND counterparty = $%d", len(args))
	}
	if dims.Instrument != nil {
		args = append(args, *dims.Instrument)
		clause += fmt.Sprintf(" AND instrument = $%d", len(args))
	}
	return clause, args
}

// --- PositionKeyStore ---

func (p *Postgres) UpsertPositionKey(ctx context.Context, in UpsertPositionKeyInput) (model.UpsertPositionKeyResult, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", err)
	}
	defer tx.Rollback()

	var existing struct {
		PositionID         int64      `db:"position_id"`
		LastTradeDate      *time.Time `db:"last_trade_date"`
		LastSettlementDate *time.Time `db:"last_settlement_date"`
	}
	err = tx.GetContext(ctx, &existing, `
		SELECT position_id, last_trade_date, last_settlement_date FROM position_keys
		WHERE position_key = $1 AND config_id = $2 FOR UPDATE`, in.PositionKey, in.ConfigID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		var id int64
		insertErr := tx.GetContext(ctx, &id, `
			INSERT INTO position_keys
				(position_key, config_id, config_type, config_name, book, counterparty, instrument, last_trade_date, last_settlement_date, created_by_sequence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING position_id`,
			in.PositionKey, in.ConfigID, in.ConfigType, in.ConfigName, in.Dimensions.Book, in.Dimensions.Counterparty, in.Dimensions.Instrument, in.TradeDate, in.SettlementDate, in.SequenceNum)
		if insertErr != nil {
			return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", insertErr)
		}
		if err := tx.Commit(); err != nil {
			return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", err)
		}
		return model.UpsertPositionKeyResult{PositionID: id}, nil

	case err != nil:
		return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE position_keys
		SET last_trade_date = GREATEST(COALESCE(last_trade_date, $2), $2),
		    last_settlement_date = GREATEST(COALESCE(last_settlement_date, $3), $3)
		WHERE position_id = $1`, existing.PositionID, in.TradeDate, in.SettlementDate)
	if err != nil {
		return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", err)
	}
	if err := tx.Commit(); err != nil {
		return model.UpsertPositionKeyResult{}, apperr.Transient("upsertPositionKey", err)
	}
	return model.UpsertPositionKeyResult{
		PositionID:              existing.PositionID,
		PriorLastTradeDate:      existing.LastTradeDate,
		PriorLastSettlementDate: existing.LastSettlementDate,
	}, nil
}

// --- AggregateStore ---

type metricsRow struct {
	NetQuantity     int64           `db:"net_quantity"`
	GrossLong       int64           `db:"gross_long"`
	GrossShort      int64           `db:"gross_short"`
	TradeCount      int64           `db:"trade_count"`
	TotalNotional   decimal.Decimal `db:"total_notional"`
	LastSequenceNum int64           `db:"last_sequence_num"`
	LastTradeTime   time.Time       `db:"last_trade_time"`
}

const aggregateSelect = `
	COALESCE(SUM(signed_quantity), 0) AS net_quantity,
	COALESCE(SUM(CASE WHEN signed_quantity > 0 THEN signed_quantity ELSE 0 END), 0) AS gross_long,
	COALESCE(SUM(CASE WHEN signed_quantity < 0 THEN -signed_quantity ELSE 0 END), 0) AS gross_short,
	COUNT(*) AS trade_count,
	COALESCE(SUM(ABS(signed_quantity) * price), 0) AS total_notional,
	COALESCE(MAX(sequence_num), 0) AS last_sequence_num,
	COALESCE(MAX(trade_time), '0001-01-01') AS last_trade_time`

func (p *Postgres) AggregateMetrics(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error) {
	col := dateCol(basis)
	var row metricsRow
	q := fmt.Sprintf(`SELECT %s FROM position_trades WHERE position_key = $1 AND %s = $2`, aggregateSelect, col)
	if err := p.db.GetContext(ctx, &row, q, positionKey, businessDate); err != nil {
		return model.TradeMetrics{}, false, apperr.Transient("aggregateMetrics", err)
	}
	if row.TradeCount == 0 {
		return model.TradeMetrics{}, false, nil
	}
	return toMetrics(row), true, nil
}

func (p *Postgres) AggregateMetricsByDimensions(ctx context.Context, dims model.PositionDimensions, businessDate time.Time, basis model.DateBasis) (model.TradeMetrics, bool, error) {
	col := dateCol(basis)
	where, args := dimensionsWhere(dims)
	args = append(args, businessDate)
	var row metricsRow
	q := fmt.Sprintf(`SELECT %s FROM position_trades WHERE %s AND %s = $%d`, aggregateSelect, where, col, len(args))
	if err := p.db.GetContext(ctx, &row, q, args...); err != nil {
		return model.TradeMetrics{}, false, apperr.Transient("aggregateMetricsByDimensions", err)
	}
	if row.TradeCount == 0 {
		return model.TradeMetrics{}, false, nil
	}
	return toMetrics(row), true, nil
}

func toMetrics(r metricsRow) model.TradeMetrics {
	return model.TradeMetrics{
		NetQuantity:     r.NetQuantity,
		GrossLong:       r.GrossLong,
		GrossShort:      r.GrossShort,
		TradeCount:      r.TradeCount,
		TotalNotional:   r.TotalNotional,
		LastSequenceNum: r.LastSequenceNum,
		LastTradeTime:   r.LastTradeTime,
	}
}

// --- SnapshotStore ---

type snapshotRow struct {
	PositionKey          string          `db:"position_key"`
	BusinessDate         time.Time       `db:"business_date"`
	NetQuantity          int64           `db:"net_quantity"`
	GrossLong            int64           `db:"gross_long"`
	GrossShort           int64           `db:"gross_short"`
	TradeCount           int64           `db:"trade_count"`
	TotalNotional        decimal.Decimal `db:"total_notional"`
	CalculationVersion   int64           `db:"calculation_version"`
	CalculatedAt         time.Time       `db:"calculated_at"`
	CalculationMethod    string          `db:"calculation_method"`
	CalculationRequestID string          `db:"calculation_request_id"`
	LastSequenceNum      int64           `db:"last_sequence_num"`
	LastTradeTime        time.Time       `db:"last_trade_time"`
}

func (r snapshotRow) toModel(basis model.DateBasis) model.PositionSnapshot {
	return model.PositionSnapshot{
		PositionKey:          r.PositionKey,
		BusinessDate:         r.BusinessDate,
		DateBasis:            basis,
		NetQuantity:          r.NetQuantity,
		GrossLong:            r.GrossLong,
		GrossShort:           r.GrossShort,
		TradeCount:           r.TradeCount,
		TotalNotional:        r.TotalNotional,
		CalculationVersion:   r.CalculationVersion,
		CalculatedAt:         r.CalculatedAt,
		CalculationMethod:    model.CalculationMethod(r.CalculationMethod),
		CalculationRequestID: r.CalculationRequestID,
		LastSequenceNum:      r.LastSequenceNum,
		LastTradeTime:        r.LastTradeTime,
	}
}

func (p *Postgres) FindSnapshot(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) (model.PositionSnapshot, bool, error) {
	table := "position_snapshots" + tableSuffix(basis)
	var row snapshotRow
	q := fmt.Sprintf(`SELECT position_key, business_date, net_quantity, gross_long, gross_short, trade_count, total_notional,
		calculation_version, calculated_at, calculation_method, calculation_request_id, last_sequence_num, last_trade_time
		FROM %s WHERE position_key = $1 AND business_date = $2`, table)
	err := p.db.GetContext(ctx, &row, q, positionKey, businessDate)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PositionSnapshot{}, false, nil
	}
	if err != nil {
		return model.PositionSnapshot{}, false, apperr.Transient("findSnapshot", err)
	}
	return row.toModel(basis), true, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap model.PositionSnapshot, basis model.DateBasis, reason model.ChangeReason) error {
	table := "position_snapshots" + tableSuffix(basis)
	historyTable := table + "_history"

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Transient("saveSnapshot", err)
	}
	defer tx.Rollback()

	var prior struct {
		CalculationVersion int64 `db:"calculation_version"`
		NetQuantity        int64 `db:"net_quantity"`
	}
	q := fmt.Sprintf(`SELECT calculation_version, net_quantity FROM %s WHERE position_key = $1 AND business_date = $2 FOR UPDATE`, table)
	err = tx.GetContext(ctx, &prior, q, snap.PositionKey, snap.BusinessDate)

	var version int64 = 1
	var previousNetQuantity *int64
	now := snap.CalculatedAt

	switch {
	case errors.Is(err, sql.ErrNoRows):
		insertQ := fmt.Sprintf(`INSERT INTO %s
			(position_key, business_date, net_quantity, gross_long, gross_short, trade_count, total_notional,
			 calculation_version, calculated_at, calculation_method, calculation_request_id, last_sequence_num, last_trade_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10,$11,$12)`, table)
		if _, err := tx.ExecContext(ctx, insertQ, snap.PositionKey, snap.BusinessDate, snap.NetQuantity, snap.GrossLong, snap.GrossShort,
			snap.TradeCount, snap.TotalNotional, now, string(snap.CalculationMethod), snap.CalculationRequestID, snap.LastSequenceNum, snap.LastTradeTime); err != nil {
			return apperr.Transient("saveSnapshot", err)
		}
	case err != nil:
		return apperr.Transient("saveSnapshot", err)
	default:
		version = prior.CalculationVersion + 1
		pn := prior.NetQuantity
		previousNetQuantity = &pn

		supersedeQ := fmt.Sprintf(`UPDATE %s SET superseded_at = $3 WHERE position_key = $1 AND business_date = $2 AND superseded_at IS NULL`, historyTable)
		if _, err := tx.ExecContext(ctx, supersedeQ, snap.PositionKey, snap.BusinessDate, now); err != nil {
			return apperr.Transient("saveSnapshot", err)
		}

		updateQ := fmt.Sprintf(`UPDATE %s SET
			net_quantity=$3, gross_long=$4, gross_short=$5, trade_count=$6, total_notional=$7,
			calculation_version=$8, calculated_at=$9, calculation_method=$10, calculation_request_id=$11,
			last_sequence_num=$12, last_trade_time=$13
			WHERE position_key=$1 AND business_date=$2`, table)
		if _, err := tx.ExecContext(ctx, updateQ, snap.PositionKey, snap.BusinessDate, snap.NetQuantity, snap.GrossLong, snap.GrossShort,
			snap.TradeCount, snap.TotalNotional, version, now, string(snap.CalculationMethod), snap.CalculationRequestID, snap.LastSequenceNum, snap.LastTradeTime); err != nil {
			return apperr.Transient("saveSnapshot", err)
		}
	}

	historyQ := fmt.Sprintf(`INSERT INTO %s
		(history_id, position_key, business_date, calculation_version, net_quantity, gross_long, gross_short, trade_count,
		 total_notional, calculated_at, superseded_at, change_reason, previous_net_quantity, calculation_request_id,
		 last_sequence_num, last_trade_time, calculation_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,$11,$12,$13,$14,$15,$16)`, historyTable)
	if _, err := tx.ExecContext(ctx, historyQ, uuid.NewString(), snap.PositionKey, snap.BusinessDate, version, snap.NetQuantity, snap.GrossLong,
		snap.GrossShort, snap.TradeCount, snap.TotalNotional, now, string(reason), previousNetQuantity, snap.CalculationRequestID,
		snap.LastSequenceNum, snap.LastTradeTime, string(snap.CalculationMethod)); err != nil {
		return apperr.Transient("saveSnapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Transient("saveSnapshot", err)
	}
	return nil
}

func (p *Postgres) FindSnapshotsForPosition(ctx context.Context, positionKey string, basis model.DateBasis, from, to time.Time) ([]model.PositionSnapshot, error) {
	table := "position_snapshots" + tableSuffix(basis)
	where := "position_key = $1"
	args := []any{positionKey}
	if !from.IsZero() {
		args = append(args, from)
		where += fmt.Sprintf(" AND business_date >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		where += fmt.Sprintf(" AND business_date <= $%d", len(args))
	}
	q := fmt.Sprintf(`SELECT position_key, business_date, net_quantity, gross_long, gross_short, trade_count, total_notional,
		calculation_version, calculated_at, calculation_method, calculation_request_id, last_sequence_num, last_trade_time
		FROM %s WHERE %s ORDER BY business_date ASC`, table, where)
	var rows []snapshotRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, apperr.Transient("findSnapshotsForPosition", err)
	}
	out := make([]model.PositionSnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.toModel(basis)
	}
	return out, nil
}

type historyRow struct {
	HistoryID            string          `db:"history_id"`
	PositionKey          string          `db:"position_key"`
	BusinessDate         time.Time       `db:"business_date"`
	CalculationVersion   int64           `db:"calculation_version"`
	NetQuantity          int64           `db:"net_quantity"`
	GrossLong            int64           `db:"gross_long"`
	GrossShort           int64           `db:"gross_short"`
	TradeCount           int64           `db:"trade_count"`
	TotalNotional        decimal.Decimal `db:"total_notional"`
	CalculatedAt         time.Time       `db:"calculated_at"`
	SupersededAt         *time.Time      `db:"superseded_at"`
	ChangeReason         string          `db:"change_reason"`
	PreviousNetQuantity  *int64          `db:"previous_net_quantity"`
	CalculationRequestID string          `db:"calculation_request_id"`
	LastSequenceNum      int64           `db:"last_sequence_num"`
	LastTradeTime        time.Time       `db:"last_trade_time"`
	CalculationMethod    string          `db:"calculation_method"`
}

func (r historyRow) toModel(basis model.DateBasis) model.PositionSnapshotHistory {
	return model.PositionSnapshotHistory{
		HistoryID:            r.HistoryID,
		PositionKey:          r.PositionKey,
		BusinessDate:         r.BusinessDate,
		DateBasis:            basis,
		CalculationVersion:   r.CalculationVersion,
		NetQuantity:          r.NetQuantity,
		GrossLong:            r.GrossLong,
		GrossShort:           r.GrossShort,
		TradeCount:           r.TradeCount,
		TotalNotional:        r.TotalNotional,
		CalculatedAt:         r.CalculatedAt,
		SupersededAt:         r.SupersededAt,
		ChangeReason:         model.ChangeReason(r.ChangeReason),
		PreviousNetQuantity:  r.PreviousNetQuantity,
		CalculationRequestID: r.CalculationRequestID,
		LastSequenceNum:      r.LastSequenceNum,
		LastTradeTime:        r.LastTradeTime,
		CalculationMethod:    model.CalculationMethod(r.CalculationMethod),
	}
}

func (p *Postgres) FindSnapshotHistory(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionSnapshotHistory, error) {
	table := "position_snapshots" + tableSuffix(basis) + "_history"
	q := fmt.Sprintf(`SELECT history_id, position_key, business_date, calculation_version, net_quantity, gross_long, gross_short,
		trade_count, total_notional, calculated_at, superseded_at, change_reason, previous_net_quantity, calculation_request_id,
		last_sequence_num, last_trade_time, calculation_method
		FROM %s WHERE position_key = $1 AND business_date = $2 ORDER BY calculation_version ASC`, table)
	var rows []historyRow
	if err := p.db.SelectContext(ctx, &rows, q, positionKey, businessDate); err != nil {
		return nil, apperr.Transient("findSnapshotHistory", err)
	}
	out := make([]model.PositionSnapshotHistory, len(rows))
	for i, r := range rows {
		out[i] = r.toModel(basis)
	}
	return out, nil
}

// --- PriceStore ---

type priceRow struct {
	PositionKey        string          `db:"position_key"`
	BusinessDate       time.Time       `db:"business_date"`
	PriceMethod        string          `db:"price_method"`
	Price              decimal.Decimal `db:"price"`
	MethodData         []byte          `db:"method_data"`
	CalculationVersion int64           `db:"calculation_version"`
	CalculatedAt       time.Time       `db:"calculated_at"`
}

func (r priceRow) toModel(basis model.DateBasis) (model.PositionAveragePrice, error) {
	var md model.WacMethodData
	if len(r.MethodData) > 0 {
		if err := json.Unmarshal(r.MethodData, &md); err != nil {
			return model.PositionAveragePrice{}, fmt.Errorf("unmarshal methodData: %w", err)
		}
	}
	return model.PositionAveragePrice{
		PositionKey:        r.PositionKey,
		BusinessDate:       r.BusinessDate,
		PriceMethod:        model.PriceMethod(r.PriceMethod),
		DateBasis:          basis,
		Price:              r.Price,
		MethodData:         md,
		CalculationVersion: r.CalculationVersion,
		CalculatedAt:       r.CalculatedAt,
	}, nil
}

func (p *Postgres) FindPrice(ctx context.Context, positionKey string, businessDate time.Time, method model.PriceMethod, basis model.DateBasis) (model.PositionAveragePrice, bool, error) {
	table := "position_average_prices" + tableSuffix(basis)
	var row priceRow
	q := fmt.Sprintf(`SELECT position_key, business_date, price_method, price, method_data, calculation_version, calculated_at
		FROM %s WHERE position_key = $1 AND business_date = $2 AND price_method = $3`, table)
	err := p.db.GetContext(ctx, &row, q, positionKey, businessDate, string(method))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PositionAveragePrice{}, false, nil
	}
	if err != nil {
		return model.PositionAveragePrice{}, false, apperr.Transient("findPrice", err)
	}
	out, err := row.toModel(basis)
	if err != nil {
		return model.PositionAveragePrice{}, false, apperr.Malformed("findPrice", err)
	}
	return out, true, nil
}

func (p *Postgres) FindPricesForSnapshot(ctx context.Context, positionKey string, businessDate time.Time, basis model.DateBasis) ([]model.PositionAveragePrice, error) {
	table := "position_average_prices" + tableSuffix(basis)
	q := fmt.Sprintf(`SELECT position_key, business_date, price_method, price, method_data, calculation_version, calculated_at
		FROM %s WHERE position_key = $1 AND business_date = $2`, table)
	var rows []priceRow
	if err := p.db.SelectContext(ctx, &rows, q, positionKey, businessDate); err != nil {
		return nil, apperr.Transient("findPricesForSnapshot", err)
	}
	out := make([]model.PositionAveragePrice, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel(basis)
		if err != nil {
			return nil, apperr.Malformed("findPricesForSnapshot", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Postgres) SavePrice(ctx context.Context, price model.PositionAveragePrice, basis model.DateBasis) error {
	table := "position_average_prices" + tableSuffix(basis)
	methodData, err := json.Marshal(price.MethodData)
	if err != nil {
		return apperr.Invariant("savePrice", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (position_key, business_date, price_method, price, method_data, calculation_version, calculated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (position_key, business_date, price_method) DO UPDATE SET
			price = EXCLUDED.price, method_data = EXCLUDED.method_data,
			calculation_version = EXCLUDED.calculation_version, calculated_at = EXCLUDED.calculated_at`, table)
	if _, err := p.db.ExecContext(ctx, q, price.PositionKey, price.BusinessDate, string(price.PriceMethod), price.Price, methodData, price.CalculationVersion, price.CalculatedAt); err != nil {
		return apperr.Transient("savePrice", err)
	}
	return nil
}

// --- ConfigStore ---

type configRow struct {
	ConfigID     int64     `db:"config_id"`
	ConfigType   string    `db:"config_type"`
	Name         string    `db:"name"`
	KeyFormat    string    `db:"key_format"`
	PriceMethods string    `db:"price_methods"`
	Scope        []byte    `db:"scope"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r configRow) toModel() (model.PositionConfig, error) {
	var scope model.Scope
	if err := json.Unmarshal(r.Scope, &scope); err != nil {
		return model.PositionConfig{}, fmt.Errorf("unmarshal scope: %w", err)
	}
	methods := pq.StringArray{}
	for _, m := range splitComma(r.PriceMethods) {
		methods = append(methods, m)
	}
	pms := make([]model.PriceMethod, len(methods))
	for i, m := range methods {
		pms[i] = model.PriceMethod(m)
	}
	return model.PositionConfig{
		ConfigID:     r.ConfigID,
		Type:         model.ConfigType(r.ConfigType),
		Name:         r.Name,
		KeyFormat:    model.KeyFormat(r.KeyFormat),
		PriceMethods: pms,
		Scope:        scope,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinComma(methods []model.PriceMethod) string {
	s := ""
	for i, m := range methods {
		if i > 0 {
			s += ","
		}
		s += string(m)
	}
	return s
}

func (p *Postgres) queryConfigs(ctx context.Context, where string, args ...any) ([]model.PositionConfig, error) {
	q := fmt.Sprintf(`SELECT config_id, config_type, name, key_format, price_methods, scope, active, created_at, updated_at
		FROM position_configs WHERE %s ORDER BY config_id ASC`, where)
	var rows []configRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, apperr.Transient("queryConfigs", err)
	}
	out := make([]model.PositionConfig, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, apperr.Malformed("queryConfigs", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *Postgres) FindAll(ctx context.Context) ([]model.PositionConfig, error) {
	return p.queryConfigs(ctx, "TRUE")
}

func (p *Postgres) FindActive(ctx context.Context) ([]model.PositionConfig, error) {
	return p.queryConfigs(ctx, "active = TRUE")
}

func (p *Postgres) FindByID(ctx context.Context, configID int64) (model.PositionConfig, bool, error) {
	rows, err := p.queryConfigs(ctx, "config_id = $1", configID)
	if err != nil {
		return model.PositionConfig{}, false, err
	}
	if len(rows) == 0 {
		return model.PositionConfig{}, false, nil
	}
	return rows[0], true, nil
}

func (p *Postgres) Create(ctx context.Context, cfg model.PositionConfig) (model.PositionConfig, error) {
	scope, err := json.Marshal(cfg.Scope)
	if err != nil {
		return model.PositionConfig{}, apperr.Invariant("createConfig", err)
	}
	var id int64
	err = p.db.GetContext(ctx, &id, `
		INSERT INTO position_configs (config_type, name, key_format, price_methods, scope, active)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING config_id`,
		string(cfg.Type), cfg.Name, string(cfg.KeyFormat), joinComma(cfg.PriceMethods), scope, cfg.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return model.PositionConfig{}, apperr.Constraint("createConfig", err)
		}
		return model.PositionConfig{}, apperr.Transient("createConfig", err)
	}
	cfg.ConfigID = id
	return cfg, nil
}

func (p *Postgres) Update(ctx context.Context, cfg model.PositionConfig) error {
	scope, err := json.Marshal(cfg.Scope)
	if err != nil {
		return apperr.Invariant("updateConfig", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE position_configs SET name=$2, key_format=$3, price_methods=$4, scope=$5, active=$6, updated_at=now()
		WHERE config_id=$1`, cfg.ConfigID, cfg.Name, string(cfg.KeyFormat), joinComma(cfg.PriceMethods), scope, cfg.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Constraint("updateConfig", err)
		}
		return apperr.Transient("updateConfig", err)
	}
	return nil
}

func (p *Postgres) Deactivate(ctx context.Context, configID int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE position_configs SET active = FALSE, updated_at = now() WHERE config_id = $1`, configID)
	if err != nil {
		return apperr.Transient("deactivateConfig", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
