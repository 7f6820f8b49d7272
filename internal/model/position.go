package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionConfig is the static-ish descriptor of one position view.
// Mutated only via the external config CRUD collaborator; the core
// treats it as read-mostly, cached by internal/configcache.
type PositionConfig struct {
	ConfigID     int64
	Type         ConfigType
	Name         string
	KeyFormat    KeyFormat
	PriceMethods []PriceMethod
	Scope        Scope
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPriceMethod reports whether m is among this config's price methods.
func (c PositionConfig) HasPriceMethod(m PriceMethod) bool {
	for _, pm := range c.PriceMethods {
		if pm == m {
			return true
		}
	}
	return false
}

// PositionDimensions is the nullable dimensional projection of a trade
// relevant to one KeyFormat — only the fields the format uses are
// non-empty.
type PositionDimensions struct {
	Book         *string
	Counterparty *string
	Instrument   *string
}

// PositionKey is the tuple (positionKey, configId) identifying one
// calculated view, carrying the cached "last seen date" watermarks the
// ingestion coordinator uses to classify late trades.
type PositionKey struct {
	PositionID         int64
	PositionKey        string
	ConfigID           int64
	ConfigType         ConfigType
	ConfigName         string
	Dimensions         PositionDimensions
	LastTradeDate      *time.Time
	LastSettlementDate *time.Time
	CreatedAt          time.Time
	CreatedBySequence  int64
}

// UpsertPositionKeyResult is returned by the persistence contract
// upsertPositionKey: the stable surrogate id, plus the watermarks as
// they stood *before* this upsert applied its max() — the ingestion
// coordinator needs the prior values to classify late trades.
type UpsertPositionKeyResult struct {
	PositionID              int64
	PriorLastTradeDate      *time.Time
	PriorLastSettlementDate *time.Time
}

// TradeMetrics is the full aggregate over a set of trades for one
// (position, business date) coordinate.
type TradeMetrics struct {
	NetQuantity     int64
	GrossLong       int64
	GrossShort      int64
	TradeCount      int64
	TotalNotional   decimal.Decimal
	LastSequenceNum int64
	LastTradeTime   time.Time
}

// ApplyTrade folds one trade's contribution into the running metrics, in
// ascending sequence order.
func (m TradeMetrics) ApplyTrade(t Trade) TradeMetrics {
	m.NetQuantity += t.SignedQuantity
	if t.SignedQuantity > 0 {
		m.GrossLong += t.SignedQuantity
	} else {
		m.GrossShort += -t.SignedQuantity
	}
	m.TradeCount++
	m.TotalNotional = m.TotalNotional.Add(t.Notional())
	m.LastSequenceNum = t.SequenceNum
	if t.TradeTime.After(m.LastTradeTime) {
		m.LastTradeTime = t.TradeTime
	}
	return m
}

// AggregateTradeMetrics folds ApplyTrade over trades in ascending
// sequence order, starting from a zero TradeMetrics. Returns the zero
// value and false if trades is empty: an empty trade set writes no
// snapshot.
func AggregateTradeMetrics(trades []Trade) (TradeMetrics, bool) {
	if len(trades) == 0 {
		return TradeMetrics{}, false
	}
	var m TradeMetrics
	for _, t := range trades {
		m = m.ApplyTrade(t)
	}
	return m, true
}

// PositionSnapshot is the current computed position for one
// (positionKey, businessDate, dateBasis) coordinate.
type PositionSnapshot struct {
	PositionKey          string
	BusinessDate         time.Time
	DateBasis            DateBasis
	NetQuantity          int64
	GrossLong            int64
	GrossShort           int64
	TradeCount           int64
	TotalNotional        decimal.Decimal
	CalculationVersion   int64
	CalculatedAt         time.Time
	CalculationMethod    CalculationMethod
	CalculationRequestID string
	LastSequenceNum      int64
	LastTradeTime        time.Time
}

// FromMetrics builds the metric fields of a snapshot from an aggregate,
// leaving bookkeeping fields for the caller (calc engine) to fill in.
func (s PositionSnapshot) FromMetrics(m TradeMetrics) PositionSnapshot {
	s.NetQuantity = m.NetQuantity
	s.GrossLong = m.GrossLong
	s.GrossShort = m.GrossShort
	s.TradeCount = m.TradeCount
	s.TotalNotional = m.TotalNotional
	s.LastSequenceNum = m.LastSequenceNum
	s.LastTradeTime = m.LastTradeTime
	return s
}

// PositionSnapshotHistory is one append-only entry in a snapshot's
// bitemporal history.
type PositionSnapshotHistory struct {
	HistoryID            string // UUID, see DESIGN.md
	PositionKey          string
	BusinessDate         time.Time
	DateBasis            DateBasis
	CalculationVersion   int64
	NetQuantity          int64
	GrossLong            int64
	GrossShort           int64
	TradeCount           int64
	TotalNotional        decimal.Decimal
	CalculatedAt         time.Time
	SupersededAt         *time.Time
	ChangeReason         ChangeReason
	PreviousNetQuantity  *int64
	CalculationRequestID string
	LastSequenceNum      int64
	LastTradeTime        time.Time
	CalculationMethod    CalculationMethod
}

// WacMethodData is the WAC-specific payload of PositionAveragePrice's
// methodData JSON column.
type WacMethodData struct {
	TotalCostBasis      decimal.Decimal `json:"totalCostBasis"`
	LastUpdatedSequence int64           `json:"lastUpdatedSequence"`
}

// PositionAveragePrice is one (positionKey, businessDate, priceMethod,
// dateBasis) price row.
type PositionAveragePrice struct {
	PositionKey        string
	BusinessDate       time.Time
	PriceMethod        PriceMethod
	DateBasis          DateBasis
	Price              decimal.Decimal
	MethodData         WacMethodData
	CalculationVersion int64
	CalculatedAt       time.Time
}

// CalcIntent is the deduplicated, in-memory intent the ingestion
// coordinator builds before publishing.
type CalcIntent struct {
	PositionID   int64
	PositionKey  string
	DateBasis    DateBasis
	BusinessDate time.Time
	SequenceNum  int64
	ChangeReason ChangeReason
	Config       PositionConfig
}

// CalcRequest is the wire shape of a message on the calc-request log.
type CalcRequest struct {
	RequestID               string
	PositionID              int64
	PositionKey             string
	DateBasis               DateBasis
	BusinessDate            time.Time
	PriceMethods            []PriceMethod
	TriggeringTradeSequence int64
	ChangeReason            ChangeReason
	KeyFormat               KeyFormat
}
