package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable fact identified by a globally unique monotonic
// sequence number. Once inserted it is never mutated.
type Trade struct {
	SequenceNum    int64
	Book           string
	Counterparty   string
	Instrument     string
	SignedQuantity int64
	Price          decimal.Decimal
	TradeTime      time.Time
	TradeDate      time.Time // calendar date, time-of-day truncated; fixed UTC policy, see ToTrade
	SettlementDate time.Time
	Source         string
	SourceID       string
}

// Validate enforces the Trade invariants: non-zero signed quantity,
// strictly positive price, and (defensively) that the quantity magnitude
// does not hit the int64 overflow edge at math.MinInt64.
func (t Trade) Validate() error {
	if t.SequenceNum <= 0 {
		return fmt.Errorf("sequenceNum must be positive, got %d", t.SequenceNum)
	}
	if t.SignedQuantity == 0 {
		return fmt.Errorf("signedQuantity must be non-zero")
	}
	if t.SignedQuantity == math.MinInt64 {
		return fmt.Errorf("signedQuantity overflow: %d has no representable absolute value", t.SignedQuantity)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", t.Price.String())
	}
	if t.Book == "" || t.Counterparty == "" || t.Instrument == "" {
		return fmt.Errorf("book, counterparty, and instrument are required")
	}
	return nil
}

// AbsQuantity returns |SignedQuantity| as a non-negative int64. Callers
// must ensure Validate has rejected math.MinInt64 first.
func (t Trade) AbsQuantity() int64 {
	if t.SignedQuantity < 0 {
		return -t.SignedQuantity
	}
	return t.SignedQuantity
}

// Notional returns |signedQuantity| * price for this single trade.
func (t Trade) Notional() decimal.Decimal {
	return decimal.NewFromInt(t.AbsQuantity()).Mul(t.Price)
}

// BusinessDate returns the date relevant to basis: TradeDate for
// TRADE_DATE, SettlementDate for SETTLEMENT_DATE.
func (t Trade) BusinessDate(basis DateBasis) time.Time {
	if basis == SettlementDate {
		return t.SettlementDate
	}
	return t.TradeDate
}

// CanonicalKey returns the BOOK_COUNTERPARTY_INSTRUMENT key, which is
// always stored alongside the raw trade row regardless of which
// PositionConfig key formats are active, so that late-arriving configs
// can still aggregate over historical trades.
func (t Trade) CanonicalKey() string {
	return fmt.Sprintf("%s#%s#%s", t.Book, t.Counterparty, t.Instrument)
}

// TradeEvent is the wire shape of a message on the trade ingestion log.
// It parses into a Trade; a parse failure is a malformed input, logged
// and dropped, never retried.
type TradeEvent struct {
	SequenceNum    int64     `json:"sequenceNum"`
	Book           string    `json:"book"`
	Counterparty   string    `json:"counterparty"`
	Instrument     string    `json:"instrument"`
	SignedQuantity int64     `json:"signedQuantity"`
	Price          string    `json:"price"`
	TradeTime      time.Time `json:"tradeTime"`
	TradeDate      string    `json:"tradeDate"`      // YYYY-MM-DD
	SettlementDate string    `json:"settlementDate"` // YYYY-MM-DD
	Source         string    `json:"source"`
	SourceID       string    `json:"sourceId"`
}

const businessDateLayout = "2006-01-02"

// ToTrade converts the wire event into a domain Trade, parsing the price
// and the two calendar dates under a fixed UTC bare-calendar-date policy.
func (e TradeEvent) ToTrade() (Trade, error) {
	price, err := decimal.NewFromString(e.Price)
	if err != nil {
		return Trade{}, fmt.Errorf("parse price %q: %w", e.Price, err)
	}
	tradeDate, err := time.ParseInLocation(businessDateLayout, e.TradeDate, time.UTC)
	if err != nil {
		return Trade{}, fmt.Errorf("parse tradeDate %q: %w", e.TradeDate, err)
	}
	settlementDate, err := time.ParseInLocation(businessDateLayout, e.SettlementDate, time.UTC)
	if err != nil {
		return Trade{}, fmt.Errorf("parse settlementDate %q: %w", e.SettlementDate, err)
	}
	t := Trade{
		SequenceNum:    e.SequenceNum,
		Book:           e.Book,
		Counterparty:   e.Counterparty,
		Instrument:     e.Instrument,
		SignedQuantity: e.SignedQuantity,
		Price:          price,
		TradeTime:      e.TradeTime.UTC(),
		TradeDate:      tradeDate,
		SettlementDate: settlementDate,
		Source:         e.Source,
		SourceID:       e.SourceID,
	}
	return t, t.Validate()
}

// FormatBusinessDate renders a calendar date using the fixed policy.
func FormatBusinessDate(d time.Time) string {
	return d.Format(businessDateLayout)
}

// ParseBusinessDate parses a calendar date rendered by FormatBusinessDate.
func ParseBusinessDate(s string) (time.Time, error) {
	return time.ParseInLocation(businessDateLayout, s, time.UTC)
}
