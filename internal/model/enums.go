package model

import "fmt"

// DateBasis distinguishes the two independent snapshot views kept per
// position: one keyed by trade date, one by settlement date. Storage for
// the two bases is kept in logically identical but disjoint tables.
type DateBasis string

const (
	TradeDate      DateBasis = "TRADE_DATE"
	SettlementDate DateBasis = "SETTLEMENT_DATE"
)

func (b DateBasis) Valid() bool {
	switch b {
	case TradeDate, SettlementDate:
		return true
	}
	return false
}

// ChangeReason tags why a snapshot row was (re)written.
type ChangeReason string

const (
	ChangeInitial    ChangeReason = "INITIAL"
	ChangeLateTrade  ChangeReason = "LATE_TRADE"
	ChangeCorrection ChangeReason = "CORRECTION"
)

func (r ChangeReason) Valid() bool {
	switch r {
	case ChangeInitial, ChangeLateTrade, ChangeCorrection:
		return true
	}
	return false
}

// CalculationMethod records which strategy produced a snapshot.
type CalculationMethod string

const (
	FullRecalc  CalculationMethod = "FULL_RECALC"
	Incremental CalculationMethod = "INCREMENTAL"
)

// KeyFormat selects which trade dimensions compose a position key, and in
// what order they are joined with '#'.
type KeyFormat string

const (
	KeyBookCounterpartyInstrument KeyFormat = "BOOK_COUNTERPARTY_INSTRUMENT"
	KeyBookInstrument             KeyFormat = "BOOK_INSTRUMENT"
	KeyCounterpartyInstrument     KeyFormat = "COUNTERPARTY_INSTRUMENT"
	KeyInstrument                 KeyFormat = "INSTRUMENT"
	KeyBook                       KeyFormat = "BOOK"
)

func (k KeyFormat) Valid() bool {
	switch k {
	case KeyBookCounterpartyInstrument, KeyBookInstrument, KeyCounterpartyInstrument, KeyInstrument, KeyBook:
		return true
	}
	return false
}

// PriceMethod names a pluggable pricing method. Only WAC is implemented.
type PriceMethod string

const (
	PriceMethodWAC PriceMethod = "WAC"
)

// ScopeField names a trade dimension a CRITERIA scope can match on.
type ScopeField string

const (
	ScopeFieldBook         ScopeField = "BOOK"
	ScopeFieldCounterparty ScopeField = "COUNTERPARTY"
	ScopeFieldInstrument   ScopeField = "INSTRUMENT"
	ScopeFieldSource       ScopeField = "SOURCE"
)

func (f ScopeField) Valid() bool {
	switch f {
	case ScopeFieldBook, ScopeFieldCounterparty, ScopeFieldInstrument, ScopeFieldSource:
		return true
	}
	return false
}

// ConfigType categorizes a PositionConfig's ownership/visibility.
type ConfigType string

const (
	ConfigOfficial ConfigType = "OFFICIAL"
	ConfigUser     ConfigType = "USER"
	ConfigDesk     ConfigType = "DESK"
)

// ErrUnknownTag is returned by codecs when a persisted tagged variant
// carries a discriminator this binary does not recognize.
type ErrUnknownTag struct {
	Kind string
	Tag  string
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("%s: unknown tag %q", e.Kind, e.Tag)
}
