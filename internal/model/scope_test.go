package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func scopeTrade() Trade {
	return Trade{
		SequenceNum:    1,
		Book:           "DESK1",
		Counterparty:   "GS",
		Instrument:     "AAPL",
		SignedQuantity: 100,
		Price:          decimal.RequireFromString("150"),
		TradeTime:      time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		TradeDate:      time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		SettlementDate: time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
		Source:         "BLOOMBERG",
		SourceID:       "s1",
	}
}

func TestAllScopeMatchesEveryTrade(t *testing.T) {
	if !AllScope().Matches(scopeTrade()) {
		t.Fatal("AllScope must match every trade")
	}
}

func TestCriteriaScopeMatchesOnEveryFieldEqual(t *testing.T) {
	s := CriteriaScope(map[ScopeField]string{
		ScopeFieldBook:         "DESK1",
		ScopeFieldCounterparty: "GS",
	})
	if !s.Matches(scopeTrade()) {
		t.Fatal("expected scope to match a trade satisfying every criterion")
	}
}

func TestCriteriaScopeRejectsOnSingleFieldMismatch(t *testing.T) {
	cases := []struct {
		name     string
		criteria map[ScopeField]string
	}{
		{"book mismatch", map[ScopeField]string{ScopeFieldBook: "DESK2"}},
		{"counterparty mismatch", map[ScopeField]string{ScopeFieldCounterparty: "MS"}},
		{"instrument mismatch", map[ScopeField]string{ScopeFieldInstrument: "MSFT"}},
		{"source mismatch", map[ScopeField]string{ScopeFieldSource: "REUTERS"}},
		{"one of several mismatches", map[ScopeField]string{
			ScopeFieldBook:       "DESK1",
			ScopeFieldInstrument: "MSFT",
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := CriteriaScope(c.criteria)
			if s.Matches(scopeTrade()) {
				t.Fatalf("expected scope with criteria %+v not to match", c.criteria)
			}
		})
	}
}

func TestCriteriaScopeWithEmptyMapMatchesEverything(t *testing.T) {
	s := CriteriaScope(map[ScopeField]string{})
	if !s.Matches(scopeTrade()) {
		t.Fatal("an empty CRITERIA map has no predicates to fail, so it must match")
	}
}

func TestScopeJSONRoundTripPreservesAllVariant(t *testing.T) {
	s := AllScope()
	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var got Scope
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if !got.IsAll() {
		t.Fatal("round-tripped ALL scope must still report IsAll")
	}
}

func TestScopeJSONRoundTripPreservesCriteriaVariant(t *testing.T) {
	s := CriteriaScope(map[ScopeField]string{ScopeFieldBook: "DESK1", ScopeFieldSource: "BLOOMBERG"})
	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var got Scope
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if got.IsAll() {
		t.Fatal("round-tripped CRITERIA scope must not report IsAll")
	}
	if len(got.Criteria()) != 2 || got.Criteria()[ScopeFieldBook] != "DESK1" || got.Criteria()[ScopeFieldSource] != "BLOOMBERG" {
		t.Fatalf("round-tripped criteria mismatch: %+v", got.Criteria())
	}
}

func TestScopeUnmarshalJSONRejectsUnknownDiscriminator(t *testing.T) {
	var s Scope
	err := s.UnmarshalJSON([]byte(`{"type":"NONSENSE"}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized scope type tag")
	}
}

func TestScopeUnmarshalJSONRejectsUnknownCriteriaField(t *testing.T) {
	var s Scope
	err := s.UnmarshalJSON([]byte(`{"type":"CRITERIA","criteria":{"NOT_A_FIELD":"x"}}`))
	if err == nil {
		t.Fatal("expected an error for an unrecognized criteria field name")
	}
}
