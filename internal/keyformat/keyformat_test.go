package keyformat

import (
	"testing"

	"github.com/postrack/positions/internal/model"
)

func TestGenerateJoinsInFormatOrder(t *testing.T) {
	cases := []struct {
		format model.KeyFormat
		want   string
	}{
		{model.KeyBookCounterpartyInstrument, "BOOK1#CPTY1#AAPL"},
		{model.KeyBookInstrument, "BOOK1#AAPL"},
		{model.KeyCounterpartyInstrument, "CPTY1#AAPL"},
		{model.KeyInstrument, "AAPL"},
		{model.KeyBook, "BOOK1"},
	}
	for _, c := range cases {
		got, err := Generate(c.format, "BOOK1", "CPTY1", "AAPL")
		if err != nil {
			t.Fatalf("%s: %v", c.format, err)
		}
		if got != c.want {
			t.Errorf("%s: got %q, want %q", c.format, got, c.want)
		}
	}
}

func TestGenerateUnknownFormat(t *testing.T) {
	_, err := Generate(model.KeyFormat("BOGUS"), "a", "b", "c")
	if err == nil {
		t.Fatal("expected error for unknown key format")
	}
}

func TestDimensionsOnlyPopulatesRelevantFields(t *testing.T) {
	d, err := Dimensions(model.KeyInstrument, "BOOK1", "CPTY1", "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if d.Book != nil || d.Counterparty != nil {
		t.Errorf("expected only instrument populated, got %+v", d)
	}
	if d.Instrument == nil || *d.Instrument != "AAPL" {
		t.Errorf("instrument = %v, want AAPL", d.Instrument)
	}
}

func TestParseInvertsGenerate(t *testing.T) {
	formats := []model.KeyFormat{
		model.KeyBookCounterpartyInstrument,
		model.KeyBookInstrument,
		model.KeyCounterpartyInstrument,
		model.KeyInstrument,
		model.KeyBook,
	}
	for _, f := range formats {
		key, err := Generate(f, "BOOK1", "CPTY1", "AAPL")
		if err != nil {
			t.Fatal(err)
		}
		d, err := Parse(f, key)
		if err != nil {
			t.Fatalf("%s: parse %q: %v", f, key, err)
		}
		back, err := Generate(f, derefOr(d.Book, ""), derefOr(d.Counterparty, ""), derefOr(d.Instrument, ""))
		if err != nil {
			t.Fatal(err)
		}
		if back != key {
			t.Errorf("%s: round trip %q -> %q", f, key, back)
		}
	}
}

func TestParseWrongArity(t *testing.T) {
	_, err := Parse(model.KeyBook, "a#b")
	if err == nil {
		t.Fatal("expected arity mismatch error")
	}
}

func TestIsBCI(t *testing.T) {
	if !IsBCI(model.KeyBookCounterpartyInstrument) {
		t.Error("expected BOOK_COUNTERPARTY_INSTRUMENT to be BCI")
	}
	if IsBCI(model.KeyBook) {
		t.Error("expected BOOK not to be BCI")
	}
}

func derefOr(s *string, d string) string {
	if s == nil {
		return d
	}
	return *s
}
