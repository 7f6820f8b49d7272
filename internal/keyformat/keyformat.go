// Package keyformat generates and parses position key strings from trade
// dimensions and projects the dimensions a given key format cares about.
package keyformat

import (
	"fmt"
	"strings"

	"github.com/postrack/positions/internal/model"
)

// Generate joins the dimensions relevant to format with '#', in the
// format's fixed order.
func Generate(format model.KeyFormat, book, counterparty, instrument string) (string, error) {
	parts, err := dimensionsFor(format, book, counterparty, instrument)
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "#"), nil
}

func dimensionsFor(format model.KeyFormat, book, counterparty, instrument string) ([]string, error) {
	switch format {
	case model.KeyBookCounterpartyInstrument:
		return []string{book, counterparty, instrument}, nil
	case model.KeyBookInstrument:
		return []string{book, instrument}, nil
	case model.KeyCounterpartyInstrument:
		return []string{counterparty, instrument}, nil
	case model.KeyInstrument:
		return []string{instrument}, nil
	case model.KeyBook:
		return []string{book}, nil
	default:
		return nil, &model.ErrUnknownTag{Kind: "keyFormat", Tag: string(format)}
	}
}

// Dimensions projects the nullable (book, counterparty, instrument)
// columns a position_keys row carries for format: only those the format
// uses are populated, the rest are left nil.
func Dimensions(format model.KeyFormat, book, counterparty, instrument string) (model.PositionDimensions, error) {
	var d model.PositionDimensions
	switch format {
	case model.KeyBookCounterpartyInstrument:
		d.Book, d.Counterparty, d.Instrument = &book, &counterparty, &instrument
	case model.KeyBookInstrument:
		d.Book, d.Instrument = &book, &instrument
	case model.KeyCounterpartyInstrument:
		d.Counterparty, d.Instrument = &counterparty, &instrument
	case model.KeyInstrument:
		d.Instrument = &instrument
	case model.KeyBook:
		d.Book = &book
	default:
		return model.PositionDimensions{}, &model.ErrUnknownTag{Kind: "keyFormat", Tag: string(format)}
	}
	return d, nil
}

// Parse splits a position key string back into its dimensions per
// format, the inverse of Generate. Returned fields not used by format
// are left empty.
func Parse(format model.KeyFormat, key string) (model.PositionDimensions, error) {
	parts := strings.Split(key, "#")
	want, err := arity(format)
	if err != nil {
		return model.PositionDimensions{}, err
	}
	if len(parts) != want {
		return model.PositionDimensions{}, fmt.Errorf("keyformat: key %q has %d segments, format %s wants %d", key, len(parts), format, want)
	}
	switch format {
	case model.KeyBookCounterpartyInstrument:
		return Dimensions(format, parts[0], parts[1], parts[2])
	case model.KeyBookInstrument:
		return Dimensions(format, parts[0], "", parts[1])
	case model.KeyCounterpartyInstrument:
		return Dimensions(format, "", parts[0], parts[1])
	case model.KeyInstrument:
		return Dimensions(format, "", "", parts[0])
	case model.KeyBook:
		return Dimensions(format, parts[0], "", "")
	default:
		return model.PositionDimensions{}, &model.ErrUnknownTag{Kind: "keyFormat", Tag: string(format)}
	}
}

func arity(format model.KeyFormat) (int, error) {
	switch format {
	case model.KeyBookCounterpartyInstrument:
		return 3, nil
	case model.KeyBookInstrument, model.KeyCounterpartyInstrument:
		return 2, nil
	case model.KeyInstrument, model.KeyBook:
		return 1, nil
	default:
		return 0, &model.ErrUnknownTag{Kind: "keyFormat", Tag: string(format)}
	}
}

// IsBCI reports whether format is the canonical BOOK_COUNTERPARTY_INSTRUMENT
// format, which aggregates directly by positionKey rather than by
// dimension projection.
func IsBCI(format model.KeyFormat) bool {
	return format == model.KeyBookCounterpartyInstrument
}
