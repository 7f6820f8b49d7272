package calcengine

import (
	"context"
	"testing"

	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/store"
)

// buildCalcRequestLog runs a realistic multi-day sequence against s,
// including a late-trade cascade that touches an intermediate day with
// no trades of its own, and returns the ordered list of calc requests
// that a coordinator would have published for it.
func buildCalcRequestLog(t *testing.T, ctx context.Context, s store.Store) []model.CalcRequest {
	t.Helper()

	trades := []model.Trade{
		mustTrade(t, 1, 1000, "150", day(20)),
		mustTrade(t, 2, 500, "160", day(21)),
		mustTrade(t, 3, -300, "155", day(23)),
		mustTrade(t, 4, 200, "140", day(21)), // late trade, dated before the day-23 watermark
	}
	for _, tr := range trades {
		if _, err := s.InsertTrade(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	requests := []model.CalcRequest{
		req(day(20), model.ChangeInitial, 1),
		req(day(21), model.ChangeInitial, 2),
		req(day(23), model.ChangeInitial, 3),
		// The day-21 late trade cascades across every day up to the prior
		// watermark (day 23), landing on days 21, 22, and 23.
		req(day(21), model.ChangeLateTrade, 4),
		req(day(22), model.ChangeLateTrade, 4),
		req(day(23), model.ChangeLateTrade, 4),
	}
	return requests
}

// replayLog runs requests through a fresh engine over s in order and
// returns every snapshot it produced, keyed by businessDate.
func replayLog(t *testing.T, ctx context.Context, s store.Store, requests []model.CalcRequest) map[string]model.PositionSnapshot {
	t.Helper()
	e := New(s, fixedNow(day(25)))
	for _, r := range requests {
		if _, err := e.Process(ctx, r); err != nil {
			t.Fatalf("processing %+v: %v", r, err)
		}
	}
	out := map[string]model.PositionSnapshot{}
	for _, r := range requests {
		key := model.FormatBusinessDate(r.BusinessDate)
		snap, ok, err := s.FindSnapshot(ctx, r.PositionKey, r.BusinessDate, r.DateBasis)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected a snapshot for %s", key)
		}
		out[key] = snap
	}
	return out
}

// TestReplayingCalcRequestLogOnFreshStoreReproducesOriginalSnapshots
// verifies the round-trip property: replaying the same ordered
// calc-request log against a second store, seeded with the same
// trades but with no prior snapshot history, produces snapshots equal
// in their economically meaningful fields to the ones produced the
// first time around. CalculatedAt and CalculationRequestID are
// expected to differ (they are replay metadata, not economics), so
// the comparison excludes them.
func TestReplayingCalcRequestLogOnFreshStoreReproducesOriginalSnapshots(t *testing.T) {
	ctx := context.Background()

	original := store.NewMemory()
	originalLog := buildCalcRequestLog(t, ctx, original)
	originalSnapshots := replayLog(t, ctx, original, originalLog)

	derived := store.NewMemory()
	derivedLog := buildCalcRequestLog(t, ctx, derived)
	derivedSnapshots := replayLog(t, ctx, derived, derivedLog)

	if len(originalSnapshots) != len(derivedSnapshots) {
		t.Fatalf("snapshot count mismatch: original=%d derived=%d", len(originalSnapshots), len(derivedSnapshots))
	}
	for date, want := range originalSnapshots {
		got, ok := derivedSnapshots[date]
		if !ok {
			t.Fatalf("derived store missing a snapshot for %s", date)
		}
		assertSameEconomics(t, date, want, got)
	}
}

// TestReplayingCalcRequestLogTwiceOnSameStoreIsIdempotent runs the same
// log twice over one store (as a crash-recovery replay would) and
// checks the second pass reproduces identical snapshots rather than
// drifting from double-applying trades.
func TestReplayingCalcRequestLogTwiceOnSameStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	requestLog := buildCalcRequestLog(t, ctx, s)

	first := replayLog(t, ctx, s, requestLog)
	second := replayLog(t, ctx, s, requestLog)

	for date, want := range first {
		got, ok := second[date]
		if !ok {
			t.Fatalf("second replay missing a snapshot for %s", date)
		}
		assertSameEconomics(t, date, want, got)
	}
}

func assertSameEconomics(t *testing.T, date string, want, got model.PositionSnapshot) {
	t.Helper()
	if want.NetQuantity != got.NetQuantity {
		t.Errorf("%s: netQuantity = %d, want %d", date, got.NetQuantity, want.NetQuantity)
	}
	if want.GrossLong != got.GrossLong {
		t.Errorf("%s: grossLong = %d, want %d", date, got.GrossLong, want.GrossLong)
	}
	if want.GrossShort != got.GrossShort {
		t.Errorf("%s: grossShort = %d, want %d", date, got.GrossShort, want.GrossShort)
	}
	if want.TradeCount != got.TradeCount {
		t.Errorf("%s: tradeCount = %d, want %d", date, got.TradeCount, want.TradeCount)
	}
	if !want.TotalNotional.Equal(got.TotalNotional) {
		t.Errorf("%s: totalNotional = %s, want %s", date, got.TotalNotional, want.TotalNotional)
	}
	if want.LastSequenceNum != got.LastSequenceNum {
		t.Errorf("%s: lastSequenceNum = %d, want %d", date, got.LastSequenceNum, want.LastSequenceNum)
	}
}
