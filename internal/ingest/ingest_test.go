package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/postrack/positions/internal/configcache"
	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/store"
)

type capturingPublisher struct {
	mu       sync.Mutex
	requests []model.CalcRequest
}

func (p *capturingPublisher) Publish(_ context.Context, req model.CalcRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

func (p *capturingPublisher) all() []model.CalcRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.CalcRequest(nil), p.requests...)
}

func tradeEvent(seq int64, qty int64, price, tradeDate, settlementDate string) model.TradeEvent {
	return model.TradeEvent{
		SequenceNum:    seq,
		Book:           "B",
		Counterparty:   "C",
		Instrument:     "I",
		SignedQuantity: qty,
		Price:          price,
		TradeTime:      time.Now().UTC(),
		TradeDate:      tradeDate,
		SettlementDate: settlementDate,
		Source:         "TEST",
		SourceID:       "s",
	}
}

func newHarness() (*Coordinator, store.Store, *capturingPublisher) {
	s := store.NewMemory()
	cache := configcache.New(storeAdapter{s})
	pub := &capturingPublisher{}
	return NewCoordinator(s, cache, pub), s, pub
}

type storeAdapter struct{ s store.Store }

func (a storeAdapter) FindActive(ctx context.Context) ([]model.PositionConfig, error) {
	return a.s.FindActive(ctx)
}

func TestSingleBuyFromFlatProducesOneInitialCalcRequestPerBasis(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	res, err := coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(1, 1000, "150.000000", "2025-01-20", "2025-01-22"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TradesInserted != 1 {
		t.Fatalf("expected 1 trade inserted, got %d", res.TradesInserted)
	}
	requests := pub.all()
	if len(requests) != 2 {
		t.Fatalf("expected 2 calc requests (trade-date + settlement-date basis), got %d", len(requests))
	}
	for _, r := range requests {
		if r.ChangeReason != model.ChangeInitial {
			t.Errorf("expected INITIAL change reason, got %v", r.ChangeReason)
		}
		if r.PositionKey != "B#C#I" {
			t.Errorf("expected canonical key B#C#I, got %q", r.PositionKey)
		}
	}
}

func TestThreeTradesSameDayProduceOneDedupedCalcRequestPerBasis(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	_, err := coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(1, 1000, "150", "2025-01-20", "2025-01-22"),
		tradeEvent(2, 500, "160", "2025-01-20", "2025-01-22"),
		tradeEvent(3, -400, "155", "2025-01-20", "2025-01-22"),
	})
	if err != nil {
		t.Fatal(err)
	}
	requests := pub.all()
	if len(requests) != 2 {
		t.Fatalf("expected exactly 2 deduplicated calc requests, got %d: %+v", len(requests), requests)
	}
	for _, r := range requests {
		if r.TriggeringTradeSequence != 3 {
			t.Errorf("expected merged intent to carry max sequenceNum=3, got %d", r.TriggeringTradeSequence)
		}
	}
}

func TestDuplicateSequenceNumInsertedOnceAndNoCalcRequestOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	ev := tradeEvent(5001, 1000, "150", "2025-01-20", "2025-01-22")
	res1, err := coord.ProcessBatch(ctx, []model.TradeEvent{ev})
	if err != nil {
		t.Fatal(err)
	}
	if res1.TradesInserted != 1 {
		t.Fatalf("expected 1 trade inserted on first attempt, got %d", res1.TradesInserted)
	}
	firstCount := len(pub.all())

	res2, err := coord.ProcessBatch(ctx, []model.TradeEvent{ev})
	if err != nil {
		t.Fatal(err)
	}
	if res2.TradesInserted != 0 {
		t.Fatalf("expected 0 trades inserted on duplicate attempt, got %d", res2.TradesInserted)
	}
	if len(pub.all()) != firstCount {
		t.Fatalf("duplicate batch should not publish new calc requests, had %d now %d", firstCount, len(pub.all()))
	}
}

func TestLateTradeCascadesOverCalendarRangeUpToPriorWatermark(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	_, err := coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(1, 100, "50", "2025-01-20", "2025-01-22"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(2, 200, "55", "2025-01-22", "2025-01-24"),
	})
	if err != nil {
		t.Fatal(err)
	}
	pub.requests = nil

	// Late trade dated Jan 21, strictly before the Jan 22 watermark: must
	// cascade across Jan 21 and Jan 22 with LATE_TRADE.
	_, err = coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(3, 300, "48", "2025-01-21", "2025-01-23"),
	})
	if err != nil {
		t.Fatal(err)
	}

	tradeDateReqs := map[string]model.CalcRequest{}
	for _, r := range pub.all() {
		if r.DateBasis == model.TradeDate {
			tradeDateReqs[model.FormatBusinessDate(r.BusinessDate)] = r
		}
	}
	jan21, ok := tradeDateReqs["2025-01-21"]
	if !ok {
		t.Fatal("expected a calc request for 2025-01-21")
	}
	if jan21.ChangeReason != model.ChangeLateTrade {
		t.Errorf("2025-01-21 should be LATE_TRADE, got %v", jan21.ChangeReason)
	}
	jan22, ok := tradeDateReqs["2025-01-22"]
	if !ok {
		t.Fatal("expected a cascaded calc request for 2025-01-22")
	}
	if jan22.ChangeReason != model.ChangeLateTrade {
		t.Errorf("2025-01-22 should be cascaded as LATE_TRADE, got %v", jan22.ChangeReason)
	}
}

func TestCascadedCalcRequestsPublishInAscendingBusinessDateOrder(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	_, err := coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(1, 100, "50", "2025-01-20", "2025-01-20"),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(2, 200, "55", "2025-01-25", "2025-01-25"),
	})
	if err != nil {
		t.Fatal(err)
	}
	pub.requests = nil

	// Late trade dated Jan 21 against a Jan 25 watermark cascades across
	// five calendar days; calcengine's cross-day-incremental strategy
	// requires these to reach the log in ascending date order per
	// position+basis, not whatever order a map range happens to produce.
	_, err = coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(3, 300, "48", "2025-01-21", "2025-01-21"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var tradeDateOrder []string
	for _, r := range pub.all() {
		if r.DateBasis == model.TradeDate {
			tradeDateOrder = append(tradeDateOrder, model.FormatBusinessDate(r.BusinessDate))
		}
	}
	want := []string{"2025-01-21", "2025-01-22", "2025-01-23", "2025-01-24", "2025-01-25"}
	if len(tradeDateOrder) != len(want) {
		t.Fatalf("expected %d cascaded trade-date requests, got %d: %v", len(want), len(tradeDateOrder), tradeDateOrder)
	}
	for i, date := range want {
		if tradeDateOrder[i] != date {
			t.Errorf("publish order[%d] = %s, want %s (full order: %v)", i, tradeDateOrder[i], date, tradeDateOrder)
		}
	}
}

func TestFirstTradeEverDoesNotCascadeWithNilWatermark(t *testing.T) {
	ctx := context.Background()
	coord, _, pub := newHarness()

	_, err := coord.ProcessBatch(ctx, []model.TradeEvent{
		tradeEvent(1, 100, "50", "2025-01-20", "2025-01-22"),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range pub.all() {
		if r.ChangeReason != model.ChangeInitial {
			t.Errorf("first-ever trade for a coordinate must not cascade, got %v", r.ChangeReason)
		}
	}
}
