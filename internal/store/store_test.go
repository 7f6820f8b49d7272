package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/postrack/positions/internal/model"
)

func mustTrade(t *testing.T, seq int64, qty int64, price string, date time.Time) model.Trade {
	t.Helper()
	tr := model.Trade{
		SequenceNum:    seq,
		Book:           "B1",
		Counterparty:   "C1",
		Instrument:     "AAPL",
		SignedQuantity: qty,
		Price:          decimal.RequireFromString(price),
		TradeTime:      date,
		TradeDate:      date,
		SettlementDate: date.AddDate(0, 0, 2),
		Source:         "TEST",
		SourceID:       "t1",
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("invalid trade: %v", err)
	}
	return tr
}

func TestInsertTradeIsIdempotentBySequenceNum(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	day := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	tr := mustTrade(t, 1, 1000, "150", day)

	inserted, err := s.InsertTrade(ctx, tr)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertTrade(ctx, tr)
	if err != nil || inserted {
		t.Fatalf("second insert should be a no-op: inserted=%v err=%v", inserted, err)
	}

	trades, err := s.FindTradesByPositionKeyAndDate(ctx, tr.CanonicalKey(), day, model.TradeDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected exactly one trade row, got %d", len(trades))
	}
}

func TestBatchInsertTradesSkipsPreExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	day := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	a := mustTrade(t, 1, 1000, "150", day)
	b := mustTrade(t, 2, 500, "160", day)

	if _, err := s.InsertTrade(ctx, a); err != nil {
		t.Fatal(err)
	}
	inserted, err := s.BatchInsertTrades(ctx, []model.Trade{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 || inserted[0].SequenceNum != 2 {
		t.Fatalf("expected only seq=2 inserted, got %+v", inserted)
	}
}

func TestUpsertPositionKeyTracksWatermarksAsMax(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	day1 := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 21, 0, 0, 0, 0, time.UTC)

	res1, err := s.UpsertPositionKey(ctx, UpsertPositionKeyInput{
		PositionKey: "B1#C1#AAPL", ConfigID: 1, ConfigType: model.ConfigOfficial, ConfigName: "Official",
		TradeDate: day1, SettlementDate: day1.AddDate(0, 0, 2), SequenceNum: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res1.PriorLastTradeDate != nil {
		t.Errorf("first upsert should return nil prior watermark, got %v", res1.PriorLastTradeDate)
	}

	res2, err := s.UpsertPositionKey(ctx, UpsertPositionKeyInput{
		PositionKey: "B1#C1#AAPL", ConfigID: 1, ConfigType: model.ConfigOfficial, ConfigName: "Official",
		TradeDate: day2, SettlementDate: day2.AddDate(0, 0, 2), SequenceNum: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res2.PositionID != res1.PositionID {
		t.Errorf("positionId must be stable across upserts: %d != %d", res2.PositionID, res1.PositionID)
	}
	if res2.PriorLastTradeDate == nil || !res2.PriorLastTradeDate.Equal(day1) {
		t.Errorf("prior watermark should be day1, got %v", res2.PriorLastTradeDate)
	}

	// An earlier date must never regress the watermark.
	res3, err := s.UpsertPositionKey(ctx, UpsertPositionKeyInput{
		PositionKey: "B1#C1#AAPL", ConfigID: 1, ConfigType: model.ConfigOfficial, ConfigName: "Official",
		TradeDate: day1, SettlementDate: day1.AddDate(0, 0, 2), SequenceNum: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res3.PriorLastTradeDate == nil || !res3.PriorLastTradeDate.Equal(day2) {
		t.Errorf("watermark should still read day2 before this upsert, got %v", res3.PriorLastTradeDate)
	}
}

func TestSaveSnapshotMaintainsExactlyOneOpenHistoryRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	day := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	key := "B1#C1#AAPL"

	base := model.PositionSnapshot{
		PositionKey: key, BusinessDate: day, DateBasis: model.TradeDate,
		NetQuantity: 1000, GrossLong: 1000, TradeCount: 1,
		TotalNotional:     decimal.RequireFromString("150000"),
		CalculatedAt:      time.Date(2026, 1, 20, 18, 0, 0, 0, time.UTC),
		CalculationMethod: model.FullRecalc, CalculationRequestID: "r1", LastSequenceNum: 1,
	}
	if err := s.SaveSnapshot(ctx, base, model.TradeDate, model.ChangeInitial); err != nil {
		t.Fatal(err)
	}

	updated := base
	updated.NetQuantity = 1500
	updated.CalculatedAt = time.Date(2026, 1, 20, 19, 0, 0, 0, time.UTC)
	updated.CalculationMethod = model.Incremental
	if err := s.SaveSnapshot(ctx, updated, model.TradeDate, model.ChangeInitial); err != nil {
		t.Fatal(err)
	}

	hist, err := s.FindSnapshotHistory(ctx, key, day, model.TradeDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
	openCount := 0
	var openVersion int64
	for _, h := range hist {
		if h.SupersededAt == nil {
			openCount++
			openVersion = h.CalculationVersion
		}
	}
	if openCount != 1 {
		t.Fatalf("expected exactly one open history row, got %d", openCount)
	}

	current, ok, err := s.FindSnapshot(ctx, key, day, model.TradeDate)
	if err != nil || !ok {
		t.Fatalf("expected current snapshot to exist: ok=%v err=%v", ok, err)
	}
	if current.CalculationVersion != openVersion {
		t.Errorf("open history version %d should equal current snapshot version %d", openVersion, current.CalculationVersion)
	}
	if current.CalculationVersion != 2 {
		t.Errorf("calculationVersion should have incremented to 2, got %d", current.CalculationVersion)
	}
	if hist[1].PreviousNetQuantity == nil || *hist[1].PreviousNetQuantity != 1000 {
		t.Errorf("second history row should record previousNetQuantity=1000, got %v", hist[1].PreviousNetQuantity)
	}
	if hist[0].PreviousNetQuantity != nil {
		t.Errorf("first history row should have nil previousNetQuantity, got %v", hist[0].PreviousNetQuantity)
	}
}

func TestCreateConfigRejectsDuplicateTypeKeyFormatScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	cfg := model.PositionConfig{
		Type: model.ConfigOfficial, Name: "Official Positions 2", KeyFormat: model.KeyBookCounterpartyInstrument,
		PriceMethods: []model.PriceMethod{model.PriceMethodWAC}, Scope: model.AllScope(), Active: true,
	}
	_, err := s.Create(ctx, cfg)
	if err == nil {
		t.Fatal("expected duplicate (type, keyFormat, scope) to be rejected; seed config already occupies it")
	}
}

func TestFindActiveExcludesDeactivated(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	cfg, err := s.Create(ctx, model.PositionConfig{
		Type: model.ConfigDesk, Name: "Desk A", KeyFormat: model.KeyBook,
		PriceMethods: []model.PriceMethod{model.PriceMethodWAC}, Scope: model.AllScope(), Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	active, err := s.FindActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected seed + new config active, got %d", len(active))
	}
	if err := s.Deactivate(ctx, cfg.ConfigID); err != nil {
		t.Fatal(err)
	}
	active, err = s.FindActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("expected deactivated config excluded, got %d active", len(active))
	}
}
