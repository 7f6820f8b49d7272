package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/calcengine"
	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/transport"
)

type recordingEngine struct {
	mu   sync.Mutex
	seen []model.CalcRequest
	fail map[string]int // requestID -> remaining failures before success
}

func (e *recordingEngine) Process(_ context.Context, req model.CalcRequest) (calcengine.Strategy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.fail[req.RequestID]; n > 0 {
		e.fail[req.RequestID] = n - 1
		return "", apperr.Transient("test.Process", errors.New("transient failure"))
	}
	e.seen = append(e.seen, req)
	return calcengine.StrategyFullRecalc, nil
}

func (e *recordingEngine) requestIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.seen))
	for i, r := range e.seen {
		ids[i] = r.RequestID
	}
	return ids
}

func calcReq(id string, positionID int64) model.CalcRequest {
	return model.CalcRequest{
		RequestID:    id,
		PositionID:   positionID,
		PositionKey:  "B#C#I",
		DateBasis:    model.TradeDate,
		BusinessDate: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		PriceMethods: []model.PriceMethod{model.PriceMethodWAC},
		ChangeReason: model.ChangeInitial,
		KeyFormat:    model.KeyBookCounterpartyInstrument,
	}
}

func TestSupervisorProcessesRequestsInOrderPerPartition(t *testing.T) {
	broker := transport.NewFakeCalcRequestBroker(1)
	if err := broker.Publish(calcReq("r1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := broker.Publish(calcReq("r2", 1)); err != nil {
		t.Fatal(err)
	}
	if err := broker.Publish(calcReq("r3", 1)); err != nil {
		t.Fatal(err)
	}

	reader := transport.NewFakeWorkerReader(transport.NewFakeCalcRequestReader(broker.Partition(1)))
	engine := &recordingEngine{fail: map[string]int{}}
	sup := NewSupervisor(engine, []Reader{reader}, Config{ProcessDeadline: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)

	ids := engine.requestIDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 requests processed, got %d: %v", len(ids), ids)
	}
	if ids[0] != "r1" || ids[1] != "r2" || ids[2] != "r3" {
		t.Fatalf("expected strict publish order, got %v", ids)
	}
}

func TestSupervisorRunsPartitionsConcurrently(t *testing.T) {
	broker := transport.NewFakeCalcRequestBroker(4)
	if err := broker.Publish(calcReq("a", 10)); err != nil {
		t.Fatal(err)
	}
	if err := broker.Publish(calcReq("b", 11)); err != nil {
		t.Fatal(err)
	}

	var readers []Reader
	for i := 0; i < 4; i++ {
		readers = append(readers, transport.NewFakeWorkerReader(transport.NewFakeCalcRequestReader(broker.Partition(int64(i)))))
	}
	engine := &recordingEngine{fail: map[string]int{}}
	sup := NewSupervisor(engine, readers, Config{ProcessDeadline: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)

	if len(engine.requestIDs()) != 2 {
		t.Fatalf("expected both requests processed across partitions, got %v", engine.requestIDs())
	}
}
