package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/postrack/positions/internal/model"
)

// FakeLog is an in-process stand-in for a single Kafka partition, used
// by tests that exercise ingest/calcengine wiring without a broker.
// Messages are strictly ordered and delivered at least once: Commit
// only advances the read cursor, it never removes the message.
type FakeLog struct {
	mu       sync.Mutex
	messages [][]byte
	cursor   int
	cond     *sync.Cond
}

func NewFakeLog() *FakeLog {
	f := &FakeLog{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *FakeLog) Append(body []byte) {
	f.mu.Lock()
	f.messages = append(f.messages, body)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// FetchBatch blocks until at least one uncommitted message is available
// or ctx is done, then returns up to max of them without committing.
func (f *FakeLog) FetchBatch(ctx context.Context, max int) ([][]byte, error) {
	f.mu.Lock()
	for f.cursor >= len(f.messages) {
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			f.cond.Broadcast()
			close(done)
		}()
		f.cond.Wait()
		select {
		case <-ctx.Done():
			f.mu.Unlock()
			<-done
			return nil, ctx.Err()
		default:
		}
	}
	end := f.cursor + max
	if end > len(f.messages) {
		end = len(f.messages)
	}
	batch := append([][]byte(nil), f.messages[f.cursor:end]...)
	f.mu.Unlock()
	return batch, nil
}

// Commit advances the read cursor by n messages.
func (f *FakeLog) Commit(n int) {
	f.mu.Lock()
	f.cursor += n
	f.mu.Unlock()
}

// Len returns the number of messages appended so far.
func (f *FakeLog) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// FakeTradeEventReader reads trade events from a FakeLog, skipping the
// kafka.Reader entirely. Its methods are simpler than TradeEventReader's:
// FetchBatch returns parsed events only (one unparseable message fails the
// whole fetch) and CommitBatch takes a message count.
type FakeTradeEventReader struct {
	log       *FakeLog
	batchSize int
}

func NewFakeTradeEventReader(log *FakeLog, batchSize int) *FakeTradeEventReader {
	return &FakeTradeEventReader{log: log, batchSize: batchSize}
}

func (r *FakeTradeEventReader) FetchBatch(ctx context.Context) ([]model.TradeEvent, error) {
	raw, err := r.log.FetchBatch(ctx, r.batchSize)
	if err != nil {
		return nil, err
	}
	events := make([]model.TradeEvent, 0, len(raw))
	for _, body := range raw {
		var ev model.TradeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *FakeTradeEventReader) CommitBatch(n int) {
	r.log.Commit(n)
}

// FakeCalcRequestBroker partitions calc requests by an FNV-1a hash of
// positionId, so tests can assert per-partition ordering without a live
// broker. It hashes the id's eight bytes rather than the decimal-string
// key CalcRequestWriter sends, so partition numbers need not match a real
// broker's.
type FakeCalcRequestBroker struct {
	mu         sync.Mutex
	partitions []*FakeLog
}

func NewFakeCalcRequestBroker(numPartitions int) *FakeCalcRequestBroker {
	b := &FakeCalcRequestBroker{partitions: make([]*FakeLog, numPartitions)}
	for i := range b.partitions {
		b.partitions[i] = NewFakeLog()
	}
	return b
}

func (b *FakeCalcRequestBroker) Partition(positionID int64) *FakeLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partitions[fnv32(positionID)%uint32(len(b.partitions))]
}

func (b *FakeCalcRequestBroker) Publish(req model.CalcRequest) error {
	body, err := json.Marshal(calcRequestWire{
		RequestID:               req.RequestID,
		PositionID:              req.PositionID,
		PositionKey:             req.PositionKey,
		DateBasis:               req.DateBasis,
		BusinessDate:            model.FormatBusinessDate(req.BusinessDate),
		PriceMethods:            req.PriceMethods,
		TriggeringTradeSequence: req.TriggeringTradeSequence,
		ChangeReason:            req.ChangeReason,
		KeyFormat:               req.KeyFormat,
	})
	if err != nil {
		return err
	}
	b.Partition(req.PositionID).Append(body)
	return nil
}

// FakeCalcRequestReader reads a single partition of a FakeCalcRequestBroker.
type FakeCalcRequestReader struct {
	log *FakeLog
}

func NewFakeCalcRequestReader(log *FakeLog) *FakeCalcRequestReader {
	return &FakeCalcRequestReader{log: log}
}

func (r *FakeCalcRequestReader) Fetch(ctx context.Context) (model.CalcRequest, error) {
	raw, err := r.log.FetchBatch(ctx, 1)
	if err != nil {
		return model.CalcRequest{}, err
	}
	var wire calcRequestWire
	if err := json.Unmarshal(raw[0], &wire); err != nil {
		return model.CalcRequest{}, err
	}
	businessDate, err := model.ParseBusinessDate(wire.BusinessDate)
	if err != nil {
		return model.CalcRequest{}, err
	}
	return model.CalcRequest{
		RequestID:               wire.RequestID,
		PositionID:              wire.PositionID,
		PositionKey:             wire.PositionKey,
		DateBasis:               wire.DateBasis,
		BusinessDate:            businessDate,
		PriceMethods:            wire.PriceMethods,
		TriggeringTradeSequence: wire.TriggeringTradeSequence,
		ChangeReason:            wire.ChangeReason,
		KeyFormat:               wire.KeyFormat,
	}, nil
}

func (r *FakeCalcRequestReader) Commit() {
	r.log.Commit(1)
}

// FakeWorkerReader adapts a FakeCalcRequestReader to the shape
// internal/worker depends on, mirroring WorkerReader for tests that run
// a Supervisor against FakeLog partitions instead of a real broker.
type FakeWorkerReader struct {
	r *FakeCalcRequestReader
}

func NewFakeWorkerReader(r *FakeCalcRequestReader) FakeWorkerReader { return FakeWorkerReader{r: r} }

func (w FakeWorkerReader) Fetch(ctx context.Context) (model.CalcRequest, func(context.Context) error, error) {
	req, err := w.r.Fetch(ctx)
	if err != nil {
		return model.CalcRequest{}, nil, err
	}
	return req, func(context.Context) error { w.r.Commit(); return nil }, nil
}

// fnv32 hashes an int64 key the way kafka.Hash hashes a message key,
// close enough for tests that only need a stable, well-distributed
// partition assignment.
func fnv32(v int64) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < 8; i++ {
		h ^= uint32(byte(v >> (8 * i)))
		h *= prime32
	}
	return h
}
