// Package transport wraps segmentio/kafka-go readers and writers for
// the two ordered logs this system depends on: the trade ingestion
// topic and the calc-request topic.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/postrack/positions/internal/model"
)

// TradeEventReader consumes the trade topic in bounded batches with
// manual acknowledgment: a batch is only committed after every trade in
// it has been durably persisted, so a crash mid-batch redelivers it.
type TradeEventReader struct {
	reader    *kafka.Reader
	batchSize int
}

// NewTradeEventReader opens a reader for topic on brokers, in consumer
// group groupID, with manual commit (CommitBatch) left to the caller.
func NewTradeEventReader(brokers []string, topic, groupID string, batchSize int) *TradeEventReader {
	return &TradeEventReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		batchSize: batchSize,
	}
}

// FetchBatch reads up to batchSize messages without committing them,
// parsing each into a TradeEvent. A message that fails to parse is
// logged by the caller and dropped: it is still returned here as a
// parseErrors entry so the caller can commit past it without retrying a
// message that will never parse.
type FetchedTrade struct {
	Message kafka.Message
	Event   model.TradeEvent
}

func (r *TradeEventReader) FetchBatch(ctx context.Context) ([]FetchedTrade, []ParseError, error) {
	var trades []FetchedTrade
	var parseErrs []ParseError
	for i := 0; i < r.batchSize; i++ {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if i > 0 {
				// Partial batch is still usable; the caller decides
				// whether to process it now or wait for more.
				break
			}
			return nil, nil, fmt.Errorf("fetch trade message: %w", err)
		}
		var ev model.TradeEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			parseErrs = append(parseErrs, ParseError{Message: msg, Err: err})
			continue
		}
		trades = append(trades, FetchedTrade{Message: msg, Event: ev})
	}
	return trades, parseErrs, nil
}

// ParseError pairs a raw message with the reason it failed to parse.
type ParseError struct {
	Message kafka.Message
	Err     error
}

// CommitBatch acknowledges every message in the batch (both parsed
// trades and parse failures), advancing the consumer group offset past
// all of them.
func (r *TradeEventReader) CommitBatch(ctx context.Context, trades []FetchedTrade, parseErrs []ParseError) error {
	msgs := make([]kafka.Message, 0, len(trades)+len(parseErrs))
	for _, t := range trades {
		msgs = append(msgs, t.Message)
	}
	for _, p := range parseErrs {
		msgs = append(msgs, p.Message)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := r.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit trade batch: %w", err)
	}
	return nil
}

func (r *TradeEventReader) Close() error { return r.reader.Close() }

// CalcRequestWriter publishes calc requests partitioned by positionId,
// so all requests for one position land on the same partition and are
// therefore delivered to a single consumer in publish order.
type CalcRequestWriter struct {
	writer *kafka.Writer
}

func NewCalcRequestWriter(brokers []string, topic string) *CalcRequestWriter {
	return &CalcRequestWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (w *CalcRequestWriter) Publish(ctx context.Context, req model.CalcRequest) error {
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
		return fmt.Errorf("marshal calc request: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", req.PositionID)),
		Value: body,
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish calc request: %w", err)
	}
	return nil
}

func (w *CalcRequestWriter) Close() error { return w.writer.Close() }

// CalcRequestReader consumes one partition of the calc-request topic.
// The worker supervisor (internal/worker) runs exactly one goroutine
// per assigned partition, preserving per-positionId order.
type CalcRequestReader struct {
	reader *kafka.Reader
}

func NewCalcRequestReader(brokers []string, topic, groupID string) *CalcRequestReader {
	return &CalcRequestReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
	}
}

// Fetch reads the next calc request without committing it.
func (r *CalcRequestReader) Fetch(ctx context.Context) (kafka.Message, model.CalcRequest, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, model.CalcRequest{}, fmt.Errorf("fetch calc request: %w", err)
	}
	var wire calcRequestWire
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return msg, model.CalcRequest{}, fmt.Errorf("parse calc request: %w", err)
	}
	businessDate, err := model.ParseBusinessDate(wire.BusinessDate)
	if err != nil {
		return msg, model.CalcRequest{}, fmt.Errorf("parse calc request businessDate: %w", err)
	}
	req := model.CalcRequest{
		RequestID:               wire.RequestID,
		PositionID:              wire.PositionID,
		PositionKey:             wire.PositionKey,
		DateBasis:               wire.DateBasis,
		BusinessDate:            businessDate,
		PriceMethods:            wire.PriceMethods,
		TriggeringTradeSequence: wire.TriggeringTradeSequence,
		ChangeReason:            wire.ChangeReason,
		KeyFormat:               wire.KeyFormat,
	}
	return msg, req, nil
}

// Commit acknowledges msg, advancing the partition offset past it. The
// caller must only commit after the calc request has been fully
// processed (snapshot + price + history committed); redelivery on a
// processing crash is safe because every strategy upserts idempotently.
func (r *CalcRequestReader) Commit(ctx context.Context, msg kafka.Message) error {
	if err := r.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit calc request: %w", err)
	}
	return nil
}

func (r *CalcRequestReader) Close() error { return r.reader.Close() }

// WorkerReader adapts a CalcRequestReader to the shape internal/worker
// depends on, so the worker package never needs to know about
// kafka.Message.
type WorkerReader struct {
	r *CalcRequestReader
}

func NewWorkerReader(r *CalcRequestReader) WorkerReader { return WorkerReader{r: r} }

func (w WorkerReader) Fetch(ctx context.Context) (model.CalcRequest, func(context.Context) error, error) {
	msg, req, err := w.r.Fetch(ctx)
	if err != nil {
		return model.CalcRequest{}, nil, err
	}
	return req, func(ctx context.Context) error { return w.r.Commit(ctx, msg) }, nil
}

type calcRequestWire struct {
	RequestID               string              `json:"requestId"`
	PositionID              int64               `json:"positionId"`
	PositionKey             string              `json:"positionKey"`
	DateBasis               model.DateBasis     `json:"dateBasis"`
	BusinessDate            string              `json:"businessDate"`
	PriceMethods            []model.PriceMethod `json:"priceMethods"`
	TriggeringTradeSequence int64               `json:"triggeringTradeSequence"`
	ChangeReason            model.ChangeReason  `json:"changeReason"`
	KeyFormat               model.KeyFormat     `json:"keyFormat"`
}
