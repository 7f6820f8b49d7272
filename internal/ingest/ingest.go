// Package ingest turns a batch of incoming trade events into persisted
// trades, updated position-key watermarks, and a deduplicated set of
// calc requests published onto the calc-request log.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/configcache"
	"github.com/postrack/positions/internal/keyformat"
	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/store"
)

// Publisher is the subset of transport.CalcRequestWriter this package
// depends on, named here so tests can substitute a capturing fake.
type Publisher interface {
	Publish(ctx context.Context, req model.CalcRequest) error
}

// Coordinator consumes trade batches and drives persistence + publish.
type Coordinator struct {
	store     store.Store
	configs   *configcache.Cache
	publisher Publisher
	log       zerolog.Logger
}

func NewCoordinator(s store.Store, configs *configcache.Cache, publisher Publisher) *Coordinator {
	return &Coordinator{store: s, configs: configs, publisher: publisher, log: zerolog.Nop()}
}

// WithLogger attaches a structured logger for per-event diagnostics (dropped
// trades, failed publishes). Event-level fields live here rather than in
// internal/logger, which is reserved for the operator-facing console banner.
func (c *Coordinator) WithLogger(l zerolog.Logger) *Coordinator {
	c.log = l
	return c
}

// BatchResult summarizes one ProcessBatch call, mainly for metrics and
// tests.
type BatchResult struct {
	TradesReceived int
	TradesInserted int
	CalcRequests   int
}

// ProcessBatch runs the full algorithm over one batch of trade events:
// canonicalize keys, batch-insert idempotently, upsert position-key
// watermarks per active config, build the deduplicated intent set
// (including late-trade cascades), and publish one calc request per
// intent.
func (c *Coordinator) ProcessBatch(ctx context.Context, events []model.TradeEvent) (BatchResult, error) {
	result := BatchResult{TradesReceived: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	trades := make([]model.Trade, 0, len(events))
	for _, ev := range events {
		t, err := ev.ToTrade()
		if err != nil {
			c.log.Warn().Int64("sequenceNum", ev.SequenceNum).Err(err).Msg("dropping unparseable trade event")
			continue
		}
		trades = append(trades, t)
	}

	inserted, err := c.store.BatchInsertTrades(ctx, trades)
	if err != nil {
		return result, apperr.Transient("ingest.BatchInsertTrades", err)
	}
	result.TradesInserted = len(inserted)
	if len(inserted) == 0 {
		return result, nil
	}

	configs, err := c.configs.Active(ctx)
	if err != nil {
		return result, apperr.Transient("ingest.ActiveConfigs", err)
	}

	intents := map[intentKey]model.CalcIntent{}
	for _, t := range inserted {
		for _, cfg := range configs {
			if !cfg.Scope.Matches(t) {
				continue
			}
			dims, err := keyformat.Dimensions(cfg.KeyFormat, t.Book, t.Counterparty, t.Instrument)
			if err != nil {
				return result, apperr.Invariant("ingest.Dimensions", err)
			}
			positionKey, err := keyformat.Generate(cfg.KeyFormat, t.Book, t.Counterparty, t.Instrument)
			if err != nil {
				return result, apperr.Invariant("ingest.Generate", err)
			}

			upsertRes, err := c.store.UpsertPositionKey(ctx, store.UpsertPositionKeyInput{
				PositionKey:    positionKey,
				ConfigID:       cfg.ConfigID,
				ConfigType:     cfg.Type,
				ConfigName:     cfg.Name,
				Dimensions:     dims,
				TradeDate:      t.TradeDate,
				SettlementDate: t.SettlementDate,
				SequenceNum:    t.SequenceNum,
			})
			if err != nil {
				return result, apperr.Transient("ingest.UpsertPositionKey", err)
			}

			for _, pair := range cascadePairs(t.TradeDate, upsertRes.PriorLastTradeDate) {
				mergeIntent(intents, intentKey{positionKey, model.TradeDate, dateKey(pair.date)}, model.CalcIntent{
					PositionID:   upsertRes.PositionID,
					PositionKey:  positionKey,
					DateBasis:    model.TradeDate,
					BusinessDate: pair.date,
					SequenceNum:  t.SequenceNum,
					ChangeReason: pair.reason,
					Config:       cfg,
				})
			}
			for _, pair := range cascadePairs(t.SettlementDate, upsertRes.PriorLastSettlementDate) {
				mergeIntent(intents, intentKey{positionKey, model.SettlementDate, dateKey(pair.date)}, model.CalcIntent{
					PositionID:   upsertRes.PositionID,
					PositionKey:  positionKey,
					DateBasis:    model.SettlementDate,
					BusinessDate: pair.date,
					SequenceNum:  t.SequenceNum,
					ChangeReason: pair.reason,
					Config:       cfg,
				})
			}
		}
	}

	for _, intent := range sortedIntents(intents) {
		req := model.CalcRequest{
			RequestID:               fmt.Sprintf("%s-%s-%d", intent.PositionKey, intent.DateBasis, intent.SequenceNum),
			PositionID:              intent.PositionID,
			PositionKey:             intent.PositionKey,
			DateBasis:               intent.DateBasis,
			BusinessDate:            intent.BusinessDate,
			PriceMethods:            intent.Config.PriceMethods,
			TriggeringTradeSequence: intent.SequenceNum,
			ChangeReason:            intent.ChangeReason,
			KeyFormat:               intent.Config.KeyFormat,
		}
		if err := c.publisher.Publish(ctx, req); err != nil {
			// A publish failure never unwinds the already-committed
			// trade insert; it is logged and left for the next trade on
			// this coordinate to repair via findTradesAfterSequence.
			c.log.Warn().
				Str("positionKey", intent.PositionKey).
				Str("dateBasis", string(intent.DateBasis)).
				Str("businessDate", model.FormatBusinessDate(intent.BusinessDate)).
				Err(err).
				Msg("publish calc request failed")
			continue
		}
		result.CalcRequests++
	}

	return result, nil
}

type intentKey struct {
	positionKey string
	basis       model.DateBasis
	date        string
}

// sortedIntents orders intents by (positionKey, dateBasis, businessDate)
// ascending before publish. calcengine's cross-day-incremental strategy
// reads the prior businessDate's snapshot for a position and combines
// forward from it, so a multi-day late-trade cascade must reach the
// calc-request log in ascending date order within a position+basis pair;
// ranging over the map directly would publish in nondeterministic order.
func sortedIntents(intents map[intentKey]model.CalcIntent) []model.CalcIntent {
	keys := make([]intentKey, 0, len(intents))
	for k := range intents {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.positionKey != b.positionKey {
			return a.positionKey < b.positionKey
		}
		if a.basis != b.basis {
			return a.basis < b.basis
		}
		return a.date < b.date
	})
	out := make([]model.CalcIntent, len(keys))
	for i, k := range keys {
		out[i] = intents[k]
	}
	return out
}

func dateKey(t time.Time) string { return model.FormatBusinessDate(t) }

func mergeIntent(intents map[intentKey]model.CalcIntent, k intentKey, next model.CalcIntent) {
	existing, ok := intents[k]
	if !ok {
		intents[k] = next
		return
	}
	if next.SequenceNum > existing.SequenceNum {
		existing.SequenceNum = next.SequenceNum
	}
	if next.ChangeReason == model.ChangeLateTrade || existing.ChangeReason == model.ChangeLateTrade {
		existing.ChangeReason = model.ChangeLateTrade
	}
	intents[k] = existing
}

type cascadePair struct {
	date   time.Time
	reason model.ChangeReason
}

// cascadePairs computes the (businessDate, changeReason) list for one
// trade date against the watermark that stood before this upsert. A
// trade dated strictly before the prior watermark cascades one
// LATE_TRADE pair per calendar day up to and including the watermark;
// otherwise it is a single INITIAL pair at its own date.
func cascadePairs(tradeDate time.Time, priorWatermark *time.Time) []cascadePair {
	if priorWatermark == nil || !tradeDate.Before(*priorWatermark) {
		return []cascadePair{{date: tradeDate, reason: model.ChangeInitial}}
	}
	var pairs []cascadePair
	for d := tradeDate; !d.After(*priorWatermark); d = d.AddDate(0, 0, 1) {
		pairs = append(pairs, cascadePair{date: d, reason: model.ChangeLateTrade})
	}
	return pairs
}
