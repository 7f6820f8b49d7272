// Package worker runs one goroutine per calc-request partition, each
// processing its requests strictly in arrival order and retrying
// transient failures with bounded exponential backoff before giving up
// and leaving the message unacknowledged for redelivery.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/postrack/positions/internal/apperr"
	"github.com/postrack/positions/internal/calcengine"
	"github.com/postrack/positions/internal/model"
)

// Reader is the subset of transport.CalcRequestReader one partition
// worker depends on. Fetch returns a commit closure bound to the
// fetched message so the worker never needs to know the transport's
// message representation.
type Reader interface {
	Fetch(ctx context.Context) (req model.CalcRequest, commit func(ctx context.Context) error, err error)
}

// Engine is the subset of calcengine.Engine a worker drives.
type Engine interface {
	Process(ctx context.Context, req model.CalcRequest) (calcengine.Strategy, error)
}

// Config tunes retry/backpressure behavior shared across all partition
// workers in a supervisor.
type Config struct {
	// ProcessDeadline bounds one calc request's processing time,
	// including retries. Default 30s.
	ProcessDeadline time.Duration
	// RatePerSecond caps how many requests a single partition worker
	// pulls per second, providing backpressure independent of the log's
	// own pull semantics. Zero disables the limiter.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.ProcessDeadline <= 0 {
		c.ProcessDeadline = 30 * time.Second
	}
	return c
}

// Supervisor runs exactly one goroutine per partition reader, via
// errgroup so any goroutine's unrecoverable error cancels the rest.
type Supervisor struct {
	cfg     Config
	engine  Engine
	readers []Reader
	log     zerolog.Logger
}

func NewSupervisor(engine Engine, readers []Reader, cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), engine: engine, readers: readers, log: zerolog.Nop()}
}

// WithLogger attaches a structured logger for per-request diagnostics
// (fetch failures, retry exhaustion, commit failures).
func (s *Supervisor) WithLogger(l zerolog.Logger) *Supervisor {
	s.log = l
	return s
}

// Run blocks until ctx is canceled or a partition goroutine returns a
// non-context error.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, r := range s.readers {
		r := r
		partition := i
		g.Go(func() error {
			return runPartition(ctx, partition, r, s.engine, s.cfg, s.log)
		})
	}
	return g.Wait()
}

func runPartition(ctx context.Context, partition int, r Reader, engine Engine, cfg Config, log zerolog.Logger) error {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		req, commit, err := r.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Int("partition", partition).Err(err).Msg("fetch failed")
			continue
		}
		if err := processWithRetry(ctx, engine, req, cfg.ProcessDeadline); err != nil {
			log.Warn().Int("partition", partition).Str("requestId", req.RequestID).Err(err).
				Msg("leaving request unacknowledged for redelivery after retry exhaustion")
			continue
		}
		if err := commit(ctx); err != nil {
			log.Warn().Int("partition", partition).Str("requestId", req.RequestID).Err(err).
				Msg("commit failed, request will be redelivered")
		}
	}
}

// processWithRetry retries transient failures with exponential backoff
// bounded by deadline. Non-transient errors (malformed, constraint,
// invariant) are logged and not retried — redelivering them would never
// succeed, and they are expected to be repaired by the next trade for
// the same coordinate per the ingestion coordinator's failure semantics.
func processWithRetry(ctx context.Context, engine Engine, req model.CalcRequest, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		_, err := engine.Process(ctx, req)
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
