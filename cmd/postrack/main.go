package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/postrack/positions/internal/appconfig"
	"github.com/postrack/positions/internal/calcengine"
	"github.com/postrack/positions/internal/clock"
	"github.com/postrack/positions/internal/configcache"
	"github.com/postrack/positions/internal/ingest"
	"github.com/postrack/positions/internal/logger"
	"github.com/postrack/positions/internal/metrics"
	"github.com/postrack/positions/internal/model"
	"github.com/postrack/positions/internal/queryapi"
	"github.com/postrack/positions/internal/store"
	"github.com/postrack/positions/internal/transport"
	"github.com/postrack/positions/internal/worker"
)

var version = "dev"

func main() {
	logger.Banner(version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("postrack", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "postrack",
	Short: "postrack ingests trades and maintains bitemporal position snapshots.",
	Long:  "postrack ingests trades and maintains bitemporal position snapshots.",
}

func init() {
	rootCmd.AddCommand(ingestCmd, calcCmd, serveCmd, allCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume the trade topic and publish deduplicated calc requests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context())
	},
}

var calcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Consume the calc-request topic and maintain snapshots/prices.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalc(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-side HTTP API and /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run ingest, calc, and serve in one process (development mode).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		errs := make(chan error, 3)
		go func() { errs <- runIngest(ctx) }()
		go func() { errs <- runCalc(ctx) }()
		go func() { errs <- runServe(ctx) }()
		for i := 0; i < 3; i++ {
			if err := <-errs; err != nil && ctx.Err() == nil {
				return err
			}
		}
		return nil
	},
}

func openStore(ctx context.Context, cfg *appconfig.Config) (store.Store, error) {
	return store.OpenPostgres(ctx, cfg.PostgresDSN)
}

func runIngest(ctx context.Context) error {
	logger.Section("ingest")
	cfg := appconfig.LoadFromEnv()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := metrics.New(prometheus.NewRegistry())
	configs := configcache.NewWithInterval(s, cfg.ConfigCacheTTL, clock.Real{})
	reg.RegisterConfigCache(configs)

	writer := transport.NewCalcRequestWriter(cfg.KafkaBrokers, cfg.CalcRequestTopic)
	defer writer.Close()

	coordinator := ingest.NewCoordinator(s, configs, writer).WithLogger(eventLogger("ingest"))

	reader := transport.NewTradeEventReader(cfg.KafkaBrokers, cfg.TradeTopic, cfg.ConsumerGroup, cfg.TradeBatchSize)
	defer reader.Close()

	logger.Success("ingest", fmt.Sprintf("consuming %s, publishing %s", cfg.TradeTopic, cfg.CalcRequestTopic))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		trades, parseErrs, err := reader.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("ingest", fmt.Sprintf("fetch batch failed: %v", err))
			continue
		}
		if len(trades) == 0 && len(parseErrs) == 0 {
			continue
		}
		for _, p := range parseErrs {
			logger.Warn("ingest", fmt.Sprintf("dropping unparseable trade message at offset %d: %v; payload: %s", p.Message.Offset, p.Err, p.Message.Value))
		}
		events := make([]model.TradeEvent, len(trades))
		for i, t := range trades {
			events[i] = t.Event
		}
		result, err := coordinator.ProcessBatch(ctx, events)
		if err != nil {
			logger.Warn("ingest", fmt.Sprintf("process batch failed: %v", err))
			continue
		}
		if err := reader.CommitBatch(ctx, trades, parseErrs); err != nil {
			logger.Warn("ingest", fmt.Sprintf("commit batch failed: %v", err))
			continue
		}
		logger.Stats("trades received", result.TradesReceived)
		logger.Stats("trades inserted", result.TradesInserted)
		logger.Stats("calc requests published", result.CalcRequests)
	}
}

func runCalc(ctx context.Context) error {
	logger.Section("calc")
	cfg := appconfig.LoadFromEnv()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	engine := calcengine.New(s, time.Now)

	readers := make([]worker.Reader, cfg.CalcPartitions)
	for i := 0; i < cfg.CalcPartitions; i++ {
		readers[i] = transport.NewWorkerReader(transport.NewCalcRequestReader(cfg.KafkaBrokers, cfg.CalcRequestTopic, cfg.ConsumerGroup))
	}

	sup := worker.NewSupervisor(engine, readers, worker.Config{
		ProcessDeadline: cfg.WorkerProcessTimeout,
		RatePerSecond:   cfg.WorkerRatePerSecond,
	}).WithLogger(eventLogger("calc"))

	logger.Success("calc", fmt.Sprintf("running %d partition workers against %s", cfg.CalcPartitions, cfg.CalcRequestTopic))
	return sup.Run(ctx)
}

func runServe(ctx context.Context) error {
	logger.Section("serve")
	cfg := appconfig.LoadFromEnv()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	mux := http.NewServeMux()
	mux.Handle("/", queryapi.NewServer(s).Routes())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Server(cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// eventLogger builds a per-subsystem structured logger writing to stderr.
// The console narrative (internal/logger) stays reserved for banners,
// section headers, and periodic stat lines.
func eventLogger(subsystem string) zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("subsystem", subsystem).Logger()
}
