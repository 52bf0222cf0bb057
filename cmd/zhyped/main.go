package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zhype/config"
	"zhype/core"
	"zhype/core/events"
	"zhype/crypto"
	"zhype/native/oracle"
	"zhype/observability/logging"
	"zhype/observability/otel"
	"zhype/storage"
)

// slogEmitter publishes committed ledger events to the structured log.
type slogEmitter struct {
	logger *slog.Logger
}

func (e *slogEmitter) Emit(evt events.Event) {
	e.logger.Info("ledger event", slog.String("type", evt.EventType()))
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ZHYPE_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}

	var fileOpts *logging.FileOptions
	if cfg.Log.FilePath != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.Log.FilePath,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("zhyped", env, fileOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Metrics || cfg.Otel.Traces {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "zhyped",
			Environment: env,
			Endpoint:    cfg.Otel.Endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Otel.Metrics,
			Traces:      cfg.Otel.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	var owner [20]byte
	if cfg.OwnerAddress != "" {
		addr, err := crypto.DecodeAddress(cfg.OwnerAddress)
		if err != nil {
			logger.Error("Invalid owner address", slog.Any("error", err))
			os.Exit(1)
		}
		owner = addr.Array()
	}

	ledger, err := core.NewLedger(core.Params{
		DB:              db,
		Owner:           owner,
		UnstakingDelay:  cfg.UnstakingDelaySeconds,
		TreasuryRateBps: cfg.TreasuryRateBps,
		StakingRateBps:  cfg.StakingRateBps,
		Emitter:         &slogEmitter{logger: logger},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to open ledger: %v", err))
	}
	if err := ledger.VerifyIntegrity(); err != nil {
		logger.Error("Ledger integrity check failed", slog.Any("error", err))
		os.Exit(1)
	}

	price := buildPriceSource(cfg)

	srv := newServer(ledger, price, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving dashboard API", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		logger.Error("HTTP server failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", slog.Any("error", err))
	}
}

func buildPriceSource(cfg *config.Config) oracle.PriceSource {
	var upstream oracle.PriceSource
	if cfg.Oracle.FeedURL != "" {
		upstream = oracle.NewHTTPSource(cfg.Oracle.FeedURL, nil)
	} else {
		price, ok := new(big.Rat).SetString(cfg.Oracle.StaticPrice)
		if !ok {
			price = big.NewRat(1, 1)
		}
		upstream = oracle.NewStaticSource(price)
	}
	return oracle.NewCachedSource(upstream, cfg.OracleTTL())
}
