package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copy_trader/internal/cache"
	"copy_trader/internal/config"
	"copy_trader/internal/core"
	"copy_trader/internal/creds"
	"copy_trader/internal/engine"
	"copy_trader/internal/exchange/bingx"
	"copy_trader/internal/infrastructure/metrics"
	"copy_trader/internal/masterq"
	"copy_trader/internal/notify"
	"copy_trader/internal/state"
	"copy_trader/internal/store"
	"copy_trader/internal/trading"
	"copy_trader/pkg/httpclient"
	"copy_trader/pkg/logging"
	"copy_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/copytrader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("copytrader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting copytrader",
		"version", version,
		"asset", cfg.App.Asset,
	)

	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Warn("Failed to initialize telemetry", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	if cfg.Telemetry.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Stop(stopCtx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := httpclient.New(30 * time.Second)

	var exchangeOpts []bingx.Option
	if cfg.Exchange.BaseURL != "" {
		exchangeOpts = append(exchangeOpts, bingx.WithBaseURL(cfg.Exchange.BaseURL))
	}
	if cfg.Exchange.MaxRetries > 0 {
		exchangeOpts = append(exchangeOpts, bingx.WithMaxRetries(cfg.Exchange.MaxRetries))
	}

	sessions := func(apiKey, secretKey string) core.ExchangeAPI {
		return bingx.New(apiKey, secretKey, transport, logger, exchangeOpts...)
	}

	stateStore, err := store.NewSQLiteStore(cfg.State.DBPath)
	if err != nil {
		logger.Fatal("Failed to open state store", "error", err)
	}
	defer stateStore.Close()
	tracker := state.NewTracker(stateStore, logger)

	key, err := creds.ParseKey(cfg.Credentials.EncryptionKey.Reveal())
	if err != nil {
		logger.Fatal("Invalid credential encryption key", "error", err)
	}
	credStore, err := creds.NewStore(cfg.Credentials.DBPath, key, logger)
	if err != nil {
		logger.Fatal("Failed to open credential store", "error", err)
	}
	defer credStore.Close()

	// The master key pair comes from the credential store, seeded with
	// `credtool set-master`.
	credSet, err := credStore.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load credentials", "error", err)
	}
	master := sessions(credSet.Master.APIKey, credSet.Master.SecretKey)

	notifier := notify.NewManager(logger)
	if cfg.Notify.TelegramBotToken != "" && len(cfg.Notify.TelegramChatIDs) > 0 {
		notifier.AddChannel(notify.NewTelegramChannel(
			cfg.Notify.TelegramBotToken.Reveal(), cfg.Notify.TelegramChatIDs))
	}

	queue := masterq.New(ctx, masterq.DefaultTick, logger)
	cacheLayer := cache.New(queue, logger)

	ops := trading.NewOps(tracker, notifier, logger,
		trading.WithBatching(
			cfg.Sync.OpenBatchSize,
			cfg.Sync.CloseBatchSize,
			time.Duration(cfg.Sync.BatchGapMs)*time.Millisecond))

	eng := engine.New(master, cacheLayer, tracker, ops, credStore, sessions, cfg.App.Asset, logger,
		engine.WithPollInterval(time.Duration(cfg.Sync.PollIntervalMs)*time.Millisecond),
		engine.WithErrorSleep(time.Duration(cfg.Sync.ErrorSleepMs)*time.Millisecond),
		engine.WithRefreshIntervals(
			time.Duration(cfg.Sync.CredentialsRefreshSec)*time.Second,
			time.Duration(cfg.Sync.BalancesRefreshSec)*time.Second,
			time.Duration(cfg.Sync.BalanceGapMs)*time.Millisecond))

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
