package main

import (
	"context"
	"errors"
	"log" // Standard log only for fatal errors before the logger is set up
	"os/signal"
	"sync"
	"syscall"
	"time"

	"optionsBot/config"
	"optionsBot/internal/adapters/broker"
	"optionsBot/internal/adapters/logger"
	"optionsBot/internal/adapters/notifier"
	"optionsBot/internal/adapters/persistq"
	"optionsBot/internal/adapters/sqlite"
	"optionsBot/internal/engine"
	"optionsBot/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Load strategy instances
	strategies, err := config.LoadStrategies(cfg.StrategiesPath)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to load strategy configuration")
		log.Fatalf("FATAL: Failed to load strategy configuration: %v", err)
	}
	appLogger.Info(context.Background(), "Strategy instances loaded", map[string]interface{}{"count": len(strategies)})

	// 4. Initialize Trade Ledger (SQLite behind the write-behind queue)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade ledger")
		log.Fatalf("FATAL: Failed to initialize trade ledger: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade ledger")
		}
	}()

	ledger := persistq.New(repo, appLogger, cfg.PersistQueueSize)
	defer ledger.Close()

	// 5. Initialize Broker Client (feed + execution gateway)
	brokerClient, err := broker.New(broker.Config{
		APIKey:               cfg.APIKey,
		AccessToken:          cfg.AccessToken,
		BaseURL:              cfg.BrokerURL,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize broker client")
		log.Fatalf("FATAL: Failed to initialize broker client: %v", err)
	}

	// 6. Notification hub
	hub := notifier.NewHub(appLogger)

	// 7. One engine per strategy instance
	seq, err := engine.NewSequencer(brokerClient, appLogger, cfg.OrderDelay, nil)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order sequencer")
		log.Fatalf("FATAL: Failed to initialize order sequencer: %v", err)
	}

	engines := make([]*engine.Engine, 0, len(strategies))
	for _, sc := range strategies {
		eng, err := engine.New(sc, engine.Deps{
			Logger:    appLogger,
			Feed:      brokerClient,
			Sequencer: seq,
			Ledger:    ledger,
			Notifier:  hub,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine", map[string]interface{}{"strategy": sc.ID})
			log.Fatalf("FATAL: Failed to initialize engine for %s: %v", sc.ID, err)
		}
		engines = append(engines, eng)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 8. Start the tick stream for the traded underlyings
	underlyings := make([]string, 0, len(strategies))
	for _, sc := range strategies {
		underlyings = append(underlyings, sc.Instrument)
	}
	streamDone, err := brokerClient.StreamTicks(ctx, underlyings, func(err error) {
		appLogger.Warn(ctx, "Tick stream error, reconnecting", map[string]interface{}{"error": err.Error()})
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to start tick stream")
		log.Fatalf("FATAL: Failed to start tick stream: %v", err)
	}

	// 9. Run each engine on its instance's configured cadences
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(eng *engine.Engine, sc *config.StrategyConfig) {
			defer wg.Done()
			runEngine(ctx, appLogger, eng, sc)
		}(eng, strategies[i])
	}

	appLogger.Info(ctx, "Options bot running", map[string]interface{}{"engines": len(engines)})
	<-ctx.Done()
	appLogger.Info(context.Background(), "Shutdown signal received, stopping engines")

	wg.Wait()
	<-streamDone
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// nextMinute returns the next wall-clock minute boundary after t.
func nextMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

// runEngine drives one strategy instance on its configured cadences: entry
// checks while idle, risk evaluation while a position is open. The forced
// exit around the expiry cutoff runs on its own tick aligned to the minute
// so the cutoff fires on time regardless of the monitor cadence. All timing
// decisions are made from the wall-clock time handed to the engine.
func runEngine(ctx context.Context, appLogger *logger.StdLogger, eng *engine.Engine, sc *config.StrategyConfig) {
	entryTicker := time.NewTicker(sc.EntryCadence())
	defer entryTicker.Stop()
	monitorTicker := time.NewTicker(sc.MonitorCadence())
	defer monitorTicker.Stop()
	expiryTimer := time.NewTimer(time.Until(nextMinute(time.Now())))
	defer expiryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-entryTicker.C:
			if eng.Position() != nil {
				continue
			}
			if _, err := eng.CheckEntry(ctx, now); err != nil &&
				!errors.Is(err, ports.ErrEntryCreditBelow) && !errors.Is(err, ports.ErrPositionNotIdle) {
				appLogger.Warn(ctx, "Entry check failed, will retry", map[string]interface{}{
					"instrument": eng.Instrument(), "error": err.Error(),
				})
			}
		case now := <-monitorTicker.C:
			if eng.Position() == nil {
				continue
			}
			if err := eng.Monitor(ctx, now); err != nil {
				appLogger.Warn(ctx, "Monitor tick failed, will retry", map[string]interface{}{
					"instrument": eng.Instrument(), "error": err.Error(),
				})
			}
		case <-expiryTimer.C:
			now := time.Now()
			expiryTimer.Reset(time.Until(nextMinute(now)))
			if eng.Position() == nil {
				continue
			}
			if err := eng.ExpiryExit(ctx, now); err != nil {
				appLogger.Warn(ctx, "Expiry evaluation failed, will retry", map[string]interface{}{
					"instrument": eng.Instrument(), "error": err.Error(),
				})
			}
		}
	}
}
