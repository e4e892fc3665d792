// Package backtest replays historical candles through the identical
// entry/monitor/adjust/exit logic the live engine runs, with simulated
// fills in place of the execution gateway. Runs are deterministic:
// identical candles and config produce byte-identical trade ledgers.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"optionsBot/config"
	"optionsBot/internal/analytics"
	"optionsBot/internal/domain"
	"optionsBot/internal/engine"
	"optionsBot/internal/ports"
)

// Result holds the replayed trade ledger and its aggregate statistics.
type Result struct {
	Trades []*domain.Trade
	Report *analytics.Report
}

// Run replays the candle sequence through a fresh engine for the given
// strategy config. Candles are sorted by date before replay; the input
// slice is not modified. Any position still open after the last candle is
// closed at it with reason "End Of Data".
func Run(ctx context.Context, logger ports.Logger, cfg *config.StrategyConfig, candles []*domain.Candle) (*Result, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for backtest: %w", ports.ErrConfigurationError)
	}
	if len(candles) == 0 {
		return nil, ports.ErrNoHistoricalData
	}

	sorted := make([]*domain.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	feed := newSimFeed(cfg, sorted)
	gateway := newSimGateway(feed)
	ledger := newMemLedger()

	// No real waiting between simulated placements.
	seq, err := engine.NewSequencer(gateway, logger, 0, func(time.Duration) {})
	if err != nil {
		return nil, err
	}

	// Counter-based IDs keep replays byte-identical.
	var positionSeq int
	eng, err := engine.New(cfg, engine.Deps{
		Logger:    logger,
		Feed:      feed,
		Sequencer: seq,
		Ledger:    ledger,
		NewID: func() string {
			positionSeq++
			return fmt.Sprintf("BT-%04d", positionSeq)
		},
	})
	if err != nil {
		return nil, err
	}

	for _, c := range sorted {
		feed.advance(c)
		now := c.Date

		if eng.Position() == nil {
			if _, err := eng.CheckEntry(ctx, now); err != nil &&
				!errors.Is(err, ports.ErrEntryCreditBelow) {
				// A credit below the floor is a rejected candle, not a
				// fault. The simulated feed does not fail, so anything else
				// is a config-level problem.
				return nil, err
			}
			continue
		}
		if err := eng.Monitor(ctx, now); err != nil {
			return nil, err
		}
		if err := eng.ExpiryExit(ctx, now); err != nil {
			return nil, err
		}
	}

	if eng.Position() != nil {
		last := sorted[len(sorted)-1]
		if err := eng.ClosePosition(ctx, last.Date, domain.CloseReasonEndOfData); err != nil {
			return nil, err
		}
	}

	trades := make([]*domain.Trade, len(ledger.trades))
	copy(trades, ledger.trades)
	return &Result{
		Trades: trades,
		Report: analytics.Analyze(trades),
	}, nil
}
