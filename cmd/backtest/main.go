package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"optionsBot/config"
	"optionsBot/internal/adapters/logger"
	"optionsBot/internal/backtest"
	"optionsBot/internal/utils"
)

func main() {
	dataPath := flag.String("data", "data/candles.csv", "CSV file with underlying candles")
	strategiesPath := flag.String("strategies", "./strategies.yaml", "strategy configuration file")
	strategyID := flag.String("strategy", "", "strategy instance to replay (default: first in file)")
	logLevel := flag.String("log-level", "WARN", "log level during replay")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.ParseLevel(*logLevel))

	strategies, err := config.LoadStrategies(*strategiesPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load strategy configuration: %v", err)
	}
	cfg := strategies[0]
	if *strategyID != "" {
		cfg = nil
		for _, sc := range strategies {
			if sc.ID == *strategyID {
				cfg = sc
				break
			}
		}
		if cfg == nil {
			log.Fatalf("FATAL: Strategy %q not found in %s", *strategyID, *strategiesPath)
		}
	}

	candles, err := utils.ReadCandlesFromCSV(*dataPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load candles: %v", err)
	}
	fmt.Printf("Loaded %d candles from %s\n", len(candles), *dataPath)
	fmt.Printf("Replaying strategy %s (%s on %s)\n\n", cfg.ID, cfg.Kind, cfg.Instrument)

	result, err := backtest.Run(context.Background(), appLogger, cfg, candles)
	if err != nil {
		log.Fatalf("FATAL: Backtest failed: %v", err)
	}

	r := result.Report
	fmt.Println("=== Backtest Report ===")
	fmt.Printf("Total Trades:    %d\n", r.TotalTrades)
	fmt.Printf("Winning Trades:  %d\n", r.WinningTrades)
	fmt.Printf("Losing Trades:   %d\n", r.LosingTrades)
	fmt.Printf("Win Rate:        %.1f%%\n", r.WinRate*100)
	fmt.Printf("Total Profit:    %.2f\n", r.TotalProfit)
	fmt.Printf("Average Win:     %.2f\n", r.AverageWin)
	fmt.Printf("Average Loss:    %.2f\n", r.AverageLoss)
	fmt.Printf("Profit Factor:   %.2f\n", r.ProfitFactor)
	fmt.Printf("Max Drawdown:    %.2f\n", r.MaxDrawdown)
	fmt.Printf("Sharpe (trade):  %.2f\n", r.SharpeRatio)
	fmt.Printf("Average Rolls:   %.2f\n", r.AverageRolls)

	if len(r.ExitReasons) > 0 {
		fmt.Println("\nExit Reasons:")
		for reason, count := range r.ExitReasons {
			fmt.Printf("  %-20s %d\n", string(reason), count)
		}
	}

	monthly := r.GetMonthlyReturns()
	if len(monthly) > 0 {
		fmt.Println("\nMonthly Returns:")
		for _, m := range monthly {
			fmt.Printf("  %s  %10.2f\n", m.Month.Format("2006-01"), m.Return)
		}
	}
}
