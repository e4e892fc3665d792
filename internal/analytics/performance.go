package analytics

import (
	"math"
	"sort"
	"time"

	"optionsBot/internal/domain"
)

// Report holds aggregate performance metrics computed from archived trades.
type Report struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalProfit   float64
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64
	MaxDrawdown   float64 // Deepest peak-to-trough of cumulative pnl, in currency
	SharpeRatio   float64 // Per-trade mean/stddev of pnl; risk-free rate 0
	AverageRolls  float64

	MonthlyReturns map[string]float64         // "2006-01" -> pnl
	ExitReasons    map[domain.CloseReason]int // Close-reason histogram
	EquityCurve    []EquityPoint
}

// EquityPoint is one point on the cumulative pnl curve.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// MonthlyReturn is a month's pnl in sorted form.
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// Analyze computes the report from archived trades. Trades are processed
// in exit-time order; the input slice is not modified.
func Analyze(trades []*domain.Trade) *Report {
	r := &Report{
		MonthlyReturns: make(map[string]float64),
		ExitReasons:    make(map[domain.CloseReason]int),
		EquityCurve:    make([]EquityPoint, 0, len(trades)),
	}
	if len(trades) == 0 {
		return r
	}

	sorted := make([]*domain.Trade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	var equity, peak float64
	var totalRolls int
	for _, t := range sorted {
		r.TotalTrades++
		if t.PNL > 0 {
			r.WinningTrades++
			r.AverageWin = (r.AverageWin*float64(r.WinningTrades-1) + t.PNL) / float64(r.WinningTrades)
		} else {
			r.LosingTrades++
			r.AverageLoss = (r.AverageLoss*float64(r.LosingTrades-1) + t.PNL) / float64(r.LosingTrades)
		}
		r.TotalProfit += t.PNL
		totalRolls += t.SystemRolls + t.DiscretionaryRolls

		equity += t.PNL
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		if dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
		r.EquityCurve = append(r.EquityCurve, EquityPoint{Time: t.ExitTime, Value: equity, Drawdown: dd})

		r.MonthlyReturns[t.ExitTime.Format("2006-01")] += t.PNL
		r.ExitReasons[t.CloseReason]++
	}

	r.WinRate = float64(r.WinningTrades) / float64(r.TotalTrades)
	if r.AverageLoss != 0 {
		r.ProfitFactor = r.AverageWin / -r.AverageLoss
	}
	r.AverageRolls = float64(totalRolls) / float64(r.TotalTrades)
	r.SharpeRatio = sharpeLike(sorted)
	return r
}

// sharpeLike returns mean per-trade pnl over its standard deviation.
func sharpeLike(trades []*domain.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	var sum float64
	for _, t := range trades {
		sum += t.PNL
	}
	mean := sum / float64(len(trades))

	var variance float64
	for _, t := range trades {
		variance += (t.PNL - mean) * (t.PNL - mean)
	}
	variance /= float64(len(trades) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}

// GetMonthlyReturns returns the monthly breakdown as a sorted slice.
func (r *Report) GetMonthlyReturns() []MonthlyReturn {
	out := make([]MonthlyReturn, 0, len(r.MonthlyReturns))
	for month, pnl := range r.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		out = append(out, MonthlyReturn{Month: date, Return: pnl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}
