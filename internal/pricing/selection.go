package pricing

import (
	"math"
	"sort"
	"time"

	"optionsBot/internal/domain"
)

// SelectionParams carries the market inputs for strike selection.
type SelectionParams struct {
	Spot   float64
	Expiry time.Time
	Now    time.Time
	IV     float64
	Rate   float64
}

func yearsBetween(from, to time.Time) float64 {
	h := to.Sub(from).Hours()
	if h <= 0 {
		return 0
	}
	return h / (24.0 * 365.0)
}

// StrikeByTargetDelta scans the chain for the given option type and expiry
// and returns the instrument whose absolute delta is closest to target.
// Returns nil when the chain has no matching instruments.
func StrikeByTargetDelta(chain []domain.OptionInstrument, opt domain.OptionType, target float64, p SelectionParams) *domain.OptionInstrument {
	t := yearsBetween(p.Now, p.Expiry)
	var best *domain.OptionInstrument
	bestDiff := math.MaxFloat64
	for i := range chain {
		inst := &chain[i]
		if inst.OptionType != opt || !domain.SameExpiry(inst.Expiry, p.Expiry) {
			continue
		}
		d := math.Abs(Delta(p.Spot, inst.Strike, t, p.IV, p.Rate, opt))
		diff := math.Abs(d - target)
		if diff < bestDiff {
			bestDiff = diff
			best = inst
		}
	}
	return best
}

// NextStrikeOut returns the chain instrument one strike further out of the
// money than the given strike, used to keep a buy and sell leg from
// colliding on the same strike. For calls "out" is the next higher strike,
// for puts the next lower one. Returns nil when the chain runs out.
func NextStrikeOut(chain []domain.OptionInstrument, opt domain.OptionType, expiry time.Time, strike float64) *domain.OptionInstrument {
	strikes := make([]*domain.OptionInstrument, 0)
	for i := range chain {
		inst := &chain[i]
		if inst.OptionType == opt && domain.SameExpiry(inst.Expiry, expiry) {
			strikes = append(strikes, inst)
		}
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].Strike < strikes[j].Strike })
	if opt == domain.Call {
		for _, inst := range strikes {
			if inst.Strike > strike {
				return inst
			}
		}
		return nil
	}
	for i := len(strikes) - 1; i >= 0; i-- {
		if strikes[i].Strike < strike {
			return strikes[i]
		}
	}
	return nil
}
