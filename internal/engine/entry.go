package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
)

// roundToStep snaps a raw strike to the instrument's strike grid.
func roundToStep(raw, step float64) float64 {
	return math.Round(raw/step) * step
}

// nearestStrike finds the chain instrument of the given type and expiry
// closest to the wanted strike.
func nearestStrike(chain []domain.OptionInstrument, opt domain.OptionType, expiry time.Time, want float64) *domain.OptionInstrument {
	var best *domain.OptionInstrument
	bestDiff := math.MaxFloat64
	for i := range chain {
		inst := &chain[i]
		if inst.OptionType != opt || !domain.SameExpiry(inst.Expiry, expiry) {
			continue
		}
		if diff := math.Abs(inst.Strike - want); diff < bestDiff {
			bestDiff = diff
			best = inst
		}
	}
	return best
}

// buildLegs constructs the leg set for the configured topology, pricing
// each leg from live quotes. Legs come back unplaced (the sequencer fills
// them) but with entry premiums preset from the quoted LTPs.
func (e *Engine) buildLegs(ctx context.Context, now time.Time, spot float64, chain []domain.OptionInstrument, expiry time.Time) ([]*domain.Leg, error) {
	var legs []*domain.Leg
	var err error
	switch e.cfg.Kind {
	case domain.KindSpread:
		legs, err = e.buildSpreadLegs(spot, chain, expiry)
	case domain.KindDeltaNeutral:
		legs, err = e.buildDeltaNeutralLegs(now, spot, chain, expiry)
	case domain.KindSingleLeg:
		legs, err = e.buildSingleLeg(now, spot, chain, expiry)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ports.ErrConfigurationError, e.cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if len(legs) != e.cfg.Kind.LegCount() {
		return nil, fmt.Errorf("%w: built %d legs for %s", ports.ErrTopologyViolation, len(legs), e.cfg.Kind)
	}
	if err := e.priceLegs(ctx, legs); err != nil {
		return nil, err
	}
	return legs, nil
}

// buildSpreadLegs selects two defined-risk verticals: shorts at the
// configured OTM distance from spot, hedges a fixed width further out.
func (e *Engine) buildSpreadLegs(spot float64, chain []domain.OptionInstrument, expiry time.Time) ([]*domain.Leg, error) {
	legs := make([]*domain.Leg, 0, 4)
	for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
		short, hedge, err := e.buildSpreadSide(spot, chain, expiry, opt)
		if err != nil {
			return nil, err
		}
		legs = append(legs, short, hedge)
	}
	return legs, nil
}

// buildSpreadSide constructs one vertical (short + hedge) for a side of
// the book. Rolls reuse this against the current spot.
func (e *Engine) buildSpreadSide(spot float64, chain []domain.OptionInstrument, expiry time.Time, opt domain.OptionType) (*domain.Leg, *domain.Leg, error) {
	dir := 1.0
	if opt == domain.Put {
		dir = -1.0
	}
	shortWant := roundToStep(spot*(1+dir*e.cfg.OTMPercent), e.cfg.StrikeStep)
	hedgeWant := shortWant + dir*e.cfg.HedgeWidth

	short := nearestStrike(chain, opt, expiry, shortWant)
	hedge := nearestStrike(chain, opt, expiry, hedgeWant)
	if short == nil || hedge == nil {
		return nil, nil, fmt.Errorf("%w: no %s strikes near %.0f", ports.ErrChainLookupFailed, opt, shortWant)
	}
	if hedge.Strike == short.Strike {
		hedge = pricing.NextStrikeOut(chain, opt, expiry, short.Strike)
		if hedge == nil {
			return nil, nil, fmt.Errorf("%w: no hedge strike beyond %.0f %s", ports.ErrChainLookupFailed, short.Strike, opt)
		}
	}
	return e.newLeg(short, domain.Sell, sidePriority(opt)), e.newLeg(hedge, domain.Buy, sidePriority(opt)), nil
}

// buildDeltaNeutralLegs pairs a long leg near the buy-delta target with a
// short leg near the sell-delta target on each side of the book.
func (e *Engine) buildDeltaNeutralLegs(now time.Time, spot float64, chain []domain.OptionInstrument, expiry time.Time) ([]*domain.Leg, error) {
	params := pricing.SelectionParams{Spot: spot, Expiry: expiry, Now: now, IV: e.cfg.IV, Rate: e.cfg.Rate}
	legs := make([]*domain.Leg, 0, 4)
	for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
		long := pricing.StrikeByTargetDelta(chain, opt, e.cfg.BuyDelta, params)
		short := pricing.StrikeByTargetDelta(chain, opt, e.cfg.SellDelta, params)
		if long == nil || short == nil {
			return nil, fmt.Errorf("%w: no %s strikes at target deltas", ports.ErrChainLookupFailed, opt)
		}
		if short.Strike == long.Strike {
			// Buy and sell legs must not collide on one strike; push the
			// short one strike further out of the money.
			short = pricing.NextStrikeOut(chain, opt, expiry, long.Strike)
			if short == nil {
				return nil, fmt.Errorf("%w: no adjacent %s strike beyond %.0f", ports.ErrChainLookupFailed, opt, long.Strike)
			}
		}
		legs = append(legs,
			e.newLeg(long, domain.Buy, sidePriority(opt)),
			e.newLeg(short, domain.Sell, sidePriority(opt)),
		)
	}
	return legs, nil
}

// buildSingleLeg sells one put at the sell-delta target.
func (e *Engine) buildSingleLeg(now time.Time, spot float64, chain []domain.OptionInstrument, expiry time.Time) ([]*domain.Leg, error) {
	params := pricing.SelectionParams{Spot: spot, Expiry: expiry, Now: now, IV: e.cfg.IV, Rate: e.cfg.Rate}
	short := pricing.StrikeByTargetDelta(chain, domain.Put, e.cfg.SellDelta, params)
	if short == nil {
		return nil, fmt.Errorf("%w: no put strike at target delta", ports.ErrChainLookupFailed)
	}
	return []*domain.Leg{e.newLeg(short, domain.Sell, 1)}, nil
}

// sidePriority fixes the exit ordering within a side: call legs exit
// before put legs.
func sidePriority(opt domain.OptionType) int {
	if opt == domain.Call {
		return 1
	}
	return 2
}

func (e *Engine) newLeg(inst *domain.OptionInstrument, side domain.OrderSide, priority int) *domain.Leg {
	return &domain.Leg{
		Symbol:       inst.Symbol,
		Side:         side,
		OptionType:   inst.OptionType,
		Strike:       inst.Strike,
		LotSize:      e.cfg.LotSize,
		Status:       domain.LegActive,
		ExitPriority: priority,
	}
}

// priceLegs stamps entry premiums from live quotes. A leg without a quote
// aborts the entry; an unpriced leg cannot pass the credit floor check.
func (e *Engine) priceLegs(ctx context.Context, legs []*domain.Leg) error {
	symbols := make([]string, 0, len(legs))
	for _, l := range legs {
		symbols = append(symbols, l.Symbol)
	}
	quotes, err := e.feed.GetLTP(ctx, symbols)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrQuoteLookupFailed, err)
	}
	for _, l := range legs {
		p, ok := quotes[l.Symbol]
		if !ok || p <= 0 {
			return fmt.Errorf("%w: no premium for %s", ports.ErrQuoteLookupFailed, l.Symbol)
		}
		l.EntryPremium = p
		l.CurrentPremium = p
		l.PeakPremium = p
	}
	return nil
}
