package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"optionsBot/internal/domain"
)

// Trailing-lock step table: the first ₹1,000 of last-leg profit locks a
// ₹250 floor, every further ₹1,000 adds ₹750. The lock only ever rises.
const (
	trailBase     = 1000.0
	trailBaseLock = 250.0
	trailStep     = 1000.0
	trailStepLock = 750.0
)

// trailLockFor maps realized last-leg profit to the locked floor.
func trailLockFor(profit float64) float64 {
	if profit < trailBase {
		return 0
	}
	steps := math.Floor((profit - trailBase) / trailStep)
	return trailBaseLock + steps*trailStepLock
}

// evaluateRisk runs the per-tick threshold checks in priority order:
// combined stop, then per-spread expansion rules (call side before put,
// the documented tie-break), then delta-neutral leg stops, then the
// trailing lock. Callers hold e.mu.
func (e *Engine) evaluateRisk(ctx context.Context, now time.Time) {
	pos := e.pos
	if pos == nil || pos.IsClosed() {
		return
	}

	// Combined stop before any per-leg check.
	netBasis := math.Abs(pos.NetCredit) * float64(e.cfg.LotSize)
	if netBasis > 0 && pos.PNL <= -e.cfg.CombinedStopPct*netBasis {
		msg := fmt.Sprintf("Combined stop hit: pnl %.2f breaches %.0f%% of net premium", pos.PNL, e.cfg.CombinedStopPct*100)
		pos.RecordAlert(now, domain.SeverityCritical, msg)
		e.notify(ctx, now, domain.EventAlert, domain.SeverityCritical, msg)
		e.closeAllLocked(ctx, now, domain.CloseReasonCombinedSL)
		return
	}

	// Max-loss hold: at the configured loss on entry notional the engine
	// deliberately does not exit. The hedge already bounds the loss and a
	// forced exit would crystallize a reversible one. Alert once and hold.
	if notional := pos.SpotAtEntry * float64(e.cfg.LotSize); notional > 0 && !e.maxLossAlerted &&
		pos.PNL <= -e.cfg.MaxLossPct*notional {
		e.maxLossAlerted = true
		msg := fmt.Sprintf("Max loss %.1f%% reached; holding to expiry", e.cfg.MaxLossPct*100)
		pos.RecordAlert(now, domain.SeverityHigh, msg)
		e.notify(ctx, now, domain.EventAlert, domain.SeverityHigh, msg)
	}

	switch e.cfg.Kind {
	case domain.KindSpread:
		// Call side first; when both sides qualify in one tick this order
		// can consume the roll budget before the put side is seen.
		for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
			e.evaluateSpread(ctx, now, opt)
			if e.pos == nil || pos.IsClosed() {
				return
			}
		}
	case domain.KindDeltaNeutral:
		e.evaluateLegStops(ctx, now)
	}

	e.evaluateTrailingLock(ctx, now)
}

// evaluateSpread applies the expansion/decay rules to one vertical.
func (e *Engine) evaluateSpread(ctx context.Context, now time.Time, opt domain.OptionType) {
	op := "evaluateSpread"
	pos := e.pos
	short := pos.FindLeg(domain.Sell, opt)
	hedge := pos.FindLeg(domain.Buy, opt)
	if short == nil || hedge == nil || !short.IsActive() || !hedge.IsActive() {
		return
	}

	entryCredit := short.EntryPremium - hedge.EntryPremium
	if entryCredit <= 0 {
		return
	}
	currentCost := short.CurrentPremium - hedge.CurrentPremium
	expansion := currentCost / entryCredit

	oppCredit, oppDecay := e.opposingSide(opt)

	// 4x exit: the opposing side's decayed credit offsets the stop, so a
	// spread under pressure gets more room the more the other side has
	// already paid for it. Fires regardless of roll budget.
	if expansion >= e.cfg.ExpansionExit {
		effectiveSL := e.cfg.ExpansionExit*entryCredit - oppCredit*oppDecay
		if currentCost >= effectiveSL {
			msg := fmt.Sprintf("%s spread cost %.2f breached 4x stop %.2f (expansion %.2f)", opt, currentCost, effectiveSL, expansion)
			pos.RecordAlert(now, domain.SeverityCritical, msg)
			e.notify(ctx, now, domain.EventAlert, domain.SeverityCritical, msg)
			e.seq.CloseLegs(ctx, []*domain.Leg{short, hedge}, domain.CloseReasonFourXSL)
			pos.RecomputePNL()
			e.logger.Info(ctx, op+": Spread exited on 4x stop", map[string]interface{}{"positionID": pos.ID, "side": opt, "expansion": expansion})
			return
		}
	}

	// 3x roll: the losing side is replaced nearer to spot while the
	// opposing decay funds it, within the roll budget.
	if expansion >= e.cfg.ExpansionRoll && oppDecay >= e.cfg.RollDecay && pos.RollBudgetLeft() {
		e.rollSpread(ctx, now, opt, short, hedge)
		return
	}

	// Expiry-day discretionary suggestion: never auto-executed.
	if e.cfg.IsExpiryDay(now) && !e.discretionarySent && short.Decay() >= e.cfg.DiscretionaryDecay && pos.RollBudgetLeft() {
		e.discretionarySent = true
		msg := fmt.Sprintf("%s short decayed %.0f%%; discretionary roll available", opt, short.Decay()*100)
		pos.RecordAlert(now, domain.SeverityInfo, msg)
		e.notify(ctx, now, domain.EventAlert, domain.SeverityInfo, msg)
	}
}

// opposingSide returns the entry net credit and current short-leg decay of
// the other side of the book. Zeroes when that side is gone.
func (e *Engine) opposingSide(opt domain.OptionType) (credit, decay float64) {
	other := domain.Put
	if opt == domain.Put {
		other = domain.Call
	}
	short := e.pos.FindLeg(domain.Sell, other)
	hedge := e.pos.FindLeg(domain.Buy, other)
	if short == nil {
		return 0, 0
	}
	credit = short.EntryPremium
	if hedge != nil {
		credit -= hedge.EntryPremium
	}
	return credit, short.Decay()
}

// rollSpread closes the losing vertical and reopens it against the current
// spot, capturing incremental credit. The position carries the ADJUSTING
// flag while the roll is in flight.
func (e *Engine) rollSpread(ctx context.Context, now time.Time, opt domain.OptionType, short, hedge *domain.Leg) {
	op := "rollSpread"
	pos := e.pos
	prevStatus := pos.Status
	pos.Status = domain.StatusAdjusting
	oldStrike := short.Strike

	e.logger.Info(ctx, op+": Rolling spread", map[string]interface{}{"positionID": pos.ID, "side": opt, "oldStrike": oldStrike, "systemRolls": pos.SystemRolls})

	// Close first, sell before buy as always.
	if failed := e.seq.CloseLegs(ctx, []*domain.Leg{short, hedge}, domain.CloseReasonRoll); len(failed) > 0 {
		e.logger.Warn(ctx, op+": Roll aborted, leg close failed; will retry next tick", map[string]interface{}{"positionID": pos.ID, "side": opt})
		pos.Status = prevStatus
		return
	}
	pos.RecomputePNL()

	// The old side is flat now, so a feed failure below leaves a bounded
	// book; the replacement is simply not opened.
	spot, err := e.spot(ctx)
	if err != nil {
		e.logger.Error(ctx, err, op+": Spot lookup failed after close, roll incomplete", map[string]interface{}{"positionID": pos.ID})
		pos.Status = prevStatus
		pos.RefreshStatus()
		return
	}
	chain, err := e.feed.GetOptionChain(ctx, e.cfg.Instrument)
	if err != nil {
		e.logger.Error(ctx, err, op+": Chain lookup failed after close, roll incomplete", map[string]interface{}{"positionID": pos.ID})
		pos.Status = prevStatus
		pos.RefreshStatus()
		return
	}

	newShort, newHedge, err := e.buildSpreadSide(spot, chain, pos.ExpiryDate, opt)
	if err != nil {
		e.logger.Error(ctx, err, op+": Replacement strikes unavailable, roll incomplete", map[string]interface{}{"positionID": pos.ID})
		pos.Status = prevStatus
		pos.RefreshStatus()
		return
	}
	if err := e.priceLegs(ctx, []*domain.Leg{newShort, newHedge}); err != nil {
		e.logger.Error(ctx, err, op+": Replacement quotes unavailable, roll incomplete", map[string]interface{}{"positionID": pos.ID})
		pos.Status = prevStatus
		pos.RefreshStatus()
		return
	}

	placed, err := e.seq.OpenLegs(ctx, pos.ID, []*domain.Leg{newHedge, newShort})
	if err != nil {
		e.logger.Warn(ctx, op+": Replacement sequencing failed, unwinding", map[string]interface{}{"placed": len(placed)})
		if failed := e.seq.CloseLegs(ctx, placed, domain.CloseReasonManual); len(failed) > 0 {
			e.logger.Error(ctx, fmt.Errorf("%d legs could not be unwound", len(failed)), op+": UNWIND INCOMPLETE")
		}
		pos.Status = prevStatus
		pos.RefreshStatus()
		return
	}
	e.seq.PlaceRestingStops(ctx, pos.ID, []*domain.Leg{newShort, newHedge}, e.cfg.LegStopPct)

	credit := newShort.EntryPremium - newHedge.EntryPremium
	pos.Legs = append(pos.Legs, newShort, newHedge)
	pos.NetCredit += credit
	pos.SystemRolls++
	pos.Adjustments = append(pos.Adjustments, domain.Adjustment{
		Time:       now,
		Type:       domain.RollSystem,
		OptionType: opt,
		OldStrike:  oldStrike,
		NewStrike:  newShort.Strike,
		Credit:     credit,
	})

	// Short strikes meeting on one strike turns the book into an iron fly.
	if oppShort := e.pos.FindLeg(domain.Sell, otherType(opt)); oppShort != nil && oppShort.IsActive() && oppShort.Strike == newShort.Strike {
		pos.Adjustments = append(pos.Adjustments, domain.Adjustment{
			Time:       now,
			Type:       domain.IronFlyConversion,
			OptionType: opt,
			OldStrike:  oldStrike,
			NewStrike:  newShort.Strike,
		})
		e.logger.Info(ctx, op+": Iron fly conversion recorded", map[string]interface{}{"positionID": pos.ID, "strike": newShort.Strike})
	}

	pos.Status = domain.StatusActive
	pos.RefreshStatus()
	pos.RecomputePNL()
	e.notify(ctx, now, domain.EventRollRecorded, domain.SeverityHigh,
		fmt.Sprintf("Rolled %s side %.0f -> %.0f, credit %.2f (roll %d/%d)", opt, oldStrike, newShort.Strike, credit, pos.SystemRolls+pos.DiscretionaryRolls, pos.MaxRolls))
	e.logger.Info(ctx, op+": Roll complete", map[string]interface{}{
		"positionID": pos.ID, "side": opt, "newStrike": newShort.Strike, "credit": credit, "systemRolls": pos.SystemRolls,
	})
}

func otherType(opt domain.OptionType) domain.OptionType {
	if opt == domain.Call {
		return domain.Put
	}
	return domain.Call
}

// evaluateLegStops applies the delta-neutral per-leg rules: a long leg
// down 60% exits together with its paired short (the short hedges the
// long's gamma, so the pair must leave together, short first); a short leg
// up 60% exits alone.
func (e *Engine) evaluateLegStops(ctx context.Context, now time.Time) {
	op := "evaluateLegStops"
	pos := e.pos
	for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
		long := pos.FindLeg(domain.Buy, opt)
		short := pos.FindLeg(domain.Sell, opt)

		if long != nil && long.IsActive() && long.EntryPremium > 0 &&
			long.CurrentPremium <= long.EntryPremium*(1-e.cfg.LegStopPct) {
			pair := make([]*domain.Leg, 0, 2)
			if short != nil && short.IsActive() {
				pair = append(pair, short)
			}
			pair = append(pair, long)
			e.logger.Info(ctx, op+": Long leg stop hit, exiting pair", map[string]interface{}{"positionID": pos.ID, "side": opt, "premium": long.CurrentPremium})
			e.seq.CloseLegs(ctx, pair, domain.CloseReasonLegSL)
			pos.RecomputePNL()
			continue
		}

		if short != nil && short.IsActive() && short.Decay() >= e.cfg.LegStopPct {
			e.logger.Info(ctx, op+": Short leg target hit", map[string]interface{}{"positionID": pos.ID, "side": opt, "decay": short.Decay()})
			e.seq.ExitLeg(ctx, short, 0, domain.CloseReasonLegTarget)
			pos.RecomputePNL()
		}
	}
}

// evaluateTrailingLock runs the monotonic profit lock once the position is
// down to its last surviving long leg.
func (e *Engine) evaluateTrailingLock(ctx context.Context, now time.Time) {
	op := "evaluateTrailingLock"
	pos := e.pos
	if pos == nil || !pos.IsLastLeg() {
		return
	}
	var leg *domain.Leg
	for _, l := range pos.ActiveLegs() {
		leg = l
	}
	if leg == nil || leg.Side != domain.Buy {
		return
	}

	if lock := trailLockFor(leg.PNL()); lock > pos.TrailLockedProfit {
		pos.TrailLockedProfit = lock
		msg := fmt.Sprintf("Trail lock raised to %.0f", lock)
		pos.RecordAlert(now, domain.SeverityInfo, msg)
		e.notify(ctx, now, domain.EventAlert, domain.SeverityInfo, msg)
		e.logger.Info(ctx, op+": Trail lock raised", map[string]interface{}{"positionID": pos.ID, "lock": lock, "legPnl": leg.PNL()})
	}
	if pos.TrailLockedProfit <= 0 {
		return
	}

	floor := leg.EntryPremium + pos.TrailLockedProfit/float64(leg.LotSize)
	if leg.CurrentPremium <= floor {
		e.logger.Info(ctx, op+": Trail floor hit, exiting at floor", map[string]interface{}{"positionID": pos.ID, "floor": floor, "premium": leg.CurrentPremium})
		// The exit books at the floor premium, realizing exactly the
		// locked profit.
		e.seq.ExitLeg(ctx, leg, floor, domain.CloseReasonTrailSL)
		pos.RecomputePNL()
	}
}
