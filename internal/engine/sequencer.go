package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// Sequencer enforces the order-placement protocol against the execution
// gateway: hedge (BUY) legs fill before SELL legs on entry, SELL legs are
// bought back before BUY legs on every exit, and a leg's resting stop order
// is cancelled before its exit order goes out. Orders are always issued
// sequentially with a fixed delay between dependent placements.
type Sequencer struct {
	gateway ports.ExecutionGateway
	logger  ports.Logger
	delay   time.Duration
	sleep   func(time.Duration) // Injectable so the backtest replays without waiting
}

// NewSequencer creates a sequencer. A nil sleep defaults to time.Sleep.
func NewSequencer(gateway ports.ExecutionGateway, logger ports.Logger, delay time.Duration, sleep func(time.Duration)) (*Sequencer, error) {
	if gateway == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Sequencer")
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Sequencer{gateway: gateway, logger: logger, delay: delay, sleep: sleep}, nil
}

func byExitPriority(legs []*domain.Leg) []*domain.Leg {
	out := make([]*domain.Leg, len(legs))
	copy(out, legs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitPriority < out[j].ExitPriority })
	return out
}

// OpenLegs places the given legs: BUY legs first in ascending priority so
// the hedge is on before any short exposure exists, then SELL legs. It
// returns the legs actually placed; on error the caller unwinds those.
func (s *Sequencer) OpenLegs(ctx context.Context, tag string, legs []*domain.Leg) ([]*domain.Leg, error) {
	op := "OpenLegs"
	var buys, sells []*domain.Leg
	for _, l := range legs {
		if l.Side == domain.Buy {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}

	placed := make([]*domain.Leg, 0, len(legs))
	for _, l := range append(byExitPriority(buys), byExitPriority(sells)...) {
		res, err := s.gateway.PlaceOrder(ctx, ports.OrderSpec{
			Symbol:    l.Symbol,
			Side:      l.Side,
			Quantity:  l.LotSize,
			OrderType: "MARKET",
			Tag:       tag,
		})
		if err != nil {
			s.logger.Error(ctx, err, op+": Failed to place entry order", map[string]interface{}{"symbol": l.Symbol, "side": l.Side})
			return placed, fmt.Errorf("entry order for %s failed: %w", l.Symbol, err)
		}
		if res.AvgPrice > 0 {
			l.EntryPremium = res.AvgPrice
			l.CurrentPremium = res.AvgPrice
			l.PeakPremium = res.AvgPrice
		} else {
			// Fill confirmation unavailable; proceed optimistically on the
			// quoted premium rather than blocking.
			s.logger.Warn(ctx, op+": No fill price reported, using quoted premium", map[string]interface{}{"symbol": l.Symbol, "orderID": res.OrderID, "quoted": l.EntryPremium})
		}
		placed = append(placed, l)
		s.logger.Info(ctx, op+": Entry order placed", map[string]interface{}{"symbol": l.Symbol, "side": l.Side, "orderID": res.OrderID, "premium": l.EntryPremium})
		s.sleep(s.delay)
	}
	return placed, nil
}

// PlaceRestingStops submits broker-side stop orders for the given legs and
// records the order IDs for later cancellation. Best-effort: a leg whose
// stop could not be placed simply has no resting order.
func (s *Sequencer) PlaceRestingStops(ctx context.Context, tag string, legs []*domain.Leg, stopPct float64) {
	op := "PlaceRestingStops"
	for _, l := range legs {
		if !l.IsActive() {
			continue
		}
		var trigger float64
		var side domain.OrderSide
		if l.Side == domain.Sell {
			// Buy-back stop above entry for shorts.
			trigger = l.EntryPremium * (1 + stopPct)
			side = domain.Buy
		} else {
			trigger = l.EntryPremium * (1 - stopPct)
			side = domain.Sell
		}
		res, err := s.gateway.PlaceOrder(ctx, ports.OrderSpec{
			Symbol:    l.Symbol,
			Side:      side,
			Quantity:  l.LotSize,
			OrderType: "SL-M",
			Trigger:   trigger,
			Tag:       tag,
		})
		if err != nil {
			s.logger.Warn(ctx, op+": Failed to place resting stop, leg runs without one", map[string]interface{}{"symbol": l.Symbol, "trigger": trigger})
			continue
		}
		l.PendingOrderID = res.OrderID
		s.sleep(s.delay)
	}
}

// CancelResting cancels a leg's resting stop order if one exists. An
// already-filled or missing order is informational, not fatal; this is what
// prevents the double-fill race before a market exit.
func (s *Sequencer) CancelResting(ctx context.Context, leg *domain.Leg) {
	if leg.PendingOrderID == "" {
		return
	}
	op := "CancelResting"
	if err := s.gateway.CancelOrder(ctx, leg.PendingOrderID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) || errors.Is(err, ports.ErrOrderAlreadyFilled) {
			s.logger.Warn(ctx, op+": Resting order already filled or gone", map[string]interface{}{"symbol": leg.Symbol, "orderID": leg.PendingOrderID})
		} else {
			s.logger.Error(ctx, err, op+": Failed to cancel resting order", map[string]interface{}{"symbol": leg.Symbol, "orderID": leg.PendingOrderID})
		}
	}
	leg.PendingOrderID = ""
}

// ExitLeg cancels the leg's resting order, places the market exit and marks
// the leg closed. premiumOverride > 0 books the exit at that premium
// regardless of the reported fill (used by the trailing-lock floor);
// otherwise the broker fill price is used, falling back to the last known
// premium. Returns false when the exit order failed; the leg keeps its
// prior status so the next trigger retries it.
func (s *Sequencer) ExitLeg(ctx context.Context, leg *domain.Leg, premiumOverride float64, reason domain.CloseReason) bool {
	op := "ExitLeg"
	if !leg.IsActive() {
		s.logger.Warn(ctx, op+": Leg already closed, skipping", map[string]interface{}{"symbol": leg.Symbol})
		return true
	}

	s.CancelResting(ctx, leg)

	exitSide := domain.Buy
	if leg.Side == domain.Buy {
		exitSide = domain.Sell
	}
	res, err := s.gateway.PlaceOrder(ctx, ports.OrderSpec{
		Symbol:    leg.Symbol,
		Side:      exitSide,
		Quantity:  leg.LotSize,
		OrderType: "MARKET",
	})
	if err != nil {
		s.logger.Error(ctx, err, op+": Failed to place exit order, leg stays active for retry", map[string]interface{}{"symbol": leg.Symbol, "reason": reason})
		return false
	}

	exitPremium := premiumOverride
	if exitPremium <= 0 {
		exitPremium = res.AvgPrice
	}
	if exitPremium <= 0 {
		s.logger.Warn(ctx, op+": No fill price reported, using last known premium", map[string]interface{}{"symbol": leg.Symbol, "orderID": res.OrderID, "fallback": leg.CurrentPremium})
		exitPremium = leg.CurrentPremium
	}
	leg.Close(exitPremium, reason)
	s.logger.Info(ctx, op+": Leg closed", map[string]interface{}{"symbol": leg.Symbol, "exitPremium": exitPremium, "reason": reason, "pnl": leg.PNL()})
	s.sleep(s.delay)
	return true
}

// CloseLegs exits the given legs under the safety ordering: every resting
// order is cancelled first, then SELL legs are bought back in ascending
// exit priority (removing unbounded short exposure at the earliest point),
// then BUY legs are liquidated. Failures on individual legs are logged and
// the sequencer continues best-effort; the failed legs are returned so the
// caller can retry on the next trigger.
func (s *Sequencer) CloseLegs(ctx context.Context, legs []*domain.Leg, reason domain.CloseReason) []*domain.Leg {
	var sells, buys []*domain.Leg
	for _, l := range legs {
		if !l.IsActive() {
			continue
		}
		s.CancelResting(ctx, l)
		if l.Side == domain.Sell {
			sells = append(sells, l)
		} else {
			buys = append(buys, l)
		}
	}

	var failed []*domain.Leg
	for _, l := range append(byExitPriority(sells), byExitPriority(buys)...) {
		if !s.ExitLeg(ctx, l, 0, reason) {
			failed = append(failed, l)
		}
	}
	return failed
}
