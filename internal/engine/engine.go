package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionsBot/config"
	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// Engine owns the position lifecycle for one strategy instance: it opens,
// monitors, risk-adjusts and closes that instance's single position. Ticks
// for the same instance are serialized by the internal mutex; distinct
// instances hold disjoint positions and may tick concurrently.
//
// The three entry points (CheckEntry, Monitor, ExpiryExit) take the current
// time as an argument and never read the wall clock, so the backtest
// harness can replay them deterministically.
type Engine struct {
	cfg      *config.StrategyConfig
	logger   ports.Logger
	feed     ports.MarketFeed
	seq      *Sequencer
	ledger   ports.TradeLedger
	notifier ports.Notifier
	newID    func() string

	mu  sync.Mutex
	pos *domain.Position

	// Per-position alert latches so a threshold crossed on every tick
	// does not spam the notification channel.
	maxLossAlerted    bool
	discretionarySent bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Logger    ports.Logger
	Feed      ports.MarketFeed
	Sequencer *Sequencer
	Ledger    ports.TradeLedger
	Notifier  ports.Notifier
	// NewID overrides position ID generation; the backtest injects a
	// counter here so runs are byte-identical.
	NewID func() string
}

// New creates an engine for one strategy instance.
func New(cfg *config.StrategyConfig, deps Deps) (*Engine, error) {
	if cfg == nil || deps.Logger == nil || deps.Feed == nil || deps.Sequencer == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine: %w", ports.ErrConfigurationError)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		cfg:      cfg,
		logger:   deps.Logger,
		feed:     deps.Feed,
		seq:      deps.Sequencer,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		newID:    newID,
	}, nil
}

// Instrument returns the underlying this engine trades.
func (e *Engine) Instrument() string { return e.cfg.Instrument }

// Position returns the current position, or nil when the slot is idle.
func (e *Engine) Position() *domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// CheckEntry evaluates entry conditions at the given time and opens a
// position when they hold. Returns nil without error when now falls
// outside the entry window; a busy slot or a credit below the floor is
// reported through the matching sentinel so callers can branch with
// errors.Is without treating either as a fault.
func (e *Engine) CheckEntry(ctx context.Context, now time.Time) (*domain.Position, error) {
	op := "CheckEntry"
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos != nil {
		e.logger.Debug(ctx, op+": Slot already holds a position", map[string]interface{}{"positionID": e.pos.ID, "status": e.pos.Status})
		return nil, fmt.Errorf("%w: %s", ports.ErrPositionNotIdle, e.pos.ID)
	}
	if !e.cfg.InEntryWindow(now) {
		return nil, nil
	}
	if e.cfg.IsExpiryDay(now) && e.cfg.AfterExpiryCutoff(now) {
		return nil, nil
	}

	spot, err := e.spot(ctx)
	if err != nil {
		e.logger.Warn(ctx, op+": Spot lookup failed, tick skipped", map[string]interface{}{"instrument": e.cfg.Instrument, "error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ports.ErrQuoteLookupFailed, err)
	}

	chain, err := e.feed.GetOptionChain(ctx, e.cfg.Instrument)
	if err != nil {
		e.logger.Warn(ctx, op+": Option chain lookup failed, tick skipped", map[string]interface{}{"instrument": e.cfg.Instrument, "error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ports.ErrChainLookupFailed, err)
	}

	expiry := e.cfg.NextExpiry(now)
	legs, err := e.buildLegs(ctx, now, spot, chain, expiry)
	if err != nil {
		e.logger.Warn(ctx, op+": Leg construction failed, tick skipped", map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	// Net-debit topologies are gated on the same fraction of target,
	// applied to the premium magnitude.
	netCredit := math.Abs(entryNetCredit(legs))
	floor := e.cfg.MinCreditFraction * e.cfg.TargetCredit
	if netCredit < floor {
		e.logger.Info(ctx, op+": Entry rejected, credit below floor", map[string]interface{}{
			"netCredit": netCredit, "floor": floor, "targetCredit": e.cfg.TargetCredit,
		})
		return nil, fmt.Errorf("%w: %.2f < %.2f", ports.ErrEntryCreditBelow, netCredit, floor)
	}

	id := e.newID()
	placed, err := e.seq.OpenLegs(ctx, id, legs)
	if err != nil {
		// Some legs may already be on; unwind them rather than leaving a
		// lopsided book.
		e.logger.Warn(ctx, op+": Entry sequencing failed, unwinding placed legs", map[string]interface{}{"placed": len(placed)})
		if failed := e.seq.CloseLegs(ctx, placed, domain.CloseReasonManual); len(failed) > 0 {
			e.logger.Error(ctx, fmt.Errorf("%d legs could not be unwound", len(failed)), op+": UNWIND INCOMPLETE, manual intervention required")
		}
		return nil, err
	}
	e.seq.PlaceRestingStops(ctx, id, legs, e.cfg.LegStopPct)

	pos := &domain.Position{
		ID:          id,
		Instrument:  e.cfg.Instrument,
		Kind:        e.cfg.Kind,
		Status:      domain.StatusActive,
		Legs:        legs,
		EntryTime:   now,
		ExpiryDate:  expiry,
		SpotAtEntry: spot,
		NetCredit:   entryNetCredit(legs),
		MaxRolls:    e.cfg.MaxRolls,
	}
	pos.RecomputePNL()
	e.pos = pos
	e.maxLossAlerted = false
	e.discretionarySent = false

	if err := e.ledger.RecordEntry(ctx, pos); err != nil {
		// Persistence is fire-and-forget; the trade stands regardless.
		e.logger.Error(ctx, err, op+": Failed to record entry in ledger", map[string]interface{}{"positionID": pos.ID})
	}
	e.notify(ctx, now, domain.EventPositionOpened, domain.SeverityInfo,
		fmt.Sprintf("Opened %s %s position, net credit %.2f", e.cfg.Instrument, e.cfg.Kind, pos.NetCredit))
	e.logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"positionID": pos.ID, "legs": len(pos.Legs), "netCredit": pos.NetCredit, "spot": spot,
	})
	return pos, nil
}

// Monitor refreshes premiums and runs the risk engine at the given time.
// Feed failures skip the tick; the engine keeps the last known premiums and
// retries on the next cadence.
func (e *Engine) Monitor(ctx context.Context, now time.Time) error {
	op := "Monitor"
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.pos
	if pos == nil || pos.Status == domain.StatusClosed {
		return nil
	}

	active := pos.ActiveLegs()
	symbols := make([]string, 0, len(active))
	for _, l := range active {
		symbols = append(symbols, l.Symbol)
	}
	quotes, err := e.feed.GetLTP(ctx, symbols)
	if err != nil {
		e.logger.Warn(ctx, op+": Quote refresh failed, tick skipped", map[string]interface{}{"positionID": pos.ID, "error": err.Error()})
		return fmt.Errorf("%w: %v", ports.ErrQuoteLookupFailed, err)
	}
	for _, l := range active {
		if p, ok := quotes[l.Symbol]; ok {
			l.MarkPremium(p)
		} else {
			e.logger.Debug(ctx, op+": No quote for leg, keeping last premium", map[string]interface{}{"symbol": l.Symbol})
		}
	}

	pos.RecomputePNL()
	if err := e.ledger.UpdatePNL(ctx, pos.ID, pos.PNL); err != nil {
		e.logger.Error(ctx, err, op+": Failed to update ledger pnl", map[string]interface{}{"positionID": pos.ID})
	}
	e.notify(ctx, now, domain.EventPositionUpdate, domain.SeverityInfo,
		fmt.Sprintf("pnl %.2f", pos.PNL))

	if e.cfg.AfterTimeExit(now) {
		e.closeAllLocked(ctx, now, domain.CloseReasonTimeExit)
		return nil
	}

	e.evaluateRisk(ctx, now)

	pos.RefreshStatus()
	e.archiveIfClosed(ctx, now)
	return nil
}

// ExpiryExit force-closes any remaining legs once the expiry cutoff has
// been reached, via the standard sell-then-buy sequencing.
func (e *Engine) ExpiryExit(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil || !e.cfg.AfterExpiryCutoff(now) {
		return nil
	}
	e.closeAllLocked(ctx, now, domain.CloseReasonExpiry)
	return nil
}

// ClosePosition closes the current position on demand with the given
// reason (manual exits pass CloseReasonManual, the backtest passes
// CloseReasonEndOfData). Calling it with no open position, or on an
// already-closed position, is a no-op: it logs a warning and writes
// nothing to the ledger.
func (e *Engine) ClosePosition(ctx context.Context, now time.Time, reason domain.CloseReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil {
		e.logger.Warn(ctx, "ClosePosition: No open position, nothing to do")
		return nil
	}
	e.closeAllLocked(ctx, now, reason)
	return nil
}

// closeAllLocked exits every active leg sell-first and archives the
// position once all legs are closed. Legs whose exit orders failed stay
// active and are retried on the next trigger. Callers hold e.mu.
func (e *Engine) closeAllLocked(ctx context.Context, now time.Time, reason domain.CloseReason) {
	op := "closeAll"
	pos := e.pos
	if pos == nil || pos.Status == domain.StatusClosed {
		e.logger.Warn(ctx, op+": Position already closed, no-op")
		return
	}

	failed := e.seq.CloseLegs(ctx, pos.ActiveLegs(), reason)
	if pos.CloseReason == domain.CloseReasonUnspecified {
		pos.CloseReason = reason
	}
	if len(failed) > 0 {
		e.logger.Warn(ctx, op+": Some leg exits failed, will retry on next trigger", map[string]interface{}{"positionID": pos.ID, "failed": len(failed)})
	}
	pos.RecomputePNL()
	pos.RefreshStatus()
	e.archiveIfClosed(ctx, now)
}

// archiveIfClosed snapshots a fully-closed position to the ledger, emits
// the closed event, and resets the slot to idle. Callers hold e.mu.
func (e *Engine) archiveIfClosed(ctx context.Context, now time.Time) {
	op := "archive"
	pos := e.pos
	if pos == nil || !pos.IsClosed() {
		return
	}
	pos.Status = domain.StatusClosed
	pos.ExitTime = now
	reason := pos.CloseReason
	if reason == domain.CloseReasonUnspecified {
		reason = lastLegReason(pos)
		pos.CloseReason = reason
	}
	pos.RecomputePNL()

	if err := e.ledger.RecordClose(ctx, pos, reason); err != nil {
		e.logger.Error(ctx, err, op+": Failed to archive position", map[string]interface{}{"positionID": pos.ID})
	}
	e.notify(ctx, now, domain.EventPositionClosed, domain.SeverityInfo,
		fmt.Sprintf("Closed position, reason %q, pnl %.2f", reason, pos.PNL))
	e.logger.Info(ctx, op+": Position archived, slot idle", map[string]interface{}{
		"positionID": pos.ID, "reason": reason, "pnl": pos.PNL,
		"systemRolls": pos.SystemRolls, "discretionaryRolls": pos.DiscretionaryRolls,
	})
	e.pos = nil
}

// lastLegReason picks the archive reason when no position-level reason was
// set: the close reason of the leg that exited last.
func lastLegReason(pos *domain.Position) domain.CloseReason {
	reason := domain.CloseReasonUnspecified
	for _, l := range pos.Legs {
		if l.CloseReason != domain.CloseReasonUnspecified {
			reason = l.CloseReason
		}
	}
	return reason
}

func (e *Engine) spot(ctx context.Context) (float64, error) {
	quotes, err := e.feed.GetLTP(ctx, []string{e.cfg.Instrument})
	if err != nil {
		return 0, err
	}
	spot, ok := quotes[e.cfg.Instrument]
	if !ok || spot <= 0 {
		return 0, fmt.Errorf("no spot quote for %s: %w", e.cfg.Instrument, ports.ErrQuoteLookupFailed)
	}
	return spot, nil
}

func (e *Engine) notify(ctx context.Context, now time.Time, typ domain.EventType, sev domain.Severity, msg string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(ctx, domain.Event{
		Type:     typ,
		Severity: sev,
		Time:     now,
		Message:  msg,
		Position: e.pos,
	})
}

func entryNetCredit(legs []*domain.Leg) float64 {
	var credit float64
	for _, l := range legs {
		if l.Side == domain.Sell {
			credit += l.EntryPremium
		} else {
			credit -= l.EntryPremium
		}
	}
	return credit
}
