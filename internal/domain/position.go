package domain

import "time"

// Adjustment records a roll or conversion applied to a position.
type Adjustment struct {
	Time       time.Time
	Type       AdjustmentType
	OptionType OptionType // Side of the book that was adjusted
	OldStrike  float64
	NewStrike  float64
	Credit     float64 // Incremental credit captured by the adjustment
}

// Alert records a risk-engine notification attached to a position.
type Alert struct {
	Time     time.Time
	Severity Severity
	Message  string
}

// Position is the leg set owned by one strategy instance. A strategy
// instance holds at most one non-idle position at a time.
type Position struct {
	ID                 string
	Instrument         string // Underlying (e.g., "NIFTY")
	Kind               StrategyKind
	Status             PositionStatus
	Legs               []*Leg
	EntryTime          time.Time
	ExpiryDate         time.Time
	ExitTime           time.Time
	SpotAtEntry        float64
	NetCredit          float64 // Σ sell premiums − Σ buy premiums at entry, per unit
	PNL                float64 // Aggregate over legs, recomputed on every mutation
	TrailLockedProfit  float64 // Monotonic profit floor for the last surviving leg
	SystemRolls        int
	DiscretionaryRolls int
	MaxRolls           int
	Adjustments        []Adjustment
	Alerts             []Alert
	CloseReason        CloseReason
}

// RecomputePNL refreshes the aggregate pnl from the legs and returns it.
// The invariant position.PNL == Σ leg.PNL() holds after every call.
func (p *Position) RecomputePNL() float64 {
	var total float64
	for _, l := range p.Legs {
		total += l.PNL()
	}
	p.PNL = total
	return total
}

// ActiveLegs returns the legs still open.
func (p *Position) ActiveLegs() []*Leg {
	out := make([]*Leg, 0, len(p.Legs))
	for _, l := range p.Legs {
		if l.IsActive() {
			out = append(out, l)
		}
	}
	return out
}

// LegsBySide returns active legs on the given side.
func (p *Position) LegsBySide(side OrderSide) []*Leg {
	out := make([]*Leg, 0, len(p.Legs))
	for _, l := range p.Legs {
		if l.IsActive() && l.Side == side {
			out = append(out, l)
		}
	}
	return out
}

// FindLeg returns the leg currently playing the side/option-type role.
// An active leg wins over a closed one, so after a roll appends
// replacement legs the replacements are the ones found; a closed leg is
// returned only when no active match exists. Returns nil when the
// topology has no such leg.
func (p *Position) FindLeg(side OrderSide, opt OptionType) *Leg {
	var closed *Leg
	for _, l := range p.Legs {
		if l.Side != side || l.OptionType != opt {
			continue
		}
		if l.IsActive() {
			return l
		}
		if closed == nil {
			closed = l
		}
	}
	return closed
}

// RollBudgetLeft reports whether another roll fits under maxRolls.
func (p *Position) RollBudgetLeft() bool {
	return p.SystemRolls+p.DiscretionaryRolls < p.MaxRolls
}

// IsLastLeg reports the trailing sub-state: exactly one BUY leg survives
// with no SELL legs active.
func (p *Position) IsLastLeg() bool {
	buys, sells := 0, 0
	for _, l := range p.Legs {
		if !l.IsActive() {
			continue
		}
		if l.Side == Buy {
			buys++
		} else {
			sells++
		}
	}
	return buys == 1 && sells == 0
}

// RefreshStatus derives the position status from its legs. The topology
// leg count is the reference so a completed roll (closed legs replaced by
// fresh ones) reads ACTIVE again. It never resurrects a CLOSED position
// and leaves ADJUSTING alone; the engine clears that flag itself when a
// roll completes.
func (p *Position) RefreshStatus() {
	if p.Status == StatusClosed || p.Status == StatusIdle || p.Status == StatusAdjusting {
		return
	}
	active := len(p.ActiveLegs())
	switch {
	case active == 0:
		p.Status = StatusClosed
	case active < p.Kind.LegCount():
		p.Status = StatusPartial
	default:
		p.Status = StatusActive
	}
}

// IsClosed reports whether every leg is closed.
func (p *Position) IsClosed() bool {
	return len(p.ActiveLegs()) == 0
}

// RecordAlert appends an alert to the position log.
func (p *Position) RecordAlert(at time.Time, severity Severity, msg string) {
	p.Alerts = append(p.Alerts, Alert{Time: at, Severity: severity, Message: msg})
}
