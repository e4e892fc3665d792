package domain

// Leg represents one option contract position within a multi-leg strategy.
type Leg struct {
	Symbol         string     // Tradable symbol (e.g., "NIFTY24O0324800CE")
	Side           OrderSide  // BUY or SELL
	OptionType     OptionType // CE or PE
	Strike         float64    // Strike price
	LotSize        int        // Contract multiplier
	EntryPremium   float64    // Premium at fill time
	CurrentPremium float64    // Last observed premium (frozen once closed)
	PeakPremium    float64    // Highest premium observed since entry
	ExitPremium    float64    // Premium at exit (0 while active)
	Status         LegStatus
	ExitPriority   int    // Ordering rank within a side; lower exits first
	PendingOrderID string // Resting stop/trail order at the broker, if any
	CloseReason    CloseReason
}

// IsActive reports whether the leg is still open.
func (l *Leg) IsActive() bool {
	return l.Status == LegActive
}

// PNL returns the leg's profit in currency units. Sell legs profit when the
// premium falls, buy legs when it rises. Closed legs are frozen at their
// exit premium.
func (l *Leg) PNL() float64 {
	premium := l.CurrentPremium
	if l.Status == LegClosed {
		premium = l.ExitPremium
	}
	if l.Side == Sell {
		return (l.EntryPremium - premium) * float64(l.LotSize)
	}
	return (premium - l.EntryPremium) * float64(l.LotSize)
}

// MarkPremium records a fresh quote on an active leg and tracks the peak.
// Closed legs are never remarked.
func (l *Leg) MarkPremium(premium float64) {
	if l.Status == LegClosed {
		return
	}
	l.CurrentPremium = premium
	if premium > l.PeakPremium {
		l.PeakPremium = premium
	}
}

// Close marks the leg closed at the given premium. Calling Close on an
// already-closed leg is a no-op so a retried exit cannot double-book.
func (l *Leg) Close(exitPremium float64, reason CloseReason) bool {
	if l.Status == LegClosed {
		return false
	}
	l.Status = LegClosed
	l.ExitPremium = exitPremium
	l.CurrentPremium = exitPremium
	l.CloseReason = reason
	l.PendingOrderID = ""
	return true
}

// Decay returns the fractional premium reduction from entry (seller profit).
// A leg quoted at 30 after entering at 100 has decayed 0.70.
func (l *Leg) Decay() float64 {
	if l.EntryPremium == 0 {
		return 0
	}
	premium := l.CurrentPremium
	if l.Status == LegClosed {
		premium = l.ExitPremium
	}
	return (l.EntryPremium - premium) / l.EntryPremium
}
