package domain

import "time"

// TradeLeg is the immutable per-leg snapshot archived with a trade.
type TradeLeg struct {
	Symbol       string
	Side         OrderSide
	OptionType   OptionType
	Strike       float64
	EntryPremium float64
	ExitPremium  float64
	PNL          float64
	CloseReason  CloseReason
}

// Trade is the archived ledger entry for a fully closed position.
type Trade struct {
	ID                 int64 // Assigned by the ledger
	PositionID         string
	Instrument         string
	Kind               StrategyKind
	EntryTime          time.Time
	ExitTime           time.Time
	SpotAtEntry        float64
	NetCredit          float64
	PNL                float64
	SystemRolls        int
	DiscretionaryRolls int
	CloseReason        CloseReason
	Legs               []TradeLeg
}

// SnapshotTrade freezes a closed position into its archived form.
func SnapshotTrade(p *Position, reason CloseReason) *Trade {
	t := &Trade{
		PositionID:         p.ID,
		Instrument:         p.Instrument,
		Kind:               p.Kind,
		EntryTime:          p.EntryTime,
		ExitTime:           p.ExitTime,
		SpotAtEntry:        p.SpotAtEntry,
		NetCredit:          p.NetCredit,
		PNL:                p.PNL,
		SystemRolls:        p.SystemRolls,
		DiscretionaryRolls: p.DiscretionaryRolls,
		CloseReason:        reason,
		Legs:               make([]TradeLeg, 0, len(p.Legs)),
	}
	for _, l := range p.Legs {
		t.Legs = append(t.Legs, TradeLeg{
			Symbol:       l.Symbol,
			Side:         l.Side,
			OptionType:   l.OptionType,
			Strike:       l.Strike,
			EntryPremium: l.EntryPremium,
			ExitPremium:  l.ExitPremium,
			PNL:          l.PNL(),
			CloseReason:  l.CloseReason,
		})
	}
	return t
}
