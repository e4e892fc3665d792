package domain

import "time"

// Candle represents a single historical candlestick.
type Candle struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// OptionInstrument is one row of a broker option chain.
type OptionInstrument struct {
	Symbol     string
	Underlying string
	Strike     float64
	OptionType OptionType
	Expiry     time.Time
}

// SameExpiry reports whether two expiry timestamps fall on the same
// calendar day. Broker instrument dumps carry date-only expiries while the
// engine tracks expiry at the cutoff minute, so expiry matching is by day.
func SameExpiry(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// EventType names the notifications emitted by the engine.
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionUpdate EventType = "position_update"
	EventAlert          EventType = "alert"
	EventPositionClosed EventType = "position_closed"
	EventRollRecorded   EventType = "roll_recorded"
)

// Event carries a position snapshot and message to the notification channel.
type Event struct {
	Type     EventType
	Severity Severity
	Time     time.Time
	Message  string
	Position *Position
}
