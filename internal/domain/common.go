package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OptionType represents the option contract type.
type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// StrategyKind identifies the leg topology a strategy instance trades.
type StrategyKind string

const (
	KindSpread       StrategyKind = "SPREAD"        // two defined-risk verticals (4 legs)
	KindDeltaNeutral StrategyKind = "DELTA_NEUTRAL" // long straddle hedged by short legs (4 legs)
	KindSingleLeg    StrategyKind = "SINGLE_LEG"    // one naked leg
)

// LegCount returns the number of legs the topology opens.
func (k StrategyKind) LegCount() int {
	if k == KindSingleLeg {
		return 1
	}
	return 4
}

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	StatusIdle      PositionStatus = "IDLE"
	StatusActive    PositionStatus = "ACTIVE"
	StatusPartial   PositionStatus = "PARTIAL"   // some legs closed, survivors trailing
	StatusAdjusting PositionStatus = "ADJUSTING" // roll in flight
	StatusClosed    PositionStatus = "CLOSED"
)

// LegStatus represents the state of a single leg. Transitions are
// ACTIVE -> CLOSED only; a leg is never reopened.
type LegStatus string

const (
	LegActive LegStatus = "ACTIVE"
	LegClosed LegStatus = "CLOSED"
)

// CloseReason indicates why a leg or position was closed.
type CloseReason string

const (
	CloseReasonFourXSL     CloseReason = "4x SL"
	CloseReasonCombinedSL  CloseReason = "Combined SL"
	CloseReasonLegSL       CloseReason = "Leg SL"
	CloseReasonLegTarget   CloseReason = "Leg Target"
	CloseReasonTrailSL     CloseReason = "Trail SL Hit"
	CloseReasonRoll        CloseReason = "Rolled"
	CloseReasonExpiry      CloseReason = "Expiry Exit"
	CloseReasonTimeExit    CloseReason = "Time Exit"
	CloseReasonManual      CloseReason = "Manual"
	CloseReasonEndOfData   CloseReason = "End Of Data" // backtest only
	CloseReasonUnspecified CloseReason = ""
)

// AdjustmentType classifies an in-flight modification of a position.
type AdjustmentType string

const (
	RollSystem        AdjustmentType = "ROLL_SYSTEM"
	RollDiscretionary AdjustmentType = "ROLL_DISCRETIONARY"
	IronFlyConversion AdjustmentType = "IRON_FLY_CONVERSION"
)

// Severity grades notification events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)
