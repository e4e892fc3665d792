package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so the engine
// can branch with errors.Is without knowing the broker or storage details.
var (
	// General
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Market feed: a tick hitting one of these is skipped and retried on
	// the next cadence; the engine keeps the last known premiums.
	ErrFeedUnavailable   = errors.New("market feed is unavailable")
	ErrQuoteLookupFailed = errors.New("quote lookup failed")
	ErrChainLookupFailed = errors.New("option chain lookup failed")
	ErrNoHistoricalData  = errors.New("no historical candles for range")

	// Execution gateway: order failures are logged and the affected leg
	// keeps its prior status for retry on the next trigger.
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrOrderNotFound        = errors.New("order not found at broker")
	ErrOrderAlreadyFilled   = errors.New("order already filled")
	ErrInsufficientMargin   = errors.New("insufficient margin for order")

	// Engine outcomes callers branch on: neither is a fault. A busy slot
	// or a rejected credit just means no entry was taken this tick.
	ErrPositionNotIdle   = errors.New("strategy instance already holds a position")
	ErrEntryCreditBelow  = errors.New("entry credit below configured minimum")
	ErrTopologyViolation = errors.New("leg set does not match strategy topology")

	// Ledger
	ErrDuplicateEntry = errors.New("ledger record already exists")
	ErrQueryFailed    = errors.New("ledger query failed")
	ErrUpdateFailed   = errors.New("ledger update failed")
)
