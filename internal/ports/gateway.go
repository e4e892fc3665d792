package ports

import (
	"context"

	"optionsBot/internal/domain"
)

// OrderSpec describes a single order sent to the broker.
type OrderSpec struct {
	Symbol    string
	Side      domain.OrderSide
	Quantity  int     // Contracts × lot size
	Price     float64 // 0 for market orders
	OrderType string  // "MARKET" or "SL-M"
	Trigger   float64 // Trigger price for resting stop orders
	Tag       string  // Free-form correlation tag (position id)
}

// OrderResult is the broker acknowledgement for a placed order.
type OrderResult struct {
	OrderID  string
	AvgPrice float64 // 0 when the fill price is not yet known
}

// ExecutionGateway places and cancels orders against a broker. CancelOrder
// must be idempotent-safe: cancelling an already-filled or already-cancelled
// order returns ErrOrderAlreadyFilled / ErrOrderNotFound, which callers
// treat as informational.
type ExecutionGateway interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}
