package ports

import (
	"context"

	"optionsBot/internal/domain"
)

// TradeLedger persists position snapshots and archived trades. Writes are
// fire-and-forget from the engine's point of view: failures are logged and
// retried independently of the trading decision path.
type TradeLedger interface {
	// RecordEntry stores the freshly opened position and its legs.
	RecordEntry(ctx context.Context, pos *domain.Position) error
	// UpdatePNL refreshes the stored aggregate pnl for an open position.
	UpdatePNL(ctx context.Context, positionID string, pnl float64) error
	// RecordClose archives a fully closed position as an immutable trade.
	RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error
	// FindTrades returns archived trades for an instrument, newest first.
	FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error)
}

// Notifier is the outbound notification channel for UI consumers.
// Implementations must never block the caller.
type Notifier interface {
	Publish(ctx context.Context, event domain.Event)
}
