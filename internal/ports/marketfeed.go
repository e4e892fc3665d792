package ports

import (
	"context"
	"time"

	"optionsBot/internal/domain"
)

// MarketFeed provides spot/option quotes, the option chain and historical
// candles. All calls are bounded; on failure the engine skips the tick and
// retries on the next cadence rather than blocking the decision loop.
type MarketFeed interface {
	// GetLTP returns last traded prices keyed by symbol. Symbols with no
	// quote are absent from the map rather than reported as an error.
	GetLTP(ctx context.Context, symbols []string) (map[string]float64, error)

	// GetOptionChain returns the tradable option instruments for an
	// underlying, all expiries included.
	GetOptionChain(ctx context.Context, underlying string) ([]domain.OptionInstrument, error)

	// GetHistoricalCandles returns candles for a token in [from, to],
	// sorted ascending by date.
	GetHistoricalCandles(ctx context.Context, token, interval string, from, to time.Time) ([]*domain.Candle, error)
}
