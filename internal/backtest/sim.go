package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionsBot/config"
	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
)

// simFeed implements ports.MarketFeed against the candle currently being
// replayed. Option premiums are derived from the pricing utility's
// spot-distance decay model, so identical candles always quote identical
// premiums.
type simFeed struct {
	cfg     *config.StrategyConfig
	candles []*domain.Candle

	now  time.Time
	spot float64

	// Symbol index for every instrument ever handed out via the chain.
	instruments map[string]domain.OptionInstrument
}

func newSimFeed(cfg *config.StrategyConfig, candles []*domain.Candle) *simFeed {
	return &simFeed{
		cfg:         cfg,
		candles:     candles,
		instruments: make(map[string]domain.OptionInstrument),
	}
}

// advance moves the simulated clock to the given candle.
func (f *simFeed) advance(c *domain.Candle) {
	f.now = c.Date
	f.spot = c.Close
}

func (f *simFeed) premiumOf(inst domain.OptionInstrument) float64 {
	tYears := inst.Expiry.Sub(f.now).Hours() / (24.0 * 365.0)
	return pricing.EstimatePremium(f.spot, inst.Strike, tYears, f.cfg.IV, inst.OptionType)
}

// GetLTP quotes the underlying at the candle close and options from the
// decay model.
func (f *simFeed) GetLTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if s == f.cfg.Instrument {
			out[s] = f.spot
			continue
		}
		inst, ok := f.instruments[s]
		if !ok {
			continue
		}
		out[s] = f.premiumOf(inst)
	}
	return out, nil
}

// GetOptionChain generates a synthetic chain on the strike grid around the
// current spot for the next expiry.
func (f *simFeed) GetOptionChain(ctx context.Context, underlying string) ([]domain.OptionInstrument, error) {
	expiry := f.cfg.NextExpiry(f.now)
	step := f.cfg.StrikeStep
	low := f.spot * 0.85
	high := f.spot * 1.15

	var chain []domain.OptionInstrument
	for strike := (float64(int(low/step)) + 1) * step; strike <= high; strike += step {
		for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
			inst := domain.OptionInstrument{
				Symbol:     fmt.Sprintf("%s%s%.0f%s", underlying, expiry.Format("06Jan02"), strike, opt),
				Underlying: underlying,
				Strike:     strike,
				OptionType: opt,
				Expiry:     expiry,
			}
			f.instruments[inst.Symbol] = inst
			chain = append(chain, inst)
		}
	}
	return chain, nil
}

// GetHistoricalCandles serves the loaded candle set filtered to the range.
func (f *simFeed) GetHistoricalCandles(ctx context.Context, token, interval string, from, to time.Time) ([]*domain.Candle, error) {
	var out []*domain.Candle
	for _, c := range f.candles {
		if !c.Date.Before(from) && !c.Date.After(to) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ports.ErrNoHistoricalData
	}
	return out, nil
}

// gatewayCall records one gateway invocation for sequencing assertions.
type gatewayCall struct {
	Kind   string // "place" or "cancel"
	Symbol string
	Side   domain.OrderSide
	Type   string
}

// simGateway implements ports.ExecutionGateway with immediate fills at the
// simulated premium. Resting stop orders are accepted but never trigger;
// the engine's own monitoring performs all exits in a backtest.
type simGateway struct {
	feed *simFeed

	mu     sync.Mutex
	orders int
	calls  []gatewayCall
}

func newSimGateway(feed *simFeed) *simGateway {
	return &simGateway{feed: feed}
}

func (g *simGateway) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders++
	g.calls = append(g.calls, gatewayCall{Kind: "place", Symbol: spec.Symbol, Side: spec.Side, Type: spec.OrderType})

	res := &ports.OrderResult{OrderID: fmt.Sprintf("SIM-%06d", g.orders)}
	if spec.OrderType == "MARKET" {
		if inst, ok := g.feed.instruments[spec.Symbol]; ok {
			res.AvgPrice = g.feed.premiumOf(inst)
		}
	}
	return res, nil
}

func (g *simGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{Kind: "cancel", Symbol: orderID})
	return nil
}

// memLedger implements ports.TradeLedger in memory, archiving snapshots in
// arrival order.
type memLedger struct {
	mu     sync.Mutex
	nextID int64
	trades []*domain.Trade
}

func newMemLedger() *memLedger {
	return &memLedger{}
}

func (m *memLedger) RecordEntry(ctx context.Context, pos *domain.Position) error { return nil }

func (m *memLedger) UpdatePNL(ctx context.Context, positionID string, pnl float64) error { return nil }

func (m *memLedger) RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.SnapshotTrade(pos, reason)
	m.nextID++
	t.ID = m.nextID
	m.trades = append(m.trades, t)
	return nil
}

func (m *memLedger) FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for i := len(m.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.trades[i].Instrument == instrument {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}
