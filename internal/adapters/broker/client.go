// Package broker adapts the Zerodha Kite Connect API to the engine's
// market-feed and execution-gateway ports. REST calls go through the
// official gokiteconnect SDK; live quotes come from its websocket ticker
// and are served out of an in-process LTP cache.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// instrumentsTTL bounds how long the NFO/NSE instrument dump is reused.
// The dump changes once a day when new weekly contracts are listed.
const instrumentsTTL = 6 * time.Hour

// indexSymbols maps the instrument names used in strategy configuration to
// the NSE index tradingsymbols Kite quotes them under.
var indexSymbols = map[string]string{
	"NIFTY":      "NIFTY 50",
	"BANKNIFTY":  "NIFTY BANK",
	"FINNIFTY":   "NIFTY FIN SERVICE",
	"MIDCPNIFTY": "NIFTY MID SELECT",
}

// Client implements ports.MarketFeed and ports.ExecutionGateway.
type Client struct {
	kc          *kiteconnect.Client
	apiKey      string
	accessToken string
	logger      ports.Logger

	reconnectDelay       time.Duration
	maxReconnectAttempts int

	// Last traded prices from the ticker, keyed by our symbol names.
	// GetLTP serves from this cache and falls back to REST for symbols
	// not yet streamed.
	mu    sync.RWMutex
	ticks map[string]float64

	// Cached instrument dump and the derived symbol/token lookups.
	instMu     sync.Mutex
	insts      kiteconnect.Instruments
	instLoaded time.Time
}

// Config holds configuration specific to the broker adapter.
type Config struct {
	APIKey               string
	AccessToken          string
	BaseURL              string // Optional API endpoint override
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a new broker client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for broker client")
	}
	if cfg.APIKey == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("broker API key and access token are required: %w", ports.ErrConfigurationError)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	kc := kiteconnect.New(cfg.APIKey)
	kc.SetAccessToken(cfg.AccessToken)
	if cfg.BaseURL != "" {
		kc.SetBaseURI(strings.TrimRight(cfg.BaseURL, "/"))
	}

	cfg.Logger.Info(context.Background(), "Broker client configured")
	return &Client{
		kc:                   kc,
		apiKey:               cfg.APIKey,
		accessToken:          cfg.AccessToken,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		ticks:                make(map[string]float64),
	}, nil
}

// qualify prefixes a symbol with its exchange the way Kite quote endpoints
// expect. Index names are translated to their NSE tradingsymbols; anything
// else is assumed to be an NFO option contract.
func qualify(symbol string) string {
	if idx, ok := indexSymbols[symbol]; ok {
		return kiteconnect.ExchangeNSE + ":" + idx
	}
	return kiteconnect.ExchangeNFO + ":" + symbol
}

// mapFeedError wraps an SDK failure from a data call in the matching ports
// sentinel.
func mapFeedError(err error) error {
	if err == nil {
		return nil
	}
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteconnect.NetworkError, kiteconnect.GeneralError:
			return fmt.Errorf("%w: %v", ports.ErrFeedUnavailable, err)
		case kiteconnect.TokenError, kiteconnect.PermissionError:
			return fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
		case kiteconnect.InputError:
			return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
		}
		return fmt.Errorf("%w: %v", ports.ErrUnknown, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
	}
	return fmt.Errorf("%w: %v", ports.ErrFeedUnavailable, err)
}

// mapOrderError wraps an SDK failure from an order call in the matching
// ports sentinel. Already-filled and unknown orders come back as their own
// sentinels so cancellation can treat them as informational.
func mapOrderError(err error) error {
	if err == nil {
		return nil
	}
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		msg := strings.ToLower(kerr.Message)
		switch {
		case kerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ports.ErrOrderNotFound, err)
		case kerr.ErrorType == kiteconnect.OrderError && (strings.Contains(msg, "complete") || strings.Contains(msg, "cancel")):
			return fmt.Errorf("%w: %v", ports.ErrOrderAlreadyFilled, err)
		case strings.Contains(msg, "margin") || strings.Contains(msg, "funds"):
			return fmt.Errorf("%w: %v", ports.ErrInsufficientMargin, err)
		case kerr.ErrorType == kiteconnect.InputError:
			return fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
		case kerr.ErrorType == kiteconnect.TokenError, kerr.ErrorType == kiteconnect.PermissionError:
			return fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
		}
		return fmt.Errorf("%w: %v", ports.ErrUnknown, err)
	}
	return fmt.Errorf("%w: %v", ports.ErrFeedUnavailable, err)
}

// instruments returns the cached NFO+NSE instrument dump, refreshing it
// when stale. The NSE dump is needed for index tokens only.
func (c *Client) instruments(ctx context.Context) (kiteconnect.Instruments, error) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	if c.insts != nil && time.Since(c.instLoaded) < instrumentsTTL {
		return c.insts, nil
	}

	nfo, err := c.kc.GetInstrumentsByExchange(kiteconnect.ExchangeNFO)
	if err != nil {
		return nil, mapFeedError(err)
	}
	nse, err := c.kc.GetInstrumentsByExchange(kiteconnect.ExchangeNSE)
	if err != nil {
		return nil, mapFeedError(err)
	}

	c.insts = append(nfo, nse...)
	c.instLoaded = time.Now()
	c.logger.Info(ctx, "Instrument dump refreshed", map[string]interface{}{"instruments": len(c.insts)})
	return c.insts, nil
}

// tokenFor resolves a symbol to its instrument token.
func (c *Client) tokenFor(ctx context.Context, symbol string) (int, error) {
	name := symbol
	if idx, ok := indexSymbols[symbol]; ok {
		name = idx
	}
	insts, err := c.instruments(ctx)
	if err != nil {
		return 0, err
	}
	for i := range insts {
		if insts[i].Tradingsymbol == name {
			return insts[i].InstrumentToken, nil
		}
	}
	return 0, fmt.Errorf("%w: no instrument token for %s", ports.ErrNotFound, symbol)
}

// --- Market feed ---

// GetLTP returns last traded prices, preferring the ticker cache and
// falling back to the REST quote endpoint for symbols not yet streamed.
func (c *Client) GetLTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	op := "GetLTP"
	out := make(map[string]float64, len(symbols))

	var missing []string
	c.mu.RLock()
	for _, s := range symbols {
		if ltp, ok := c.ticks[s]; ok {
			out[s] = ltp
		} else {
			missing = append(missing, s)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(missing))
	bySymbol := make(map[string]string, len(missing))
	for _, s := range missing {
		q := qualify(s)
		ids = append(ids, q)
		bySymbol[q] = s
	}
	quotes, err := c.kc.GetLTP(ids...)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ports.ErrQuoteLookupFailed, mapFeedError(err))
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbols": len(missing)})
		return nil, wrapped
	}
	for id, q := range quotes {
		if s, ok := bySymbol[id]; ok {
			out[s] = q.LastPrice
		}
	}
	return out, nil
}

// chainFromInstruments filters an instrument dump down to the option
// contracts of one underlying.
func chainFromInstruments(insts kiteconnect.Instruments, underlying string) []domain.OptionInstrument {
	chain := make([]domain.OptionInstrument, 0, 256)
	for i := range insts {
		inst := &insts[i]
		if inst.Name != underlying || inst.Segment != "NFO-OPT" {
			continue
		}
		if inst.InstrumentType != string(domain.Call) && inst.InstrumentType != string(domain.Put) {
			continue
		}
		chain = append(chain, domain.OptionInstrument{
			Symbol:     inst.Tradingsymbol,
			Underlying: underlying,
			Strike:     inst.StrikePrice,
			OptionType: domain.OptionType(inst.InstrumentType),
			Expiry:     inst.Expiry.Time,
		})
	}
	return chain
}

// GetOptionChain retrieves the tradable option instruments for an underlying.
func (c *Client) GetOptionChain(ctx context.Context, underlying string) ([]domain.OptionInstrument, error) {
	op := "GetOptionChain"
	insts, err := c.instruments(ctx)
	if err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"underlying": underlying})
		return nil, fmt.Errorf("%w: %v", ports.ErrChainLookupFailed, err)
	}
	chain := chainFromInstruments(insts, underlying)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no option contracts for %s", ports.ErrChainLookupFailed, underlying)
	}
	return chain, nil
}

// GetHistoricalCandles retrieves candles for a symbol in [from, to].
func (c *Client) GetHistoricalCandles(ctx context.Context, symbol, interval string, from, to time.Time) ([]*domain.Candle, error) {
	op := "GetHistoricalCandles"
	token, err := c.tokenFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	data, err := c.kc.GetHistoricalData(token, interval, from, to, false, false)
	if err != nil {
		wrapped := mapFeedError(err)
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol, "interval": interval})
		return nil, wrapped
	}
	if len(data) == 0 {
		return nil, ports.ErrNoHistoricalData
	}

	candles := make([]*domain.Candle, 0, len(data))
	for _, d := range data {
		candles = append(candles, &domain.Candle{
			Date:   d.Date.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: float64(d.Volume),
		})
	}
	return candles, nil
}

// --- Execution gateway ---

// PlaceOrder submits a regular NFO order and returns the broker
// acknowledgement. For market orders the fill price is confirmed from the
// order history on a best-effort basis.
func (c *Client) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	op := "PlaceOrder"
	params := kiteconnect.OrderParams{
		Exchange:        kiteconnect.ExchangeNFO,
		Tradingsymbol:   spec.Symbol,
		TransactionType: string(spec.Side),
		Quantity:        spec.Quantity,
		Product:         kiteconnect.ProductNRML,
		OrderType:       spec.OrderType,
		Validity:        kiteconnect.ValidityDay,
		Tag:             spec.Tag,
	}
	if spec.Price > 0 {
		params.Price = spec.Price
	}
	if spec.Trigger > 0 {
		params.TriggerPrice = spec.Trigger
	}

	resp, err := c.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ports.ErrOrderPlacementFailed, mapOrderError(err))
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{
			"symbol": spec.Symbol, "side": string(spec.Side), "orderType": spec.OrderType,
		})
		return nil, wrapped
	}

	result := &ports.OrderResult{OrderID: resp.OrderID}
	if spec.OrderType == kiteconnect.OrderTypeMarket {
		result.AvgPrice = c.confirmFill(ctx, resp.OrderID)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": spec.Symbol, "side": string(spec.Side), "quantity": spec.Quantity,
		"orderType": spec.OrderType, "orderID": resp.OrderID, "avgPrice": result.AvgPrice,
	})
	return result, nil
}

// confirmFill reads the order history and returns the average fill price
// of a completed order, or 0 when the fill is not yet visible. Failures
// are logged and swallowed; the caller falls back to the quoted premium.
func (c *Client) confirmFill(ctx context.Context, orderID string) float64 {
	history, err := c.kc.GetOrderHistory(orderID)
	if err != nil {
		c.logger.Debug(ctx, "Fill confirmation unavailable", map[string]interface{}{"orderID": orderID, "error": err.Error()})
		return 0
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == kiteconnect.OrderStatusComplete {
			return history[i].AveragePrice
		}
	}
	return 0
}

// CancelOrder cancels an open order. Already-filled and unknown orders come
// back as ErrOrderAlreadyFilled / ErrOrderNotFound for the caller to treat
// as informational.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"orderID": orderID})

	if _, err := c.kc.CancelOrder(kiteconnect.VarietyRegular, orderID, nil); err != nil {
		mapped := mapOrderError(err)
		if errors.Is(mapped, ports.ErrOrderNotFound) || errors.Is(mapped, ports.ErrOrderAlreadyFilled) {
			return mapped
		}
		wrapped := fmt.Errorf("%w: %v", ports.ErrOrderCancelFailed, mapped)
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"orderID": orderID})
		return wrapped
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"orderID": orderID})
	return nil
}

// --- Tick stream ---

// StreamTicks subscribes to live LTP quotes for the given symbols over the
// Kite websocket ticker and keeps the quote cache fresh. Reconnection is
// handled by the ticker itself; errHandler is invoked for stream errors.
// The returned channel closes when the ticker loop exits.
func (c *Client) StreamTicks(ctx context.Context, symbols []string, errHandler func(error)) (<-chan struct{}, error) {
	op := "StreamTicks"

	insts, err := c.instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	byToken := make(map[uint32]string, len(symbols))
	tokens := make([]uint32, 0, len(symbols))
	for _, s := range symbols {
		name := s
		if idx, ok := indexSymbols[s]; ok {
			name = idx
		}
		found := false
		for i := range insts {
			if insts[i].Tradingsymbol == name {
				token := uint32(insts[i].InstrumentToken)
				byToken[token] = s
				tokens = append(tokens, token)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: %w: no instrument token for %s", op, ports.ErrNotFound, s)
		}
	}

	t := kiteticker.New(c.apiKey, c.accessToken)
	t.SetAutoReconnect(true)
	t.SetReconnectMaxRetries(c.maxReconnectAttempts)
	if err := t.SetReconnectMaxDelay(c.reconnectDelay * 16); err != nil {
		c.logger.Warn(ctx, op+": keeping default reconnect delay", map[string]interface{}{"error": err.Error()})
	}

	t.OnConnect(func() {
		c.logger.Info(ctx, "Tick stream established", map[string]interface{}{"symbols": len(tokens)})
		if err := t.Subscribe(tokens); err != nil {
			c.logger.Error(ctx, err, op+": subscribe failed")
			return
		}
		if err := t.SetMode(kiteticker.ModeLTP, tokens); err != nil {
			c.logger.Error(ctx, err, op+": set mode failed")
		}
	})
	t.OnReconnect(func(attempt int, delay time.Duration) {
		c.logger.Warn(ctx, op+": reconnecting", map[string]interface{}{"attempt": attempt, "delay": delay.String()})
	})
	t.OnError(func(err error) {
		c.logger.Warn(ctx, op+": stream error", map[string]interface{}{"error": err.Error()})
		if errHandler != nil {
			errHandler(err)
		}
	})
	t.OnNoReconnect(func(attempt int) {
		err := fmt.Errorf("%w: gave up after %d reconnect attempts", ports.ErrFeedUnavailable, attempt)
		c.logger.Error(ctx, err, op+": max reconnection attempts exceeded")
		if errHandler != nil {
			errHandler(err)
		}
	})
	t.OnTick(func(tick kitemodels.Tick) {
		symbol, ok := byToken[tick.InstrumentToken]
		if !ok {
			return
		}
		c.mu.Lock()
		c.ticks[symbol] = tick.LastPrice
		c.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.ServeWithContext(ctx)
		c.logger.Info(context.Background(), op+": ticker stopped")
	}()
	return done, nil
}
