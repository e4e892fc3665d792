package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"optionsBot/config"
	"optionsBot/internal/domain"
	"optionsBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockFeed implements ports.MarketFeed from fixed quote maps.
type mockFeed struct {
	ltp      map[string]float64
	chain    []domain.OptionInstrument
	ltpErr   error
	chainErr error
}

func (m *mockFeed) GetLTP(ctx context.Context, symbols []string) (map[string]float64, error) {
	if m.ltpErr != nil {
		return nil, m.ltpErr
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := m.ltp[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (m *mockFeed) GetOptionChain(ctx context.Context, underlying string) ([]domain.OptionInstrument, error) {
	return m.chain, m.chainErr
}

func (m *mockFeed) GetHistoricalCandles(ctx context.Context, token, interval string, from, to time.Time) ([]*domain.Candle, error) {
	return nil, ports.ErrNoHistoricalData
}

// mockGateway records every order and fills market orders from a price map.
type mockGateway struct {
	orders  []ports.OrderSpec
	cancels []string
	fills   map[string]float64
	fail    map[string]bool // symbols whose market orders are rejected
	n       int
}

func (m *mockGateway) PlaceOrder(ctx context.Context, spec ports.OrderSpec) (*ports.OrderResult, error) {
	if m.fail[spec.Symbol] && spec.OrderType == "MARKET" {
		return nil, ports.ErrOrderPlacementFailed
	}
	m.orders = append(m.orders, spec)
	m.n++
	res := &ports.OrderResult{OrderID: fmt.Sprintf("ORD-%d", m.n)}
	if spec.OrderType == "MARKET" {
		res.AvgPrice = m.fills[spec.Symbol]
	}
	return res, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, orderID string) error {
	m.cancels = append(m.cancels, orderID)
	return nil
}

// marketOrders filters the recorded orders down to market executions.
func (m *mockGateway) marketOrders() []ports.OrderSpec {
	var out []ports.OrderSpec
	for _, o := range m.orders {
		if o.OrderType == "MARKET" {
			out = append(out, o)
		}
	}
	return out
}

// mockLedger records persistence calls in memory.
type mockLedger struct {
	entries []*domain.Position
	trades  []*domain.Trade
}

func (m *mockLedger) RecordEntry(ctx context.Context, pos *domain.Position) error {
	m.entries = append(m.entries, pos)
	return nil
}

func (m *mockLedger) UpdatePNL(ctx context.Context, positionID string, pnl float64) error {
	return nil
}

func (m *mockLedger) RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	m.trades = append(m.trades, domain.SnapshotTrade(pos, reason))
	return nil
}

func (m *mockLedger) FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error) {
	return m.trades, nil
}

// Monday 2025-06-02 is a normal trading day; expiry falls on Thursday the 5th.
var entryTime = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func spreadConfig() *config.StrategyConfig {
	cfg := &config.StrategyConfig{
		ID:              "test-spread",
		Instrument:      "NIFTY",
		Kind:            domain.KindSpread,
		LotSize:         50,
		StrikeStep:      50,
		OTMPercent:      0.02,
		HedgeWidth:      200,
		EntryStart:      config.MinuteOfDay{Hour: 9, Minute: 45},
		EntryEnd:        config.MinuteOfDay{Hour: 14, Minute: 30},
		ExpiryWeekday:   time.Thursday,
		MaxRolls:        2,
		TargetCredit:    20,
		CombinedStopPct: 2.0, // wide so per-spread rules are reached in tests
	}
	cfg.ApplyDefaults()
	return cfg
}

func testChain(expiry time.Time) []domain.OptionInstrument {
	var chain []domain.OptionInstrument
	for strike := 23000.0; strike <= 25000; strike += 50 {
		for _, opt := range []domain.OptionType{domain.Call, domain.Put} {
			chain = append(chain, domain.OptionInstrument{
				Symbol:     fmt.Sprintf("NIFTY%.0f%s", strike, opt),
				Underlying: "NIFTY",
				Strike:     strike,
				OptionType: opt,
				Expiry:     expiry,
			})
		}
	}
	return chain
}

// Strikes selected from spot 24000 with 2% OTM shorts and 200-wide hedges.
const (
	symShortCall = "NIFTY24500CE"
	symHedgeCall = "NIFTY24700CE"
	symShortPut  = "NIFTY23500PE"
	symHedgePut  = "NIFTY23300PE"
)

func entryQuotes() map[string]float64 {
	return map[string]float64{
		"NIFTY":      24000,
		symShortCall: 15,
		symHedgeCall: 3,
		symShortPut:  14,
		symHedgePut:  2,
	}
}

func newTestEngine(t *testing.T, cfg *config.StrategyConfig, feed *mockFeed, gw *mockGateway, ledger *mockLedger) *Engine {
	t.Helper()
	seq, err := NewSequencer(gw, &mockLogger{}, 0, func(time.Duration) {})
	require.NoError(t, err)

	var n int
	eng, err := New(cfg, Deps{
		Logger:    &mockLogger{},
		Feed:      feed,
		Sequencer: seq,
		Ledger:    ledger,
		NewID: func() string {
			n++
			return fmt.Sprintf("TST-%d", n)
		},
	})
	require.NoError(t, err)
	return eng
}

func openSpread(t *testing.T, cfg *config.StrategyConfig) (*Engine, *mockFeed, *mockGateway, *mockLedger, *domain.Position) {
	t.Helper()
	quotes := entryQuotes()
	feed := &mockFeed{ltp: quotes, chain: testChain(cfg.NextExpiry(entryTime))}
	gw := &mockGateway{fills: quotes}
	ledger := &mockLedger{}
	eng := newTestEngine(t, cfg, feed, gw, ledger)

	pos, err := eng.CheckEntry(context.Background(), entryTime)
	require.NoError(t, err)
	require.NotNil(t, pos)
	return eng, feed, gw, ledger, pos
}

func TestCheckEntry_OpensSpreadHedgeFirst(t *testing.T) {
	cfg := spreadConfig()
	_, _, gw, ledger, pos := openSpread(t, cfg)

	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Len(t, pos.Legs, 4)
	assert.InDelta(t, 24.0, pos.NetCredit, 1e-9) // 15+14-3-2
	assert.Equal(t, 24000.0, pos.SpotAtEntry)
	assert.Len(t, ledger.entries, 1)

	// Both hedges fill before any short exposure exists, call side first.
	markets := gw.marketOrders()
	require.Len(t, markets, 4)
	assert.Equal(t, symHedgeCall, markets[0].Symbol)
	assert.Equal(t, domain.Buy, markets[0].Side)
	assert.Equal(t, symHedgePut, markets[1].Symbol)
	assert.Equal(t, domain.Buy, markets[1].Side)
	assert.Equal(t, symShortCall, markets[2].Symbol)
	assert.Equal(t, domain.Sell, markets[2].Side)
	assert.Equal(t, symShortPut, markets[3].Symbol)
	assert.Equal(t, domain.Sell, markets[3].Side)

	// One resting stop per leg.
	var stops int
	for _, o := range gw.orders {
		if o.OrderType == "SL-M" {
			stops++
		}
	}
	assert.Equal(t, 4, stops)
}

func TestCheckEntry_RejectsCreditBelowFloor(t *testing.T) {
	cfg := spreadConfig() // floor = 0.8 * 20 = 16
	quotes := entryQuotes()
	quotes[symShortCall] = 8
	quotes[symShortPut] = 7
	quotes[symHedgeCall] = 2
	quotes[symHedgePut] = 3 // net credit 10

	feed := &mockFeed{ltp: quotes, chain: testChain(cfg.NextExpiry(entryTime))}
	gw := &mockGateway{fills: quotes}
	eng := newTestEngine(t, cfg, feed, gw, &mockLedger{})

	pos, err := eng.CheckEntry(context.Background(), entryTime)
	require.ErrorIs(t, err, ports.ErrEntryCreditBelow)
	assert.Nil(t, pos)
	assert.Nil(t, eng.Position())
	assert.Empty(t, gw.orders, "no orders may be placed for a rejected entry")
}

func TestCheckEntry_HeldSlotReportsNotIdle(t *testing.T) {
	cfg := spreadConfig()
	eng, _, gw, _, _ := openSpread(t, cfg)
	placed := len(gw.orders)

	pos, err := eng.CheckEntry(context.Background(), entryTime.Add(time.Minute))
	require.ErrorIs(t, err, ports.ErrPositionNotIdle)
	assert.Nil(t, pos)
	assert.Len(t, gw.orders, placed, "a held slot places nothing")
}

func TestCheckEntry_OutsideWindowIsNoOp(t *testing.T) {
	cfg := spreadConfig()
	feed := &mockFeed{ltp: entryQuotes(), chain: testChain(cfg.NextExpiry(entryTime))}
	gw := &mockGateway{fills: entryQuotes()}
	eng := newTestEngine(t, cfg, feed, gw, &mockLedger{})

	early := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	pos, err := eng.CheckEntry(context.Background(), early)
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Empty(t, gw.orders)
}

func TestCheckEntry_UnwindsOnSequencingFailure(t *testing.T) {
	cfg := spreadConfig()
	quotes := entryQuotes()
	feed := &mockFeed{ltp: quotes, chain: testChain(cfg.NextExpiry(entryTime))}
	gw := &mockGateway{fills: quotes, fail: map[string]bool{symShortCall: true}}
	eng := newTestEngine(t, cfg, feed, gw, &mockLedger{})

	pos, err := eng.CheckEntry(context.Background(), entryTime)
	require.Error(t, err)
	assert.Nil(t, pos)
	assert.Nil(t, eng.Position())

	// Both hedges were on before the short failed; both must be unwound.
	markets := gw.marketOrders()
	require.Len(t, markets, 4)
	assert.Equal(t, domain.Buy, markets[0].Side)
	assert.Equal(t, domain.Buy, markets[1].Side)
	assert.Equal(t, domain.Sell, markets[2].Side)
	assert.Equal(t, markets[0].Symbol, markets[2].Symbol)
	assert.Equal(t, domain.Sell, markets[3].Side)
	assert.Equal(t, markets[1].Symbol, markets[3].Symbol)
}

func TestMonitor_FourXStopExitsBreachedSide(t *testing.T) {
	cfg := spreadConfig()
	eng, feed, gw, _, pos := openSpread(t, cfg)

	// Call side cost 48 on entry credit 12: expansion 4.0. Opposing put
	// decay 0.70 funds an effective stop of 4*12 - 12*0.70 = 39.6.
	feed.ltp = map[string]float64{
		"NIFTY":      24450,
		symShortCall: 50,
		symHedgeCall: 2,
		symShortPut:  4.0,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp

	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))

	shortCall := pos.FindLeg(domain.Sell, domain.Call)
	hedgeCall := pos.FindLeg(domain.Buy, domain.Call)
	require.NotNil(t, shortCall)
	require.NotNil(t, hedgeCall)
	assert.False(t, shortCall.IsActive())
	assert.False(t, hedgeCall.IsActive())
	assert.Equal(t, domain.CloseReasonFourXSL, shortCall.CloseReason)
	assert.Equal(t, domain.CloseReasonFourXSL, hedgeCall.CloseReason)

	assert.True(t, pos.FindLeg(domain.Sell, domain.Put).IsActive())
	assert.True(t, pos.FindLeg(domain.Buy, domain.Put).IsActive())
	assert.Equal(t, domain.StatusPartial, pos.Status)

	// pnl invariant after a partial exit.
	var sum float64
	for _, l := range pos.Legs {
		sum += l.PNL()
	}
	assert.InDelta(t, sum, pos.PNL, 1e-9)
}

func TestMonitor_CombinedStopClosesEverything(t *testing.T) {
	cfg := spreadConfig()
	cfg.CombinedStopPct = 0.35 // threshold: 35% of 24*50 = -420
	eng, feed, gw, ledger, pos := openSpread(t, cfg)

	feed.ltp = map[string]float64{
		"NIFTY":      24100,
		symShortCall: 23, // -400
		symHedgeCall: 3,
		symShortPut:  20, // -300
		symHedgePut:  2,
	}
	gw.fills = feed.ltp

	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))

	assert.Nil(t, eng.Position(), "slot must be idle after a combined stop")
	require.Len(t, ledger.trades, 1)
	trade := ledger.trades[0]
	assert.Equal(t, domain.CloseReasonCombinedSL, trade.CloseReason)
	assert.InDelta(t, -700.0, trade.PNL, 1e-9)
	assert.Equal(t, pos.ID, trade.PositionID)

	// Exits ran sell side first, call before put within each side.
	markets := gw.marketOrders()
	require.Len(t, markets, 8) // 4 entries + 4 exits
	exits := markets[4:]
	assert.Equal(t, symShortCall, exits[0].Symbol)
	assert.Equal(t, symShortPut, exits[1].Symbol)
	assert.Equal(t, symHedgeCall, exits[2].Symbol)
	assert.Equal(t, symHedgePut, exits[3].Symbol)
}

func TestMonitor_ThreeXRollReplacesSide(t *testing.T) {
	cfg := spreadConfig()
	eng, feed, gw, _, pos := openSpread(t, cfg)

	// Call expansion 36/12 = 3.0, put decay 0.70, budget available.
	feed.ltp = map[string]float64{
		"NIFTY":      24000,
		symShortCall: 38,
		symHedgeCall: 2,
		symShortPut:  4.0,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp

	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))

	assert.Equal(t, 1, pos.SystemRolls)
	assert.Equal(t, domain.StatusActive, pos.Status)
	require.Len(t, pos.Adjustments, 1)
	adj := pos.Adjustments[0]
	assert.Equal(t, domain.RollSystem, adj.Type)
	assert.Equal(t, domain.Call, adj.OptionType)
	assert.Equal(t, 24500.0, adj.OldStrike)
	assert.InDelta(t, 36.0, adj.Credit, 1e-9) // 38 - 2 at the re-entry quotes

	// Rolled legs closed with the roll reason, replacements active.
	assert.Len(t, pos.Legs, 6)
	assert.Len(t, pos.ActiveLegs(), 4)
	assert.InDelta(t, 60.0, pos.NetCredit, 1e-9) // 24 + 36
	for _, l := range pos.Legs {
		if !l.IsActive() && l.OptionType == domain.Call {
			assert.Equal(t, domain.CloseReasonRoll, l.CloseReason)
		}
	}
}

func TestMonitor_RolledSideStaysUnderFourXStop(t *testing.T) {
	cfg := spreadConfig()
	cfg.CombinedStopPct = 5.0 // keep the aggregate stop out of the way
	eng, feed, gw, _, pos := openSpread(t, cfg)

	// First tick rolls the call side: expansion 3.0, put decay 0.70. From
	// spot 24000 the replacement lands on the same strikes at the current
	// quotes, booking 36 of fresh credit.
	feed.ltp = map[string]float64{
		"NIFTY":      24000,
		symShortCall: 38,
		symHedgeCall: 2,
		symShortPut:  4.0,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))
	require.Equal(t, 1, pos.SystemRolls)

	repShort := pos.FindLeg(domain.Sell, domain.Call)
	repHedge := pos.FindLeg(domain.Buy, domain.Call)
	require.NotNil(t, repShort)
	require.True(t, repShort.IsActive(), "lookup must land on the replacement, not the rolled-away leg")
	assert.InDelta(t, 38.0, repShort.EntryPremium, 1e-9)

	// Second tick breaches the replacement vertical: cost 148 on credit 36
	// is expansion 4.1, past the effective stop 4*36 - 12*(10/14) = 135.43.
	feed.ltp = map[string]float64{
		"NIFTY":      24400,
		symShortCall: 150,
		symHedgeCall: 2,
		symShortPut:  4.0,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(2*time.Hour)))

	assert.False(t, repShort.IsActive(), "replacement short must exit on the 4x stop")
	assert.False(t, repHedge.IsActive())
	assert.Equal(t, domain.CloseReasonFourXSL, repShort.CloseReason)
	assert.Equal(t, domain.CloseReasonFourXSL, repHedge.CloseReason)

	// The rolled-away legs keep their original close reason.
	for _, l := range pos.Legs {
		if l.OptionType == domain.Call && l != repShort && l != repHedge {
			assert.Equal(t, domain.CloseReasonRoll, l.CloseReason)
		}
	}

	assert.True(t, pos.FindLeg(domain.Sell, domain.Put).IsActive())
	assert.True(t, pos.FindLeg(domain.Buy, domain.Put).IsActive())
	assert.Equal(t, domain.StatusPartial, pos.Status)
}

func TestMonitor_ExpiryDayDiscretionarySuggestion(t *testing.T) {
	cfg := spreadConfig()
	eng, feed, gw, _, pos := openSpread(t, cfg)

	// Expiry morning with the call short decayed 87%: past the suggestion
	// threshold but nowhere near any expansion rule.
	feed.ltp = map[string]float64{
		"NIFTY":      24000,
		symShortCall: 2,
		symHedgeCall: 0.5,
		symShortPut:  13,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp
	expiryMorning := time.Date(2025, 6, 5, 11, 0, 0, 0, time.UTC)
	require.NoError(t, eng.Monitor(context.Background(), expiryMorning))
	require.NoError(t, eng.Monitor(context.Background(), expiryMorning.Add(5*time.Minute)))

	var suggestions int
	for _, a := range pos.Alerts {
		if a.Severity == domain.SeverityInfo {
			suggestions++
		}
	}
	assert.Equal(t, 1, suggestions, "suggestion latches after the first tick")

	// Never auto-executed: the book is untouched beyond the entry orders.
	assert.Len(t, pos.ActiveLegs(), 4)
	assert.Equal(t, 0, pos.SystemRolls)
	assert.Empty(t, pos.Adjustments)
	assert.Len(t, gw.marketOrders(), 4, "entry orders only")
}

func TestMonitor_RollOntoOpposingShortRecordsIronFly(t *testing.T) {
	cfg := spreadConfig()
	eng, feed, gw, _, pos := openSpread(t, cfg)

	// Call side qualifies for a roll while spot sits at 23040, so the
	// replacement short lands on 23500, the put short's strike.
	feed.ltp = map[string]float64{
		"NIFTY":        23040,
		symShortCall:   38,
		symHedgeCall:   2,
		symShortPut:    4.0,
		symHedgePut:    2,
		"NIFTY23500CE": 30,
		"NIFTY23700CE": 5,
	}
	gw.fills = feed.ltp
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))

	require.Len(t, pos.Adjustments, 2)
	roll := pos.Adjustments[0]
	assert.Equal(t, domain.RollSystem, roll.Type)
	assert.Equal(t, 24500.0, roll.OldStrike)
	assert.Equal(t, 23500.0, roll.NewStrike)
	assert.InDelta(t, 25.0, roll.Credit, 1e-9)

	fly := pos.Adjustments[1]
	assert.Equal(t, domain.IronFlyConversion, fly.Type)
	assert.Equal(t, domain.Call, fly.OptionType)
	assert.Equal(t, 23500.0, fly.NewStrike)

	assert.Equal(t, 1, pos.SystemRolls)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Len(t, pos.ActiveLegs(), 4)
	newShort := pos.FindLeg(domain.Sell, domain.Call)
	require.NotNil(t, newShort)
	assert.Equal(t, "NIFTY23500CE", newShort.Symbol)
	assert.Equal(t, pos.FindLeg(domain.Sell, domain.Put).Strike, newShort.Strike)
}

func TestMonitor_RollBudgetSpentHolds(t *testing.T) {
	cfg := spreadConfig()
	cfg.MaxRolls = 0
	eng, feed, gw, _, pos := openSpread(t, cfg)

	feed.ltp = map[string]float64{
		"NIFTY":      24000,
		symShortCall: 38,
		symHedgeCall: 2,
		symShortPut:  4.0,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp

	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Hour)))

	assert.Equal(t, 0, pos.SystemRolls)
	assert.Empty(t, pos.Adjustments)
	assert.Len(t, pos.ActiveLegs(), 4, "no exit and no roll below the 4x stop")
}

func TestMonitor_MaxLossAlertsOnceAndHolds(t *testing.T) {
	cfg := spreadConfig()
	cfg.MaxLossPct = 0.001 // notional 24000*50: alert at -1200
	eng, feed, gw, _, pos := openSpread(t, cfg)

	feed.ltp = map[string]float64{
		"NIFTY":      24200,
		symShortCall: 45, // -1500, still under the wide combined stop
		symHedgeCall: 3,
		symShortPut:  14,
		symHedgePut:  2,
	}
	gw.fills = feed.ltp

	now := entryTime.Add(time.Hour)
	require.NoError(t, eng.Monitor(context.Background(), now))
	require.NoError(t, eng.Monitor(context.Background(), now.Add(time.Minute)))

	assert.Len(t, pos.ActiveLegs(), 4, "max loss holds to expiry, never exits")
	var maxLossAlerts int
	for _, a := range pos.Alerts {
		if a.Severity == domain.SeverityHigh {
			maxLossAlerts++
		}
	}
	assert.Equal(t, 1, maxLossAlerts, "alert latches after the first tick")
}

func TestExpiryExit_ForcesFlatAfterCutoff(t *testing.T) {
	cfg := spreadConfig()
	eng, _, _, ledger, pos := openSpread(t, cfg)

	expiryAfternoon := time.Date(2025, 6, 5, 15, 15, 0, 0, time.UTC)
	require.NoError(t, eng.ExpiryExit(context.Background(), expiryAfternoon))

	assert.Nil(t, eng.Position())
	require.Len(t, ledger.trades, 1)
	assert.Equal(t, domain.CloseReasonExpiry, ledger.trades[0].CloseReason)
	for _, l := range pos.Legs {
		assert.False(t, l.IsActive())
	}
}

func TestExpiryExit_BeforeCutoffIsNoOp(t *testing.T) {
	cfg := spreadConfig()
	eng, _, _, _, pos := openSpread(t, cfg)

	expiryMorning := time.Date(2025, 6, 5, 11, 0, 0, 0, time.UTC)
	require.NoError(t, eng.ExpiryExit(context.Background(), expiryMorning))
	assert.Len(t, pos.ActiveLegs(), 4)
	assert.NotNil(t, eng.Position())
}

func deltaNeutralConfig() *config.StrategyConfig {
	cfg := &config.StrategyConfig{
		ID:            "test-dn",
		Instrument:    "NIFTY",
		Kind:          domain.KindDeltaNeutral,
		LotSize:       20,
		StrikeStep:    50,
		EntryStart:    config.MinuteOfDay{Hour: 9, Minute: 30},
		EntryEnd:      config.MinuteOfDay{Hour: 14, Minute: 30},
		ExpiryWeekday: time.Thursday,
		TargetCredit:  10,
	}
	cfg.ApplyDefaults()
	return cfg
}

func activeLeg(symbol string, side domain.OrderSide, opt domain.OptionType, entry float64, lot, priority int) *domain.Leg {
	return &domain.Leg{
		Symbol:         symbol,
		Side:           side,
		OptionType:     opt,
		Strike:         24000,
		LotSize:        lot,
		EntryPremium:   entry,
		CurrentPremium: entry,
		PeakPremium:    entry,
		Status:         domain.LegActive,
		ExitPriority:   priority,
	}
}

func TestMonitor_LegStops(t *testing.T) {
	cfg := deltaNeutralConfig()
	feed := &mockFeed{ltp: map[string]float64{}}
	gw := &mockGateway{fills: map[string]float64{}}
	eng := newTestEngine(t, cfg, feed, gw, &mockLedger{})

	callLong := activeLeg("CL", domain.Buy, domain.Call, 100, 20, 1)
	callShort := activeLeg("CS", domain.Sell, domain.Call, 80, 20, 1)
	putLong := activeLeg("PL", domain.Buy, domain.Put, 100, 20, 2)
	putShort := activeLeg("PS", domain.Sell, domain.Put, 80, 20, 2)
	eng.pos = &domain.Position{
		ID:         "DN-1",
		Instrument: "NIFTY",
		Kind:       domain.KindDeltaNeutral,
		Status:     domain.StatusActive,
		Legs:       []*domain.Leg{callLong, callShort, putLong, putShort},
	}

	// Call long down 65%: exits together with its paired short, short first.
	feed.ltp = map[string]float64{"CL": 35, "CS": 80, "PL": 100, "PS": 80}
	gw.fills = feed.ltp
	require.NoError(t, eng.Monitor(context.Background(), entryTime))

	assert.False(t, callLong.IsActive())
	assert.False(t, callShort.IsActive())
	assert.Equal(t, domain.CloseReasonLegSL, callLong.CloseReason)
	assert.Equal(t, domain.CloseReasonLegSL, callShort.CloseReason)
	assert.True(t, putLong.IsActive())
	assert.True(t, putShort.IsActive())

	markets := gw.marketOrders()
	require.Len(t, markets, 2)
	assert.Equal(t, "CS", markets[0].Symbol)
	assert.Equal(t, domain.Buy, markets[0].Side) // buy back the short first
	assert.Equal(t, "CL", markets[1].Symbol)
	assert.Equal(t, domain.Sell, markets[1].Side)

	// Put short decayed 62.5%: exits alone as a target, long survives.
	feed.ltp = map[string]float64{"PL": 100, "PS": 30}
	gw.fills = feed.ltp
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Minute)))

	assert.False(t, putShort.IsActive())
	assert.Equal(t, domain.CloseReasonLegTarget, putShort.CloseReason)
	assert.True(t, putLong.IsActive())
	assert.Equal(t, domain.StatusPartial, eng.pos.Status)
}

func TestMonitor_TrailingLockOnLastLeg(t *testing.T) {
	cfg := deltaNeutralConfig()
	feed := &mockFeed{ltp: map[string]float64{}}
	gw := &mockGateway{fills: map[string]float64{}}
	ledger := &mockLedger{}
	eng := newTestEngine(t, cfg, feed, gw, ledger)

	last := activeLeg("LL", domain.Buy, domain.Call, 100, 20, 1)
	closedShort := activeLeg("LS", domain.Sell, domain.Call, 80, 20, 1)
	closedShort.Close(80, domain.CloseReasonLegTarget)
	pos := &domain.Position{
		ID:         "DN-2",
		Instrument: "NIFTY",
		Kind:       domain.KindDeltaNeutral,
		Status:     domain.StatusPartial,
		Legs:       []*domain.Leg{closedShort, last},
	}
	eng.pos = pos

	// Leg profit 3200 locks 250 + 2*750 = 1750.
	feed.ltp = map[string]float64{"LL": 260}
	require.NoError(t, eng.Monitor(context.Background(), entryTime))
	assert.InDelta(t, 1750.0, pos.TrailLockedProfit, 1e-9)
	assert.True(t, last.IsActive())

	// Lock never moves down on a pullback above the floor.
	feed.ltp = map[string]float64{"LL": 200}
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(time.Minute)))
	assert.InDelta(t, 1750.0, pos.TrailLockedProfit, 1e-9)
	assert.True(t, last.IsActive())

	// Floor = 100 + 1750/20 = 187.5; a quote at it books at the floor.
	feed.ltp = map[string]float64{"LL": 187.5}
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(2*time.Minute)))

	assert.False(t, last.IsActive())
	assert.Equal(t, domain.CloseReasonTrailSL, last.CloseReason)
	assert.InDelta(t, 187.5, last.ExitPremium, 1e-9)
	assert.InDelta(t, 1750.0, last.PNL(), 1e-9)

	assert.Nil(t, eng.Position())
	require.Len(t, ledger.trades, 1)
	assert.Equal(t, domain.CloseReasonTrailSL, ledger.trades[0].CloseReason)
	assert.InDelta(t, 1750.0, ledger.trades[0].PNL, 1e-9)
}

func TestMonitor_FeedFailureSkipsTick(t *testing.T) {
	cfg := spreadConfig()
	eng, feed, _, _, pos := openSpread(t, cfg)

	feed.ltpErr = ports.ErrFeedUnavailable
	err := eng.Monitor(context.Background(), entryTime.Add(time.Hour))
	require.Error(t, err)
	assert.Len(t, pos.ActiveLegs(), 4, "a failed quote refresh must not change the book")

	// Recovered feed resumes normally.
	feed.ltpErr = nil
	feed.ltp = entryQuotes()
	require.NoError(t, eng.Monitor(context.Background(), entryTime.Add(2*time.Hour)))
}

func TestClosePosition_NoPositionIsNoOp(t *testing.T) {
	cfg := spreadConfig()
	feed := &mockFeed{ltp: entryQuotes(), chain: testChain(cfg.NextExpiry(entryTime))}
	gw := &mockGateway{fills: entryQuotes()}
	ledger := &mockLedger{}
	eng := newTestEngine(t, cfg, feed, gw, ledger)

	require.NoError(t, eng.ClosePosition(context.Background(), entryTime, domain.CloseReasonManual))
	assert.Empty(t, gw.orders)
	assert.Empty(t, ledger.trades)
}
