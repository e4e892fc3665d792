package persistq

import (
	"context"
	"sync"
	"testing"
	"time"

	"optionsBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// recordingLedger captures writes so tests can assert what the worker
// actually applied.
type recordingLedger struct {
	mu      sync.Mutex
	entries []*domain.Position
	pnls    map[string]float64
	closes  []*domain.Position
	reasons []domain.CloseReason
	trades  []*domain.Trade
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{pnls: make(map[string]float64)}
}

func (m *recordingLedger) RecordEntry(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, pos)
	return nil
}

func (m *recordingLedger) UpdatePNL(ctx context.Context, positionID string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pnls[positionID] = pnl
	return nil
}

func (m *recordingLedger) RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, pos)
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *recordingLedger) FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades, nil
}

func testPosition() *domain.Position {
	return &domain.Position{
		ID:         "POS-1",
		Instrument: "NIFTY",
		Kind:       domain.KindSpread,
		Status:     domain.StatusActive,
		EntryTime:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		NetCredit:  24,
		Legs: []*domain.Leg{
			{Symbol: "NIFTY24500CE", Side: domain.Sell, OptionType: domain.Call, Strike: 24500, LotSize: 50, EntryPremium: 15, CurrentPremium: 15, Status: domain.LegActive},
		},
	}
}

func TestQueueDrainsOnClose(t *testing.T) {
	ledger := newRecordingLedger()
	q := New(ledger, mockLogger{}, 16)
	ctx := context.Background()

	pos := testPosition()
	require.NoError(t, q.RecordEntry(ctx, pos))
	require.NoError(t, q.UpdatePNL(ctx, pos.ID, 150))
	require.NoError(t, q.RecordClose(ctx, pos, domain.CloseReasonExpiry))
	q.Close()

	require.Len(t, ledger.entries, 1)
	assert.Equal(t, "POS-1", ledger.entries[0].ID)
	assert.Equal(t, 150.0, ledger.pnls["POS-1"])
	require.Len(t, ledger.closes, 1)
	assert.Equal(t, domain.CloseReasonExpiry, ledger.reasons[0])
}

func TestQueueSnapshotsPositions(t *testing.T) {
	ledger := newRecordingLedger()
	q := New(ledger, mockLogger{}, 16)

	pos := testPosition()
	require.NoError(t, q.RecordEntry(context.Background(), pos))

	// Mutations after enqueue must not leak into the stored copy.
	pos.NetCredit = 999
	pos.Legs[0].CurrentPremium = 60
	pos.Legs[0].Close(60, domain.CloseReasonCombinedSL)
	q.Close()

	require.Len(t, ledger.entries, 1)
	stored := ledger.entries[0]
	assert.NotSame(t, pos, stored)
	assert.Equal(t, 24.0, stored.NetCredit)
	require.Len(t, stored.Legs, 1)
	assert.Equal(t, 15.0, stored.Legs[0].CurrentPremium)
	assert.Equal(t, domain.LegActive, stored.Legs[0].Status)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	ledger := newRecordingLedger()
	q := New(ledger, mockLogger{}, 1)

	// Flood a single-slot buffer faster than the worker can drain it. The
	// exact drop count depends on scheduling, so assert only the guarantee
	// that matters: dropping happens from the oldest end, so the newest
	// write always survives.
	for i := 0; i < 50; i++ {
		require.NoError(t, q.UpdatePNL(context.Background(), "POS-1", float64(i)))
	}
	q.Close()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.Equal(t, 49.0, ledger.pnls["POS-1"], "latest write must win")
}

func TestQueueFindTradesReadsThrough(t *testing.T) {
	ledger := newRecordingLedger()
	ledger.trades = []*domain.Trade{{PositionID: "POS-1", Instrument: "NIFTY"}}
	q := New(ledger, mockLogger{}, 16)
	defer q.Close()

	trades, err := q.FindTrades(context.Background(), "NIFTY", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "POS-1", trades[0].PositionID)
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := New(newRecordingLedger(), mockLogger{}, 16)
	q.Close()
	q.Close()
}
