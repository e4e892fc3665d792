// Package persistq decouples ledger writes from the trading decision path.
// Writes are enqueued on a bounded channel and applied by a single worker
// goroutine, so a slow or briefly unavailable database never stalls an
// order-placement tick.
package persistq

import (
	"context"
	"sync"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

type opKind int

const (
	opEntry opKind = iota
	opPNL
	opClose
)

type writeOp struct {
	kind       opKind
	pos        *domain.Position
	positionID string
	pnl        float64
	reason     domain.CloseReason
}

// Queue is a write-behind wrapper around a TradeLedger. Enqueue methods
// never block: when the buffer is full the oldest pending write is dropped
// with a warning, on the grounds that a fresher snapshot supersedes it.
type Queue struct {
	inner  ports.TradeLedger
	logger ports.Logger

	ops    chan writeOp
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// New starts the persistence worker. size is the buffer depth; values
// below 1 fall back to 64.
func New(inner ports.TradeLedger, logger ports.Logger, size int) *Queue {
	if size < 1 {
		size = 64
	}
	q := &Queue{
		inner:  inner,
		logger: logger,
		ops:    make(chan writeOp, size),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case op := <-q.ops:
			q.apply(op)
		case <-q.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case op := <-q.ops:
					q.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch op.kind {
	case opEntry:
		err = q.inner.RecordEntry(ctx, op.pos)
	case opPNL:
		err = q.inner.UpdatePNL(ctx, op.positionID, op.pnl)
	case opClose:
		err = q.inner.RecordClose(ctx, op.pos, op.reason)
	}
	if err != nil {
		q.logger.Error(ctx, err, "Ledger write failed", map[string]interface{}{
			"kind": op.kind, "positionID": q.positionID(op),
		})
	}
}

func (q *Queue) positionID(op writeOp) string {
	if op.pos != nil {
		return op.pos.ID
	}
	return op.positionID
}

func (q *Queue) enqueue(op writeOp) {
	select {
	case q.ops <- op:
		return
	default:
	}
	// Buffer full. Drop the oldest pending write to make room.
	select {
	case dropped := <-q.ops:
		q.logger.Warn(context.Background(), "Persistence queue full, dropping oldest write", map[string]interface{}{
			"droppedPositionID": q.positionID(dropped),
		})
	default:
	}
	select {
	case q.ops <- op:
	default:
		q.logger.Warn(context.Background(), "Persistence queue full, write lost", map[string]interface{}{
			"positionID": q.positionID(op),
		})
	}
}

// RecordEntry enqueues a snapshot of the position so later mutations by the
// engine cannot race the worker.
func (q *Queue) RecordEntry(ctx context.Context, pos *domain.Position) error {
	q.enqueue(writeOp{kind: opEntry, pos: snapshot(pos)})
	return nil
}

func (q *Queue) UpdatePNL(ctx context.Context, positionID string, pnl float64) error {
	q.enqueue(writeOp{kind: opPNL, positionID: positionID, pnl: pnl})
	return nil
}

func (q *Queue) RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	q.enqueue(writeOp{kind: opClose, pos: snapshot(pos), reason: reason})
	return nil
}

// FindTrades reads through to the underlying ledger. Reads are rare and do
// not need the write path's decoupling.
func (q *Queue) FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error) {
	return q.inner.FindTrades(ctx, instrument, limit)
}

// Close stops the worker after draining buffered writes.
func (q *Queue) Close() {
	q.closed.Do(func() { close(q.done) })
	q.wg.Wait()
}

// snapshot deep-copies the mutable parts of a position.
func snapshot(pos *domain.Position) *domain.Position {
	if pos == nil {
		return nil
	}
	cp := *pos
	cp.Legs = make([]*domain.Leg, len(pos.Legs))
	for i, l := range pos.Legs {
		legCopy := *l
		cp.Legs[i] = &legCopy
	}
	cp.Adjustments = append([]domain.Adjustment(nil), pos.Adjustments...)
	cp.Alerts = append([]domain.Alert(nil), pos.Alerts...)
	return &cp
}
