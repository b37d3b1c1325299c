package db

import (
	"context"
	"sync"
)

// TxnWaitQueue lets a goroutine block until a specific transaction finishes,
// whether it commits or aborts. Finish closes the transaction's channel so
// every waiter wakes at once; waiting on an already-finished or unknown
// transaction returns immediately.
type TxnWaitQueue struct {
	mu      sync.Mutex
	pending map[uint64]chan struct{}
}

func NewTxnWaitQueue() *TxnWaitQueue {
	return &TxnWaitQueue{pending: make(map[uint64]chan struct{})}
}

// Begin registers a transaction as in progress.
func (q *TxnWaitQueue) Begin(txnID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[txnID]; !ok {
		q.pending[txnID] = make(chan struct{})
	}
}

// Finish marks the transaction complete and wakes all waiters.
func (q *TxnWaitQueue) Finish(txnID uint64) {
	q.mu.Lock()
	ch, ok := q.pending[txnID]
	if ok {
		delete(q.pending, txnID)
	}
	q.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Wait blocks until the transaction finishes or the context is cancelled.
func (q *TxnWaitQueue) Wait(ctx context.Context, txnID uint64) error {
	q.mu.Lock()
	ch, ok := q.pending[txnID]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
