package db

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sable-db/sable/telemetry"
)

// LockMode is the strength of a row lock.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockShared
	LockUpdate
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockUpdate:
		return "update"
	case LockExclusive:
		return "exclusive"
	}
	return "invalid"
}

type rowLock struct {
	txnID uint64
	mode  LockMode
}

// LockStore tracks in-memory row locks and write intents, keyed by the
// 64-bit hash of the serialized row key. Distinct rows that hash together
// contend for the same lock, which is safe. A write intent is an exclusive
// lock taken by a modifying statement; readers use it to detect in-progress
// writers the committed snapshot cannot show yet.
type LockStore struct {
	rows  *xsync.MapOf[uint64, rowLock]
	byTxn *xsync.MapOf[uint64, *xsync.MapOf[uint64, struct{}]]
}

func NewLockStore() *LockStore {
	return &LockStore{
		rows:  xsync.NewMapOf[uint64, rowLock](),
		byTxn: xsync.NewMapOf[uint64, *xsync.MapOf[uint64, struct{}]](),
	}
}

// Acquire takes the lock on rowKey for txnID without blocking. On conflict it
// returns the holding transaction and false. Re-acquiring a key already held
// by the same transaction upgrades the mode and succeeds.
func (s *LockStore) Acquire(rowKey string, txnID uint64, mode LockMode) (uint64, bool) {
	var holder uint64
	acquired := false

	s.rows.Compute(HashRowKey(rowKey), func(cur rowLock, loaded bool) (rowLock, bool) {
		if loaded && cur.txnID != txnID {
			holder = cur.txnID
			return cur, false
		}
		if loaded && cur.mode > mode {
			mode = cur.mode
		}
		acquired = true
		return rowLock{txnID: txnID, mode: mode}, false
	})

	if !acquired {
		return holder, false
	}

	keys, _ := s.byTxn.LoadOrCompute(txnID, func() *xsync.MapOf[uint64, struct{}] {
		return xsync.NewMapOf[uint64, struct{}]()
	})
	if _, existed := keys.LoadOrStore(HashRowKey(rowKey), struct{}{}); !existed {
		telemetry.RowLocksHeld.Inc()
	}
	return txnID, true
}

// PendingWriter returns the transaction holding a write intent on rowKey.
func (s *LockStore) PendingWriter(rowKey string) (uint64, bool) {
	l, ok := s.rows.Load(HashRowKey(rowKey))
	if !ok || l.mode < LockUpdate {
		return 0, false
	}
	return l.txnID, true
}

// Release drops one lock held by txnID. No-op if another transaction holds it.
func (s *LockStore) Release(rowKey string, txnID uint64) {
	key := HashRowKey(rowKey)
	s.rows.Compute(key, func(cur rowLock, loaded bool) (rowLock, bool) {
		if !loaded || cur.txnID != txnID {
			return cur, !loaded
		}
		return rowLock{}, true
	})
	if keys, ok := s.byTxn.Load(txnID); ok {
		if _, existed := keys.LoadAndDelete(key); existed {
			telemetry.RowLocksHeld.Dec()
		}
	}
}

// ReleaseTxn drops every lock held by txnID. Called at commit and abort.
func (s *LockStore) ReleaseTxn(txnID uint64) {
	keys, ok := s.byTxn.LoadAndDelete(txnID)
	if !ok {
		return
	}
	keys.Range(func(key uint64, _ struct{}) bool {
		s.rows.Compute(key, func(cur rowLock, loaded bool) (rowLock, bool) {
			if !loaded || cur.txnID != txnID {
				return cur, !loaded
			}
			return rowLock{}, true
		})
		telemetry.RowLocksHeld.Dec()
		return true
	})
}
