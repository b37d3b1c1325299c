package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/hlc"
)

// DDLLockManager serializes schema changes cluster-wide. Only one DDL
// operation per database may run at a time; DML checks the lock before
// proceeding so writes never interleave with an in-flight schema change.
type DDLLockManager struct {
	mu            sync.RWMutex
	activeLocks   map[string]*DDLLock
	leaseDuration time.Duration
}

// DDLLock is one held schema-change lock.
type DDLLock struct {
	Database    string
	NodeID      uint64
	TxnID       uint64
	AcquiredAt  hlc.Timestamp
	ExpiresAt   time.Time
	ReleaseChan chan struct{} // closed when the lock is released
}

func NewDDLLockManager(leaseDuration time.Duration) *DDLLockManager {
	return &DDLLockManager{
		activeLocks:   make(map[string]*DDLLock),
		leaseDuration: leaseDuration,
	}
}

// AcquireLock takes the schema-change lock for a database. Re-acquisition by
// the holding transaction is idempotent. A lock whose lease expired is
// treated as abandoned and taken over.
func (dlm *DDLLockManager) AcquireLock(database string, nodeID, txnID uint64, ts hlc.Timestamp) (*DDLLock, error) {
	dlm.mu.Lock()
	defer dlm.mu.Unlock()

	if existing, exists := dlm.activeLocks[database]; exists {
		if time.Now().Before(existing.ExpiresAt) {
			if existing.TxnID == txnID {
				return existing, nil
			}
			return nil, &DDLLockHeldError{
				Database: database,
				NodeID:   existing.NodeID,
				TxnID:    existing.TxnID,
			}
		}
		log.Warn().
			Str("database", database).
			Uint64("expired_txn", existing.TxnID).
			Uint64("expired_node", existing.NodeID).
			Msg("DDL lock expired, allowing new acquisition")
	}

	lock := &DDLLock{
		Database:    database,
		NodeID:      nodeID,
		TxnID:       txnID,
		AcquiredAt:  ts,
		ExpiresAt:   time.Now().Add(dlm.leaseDuration),
		ReleaseChan: make(chan struct{}),
	}
	dlm.activeLocks[database] = lock

	log.Info().
		Str("database", database).
		Uint64("node_id", nodeID).
		Uint64("txn_id", txnID).
		Msg("DDL lock acquired")

	return lock, nil
}

// ReleaseLock releases a held lock. Releasing an absent lock is a no-op.
func (dlm *DDLLockManager) ReleaseLock(database string, txnID uint64) error {
	dlm.mu.Lock()
	defer dlm.mu.Unlock()

	lock, exists := dlm.activeLocks[database]
	if !exists {
		return nil
	}
	if lock.TxnID != txnID {
		return fmt.Errorf("cannot release lock: held by txn %d, requested by txn %d", lock.TxnID, txnID)
	}

	close(lock.ReleaseChan)
	delete(dlm.activeLocks, database)

	log.Info().
		Str("database", database).
		Uint64("txn_id", txnID).
		Msg("DDL lock released")

	return nil
}

// CheckLock returns the current unexpired lock on a database, or nil.
func (dlm *DDLLockManager) CheckLock(database string) *DDLLock {
	dlm.mu.RLock()
	defer dlm.mu.RUnlock()

	lock, exists := dlm.activeLocks[database]
	if !exists || time.Now().After(lock.ExpiresAt) {
		return nil
	}
	return lock
}

// WaitForLock blocks until the current lock is released or the timeout fires.
func (dlm *DDLLockManager) WaitForLock(database string, timeout time.Duration) error {
	dlm.mu.RLock()
	lock, exists := dlm.activeLocks[database]
	if !exists {
		dlm.mu.RUnlock()
		return nil
	}
	releaseChan := lock.ReleaseChan
	dlm.mu.RUnlock()

	select {
	case <-releaseChan:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for DDL lock on database '%s'", database)
	}
}

// CleanupExpiredLocks removes locks whose lease lapsed. Intended for a
// periodic background goroutine; returns the number removed.
func (dlm *DDLLockManager) CleanupExpiredLocks() int {
	dlm.mu.Lock()
	defer dlm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for database, lock := range dlm.activeLocks {
		if now.After(lock.ExpiresAt) {
			log.Warn().
				Str("database", database).
				Uint64("txn_id", lock.TxnID).
				Msg("Cleaning up expired DDL lock")
			close(lock.ReleaseChan)
			delete(dlm.activeLocks, database)
			cleaned++
		}
	}
	return cleaned
}
