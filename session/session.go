// Package session carries the per-worker execution context threaded through
// the gate, the queue and the locator. Recursion guards live here so that
// concurrent apply workers never observe each other's state; nothing in this
// package is persisted or shared.
package session

// Session is the execution context for one session or apply worker.
// It is owned by a single goroutine and must not be shared.
type Session struct {
	TxnID uint64
	Actor string

	// OriginNodeID is non-zero while replaying a change received from a peer.
	// Acts as the remote-apply recursion guard.
	OriginNodeID uint64

	// ReplicatingDDL is set while executing a command through the
	// replicate-DDL entry point, so event callbacks fired by that execution
	// do not queue the same command a second time.
	ReplicatingDDL bool

	// truncated accumulates tables truncated in the current transaction,
	// in first-seen order. Duplicates are allowed.
	truncated []string
}

// New creates a session for a locally issued transaction.
func New(actor string, txnID uint64) *Session {
	return &Session{Actor: actor, TxnID: txnID}
}

// NewRemote creates a session for applying a change that originated on a peer.
func NewRemote(actor string, txnID, originNodeID uint64) *Session {
	return &Session{Actor: actor, TxnID: txnID, OriginNodeID: originNodeID}
}

// ApplyingRemote reports whether this session is replaying a remote change.
func (s *Session) ApplyingRemote() bool {
	return s.OriginNodeID != 0
}

// SuppressQueueing reports whether either recursion guard is set.
func (s *Session) SuppressQueueing() bool {
	return s.ReplicatingDDL || s.ApplyingRemote()
}

// AddTruncated records a truncated table.
func (s *Session) AddTruncated(table string) {
	s.truncated = append(s.truncated, table)
}

// Truncated returns the tables truncated so far, in registration order.
func (s *Session) Truncated() []string {
	return s.truncated
}

// ClearTruncated resets the truncate batch. Called at transaction start,
// after a successful flush, and on abort.
func (s *Session) ClearTruncated() {
	s.truncated = nil
}
