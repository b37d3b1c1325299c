package queue

import (
	"strings"

	"github.com/sable-db/sable/session"
	"github.com/sable-db/sable/telemetry"
)

// TruncateBatcher consolidates the truncates of one transaction into a single
// queued command, so peers replay them as one statement and a multi-table
// truncate never interleaves with other replayed changes.
type TruncateBatcher struct {
	queue *CommandQueue
}

func NewTruncateBatcher(queue *CommandQueue) *TruncateBatcher {
	return &TruncateBatcher{queue: queue}
}

// OnTransactionStart clears any batch left over from a previous transaction
// on this session.
func (b *TruncateBatcher) OnTransactionStart(sess *session.Session) {
	sess.ClearTruncated()
}

// OnTruncate records one truncated table. Fires once per table per truncate
// event, in event order; suppressed under the same recursion guards as
// command queueing.
func (b *TruncateBatcher) OnTruncate(sess *session.Session, table string) {
	if sess.SuppressQueueing() {
		telemetry.QueueSkipsTotal.With("guard").Inc()
		return
	}
	sess.AddTruncated(table)
}

// OnPreCommit flushes the batch as one queued command and clears it. Called
// at pre-commit of the truncating transaction so the entry commits with it.
func (b *TruncateBatcher) OnPreCommit(sess *session.Session, tx Execer) error {
	tables := sess.Truncated()
	if len(tables) == 0 {
		return nil
	}

	command := "TRUNCATE TABLE ONLY " + strings.Join(tables, ", ")
	appended, err := b.queue.Enqueue(sess, tx, "TRUNCATE (automatic)", command)
	if err != nil {
		return err
	}
	if appended {
		telemetry.TruncateBatchTables.Observe(float64(len(tables)))
		telemetry.QueueAppendsTotal.With("truncate").Inc()
	}
	sess.ClearTruncated()
	return nil
}

// OnAbort discards the batch.
func (b *TruncateBatcher) OnAbort(sess *session.Session) {
	sess.ClearTruncated()
}
