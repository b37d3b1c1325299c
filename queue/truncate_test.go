package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sable-db/sable/cfg"
	"github.com/sable-db/sable/hlc"
	"github.com/sable-db/sable/session"
	"github.com/sable-db/sable/telemetry"
)

type recordingHistogram struct {
	observed []float64
}

func (h *recordingHistogram) Observe(v float64) {
	h.observed = append(h.observed, v)
}

func TestTruncateBatchConsolidated(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")
	b.OnTruncate(sess, "t2")

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	cmds := readCommands(t, conn)
	require.Len(t, cmds, 1, "one consolidated entry, not one per table")
	require.Equal(t, "TRUNCATE TABLE ONLY t1, t2", cmds[0].Command)
	require.Equal(t, "TRUNCATE (automatic)", cmds[0].Tag)
}

func TestTruncateBatchClearedAfterFlush(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	// Second flush in the same transaction adds nothing
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	require.Len(t, readCommands(t, conn), 1)
}

func TestTruncateBatchEmptyNoEntry(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	b.OnTransactionStart(sess)
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	require.Empty(t, readCommands(t, conn))
}

func TestTruncateBatchAbortDiscards(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")
	b.OnAbort(sess)

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	require.Empty(t, readCommands(t, conn))
}

func TestTruncateGuardSuppressesRecording(t *testing.T) {
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)

	sess := session.NewRemote("apply", 100, 7)
	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")
	require.Empty(t, sess.Truncated())
}

func TestTruncateBatchSizeObservedOnlyWhenQueued(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	rec := &recordingHistogram{}
	prev := telemetry.TruncateBatchTables
	telemetry.TruncateBatchTables = rec
	t.Cleanup(func() { telemetry.TruncateBatchTables = prev })

	cfg.Config.Replication.SkipDDLReplication = true
	t.Cleanup(func() { cfg.Config.Replication.SkipDDLReplication = false })

	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	require.Empty(t, readCommands(t, conn))
	require.Empty(t, rec.observed, "suppressed flush records no batch size")

	cfg.Config.Replication.SkipDDLReplication = false
	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t1")
	b.OnTruncate(sess, "t2")
	tx, err = conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	require.Equal(t, []float64{2}, rec.observed)
}

func TestTruncateDuplicatesPreserved(t *testing.T) {
	conn := openQueueDB(t)
	q := NewCommandQueue(hlc.NewClock(1))
	b := NewTruncateBatcher(q)
	sess := session.New("alice", 100)

	b.OnTransactionStart(sess)
	b.OnTruncate(sess, "t2")
	b.OnTruncate(sess, "t1")
	b.OnTruncate(sess, "t2")

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, b.OnPreCommit(sess, tx))
	require.NoError(t, tx.Commit())

	cmds := readCommands(t, conn)
	require.Len(t, cmds, 1)
	require.Equal(t, "TRUNCATE TABLE ONLY t2, t1, t2", cmds[0].Command)
}
