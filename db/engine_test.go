package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sable-db/sable/gate"
	"github.com/sable-db/sable/hlc"
	"github.com/sable-db/sable/queue"
	"github.com/sable-db/sable/schema"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, queue.Bootstrap(conn))

	schemas, err := schema.NewCache(conn)
	require.NoError(t, err)

	clock := hlc.NewClock(1)
	ddlLocks := gate.NewDDLLockManager(time.Minute)
	writeGate := gate.NewWriteGate("main", schemas, ddlLocks, func() bool { return false })

	commandQueue := queue.NewCommandQueue(clock)
	engine := NewEngine(EngineConfig{
		Conn:      conn,
		Clock:     clock,
		Gate:      writeGate,
		Queue:     commandQueue,
		Truncates: queue.NewTruncateBatcher(commandQueue),
		Schemas:   schemas,
	})
	return engine, conn
}

func queuedCommands(t *testing.T, conn *sql.DB) []string {
	t.Helper()
	rows, err := conn.Query("SELECT command FROM " + queue.CommandsTable + " ORDER BY position")
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		out = append(out, c)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestEngineDDLQueuedWithCommit(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Exec(ctx, `CREATE TABLE foo (id INTEGER PRIMARY KEY)`))
	require.NoError(t, txn.Commit())

	cmds := queuedCommands(t, conn)
	require.Len(t, cmds, 1)
	require.Equal(t, `CREATE TABLE foo (id INTEGER PRIMARY KEY)`, cmds[0])
}

func TestEngineDDLRolledBackWithTxn(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Exec(ctx, `CREATE TABLE gone (id INTEGER PRIMARY KEY)`))
	require.NoError(t, txn.Rollback())

	require.Empty(t, queuedCommands(t, conn))
}

func TestEngineGateRejectionInsideTxn(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE orders (ref TEXT, qty INTEGER)`))
	require.NoError(t, setup.Commit())

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	defer txn.Rollback()

	require.NoError(t, txn.Exec(ctx, `INSERT INTO orders (ref, qty) VALUES ('a', 1)`))

	err = txn.Exec(ctx, `UPDATE orders SET qty = 2`)
	var noIdent *gate.NoReplicaIdentityError
	require.ErrorAs(t, err, &noIdent)
	require.Equal(t, "orders", noIdent.Table)
}

func TestEngineUpdateAllowedAfterIndexAdded(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE orders (ref TEXT, qty INTEGER)`))
	require.NoError(t, setup.Exec(ctx, `INSERT INTO orders (ref, qty) VALUES ('a', 1)`))
	require.NoError(t, setup.Commit())

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	var noIdent *gate.NoReplicaIdentityError
	require.ErrorAs(t, txn.Exec(ctx, `UPDATE orders SET qty = 2`), &noIdent)
	require.NoError(t, txn.Rollback())

	ddl, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, ddl.Exec(ctx, `CREATE UNIQUE INDEX orders_ref ON orders (ref)`))
	require.NoError(t, ddl.Commit())

	// The new unique index is a usable replica identity right away
	txn, err = engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Exec(ctx, `UPDATE orders SET qty = 2`))
	require.NoError(t, txn.Commit())
}

func TestEngineUpdateRejectedAfterIndexDropped(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE orders (ref TEXT, qty INTEGER)`))
	require.NoError(t, setup.Exec(ctx, `CREATE UNIQUE INDEX orders_ref ON orders (ref)`))
	require.NoError(t, setup.Commit())

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Exec(ctx, `UPDATE orders SET qty = 2`))
	require.NoError(t, txn.Commit())

	// DROP INDEX names no table, so every cached descriptor resets
	ddl, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, ddl.Exec(ctx, `DROP INDEX orders_ref`))
	require.NoError(t, ddl.Commit())

	txn, err = engine.Begin(ctx, "alice")
	require.NoError(t, err)
	defer txn.Rollback()
	var noIdent *gate.NoReplicaIdentityError
	require.ErrorAs(t, txn.Exec(ctx, `UPDATE orders SET qty = 3`), &noIdent)
}

func TestEngineTruncateConsolidation(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE t1 (id INTEGER PRIMARY KEY)`))
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE t2 (id INTEGER PRIMARY KEY)`))
	require.NoError(t, setup.Commit())

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Truncate(ctx, "t1"))
	require.NoError(t, txn.Truncate(ctx, "t2"))
	require.NoError(t, txn.Commit())

	cmds := queuedCommands(t, conn)
	require.Contains(t, cmds, "TRUNCATE TABLE ONLY t1, t2")
}

func TestEngineTruncateWithoutReplicaIdentity(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE noid (ref TEXT)`))
	require.NoError(t, setup.Exec(ctx, `INSERT INTO noid (ref) VALUES ('a')`))
	require.NoError(t, setup.Commit())

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.Truncate(ctx, "noid"))
	require.NoError(t, txn.Commit())

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM noid").Scan(&n))
	require.Zero(t, n)
	require.Contains(t, queuedCommands(t, conn), "TRUNCATE TABLE ONLY noid")
}

func TestEngineRemoteApplyNotRequeued(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	txn, err := engine.BeginRemote(ctx, "apply", 7, hlc.NewClock(7).Now())
	require.NoError(t, err)
	require.NoError(t, txn.Exec(ctx, `CREATE TABLE replayed (id INTEGER PRIMARY KEY)`))
	require.NoError(t, txn.Commit())

	require.Empty(t, queuedCommands(t, conn), "replayed DDL must not loop back into the queue")
}

func TestEngineReplicateDDLSingleEntry(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, txn.ReplicateDDL(`CREATE TABLE widgets (id INTEGER PRIMARY KEY)`))
	require.NoError(t, txn.Commit())

	cmds := queuedCommands(t, conn)
	require.Len(t, cmds, 1, "exactly one queue row despite local execution")

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&n))
	require.Zero(t, n)
}

func TestEngineLocksReleasedOnCommit(t *testing.T) {
	engine, conn := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, setup.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)`))
	require.NoError(t, setup.Exec(ctx, `INSERT INTO users (id, email) VALUES (1, 'a@b')`))
	require.NoError(t, setup.Commit())

	tbl, err := schema.Load(conn, "users")
	require.NoError(t, err)

	txn, err := engine.Begin(ctx, "alice")
	require.NoError(t, err)
	key, err := BuildScanKey(tbl, tbl.ReplicaIdentity(), Row{int64(1), nil})
	require.NoError(t, err)

	ref, err := txn.Locate(ctx, tbl, key, LockUpdate)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.NoError(t, txn.Commit())

	// A later transaction can take the same lock
	txn2, err := engine.Begin(ctx, "bob")
	require.NoError(t, err)
	defer txn2.Rollback()
	ref, err = txn2.Locate(ctx, tbl, key, LockUpdate)
	require.NoError(t, err)
	require.NotNil(t, ref)
}
