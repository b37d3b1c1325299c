package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sable-db/sable/schema"
)

type locatorFixture struct {
	conn    *sql.DB
	table   *schema.Table
	locks   *LockStore
	waits   *TxnWaitQueue
	locator *Locator
}

func newLocatorFixture(t *testing.T) *locatorFixture {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, qty INTEGER)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO users (id, email, qty) VALUES (1, 'a@b', 10), (2, 'c@d', 20)`)
	require.NoError(t, err)

	tbl, err := schema.Load(conn, "users")
	require.NoError(t, err)

	locks := NewLockStore()
	waits := NewTxnWaitQueue()
	return &locatorFixture{
		conn:    conn,
		table:   tbl,
		locks:   locks,
		waits:   waits,
		locator: NewLocator(conn, locks, waits),
	}
}

func (f *locatorFixture) scanKey(t *testing.T, id int64) *ScanKey {
	t.Helper()
	key, err := BuildScanKey(f.table, f.table.ReplicaIdentity(), Row{id, nil, nil})
	require.NoError(t, err)
	return key
}

func TestLocateFindsRow(t *testing.T) {
	f := newLocatorFixture(t)

	ref, err := f.locator.Locate(context.Background(), 100, f.table, f.scanKey(t, 1), LockNone)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.Equal(t, int64(1), ref.RowID)
	require.Equal(t, "a@b", ref.Values[1])
}

func TestLocateMissingRow(t *testing.T) {
	f := newLocatorFixture(t)

	ref, err := f.locator.Locate(context.Background(), 100, f.table, f.scanKey(t, 99), LockNone)
	require.NoError(t, err)
	require.Nil(t, ref)
}

func TestLocateAcquiresLock(t *testing.T) {
	f := newLocatorFixture(t)
	key := f.scanKey(t, 1)

	ref, err := f.locator.Locate(context.Background(), 100, f.table, key, LockUpdate)
	require.NoError(t, err)
	require.NotNil(t, ref)

	writer, pending := f.locks.PendingWriter(key.RowKey())
	require.True(t, pending)
	require.Equal(t, uint64(100), writer)
}

func TestLocateWaitsForPendingWriter(t *testing.T) {
	f := newLocatorFixture(t)
	key := f.scanKey(t, 2)

	// Another transaction holds a write intent on the row
	f.waits.Begin(200)
	_, ok := f.locks.Acquire(key.RowKey(), 200, LockUpdate)
	require.True(t, ok)

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		// Writer commits: its update lands, lock goes away, waiters wake
		_, err := f.conn.Exec(`UPDATE users SET qty = 21 WHERE id = 2`)
		require.NoError(t, err)
		f.locks.ReleaseTxn(200)
		f.waits.Finish(200)
		close(released)
	}()

	ref, err := f.locator.Locate(context.Background(), 100, f.table, key, LockUpdate)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.Equal(t, int64(21), ref.Values[2], "locate sees the committed post-update version")
	<-released
}

func TestLocateCancelledWhileWaiting(t *testing.T) {
	f := newLocatorFixture(t)
	key := f.scanKey(t, 1)

	f.waits.Begin(200)
	_, ok := f.locks.Acquire(key.RowKey(), 200, LockUpdate)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.locator.Locate(ctx, 100, f.table, key, LockUpdate)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocateSameTxnPassesOwnIntent(t *testing.T) {
	f := newLocatorFixture(t)
	key := f.scanKey(t, 1)

	_, ok := f.locks.Acquire(key.RowKey(), 100, LockUpdate)
	require.True(t, ok)

	ref, err := f.locator.Locate(context.Background(), 100, f.table, key, LockUpdate)
	require.NoError(t, err)
	require.NotNil(t, ref)
}
