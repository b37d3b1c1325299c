package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/schema"
	"github.com/sable-db/sable/telemetry"
)

// RowRef is a located live row.
type RowRef struct {
	RowID  int64
	Values Row
}

// Locator finds the current version of a row identified by a scan key,
// waiting out in-progress writers and optionally locking the row. Used by
// change apply to land remote updates and deletes on the matching local row.
type Locator struct {
	db    *sql.DB
	locks *LockStore
	waits *TxnWaitQueue
}

func NewLocator(conn *sql.DB, locks *LockStore, waits *TxnWaitQueue) *Locator {
	return &Locator{db: conn, locks: locks, waits: waits}
}

// Locate scans for the row matching key and returns it, or nil when no live
// row matches. When mode is stronger than LockNone the returned row is locked
// for txnID. The scan restarts as often as needed: once per in-progress
// writer waited out and once per concurrent update detected after locking.
// Cancellation is only via ctx.
func (l *Locator) Locate(ctx context.Context, txnID uint64, table *schema.Table, key *ScanKey, mode LockMode) (*RowRef, error) {
	start := time.Now()
	defer func() {
		telemetry.LocateDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	rowKey := key.RowKey()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A pending writer may be about to produce or remove the matching
		// version. Wait for it before trusting the committed snapshot.
		if writer, ok := l.locks.PendingWriter(rowKey); ok && writer != txnID {
			telemetry.LocateRetriesTotal.With("pending_writer").Inc()
			log.Debug().
				Str("table", table.Name).
				Uint64("txn_id", txnID).
				Uint64("writer", writer).
				Msg("Row has in-progress writer, waiting")
			if err := l.waits.Wait(ctx, writer); err != nil {
				return nil, err
			}
			continue
		}

		ref, err := l.fetch(ctx, table, key)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, nil
		}

		if mode == LockNone {
			return ref, nil
		}

		holder, ok := l.locks.Acquire(rowKey, txnID, mode)
		if !ok {
			// The row changed hands since the scan. Not an error, just
			// start over once the holder finishes.
			telemetry.LocateRetriesTotal.With("concurrent_update").Inc()
			log.Debug().
				Str("table", table.Name).
				Uint64("txn_id", txnID).
				Uint64("holder", holder).
				Msg("Row concurrently locked, rescanning")
			if err := l.waits.Wait(ctx, holder); err != nil {
				return nil, err
			}
			continue
		}

		// Confirm the locked row is still the one the scan saw. A writer
		// that committed between scan and lock leaves a different or no row.
		confirm, err := l.fetch(ctx, table, key)
		if err != nil {
			l.locks.Release(rowKey, txnID)
			return nil, err
		}
		if confirm == nil || confirm.RowID != ref.RowID {
			l.locks.Release(rowKey, txnID)
			telemetry.LocateRetriesTotal.With("concurrent_update").Inc()
			continue
		}

		return confirm, nil
	}
}

func (l *Locator) fetch(ctx context.Context, table *schema.Table, key *ScanKey) (*RowRef, error) {
	where, args := key.WhereClause()

	cols := make([]string, 0, len(table.Columns)+1)
	cols = append(cols, "rowid")
	for _, c := range table.Columns {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %q WHERE %s LIMIT 1",
		strings.Join(cols, ", "), table.Name, where)

	ref := &RowRef{Values: make(Row, len(table.Columns))}
	dest := make([]any, 0, len(cols))
	dest = append(dest, &ref.RowID)
	for i := range ref.Values {
		dest = append(dest, &ref.Values[i])
	}

	err := l.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locate %s via %s: %w", table.Name, key.Index, err)
	}
	return ref, nil
}
