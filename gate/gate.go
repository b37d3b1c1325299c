// Package gate admits or rejects statements before execution. Every
// statement entering a session passes the handler chain; the write gate is
// the chain link that enforces replication safety on writes.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/cfg"
	"github.com/sable-db/sable/schema"
	"github.com/sable-db/sable/session"
	"github.com/sable-db/sable/telemetry"
)

// Next executes the statement after all gate checks passed.
type Next func(ctx context.Context, sess *session.Session, sqlText string) error

// Handler is one link of the statement admission chain. A handler either
// returns an error to reject the statement or calls next to delegate.
type Handler func(ctx context.Context, sess *session.Session, sqlText string, next Next) error

// Chain composes handlers in registration order around a terminal executor.
// Handlers registered later run earlier, so a newly installed gate always
// sees the statement before the gates that were already in place.
type Chain struct {
	handlers []Handler
	terminal Next
}

func NewChain(terminal Next) *Chain {
	return &Chain{terminal: terminal}
}

// Install adds a handler in front of the existing chain.
func (c *Chain) Install(h Handler) {
	c.handlers = append(c.handlers, h)
}

// Execute runs the statement through the chain.
func (c *Chain) Execute(ctx context.Context, sess *session.Session, sqlText string) error {
	next := c.terminal
	for i := 0; i < len(c.handlers); i++ {
		h, tail := c.handlers[i], next
		next = func(ctx context.Context, sess *session.Session, sqlText string) error {
			return h(ctx, sess, sqlText, tail)
		}
	}
	return next(ctx, sess, sqlText)
}

// WriteGate enforces write safety for replication: it refuses writes that
// peers could not apply and blocks DML while a cluster schema change is in
// flight.
type WriteGate struct {
	database    string
	schemas     *schema.Cache
	ddlLocks    *DDLLockManager
	readOnly    func() bool
	alwaysAllow atomic.Bool
}

func NewWriteGate(database string, schemas *schema.Cache, ddlLocks *DDLLockManager, readOnly func() bool) *WriteGate {
	return &WriteGate{
		database: database,
		schemas:  schemas,
		ddlLocks: ddlLocks,
		readOnly: readOnly,
	}
}

// SetAlwaysAllowWrites toggles the maintenance override. While set, every
// statement bypasses all checks. For init and recovery tooling only.
func (g *WriteGate) SetAlwaysAllowWrites(allow bool) {
	g.alwaysAllow.Store(allow)
	log.Warn().Bool("always_allow_writes", allow).Msg("Write gate override changed")
}

// Handler returns the chain link running the admission checks.
func (g *WriteGate) Handler() Handler {
	return func(ctx context.Context, sess *session.Session, sqlText string, next Next) error {
		if g.alwaysAllow.Load() {
			telemetry.GateStatementsTotal.With("bypassed").Inc()
			return next(ctx, sess, sqlText)
		}

		c := Classify(sqlText)
		if !c.PerformsWrites {
			return next(ctx, sess, sqlText)
		}

		// Remote apply was admitted on the origin node already.
		if sess.ApplyingRemote() {
			telemetry.GateStatementsTotal.With("bypassed").Inc()
			return next(ctx, sess, sqlText)
		}

		if !cfg.Config.Replication.Enabled {
			telemetry.GateStatementsTotal.With("allowed").Inc()
			return next(ctx, sess, sqlText)
		}

		if c.IsDML() {
			if err := g.checkDDLLock(sess); err != nil {
				telemetry.GateStatementsTotal.With("rejected").Inc()
				telemetry.GateRejectionsTotal.With("ddl_lock").Inc()
				return err
			}
		}

		// Plain inserts never need to locate an existing row on a peer and
		// may target identity-less tables freely.
		if c.PlainInsert {
			if err := g.checkTable(sess, c); err != nil {
				telemetry.GateStatementsTotal.With("rejected").Inc()
				return err
			}
			telemetry.GateStatementsTotal.With("allowed").Inc()
			return next(ctx, sess, sqlText)
		}

		if c.IsDML() {
			if err := g.checkTable(sess, c); err != nil {
				telemetry.GateStatementsTotal.With("rejected").Inc()
				return err
			}
			if err := g.checkReplicaIdentity(c); err != nil {
				telemetry.GateStatementsTotal.With("rejected").Inc()
				telemetry.GateRejectionsTotal.With("no_replica_identity").Inc()
				return err
			}
		}

		telemetry.GateStatementsTotal.With("allowed").Inc()
		return next(ctx, sess, sqlText)
	}
}

// AdmitTruncate runs the admission checks for emptying a table. Truncation
// replicates as a whole queued statement and never locates rows on peers, so
// it needs no replica identity; only the read-only node rule applies.
func (g *WriteGate) AdmitTruncate(sess *session.Session, table string) error {
	if g.alwaysAllow.Load() || sess.ApplyingRemote() {
		telemetry.GateStatementsTotal.With("bypassed").Inc()
		return nil
	}
	if !cfg.Config.Replication.Enabled {
		telemetry.GateStatementsTotal.With("allowed").Inc()
		return nil
	}
	if err := g.checkTable(sess, &Classification{Tag: "TRUNCATE", Table: table}); err != nil {
		telemetry.GateStatementsTotal.With("rejected").Inc()
		return err
	}
	telemetry.GateStatementsTotal.With("allowed").Inc()
	return nil
}

// checkDDLLock waits out a schema change in progress, up to the configured
// timeout, then rejects if the lock is still held by someone else.
func (g *WriteGate) checkDDLLock(sess *session.Session) error {
	lock := g.ddlLocks.CheckLock(g.database)
	if lock == nil || lock.TxnID == sess.TxnID {
		return nil
	}

	timeout := time.Duration(cfg.Config.DDL.LockWaitTimeoutMS) * time.Millisecond
	if timeout > 0 {
		if err := g.ddlLocks.WaitForLock(g.database, timeout); err == nil {
			return nil
		}
	}

	lock = g.ddlLocks.CheckLock(g.database)
	if lock == nil || lock.TxnID == sess.TxnID {
		return nil
	}
	return &DDLLockHeldError{Database: g.database, NodeID: lock.NodeID, TxnID: lock.TxnID}
}

// checkTable enforces the read-only node rule for the statement's target.
// Catalog and bookkeeping tables are exempt, as are temp tables, which never
// produce replicated changes.
func (g *WriteGate) checkTable(sess *session.Session, c *Classification) error {
	if c.Table == "" || schema.IsCatalog(c.Table) {
		return nil
	}

	t, err := g.schemas.Get(c.Table)
	if err != nil {
		// The table may not exist; let the executor produce its own error.
		log.Debug().Err(err).Str("table", c.Table).Msg("Gate could not load table, delegating")
		return nil
	}

	if !t.Durable {
		return nil
	}
	if g.readOnly() {
		telemetry.GateRejectionsTotal.With("read_only").Inc()
		return &ReadOnlyNodeError{Statement: c.Tag, Table: c.Table}
	}
	return nil
}

// checkReplicaIdentity rejects statements whose changes peers cannot apply
// for lack of a row identity.
func (g *WriteGate) checkReplicaIdentity(c *Classification) error {
	if !c.NeedsReplicaIdentity() || c.Table == "" || schema.IsCatalog(c.Table) {
		return nil
	}

	t, err := g.schemas.Get(c.Table)
	if err != nil {
		return nil
	}
	if !t.Durable {
		return nil
	}
	if t.ReplicaIdentity() == nil {
		return &NoReplicaIdentityError{Statement: c.Tag, Table: c.Table}
	}
	return nil
}
