package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/gate"
	"github.com/sable-db/sable/hlc"
	"github.com/sable-db/sable/queue"
	"github.com/sable-db/sable/schema"
	"github.com/sable-db/sable/session"
)

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Conn      *sql.DB
	Clock     *hlc.Clock
	Gate      *gate.WriteGate
	Queue     *queue.CommandQueue
	Truncates *queue.TruncateBatcher
	Schemas   *schema.Cache
}

// Engine is the statement execution surface. Every statement passes the gate
// chain; transactions carry a session whose guards, truncate batch, row locks
// and wait-queue registration are cleaned up on every exit path.
type Engine struct {
	conn      *sql.DB
	clock     *hlc.Clock
	chain     *gate.Chain
	gate      *gate.WriteGate
	queue     *queue.CommandQueue
	truncates *queue.TruncateBatcher
	schemas   *schema.Cache

	locks  *LockStore
	waits  *TxnWaitQueue
	active *xsync.MapOf[uint64, *sql.Tx]
}

func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		conn:      config.Conn,
		clock:     config.Clock,
		gate:      config.Gate,
		queue:     config.Queue,
		truncates: config.Truncates,
		schemas:   config.Schemas,
		locks:     NewLockStore(),
		waits:     NewTxnWaitQueue(),
		active:    xsync.NewMapOf[uint64, *sql.Tx](),
	}

	e.chain = gate.NewChain(e.execute)
	if config.Gate != nil {
		e.chain.Install(config.Gate.Handler())
	}
	return e
}

// Chain exposes the handler chain so embedders can install further gates.
func (e *Engine) Chain() *gate.Chain {
	return e.chain
}

// Locator returns a locator sharing this engine's lock and wait state, for
// the apply path.
func (e *Engine) Locator() *Locator {
	return NewLocator(e.conn, e.locks, e.waits)
}

// execute is the chain terminal: runs the statement on the session's open
// transaction, falling back to the bare connection for autocommit statements.
func (e *Engine) execute(ctx context.Context, sess *session.Session, sqlText string) error {
	if tx, ok := e.active.Load(sess.TxnID); ok {
		_, err := tx.ExecContext(ctx, sqlText)
		return err
	}
	_, err := e.conn.ExecContext(ctx, sqlText)
	return err
}

// Txn is one open transaction with its session.
type Txn struct {
	engine *Engine
	tx     *sql.Tx
	sess   *session.Session
	done   bool
}

// Begin opens a transaction for a local actor.
func (e *Engine) Begin(ctx context.Context, actor string) (*Txn, error) {
	return e.begin(ctx, session.New(actor, e.clock.Now().ToTxnID()))
}

// BeginRemote opens a transaction for applying a peer's change stamped at
// origin. The local clock advances past the origin stamp so the apply
// transaction orders after the change it replays; the session's remote-origin
// guard suppresses re-queueing for its whole lifetime.
func (e *Engine) BeginRemote(ctx context.Context, actor string, originNodeID uint64, origin hlc.Timestamp) (*Txn, error) {
	local := e.clock.Now()
	if hlc.Less(local, origin) {
		log.Debug().
			Str("origin", origin.String()).
			Str("local", local.String()).
			Msg("Origin clock ahead of local, advancing")
	}
	ts := e.clock.Update(origin)
	return e.begin(ctx, session.NewRemote(actor, ts.ToTxnID(), originNodeID))
}

func (e *Engine) begin(ctx context.Context, sess *session.Session) (*Txn, error) {
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin txn: %w", err)
	}

	e.active.Store(sess.TxnID, tx)
	e.waits.Begin(sess.TxnID)
	e.truncates.OnTransactionStart(sess)

	return &Txn{engine: e, tx: tx, sess: sess}, nil
}

// Session returns the execution context of this transaction.
func (t *Txn) Session() *session.Session {
	return t.sess
}

// Exec runs one statement through the gate chain inside this transaction.
// DDL that executes successfully is queued for peers and invalidates the
// cached descriptor of its target table.
func (t *Txn) Exec(ctx context.Context, sqlText string) error {
	c := gate.Classify(sqlText)

	if err := t.engine.chain.Execute(ctx, t.sess, sqlText); err != nil {
		return err
	}

	if c.Kind == gate.StatementDDL {
		if c.Table != "" {
			t.engine.schemas.Invalidate(c.Table)
		} else {
			// DDL with no attributable table, e.g. DROP INDEX, can change
			// any table's descriptor.
			t.engine.schemas.Clear()
		}
		if _, err := t.engine.queue.Enqueue(t.sess, t.tx, c.Tag, sqlText); err != nil {
			return err
		}
	}
	return nil
}

// Truncate empties a table and records it for the batched queue entry flushed
// at commit. Peers replay the queued statement wholesale rather than locating
// rows, so truncation needs no replica identity; the read-only and durability
// rules still apply.
func (t *Txn) Truncate(ctx context.Context, table string) error {
	if t.engine.gate != nil {
		if err := t.engine.gate.AdmitTruncate(t.sess, table); err != nil {
			return err
		}
	}
	if err := t.engine.execute(ctx, t.sess, fmt.Sprintf("DELETE FROM %q", table)); err != nil {
		return err
	}
	t.engine.truncates.OnTruncate(t.sess, table)
	return nil
}

// ReplicateDDL queues and locally executes a command in one step.
func (t *Txn) ReplicateDDL(command string) error {
	return t.engine.queue.ReplicateDDL(t.sess, t.tx, command)
}

// QueueDrops appends this statement's dropped objects to the drop queue.
func (t *Txn) QueueDrops(records []queue.DropRecord) error {
	return t.engine.queue.EnqueueDrops(t.sess, t.tx, records)
}

// Locate finds and optionally locks a row inside this transaction.
func (t *Txn) Locate(ctx context.Context, table *schema.Table, key *ScanKey, mode LockMode) (*RowRef, error) {
	return t.engine.Locator().Locate(ctx, t.sess.TxnID, table, key, mode)
}

// Commit flushes the truncate batch, commits, and releases all transaction
// state. The queue rows land in the same commit as the writes they describe.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}

	if err := t.engine.truncates.OnPreCommit(t.sess, t.tx); err != nil {
		t.rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		t.finish()
		return fmt.Errorf("commit txn: %w", err)
	}

	t.finish()
	return nil
}

// Rollback aborts the transaction and releases all transaction state.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	return t.rollback()
}

func (t *Txn) rollback() error {
	err := t.tx.Rollback()
	t.engine.truncates.OnAbort(t.sess)
	t.finish()
	if err != nil && err != sql.ErrTxDone {
		log.Warn().Err(err).Uint64("txn_id", t.sess.TxnID).Msg("Rollback failed")
		return err
	}
	return nil
}

// finish releases locks and wakes waiters. Runs exactly once per transaction
// regardless of outcome.
func (t *Txn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.engine.active.Delete(t.sess.TxnID)
	t.engine.locks.ReleaseTxn(t.sess.TxnID)
	t.engine.waits.Finish(t.sess.TxnID)
}
