// Package queue is the durable change queue: schema changes and object drops
// committed locally are appended here, in the writing transaction, for the
// propagation pipeline to ship to peers. Recursion guards on the session keep
// replayed changes from being queued again on the applying node.
package queue

import (
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/cfg"
	"github.com/sable-db/sable/encoding"
	"github.com/sable-db/sable/hlc"
	"github.com/sable-db/sable/session"
	"github.com/sable-db/sable/telemetry"
)

const (
	CommandsTable = "__sable_queued_commands"
	DropsTable    = "__sable_queued_drops"
)

// Execer runs statements inside the caller's transaction. Queue appends must
// commit and roll back with the write they describe.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

var queueDDL = []string{
	`CREATE TABLE IF NOT EXISTS ` + CommandsTable + ` (
		position    INTEGER PRIMARY KEY AUTOINCREMENT,
		queued_at   INTEGER NOT NULL,
		actor       TEXT NOT NULL,
		command_tag TEXT NOT NULL,
		command     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + DropsTable + ` (
		position        INTEGER PRIMARY KEY AUTOINCREMENT,
		queued_at       INTEGER NOT NULL,
		dropped_objects BLOB NOT NULL
	)`,
}

// Bootstrap creates the queue tables.
func Bootstrap(conn *sql.DB) error {
	for _, ddl := range queueDDL {
		if _, err := conn.Exec(ddl); err != nil {
			return fmt.Errorf("bootstrap queue: %w", err)
		}
	}
	return nil
}

// DroppedObject is one object removed by a drop statement, in the wire form
// peers replay. NameParts is the qualified name split into components;
// ArgParts carries signature components for overloadable objects.
type DroppedObject struct {
	ObjectType string   `msgpack:"object_type"`
	NameParts  []string `msgpack:"name_parts"`
	ArgParts   []string `msgpack:"arg_parts"`
}

// DropRecord is a drop event as reported by the post-drop callback, before
// filtering.
type DropRecord struct {
	DroppedObject

	// Original marks an object the user named directly; Normal marks one
	// removed by dependency cascade. Events with neither flag are internal
	// bookkeeping and never replicated.
	Original bool
	Normal   bool
}

// CommandRecord is one DDL command as reported by the post-DDL callback.
type CommandRecord struct {
	Tag     string
	Command string

	// TempObject marks commands whose target lives in the temp schema.
	// Extension marks commands fired from inside an extension script.
	// Neither is replicated.
	TempObject bool
	Extension  bool
}

// CommandQueue appends schema-change records to the durable queue.
type CommandQueue struct {
	clock   *hlc.Clock
	dialect goqu.DialectWrapper
}

func NewCommandQueue(clock *hlc.Clock) *CommandQueue {
	return &CommandQueue{clock: clock, dialect: goqu.Dialect("sqlite3")}
}

// Enqueue appends one command, honoring the session recursion guards and the
// skip-DDL-replication switch. Suppressed appends are silent no-ops; the
// returned bool reports whether a row was actually written.
func (q *CommandQueue) Enqueue(sess *session.Session, tx Execer, tag, command string) (bool, error) {
	if sess.SuppressQueueing() {
		telemetry.QueueSkipsTotal.With("guard").Inc()
		return false, nil
	}
	return q.append(sess, tx, tag, command)
}

// append writes the queue row without consulting the recursion guards. The
// replicate-DDL entry point calls this directly: it sets the guard for the
// command it executes, but its own append must still happen.
func (q *CommandQueue) append(sess *session.Session, tx Execer, tag, command string) (bool, error) {
	if cfg.Config.Replication.SkipDDLReplication {
		telemetry.QueueSkipsTotal.With("config").Inc()
		return false, nil
	}

	query, args, err := q.dialect.Insert(CommandsTable).Rows(goqu.Record{
		"queued_at":   q.clock.Now().PhysicalTime().UnixMilli(),
		"actor":       sess.Actor,
		"command_tag": tag,
		"command":     command,
	}).Prepared(true).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build queue insert: %w", err)
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return false, fmt.Errorf("enqueue command: %w", err)
	}

	telemetry.QueueAppendsTotal.With("command").Inc()
	log.Debug().Str("tag", tag).Str("actor", sess.Actor).Msg("Command queued")
	return true, nil
}

// EnqueueDDLBatch appends the commands produced by one statement, one queue
// row each, skipping temp-schema and extension-internal commands.
func (q *CommandQueue) EnqueueDDLBatch(sess *session.Session, tx Execer, records []CommandRecord) error {
	if sess.SuppressQueueing() {
		telemetry.QueueSkipsTotal.With("guard").Inc()
		return nil
	}

	for _, rec := range records {
		if rec.TempObject || rec.Extension {
			continue
		}
		if _, err := q.append(sess, tx, rec.Tag, rec.Command); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueDrops appends one queue row holding every replicable dropped object
// of a statement. Events flagged neither original nor normal are discarded,
// as are temp-schema objects. When nothing survives filtering no row is
// written at all.
func (q *CommandQueue) EnqueueDrops(sess *session.Session, tx Execer, records []DropRecord) error {
	if sess.SuppressQueueing() {
		telemetry.QueueSkipsTotal.With("guard").Inc()
		return nil
	}
	if cfg.Config.Replication.SkipDDLReplication {
		telemetry.QueueSkipsTotal.With("config").Inc()
		return nil
	}

	var objects []DroppedObject
	for _, rec := range records {
		if !rec.Original && !rec.Normal {
			continue
		}
		if len(rec.NameParts) > 0 && rec.NameParts[0] == "temp" {
			continue
		}
		objects = append(objects, rec.DroppedObject)
	}
	if len(objects) == 0 {
		return nil
	}

	payload, err := encoding.Marshal(objects)
	if err != nil {
		return fmt.Errorf("encode dropped objects: %w", err)
	}

	query, args, err := q.dialect.Insert(DropsTable).Rows(goqu.Record{
		"queued_at":       q.clock.Now().PhysicalTime().UnixMilli(),
		"dropped_objects": payload,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build drops insert: %w", err)
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("enqueue drops: %w", err)
	}

	telemetry.QueueAppendsTotal.With("drops").Inc()
	log.Debug().Int("objects", len(objects)).Msg("Dropped objects queued")
	return nil
}

// ReplicateDDL queues a command for peers and executes it locally in one
// step. The recursion guard covers the local execution so the post-DDL
// callback does not queue the command a second time; it is cleared on every
// exit path.
func (q *CommandQueue) ReplicateDDL(sess *session.Session, tx Execer, command string) error {
	if _, err := q.append(sess, tx, "SQL", command); err != nil {
		return err
	}

	sess.ReplicatingDDL = true
	defer func() { sess.ReplicatingDDL = false }()

	if _, err := tx.Exec(command); err != nil {
		return fmt.Errorf("replicate ddl: %w", err)
	}
	return nil
}
