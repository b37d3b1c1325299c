// Package nodes tracks cluster peer flags. The one flag the write gate cares
// about is read-only: a node drained for maintenance keeps serving reads but
// must not originate replicated writes.
package nodes

import (
	"database/sql"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const NodesTable = "__sable_nodes"

// FlagChange is delivered to subscribers when a node flag flips.
type FlagChange struct {
	NodeName string
	ReadOnly bool
}

// Registry persists node flags and serves them from an in-memory cache.
// Flag reads sit on the statement hot path and must not touch the database.
type Registry struct {
	db        *sql.DB
	localName string
	flags     *xsync.MapOf[string, bool]
	hub       *Hub
}

func NewRegistry(conn *sql.DB, localName string) *Registry {
	return &Registry{
		db:        conn,
		localName: localName,
		flags:     xsync.NewMapOf[string, bool](),
		hub:       NewHub(),
	}
}

// Bootstrap creates the nodes table, registers the local node and loads all
// flags into the cache.
func (r *Registry) Bootstrap() error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + NodesTable + ` (
		node_name TEXT PRIMARY KEY,
		read_only INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := r.db.Exec(ddl); err != nil {
		return fmt.Errorf("bootstrap nodes: %w", err)
	}

	if _, err := r.db.Exec(
		"INSERT OR IGNORE INTO "+NodesTable+" (node_name, read_only) VALUES (?, 0)",
		r.localName,
	); err != nil {
		return fmt.Errorf("register node %s: %w", r.localName, err)
	}

	rows, err := r.db.Query("SELECT node_name, read_only FROM " + NodesTable)
	if err != nil {
		return fmt.Errorf("load node flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name     string
			readOnly int
		)
		if err := rows.Scan(&name, &readOnly); err != nil {
			return fmt.Errorf("load node flags: %w", err)
		}
		r.flags.Store(name, readOnly == 1)
	}
	return rows.Err()
}

// Register adds a peer node with default flags. Idempotent.
func (r *Registry) Register(nodeName string) error {
	if _, err := r.db.Exec(
		"INSERT OR IGNORE INTO "+NodesTable+" (node_name, read_only) VALUES (?, 0)",
		nodeName,
	); err != nil {
		return fmt.Errorf("register node %s: %w", nodeName, err)
	}
	r.flags.LoadOrStore(nodeName, false)
	return nil
}

// SetReadOnly flips the read-only flag of a named node. Unknown nodes are an
// error; flag changes on known nodes fan out to subscribers.
func (r *Registry) SetReadOnly(nodeName string, readOnly bool) error {
	res, err := r.db.Exec(
		"UPDATE "+NodesTable+" SET read_only = ? WHERE node_name = ?",
		boolToInt(readOnly), nodeName,
	)
	if err != nil {
		return fmt.Errorf("set read_only on %s: %w", nodeName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("node %s not found", nodeName)
	}

	r.flags.Store(nodeName, readOnly)
	r.hub.Signal(FlagChange{NodeName: nodeName, ReadOnly: readOnly})

	log.Info().Str("node", nodeName).Bool("read_only", readOnly).Msg("Node flag changed")
	return nil
}

// IsReadOnly reports the cached flag for a node. Unknown nodes read as
// writable.
func (r *Registry) IsReadOnly(nodeName string) bool {
	v, _ := r.flags.Load(nodeName)
	return v
}

// LocalReadOnly reports the local node's flag. This is the gate's check.
func (r *Registry) LocalReadOnly() bool {
	return r.IsReadOnly(r.localName)
}

// Subscribe returns a channel of flag changes and a cancel function.
func (r *Registry) Subscribe() (<-chan FlagChange, func()) {
	return r.hub.Subscribe()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
