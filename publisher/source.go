package publisher

import (
	"database/sql"
	"fmt"

	"github.com/sable-db/sable/queue"
)

const cursorsTable = "__sable_publish_cursors"

// Source reads queue entries and tracks per-sink cursors, all in the same
// database the queue lives in so cursor and queue stay consistent across
// restarts.
type Source struct {
	db     *sql.DB
	nodeID uint64
}

func NewSource(conn *sql.DB, nodeID uint64) (*Source, error) {
	ddl := `CREATE TABLE IF NOT EXISTS ` + cursorsTable + ` (
		sink_name TEXT NOT NULL,
		kind      TEXT NOT NULL,
		position  INTEGER NOT NULL,
		PRIMARY KEY (sink_name, kind)
	)`
	if _, err := conn.Exec(ddl); err != nil {
		return nil, fmt.Errorf("bootstrap publish cursors: %w", err)
	}
	return &Source{db: conn, nodeID: nodeID}, nil
}

// ReadFrom returns up to limit entries of one kind past the given position,
// in position order.
func (s *Source) ReadFrom(kind string, after int64, limit int) ([]QueueEvent, error) {
	switch kind {
	case KindCommand:
		return s.readCommands(after, limit)
	case KindDrops:
		return s.readDrops(after, limit)
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

func (s *Source) readCommands(after int64, limit int) ([]QueueEvent, error) {
	rows, err := s.db.Query(
		"SELECT position, queued_at, actor, command_tag, command FROM "+queue.CommandsTable+
			" WHERE position > ? ORDER BY position LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read queued commands: %w", err)
	}
	defer rows.Close()

	var events []QueueEvent
	for rows.Next() {
		e := QueueEvent{Kind: KindCommand, NodeID: s.nodeID}
		if err := rows.Scan(&e.Position, &e.QueuedAt, &e.Actor, &e.Tag, &e.Command); err != nil {
			return nil, fmt.Errorf("read queued commands: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Source) readDrops(after int64, limit int) ([]QueueEvent, error) {
	rows, err := s.db.Query(
		"SELECT position, queued_at, dropped_objects FROM "+queue.DropsTable+
			" WHERE position > ? ORDER BY position LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read queued drops: %w", err)
	}
	defer rows.Close()

	var events []QueueEvent
	for rows.Next() {
		e := QueueEvent{Kind: KindDrops, NodeID: s.nodeID}
		if err := rows.Scan(&e.Position, &e.QueuedAt, &e.DroppedObjects); err != nil {
			return nil, fmt.Errorf("read queued drops: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetCursor returns the last published position for a sink and kind.
func (s *Source) GetCursor(sinkName, kind string) (int64, error) {
	var pos int64
	err := s.db.QueryRow(
		"SELECT position FROM "+cursorsTable+" WHERE sink_name = ? AND kind = ?",
		sinkName, kind,
	).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor %s/%s: %w", sinkName, kind, err)
	}
	return pos, nil
}

// AdvanceCursor persists the last published position for a sink and kind.
func (s *Source) AdvanceCursor(sinkName, kind string, pos int64) error {
	_, err := s.db.Exec(
		"INSERT INTO "+cursorsTable+" (sink_name, kind, position) VALUES (?, ?, ?)"+
			" ON CONFLICT (sink_name, kind) DO UPDATE SET position = excluded.position",
		sinkName, kind, pos,
	)
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s: %w", sinkName, kind, err)
	}
	return nil
}

// MaxPosition returns the newest queue position of a kind, 0 when empty.
func (s *Source) MaxPosition(kind string) (int64, error) {
	table := queue.CommandsTable
	if kind == KindDrops {
		table = queue.DropsTable
	}
	var pos sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(position) FROM " + table).Scan(&pos); err != nil {
		return 0, fmt.Errorf("max position %s: %w", kind, err)
	}
	return pos.Int64, nil
}
