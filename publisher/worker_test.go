package publisher

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sable-db/sable/encoding"
	"github.com/sable-db/sable/queue"
)

type mockSink struct {
	mu       sync.Mutex
	messages []mockMessage
	failures int // fail this many publishes before succeeding
}

type mockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return sql.ErrConnDone
	}
	m.messages = append(m.messages, mockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *mockSink) Close() error { return nil }

func (m *mockSink) published() []mockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

func newTestSource(t *testing.T) (*sql.DB, *Source) {
	t.Helper()
	conn, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, queue.Bootstrap(conn))

	source, err := NewSource(conn, 42)
	require.NoError(t, err)
	return conn, source
}

func insertCommand(t *testing.T, conn *sql.DB, tag, command string) {
	t.Helper()
	_, err := conn.Exec(
		"INSERT INTO "+queue.CommandsTable+" (queued_at, actor, command_tag, command) VALUES (?, ?, ?, ?)",
		time.Now().UnixMilli(), "alice", tag, command,
	)
	require.NoError(t, err)
}

func TestSourceReadFromAndCursor(t *testing.T) {
	conn, source := newTestSource(t)
	insertCommand(t, conn, "CREATE TABLE", "CREATE TABLE a (x)")
	insertCommand(t, conn, "DROP TABLE", "DROP TABLE a")

	events, err := source.ReadFrom(KindCommand, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(1), events[0].Position)
	require.Equal(t, "CREATE TABLE", events[0].Tag)
	require.Equal(t, uint64(42), events[0].NodeID)

	events, err = source.ReadFrom(KindCommand, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "DROP TABLE", events[0].Tag)

	pos, err := source.GetCursor("sink1", KindCommand)
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, source.AdvanceCursor("sink1", KindCommand, 2))
	pos, err = source.GetCursor("sink1", KindCommand)
	require.NoError(t, err)
	require.Equal(t, int64(2), pos)

	max, err := source.MaxPosition(KindCommand)
	require.NoError(t, err)
	require.Equal(t, int64(2), max)
}

func waitForMessages(t *testing.T, snk *mockSink, n int) []mockMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := snk.published(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", n, len(snk.published()))
	return nil
}

func TestWorkerPublishesQueuedCommands(t *testing.T) {
	conn, source := newTestSource(t)
	insertCommand(t, conn, "CREATE TABLE", "CREATE TABLE a (x)")
	insertCommand(t, conn, "ALTER TABLE", "ALTER TABLE a ADD COLUMN y")

	snk := &mockSink{}
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Name:         "test",
		Source:       source,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  "sable.ddl",
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	msgs := waitForMessages(t, snk, 2)
	require.Equal(t, "sable.ddl.command", msgs[0].Topic)
	require.Equal(t, "1", msgs[0].Key)

	var event QueueEvent
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &event))
	require.Equal(t, KindCommand, event.Kind)
	require.Equal(t, "CREATE TABLE", event.Tag)
	require.Equal(t, "alice", event.Actor)

	// Cursor persisted past the published entries
	pos, err := source.GetCursor("test", KindCommand)
	require.NoError(t, err)
	require.Equal(t, int64(2), pos)
}

func TestWorkerResumesFromCursor(t *testing.T) {
	conn, source := newTestSource(t)
	insertCommand(t, conn, "CREATE TABLE", "one")
	insertCommand(t, conn, "CREATE TABLE", "two")
	require.NoError(t, source.AdvanceCursor("test", KindCommand, 1))

	snk := &mockSink{}
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Name:         "test",
		Source:       source,
		Sink:         snk,
		Filter:       filter,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	msgs := waitForMessages(t, snk, 1)
	var event QueueEvent
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &event))
	require.Equal(t, "two", event.Command)
}

func TestWorkerFilterSkipsButAdvancesCursor(t *testing.T) {
	conn, source := newTestSource(t)
	insertCommand(t, conn, "ALTER TABLE", "skipped")
	insertCommand(t, conn, "CREATE TABLE", "published")

	snk := &mockSink{}
	filter, err := NewGlobFilter([]string{"CREATE*"})
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Name:         "test",
		Source:       source,
		Sink:         snk,
		Filter:       filter,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	msgs := waitForMessages(t, snk, 1)
	var event QueueEvent
	require.NoError(t, encoding.Unmarshal(msgs[0].Value, &event))
	require.Equal(t, "published", event.Command)

	pos, err := source.GetCursor("test", KindCommand)
	require.NoError(t, err)
	require.Equal(t, int64(2), pos)
}

func TestWorkerRetriesFailedPublish(t *testing.T) {
	conn, source := newTestSource(t)
	insertCommand(t, conn, "CREATE TABLE", "eventually")

	snk := &mockSink{failures: 2}
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Name:         "test",
		Source:       source,
		Sink:         snk,
		Filter:       filter,
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
	})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	waitForMessages(t, snk, 1)
}

func TestWorkerPublishesDrops(t *testing.T) {
	conn, source := newTestSource(t)
	_, err := conn.Exec(
		"INSERT INTO "+queue.DropsTable+" (queued_at, dropped_objects) VALUES (?, ?)",
		time.Now().UnixMilli(), []byte{0x90},
	)
	require.NoError(t, err)

	snk := &mockSink{}
	filter, err := NewGlobFilter(nil)
	require.NoError(t, err)

	worker, err := NewWorker(WorkerConfig{
		Name:         "test",
		Source:       source,
		Sink:         snk,
		Filter:       filter,
		TopicPrefix:  "sable.ddl",
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	msgs := waitForMessages(t, snk, 1)
	require.Equal(t, "sable.ddl.drops", msgs[0].Topic)
}
