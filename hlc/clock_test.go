package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockMonotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 10000; i++ {
		ts := clock.Now()
		require.True(t, Less(prev, ts), "timestamps must strictly increase")
		prev = ts
	}
}

func TestClockUpdateAdvancesPastRemote(t *testing.T) {
	clock := NewClock(1)

	remote := clock.Now()
	remote.WallTime += 5 * time.Second.Nanoseconds() // remote node 5 seconds ahead

	ts := clock.Update(remote)
	require.True(t, Less(remote, ts))

	// Local clock stays ahead of the remote it saw
	next := clock.Now()
	require.True(t, Less(ts, next))
}

func TestCompare(t *testing.T) {
	a := Timestamp{WallTime: 100, Logical: 1, NodeID: 1}
	b := Timestamp{WallTime: 100, Logical: 2, NodeID: 1}
	c := Timestamp{WallTime: 100, Logical: 1, NodeID: 2}

	require.Equal(t, -1, Compare(a, b))
	require.Equal(t, 1, Compare(b, a))
	require.Equal(t, 0, Compare(a, a))
	require.Equal(t, -1, Compare(a, c), "node id breaks ties")
}

func TestToTxnIDDistinctAcrossNodes(t *testing.T) {
	a := NewClock(1).Now().ToTxnID()
	b := NewClock(2).Now().ToTxnID()
	require.NotEqual(t, a, b)
}

func TestToTxnIDOrdered(t *testing.T) {
	clock := NewClock(3)
	prev := clock.Now().ToTxnID()
	for i := 0; i < 1000; i++ {
		id := clock.Now().ToTxnID()
		require.Greater(t, id, prev)
		prev = id
	}
}
