package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock used to stamp queue entries and
// derive session transaction IDs.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64
	mu       sync.Mutex
}

// Timestamp represents a point in time across the cluster
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// LogicalBits is the number of bits reserved for the logical counter in txn IDs.
const LogicalBits = 16

// LogicalMask masks the logical counter for ToTxnID
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for node ID in txn IDs.
const NodeIDBits = 6

// NodeIDMask masks the node ID for ToTxnID
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the total bits to shift wall time
const TotalShiftBits = NodeIDBits + LogicalBits

// MaxLogical is the maximum value for the logical counter before overflow
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Logical resets per millisecond so ToTxnID never overflows into wall bits
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted the counter for this millisecond: spin to the next one
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Update advances the clock past a timestamp received from a peer and
// returns the new local time. Used when stamping remotely originated changes.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow && maxWall/1_000_000 > c.lastMS:
		c.logical = 0
	default:
		c.logical++
	}

	c.wallTime = maxWall
	c.lastMS = maxWall / 1_000_000

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 1
			break
		}
	}

	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// PhysicalTime returns the wall-clock component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// ToTxnID converts a timestamp to a unique transaction ID.
// Format: (physical_ms << 22) | (node_id << 16) | logical
func (t Timestamp) ToTxnID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	return (physicalMS << TotalShiftBits) | ((t.NodeID & NodeIDMask) << LogicalBits) | (uint64(t.Logical) & LogicalMask)
}
