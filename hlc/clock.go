package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock. Every timestamp it hands out is
// strictly greater than the previous one and than any timestamp it observed.
type Clock struct {
	nodeID   uint64
	physical func() int64
	wallTime int64
	logical  int32
	mu       sync.Mutex
}

// Timestamp is an HLC reading. The zero value sorts before every timestamp a
// clock produces.
type Timestamp struct {
	WallTime int64  `bson:"t" msgpack:"t"`
	Logical  int32  `bson:"i" msgpack:"i"`
	NodeID   uint64 `bson:"n,omitempty" msgpack:"n,omitempty"`
}

// NewClock creates a clock reading the system wall time.
func NewClock(nodeID uint64) *Clock {
	return NewClockWithSource(nodeID, func() int64 { return time.Now().UnixNano() })
}

// NewClockWithSource creates a clock over a custom physical source. Tests use
// it to freeze or skew time.
func NewClockWithSource(nodeID uint64, physical func() int64) *Clock {
	return &Clock{nodeID: nodeID, physical: physical}
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.physical()
	if pt > c.wallTime {
		c.wallTime = pt
		c.logical = 0
	} else {
		c.logical++
	}
	return c.current()
}

// Update merges a remote timestamp and returns a reading after both.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.physical()
	switch {
	case pt > c.wallTime && pt > remote.WallTime:
		c.wallTime = pt
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case remote.WallTime == c.wallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	default:
		c.logical++
	}
	return c.current()
}

// Peek returns the last issued reading without advancing the clock.
func (c *Clock) Peek() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *Clock) current() Timestamp {
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare orders by wall time, then logical counter, then node.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

func Less(a, b Timestamp) bool  { return Compare(a, b) < 0 }
func Equal(a, b Timestamp) bool { return Compare(a, b) == 0 }
func After(a, b Timestamp) bool { return Compare(a, b) > 0 }

// Max returns the greatest of the given timestamps, or the zero value.
func Max(ts ...Timestamp) Timestamp {
	var out Timestamp
	for _, t := range ts {
		if After(t, out) {
			out = t
		}
	}
	return out
}

// IsZero reports whether t was never assigned.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return "Timestamp(0, 0)"
	}
	return fmt.Sprintf("Timestamp(%d, %d)", t.WallTime, t.Logical)
}

// LogicalBits is the number of bits reserved for the logical counter in packed IDs.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for node ID in packed IDs.
const NodeIDBits = 6

// NodeIDMask masks the node ID to 6 bits
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the total bits to shift wall time (NodeIDBits + LogicalBits)
const TotalShiftBits = NodeIDBits + LogicalBits

// Pack folds the timestamp into a single 64-bit value:
// (physical_ms << 22) | (node_id << 16) | logical
func (t Timestamp) Pack() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}
