package hlc

import (
	"sync"
	"testing"
)

func frozen(at int64) func() int64 {
	return func() int64 { return at }
}

func TestClock_NowMonotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		ts := clock.Now()
		if !After(ts, prev) {
			t.Fatalf("timestamp %d not after previous: %v <= %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestClock_FrozenPhysicalTime(t *testing.T) {
	clock := NewClockWithSource(1, frozen(100))

	ts1 := clock.Now()
	ts2 := clock.Now()
	if ts1.WallTime != 100 || ts2.WallTime != 100 {
		t.Fatalf("expected wall time 100, got %d and %d", ts1.WallTime, ts2.WallTime)
	}
	if ts2.Logical != ts1.Logical+1 {
		t.Errorf("expected logical %d, got %d", ts1.Logical+1, ts2.Logical)
	}
}

func TestClock_UpdateFromAhead(t *testing.T) {
	clock := NewClockWithSource(2, frozen(100))
	remote := Timestamp{WallTime: 500, Logical: 7, NodeID: 1}

	ts := clock.Update(remote)
	if ts.WallTime != 500 || ts.Logical != 8 {
		t.Errorf("expected (500, 8), got %v", ts)
	}
	if !After(clock.Now(), remote) {
		t.Error("clock must stay ahead of observed remote time")
	}
}

func TestClock_UpdateSameWall(t *testing.T) {
	clock := NewClockWithSource(2, frozen(100))
	clock.Now()

	ts := clock.Update(Timestamp{WallTime: 100, Logical: 5})
	if ts.Logical != 6 {
		t.Errorf("expected logical 6, got %d", ts.Logical)
	}
}

func TestClock_UpdateFromBehind(t *testing.T) {
	clock := NewClockWithSource(2, frozen(1000))
	before := clock.Now()

	ts := clock.Update(Timestamp{WallTime: 10, Logical: 99})
	if !After(ts, before) {
		t.Errorf("expected %v after %v", ts, before)
	}
}

func TestClock_Concurrent(t *testing.T) {
	clock := NewClock(3)
	var mu sync.Mutex
	seen := make(map[Timestamp]bool)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ts := clock.Now()
				mu.Lock()
				if seen[ts] {
					t.Errorf("duplicate timestamp %v", ts)
				}
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestMaxAndZero(t *testing.T) {
	a := Timestamp{WallTime: 10, Logical: 1}
	b := Timestamp{WallTime: 10, Logical: 3}
	c := Timestamp{WallTime: 9, Logical: 50}

	if got := Max(a, b, c); !Equal(got, b) {
		t.Errorf("expected %v, got %v", b, got)
	}
	if !Max().IsZero() {
		t.Error("max of nothing should be zero")
	}
	if a.IsZero() {
		t.Error("non-zero timestamp reported zero")
	}
}

func TestPack(t *testing.T) {
	ts := Timestamp{WallTime: 5_000_000, Logical: 3, NodeID: 2}
	packed := ts.Pack()
	if packed>>TotalShiftBits != 5 {
		t.Errorf("expected 5ms in high bits, got %d", packed>>TotalShiftBits)
	}
	if (packed>>LogicalBits)&NodeIDMask != 2 {
		t.Error("node id not packed")
	}
	if packed&LogicalMask != 3 {
		t.Error("logical not packed")
	}
}
