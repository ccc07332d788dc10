package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestStepDurations(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	m := newTxnMetricsAt("distributed", clock.now)

	clock.advance(time.Millisecond)
	m.EnterStep(StateWritingParticipantList)
	clock.advance(10 * time.Millisecond)
	m.EnterStep(StateWaitingForVotes)
	clock.advance(30 * time.Millisecond)

	steps, total := m.Durations()
	if steps[StateWritingParticipantList] != 10*time.Millisecond {
		t.Errorf("writingParticipantList = %v", steps[StateWritingParticipantList])
	}
	if steps[StateWaitingForVotes] != 30*time.Millisecond {
		t.Errorf("running step = %v", steps[StateWaitingForVotes])
	}
	if total != 41*time.Millisecond {
		t.Errorf("total = %v, want 41ms", total)
	}
}

func TestDurationsFrozenAfterFinish(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	m := newTxnMetricsAt("distributed", clock.now)
	m.EnterStep(StateWritingDecision)
	clock.advance(5 * time.Millisecond)
	if err := m.RecordSuccess("committed"); err != nil {
		t.Fatalf("RecordSuccess returned %v", err)
	}
	clock.advance(time.Hour)

	steps, total := m.Durations()
	if total != 5*time.Millisecond {
		t.Errorf("total = %v after finish", total)
	}
	var sum time.Duration
	for _, d := range steps {
		sum += d
	}
	if sum > total {
		t.Errorf("sum of steps %v exceeds total %v", sum, total)
	}
}

func TestRecordFailurePassesThrough(t *testing.T) {
	m := NewTxnMetrics("distributed")
	want := errors.New("boom")
	if got := m.RecordFailure("error", want); got != want {
		t.Errorf("RecordFailure returned %v, want %v", got, want)
	}
	// A second finish must not panic.
	_ = m.RecordSuccess("committed")
}
