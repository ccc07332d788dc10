package shard

import (
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
)

// criticalSection blocks writes to a namespace (or to a database's
// unsharded collections) while its ownership changes hands.
type criticalSection struct {
	reason string
	since  time.Time
	done   chan struct{}
}

func collectionSection(ns string) string { return "ns:" + ns }
func databaseSection(db string) string   { return "db:" + db }

// enterCritical starts a critical section and waits until no write that
// missed it is still in flight.
func (s *Shard) enterCritical(name, reason string) error {
	cs := &criticalSection{reason: reason, since: time.Now(), done: make(chan struct{})}
	if existing, loaded := s.critical.LoadOrStore(name, cs); loaded {
		return errs.Newf(errs.ConflictingOperationInProgress, "%s is in a critical section for %s", name, existing.reason)
	}
	// Writes check for critical sections under writeMu.
	s.writeMu.Lock()
	s.writeMu.Unlock()
	return nil
}

func (s *Shard) exitCritical(name string) {
	if cs, ok := s.critical.LoadAndDelete(name); ok {
		close(cs.done)
	}
}

// criticalFor returns the section blocking writes to the view's
// namespace, if any.
func (s *Shard) criticalFor(view *nsView) *criticalSection {
	if cs, ok := s.critical.Load(collectionSection(view.ns)); ok {
		return cs
	}
	if view.pattern == nil {
		dbName, _, err := placement.SplitNS(view.ns)
		if err == nil {
			if cs, ok := s.critical.Load(databaseSection(dbName)); ok {
				return cs
			}
		}
	}
	return nil
}

// CriticalSections lists active sections and when they began.
func (s *Shard) CriticalSections() map[string]time.Time {
	out := make(map[string]time.Time)
	s.critical.Range(func(name string, cs *criticalSection) bool {
		out[name] = cs.since
		return true
	})
	return out
}
