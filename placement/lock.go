package placement

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

// LockManager serializes placement mutations per resource (a namespace or a
// database name). Locks are leases: a holder that never releases loses the
// lock once the lease expires.
type LockManager struct {
	mu            sync.Mutex
	active        map[string]*Lock
	leaseDuration time.Duration
	now           func() time.Time
}

// Lock is a held collection or database lock.
type Lock struct {
	Resource    string
	Owner       string
	Why         string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	ReleaseChan chan struct{}
}

// NewLockManager creates a lock manager with the given lease.
func NewLockManager(leaseDuration time.Duration) *LockManager {
	return &LockManager{
		active:        make(map[string]*Lock),
		leaseDuration: leaseDuration,
		now:           time.Now,
	}
}

// TryAcquire takes the lock on resource or fails with LockBusy. Re-acquiring
// with the same owner extends the lease.
func (lm *LockManager) TryAcquire(resource, owner, why string) (*Lock, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if held, ok := lm.active[resource]; ok {
		if now.Before(held.ExpiresAt) {
			if held.Owner == owner {
				held.ExpiresAt = now.Add(lm.leaseDuration)
				return held, nil
			}
			telemetry.PlacementLockBusyTotal.Inc()
			return nil, errs.Newf(errs.LockBusy, "lock on %s is held by %s for %s", resource, held.Owner, held.Why).
				WithInfo("holder", held.Owner)
		}
		log.Warn().
			Str("resource", resource).
			Str("expired_owner", held.Owner).
			Str("expired_reason", held.Why).
			Msg("Placement lock lease expired, allowing new acquisition")
		close(held.ReleaseChan)
	}

	lock := &Lock{
		Resource:    resource,
		Owner:       owner,
		Why:         why,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(lm.leaseDuration),
		ReleaseChan: make(chan struct{}),
	}
	lm.active[resource] = lock

	log.Debug().
		Str("resource", resource).
		Str("owner", owner).
		Str("reason", why).
		Msg("Placement lock acquired")
	return lock, nil
}

// Acquire retries TryAcquire under policy until the lock is taken, the
// retries are exhausted or ctx ends.
func (lm *LockManager) Acquire(ctx context.Context, policy RetryPolicy, resource, owner, why string) (*Lock, error) {
	start := time.Now()
	var lock *Lock
	err := policy.Do(ctx, func() error {
		var err error
		lock, err = lm.TryAcquire(resource, owner, why)
		return err
	})
	telemetry.PlacementLockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Release frees the lock if owner still holds it.
func (lm *LockManager) Release(resource, owner string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held, ok := lm.active[resource]
	if !ok || held.Owner != owner {
		return
	}
	delete(lm.active, resource)
	close(held.ReleaseChan)

	log.Debug().
		Str("resource", resource).
		Str("owner", owner).
		Dur("held_for", lm.now().Sub(held.AcquiredAt)).
		Msg("Placement lock released")
}

// Renew extends owner's lease on resource. It fails with LockBusy once
// another owner has taken the lock.
func (lm *LockManager) Renew(resource, owner string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held, ok := lm.active[resource]
	if !ok || held.Owner != owner {
		return errs.Newf(errs.LockBusy, "lock on %s is no longer held by %s", resource, owner)
	}
	held.ExpiresAt = lm.now().Add(lm.leaseDuration)
	return nil
}

// KeepAlive renews owner's lease every third of the lease duration until
// stop is called or the lock is lost.
func (lm *LockManager) KeepAlive(resource, owner string) (stop func()) {
	interval := lm.leaseDuration / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lm.Renew(resource, owner); err != nil {
					log.Warn().
						Err(err).
						Str("resource", resource).
						Str("owner", owner).
						Msg("Placement lock lost while held")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Holder returns the current unexpired lock on resource.
func (lm *LockManager) Holder(resource string) (*Lock, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held, ok := lm.active[resource]
	if !ok || !lm.now().Before(held.ExpiresAt) {
		return nil, false
	}
	return held, true
}

// WaitForRelease blocks until resource is free or ctx ends.
func (lm *LockManager) WaitForRelease(ctx context.Context, resource string) error {
	held, ok := lm.Holder(resource)
	if !ok {
		return nil
	}
	timer := time.NewTimer(time.Until(held.ExpiresAt))
	defer timer.Stop()

	select {
	case <-held.ReleaseChan:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.FromContext(ctx, "waiting for placement lock on "+resource)
	}
}

// Active returns a snapshot of unexpired locks.
func (lm *LockManager) Active() []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	out := make([]Lock, 0, len(lm.active))
	for resource, l := range lm.active {
		if !now.Before(l.ExpiresAt) {
			close(l.ReleaseChan)
			delete(lm.active, resource)
			continue
		}
		out = append(out, *l)
	}
	return out
}
