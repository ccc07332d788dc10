package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/looplab/fsm"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options tunes a coordinator.
type Options struct {
	PrepareTimeout       time.Duration
	DecisionRetryInitial time.Duration
	DecisionRetryMax     time.Duration
	GCDelay              time.Duration
	TxnLifetime          time.Duration
}

// DefaultOptions reads cfg.Config.Coordinator.
func DefaultOptions() Options {
	c := cfg.Config.Coordinator
	return Options{
		PrepareTimeout:       time.Duration(c.PrepareTimeoutMS) * time.Millisecond,
		DecisionRetryInitial: time.Duration(c.DecisionRetryInitialMS) * time.Millisecond,
		DecisionRetryMax:     time.Duration(c.DecisionRetryMaxMS) * time.Millisecond,
		GCDelay:              time.Duration(c.GCDelayMS) * time.Millisecond,
		TxnLifetime:          time.Duration(c.TxnLifetimeMS) * time.Millisecond,
	}
}

// Report is a read-only view of a coordinator for introspection.
type Report struct {
	ID            TxnID                    `json:"id"`
	State         State                    `json:"state"`
	Participants  []string                 `json:"participants"`
	Decision      *Decision                `json:"decision,omitempty"`
	StepDurations map[string]time.Duration `json:"stepDurations"`
	TotalDuration time.Duration            `json:"totalDuration"`
	Deadline      time.Time                `json:"deadline"`
	Recovered     bool                     `json:"recovered,omitempty"`
}

// Coordinator runs 2PC for one TxnID. Create it through Service.
type Coordinator struct {
	id        TxnID
	docs      *docStore
	client    ParticipantClient
	clock     *hlc.Clock
	opts      Options
	metrics   *TxnMetrics
	created   time.Time
	recovered bool
	machine   *fsm.FSM

	mu             sync.Mutex
	participants   []string
	decision       *Decision
	started        bool
	abortRequested bool
	abortReason    error
	cancelVotes    context.CancelFunc

	decisionOnce    sync.Once
	decisionPromise *future.Promise[Decision]
	doneOnce        sync.Once
	donePromise     *future.Promise[Decision]
}

func newCoordinator(id TxnID, docs *docStore, client ParticipantClient, clock *hlc.Clock, opts Options, initial State) *Coordinator {
	c := &Coordinator{
		id:              id,
		docs:            docs,
		client:          client,
		clock:           clock,
		opts:            opts,
		metrics:         NewTxnMetrics("distributed"),
		created:         time.Now(),
		decisionPromise: future.NewPromise[Decision](),
		donePromise:     future.NewPromise[Decision](),
	}
	c.machine = newStateMachine(initial, c.onEnter)
	if initial != StateInactive {
		c.metrics.EnterStep(initial)
	}
	return c
}

// recoverCoordinator rebuilds a coordinator from its document. A decided
// document resumes delivery; an undecided one resumes voting.
func recoverCoordinator(doc Document, docs *docStore, client ParticipantClient, clock *hlc.Clock, opts Options) *Coordinator {
	initial := StateWaitingForVotes
	d, decided := doc.Decision()
	if decided {
		initial = StateWaitingForDecisionAck
	}
	c := newCoordinator(doc.ID, docs, client, clock, opts, initial)
	c.recovered = true
	c.started = true
	c.participants = doc.State.participants()
	if decided {
		c.decision = &d
		c.resolveDecision(d, nil)
	}
	return c
}

func (c *Coordinator) onEnter(_, to State) {
	for _, s := range steps {
		if s == to {
			c.metrics.EnterStep(to)
			return
		}
	}
}

func (c *Coordinator) transition(event string) error {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return errs.Wrap(errs.InternalError, err, "coordinator "+c.id.String())
	}
	return nil
}

// ID is the transaction this coordinator decides.
func (c *Coordinator) ID() TxnID { return c.id }

// State is the current lifecycle state.
func (c *Coordinator) State() State { return c.machine.Current() }

// DecisionFuture resolves once the decision is durable.
func (c *Coordinator) DecisionFuture() *future.Future[Decision] {
	return c.decisionPromise.Future()
}

// DoneFuture resolves once every participant acked and the document is
// gone, or with the error that stopped the coordinator.
func (c *Coordinator) DoneFuture() *future.Future[Decision] {
	return c.donePromise.Future()
}

func (c *Coordinator) resolveDecision(d Decision, err error) {
	c.decisionOnce.Do(func() { c.decisionPromise.Set(d, err) })
}

func (c *Coordinator) resolveDone(d Decision, err error) {
	c.doneOnce.Do(func() { c.donePromise.Set(d, err) })
}

// Report snapshots the coordinator.
func (c *Coordinator) Report() Report {
	c.mu.Lock()
	r := Report{
		ID:           c.id,
		State:        c.machine.Current(),
		Participants: append([]string(nil), c.participants...),
		Deadline:     c.created.Add(c.opts.PrepareTimeout),
		Recovered:    c.recovered,
	}
	if c.decision != nil {
		d := *c.decision
		r.Decision = &d
	}
	c.mu.Unlock()
	r.StepDurations, r.TotalDuration = c.metrics.Durations()
	return r
}

// begin claims the coordinator for a commit with participants. It reports
// whether the caller must launch run.
func (c *Coordinator) begin(participants []string) (bool, error) {
	participants = normalizeParticipants(participants)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		if !sameParticipants(c.participants, participants) {
			return false, &ParticipantListMismatchError{ID: c.id, Stored: c.participants, Requested: participants}
		}
		return false, nil
	}
	c.started = true
	c.participants = participants
	return true, nil
}

func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// requestAbort applies a client abort. It fails once a decision was
// chosen. The bool reports whether voting had not started yet, in which
// case the caller must run the abort path itself.
func (c *Coordinator) requestAbort(reason error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision != nil {
		return false, alreadyDecided(c.id, *c.decision)
	}
	if c.machine.Current() == StateWritingDecision {
		return false, errs.Newf(errs.ConflictingOperationInProgress, "decision for %s is being written", c.id)
	}
	if !preDecision(c.machine.Current()) {
		return false, errs.Newf(errs.IllegalOperation, "coordinator %s is in %s", c.id, c.machine.Current())
	}
	c.abortRequested = true
	c.abortReason = reason
	if c.cancelVotes != nil {
		c.cancelVotes()
	}
	if !c.started {
		c.started = true
		return true, nil
	}
	return false, nil
}

// run drives the coordinator from its current state to removal.
func (c *Coordinator) run(ctx context.Context) {
	d, err := c.reachDecision(ctx)
	if err != nil {
		log.Warn().Err(err).Str("txn", c.id.String()).Msg("Coordinator stopped before a durable decision")
		c.resolveDecision(Decision{}, err)
		c.resolveDone(Decision{}, c.metrics.RecordFailure("error", err))
		return
	}

	if err := c.deliver(ctx, d); err != nil {
		log.Warn().Err(err).Str("txn", c.id.String()).Str("decision", d.String()).Msg("Decision delivery interrupted, document kept for recovery")
		c.resolveDone(d, err)
		return
	}
	if err := c.deleteDoc(ctx); err != nil {
		log.Warn().Err(err).Str("txn", c.id.String()).Msg("Coordinator document not deleted")
		c.resolveDone(d, err)
		return
	}

	result := "aborted"
	if d.Commit {
		result = "committed"
	}
	c.resolveDone(d, c.metrics.RecordSuccess(result))
}

func (c *Coordinator) reachDecision(ctx context.Context) (Decision, error) {
	if d := c.currentDecision(); d != nil {
		return *d, nil
	}

	lifetime, cancel := context.WithDeadline(ctx, c.created.Add(c.opts.TxnLifetime))
	defer cancel()

	d := Decision{}
	var reason error
	switch c.machine.Current() {
	case StateInactive:
		if c.isAbortRequested() {
			break
		}
		if err := c.writeParticipants(); err != nil {
			return Decision{}, err
		}
		fallthrough
	case StateWaitingForVotes:
		d, reason = c.collectVotes(lifetime)
	}
	return c.writeDecision(lifetime, d, reason)
}

func (c *Coordinator) currentDecision() *Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision == nil || c.machine.Current() != StateWaitingForDecisionAck {
		return nil
	}
	d := *c.decision
	return &d
}

func (c *Coordinator) decided() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision != nil
}

func (c *Coordinator) isAbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortRequested
}

func (c *Coordinator) writeParticipants() error {
	if err := c.transition(eventWriteParticipants); err != nil {
		return err
	}
	c.mu.Lock()
	participants := c.participants
	c.mu.Unlock()
	if _, err := c.docs.writeParticipants(c.id, participants); err != nil {
		return err
	}
	return c.transition(eventCollectVotes)
}

// collectVotes sends prepare to every participant in parallel. Any abort
// vote, a commit vote without a prepare timestamp, NoSuchTransaction or
// the vote deadline yields an abort.
func (c *Coordinator) collectVotes(ctx context.Context) (Decision, error) {
	voteCtx, cancel := context.WithTimeout(ctx, c.opts.PrepareTimeout)
	defer cancel()

	c.mu.Lock()
	if c.abortRequested {
		c.mu.Unlock()
		return Decision{}, nil
	}
	c.cancelVotes = cancel
	participants := c.participants
	c.mu.Unlock()

	if len(participants) == 0 {
		return Decision{Commit: true, CommitTimestamp: c.clock.Now()}, nil
	}

	g, gctx := errgroup.WithContext(voteCtx)
	var mu sync.Mutex
	prepared := make([]hlc.Timestamp, 0, len(participants))
	for _, shard := range participants {
		shard := shard
		g.Go(func() error {
			vote, err := c.prepare(gctx, shard)
			if err != nil {
				return &PrepareVoteAbortError{Shard: shard, Reason: err.Error()}
			}
			if vote.Vote != VoteCommit {
				reason := vote.Reason
				if reason == "" {
					reason = "vote " + vote.Vote.String()
				}
				return &PrepareVoteAbortError{Shard: shard, Reason: reason}
			}
			if vote.PrepareTimestamp.IsZero() {
				return &PrepareVoteAbortError{Shard: shard, Reason: "prepared without a prepare timestamp"}
			}
			mu.Lock()
			prepared = append(prepared, vote.PrepareTimestamp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}
	commitTS := hlc.Max(prepared...)
	c.clock.Update(commitTS)
	return Decision{Commit: true, CommitTimestamp: commitTS}, nil
}

// prepare retries transient failures until ctx ends. NoSuchTransaction and
// explicit errors from the participant are final.
func (c *Coordinator) prepare(ctx context.Context, shard string) (PrepareVote, error) {
	backoff := c.opts.DecisionRetryInitial
	for {
		vote, err := c.client.Prepare(ctx, shard, c.id)
		if err == nil {
			return vote, nil
		}
		if !retryablePrepareError(err) {
			return PrepareVote{}, err
		}
		if !sleep(ctx, backoff) {
			if cerr := errs.FromContext(ctx, "prepare "+shard); cerr != nil {
				return PrepareVote{}, cerr
			}
			return PrepareVote{}, err
		}
		backoff = nextBackoff(backoff, c.opts.DecisionRetryMax)
	}
}

func retryablePrepareError(err error) bool {
	switch errs.CodeOf(err) {
	case errs.NoSuchTransaction, errs.TransactionAborted, errs.TransactionCommitted:
		return false
	case errs.InternalError:
		// Transport failures carry no code.
		return true
	}
	return errs.IsRetryable(err) || errs.CategoryOf(err) == errs.Transient
}

// writeDecision makes d durable. A client abort that arrived while votes
// were outstanding turns any outcome into abort. c.decision is only set
// once the document holds the decision.
func (c *Coordinator) writeDecision(ctx context.Context, d Decision, reason error) (Decision, error) {
	c.mu.Lock()
	if c.abortRequested {
		d = Decision{}
		if reason == nil {
			reason = c.abortReason
		}
	}
	if !d.Commit {
		d.CommitTimestamp = hlc.Timestamp{}
	}
	participants := c.participants
	c.mu.Unlock()

	if err := c.transition(eventDecide); err != nil {
		return Decision{}, err
	}
	doc, err := c.persistDecision(ctx, participants, d)
	if err != nil {
		return Decision{}, err
	}
	stored, _ := doc.Decision()
	c.mu.Lock()
	c.decision = &stored
	c.mu.Unlock()

	decision := "abort"
	if stored.Commit {
		decision = "commit"
	}
	telemetry.CoordinatorDecisionsTotal.With(decision).Inc()
	evt := log.Debug().Str("txn", c.id.String()).Str("decision", stored.String()).Int("participants", len(participants))
	if reason != nil {
		evt = evt.AnErr("reason", reason)
	}
	evt.Msg("Coordinator decision durable")

	c.resolveDecision(stored, nil)
	return stored, c.transition(eventNotify)
}

// persistDecision retries the decision write until ctx ends. A document
// owned by another attempt of the transaction is final.
func (c *Coordinator) persistDecision(ctx context.Context, participants []string, d Decision) (Document, error) {
	backoff := c.opts.DecisionRetryInitial
	for {
		doc, err := c.docs.writeDecision(c.id, participants, d)
		if err == nil {
			return doc, nil
		}
		if errs.Is(err, errs.ConflictingOperationInProgress) {
			return Document{}, err
		}
		log.Warn().Err(err).Str("txn", c.id.String()).Msg("Coordinator decision write failed")
		if !sleep(ctx, backoff) {
			return Document{}, err
		}
		backoff = nextBackoff(backoff, c.opts.DecisionRetryMax)
	}
}

// deliver sends d to every participant until each acknowledges.
// NoSuchTransaction counts as an ack.
func (c *Coordinator) deliver(ctx context.Context, d Decision) error {
	c.mu.Lock()
	participants := c.participants
	c.mu.Unlock()

	var g errgroup.Group
	for _, shard := range participants {
		shard := shard
		g.Go(func() error {
			backoff := c.opts.DecisionRetryInitial
			for attempt := 1; ; attempt++ {
				var err error
				if d.Commit {
					err = c.client.Commit(ctx, shard, c.id, d.CommitTimestamp)
				} else {
					err = c.client.Abort(ctx, shard, c.id)
				}
				if err == nil || errs.Is(err, errs.NoSuchTransaction) {
					return nil
				}
				log.Debug().Err(err).Str("shard", shard).Str("txn", c.id.String()).Int("attempt", attempt).Msg("Decision not acknowledged, retrying")
				if !sleep(ctx, backoff) {
					return errs.FromContext(ctx, "deliver decision to "+shard)
				}
				backoff = nextBackoff(backoff, c.opts.DecisionRetryMax)
			}
		})
	}
	return g.Wait()
}

func (c *Coordinator) deleteDoc(ctx context.Context) error {
	if err := c.transition(eventDeleteDoc); err != nil {
		return err
	}
	if c.opts.GCDelay > 0 && !sleep(ctx, c.opts.GCDelay) {
		return errs.FromContext(ctx, "coordinator gc delay")
	}
	if err := c.docs.remove(c.id); err != nil {
		return err
	}
	return c.transition(eventRemoved)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// Await blocks on f until it resolves or ctx ends.
func Await(ctx context.Context, f *future.Future[Decision]) (Decision, error) {
	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := f.Get()
		ch <- result{d, err}
	}()
	select {
	case r := <-ch:
		return r.d, r.err
	case <-ctx.Done():
		return Decision{}, errs.FromContext(ctx, "await coordinator")
	}
}
