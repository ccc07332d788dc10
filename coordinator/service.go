package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/telemetry"
	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var errShuttingDown = errors.New("coordinator service is shutting down")

// Service owns the coordinators of one shard.
type Service struct {
	docs   *docStore
	client ParticipantClient
	clock  *hlc.Clock
	opts   Options

	coordinators *xsync.MapOf[TxnID, *Coordinator]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// NewService creates a Service storing documents in store.
func NewService(store *db.Store, client ParticipantClient, clock *hlc.Clock, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		docs:         &docStore{store: store},
		client:       client,
		clock:        clock,
		opts:         opts,
		coordinators: xsync.NewMapOf[TxnID, *Coordinator](),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// CreateCoordinator returns the coordinator for id, creating it if needed.
// Calling it again for the same attempt returns the same coordinator.
func (s *Service) CreateCoordinator(id TxnID) (*Coordinator, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	c, loaded := s.coordinators.LoadOrCompute(id, func() *Coordinator {
		return newCoordinator(id, s.docs, s.client, s.clock, s.opts, StateInactive)
	})
	if !loaded {
		telemetry.ActiveCoordinators.Inc()
		log.Debug().Str("txn", id.String()).Msg("Coordinator created")
	}
	return c, nil
}

func (s *Service) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errs.Wrap(errs.Interrupted, errShuttingDown, "")
	}
	return nil
}

// GetCoordinator looks up a live coordinator.
func (s *Service) GetCoordinator(id TxnID) (*Coordinator, bool) {
	return s.coordinators.Load(id)
}

// CoordinateCommit starts 2PC across participants and returns a future for
// the durable decision. Repeating the call with the same participants is
// safe and returns the same future.
func (s *Service) CoordinateCommit(id TxnID, participants []string) (*future.Future[Decision], error) {
	c, err := s.CreateCoordinator(id)
	if err != nil {
		return nil, err
	}
	launch, err := c.begin(participants)
	if err != nil {
		return nil, err
	}
	if launch {
		s.launch(c)
	}
	return c.DecisionFuture(), nil
}

// AbortTransaction is a client abort. It succeeds only while no decision
// was chosen; afterwards it fails with TransactionCommitted or
// TransactionAborted.
func (s *Service) AbortTransaction(ctx context.Context, id TxnID) error {
	c, err := s.CreateCoordinator(id)
	if err != nil {
		return err
	}
	launch, err := c.requestAbort(&PrepareVoteAbortError{Reason: "aborted by client"})
	if err != nil {
		return err
	}
	if launch {
		s.launch(c)
	}
	d, err := Await(ctx, c.DecisionFuture())
	if err != nil {
		return err
	}
	if d.Commit {
		return alreadyDecided(id, d)
	}
	return nil
}

func (s *Service) launch(c *Coordinator) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run(s.ctx)
		if c.State() == StateRemoved || !c.decided() {
			s.forget(c)
		}
	}()
}

func (s *Service) forget(c *Coordinator) {
	removed := false
	s.coordinators.Compute(c.id, func(old *Coordinator, loaded bool) (*Coordinator, bool) {
		removed = loaded && old == c
		return old, removed || !loaded
	})
	if removed {
		telemetry.ActiveCoordinators.Dec()
	}
}

// Recover resumes every coordinator whose document survived a restart.
// Decided documents only redeliver their decision.
func (s *Service) Recover(ctx context.Context) (int, error) {
	docs, err := s.docs.loadAll()
	if err != nil {
		return 0, pkgerrors.WithMessage(err, "load coordinator documents")
	}
	n := 0
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		c := recoverCoordinator(doc, s.docs, s.client, s.clock, s.opts)
		if _, loaded := s.coordinators.LoadOrStore(doc.ID, c); loaded {
			continue
		}
		telemetry.ActiveCoordinators.Inc()
		_, decided := doc.Decision()
		log.Info().Str("txn", doc.ID.String()).Bool("decided", decided).Msg("Recovering coordinator")
		s.launch(c)
		n++
	}
	return n, nil
}

// ActiveCount is the number of coordinators still held in memory.
func (s *Service) ActiveCount() int { return s.coordinators.Size() }

// Reports lists every live coordinator, ordered by id.
func (s *Service) Reports() []Report {
	var out []Report
	s.coordinators.Range(func(_ TxnID, c *Coordinator) bool {
		out = append(out, c.Report())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if a.LSID != b.LSID {
			return a.LSID < b.LSID
		}
		if a.TxnNumber != b.TxnNumber {
			return a.TxnNumber < b.TxnNumber
		}
		return a.RetryCounter < b.RetryCounter
	})
	return out
}

// Shutdown stops accepting coordinators, cancels running ones and waits
// for them or ctx. Undelivered decisions stay on disk for Recover.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
