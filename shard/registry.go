package shard

import (
	"context"
	"sort"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry reaches shards hosted in this process. It serves as the
// coordinator's participant client, the router's shard client and the
// mover's endpoint resolver.
type Registry struct {
	shards *xsync.MapOf[string, *Shard]
}

func NewRegistry() *Registry {
	return &Registry{shards: xsync.NewMapOf[string, *Shard]()}
}

func (r *Registry) Add(s *Shard) { r.shards.Store(s.ID(), s) }

func (r *Registry) Remove(id string) { r.shards.Delete(id) }

// Get returns the shard with the given id.
func (r *Registry) Get(id string) (*Shard, error) {
	s, ok := r.shards.Load(id)
	if !ok {
		return nil, errs.Newf(errs.ShardNotFound, "shard %s is not hosted here", id)
	}
	return s, nil
}

// IDs lists hosted shards in order.
func (r *Registry) IDs() []string {
	var out []string
	r.shards.Range(func(id string, _ *Shard) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}

// ActiveCount sums live coordinators across hosted shards.
func (r *Registry) ActiveCount() int {
	n := 0
	r.shards.Range(func(_ string, s *Shard) bool {
		n += s.coord.ActiveCount()
		return true
	})
	return n
}

// Endpoint resolves a shard's migration endpoint.
func (r *Registry) Endpoint(id string) (Endpoint, error) {
	return r.Get(id)
}

func (r *Registry) Execute(ctx context.Context, shard string, req protocol.Request) (protocol.Response, error) {
	s, err := r.Get(shard)
	if err != nil {
		return protocol.Response{}, err
	}
	return s.Execute(ctx, req)
}

func (r *Registry) Prepare(ctx context.Context, shard string, id coordinator.TxnID) (coordinator.PrepareVote, error) {
	s, err := r.Get(shard)
	if err != nil {
		return coordinator.PrepareVote{}, err
	}
	return s.Prepare(ctx, id)
}

func (r *Registry) Commit(ctx context.Context, shard string, id coordinator.TxnID, commitTS hlc.Timestamp) error {
	s, err := r.Get(shard)
	if err != nil {
		return err
	}
	return s.Commit(ctx, id, commitTS)
}

func (r *Registry) Abort(ctx context.Context, shard string, id coordinator.TxnID) error {
	s, err := r.Get(shard)
	if err != nil {
		return err
	}
	return s.Abort(ctx, id)
}

func (r *Registry) CoordinateCommit(ctx context.Context, shard string, id coordinator.TxnID, participants []string) (coordinator.Decision, error) {
	s, err := r.Get(shard)
	if err != nil {
		return coordinator.Decision{}, err
	}
	return s.CoordinateCommit(ctx, id, participants)
}

func (r *Registry) AbortCoordinated(ctx context.Context, shard string, id coordinator.TxnID) error {
	s, err := r.Get(shard)
	if err != nil {
		return err
	}
	return s.AbortCoordinated(ctx, id)
}

var _ coordinator.ParticipantClient = (*Registry)(nil)
