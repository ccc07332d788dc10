package router

import (
	"context"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/protocol"
	"golang.org/x/sync/errgroup"
)

// ShardClient reaches shards by id. shard.Registry serves in-process
// shards and transport.Client remote ones.
type ShardClient interface {
	Execute(ctx context.Context, shard string, req protocol.Request) (protocol.Response, error)
	Commit(ctx context.Context, shard string, id coordinator.TxnID, commitTS hlc.Timestamp) error
	Abort(ctx context.Context, shard string, id coordinator.TxnID) error
	CoordinateCommit(ctx context.Context, shard string, id coordinator.TxnID, participants []string) (coordinator.Decision, error)
	AbortCoordinated(ctx context.Context, shard string, id coordinator.TxnID) error
}

// shardResult is one target's outcome.
type shardResult struct {
	Target
	Response protocol.Response
	Err      error
}

type dispatcher struct {
	client ShardClient
	limit  int
}

// send runs every target concurrently and waits for all of them. Errors
// stay per result so callers can tell stale shards from failed ones.
func (d *dispatcher) send(ctx context.Context, targets []Target) []shardResult {
	out := make([]shardResult, len(targets))
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, tg := range targets {
		out[i].Target = tg
		g.Go(func() error {
			resp, err := d.client.Execute(ctx, tg.Shard, tg.Request)
			if err == nil {
				err = resp.Error.Err()
			}
			if err == nil && ctx.Err() != nil {
				err = errs.FromContext(ctx, "dispatch to "+tg.Shard)
			}
			out[i].Response, out[i].Err = resp, err
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// staleness splits results into staleness failures and the first
// non-staleness error.
func staleness(results []shardResult) (stale []shardResult, fatal error) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if errs.CategoryOf(r.Err) == errs.Staleness {
			stale = append(stale, r)
			continue
		}
		if fatal == nil {
			fatal = r.Err
		}
	}
	return stale, fatal
}
