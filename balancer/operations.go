package balancer

import (
	"context"

	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/pkg/errors"
)

// Catalog is the part of the placement catalog the balancer reads and
// drives.
type Catalog interface {
	ListShards() []placement.Shard
	ListCollections() []placement.Collection
	GetRoutingTable(ctx context.Context, ns string) (*placement.RoutingTable, error)
	GetZones(ns string) []placement.ZoneRange
	SplitChunk(ctx context.Context, ns string, r shardkey.Range, points []shardkey.Key) ([]placement.Chunk, error)
	MergeChunks(ctx context.Context, ns string, r shardkey.Range) (placement.Chunk, error)
	MoveChunk(ctx context.Context, ns string, r shardkey.Range, to string, waitForDelete bool) (placement.Chunk, error)
}

// Operations runs chunk operations against the catalog, backing off while
// another operation holds the collection lock. Document movement happens
// inside MoveChunk through the catalog's placement.Migrator: clone the
// range and its sessions to the recipient, commit the metadata, then
// delete the range on the donor.
type Operations struct {
	catalog Catalog
	retry   placement.RetryPolicy
}

func NewOperations(catalog Catalog, retry placement.RetryPolicy) *Operations {
	return &Operations{catalog: catalog, retry: retry}
}

func (o *Operations) SplitChunk(ctx context.Context, ns string, r shardkey.Range, points []shardkey.Key) (out []placement.Chunk, err error) {
	err = o.retry.Do(ctx, func() error {
		out, err = o.catalog.SplitChunk(ctx, ns, r, points)
		return err
	})
	return out, errors.WithMessagef(err, "split %s %s", ns, r)
}

func (o *Operations) MergeChunks(ctx context.Context, ns string, r shardkey.Range) (merged placement.Chunk, err error) {
	err = o.retry.Do(ctx, func() error {
		merged, err = o.catalog.MergeChunks(ctx, ns, r)
		return err
	})
	return merged, errors.WithMessagef(err, "merge %s %s", ns, r)
}

// MoveChunk moves the chunk with exactly the bounds of r. With
// waitForDelete the donor's copy is gone when it returns.
func (o *Operations) MoveChunk(ctx context.Context, ns string, r shardkey.Range, to string, waitForDelete bool) (moved placement.Chunk, err error) {
	err = o.retry.Do(ctx, func() error {
		moved, err = o.catalog.MoveChunk(ctx, ns, r, to, waitForDelete)
		return err
	})
	return moved, errors.WithMessagef(err, "move %s %s to %s", ns, r, to)
}
