package placement

import (
	"context"

	"github.com/maxpert/shardkeeper/shardkey"
)

// MigrationRequest describes one chunk move.
type MigrationRequest struct {
	NS            string
	Range         shardkey.Range
	From          string
	To            string
	Epoch         string
	WaitForDelete bool
}

// Migrator moves documents between shards while the catalog moves the
// metadata. MoveChunk calls CloneRange, commits the new owner, then calls
// FinishRange and CleanupRange. A nil Migrator makes moves metadata-only.
type Migrator interface {
	// CloneRange copies the range to the recipient and blocks writes to it
	// on the donor until FinishRange.
	CloneRange(ctx context.Context, req MigrationRequest) error
	// FinishRange makes both shards reload their metadata and unblocks
	// writes. committed is false when the metadata commit failed.
	FinishRange(ctx context.Context, req MigrationRequest, committed bool) error
	// CleanupRange deletes the moved documents from the donor.
	CleanupRange(ctx context.Context, req MigrationRequest) error

	// MoveDatabase copies a database's unsharded collections to a new
	// primary and blocks writes on the old one until FinishDatabase.
	MoveDatabase(ctx context.Context, dbName, from, to string) error
	FinishDatabase(ctx context.Context, dbName, from, to string, committed bool) error
}
