// Package admin serves a read-only HTTP view of a shardkeeper process:
// placement metadata, live transaction coordinators and session ledgers.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shard"
	"github.com/rs/zerolog/log"
)

// Placement is the catalog view served under /admin/placement.
// placement.Catalog implements it.
type Placement interface {
	ListShards() []placement.Shard
	ListDatabases() []placement.Database
	ListCollections() []placement.Collection
	GetRoutingTable(ctx context.Context, ns string) (*placement.RoutingTable, error)
	GetZones(ns string) []placement.ZoneRange
}

// Shards reaches the shards hosted by this process. shard.Registry
// implements it.
type Shards interface {
	IDs() []string
	Get(id string) (*shard.Shard, error)
}

var (
	_ Placement = (*placement.Catalog)(nil)
	_ Shards    = (*shard.Registry)(nil)
)

// Options selects what the handlers can show. A nil Placement or Shards
// turns the matching routes into 404s.
type Options struct {
	Placement Placement
	Shards    Shards
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Secret, when set, is required on every /admin request.
	Secret string
}

// AdminHandlers holds the sources behind the admin routes
type AdminHandlers struct {
	placement Placement
	shards    Shards
}

func NewAdminHandlers(opts Options) *AdminHandlers {
	return &AdminHandlers{placement: opts.Placement, shards: opts.Shards}
}

// hostedShards resolves every hosted shard, skipping ones removed
// concurrently.
func (h *AdminHandlers) hostedShards() []*shard.Shard {
	if h.shards == nil {
		return nil
	}
	var out []*shard.Shard
	for _, id := range h.shards.IDs() {
		s, err := h.shards.Get(id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps a shardkeeper error onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.NamespaceNotFound, errs.NamespaceNotSharded, errs.ShardNotFound, errs.ZoneNotFound:
		status = http.StatusNotFound
	case errs.BadValue, errs.InvalidOptions:
		status = http.StatusBadRequest
	}
	writeErrorResponse(w, status, err.Error())
}

func parseTxnNumber(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid txn number %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("txn number must not be negative")
	}
	return n, nil
}
