package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// extJSON renders catalog entries as relaxed extended JSON so shard key
// bounds like MinKey survive.
func extJSON[T any](items []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := bson.MarshalExtJSON(item, false, false)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func writeExtJSON[T any](w http.ResponseWriter, items []T) {
	out, err := extJSON(items)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, out)
}

// handleShards handles GET /admin/placement/shards
func (h *AdminHandlers) handleShards(w http.ResponseWriter, _ *http.Request) {
	writeExtJSON(w, h.placement.ListShards())
}

// handleDatabases handles GET /admin/placement/databases
func (h *AdminHandlers) handleDatabases(w http.ResponseWriter, _ *http.Request) {
	writeExtJSON(w, h.placement.ListDatabases())
}

// handleCollections handles GET /admin/placement/collections
func (h *AdminHandlers) handleCollections(w http.ResponseWriter, _ *http.Request) {
	writeExtJSON(w, h.placement.ListCollections())
}

// handleChunks handles GET /admin/placement/collections/{ns}/chunks
func (h *AdminHandlers) handleChunks(w http.ResponseWriter, r *http.Request) {
	rt, err := h.placement.GetRoutingTable(r.Context(), chi.URLParam(r, "ns"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeExtJSON(w, rt.Chunks())
}

// handleZones handles GET /admin/placement/collections/{ns}/zones
func (h *AdminHandlers) handleZones(w http.ResponseWriter, r *http.Request) {
	writeExtJSON(w, h.placement.GetZones(chi.URLParam(r, "ns")))
}
