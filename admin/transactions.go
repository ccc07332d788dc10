package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/txnledger"
	"go.mongodb.org/mongo-driver/bson"
)

type coordinatorView struct {
	Shard string `json:"shard"`
	coordinator.Report
}

func (h *AdminHandlers) coordinatorReports(match func(coordinator.TxnID) bool) []coordinatorView {
	out := []coordinatorView{}
	for _, s := range h.hostedShards() {
		for _, rep := range s.Coordinators().Reports() {
			if match(rep.ID) {
				out = append(out, coordinatorView{Shard: s.ID(), Report: rep})
			}
		}
	}
	return out
}

// handleCoordinators handles GET /admin/coordinators
func (h *AdminHandlers) handleCoordinators(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, h.coordinatorReports(func(coordinator.TxnID) bool { return true }))
}

// handleCoordinator handles GET /admin/coordinators/{lsid}/{txnNumber}.
// Every retry counter of the transaction is listed.
func (h *AdminHandlers) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	lsid := chi.URLParam(r, "lsid")
	txn, err := parseTxnNumber(chi.URLParam(r, "txnNumber"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	reports := h.coordinatorReports(func(id coordinator.TxnID) bool {
		return id.LSID == lsid && id.TxnNumber == txn
	})
	if len(reports) == 0 {
		writeErrorResponse(w, http.StatusNotFound, "no coordinator for transaction")
		return
	}
	writeJSONResponse(w, reports)
}

type statementView struct {
	StmtID     int32            `json:"stmtId"`
	NS         string           `json:"ns,omitempty"`
	Key        json.RawMessage  `json:"key,omitempty"`
	OpTime     string           `json:"opTime"`
	PrevOpTime string           `json:"prevOpTime,omitempty"`
	Result     txnledger.Result `json:"result"`
}

type sessionView struct {
	Shard        string          `json:"shard"`
	TxnNumber    int64           `json:"txnNumber"`
	RetryCounter int32           `json:"txnRetryCounter"`
	State        string          `json:"state"`
	LastWrite    string          `json:"lastWriteOpTime,omitempty"`
	Statements   []statementView `json:"statements"`
}

func newStatementView(e txnledger.StatementEntry) statementView {
	v := statementView{
		StmtID: e.StmtID,
		NS:     e.NS,
		OpTime: e.OpTime.String(),
		Result: e.Result,
	}
	if !e.PrevOpTime.IsZero() {
		v.PrevOpTime = e.PrevOpTime.String()
	}
	if len(e.Key) > 0 {
		if s := bson.Raw(e.Key).String(); s != "" {
			v.Key = json.RawMessage(s)
		}
	}
	return v
}

// handleSession handles GET /admin/sessions/{lsid} and reports the
// session's ledger on every hosted shard that has seen it.
func (h *AdminHandlers) handleSession(w http.ResponseWriter, r *http.Request) {
	lsid := chi.URLParam(r, "lsid")
	out := []sessionView{}
	for _, s := range h.hostedShards() {
		ledger := s.Ledger()
		rec, found, err := ledger.Session(lsid)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			continue
		}
		history, err := ledger.History(lsid)
		if err != nil {
			writeError(w, err)
			return
		}
		view := sessionView{
			Shard:        s.ID(),
			TxnNumber:    rec.TxnNumber,
			RetryCounter: rec.TxnRetryCounter,
			State:        rec.State.String(),
			Statements:   make([]statementView, 0, len(history)),
		}
		if rec.HasWrites() {
			view.LastWrite = rec.LastWriteOpTime.String()
		}
		for _, e := range history {
			view.Statements = append(view.Statements, newStatementView(e))
		}
		out = append(out, view)
	}
	if len(out) == 0 {
		writeErrorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSONResponse(w, out)
}
