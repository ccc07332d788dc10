// Package protocol holds the messages routers exchange with shards: stamped
// operations, their results, 2PC participant calls and the error envelope
// that carries staleness details across the wire.
package protocol

import (
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"go.mongodb.org/mongo-driver/bson"
)

// OpKind names a document operation.
type OpKind string

const (
	OpFind          OpKind = "find"
	OpCount         OpKind = "count"
	OpInsert        OpKind = "insert"
	OpUpdate        OpKind = "update"
	OpDelete        OpKind = "delete"
	OpFindAndModify OpKind = "findAndModify"
	OpAggregate     OpKind = "aggregate"
)

// IsWrite reports whether the operation mutates documents.
func (k OpKind) IsWrite() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete, OpFindAndModify:
		return true
	}
	return false
}

// Op is one client operation against a namespace. Which fields matter
// depends on Kind:
//
//	find, count:    Filter, Sort, Projection, Skip, Limit
//	insert:         Docs
//	update:         Filter, Update, Upsert, Multi
//	delete:         Filter, Multi
//	findAndModify:  Filter, Sort, Update or Remove, Upsert, ReturnNew
//	aggregate:      Pipeline
type Op struct {
	Kind       OpKind   `bson:"kind"`
	NS         string   `bson:"ns"`
	Filter     bson.D   `bson:"filter,omitempty"`
	Sort       bson.D   `bson:"sort,omitempty"`
	Projection bson.D   `bson:"projection,omitempty"`
	Skip       int64    `bson:"skip,omitempty"`
	Limit      int64    `bson:"limit,omitempty"`
	Docs       []bson.D `bson:"docs,omitempty"`
	Update     bson.D   `bson:"update,omitempty"`
	Upsert     bool     `bson:"upsert,omitempty"`
	Multi      bool     `bson:"multi,omitempty"`
	Remove     bool     `bson:"remove,omitempty"`
	ReturnNew  bool     `bson:"new,omitempty"`
	Pipeline   []bson.D `bson:"pipeline,omitempty"`
}

// Session identifies a logical session and its transaction state. A
// retryable write outside a transaction has TxnNumber set and
// InTransaction false.
type Session struct {
	LSID             string `bson:"lsid"`
	TxnNumber        int64  `bson:"txnNumber"`
	RetryCounter     int32  `bson:"txnRetryCounter,omitempty"`
	InTransaction    bool   `bson:"inTxn,omitempty"`
	StartTransaction bool   `bson:"startTxn,omitempty"`
}

// Retryable reports whether writes in s are deduplicated by statement id.
func (s *Session) Retryable() bool {
	return s != nil && s.LSID != "" && !s.InTransaction
}

// Request is an Op stamped for one shard.
type Request struct {
	Op              Op                        `bson:"op"`
	ShardVersion    placement.Version         `bson:"shardVersion"`
	DatabaseVersion placement.DatabaseVersion `bson:"dbVersion,omitempty"`
	Session         *Session                  `bson:"session,omitempty"`
	// StmtIDs has one id per insert document, or a single id for other
	// writes.
	StmtIDs []int32 `bson:"stmtIds,omitempty"`
	// Secondary stamps the other namespaces a pushed-down pipeline reads.
	Secondary []NamespaceVersion `bson:"secondary,omitempty"`
}

// NamespaceVersion stamps a namespace read alongside the main one.
type NamespaceVersion struct {
	NS              string                    `bson:"ns"`
	ShardVersion    placement.Version         `bson:"shardVersion"`
	DatabaseVersion placement.DatabaseVersion `bson:"dbVersion,omitempty"`
}

// StmtID returns the i-th statement id, or -1 when none was assigned.
func (r Request) StmtID(i int) int32 {
	if i < len(r.StmtIDs) {
		return r.StmtIDs[i]
	}
	return -1
}

// Response is what a shard returns for a Request.
type Response struct {
	Docs      []bson.D `bson:"docs,omitempty"`
	N         int64    `bson:"n"`
	NModified int64    `bson:"nModified,omitempty"`
	Upserted  []any    `bson:"upserted,omitempty"`
	// Value is the document findAndModify returns, nil if none matched.
	Value bson.D `bson:"value,omitempty"`
	// Retried lists statement ids answered from the ledger.
	Retried []int32 `bson:"retried,omitempty"`
	Error   *Error  `bson:"error,omitempty"`
}

// TxnRequest addresses one transaction attempt on a participant.
type TxnRequest struct {
	LSID         string `bson:"lsid"`
	TxnNumber    int64  `bson:"txnNumber"`
	RetryCounter int32  `bson:"txnRetryCounter,omitempty"`
}

// PrepareResponse is a participant's vote.
type PrepareResponse struct {
	Commit           bool          `bson:"commit"`
	PrepareTimestamp hlc.Timestamp `bson:"prepareTs"`
	Reason           string        `bson:"reason,omitempty"`
	Error            *Error        `bson:"error,omitempty"`
}

// DecisionRequest delivers a decision to a participant.
type DecisionRequest struct {
	Txn             TxnRequest    `bson:"txn"`
	Commit          bool          `bson:"commit"`
	CommitTimestamp hlc.Timestamp `bson:"commitTs,omitempty"`
}

// CoordinateCommitRequest asks the coordinator shard to run 2PC.
type CoordinateCommitRequest struct {
	Txn          TxnRequest `bson:"txn"`
	Participants []string   `bson:"participants"`
}

// DecisionResponse reports the outcome of a commit or abort.
type DecisionResponse struct {
	Commit          bool          `bson:"commit"`
	CommitTimestamp hlc.Timestamp `bson:"commitTs,omitempty"`
	Error           *Error        `bson:"error,omitempty"`
}

// Ack is an empty success reply.
type Ack struct {
	Error *Error `bson:"error,omitempty"`
}
