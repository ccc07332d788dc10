// Package txnledger is a shard's retryable write ledger. It remembers the
// outcome of every statement executed under a (session, txnNumber,
// txnRetryCounter) so that a retried statement returns the recorded result
// instead of writing twice.
//
// Layout in the shard store:
//
//	/ledger/session/{lsid}                 -> msgpack(SessionRecord)
//	/ledger/stmt/{lsid}/{txn}/{stmt}       -> msgpack(StatementEntry)
//	/ledger/image/{lsid}/{txn}/{stmt}      -> msgpack(Image)
//
// Only the latest transaction of a session is kept; a newer txnNumber or
// retry counter purges the older statements.
package txnledger

import (
	"encoding/binary"

	"github.com/maxpert/shardkeeper/hlc"
)

// TxnState is the lifecycle of the session's current transaction. Plain
// retryable writes stay in StateNone.
type TxnState uint8

const (
	StateNone TxnState = iota
	StateInProgress
	StatePrepared
	StateCommitted
	StateAborted
)

func (s TxnState) String() string {
	switch s {
	case StateInProgress:
		return "inProgress"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "none"
	}
}

// Open reports whether the transaction still holds resources.
func (s TxnState) Open() bool {
	return s == StateInProgress || s == StatePrepared
}

// SessionRecord is the durable per-session state. A zero retry counter is
// omitted from the encoded record.
type SessionRecord struct {
	SessionID       string        `msgpack:"lsid"`
	TxnNumber       int64         `msgpack:"txn"`
	TxnRetryCounter int32         `msgpack:"rc,omitempty"`
	LastWriteOpTime hlc.Timestamp `msgpack:"lw"`
	LastStmtID      int32         `msgpack:"ls,omitempty"`
	State           TxnState      `msgpack:"st,omitempty"`
}

// HasWrites reports whether any statement was recorded for the current
// transaction.
func (r SessionRecord) HasWrites() bool {
	return !r.LastWriteOpTime.IsZero()
}

// Result is what a statement reported to the client.
type Result struct {
	N          int64  `msgpack:"n,omitempty" bson:"n"`
	NModified  int64  `msgpack:"nm,omitempty" bson:"nModified"`
	UpsertedID []byte `msgpack:"up,omitempty" bson:"upserted,omitempty"`
}

// ImageKind selects the document image a findAndModify stored.
type ImageKind uint8

const (
	ImageNone ImageKind = iota
	PreImage
	PostImage
)

// Image is the document returned by a findAndModify, BSON encoded.
type Image struct {
	Kind ImageKind `msgpack:"k"`
	Doc  []byte    `msgpack:"d"`
}

// StatementEntry is one executed statement. PrevOpTime links to the
// previous statement of the same transaction, zero for the first.
type StatementEntry struct {
	SessionID       string        `msgpack:"lsid"`
	TxnNumber       int64         `msgpack:"txn"`
	TxnRetryCounter int32         `msgpack:"rc,omitempty"`
	StmtID          int32         `msgpack:"stmt"`
	OpTime          hlc.Timestamp `msgpack:"ts"`
	PrevOpTime      hlc.Timestamp `msgpack:"prev"`
	NS              string        `msgpack:"ns,omitempty"`
	Key             []byte        `msgpack:"key,omitempty"` // BSON shard key document
	Result          Result        `msgpack:"res"`
	ImageKind       ImageKind     `msgpack:"img,omitempty"`
}

// RecordOptions carries optional statement metadata.
type RecordOptions struct {
	NS  string
	Key []byte
	// Image is stored alongside the statement for findAndModify.
	Image *Image
}

const (
	prefixSession = "/ledger/session/"
	prefixStmt    = "/ledger/stmt/"
	prefixImage   = "/ledger/image/"
)

func sessionKey(lsid string) []byte {
	return []byte(prefixSession + lsid)
}

func stmtSessionPrefix(lsid string) []byte {
	return []byte(prefixStmt + lsid + "/")
}

func stmtKey(lsid string, txn int64, stmt int32) []byte {
	k := binary.BigEndian.AppendUint64(stmtSessionPrefix(lsid), uint64(txn))
	k = append(k, '/')
	return binary.BigEndian.AppendUint32(k, uint32(stmt))
}

func imageSessionPrefix(lsid string) []byte {
	return []byte(prefixImage + lsid + "/")
}

func imageKey(lsid string, txn int64, stmt int32) []byte {
	k := binary.BigEndian.AppendUint64(imageSessionPrefix(lsid), uint64(txn))
	k = append(k, '/')
	return binary.BigEndian.AppendUint32(k, uint32(stmt))
}
