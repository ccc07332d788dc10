// Package coordinator drives two-phase commit for transactions that wrote
// to more than one shard. A coordinator durably records the participant
// list, collects prepare votes, durably records the decision, and then
// delivers it to every participant until each acknowledges.
package coordinator

import (
	"context"
	"fmt"

	"github.com/maxpert/shardkeeper/hlc"
)

// TxnID identifies one attempt of a transaction.
type TxnID struct {
	LSID         string `msgpack:"lsid" bson:"lsid"`
	TxnNumber    int64  `msgpack:"txn" bson:"txnNumber"`
	RetryCounter int32  `msgpack:"rc,omitempty" bson:"txnRetryCounter,omitempty"`
}

func (id TxnID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.LSID, id.TxnNumber, id.RetryCounter)
}

// Vote is a participant's answer to prepare.
type Vote uint8

const (
	VoteCommit Vote = iota + 1
	VoteAbort
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// PrepareVote is a participant's prepare response. A commit vote must carry
// the participant's prepare timestamp.
type PrepareVote struct {
	Vote             Vote          `bson:"vote"`
	PrepareTimestamp hlc.Timestamp `bson:"prepareTimestamp"`
	Reason           string        `bson:"reason,omitempty"`
}

// Decision is the durable outcome of a transaction.
type Decision struct {
	Commit          bool          `msgpack:"commit" bson:"commit"`
	CommitTimestamp hlc.Timestamp `msgpack:"ts,omitempty" bson:"commitTimestamp,omitempty"`
}

func (d Decision) String() string {
	if d.Commit {
		return "commit@" + d.CommitTimestamp.String()
	}
	return "abort"
}

// ParticipantClient reaches the participant side of 2PC on a shard.
type ParticipantClient interface {
	Prepare(ctx context.Context, shard string, id TxnID) (PrepareVote, error)
	Commit(ctx context.Context, shard string, id TxnID, commitTS hlc.Timestamp) error
	Abort(ctx context.Context, shard string, id TxnID) error
}
