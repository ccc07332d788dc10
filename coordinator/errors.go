package coordinator

import (
	"fmt"
	"strings"

	"github.com/maxpert/shardkeeper/errs"
)

// PrepareVoteAbortError is the reason a coordinator decided to abort.
type PrepareVoteAbortError struct {
	Shard  string
	Reason string
}

func (e *PrepareVoteAbortError) Error() string {
	if e.Shard == "" {
		return "transaction aborted: " + e.Reason
	}
	return fmt.Sprintf("shard %s voted to abort: %s", e.Shard, e.Reason)
}

// ParticipantListMismatchError is returned when a coordinator is asked to
// commit with a participant list other than the one it persisted
type ParticipantListMismatchError struct {
	ID        TxnID
	Stored    []string
	Requested []string
}

func (e *ParticipantListMismatchError) Error() string {
	return fmt.Sprintf("coordinator %s already has participants [%s], got [%s]",
		e.ID, strings.Join(e.Stored, ","), strings.Join(e.Requested, ","))
}

// alreadyDecided is the error for a client abort arriving after the
// decision was chosen.
func alreadyDecided(id TxnID, d Decision) error {
	if d.Commit {
		return errs.Newf(errs.TransactionCommitted, "transaction %s already committed", id)
	}
	return errs.Newf(errs.TransactionAborted, "transaction %s already aborted", id)
}
