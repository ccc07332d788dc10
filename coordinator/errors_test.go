package coordinator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
)

func TestPrepareVoteAbortError(t *testing.T) {
	tests := []struct {
		name     string
		err      *PrepareVoteAbortError
		expected string
	}{
		{
			name:     "shard vote",
			err:      &PrepareVoteAbortError{Shard: "s1", Reason: "write conflict"},
			expected: "shard s1 voted to abort: write conflict",
		},
		{
			name:     "client abort",
			err:      &PrepareVoteAbortError{Reason: "aborted by client"},
			expected: "transaction aborted: aborted by client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParticipantListMismatchError(t *testing.T) {
	err := &ParticipantListMismatchError{
		ID:        TxnID{LSID: "l", TxnNumber: 2},
		Stored:    []string{"a", "b"},
		Requested: []string{"a"},
	}
	want := "coordinator l:2:0 already has participants [a,b], got [a]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := fmt.Errorf("commit: %w", err)
	var target *ParticipantListMismatchError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find ParticipantListMismatchError")
	}
}

func TestAlreadyDecided(t *testing.T) {
	id := TxnID{LSID: "l", TxnNumber: 1}
	if err := alreadyDecided(id, Decision{Commit: true, CommitTimestamp: hlc.Timestamp{WallTime: 1}}); !errs.Is(err, errs.TransactionCommitted) {
		t.Errorf("commit decision: got %v", err)
	}
	if err := alreadyDecided(id, Decision{}); !errs.Is(err, errs.TransactionAborted) {
		t.Errorf("abort decision: got %v", err)
	}
}
