package coordinator

import (
	"context"

	"github.com/looplab/fsm"
)

// State is a coordinator lifecycle state. States only move forward.
type State = string

const (
	StateInactive               State = "inactive"
	StateWritingParticipantList State = "writingParticipantList"
	StateWaitingForVotes        State = "waitingForVotes"
	StateWritingDecision        State = "writingDecision"
	StateWaitingForDecisionAck  State = "waitingForDecisionAck"
	StateDeletingCoordinatorDoc State = "deletingCoordinatorDoc"
	StateRemoved                State = "removed"
)

const (
	eventWriteParticipants = "writeParticipants"
	eventCollectVotes      = "collectVotes"
	eventDecide            = "decide"
	eventNotify            = "notify"
	eventDeleteDoc         = "deleteDoc"
	eventRemoved           = "removed"
)

// steps are the timed states, in order.
var steps = []State{
	StateWritingParticipantList,
	StateWaitingForVotes,
	StateWritingDecision,
	StateWaitingForDecisionAck,
	StateDeletingCoordinatorDoc,
}

var coordinatorEvents = fsm.Events{
	{Name: eventWriteParticipants, Src: []string{StateInactive}, Dst: StateWritingParticipantList},
	{Name: eventCollectVotes, Src: []string{StateWritingParticipantList}, Dst: StateWaitingForVotes},
	{Name: eventDecide, Src: []string{StateInactive, StateWritingParticipantList, StateWaitingForVotes}, Dst: StateWritingDecision},
	{Name: eventNotify, Src: []string{StateWritingDecision}, Dst: StateWaitingForDecisionAck},
	{Name: eventDeleteDoc, Src: []string{StateWaitingForDecisionAck}, Dst: StateDeletingCoordinatorDoc},
	{Name: eventRemoved, Src: []string{StateDeletingCoordinatorDoc}, Dst: StateRemoved},
}

// preDecision reports whether a client abort can still change the outcome.
func preDecision(s State) bool {
	return s == StateInactive || s == StateWritingParticipantList || s == StateWaitingForVotes
}

func newStateMachine(initial State, onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(initial, coordinatorEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			onEnter(e.Src, e.Dst)
		},
	})
}
