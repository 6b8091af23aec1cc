package recording

import (
	"fmt"
	"slices"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateRecording         State = "recording"
	StateStopping          State = "stopping"
	StateProcessing        State = "processing"
	StateCompleted         State = "completed"
	StateError             State = "error"
	StatePendingCompletion State = "pending_completion"
)

// transitions lists the states reachable from each state. A new recording
// may start while an earlier one is still being processed.
var transitions = map[State][]State{
	StateIdle:              {StateConnecting, StateProcessing},
	StateConnecting:        {StateRecording, StateIdle, StateError},
	StateRecording:         {StateStopping},
	StateStopping:          {StateProcessing, StatePendingCompletion, StateIdle},
	StateProcessing:        {StateCompleted, StateError, StatePendingCompletion, StateConnecting, StateIdle},
	StatePendingCompletion: {StateProcessing, StateCompleted, StateError, StateConnecting, StateIdle},
	StateCompleted:         {StateConnecting, StateProcessing, StateIdle},
	StateError:             {StateConnecting, StateProcessing, StateIdle},
}

func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidState, from, to)
	}
	return nil
}

// settled reports whether the coordinator is only following a finished
// recording, so server status for that session may move the state.
func (s State) settled() bool {
	return s == StateProcessing || s == StatePendingCompletion
}

func stateForStatus(status shared.SessionStatus) (State, bool) {
	switch status {
	case shared.StatusCompleted:
		return StateCompleted, true
	case shared.StatusError:
		return StateError, true
	case shared.StatusPendingCompletion:
		return StatePendingCompletion, true
	case shared.StatusProcessing:
		return StateProcessing, true
	default:
		return "", false
	}
}
