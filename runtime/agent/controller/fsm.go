package controller

import (
	"errors"
	"fmt"
)

type (
	// State is a node of the orchestration state machine.
	State string

	// Signal is the stage outcome that selects the next state.
	Signal string
)

const (
	StatePlan       State = "Plan"
	StateAct        State = "Act"
	StateInvokeTool State = "InvokeTool"
	StateReplan     State = "Replan"
	StateValidate   State = "Validate"
	StateDone       State = "Done"
)

const (
	SignalAlways         Signal = "Always"
	SignalToolRequested  Signal = "ToolRequested"
	SignalStepFinished   Signal = "StepFinished"
	SignalAnswerProposed Signal = "AnswerProposed"
	SignalPlanRevised    Signal = "PlanRevised"
	SignalAccepted       Signal = "Accepted"
	SignalRejected       Signal = "Rejected"
)

// ErrInvalidTransition is returned by Next for pairs absent from the table.
var ErrInvalidTransition = errors.New("invalid transition")

// transitions is the complete state machine. Done has no outgoing edges and
// Accepted is its only incoming signal.
var transitions = map[State]map[Signal]State{
	StatePlan: {
		SignalAlways: StateAct,
	},
	StateAct: {
		SignalToolRequested: StateInvokeTool,
		SignalStepFinished:  StateReplan,
	},
	StateInvokeTool: {
		SignalAlways: StateAct,
	},
	StateReplan: {
		SignalAnswerProposed: StateValidate,
		SignalPlanRevised:    StateAct,
	},
	StateValidate: {
		SignalAccepted: StateDone,
		SignalRejected: StateReplan,
	},
}

// Next returns the state reached from s on signal sig.
func Next(s State, sig Signal) (State, error) {
	if to, ok := transitions[s][sig]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, sig)
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
