package types

// ActionState is the lifecycle state of an action request. Transitions are
// monotonic: a request never returns to an earlier state, and terminal states
// accept no further transitions.
type ActionState string

const (
	StateProposed         ActionState = "proposed"
	StateGated            ActionState = "gated"
	StateDenied           ActionState = "denied"
	StateAwaitingApproval ActionState = "awaiting_approval"
	StateAllowed          ActionState = "allowed"
	StateExecuted         ActionState = "executed"
	StateExecutionFailed  ActionState = "execution_failed"
	StateExpired          ActionState = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s ActionState) Terminal() bool {
	switch s {
	case StateDenied, StateExecuted, StateExecutionFailed, StateExpired:
		return true
	}
	return false
}

// validTransitions is the full transition relation of the lifecycle.
var validTransitions = map[ActionState][]ActionState{
	StateProposed:         {StateGated},
	StateGated:            {StateDenied, StateAwaitingApproval, StateAllowed},
	StateAwaitingApproval: {StateAllowed, StateExpired},
	StateAllowed:          {StateExecuted, StateExecutionFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to ActionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
