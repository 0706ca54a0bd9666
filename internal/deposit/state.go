package deposit

import "fmt"

// State is the lifecycle state of a deposit session.
type State string

const (
	StateCreated              State = "created"
	StateQuoteIssued          State = "quote_issued"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
	StateExpired              State = "expired"
	StateCancelled            State = "cancelled"
	StateFailed               State = "failed"
)

// transitions lists the allowed target states for each state. Terminal
// states have none.
var transitions = map[State][]State{
	StateCreated:              {StateQuoteIssued, StateCancelled, StateFailed},
	StateQuoteIssued:          {StateAwaitingConfirmation, StateConfirmed, StateExpired, StateCancelled, StateFailed},
	StateAwaitingConfirmation: {StateConfirmed, StateExpired, StateCancelled, StateFailed},
	StateConfirmed:            {},
	StateExpired:              {},
	StateCancelled:            {},
	StateFailed:               {},
}

// IsValid reports whether s is a known state
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition is permitted
func (s State) IsTerminal() bool {
	allowed, ok := transitions[s]
	return ok && len(allowed) == 0
}

// IsActive reports whether the session holds a live quote
func (s State) IsActive() bool {
	return s == StateQuoteIssued || s == StateAwaitingConfirmation
}

// CanTransitionTo checks if moving to next is allowed
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when the move is not allowed
func ValidateTransition(from, to State) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ActiveStates are the states watched for settlement and swept for expiry
var ActiveStates = []State{StateQuoteIssued, StateAwaitingConfirmation}
