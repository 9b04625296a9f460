package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrTerminalState        = errors.New("already in terminal state")
	ErrNoPendingRequest     = errors.New("no pending approval request")
	ErrDelegationNotAllowed = errors.New("delegation not allowed for step")
)

// IsPrecondition reports whether err is a precondition failure that the caller
// should not blindly retry.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrNoPendingRequest) ||
		errors.Is(err, ErrDelegationNotAllowed)
}
