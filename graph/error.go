package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned when a stage kind can't be
	// instantiated.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrLinkFailure is returned when two ports can't be linked.
	ErrLinkFailure = errors.New("link failure")
	// ErrAlreadyLinked is returned when one of ports already has a peer.
	ErrAlreadyLinked = fmt.Errorf("%w: port already linked", ErrLinkFailure)
	// ErrIncompatible is returned when ports directions or parents don't
	// match.
	ErrIncompatible = fmt.Errorf("%w: incompatible ports", ErrLinkFailure)
	// ErrPortUnavailable is returned when a stage can't provide a request
	// port.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrInvalidState is returned when operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicateName is returned when graph already contains a stage
	// with the same name.
	ErrDuplicateName = errors.New("duplicate stage name")
	// ErrNotFound is returned when stage doesn't belong to the graph.
	ErrNotFound = errors.New("stage not found")
)

// stateErrors wraps errors of multiple stages failing the same state
// change.
type stateErrors []error

func (e stateErrors) Error() string {
	return errors.Join(e...).Error()
}

func (e stateErrors) Unwrap() []error {
	return e
}

// ret returns untyped nil if error list is empty.
func (e stateErrors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
