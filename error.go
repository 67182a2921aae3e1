package splice

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShuttingDown is returned when relay doesn't accept structural
	// changes anymore.
	ErrShuttingDown = errors.New("relay is shutting down")
	// ErrMissingLocation is returned when reader or sink is created
	// without location.
	ErrMissingLocation = errors.New("missing location")
)

// UpstreamError is returned when a stage reported an error on the bus.
// It's fatal for the whole relay.
type UpstreamError struct {
	Source string
	Err    error
	Debug  string
}

func (e *UpstreamError) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("upstream error from %s: %v (%s)", e.Source, e.Err, e.Debug)
	}
	return fmt.Sprintf("upstream error from %s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// MutationError aggregates failed steps of a single mutation task.
type MutationError struct {
	Task string
	Errs []error
}

func (e *MutationError) Error() string {
	s := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		s = append(s, err.Error())
	}
	return fmt.Sprintf("mutation %s: %s", e.Task, strings.Join(s, ", "))
}

// Unwrap allows to match any of steps errors.
func (e *MutationError) Unwrap() []error {
	return e.Errs
}

// stepErrors collects failures of mutation steps.
type stepErrors []error

// ret returns untyped nil if error list is empty.
func (e stepErrors) ret(task string) error {
	if len(e) > 0 {
		return &MutationError{Task: task, Errs: e}
	}
	return nil
}
