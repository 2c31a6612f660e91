package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound reports an engine 404. Inspect/Remove callers treat it as
// success: the container is already gone.
var ErrNotFound = errors.New("container not found")

// TransientError wraps a failure worth retrying: network errors, engine
// timeouts, engine 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient engine error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix: engine 4xx other
// than 404, malformed requests or responses.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent engine error: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify maps a raw engine error onto the client's error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return ErrNotFound
	case errdefs.IsInvalidParameter(err),
		errdefs.IsConflict(err),
		errdefs.IsForbidden(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsNotImplemented(err):
		return &PermanentError{Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	}
	// Network failures, read timeouts and engine 5xx all land here
	return &TransientError{Op: op, Err: err}
}
