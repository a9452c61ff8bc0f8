package backend

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable indicates the target backend is known to be
// disconnected. Callers surface this to the user rather than retrying.
var ErrServiceUnavailable = errors.New("service unavailable")

// ErrToolNotFound indicates the requested tool name is not in the
// catalog. The conversation driver converts this into a synthesized
// tool-error result so the model can correct itself.
var ErrToolNotFound = errors.New("tool not found")

// TransportError wraps a network or HTTP-level failure reaching a
// backend. It degrades the service's health score; an RPCError from a
// responsive backend does not.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
