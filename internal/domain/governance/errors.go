package governance

import "errors"

// ErrUnknownRequest is returned when a request id does not exist.
var ErrUnknownRequest = errors.New("unknown request")

// ErrInvalidState is returned when approve/deny targets a non-pending request.
var ErrInvalidState = errors.New("request not pending")

// ErrInvalidConstraint is returned when a constraint fails validation.
var ErrInvalidConstraint = errors.New("invalid constraint")

// ErrUnknownInstance is returned when a governance id resolves to nothing.
var ErrUnknownInstance = errors.New("unknown governance instance")
