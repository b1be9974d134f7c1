package policy

import "errors"

// Error types for policy store operations.
var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrInvalidTag     = errors.New("invalid tool tag")
	ErrInvalidMatcher = errors.New("invalid matcher")
	ErrInvalidRule    = errors.New("invalid access rule")
	ErrEmptyAllow     = errors.New("empty allow list")
)
