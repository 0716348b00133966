package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrDuplicateEvent        = errors.New("duplicate event")
	ErrEnqueueFailed         = errors.New("enqueue failed")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrInternal              = errors.New("internal error")
)
