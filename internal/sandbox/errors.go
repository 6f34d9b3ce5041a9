package sandbox

import "errors"

// Sentinel errors shared by all providers.
var (
	ErrNotFound       = errors.New("sandbox not found")
	ErrAlreadyExists  = errors.New("sandbox already exists")
	ErrNotRunning     = errors.New("sandbox not running")
	ErrAlreadyRunning = errors.New("sandbox already running")
	ErrImageNotFound  = errors.New("sandbox image not found")
	ErrProviderClosed = errors.New("sandbox provider closed")
)
