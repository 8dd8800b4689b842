package app

import "errors"

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound           = errors.New("not found")
	ErrBusinessFuncNil    = errors.New("business function is required")
	ErrEngineClosed       = errors.New("engine closed")
	ErrUnknownSyncRequest = errors.New("invalid sync request")
)
