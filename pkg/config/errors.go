package config

import "errors"

var (
	// ErrParsingConfig wraps env tag parse failures.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrConfigNotLoaded is returned when a cached config vanished between
	// the parse and the read, which indicates a bug in the cache itself.
	ErrConfigNotLoaded = errors.New("configuration has not been loaded")

	// ErrNilPointer is returned when Load receives a nil destination.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)
