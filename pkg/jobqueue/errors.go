package jobqueue

import "errors"

var (
	// ErrStorageNil is returned when a nil storage is provided.
	ErrStorageNil = errors.New("storage cannot be nil")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload.
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrNoJobToClaim signals an empty queue; workers treat it as an idle tick.
	ErrNoJobToClaim = errors.New("no job available to claim")

	// ErrJobNotFound is returned when a job ID does not exist in storage.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotRunning is returned when completing or failing a job that is
	// not in the running state.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrNoHandlers is returned when a worker starts with no handlers.
	ErrNoHandlers = errors.New("no job handlers registered")

	// ErrHandlerNotFound is returned when a claimed job has no registered
	// handler for its kind.
	ErrHandlerNotFound = errors.New("no handler registered for job kind")
)
