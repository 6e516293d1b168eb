package jobs

import "github.com/cockroachdb/errors"

/*
DO NOT: type JobError[T any] struct { ... }
Errors should be inspectable with errors.Is()
Wrap the sentinels with context instead
*/

var (
	// ErrConfig is returned when a task or schedule is misconfigured. Never retried.
	ErrConfig = errors.New("invalid config")
	// ErrInvalidFn is returned when a (module, function) pair does not resolve.
	ErrInvalidFn = errors.New("invalid function name")
	// ErrJobTimeout marks a job killed by the worker after exceeding its timeout.
	ErrJobTimeout = errors.New("job timed out")
	// ErrRecordConflict marks a record skipped locally (duplicate id, oversize field).
	ErrRecordConflict = errors.New("record conflict")
	// ErrJobNotFound is returned by lookups for unknown or expired job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning is returned when a job id is enqueued while an execution of it is still running.
	ErrJobRunning = errors.New("job is already running")
)
