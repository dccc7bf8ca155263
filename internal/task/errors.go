package task

import "errors"

var (
	// ErrNotFound is returned when a job id is in none of the collections.
	ErrNotFound = errors.New("job not found")

	// ErrNotRunning is returned by Complete/Retry for jobs that are not in
	// the running set.
	ErrNotRunning = errors.New("job not running")

	// ErrRetryExhausted is returned by Retry when the retry budget is spent;
	// the job has been marked failed and archived.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrNotCancellable is returned by Cancel for running or unknown jobs.
	// There is no interrupt mechanism for in-flight work.
	ErrNotCancellable = errors.New("job not cancellable")
)
