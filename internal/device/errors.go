package device

import "errors"

var (
	// ErrAlreadyRegistered is returned by Add for a known device id.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrNotFound is returned for operations on an unknown device id.
	ErrNotFound = errors.New("device not found")

	// ErrBusy is returned by Remove: in-flight work must not be orphaned.
	ErrBusy = errors.New("device is busy")

	// ErrNotIdle is returned by Acquire when the device is busy, offline or
	// errored. Losing an acquire race surfaces as ErrNotIdle.
	ErrNotIdle = errors.New("device not idle")

	// ErrNotBusy is returned by Release on a device that holds no job;
	// the call is a no-op and counters are unchanged.
	ErrNotBusy = errors.New("device not busy")
)
