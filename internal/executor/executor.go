// Package executor performs the actual automation for a (job, device) pair.
//
// The dispatch loop treats executors as opaque: they may block for the whole
// automation run and must be safe to invoke concurrently for distinct
// device ids.
package executor

import "context"

// Executor runs a natural-language instruction on a device and reports the
// agent's final message plus how many UI steps it took.
type Executor interface {
	Execute(ctx context.Context, taskText, deviceID string) (message string, steps int, err error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, taskText, deviceID string) (string, int, error)

func (f Func) Execute(ctx context.Context, taskText, deviceID string) (string, int, error) {
	return f(ctx, taskText, deviceID)
}
