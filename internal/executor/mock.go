package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Mock simulates automation runs without touching a device. Used when the
// config enables mock mode, and by tests.
type Mock struct {
	// MinDelay/MaxDelay bound the simulated run time (defaults 1s/3s).
	MinDelay time.Duration
	MaxDelay time.Duration

	// Fail, when set, decides per call whether the run should error.
	Fail func(taskText, deviceID string) error

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMock() *Mock {
	return &Mock{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (m *Mock) Execute(ctx context.Context, taskText, deviceID string) (string, int, error) {
	if m.Fail != nil {
		if err := m.Fail(taskText, deviceID); err != nil {
			return "", 0, err
		}
	}

	minD := m.MinDelay
	maxD := m.MaxDelay
	if minD <= 0 {
		minD = time.Second
	}
	if maxD <= minD {
		maxD = minD + 2*time.Second
	}

	m.mu.Lock()
	delay := minD + time.Duration(m.rng.Int63n(int64(maxD-minD)))
	steps := 3 + m.rng.Intn(8)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	case <-time.After(delay):
	}

	return fmt.Sprintf("simulated run of %q completed", taskText), steps, nil
}
