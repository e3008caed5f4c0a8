package worker

import (
	"fmt"

	"github.com/c360/termstream/errors"
)

// Pool errors. Admission failures wrap the shared sentinels so callers can
// classify them without knowing about the pool: a full queue is
// errors.ErrResourceExhausted, a pool that is not running is
// errors.ErrShuttingDown.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool not started: %w", errors.ErrShuttingDown)
	ErrPoolStopped        = fmt.Errorf("worker pool stopped: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool queue full: %w", errors.ErrResourceExhausted)

	ErrNilProcessor   = errors.New("worker pool: nil processor")
	ErrStopTimeout    = errors.New("worker pool: workers still busy at stop deadline")
	ErrProcessorPanic = errors.New("worker pool: processor panicked")
)
