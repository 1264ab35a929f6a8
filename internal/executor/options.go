package executor

import (
	"time"

	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/retry"
)

// DefaultQueueSize is the number of requests that may wait behind the one in flight.
const DefaultQueueSize = 32

// Option configures an Executor.
type Option func(*config)

type config struct {
	policy         retry.Policy
	queueSize      int
	attemptTimeout time.Duration
	attempts       *retry.Manager
	bus            *event.Bus
	logger         *logging.Logger
}

// WithPolicy sets the retry policy. Retryable and BeforeRetry are owned by
// the executor and overwritten.
func WithPolicy(p retry.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithQueueSize sets the queue capacity.
// A zero or negative value is replaced with DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// WithAttemptTimeout bounds each send. A timed-out attempt is retried.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *config) {
		c.attemptTimeout = d
	}
}

// WithAttempts shares an attempt tracker between executors.
func WithAttempts(m *retry.Manager) Option {
	return func(c *config) {
		c.attempts = m
	}
}

// WithBus publishes an ExecutionFailedEvent for every terminal failure.
func WithBus(bus *event.Bus) Option {
	return func(c *config) {
		c.bus = bus
	}
}

// WithLogger sets the logger for the executor.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
