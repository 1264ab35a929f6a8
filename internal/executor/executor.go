package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/chain"
	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/retry"
)

// Outcome is a confirmed request.
type Outcome struct {
	Receipt  *chain.Receipt
	Attempts int
}

type job struct {
	req     Request
	outcome *Outcome
	err     error
	done    chan struct{}
}

// Executor is the single writer for one signing identity.
type Executor struct {
	signer string
	client chain.Client
	view   View
	funds  Funds

	policy         retry.Policy
	attemptTimeout time.Duration
	attempts       *retry.Manager
	bus            *event.Bus
	logger         *logging.Logger

	jobs   chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	// Owned by the worker goroutine.
	nonce      uint64
	nonceKnown bool
}

// New creates an Executor for signer. client, view and funds must be non-nil.
func New(signer string, client chain.Client, view View, funds Funds, opts ...Option) *Executor {
	if client == nil {
		panic("executor: chain.Client must not be nil")
	}
	if view == nil || funds == nil {
		panic("executor: ledger view and funds must not be nil")
	}

	cfg := &config{
		policy:    retry.DefaultPolicy(),
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultQueueSize
	}
	if cfg.attempts == nil {
		cfg.attempts = retry.NewManager()
	}

	return &Executor{
		signer:         signer,
		client:         client,
		view:           view,
		funds:          funds,
		policy:         cfg.policy,
		attemptTimeout: cfg.attemptTimeout,
		attempts:       cfg.attempts,
		bus:            cfg.bus,
		logger:         logging.OrNop(cfg.logger).WithSigner(signer),
		jobs:           make(chan *job, cfg.queueSize),
	}
}

// Signer returns the signing identity.
func (e *Executor) Signer() string { return e.signer }

// Attempts returns the attempt tracker.
func (e *Executor) Attempts() *retry.Manager { return e.attempts }

// QueueDepth returns the number of requests waiting behind the one in flight.
func (e *Executor) QueueDepth() int { return len(e.jobs) }

// Start launches the worker. Transactions are sent under a context derived
// from ctx; cancelling it aborts in-flight sends.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("executor: already started")
	}
	if e.closed {
		return errors.ErrQueueClosed
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for j := range e.jobs {
			j.outcome, j.err = e.execute(j.req)
			close(j.done)
		}
	}()
	return nil
}

// Stop refuses new requests, drains the queue and waits for the worker.
// It is safe to call multiple times.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	started := e.started
	e.mu.Unlock()

	if !started {
		for j := range e.jobs {
			j.err = e.fail(j.req, errors.ErrQueueClosed, 0)
			close(j.done)
		}
		return
	}
	e.wg.Wait()
	e.cancel()
}

// Submit preflights r, queues it and waits for its outcome. ctx only bounds
// the wait for queue space: once queued, the request is awaited to
// completion.
func (e *Executor) Submit(ctx context.Context, r Request) (*Outcome, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, e.fail(r, errors.ErrQueueClosed, 0)
	}

	if err := e.preflight(r); err != nil {
		return nil, e.fail(r, fmt.Errorf("preflight: %w", err), 0)
	}

	j := &job{req: r, done: make(chan struct{})}
	if err := e.enqueue(ctx, j); err != nil {
		return nil, e.fail(r, err, 0)
	}
	<-j.done
	return j.outcome, j.err
}

func (e *Executor) enqueue(ctx context.Context, j *job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return errors.ErrQueueClosed
	}
	select {
	case e.jobs <- j:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errors.ErrCanceled, ctx.Err())
	}
}

// execute runs on the worker goroutine.
func (e *Executor) execute(r Request) (*Outcome, error) {
	op := string(r.Op)
	log := e.logger.WithTask(r.TaskID).With("op", op)
	e.attempts.GetOrCreateState(r.TaskID, op, e.policy.MaxAttempts)

	policy := e.policy
	policy.Retryable = errors.IsRetryable
	policy.BeforeRetry = func(ctx context.Context, attempt int) error {
		n, err := e.client.ConfirmedNonce(ctx, e.signer)
		if err != nil {
			return fmt.Errorf("resolve nonce: %w", err)
		}
		log.Debug("retrying with confirmed nonce", "attempt", attempt, "nonce", n)
		e.nonce, e.nonceKnown = n, true
		return nil
	}

	var receipt *chain.Receipt
	attempts, err := retry.Do(e.ctx, policy, func(ctx context.Context, attempt int) error {
		if !e.nonceKnown {
			n, err := e.client.ConfirmedNonce(ctx, e.signer)
			if err != nil {
				return fmt.Errorf("resolve nonce: %w", err)
			}
			e.nonce, e.nonceKnown = n, true
		}

		rcpt, err := e.send(ctx, r.tx(e.signer, e.nonce))
		e.attempts.RecordAttempt(r.TaskID, op, err)
		if err != nil {
			log.Debug("attempt failed", "attempt", attempt, "nonce", e.nonce, "error", err)
			return err
		}
		e.nonce++
		receipt = rcpt
		return nil
	})
	if err != nil {
		// The local nonce may be stale after any failure.
		e.nonceKnown = false
		return nil, e.fail(r, err, attempts)
	}

	log.Info("transaction confirmed", "attempts", attempts, "tx_hash", receipt.TxHash, "block", receipt.Block)
	return &Outcome{Receipt: receipt, Attempts: attempts}, nil
}

// send applies the per-attempt timeout.
func (e *Executor) send(ctx context.Context, tx chain.Tx) (*chain.Receipt, error) {
	if e.attemptTimeout <= 0 {
		return e.client.Send(ctx, tx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	rcpt, err := e.client.Send(attemptCtx, tx)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return nil, errors.NewTimeoutError(string(tx.Op), e.attemptTimeout).WithCause(err).WithRetryable(true)
	}
	return rcpt, err
}

// fail converts cause into the ExecutionError reported to the requester,
// logs it and publishes it.
func (e *Executor) fail(r Request, cause error, attempts int) error {
	xerr := errors.NewExecutionError(string(r.Op), cause).
		WithTaskID(r.TaskID).
		WithSigner(e.signer).
		WithAttempts(attempts)
	if errors.Is(cause, errors.ErrRetriesExhausted) {
		xerr = xerr.WithCategory(errors.CategoryChain).
			WithSuggestion(fmt.Sprintf("gave up after %d attempts; retry once the ledger endpoint recovers", attempts))
	}

	e.logger.WithTask(r.TaskID).Warn("execution failed",
		"op", string(r.Op),
		"category", xerr.Category().String(),
		"attempts", attempts,
		"error", cause)
	if e.bus != nil {
		e.bus.Publish(event.NewExecutionFailedEvent(r.TaskID, string(r.Op), e.signer,
			xerr.Category().String(), xerr.Message(), attempts))
	}
	return xerr
}
