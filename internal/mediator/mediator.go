// Package mediator decides open disputes and applies the verdict to the
// ledger exactly once.
package mediator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/executor"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/sourcegraph/conc/panics"
)

// DefaultTimeout bounds a policy decision.
const DefaultTimeout = 30 * time.Second

// Submitter applies ledger requests. *executor.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, r executor.Request) (*executor.Outcome, error)
}

// Record is the remembered outcome of a dispute.
type Record struct {
	TaskID    string            `json:"task_id"`
	Raiser    string            `json:"raiser"`
	Verdict   Verdict           `json:"verdict"`
	DecidedAt time.Time         `json:"decided_at"`
	Applied   bool              `json:"applied"`
	AppliedAt time.Time         `json:"applied_at,omitempty"`
	Outcome   *executor.Outcome `json:"-"`
}

// EscalationFunc is called when a decision times out.
type EscalationFunc func(taskID, raiser string, timeout time.Duration)

// Mediator runs a Policy and applies its verdicts.
type Mediator struct {
	policy    Policy
	submitter Submitter
	timeout   time.Duration
	escalate  EscalationFunc
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	records  map[string]*Record
	inFlight map[string]bool
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithTimeout bounds each policy decision.
func WithTimeout(d time.Duration) Option {
	return func(m *Mediator) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithEscalation sets the hook run when a decision times out.
func WithEscalation(fn EscalationFunc) Option {
	return func(m *Mediator) { m.escalate = fn }
}

// WithBus publishes a MediationEscalatedEvent on timeout.
func WithBus(bus *event.Bus) Option {
	return func(m *Mediator) { m.bus = bus }
}

// WithLogger sets the mediator logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Mediator) { m.logger = logger }
}

// New creates a Mediator. submitter is usually the mediator's executor.
func New(policy Policy, submitter Submitter, opts ...Option) *Mediator {
	if policy == nil {
		policy = RulePolicy{}
	}
	m := &Mediator{
		policy:    policy,
		submitter: submitter,
		timeout:   DefaultTimeout,
		now:       time.Now,
		records:   make(map[string]*Record),
		inFlight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).With("component", "mediator")
	return m
}

// Mediate decides c (unless a verdict is already remembered) and applies it.
//
// A dispute is mediated at most once: after a successful application Mediate
// returns errors.ErrAlreadyMediated with the original record. If applying
// fails the verdict is kept, and a later call re-applies the same verdict
// without consulting the policy again.
func (m *Mediator) Mediate(ctx context.Context, c Case) (Record, error) {
	m.mu.Lock()
	if m.inFlight[c.TaskID] {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("task %s: %w", c.TaskID, errors.ErrMediationInFlight)
	}
	rec, known := m.records[c.TaskID]
	if known && rec.Applied {
		out := *rec
		m.mu.Unlock()
		return out, fmt.Errorf("task %s: %w", c.TaskID, errors.ErrAlreadyMediated)
	}
	m.inFlight[c.TaskID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, c.TaskID)
		m.mu.Unlock()
	}()

	log := m.logger.WithTask(c.TaskID).With("raiser", c.Raiser)

	if !known {
		verdict, err := m.decide(ctx, c)
		if err != nil {
			return Record{}, err
		}
		rec = &Record{TaskID: c.TaskID, Raiser: c.Raiser, Verdict: verdict, DecidedAt: m.now()}
		m.mu.Lock()
		m.records[c.TaskID] = rec
		m.mu.Unlock()
		log.Info("dispute decided", "resolution", string(verdict.Resolution), "rationale", verdict.Rationale)
	} else {
		log.Info("re-applying remembered verdict", "resolution", string(rec.Verdict.Resolution))
	}

	outcome, err := m.submitter.Submit(ctx, executor.ResolveDispute(c.TaskID, rec.Verdict.Resolution))
	if err != nil {
		log.Warn("failed to apply verdict", "error", err)
		return m.snapshot(c.TaskID), err
	}

	m.mu.Lock()
	rec.Applied = true
	rec.AppliedAt = m.now()
	rec.Outcome = outcome
	out := *rec
	m.mu.Unlock()
	return out, nil
}

// decide runs the policy under the configured timeout.
func (m *Mediator) decide(ctx context.Context, c Case) (Verdict, error) {
	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		v   Verdict
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var (
			pc  panics.Catcher
			res result
		)
		pc.Try(func() {
			res.v, res.err = m.policy.Decide(dctx, c)
		})
		if r := pc.Recovered(); r != nil {
			m.logger.WithTask(c.TaskID).Error("mediation policy panicked", "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
			res = result{err: fmt.Errorf("mediation policy panicked: %v", r.Value)}
		}
		ch <- res
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			res, err := ledger.ParseResolution(string(r.v.Resolution))
			if err != nil {
				return Verdict{}, fmt.Errorf("policy verdict: %w", err)
			}
			r.v.Resolution = res
			return r.v, nil
		}
		// A policy that gives up because its deadline passed has timed out.
		if ctx.Err() != nil || dctx.Err() != context.DeadlineExceeded {
			return Verdict{}, r.err
		}
	case <-dctx.Done():
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
	}

	m.logger.WithTask(c.TaskID).Warn("mediation timed out, escalating", "timeout", m.timeout)
	if m.bus != nil {
		m.bus.Publish(event.NewMediationEscalatedEvent(c.TaskID, c.Raiser, m.timeout))
	}
	if m.escalate != nil {
		m.escalate(c.TaskID, c.Raiser, m.timeout)
	}
	return Verdict{}, errors.NewTimeoutError("mediate "+c.TaskID, m.timeout)
}

// Record returns the remembered record for taskID.
func (m *Mediator) Record(taskID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (m *Mediator) snapshot(taskID string) Record {
	rec, _ := m.Record(taskID)
	return rec
}
