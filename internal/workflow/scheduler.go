package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
)

// Handler is a participant's protocol logic. The scheduler owns the state:
// each call receives the value returned by the previous one. Messages in the
// returned slice are sent in order, before any error is reported.
type Handler[S any] interface {
	Handle(ctx context.Context, state S, msg mailbox.Message) (S, []mailbox.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[S any] func(ctx context.Context, state S, msg mailbox.Message) (S, []mailbox.Message, error)

// Handle implements Handler.
func (f HandlerFunc[S]) Handle(ctx context.Context, state S, msg mailbox.Message) (S, []mailbox.Message, error) {
	return f(ctx, state, msg)
}

// Runner is a participant the scheduler can run.
type Runner interface {
	Name() string
	dispatch(ctx context.Context, router *mailbox.Router, log *logging.Logger, msg mailbox.Message)
}

type participant[S any] struct {
	name    string
	handler Handler[S]
	state   S
}

// Participant binds a handler and its initial state to a mailbox name.
func Participant[S any](name string, h Handler[S], initial S) Runner {
	return &participant[S]{name: name, handler: h, state: initial}
}

func (p *participant[S]) Name() string { return p.name }

// dispatch runs on the participant's goroutine only.
func (p *participant[S]) dispatch(ctx context.Context, router *mailbox.Router, log *logging.Logger, msg mailbox.Message) {
	var (
		next S
		out  []mailbox.Message
		err  error
	)
	var pc panics.Catcher
	pc.Try(func() {
		next, out, err = p.handler.Handle(ctx, p.state, msg)
	})
	if r := pc.Recovered(); r != nil {
		log.Error("handler panicked", "type", string(msg.Type), "panic", fmt.Sprint(r.Value), "stack", string(r.Stack))
		err = errors.NewWorkflowError("handler panicked", fmt.Errorf("panic: %v", r.Value)).
			WithTaskID(msg.TaskID).
			WithParticipant(p.name)
	} else {
		p.state = next
	}

	for _, m := range out {
		if sendErr := router.Send(m); sendErr != nil {
			log.Warn("failed to send message", "type", string(m.Type), "to", m.To, "error", sendErr)
		}
	}
	if err == nil {
		return
	}
	if msg.Type == mailbox.TypeExecutionFailed {
		log.Error("failed to handle failure report", "error", err)
		return
	}
	log.Warn("handler failed", "type", string(msg.Type), "error", err)
	if sendErr := router.Send(mailbox.New(p.name, p.name, FailureReport(msg, err))); sendErr != nil {
		log.Error("failed to report failure", "error", sendErr)
	}
}

// FailureReport converts a handler error into the execution.failed payload
// reported back to the participant that hit it.
func FailureReport(msg mailbox.Message, err error) mailbox.ExecutionFailed {
	cat := errors.CategoryOf(err)
	report := mailbox.ExecutionFailed{
		TaskID:     msg.TaskID,
		Operation:  "handle " + string(msg.Type),
		Category:   cat.String(),
		Message:    err.Error(),
		Suggestion: cat.Suggestion(),
	}
	var xerr *errors.ExecutionError
	if errors.As(err, &xerr) {
		report.Operation = xerr.Operation
		report.Category = xerr.Category().String()
		report.Message = xerr.Message()
		report.Suggestion = xerr.Suggestion()
		report.Attempts = xerr.Attempts
	}
	return report
}

// Scheduler runs each participant on its own goroutine. Messages for one
// participant are handled strictly in arrival order; participants run
// concurrently with each other.
type Scheduler struct {
	router *mailbox.Router
	logger *logging.Logger

	mu      sync.Mutex
	runners []Runner
	inboxes map[string]<-chan mailbox.Message
	wg      conc.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewScheduler creates a Scheduler delivering through router.
func NewScheduler(router *mailbox.Router, logger *logging.Logger) *Scheduler {
	if router == nil {
		panic("workflow: router must not be nil")
	}
	return &Scheduler{
		router:  router,
		logger:  logging.OrNop(logger),
		inboxes: make(map[string]<-chan mailbox.Message),
	}
}

// Add registers r's inbox immediately, so messages sent before Start are
// buffered, and schedules it.
func (s *Scheduler) Add(r Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("workflow: scheduler already started")
	}
	if _, ok := s.inboxes[r.Name()]; ok {
		return fmt.Errorf("workflow: participant %q already added", r.Name())
	}
	inbox, err := s.router.Register(r.Name())
	if err != nil {
		return err
	}
	s.inboxes[r.Name()] = inbox
	s.runners = append(s.runners, r)
	return nil
}

// Start launches one goroutine per participant.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("workflow: scheduler already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	for _, r := range s.runners {
		inbox := s.inboxes[r.Name()]
		log := s.logger.WithParticipant(r.Name())
		s.wg.Go(func() {
			s.loop(ctx, r, inbox, log)
		})
	}
	s.logger.Info("participants started", "count", len(s.runners))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, r Runner, inbox <-chan mailbox.Message, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			r.dispatch(ctx, s.router, log.WithTask(msg.TaskID), msg)
		}
	}
}

// Stop cancels every participant and waits for them to return. It is safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if r := s.wg.WaitAndRecover(); r != nil {
		s.logger.Error("participant goroutine panicked", "panic", fmt.Sprint(r.Value))
	}
	s.logger.Info("participants stopped")
}
