package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
)

// Transition is one recorded state change.
type Transition struct {
	From        State               `json:"from"`
	To          State               `json:"to"`
	MessageType mailbox.MessageType `json:"message_type"`
	MessageID   string              `json:"message_id"`
	At          time.Time           `json:"at"`
}

// TaskStatus is the coordinator's view of one task.
type TaskStatus struct {
	TaskID    string       `json:"task_id"`
	State     State        `json:"state"`
	Milestone int          `json:"milestone"`
	History   []Transition `json:"history"`
	LastError string       `json:"last_error,omitempty"`
	Escalated bool         `json:"escalated"`
	Stalled   bool         `json:"stalled,omitempty"`
	Rejected  int          `json:"rejected"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (s *TaskStatus) clone() TaskStatus {
	out := *s
	out.History = append([]Transition(nil), s.History...)
	return out
}

// Coordinator derives every task's protocol state from the messages it
// observes. It never sends messages; participants drive the protocol.
type Coordinator struct {
	mu      sync.Mutex
	tasks   map[string]*TaskStatus
	changed chan struct{}

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time

	dropFilter func(event.MessageDroppedEvent) bool
	dropSub    string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorBus publishes a WorkflowTransitionEvent per transition.
func WithCoordinatorBus(bus *event.Bus) CoordinatorOption {
	return func(c *Coordinator) { c.bus = bus }
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithCoordinatorClock overrides the time source.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithDropFilter limits which dropped messages stall a task. Drops the
// filter rejects are logged and ignored.
func WithDropFilter(fn func(event.MessageDroppedEvent) bool) CoordinatorOption {
	return func(c *Coordinator) { c.dropFilter = fn }
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		tasks:   make(map[string]*TaskStatus),
		changed: make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With("component", "coordinator")
	return c
}

// Attach makes the coordinator observe every message accepted by router.
func (c *Coordinator) Attach(router *mailbox.Router) {
	router.Observe(c.Observe)
}

// Watch subscribes to dropped-message events on bus. A task whose message
// never reached its recipient cannot advance on its own, so it is marked
// stalled until it advances again or an operator cancels it.
func (c *Coordinator) Watch(bus *event.Bus) {
	c.dropSub = bus.Subscribe(event.TypeMessageDropped, func(e event.Event) {
		if d, ok := e.(event.MessageDroppedEvent); ok {
			c.Dropped(d)
		}
	})
}

// Unwatch removes the subscription made by Watch.
func (c *Coordinator) Unwatch(bus *event.Bus) {
	if c.dropSub != "" {
		bus.Unsubscribe(c.dropSub)
		c.dropSub = ""
	}
}

// Dropped marks the task of a lost message as stalled and wakes waiters.
func (c *Coordinator) Dropped(d event.MessageDroppedEvent) {
	log := c.logger.WithTask(d.TaskID).With("type", d.MessageType, "to", d.To)
	if c.dropFilter != nil && !c.dropFilter(d) {
		log.Debug("dropped message does not block the task")
		return
	}

	c.mu.Lock()
	task, ok := c.tasks[d.TaskID]
	if !ok || task.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	werr := errors.NewWorkflowError("inbox full", errors.ErrMessageDropped).
		WithTaskID(d.TaskID).
		WithParticipant(d.To)
	task.Stalled = true
	task.LastError = fmt.Sprintf("%s: %s", d.MessageType, werr.Error())
	task.UpdatedAt = c.now()
	state := task.State
	c.notifyLocked()
	c.mu.Unlock()

	log.Warn("task stalled", "state", string(state), "error", werr)
}

// Observe applies msg to its task. Messages that would break the protocol
// are recorded on the task and otherwise ignored.
func (c *Coordinator) Observe(msg mailbox.Message) {
	c.mu.Lock()
	log := c.logger.WithTask(msg.TaskID).With("type", string(msg.Type))

	task, known := c.tasks[msg.TaskID]

	switch msg.Type {
	case mailbox.TypeExecutionFailed:
		if known {
			if p, ok := msg.Payload.(mailbox.ExecutionFailed); ok {
				task.LastError = fmt.Sprintf("%s: %s", p.Operation, p.Message)
			}
			task.UpdatedAt = c.now()
			c.notifyLocked()
		}
		c.mu.Unlock()
		return
	case mailbox.TypeMediationEscalated:
		if known {
			task.Escalated = true
			task.UpdatedAt = c.now()
			c.notifyLocked()
		}
		c.mu.Unlock()
		return
	}

	to, ok := nextState(msg)
	if !ok {
		c.mu.Unlock()
		return
	}

	if !known {
		if to != StateDiscovering {
			c.mu.Unlock()
			log.Warn("message for unknown task ignored", "error", errors.ErrUnknownTask)
			return
		}
		task = &TaskStatus{TaskID: msg.TaskID}
		c.tasks[msg.TaskID] = task
	}

	from := task.State
	if known {
		if err := ValidateTransition(from, to); err != nil {
			werr := errors.NewWorkflowError("transition rejected", err).
				WithTaskID(msg.TaskID).
				WithParticipant(msg.From).
				WithTransition(string(from), string(to))
			task.Rejected++
			task.LastError = werr.Error()
			c.mu.Unlock()
			log.Warn("transition rejected", "from", string(from), "to", string(to), "sender", msg.From, "error", err)
			return
		}
	}

	now := c.now()
	task.State = to
	task.UpdatedAt = now
	task.Stalled = false
	if idx, ok := milestoneOf(msg); ok {
		task.Milestone = idx
	}
	task.History = append(task.History, Transition{
		From:        from,
		To:          to,
		MessageType: msg.Type,
		MessageID:   msg.ID,
		At:          now,
	})
	c.notifyLocked()
	c.mu.Unlock()

	log.Debug("task advanced", "from", string(from), "to", string(to))
	if c.bus != nil {
		c.bus.Publish(event.NewWorkflowTransitionEvent(msg.TaskID, string(from), string(to), string(msg.Type)))
	}
}

func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Status returns the view of taskID.
func (c *Coordinator) Status(taskID string) (TaskStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return TaskStatus{}, false
	}
	return t.clone(), true
}

// State returns the current state of taskID, or "" if it is unknown.
func (c *Coordinator) State(taskID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[taskID]; ok {
		return t.State
	}
	return ""
}

// Tasks returns every known task ordered by ID.
func (c *Coordinator) Tasks() []TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskStatus, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stalled returns non-terminal tasks that lost a message or whose last
// update is before cutoff.
func (c *Coordinator) Stalled(cutoff time.Time) []TaskStatus {
	var out []TaskStatus
	for _, t := range c.Tasks() {
		if !t.State.IsTerminal() && (t.Stalled || t.UpdatedAt.Before(cutoff)) {
			out = append(out, t)
		}
	}
	return out
}

// Wait blocks until taskID satisfies done or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, taskID string, done func(TaskStatus) bool) (TaskStatus, error) {
	for {
		c.mu.Lock()
		var status TaskStatus
		t, ok := c.tasks[taskID]
		if ok {
			status = t.clone()
		}
		changed := c.changed
		c.mu.Unlock()

		if ok && done(status) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("wait for task %s in %s: %w", taskID, status.State, ctx.Err())
		case <-changed:
		}
	}
}

// WaitTerminal blocks until taskID reaches a terminal state. A stalled task
// returns early with ErrMessageDropped.
func (c *Coordinator) WaitTerminal(ctx context.Context, taskID string) (TaskStatus, error) {
	status, err := c.Wait(ctx, taskID, func(s TaskStatus) bool { return s.State.IsTerminal() || s.Stalled })
	if err == nil && !status.State.IsTerminal() {
		return status, fmt.Errorf("task %s stalled in %s: %w", taskID, status.State, errors.ErrMessageDropped)
	}
	return status, err
}
