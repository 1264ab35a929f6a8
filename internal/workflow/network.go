package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/milestone/internal/budget"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/executor"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
	"github.com/Iron-Ham/milestone/internal/mediator"
)

// Roles names the participants. Client, Worker, Operator and Mediator are
// also their ledger accounts.
type Roles struct {
	Client   string `json:"client" yaml:"client"`
	Worker   string `json:"worker" yaml:"worker"`
	Treasury string `json:"treasury" yaml:"treasury"`
	Auditor  string `json:"auditor" yaml:"auditor"`
	Operator string `json:"operator" yaml:"operator"`
	Mediator string `json:"mediator" yaml:"mediator"`
}

// DefaultRoles returns the conventional participant names.
func DefaultRoles() Roles {
	return Roles{
		Client:   "client",
		Worker:   "worker",
		Treasury: "treasury",
		Auditor:  "auditor",
		Operator: "operator",
		Mediator: "mediator",
	}
}

// blocking reports whether losing d leaves its task unable to advance: the
// recipient is the participant that acts on that message type. Broadcast
// copies to everyone else are informational.
func (r Roles) blocking(d event.MessageDroppedEvent) bool {
	switch mailbox.MessageType(d.MessageType) {
	case mailbox.TypeTaskOffer, mailbox.TypeEscrowLocked, mailbox.TypeMilestoneReleased:
		return d.To == r.Worker
	case mailbox.TypeTaskAccept, mailbox.TypeBudgetDecision:
		return d.To == r.Client
	case mailbox.TypeAuditResult:
		return d.To == r.Client || d.To == r.Worker
	case mailbox.TypeBudgetRequest:
		return d.To == r.Treasury
	case mailbox.TypeWorkResult:
		return d.To == r.Auditor
	case mailbox.TypeProofSubmitted:
		return d.To == r.Operator
	case mailbox.TypeMediationRequested:
		return d.To == r.Mediator
	}
	return false
}

// NetworkConfig wires a Network. Router, Executors, Ledger and Budget are
// required.
type NetworkConfig struct {
	Roles     Roles
	Router    *mailbox.Router
	Executors *executor.Pool
	Ledger    LedgerView
	Budget    budget.Checker

	Auditor          Auditor
	Performer        Performer
	Accept           func(mailbox.TaskOffer) bool
	Policy           mediator.Policy
	MediationTimeout time.Duration

	Bus    *event.Bus
	Logger *logging.Logger
}

// Network is one client, worker, treasury, auditor, operator and mediator
// exchanging messages over a shared router, with a coordinator tracking
// every task.
type Network struct {
	Roles       Roles
	Router      *mailbox.Router
	Coordinator *Coordinator
	Scheduler   *Scheduler
	Mediator    *mediator.Mediator

	client   *Client
	operator *Operator
	bus      *event.Bus
	logger   *logging.Logger
}

// NewNetwork registers every participant on cfg.Router.
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	switch {
	case cfg.Router == nil:
		return nil, fmt.Errorf("workflow: router is required")
	case cfg.Executors == nil:
		return nil, fmt.Errorf("workflow: executor pool is required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("workflow: ledger view is required")
	case cfg.Budget == nil:
		return nil, fmt.Errorf("workflow: budget checker is required")
	}
	if cfg.Roles == (Roles{}) {
		cfg.Roles = DefaultRoles()
	}
	logger := logging.OrNop(cfg.Logger)
	roles := cfg.Roles

	coord := NewCoordinator(WithCoordinatorBus(cfg.Bus), WithCoordinatorLogger(logger), WithDropFilter(roles.blocking))
	coord.Attach(cfg.Router)
	if cfg.Bus != nil {
		coord.Watch(cfg.Bus)
	}

	med := mediator.New(cfg.Policy, cfg.Executors.For(roles.Mediator),
		mediator.WithTimeout(cfg.MediationTimeout),
		mediator.WithBus(cfg.Bus),
		mediator.WithLogger(logger))

	n := &Network{
		Roles:       roles,
		Router:      cfg.Router,
		Coordinator: coord,
		Scheduler:   NewScheduler(cfg.Router, logger),
		Mediator:    med,
		client:      NewClient(roles.Client, roles.Treasury, roles.Mediator, cfg.Executors.For(roles.Client), logger),
		operator:    NewOperator(roles.Operator, cfg.Executors.For(roles.Operator), logger),
		bus:         cfg.Bus,
		logger:      logger,
	}

	worker := NewWorker(roles.Worker, roles.Auditor, cfg.Executors.For(roles.Worker), cfg.Performer, cfg.Accept, logger)
	runners := []Runner{
		Participant[*ClientState](roles.Client, n.client, NewClientState()),
		Participant[*WorkerState](roles.Worker, worker, NewWorkerState()),
		Participant[int](roles.Treasury, NewTreasury(roles.Treasury, cfg.Budget, logger), 0),
		Participant[int](roles.Auditor, NewAuditorAgent(roles.Auditor, cfg.Auditor, logger), 0),
		Participant[map[string]int64](roles.Operator, n.operator, make(map[string]int64)),
		Participant[*MediatorState](roles.Mediator, NewMediatorAgent(roles.Mediator, med, cfg.Ledger, logger), NewMediatorState()),
	}
	for _, r := range runners {
		if err := n.Scheduler.Add(r); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Start runs every participant.
func (n *Network) Start(ctx context.Context) error {
	return n.Scheduler.Start(ctx)
}

// Stop halts the participants and closes the router.
func (n *Network) Stop() {
	if n.bus != nil {
		n.Coordinator.Unwatch(n.bus)
	}
	n.Scheduler.Stop()
	n.Router.Close()
}

// Offer publishes a task offer from the client.
func (n *Network) Offer(taskID, description string, amount int64, milestones int) error {
	return n.Router.Send(n.client.Offer(taskID, description, amount, milestones))
}

// Cancel refunds taskID through the operator and announces it.
func (n *Network) Cancel(ctx context.Context, taskID, reason string) error {
	msg, err := n.operator.Cancel(ctx, taskID, reason)
	if err != nil {
		return err
	}
	return n.Router.Send(msg)
}
