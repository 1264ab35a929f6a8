// Package node assembles a complete escrow coordinator from configuration:
// token book, ledger with SQLite persistence, local chain, transaction
// executors, message router with journal, budget treasury, reputation view
// and the participant network.
package node

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/milestone/internal/budget"
	"github.com/Iron-Ham/milestone/internal/chain"
	"github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/executor"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
	"github.com/Iron-Ham/milestone/internal/mediator"
	"github.com/Iron-Ham/milestone/internal/reputation"
	"github.com/Iron-Ham/milestone/internal/storage"
	"github.com/Iron-Ham/milestone/internal/token"
	"github.com/Iron-Ham/milestone/internal/workflow"
)

// Options supplies the collaborators that configuration cannot describe.
// Zero values select the deterministic defaults.
type Options struct {
	Auditor   workflow.Auditor
	Performer workflow.Performer
	Accept    func(mailbox.TaskOffer) bool
	// Policy overrides mediation.policy.
	Policy mediator.Policy
	// Logger overrides the logger built from the logging section.
	Logger *logging.Logger
}

// Node is a running coordinator and everything it owns.
type Node struct {
	Config     *config.Config
	DataDir    string
	Bus        *event.Bus
	Book       *token.Book
	Ledger     *ledger.Ledger
	Chain      *chain.Local
	Executors  *executor.Pool
	Router     *mailbox.Router
	Journal    *mailbox.Store
	DB         *storage.DB
	Budget     *budget.Manager
	Reputation *reputation.Tracker
	Network    *workflow.Network
	Logger     *logging.Logger

	ownLogger bool
	cancel    context.CancelFunc
	subs      []string
}

// New builds a Node from cfg. Persisted ledger state is restored when the
// database already holds some; otherwise the client is funded with
// ledger.payer_funds. The returned Node is not started.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Node, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}

	n := &Node{Config: cfg, DataDir: cfg.Paths.ResolveDataDir()}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if err := n.openLogger(opts.Logger); err != nil {
		return nil, err
	}
	roles := workflow.Roles(cfg.Roles)

	n.Bus = event.NewBus(event.WithLogger(n.Logger))
	n.Book = token.NewBook()

	var restored *storage.State
	if cfg.Ledger.Persist {
		if n.DB, err = storage.NewDB(cfg.Ledger.ResolveDBPath(n.DataDir)); err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		state, err := n.DB.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger state: %w", err)
		}
		if !state.Empty() {
			restored = &state
		}
	}

	ledgerOpts := []ledger.Option{
		ledger.WithBus(n.Bus),
		ledger.WithLogger(n.Logger),
		ledger.WithCustody(cfg.Ledger.Custody),
	}
	if n.DB != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(n.DB))
	}
	n.Ledger = ledger.New(n.Book, ledgerOpts...)

	if restored != nil {
		n.Book.Load(restored.Holdings, restored.Grants)
		if err := n.Ledger.Restore(restored.Ledger); err != nil {
			return nil, err
		}
	} else if err := n.fund(ctx, roles.Client, cfg.Ledger.PayerFunds); err != nil {
		return nil, err
	}

	for _, r := range []ledger.Role{ledger.RoleVerifier, ledger.RoleReleaser, ledger.RoleAdmin} {
		n.Ledger.Grant(r, roles.Operator)
	}
	n.Ledger.Grant(ledger.RoleMediator, roles.Mediator)

	n.Chain = chain.NewLocal(n.Ledger, chain.WithLogger(n.Logger))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.Executors = executor.NewPool(runCtx, n.Chain, n.Ledger, n.Book,
		executor.WithPolicy(cfg.Executor.RetryPolicy()),
		executor.WithQueueSize(cfg.Executor.QueueSize),
		executor.WithAttemptTimeout(cfg.Executor.AttemptTimeout()),
		executor.WithBus(n.Bus),
		executor.WithLogger(n.Logger))

	routerOpts := []mailbox.Option{
		mailbox.WithBus(n.Bus),
		mailbox.WithLogger(n.Logger),
		mailbox.WithInboxSize(cfg.Mailbox.InboxSize),
	}
	if cfg.Mailbox.Journal {
		n.Journal = mailbox.NewStore(n.DataDir)
		routerOpts = append(routerOpts, mailbox.WithStore(n.Journal))
	}
	n.Router = mailbox.NewRouter(routerOpts...)

	n.Budget = budget.NewManagerFromConfig(cfg, roles.Client, n.Book, budget.Callbacks{
		OnBudgetLimit: func(req budget.Request) {
			n.Logger.WithTask(req.TaskID).Warn("budget limit reached", "amount", req.Amount)
		},
	}, n.Logger)
	n.Budget.SetBus(n.Bus)
	n.subscribeBudget()

	n.Reputation = reputation.NewTracker()
	n.Reputation.Seed(n.Ledger.Snapshot().Reputations)
	n.Reputation.Attach(n.Bus)

	policy := opts.Policy
	if policy == nil {
		if policy, err = mediator.PolicyByName(cfg.Mediation.Policy); err != nil {
			return nil, err
		}
	}

	n.Network, err = workflow.NewNetwork(workflow.NetworkConfig{
		Roles:            roles,
		Router:           n.Router,
		Executors:        n.Executors,
		Ledger:           n.Ledger,
		Budget:           n.Budget,
		Auditor:          opts.Auditor,
		Performer:        opts.Performer,
		Accept:           opts.Accept,
		Policy:           policy,
		MediationTimeout: cfg.Mediation.Timeout(),
		Bus:              n.Bus,
		Logger:           n.Logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) openLogger(override *logging.Logger) error {
	if override != nil {
		n.Logger = override
		return nil
	}
	lc := n.Config.Logging
	if !lc.Enabled {
		n.Logger = logging.NopLogger()
		return nil
	}
	if err := os.MkdirAll(n.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	logger, err := logging.NewLoggerWithRotation(n.DataDir, logging.ParseLevel(lc.Level), logging.RotationConfig{
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	n.Logger = logger
	n.ownLogger = true
	return nil
}

// fund credits the client and lets the custody account draw on it. Credits
// bypass the ledger, so the token state is saved directly.
func (n *Node) fund(ctx context.Context, account string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := n.Book.Credit(account, amount); err != nil {
		return fmt.Errorf("fund %s: %w", account, err)
	}
	if err := n.Book.Approve(account, n.Ledger.Custody(), amount); err != nil {
		return fmt.Errorf("approve custody: %w", err)
	}
	if n.DB == nil {
		return nil
	}
	holdings, grants := n.Book.Snapshot()
	return n.DB.SaveToken(ctx, holdings, grants)
}

// subscribeBudget returns refunded escrow funds to the treasury.
func (n *Node) subscribeBudget() {
	n.subs = append(n.subs,
		n.Bus.Subscribe(event.TypeEscrowRefunded, func(e event.Event) {
			if r, ok := e.(event.EscrowRefundedEvent); ok {
				n.Budget.Refund(r.TaskID, r.Amount)
			}
		}),
		n.Bus.Subscribe(event.TypeDisputeResolved, func(e event.Event) {
			if r, ok := e.(event.DisputeResolvedEvent); ok {
				n.Budget.Refund(r.TaskID, r.PayerAmount)
			}
		}),
	)
}

// Start runs the participants.
func (n *Node) Start(ctx context.Context) error {
	return n.Network.Start(ctx)
}

// Close stops the network and executors and releases the database and log.
// It is safe to call on a partially built Node.
func (n *Node) Close() {
	if n.Network != nil {
		n.Network.Stop()
	} else if n.Router != nil {
		n.Router.Close()
	}
	if n.Executors != nil {
		n.Executors.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.Reputation != nil {
		n.Reputation.Detach()
	}
	if n.Bus != nil {
		for _, id := range n.subs {
			n.Bus.Unsubscribe(id)
		}
		n.subs = nil
	}
	if n.DB != nil {
		if err := n.DB.Close(); err != nil {
			n.Logger.Warn("failed to close ledger database", "error", err)
		}
		n.DB = nil
	}
	if n.ownLogger {
		_ = n.Logger.Close()
		n.ownLogger = false
	}
}

// Offer publishes a task offer from the client.
func (n *Node) Offer(taskID, description string, amount int64, milestones int) error {
	return n.Network.Offer(taskID, description, amount, milestones)
}

// Cancel refunds a task through the operator.
func (n *Node) Cancel(ctx context.Context, taskID, reason string) error {
	return n.Network.Cancel(ctx, taskID, reason)
}

// Wait blocks until done accepts the task's status or ctx ends.
func (n *Node) Wait(ctx context.Context, taskID string, done func(workflow.TaskStatus) bool) (workflow.TaskStatus, error) {
	return n.Network.Coordinator.Wait(ctx, taskID, done)
}

// Escrow returns the ledger's escrow for taskID.
func (n *Node) Escrow(taskID string) (ledger.Escrow, bool) {
	return n.Ledger.Escrow(taskID)
}
