// Package budget provides the treasury's budget check for task spending.
package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
)

// Request asks whether amount may be spent on a task.
type Request struct {
	TaskID  string
	Amount  int64
	Purpose string
}

// Decision answers a Request.
type Decision struct {
	Approved         bool
	RemainingBalance int64
	Reason           string
}

// Checker is the budget-check collaborator.
type Checker interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// BalanceProvider reports the funds actually held by the spending account.
type BalanceProvider interface {
	BalanceOf(account string) int64
}

// Callbacks defines callbacks for budget events.
type Callbacks struct {
	// OnBudgetLimit is called when a request is rejected for exceeding the limit.
	OnBudgetLimit func(req Request)
	// OnBudgetWarning is called once when committed spend reaches the warning threshold.
	OnBudgetWarning func(committed, limit int64)
}

// Config holds budget configuration. A zero Limit means unlimited.
type Config struct {
	Limit            int64
	WarningThreshold int64
}

// Summary is a point-in-time view of the budget.
type Summary struct {
	Limit     int64            `json:"limit"`
	Committed int64            `json:"committed"`
	Remaining int64            `json:"remaining"`
	Tasks     map[string]int64 `json:"tasks"`
}

// Manager tracks committed spend against a limit.
type Manager struct {
	mu          sync.Mutex
	config      Config
	account     string
	balances    BalanceProvider
	callbacks   Callbacks
	bus         *event.Bus
	logger      *logging.Logger
	committed   int64
	commitments map[string]int64
	warned      bool
}

// NewManager creates a new budget manager for the spending account.
// balances may be nil, in which case only the configured limit applies.
func NewManager(cfg Config, account string, balances BalanceProvider, callbacks Callbacks, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		config:      cfg,
		account:     account,
		balances:    balances,
		callbacks:   callbacks,
		logger:      logger.With("component", "budget"),
		commitments: make(map[string]int64),
	}
}

// NewManagerFromConfig creates a budget manager from application config.
func NewManagerFromConfig(appCfg *config.Config, account string, balances BalanceProvider, callbacks Callbacks, logger *logging.Logger) *Manager {
	cfg := Config{}
	if appCfg != nil {
		cfg.Limit = appCfg.Budget.Limit
		cfg.WarningThreshold = appCfg.Budget.WarningThreshold
	}
	return NewManager(cfg, account, balances, callbacks, logger)
}

// SetBus publishes a BudgetWarningEvent when the warning threshold is reached.
func (m *Manager) SetBus(bus *event.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
}

// UpdateConfig updates the budget configuration.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	m.warned = false
}

// Check approves or rejects req. An approved amount is committed until
// Refund is called for the task. Asking again for an already approved task
// returns the original decision without committing twice.
func (m *Manager) Check(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.TaskID == "" {
		return Decision{}, errors.NewValidationError("task id is required").WithField("task_id")
	}
	if req.Amount <= 0 {
		return Decision{}, errors.NewValidationError("amount must be positive").WithField("amount").WithValue(req.Amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithTask(req.TaskID)

	if prior, ok := m.commitments[req.TaskID]; ok {
		if prior == req.Amount {
			return Decision{Approved: true, RemainingBalance: m.remainingLocked(), Reason: "already approved"}, nil
		}
		return m.reject(req, fmt.Sprintf("task already holds a commitment of %d", prior)), nil
	}

	if m.balances != nil {
		if held := m.balances.BalanceOf(m.account); held < req.Amount {
			return m.reject(req, fmt.Sprintf("%s holds %d, request is %d", m.account, held, req.Amount)), nil
		}
	}
	if m.config.Limit > 0 && m.committed+req.Amount > m.config.Limit {
		log.Warn("budget limit exceeded",
			"requested", req.Amount,
			"committed", m.committed,
			"limit", m.config.Limit,
		)
		if m.callbacks.OnBudgetLimit != nil {
			m.callbacks.OnBudgetLimit(req)
		}
		return m.reject(req, fmt.Sprintf("request of %d exceeds remaining budget %d", req.Amount, m.remainingLocked())), nil
	}

	m.committed += req.Amount
	m.commitments[req.TaskID] = req.Amount
	remaining := m.remainingLocked()
	log.Info("budget approved", "amount", req.Amount, "purpose", req.Purpose, "remaining", remaining)

	if !m.warned && m.config.WarningThreshold > 0 && m.committed >= m.config.WarningThreshold {
		m.warned = true
		log.Warn("budget warning threshold reached",
			"committed", m.committed,
			"warning_threshold", m.config.WarningThreshold,
		)
		if m.callbacks.OnBudgetWarning != nil {
			m.callbacks.OnBudgetWarning(m.committed, m.config.Limit)
		}
		if m.bus != nil {
			m.bus.Publish(event.NewBudgetWarningEvent(m.committed, m.config.Limit, remaining))
		}
	}
	return Decision{Approved: true, RemainingBalance: remaining}, nil
}

// Refund returns amount of a task's commitment to the budget, for example
// after a dispute is refunded or an escrow is cancelled.
func (m *Manager) Refund(taskID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.commitments[taskID]
	if !ok || amount <= 0 {
		return
	}
	amount = min(amount, held)
	m.commitments[taskID] = held - amount
	m.committed -= amount
	m.logger.WithTask(taskID).Info("budget refunded", "amount", amount, "remaining", m.remainingLocked())
}

// Summary returns the current budget position.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make(map[string]int64, len(m.commitments))
	for id, amt := range m.commitments {
		tasks[id] = amt
	}
	return Summary{
		Limit:     m.config.Limit,
		Committed: m.committed,
		Remaining: m.remainingLocked(),
		Tasks:     tasks,
	}
}

// Tasks returns the task IDs holding commitments, sorted.
func (m *Manager) Tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.commitments))
	for id := range m.commitments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// remainingLocked requires m.mu held. With no limit the remaining balance is
// whatever the account holds, or -1 when that is unknown too.
func (m *Manager) remainingLocked() int64 {
	if m.config.Limit > 0 {
		return m.config.Limit - m.committed
	}
	if m.balances != nil {
		return m.balances.BalanceOf(m.account)
	}
	return -1
}

func (m *Manager) reject(req Request, reason string) Decision {
	m.logger.WithTask(req.TaskID).Info("budget rejected", "amount", req.Amount, "reason", reason)
	return Decision{Approved: false, RemainingBalance: m.remainingLocked(), Reason: reason}
}
