package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
)

// DefaultCustody is the account that holds escrowed funds.
const DefaultCustody = "escrow-custody"

// Token is the fungible token the ledger moves funds through.
type Token interface {
	BalanceOf(account string) int64
	Allowance(owner, spender string) int64
	Approve(owner, spender string, amount int64) error
	Transfer(from, to string, amount int64) error
	TransferFrom(spender, owner, to string, amount int64) error
}

// Store persists the effect of one ledger operation. Apply must be atomic:
// either the whole change is durable or none of it is.
type Store interface {
	Apply(ctx context.Context, c Change) error
}

// Change is everything one operation wrote.
type Change struct {
	Op          Op
	TaskID      string
	Escrow      Escrow
	Proof       *WorkProof
	Reputations map[string]int
	Balances    map[string]int64
	Allowances  []Allowance
	Events      []event.Event
}

// Allowance is a token allowance captured in a Change.
type Allowance struct {
	Owner   string
	Spender string
	Amount  int64
}

// Snapshot is the full ledger state, used for restore on startup.
type Snapshot struct {
	Escrows     []Escrow
	Proofs      []WorkProof
	Reputations map[string]int
}

// Result describes a committed operation.
type Result struct {
	Op          Op
	TaskID      string
	Index       int // -1 when the operation has no milestone index
	Amount      int64
	AgentAmount int64
	PayerAmount int64
	Completed   bool
	Escrow      Escrow
	Events      []event.Event
}

type proofKey struct {
	taskID string
	index  int
}

// Ledger is the authoritative escrow state machine. Every operation is
// atomic and operations are globally sequential. Events are published after
// commit, in commit order; handlers must not call mutating ledger methods
// synchronously.
type Ledger struct {
	mu    sync.Mutex
	pubMu sync.Mutex

	custody string
	token   Token
	store   Store
	bus     *event.Bus
	logger  *logging.Logger
	now     func() time.Time

	escrows     map[string]*Escrow
	proofs      map[proofKey]*WorkProof
	reputations map[string]int
	roles       map[Role]map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every operation before it is committed in memory.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithBus publishes ledger events on bus.
func WithBus(bus *event.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCustody sets the custody account.
func WithCustody(account string) Option {
	return func(l *Ledger) { l.custody = account }
}

// New creates an empty Ledger over token.
func New(token Token, opts ...Option) *Ledger {
	l := &Ledger{
		custody:     DefaultCustody,
		token:       token,
		now:         time.Now,
		escrows:     make(map[string]*Escrow),
		proofs:      make(map[proofKey]*WorkProof),
		reputations: make(map[string]int),
		roles:       make(map[Role]map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger).With("component", "ledger")
	return l
}

// Custody returns the account holding escrowed funds.
func (l *Ledger) Custody() string { return l.custody }

// Grant gives account a role.
func (l *Ledger) Grant(role Role, account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roles[role] == nil {
		l.roles[role] = make(map[string]bool)
	}
	l.roles[role][account] = true
}

// Revoke removes a role from account.
func (l *Ledger) Revoke(role Role, account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.roles[role], account)
}

// HasRole reports whether account holds role.
func (l *Ledger) HasRole(role Role, account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roles[role][account]
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// CreateEscrow locks amount from caller into custody for taskID.
func (l *Ledger) CreateEscrow(ctx context.Context, caller, taskID, agent string, amount int64, milestones int) (Result, error) {
	return l.apply(ctx, OpCreateEscrow, taskID, -1, func(t *txn) error {
		if taskID == "" {
			return errors.NewValidationError("task id is required").WithField("task_id")
		}
		if _, exists := l.escrows[taskID]; exists {
			return errors.ErrDuplicateTask
		}
		if amount <= 0 {
			return errors.ErrInvalidAmount
		}
		if milestones < 1 {
			return errors.ErrInvalidMilestoneCount
		}
		if agent == "" || agent == caller || agent == l.custody {
			return errors.ErrInvalidAgent
		}

		now := l.now()
		t.escrow = &Escrow{
			TaskID:          taskID,
			Payer:           caller,
			Agent:           agent,
			TotalAmount:     amount,
			TotalMilestones: milestones,
			IsActive:        true,
			DisputeStatus:   DisputeNone,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		t.pull(caller, amount)
		t.emit(event.NewEscrowCreatedEvent(taskID, caller, agent, amount, milestones))
		t.initReputation(agent)
		t.result.Amount = amount
		return nil
	})
}

// SubmitWorkProof records the agent's proof for milestone index.
func (l *Ledger) SubmitWorkProof(ctx context.Context, caller, taskID string, index int, hash string) (Result, error) {
	return l.apply(ctx, OpSubmitProof, taskID, index, func(t *txn) error {
		e, err := t.load()
		if err != nil {
			return err
		}
		if !e.IsActive {
			return errors.ErrNotActive
		}
		if caller != e.Agent {
			return errors.ErrUnauthorized
		}
		if index < 0 || index >= e.TotalMilestones {
			return errors.ErrInvalidIndex
		}
		if _, exists := l.proofs[proofKey{taskID, index}]; exists {
			return errors.ErrDuplicateProof
		}
		if hash == "" {
			return errors.NewValidationError("work hash is required").WithField("hash")
		}

		t.proof = &WorkProof{
			TaskID:      taskID,
			Index:       index,
			Agent:       caller,
			Hash:        hash,
			SubmittedAt: l.now(),
		}
		t.emit(event.NewProofSubmittedEvent(taskID, index, caller, hash))
		return nil
	})
}

// VerifyWorkProof marks the proof at index as verified.
func (l *Ledger) VerifyWorkProof(ctx context.Context, caller, taskID string, index int) (Result, error) {
	return l.apply(ctx, OpVerifyProof, taskID, index, func(t *txn) error {
		if !l.roles[RoleVerifier][caller] {
			return errors.ErrUnauthorized
		}
		if _, err := t.load(); err != nil {
			return err
		}
		p, ok := l.proofs[proofKey{taskID, index}]
		if !ok {
			return errors.ErrNoProof
		}
		if p.Verified {
			return errors.ErrAlreadyVerified
		}

		staged := *p
		staged.Verified = true
		staged.VerifiedAt = l.now()
		t.proof = &staged
		t.emit(event.NewProofVerifiedEvent(taskID, index, caller))
		return nil
	})
}

// ReleaseMilestone pays out milestone index to the agent. Milestones release
// strictly in order and only while no dispute has been raised.
func (l *Ledger) ReleaseMilestone(ctx context.Context, caller, taskID string, index int) (Result, error) {
	return l.apply(ctx, OpReleaseMilestone, taskID, index, func(t *txn) error {
		if !l.roles[RoleReleaser][caller] {
			return errors.ErrUnauthorized
		}
		e, err := t.load()
		if err != nil {
			return err
		}
		if !e.IsActive {
			return errors.ErrNotActive
		}
		if e.DisputeStatus != DisputeNone {
			return errors.ErrInDispute
		}
		if index != e.MilestonesCompleted {
			return errors.ErrSequenceError
		}
		if p, ok := l.proofs[proofKey{taskID, index}]; !ok || !p.Verified {
			return errors.ErrNotVerified
		}

		amount := e.payout(index)
		e.PaidAmount += amount
		e.MilestonesCompleted++
		t.push(e.Agent, amount)
		t.emit(event.NewMilestoneReleasedEvent(taskID, index, e.Agent, amount))
		t.result.Amount = amount

		if e.MilestonesCompleted == e.TotalMilestones {
			e.IsCompleted = true
			e.IsActive = false
			t.result.Completed = true
			t.emit(event.NewEscrowCompletedEvent(taskID, e.Agent, e.PaidAmount))
			t.adjustReputation(e.Agent, SuccessDelta, "escrow completed")
		}
		return nil
	})
}

// RaiseDispute opens a dispute. Only the payer or agent may raise one, and
// only once per escrow.
func (l *Ledger) RaiseDispute(ctx context.Context, caller, taskID string) (Result, error) {
	return l.apply(ctx, OpRaiseDispute, taskID, -1, func(t *txn) error {
		e, err := t.load()
		if err != nil {
			return err
		}
		if !e.IsActive {
			return errors.ErrNotActive
		}
		if caller != e.Payer && caller != e.Agent {
			return errors.ErrUnauthorized
		}
		if e.DisputeStatus != DisputeNone {
			return errors.ErrAlreadyDisputed
		}

		e.DisputeStatus = DisputeOpen
		e.DisputeRaisedBy = caller
		t.emit(event.NewDisputeRaisedEvent(taskID, caller))
		return nil
	})
}

// ResolveDispute settles an open dispute and deactivates the escrow.
// FULL pays the agent the remainder, REFUND returns it to the payer, and
// PARTIAL gives the agent floor(remaining/2) and the payer the rest.
func (l *Ledger) ResolveDispute(ctx context.Context, caller, taskID string, resolution Resolution) (Result, error) {
	return l.apply(ctx, OpResolveDispute, taskID, -1, func(t *txn) error {
		if !l.roles[RoleMediator][caller] {
			return errors.ErrUnauthorized
		}
		if _, err := ParseResolution(string(resolution)); err != nil {
			return errors.ErrInvalidResolution
		}
		e, err := t.load()
		if err != nil {
			return err
		}
		// A refunded escrow keeps its OPEN dispute; it is closed for good.
		if !e.IsActive {
			return errors.ErrNotActive
		}
		if e.DisputeStatus != DisputeOpen {
			return errors.ErrNoOpenDispute
		}

		remaining := e.Remaining()
		var toAgent, toPayer int64
		switch resolution {
		case ResolutionFull:
			toAgent = remaining
		case ResolutionRefund:
			toPayer = remaining
		case ResolutionPartial:
			toAgent = remaining / 2
			toPayer = remaining - toAgent
		}

		t.push(e.Agent, toAgent)
		t.push(e.Payer, toPayer)
		e.SettledToAgent += toAgent
		e.ReturnedToPayer += toPayer
		e.DisputeStatus = resolution.disputeStatus()
		e.IsActive = false
		t.result.AgentAmount = toAgent
		t.result.PayerAmount = toPayer
		t.emit(event.NewDisputeResolvedEvent(taskID, string(resolution), toAgent, toPayer))

		switch resolution {
		case ResolutionFull:
			t.adjustReputation(e.Agent, SuccessDelta, "dispute resolved in agent's favour")
		case ResolutionRefund:
			t.adjustReputation(e.Agent, FailureDelta, "dispute refunded to payer")
		}
		return nil
	})
}

// EmergencyRefund returns the remaining custody to the payer and cancels the
// escrow. It is the only way to unwind a stuck task.
func (l *Ledger) EmergencyRefund(ctx context.Context, caller, taskID string) (Result, error) {
	return l.apply(ctx, OpEmergencyRefund, taskID, -1, func(t *txn) error {
		if !l.roles[RoleAdmin][caller] {
			return errors.ErrUnauthorized
		}
		e, err := t.load()
		if err != nil {
			return err
		}
		if !e.IsActive {
			return errors.ErrNotActive
		}

		remaining := e.Remaining()
		t.push(e.Payer, remaining)
		e.ReturnedToPayer += remaining
		e.IsActive = false
		e.Cancelled = true
		t.result.PayerAmount = remaining
		t.emit(event.NewEscrowRefundedEvent(taskID, e.Payer, remaining))
		return nil
	})
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Escrow returns a copy of the escrow for taskID.
func (l *Ledger) Escrow(taskID string) (Escrow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[taskID]
	if !ok {
		return Escrow{}, false
	}
	return *e, true
}

// Escrows returns every escrow ordered by creation time, then task ID.
func (l *Ledger) Escrows() []Escrow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Escrow, 0, len(l.escrows))
	for _, e := range l.escrows {
		out = append(out, *e)
	}
	sortEscrows(out)
	return out
}

// Proof returns a copy of the proof at (taskID, index).
func (l *Ledger) Proof(taskID string, index int) (WorkProof, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proofs[proofKey{taskID, index}]
	if !ok {
		return WorkProof{}, false
	}
	return *p, true
}

// Proofs returns the proofs recorded for taskID ordered by index.
func (l *Ledger) Proofs(taskID string) []WorkProof {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []WorkProof
	for k, p := range l.proofs {
		if k.taskID == taskID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Reputation returns the agent's score and whether it has one.
func (l *Ledger) Reputation(agent string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	score, ok := l.reputations[agent]
	return score, ok
}

// Snapshot returns a copy of the full state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{Reputations: make(map[string]int, len(l.reputations))}
	for _, e := range l.escrows {
		s.Escrows = append(s.Escrows, *e)
	}
	sortEscrows(s.Escrows)
	for _, p := range l.proofs {
		s.Proofs = append(s.Proofs, *p)
	}
	sort.Slice(s.Proofs, func(i, j int) bool {
		if s.Proofs[i].TaskID != s.Proofs[j].TaskID {
			return s.Proofs[i].TaskID < s.Proofs[j].TaskID
		}
		return s.Proofs[i].Index < s.Proofs[j].Index
	})
	for agent, score := range l.reputations {
		s.Reputations[agent] = score
	}
	return s
}

// Restore replaces the ledger state with s after checking its invariants.
// Roles and token balances are not part of a snapshot.
func (l *Ledger) Restore(s Snapshot) error {
	escrows := make(map[string]*Escrow, len(s.Escrows))
	for i := range s.Escrows {
		e := s.Escrows[i]
		if err := checkEscrow(e); err != nil {
			return fmt.Errorf("restore escrow %s: %w", e.TaskID, err)
		}
		if _, dup := escrows[e.TaskID]; dup {
			return fmt.Errorf("restore escrow %s: %w", e.TaskID, errors.ErrDuplicateTask)
		}
		escrows[e.TaskID] = &e
	}
	proofs := make(map[proofKey]*WorkProof, len(s.Proofs))
	for i := range s.Proofs {
		p := s.Proofs[i]
		e, ok := escrows[p.TaskID]
		if !ok || p.Index < 0 || p.Index >= e.TotalMilestones {
			return fmt.Errorf("restore proof %s/%d: %w", p.TaskID, p.Index, errors.ErrInvalidIndex)
		}
		proofs[proofKey{p.TaskID, p.Index}] = &p
	}
	reps := make(map[string]int, len(s.Reputations))
	for agent, score := range s.Reputations {
		if score < MinReputation || score > MaxReputation {
			return fmt.Errorf("restore reputation %s=%d: %w", agent, score, errors.ErrReputationOutOfBounds)
		}
		reps[agent] = score
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.escrows = escrows
	l.proofs = proofs
	l.reputations = reps
	l.logger.Info("ledger restored", "escrows", len(escrows), "proofs", len(proofs), "agents", len(reps))
	return nil
}

func checkEscrow(e Escrow) error {
	switch {
	case e.TotalAmount <= 0:
		return errors.ErrInvalidAmount
	case e.TotalMilestones < 1:
		return errors.ErrInvalidMilestoneCount
	case e.PaidAmount < 0 || e.PaidAmount > e.TotalAmount:
		return fmt.Errorf("paid %d of %d: %w", e.PaidAmount, e.TotalAmount, errors.ErrInvalidAmount)
	case e.MilestonesCompleted < 0 || e.MilestonesCompleted > e.TotalMilestones:
		return errors.ErrInvalidIndex
	case e.Remaining() < 0:
		return fmt.Errorf("custody overdrawn by %d: %w", -e.Remaining(), errors.ErrInvalidAmount)
	}
	return nil
}

func sortEscrows(es []Escrow) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].TaskID < es[j].TaskID
	})
}
