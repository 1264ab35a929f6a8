package workflow

import (
	"context"
	"sync"

	"github.com/Iron-Ham/milestone/internal/budget"
	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/executor"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
	"github.com/Iron-Ham/milestone/internal/mediator"
)

// Submitter applies ledger requests under one signing identity.
// *executor.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, r executor.Request) (*executor.Outcome, error)
}

func txHash(o *executor.Outcome) string {
	if o == nil || o.Receipt == nil {
		return ""
	}
	return o.Receipt.TxHash
}

func result(o *executor.Outcome) ledger.Result {
	if o == nil || o.Receipt == nil {
		return ledger.Result{}
	}
	return o.Receipt.Result
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// ClientTask is the payer's record of one task.
type ClientTask struct {
	Offer    mailbox.TaskOffer
	Agent    string
	Locked   bool
	Disputed bool
	Closed   bool
}

// ClientState holds the payer's tasks.
type ClientState struct {
	Tasks map[string]*ClientTask
}

// NewClientState returns an empty ClientState.
func NewClientState() *ClientState {
	return &ClientState{Tasks: make(map[string]*ClientTask)}
}

// Client is the payer. It funds the escrow once the treasury approves and
// disputes deliverables that fail audit.
type Client struct {
	name     string
	treasury string
	mediator string
	exec     Submitter
	logger   *logging.Logger

	mu     sync.Mutex
	offers map[string]mailbox.TaskOffer
}

// NewClient creates the payer participant.
func NewClient(name, treasury, mediatorName string, exec Submitter, logger *logging.Logger) *Client {
	return &Client{
		name:     name,
		treasury: treasury,
		mediator: mediatorName,
		exec:     exec,
		logger:   logging.OrNop(logger).WithParticipant(name),
		offers:   make(map[string]mailbox.TaskOffer),
	}
}

// Name returns the participant name, which is also the payer account.
func (c *Client) Name() string { return c.name }

// Offer records an offer and returns the broadcast announcing it.
func (c *Client) Offer(taskID, description string, amount int64, milestones int) mailbox.Message {
	offer := mailbox.TaskOffer{
		TaskID:      taskID,
		Description: description,
		Amount:      amount,
		Milestones:  milestones,
		Payer:       c.name,
	}
	c.mu.Lock()
	c.offers[taskID] = offer
	c.mu.Unlock()
	return mailbox.Broadcast(c.name, offer)
}

func (c *Client) offer(taskID string) (mailbox.TaskOffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offers[taskID]
	return o, ok
}

// Handle implements Handler.
func (c *Client) Handle(ctx context.Context, st *ClientState, msg mailbox.Message) (*ClientState, []mailbox.Message, error) {
	log := c.logger.WithTask(msg.TaskID)
	task := st.Tasks[msg.TaskID]

	switch p := msg.Payload.(type) {
	case mailbox.TaskAccept:
		if task != nil {
			log.Debug("offer already taken", "agent", p.Agent)
			return st, nil, nil
		}
		offer, ok := c.offer(p.TaskID)
		if !ok {
			log.Warn("accept for unknown offer ignored", "agent", p.Agent)
			return st, nil, nil
		}
		st.Tasks[p.TaskID] = &ClientTask{Offer: offer, Agent: p.Agent}
		req := mailbox.BudgetRequest{
			TaskID:  p.TaskID,
			Amount:  offer.Amount,
			Purpose: "escrow: " + offer.Description,
		}
		return st, []mailbox.Message{mailbox.New(c.name, c.treasury, req)}, nil

	case mailbox.BudgetDecision:
		if task == nil || task.Locked || task.Closed {
			return st, nil, nil
		}
		if !p.Approved {
			task.Closed = true
			log.Info("budget rejected", "reason", p.Reason)
			return st, nil, nil
		}
		pending := mailbox.Broadcast(c.name, mailbox.EscrowPending{
			TaskID:     p.TaskID,
			Amount:     task.Offer.Amount,
			Milestones: task.Offer.Milestones,
		})
		out, err := c.exec.Submit(ctx, executor.CreateEscrow(p.TaskID, task.Agent, task.Offer.Amount, task.Offer.Milestones))
		if err != nil {
			task.Closed = true
			return st, []mailbox.Message{pending}, err
		}
		task.Locked = true
		locked := mailbox.Broadcast(c.name, mailbox.EscrowLocked{
			TaskID:     p.TaskID,
			Agent:      task.Agent,
			Amount:     task.Offer.Amount,
			Milestones: task.Offer.Milestones,
			TxHash:     txHash(out),
		})
		return st, []mailbox.Message{pending, locked}, nil

	case mailbox.AuditResult:
		if p.Passed || task == nil || !task.Locked || task.Disputed || task.Closed {
			return st, nil, nil
		}
		out, err := c.exec.Submit(ctx, executor.RaiseDispute(p.TaskID))
		if err != nil {
			return st, nil, err
		}
		task.Disputed = true
		log.Info("dispute raised", "milestone", p.MilestoneIndex, "reason", p.Reason)
		return st, []mailbox.Message{
			mailbox.Broadcast(c.name, mailbox.DisputeRaised{
				TaskID:   p.TaskID,
				RaisedBy: c.name,
				Reason:   p.Reason,
				TxHash:   txHash(out),
			}),
			mailbox.New(c.name, c.mediator, mailbox.MediationRequested{
				TaskID: p.TaskID,
				Raiser: c.name,
				Reason: p.Reason,
			}),
		}, nil

	case mailbox.TaskComplete, mailbox.DisputeResolved, mailbox.EscrowCancelled:
		if task != nil {
			task.Closed = true
		}

	case mailbox.ExecutionFailed:
		log.Warn("request failed", "operation", p.Operation, "category", p.Category, "error", p.Message)
	}
	return st, nil, nil
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

// WorkerTask is the agent's record of one task.
type WorkerTask struct {
	Offer     mailbox.TaskOffer
	Milestone int
	Started   bool
	Closed    bool
}

// WorkerState holds the agent's tasks.
type WorkerState struct {
	Tasks map[string]*WorkerTask
}

// NewWorkerState returns an empty WorkerState.
func NewWorkerState() *WorkerState {
	return &WorkerState{Tasks: make(map[string]*WorkerTask)}
}

// Worker is the agent. It accepts offers, delivers milestones in order and
// submits proofs for deliverables that pass audit.
type Worker struct {
	name      string
	auditor   string
	exec      Submitter
	performer Performer
	accept    func(mailbox.TaskOffer) bool
	logger    *logging.Logger
}

// NewWorker creates the agent participant. accept may be nil to take every
// offer.
func NewWorker(name, auditor string, exec Submitter, performer Performer, accept func(mailbox.TaskOffer) bool, logger *logging.Logger) *Worker {
	if performer == nil {
		performer = EchoPerformer{}
	}
	return &Worker{
		name:      name,
		auditor:   auditor,
		exec:      exec,
		performer: performer,
		accept:    accept,
		logger:    logging.OrNop(logger).WithParticipant(name),
	}
}

// Name returns the participant name, which is also the agent account.
func (w *Worker) Name() string { return w.name }

// Handle implements Handler.
func (w *Worker) Handle(ctx context.Context, st *WorkerState, msg mailbox.Message) (*WorkerState, []mailbox.Message, error) {
	task := st.Tasks[msg.TaskID]

	switch p := msg.Payload.(type) {
	case mailbox.TaskOffer:
		if task != nil || p.Payer == w.name {
			return st, nil, nil
		}
		if w.accept != nil && !w.accept(p) {
			w.logger.WithTask(p.TaskID).Debug("offer declined", "amount", p.Amount)
			return st, nil, nil
		}
		st.Tasks[p.TaskID] = &WorkerTask{Offer: p}
		return st, []mailbox.Message{
			mailbox.New(w.name, p.Payer, mailbox.TaskAccept{TaskID: p.TaskID, Agent: w.name}),
		}, nil

	case mailbox.EscrowLocked:
		if task == nil || task.Started || p.Agent != w.name {
			return st, nil, nil
		}
		task.Started = true
		return w.work(ctx, st, task, 0)

	case mailbox.AuditResult:
		if !p.Passed || task == nil || task.Closed || p.MilestoneIndex != task.Milestone {
			return st, nil, nil
		}
		out, err := w.exec.Submit(ctx, executor.SubmitProof(p.TaskID, p.MilestoneIndex, p.WorkHash))
		if err != nil {
			return st, nil, err
		}
		return st, []mailbox.Message{
			mailbox.Broadcast(w.name, mailbox.ProofSubmitted{
				TaskID:         p.TaskID,
				MilestoneIndex: p.MilestoneIndex,
				WorkHash:       p.WorkHash,
				TxHash:         txHash(out),
			}),
		}, nil

	case mailbox.MilestoneReleased:
		if task == nil || task.Closed || p.Remaining <= 0 {
			return st, nil, nil
		}
		return w.work(ctx, st, task, p.MilestoneIndex+1)

	case mailbox.TaskComplete, mailbox.DisputeRaised, mailbox.DisputeResolved, mailbox.EscrowCancelled:
		if task != nil {
			task.Closed = true
		}

	case mailbox.ExecutionFailed:
		w.logger.WithTask(p.TaskID).Warn("request failed", "operation", p.Operation, "category", p.Category, "error", p.Message)
	}
	return st, nil, nil
}

func (w *Worker) work(ctx context.Context, st *WorkerState, task *WorkerTask, index int) (*WorkerState, []mailbox.Message, error) {
	taskID := task.Offer.TaskID
	task.Milestone = index
	started := mailbox.Broadcast(w.name, mailbox.WorkStarted{TaskID: taskID, MilestoneIndex: index})

	out, err := w.performer.Perform(ctx, WorkRequest{
		TaskID:         taskID,
		MilestoneIndex: index,
		Description:    task.Offer.Description,
	})
	if err != nil {
		return st, []mailbox.Message{started}, err
	}
	return st, []mailbox.Message{
		started,
		mailbox.New(w.name, w.auditor, mailbox.WorkResult{
			TaskID:         taskID,
			MilestoneIndex: index,
			ResultSummary:  out.ResultSummary,
			Content:        out.Content,
			WorkHash:       WorkHash(out.Content),
		}),
	}, nil
}

// -----------------------------------------------------------------------------
// Treasury
// -----------------------------------------------------------------------------

// Treasury answers budget requests.
type Treasury struct {
	name   string
	budget budget.Checker
	logger *logging.Logger
}

// NewTreasury creates the treasury participant.
func NewTreasury(name string, checker budget.Checker, logger *logging.Logger) *Treasury {
	return &Treasury{name: name, budget: checker, logger: logging.OrNop(logger).WithParticipant(name)}
}

// Name returns the participant name.
func (t *Treasury) Name() string { return t.name }

// Handle implements Handler. The state counts approved requests.
func (t *Treasury) Handle(ctx context.Context, approved int, msg mailbox.Message) (int, []mailbox.Message, error) {
	p, ok := msg.Payload.(mailbox.BudgetRequest)
	if !ok {
		return approved, nil, nil
	}
	decision, err := t.budget.Check(ctx, budget.Request{TaskID: p.TaskID, Amount: p.Amount, Purpose: p.Purpose})
	if err != nil {
		t.logger.WithTask(p.TaskID).Warn("budget check failed", "error", err)
		decision = budget.Decision{Reason: err.Error()}
	}
	if decision.Approved {
		approved++
	}
	return approved, []mailbox.Message{
		mailbox.New(t.name, msg.From, mailbox.BudgetDecision{
			TaskID:           p.TaskID,
			Approved:         decision.Approved,
			RemainingBalance: decision.RemainingBalance,
			Reason:           decision.Reason,
		}),
	}, nil
}

// -----------------------------------------------------------------------------
// Auditor
// -----------------------------------------------------------------------------

// AuditorAgent checks deliverables and broadcasts the verdict.
type AuditorAgent struct {
	name    string
	auditor Auditor
	logger  *logging.Logger
}

// NewAuditorAgent creates the auditor participant.
func NewAuditorAgent(name string, auditor Auditor, logger *logging.Logger) *AuditorAgent {
	if auditor == nil {
		auditor = StaticAuditor{}
	}
	return &AuditorAgent{name: name, auditor: auditor, logger: logging.OrNop(logger).WithParticipant(name)}
}

// Name returns the participant name.
func (a *AuditorAgent) Name() string { return a.name }

// Handle implements Handler. The state counts audits performed.
func (a *AuditorAgent) Handle(ctx context.Context, audited int, msg mailbox.Message) (int, []mailbox.Message, error) {
	p, ok := msg.Payload.(mailbox.WorkResult)
	if !ok {
		return audited, nil, nil
	}

	var verdict AuditVerdict
	if WorkHash(p.Content) != p.WorkHash {
		verdict = AuditVerdict{Reason: "work hash does not match deliverable"}
	} else {
		var err error
		verdict, err = a.auditor.Audit(ctx, AuditRequest{
			TaskID:         p.TaskID,
			MilestoneIndex: p.MilestoneIndex,
			Content:        p.Content,
		})
		if err != nil {
			return audited, nil, err
		}
	}

	a.logger.WithTask(p.TaskID).Info("deliverable audited",
		"milestone", p.MilestoneIndex, "passed", verdict.Passed, "reason", verdict.Reason)
	return audited + 1, []mailbox.Message{
		mailbox.Broadcast(a.name, mailbox.AuditResult{
			TaskID:         p.TaskID,
			MilestoneIndex: p.MilestoneIndex,
			Passed:         verdict.Passed,
			Reason:         verdict.Reason,
			WorkHash:       p.WorkHash,
		}),
	}, nil
}

// -----------------------------------------------------------------------------
// Operator
// -----------------------------------------------------------------------------

// Operator verifies submitted proofs and releases milestones. Its signer
// holds the verifier, releaser and admin roles.
type Operator struct {
	name   string
	exec   Submitter
	logger *logging.Logger
}

// NewOperator creates the operator participant.
func NewOperator(name string, exec Submitter, logger *logging.Logger) *Operator {
	return &Operator{name: name, exec: exec, logger: logging.OrNop(logger).WithParticipant(name)}
}

// Name returns the participant name, which is also the operator account.
func (o *Operator) Name() string { return o.name }

// Handle implements Handler. The state is the total released per task.
func (o *Operator) Handle(ctx context.Context, released map[string]int64, msg mailbox.Message) (map[string]int64, []mailbox.Message, error) {
	switch p := msg.Payload.(type) {
	case mailbox.ProofSubmitted:
		v, err := o.exec.Submit(ctx, executor.VerifyProof(p.TaskID, p.MilestoneIndex))
		if err != nil {
			return released, nil, err
		}
		out := []mailbox.Message{
			mailbox.Broadcast(o.name, mailbox.ProofVerified{
				TaskID:         p.TaskID,
				MilestoneIndex: p.MilestoneIndex,
				TxHash:         txHash(v),
			}),
		}

		r, err := o.exec.Submit(ctx, executor.ReleaseMilestone(p.TaskID, p.MilestoneIndex))
		if err != nil {
			return released, out, err
		}
		res := result(r)
		released[p.TaskID] += res.Amount
		out = append(out, mailbox.Broadcast(o.name, mailbox.MilestoneReleased{
			TaskID:         p.TaskID,
			MilestoneIndex: p.MilestoneIndex,
			Amount:         res.Amount,
			Remaining:      res.Escrow.TotalMilestones - res.Escrow.MilestonesCompleted,
			TxHash:         txHash(r),
		}))
		if res.Completed {
			out = append(out, mailbox.Broadcast(o.name, mailbox.TaskComplete{
				TaskID:    p.TaskID,
				TotalPaid: res.Escrow.PaidAmount,
			}))
		}
		return released, out, nil

	case mailbox.ExecutionFailed:
		o.logger.WithTask(p.TaskID).Warn("request failed", "operation", p.Operation, "category", p.Category, "error", p.Message)
	}
	return released, nil, nil
}

// Cancel refunds the escrow for taskID to its payer and returns the
// broadcast announcing it.
func (o *Operator) Cancel(ctx context.Context, taskID, reason string) (mailbox.Message, error) {
	r, err := o.exec.Submit(ctx, executor.EmergencyRefund(taskID))
	if err != nil {
		return mailbox.Message{}, err
	}
	o.logger.WithTask(taskID).Info("escrow cancelled", "refunded", result(r).PayerAmount, "reason", reason)
	return mailbox.Broadcast(o.name, mailbox.EscrowCancelled{
		TaskID:   taskID,
		Refunded: result(r).PayerAmount,
		Reason:   reason,
		TxHash:   txHash(r),
	}), nil
}

// -----------------------------------------------------------------------------
// Mediator
// -----------------------------------------------------------------------------

// LedgerView is the evidence source for mediation. *ledger.Ledger
// implements it.
type LedgerView interface {
	Escrow(taskID string) (ledger.Escrow, bool)
	Proofs(taskID string) []ledger.WorkProof
}

// MediatorState remembers failed audits per task.
type MediatorState struct {
	FailedAudits map[string]mailbox.AuditResult
}

// NewMediatorState returns an empty MediatorState.
func NewMediatorState() *MediatorState {
	return &MediatorState{FailedAudits: make(map[string]mailbox.AuditResult)}
}

// MediatorAgent turns mediation requests into applied verdicts.
type MediatorAgent struct {
	name     string
	mediator *mediator.Mediator
	view     LedgerView
	logger   *logging.Logger
}

// NewMediatorAgent creates the mediator participant.
func NewMediatorAgent(name string, m *mediator.Mediator, view LedgerView, logger *logging.Logger) *MediatorAgent {
	return &MediatorAgent{name: name, mediator: m, view: view, logger: logging.OrNop(logger).WithParticipant(name)}
}

// Name returns the participant name, which is also the mediator account.
func (m *MediatorAgent) Name() string { return m.name }

// Handle implements Handler.
func (m *MediatorAgent) Handle(ctx context.Context, st *MediatorState, msg mailbox.Message) (*MediatorState, []mailbox.Message, error) {
	switch p := msg.Payload.(type) {
	case mailbox.AuditResult:
		if !p.Passed {
			st.FailedAudits[p.TaskID] = p
		}

	case mailbox.MediationRequested:
		escrow, ok := m.view.Escrow(p.TaskID)
		if !ok {
			return st, nil, errors.NewWorkflowError("mediation requested", errors.ErrEscrowNotFound).
				WithTaskID(p.TaskID).
				WithParticipant(m.name)
		}
		c := mediator.Case{
			TaskID: p.TaskID,
			Raiser: p.Raiser,
			Reason: p.Reason,
			Escrow: escrow,
			Proofs: m.view.Proofs(p.TaskID),
		}
		if failed, ok := st.FailedAudits[p.TaskID]; ok {
			c.AuditFailed = true
			c.FailedMilestone = failed.MilestoneIndex
		}

		rec, err := m.mediator.Mediate(ctx, c)
		var (
			xerr *errors.ExecutionError
			terr *errors.TimeoutError
		)
		switch {
		case errors.Is(err, errors.ErrAlreadyMediated):
			m.logger.WithTask(p.TaskID).Debug("dispute already mediated")
			return st, nil, nil
		case errors.As(err, &xerr):
			return st, nil, err
		case errors.As(err, &terr):
			return st, []mailbox.Message{
				mailbox.Broadcast(m.name, mailbox.MediationEscalated{
					TaskID:         p.TaskID,
					Raiser:         p.Raiser,
					TimeoutSeconds: int(terr.Duration.Seconds()),
				}),
			}, nil
		case err != nil:
			return st, nil, err
		}

		res := result(rec.Outcome)
		return st, []mailbox.Message{
			mailbox.Broadcast(m.name, mailbox.DisputeResolved{
				TaskID:      p.TaskID,
				Resolution:  string(rec.Verdict.Resolution),
				Rationale:   rec.Verdict.Rationale,
				AgentAmount: res.AgentAmount,
				PayerAmount: res.PayerAmount,
				TxHash:      txHash(rec.Outcome),
			}),
		}, nil
	}
	return st, nil, nil
}
