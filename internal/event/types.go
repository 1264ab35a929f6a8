package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "escrow.created", "dispute.raised")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// TaskScoped is implemented by events that belong to a single task.
type TaskScoped interface {
	Event
	EventTaskID() string
}

// Event type identifiers.
const (
	TypeEscrowCreated      = "escrow.created"
	TypeProofSubmitted     = "proof.submitted"
	TypeProofVerified      = "proof.verified"
	TypeMilestoneReleased  = "milestone.released"
	TypeEscrowCompleted    = "escrow.completed"
	TypeDisputeRaised      = "dispute.raised"
	TypeDisputeResolved    = "dispute.resolved"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeReputationUpdated  = "reputation.updated"
	TypeWorkflowTransition = "workflow.transition"
	TypeExecutionFailed    = "execution.failed"
	TypeMediationEscalated = "mediation.escalated"
	TypeMessageSent        = "message.sent"
	TypeMessageDropped     = "message.dropped"
	TypeBudgetWarning      = "budget.warning"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Ledger Events
// -----------------------------------------------------------------------------

// EscrowCreatedEvent is emitted when funds are locked for a task.
type EscrowCreatedEvent struct {
	baseEvent
	TaskID     string
	Payer      string
	Agent      string
	Amount     int64
	Milestones int
}

func (e EscrowCreatedEvent) EventTaskID() string { return e.TaskID }

// NewEscrowCreatedEvent creates an EscrowCreatedEvent.
func NewEscrowCreatedEvent(taskID, payer, agent string, amount int64, milestones int) EscrowCreatedEvent {
	return EscrowCreatedEvent{
		baseEvent:  newBaseEvent(TypeEscrowCreated),
		TaskID:     taskID,
		Payer:      payer,
		Agent:      agent,
		Amount:     amount,
		Milestones: milestones,
	}
}

// ProofSubmittedEvent is emitted when the agent records a work proof.
type ProofSubmittedEvent struct {
	baseEvent
	TaskID string
	Index  int
	Agent  string
	Hash   string
}

func (e ProofSubmittedEvent) EventTaskID() string { return e.TaskID }

// NewProofSubmittedEvent creates a ProofSubmittedEvent.
func NewProofSubmittedEvent(taskID string, index int, agent, hash string) ProofSubmittedEvent {
	return ProofSubmittedEvent{
		baseEvent: newBaseEvent(TypeProofSubmitted),
		TaskID:    taskID,
		Index:     index,
		Agent:     agent,
		Hash:      hash,
	}
}

// ProofVerifiedEvent is emitted when a verifier accepts a proof.
type ProofVerifiedEvent struct {
	baseEvent
	TaskID   string
	Index    int
	Verifier string
}

func (e ProofVerifiedEvent) EventTaskID() string { return e.TaskID }

// NewProofVerifiedEvent creates a ProofVerifiedEvent.
func NewProofVerifiedEvent(taskID string, index int, verifier string) ProofVerifiedEvent {
	return ProofVerifiedEvent{
		baseEvent: newBaseEvent(TypeProofVerified),
		TaskID:    taskID,
		Index:     index,
		Verifier:  verifier,
	}
}

// MilestoneReleasedEvent is emitted when a milestone payout reaches the agent.
type MilestoneReleasedEvent struct {
	baseEvent
	TaskID string
	Index  int
	Agent  string
	Amount int64
}

func (e MilestoneReleasedEvent) EventTaskID() string { return e.TaskID }

// NewMilestoneReleasedEvent creates a MilestoneReleasedEvent.
func NewMilestoneReleasedEvent(taskID string, index int, agent string, amount int64) MilestoneReleasedEvent {
	return MilestoneReleasedEvent{
		baseEvent: newBaseEvent(TypeMilestoneReleased),
		TaskID:    taskID,
		Index:     index,
		Agent:     agent,
		Amount:    amount,
	}
}

// EscrowCompletedEvent is emitted after the final milestone is released.
type EscrowCompletedEvent struct {
	baseEvent
	TaskID    string
	Agent     string
	TotalPaid int64
}

func (e EscrowCompletedEvent) EventTaskID() string { return e.TaskID }

// NewEscrowCompletedEvent creates an EscrowCompletedEvent.
func NewEscrowCompletedEvent(taskID, agent string, totalPaid int64) EscrowCompletedEvent {
	return EscrowCompletedEvent{
		baseEvent: newBaseEvent(TypeEscrowCompleted),
		TaskID:    taskID,
		Agent:     agent,
		TotalPaid: totalPaid,
	}
}

// DisputeRaisedEvent is emitted when the payer or agent opens a dispute.
type DisputeRaisedEvent struct {
	baseEvent
	TaskID   string
	RaisedBy string
}

func (e DisputeRaisedEvent) EventTaskID() string { return e.TaskID }

// NewDisputeRaisedEvent creates a DisputeRaisedEvent.
func NewDisputeRaisedEvent(taskID, raisedBy string) DisputeRaisedEvent {
	return DisputeRaisedEvent{
		baseEvent: newBaseEvent(TypeDisputeRaised),
		TaskID:    taskID,
		RaisedBy:  raisedBy,
	}
}

// DisputeResolvedEvent is emitted when the mediator's resolution is applied.
type DisputeResolvedEvent struct {
	baseEvent
	TaskID      string
	Resolution  string
	AgentAmount int64
	PayerAmount int64
}

func (e DisputeResolvedEvent) EventTaskID() string { return e.TaskID }

// NewDisputeResolvedEvent creates a DisputeResolvedEvent.
func NewDisputeResolvedEvent(taskID, resolution string, agentAmount, payerAmount int64) DisputeResolvedEvent {
	return DisputeResolvedEvent{
		baseEvent:   newBaseEvent(TypeDisputeResolved),
		TaskID:      taskID,
		Resolution:  resolution,
		AgentAmount: agentAmount,
		PayerAmount: payerAmount,
	}
}

// EscrowRefundedEvent is emitted by an administrative emergency refund.
type EscrowRefundedEvent struct {
	baseEvent
	TaskID string
	Payer  string
	Amount int64
}

func (e EscrowRefundedEvent) EventTaskID() string { return e.TaskID }

// NewEscrowRefundedEvent creates an EscrowRefundedEvent.
func NewEscrowRefundedEvent(taskID, payer string, amount int64) EscrowRefundedEvent {
	return EscrowRefundedEvent{
		baseEvent: newBaseEvent(TypeEscrowRefunded),
		TaskID:    taskID,
		Payer:     payer,
		Amount:    amount,
	}
}

// ReputationUpdatedEvent is emitted whenever an agent's score is set.
// Old equals New when a score is first initialized.
type ReputationUpdatedEvent struct {
	baseEvent
	Agent  string
	Old    int
	New    int
	Reason string
}

// NewReputationUpdatedEvent creates a ReputationUpdatedEvent.
func NewReputationUpdatedEvent(agent string, oldScore, newScore int, reason string) ReputationUpdatedEvent {
	return ReputationUpdatedEvent{
		baseEvent: newBaseEvent(TypeReputationUpdated),
		Agent:     agent,
		Old:       oldScore,
		New:       newScore,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Workflow Events
// -----------------------------------------------------------------------------

// WorkflowTransitionEvent is emitted when a task's protocol state advances.
type WorkflowTransitionEvent struct {
	baseEvent
	TaskID      string
	From        string
	To          string
	MessageType string
}

func (e WorkflowTransitionEvent) EventTaskID() string { return e.TaskID }

// NewWorkflowTransitionEvent creates a WorkflowTransitionEvent.
func NewWorkflowTransitionEvent(taskID, from, to, messageType string) WorkflowTransitionEvent {
	return WorkflowTransitionEvent{
		baseEvent:   newBaseEvent(TypeWorkflowTransition),
		TaskID:      taskID,
		From:        from,
		To:          to,
		MessageType: messageType,
	}
}

// ExecutionFailedEvent is emitted when a submitted ledger call fails terminally.
type ExecutionFailedEvent struct {
	baseEvent
	TaskID    string
	Operation string
	Signer    string
	Category  string
	Message   string
	Attempts  int
}

func (e ExecutionFailedEvent) EventTaskID() string { return e.TaskID }

// NewExecutionFailedEvent creates an ExecutionFailedEvent.
func NewExecutionFailedEvent(taskID, operation, signer, category, message string, attempts int) ExecutionFailedEvent {
	return ExecutionFailedEvent{
		baseEvent: newBaseEvent(TypeExecutionFailed),
		TaskID:    taskID,
		Operation: operation,
		Signer:    signer,
		Category:  category,
		Message:   message,
		Attempts:  attempts,
	}
}

// MediationEscalatedEvent is emitted when the mediation policy does not
// answer within its timeout.
type MediationEscalatedEvent struct {
	baseEvent
	TaskID  string
	Raiser  string
	Timeout time.Duration
}

func (e MediationEscalatedEvent) EventTaskID() string { return e.TaskID }

// NewMediationEscalatedEvent creates a MediationEscalatedEvent.
func NewMediationEscalatedEvent(taskID, raiser string, timeout time.Duration) MediationEscalatedEvent {
	return MediationEscalatedEvent{
		baseEvent: newBaseEvent(TypeMediationEscalated),
		TaskID:    taskID,
		Raiser:    raiser,
		Timeout:   timeout,
	}
}

// MessageSentEvent is emitted for every message accepted by the router.
type MessageSentEvent struct {
	baseEvent
	MessageID   string
	MessageType string
	TaskID      string
	From        string
	To          string
}

func (e MessageSentEvent) EventTaskID() string { return e.TaskID }

// NewMessageSentEvent creates a MessageSentEvent.
func NewMessageSentEvent(messageID, messageType, taskID, from, to string) MessageSentEvent {
	return MessageSentEvent{
		baseEvent:   newBaseEvent(TypeMessageSent),
		MessageID:   messageID,
		MessageType: messageType,
		TaskID:      taskID,
		From:        from,
		To:          to,
	}
}

// MessageDroppedEvent is emitted when a participant inbox is full.
type MessageDroppedEvent struct {
	baseEvent
	MessageID   string
	MessageType string
	TaskID      string
	To          string
}

func (e MessageDroppedEvent) EventTaskID() string { return e.TaskID }

// NewMessageDroppedEvent creates a MessageDroppedEvent.
func NewMessageDroppedEvent(messageID, messageType, taskID, to string) MessageDroppedEvent {
	return MessageDroppedEvent{
		baseEvent:   newBaseEvent(TypeMessageDropped),
		MessageID:   messageID,
		MessageType: messageType,
		TaskID:      taskID,
		To:          to,
	}
}

// BudgetWarningEvent is emitted when committed spend crosses the warning threshold.
type BudgetWarningEvent struct {
	baseEvent
	Committed int64
	Limit     int64
	Remaining int64
}

// NewBudgetWarningEvent creates a BudgetWarningEvent.
func NewBudgetWarningEvent(committed, limit, remaining int64) BudgetWarningEvent {
	return BudgetWarningEvent{
		baseEvent: newBaseEvent(TypeBudgetWarning),
		Committed: committed,
		Limit:     limit,
		Remaining: remaining,
	}
}
