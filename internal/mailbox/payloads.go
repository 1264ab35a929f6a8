package mailbox

import (
	"encoding/json"
	"fmt"
)

// TaskOffer advertises a task to workers.
type TaskOffer struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Milestones  int    `json:"milestones"`
	Payer       string `json:"payer"`
}

// TaskAccept is a worker's acceptance of an offer.
type TaskAccept struct {
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
}

// BudgetRequest asks the treasury to approve spend for a task.
type BudgetRequest struct {
	TaskID  string `json:"task_id"`
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose"`
}

// BudgetDecision is the treasury's answer to a BudgetRequest.
type BudgetDecision struct {
	TaskID           string `json:"task_id"`
	Approved         bool   `json:"approved"`
	RemainingBalance int64  `json:"remaining_balance"`
	Reason           string `json:"reason,omitempty"`
}

// EscrowPending announces that the escrow creation was submitted.
type EscrowPending struct {
	TaskID     string `json:"task_id"`
	Amount     int64  `json:"amount"`
	Milestones int    `json:"milestones"`
}

// EscrowLocked announces that funds are in custody.
type EscrowLocked struct {
	TaskID     string `json:"task_id"`
	Agent      string `json:"agent"`
	Amount     int64  `json:"amount"`
	Milestones int    `json:"milestones"`
	TxHash     string `json:"tx_hash"`
}

// WorkStarted marks the beginning of work on a milestone.
type WorkStarted struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
}

// WorkResult carries a finished milestone to the auditor.
type WorkResult struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
	ResultSummary  string `json:"result_summary"`
	Content        string `json:"content"`
	WorkHash       string `json:"work_hash"`
}

// AuditResult is the auditor's verdict on a WorkResult.
type AuditResult struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
	Passed         bool   `json:"passed"`
	Reason         string `json:"reason,omitempty"`
	WorkHash       string `json:"work_hash"`
}

// ProofSubmitted confirms the work proof is recorded on the ledger.
type ProofSubmitted struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
	WorkHash       string `json:"work_hash"`
	TxHash         string `json:"tx_hash"`
}

// ProofVerified confirms a verifier accepted the proof.
type ProofVerified struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
	TxHash         string `json:"tx_hash"`
}

// MilestoneReleased confirms a milestone payout.
type MilestoneReleased struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex int    `json:"milestone_index"`
	Amount         int64  `json:"amount"`
	Remaining      int    `json:"remaining"`
	TxHash         string `json:"tx_hash"`
}

// TaskComplete is sent after the final milestone is released.
type TaskComplete struct {
	TaskID    string `json:"task_id"`
	TotalPaid int64  `json:"total_paid"`
}

// DisputeRaised confirms a dispute was opened on the ledger.
type DisputeRaised struct {
	TaskID   string `json:"task_id"`
	RaisedBy string `json:"raised_by"`
	Reason   string `json:"reason,omitempty"`
	TxHash   string `json:"tx_hash"`
}

// MediationRequested hands an open dispute to the mediator.
type MediationRequested struct {
	TaskID string `json:"task_id"`
	Raiser string `json:"raiser"`
	Reason string `json:"reason,omitempty"`
}

// DisputeResolved confirms the mediator's resolution was applied.
type DisputeResolved struct {
	TaskID      string `json:"task_id"`
	Resolution  string `json:"resolution"`
	Rationale   string `json:"rationale"`
	AgentAmount int64  `json:"agent_amount"`
	PayerAmount int64  `json:"payer_amount"`
	TxHash      string `json:"tx_hash"`
}

// MediationEscalated reports that mediation did not finish in time.
type MediationEscalated struct {
	TaskID         string `json:"task_id"`
	Raiser         string `json:"raiser"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EscrowCancelled confirms an emergency refund.
type EscrowCancelled struct {
	TaskID   string `json:"task_id"`
	Refunded int64  `json:"refunded"`
	Reason   string `json:"reason,omitempty"`
	TxHash   string `json:"tx_hash"`
}

// ExecutionFailed reports a terminal ledger call failure back to its originator.
type ExecutionFailed struct {
	TaskID     string `json:"task_id"`
	Operation  string `json:"operation"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Attempts   int    `json:"attempts"`
}

func (p TaskOffer) Kind() MessageType          { return TypeTaskOffer }
func (p TaskAccept) Kind() MessageType         { return TypeTaskAccept }
func (p BudgetRequest) Kind() MessageType      { return TypeBudgetRequest }
func (p BudgetDecision) Kind() MessageType     { return TypeBudgetDecision }
func (p EscrowPending) Kind() MessageType      { return TypeEscrowPending }
func (p EscrowLocked) Kind() MessageType       { return TypeEscrowLocked }
func (p WorkStarted) Kind() MessageType        { return TypeWorkStarted }
func (p WorkResult) Kind() MessageType         { return TypeWorkResult }
func (p AuditResult) Kind() MessageType        { return TypeAuditResult }
func (p ProofSubmitted) Kind() MessageType     { return TypeProofSubmitted }
func (p ProofVerified) Kind() MessageType      { return TypeProofVerified }
func (p MilestoneReleased) Kind() MessageType  { return TypeMilestoneReleased }
func (p TaskComplete) Kind() MessageType       { return TypeTaskComplete }
func (p DisputeRaised) Kind() MessageType      { return TypeDisputeRaised }
func (p MediationRequested) Kind() MessageType { return TypeMediationRequested }
func (p DisputeResolved) Kind() MessageType    { return TypeDisputeResolved }
func (p MediationEscalated) Kind() MessageType { return TypeMediationEscalated }
func (p EscrowCancelled) Kind() MessageType    { return TypeEscrowCancelled }
func (p ExecutionFailed) Kind() MessageType    { return TypeExecutionFailed }

func (p TaskOffer) Task() string          { return p.TaskID }
func (p TaskAccept) Task() string         { return p.TaskID }
func (p BudgetRequest) Task() string      { return p.TaskID }
func (p BudgetDecision) Task() string     { return p.TaskID }
func (p EscrowPending) Task() string      { return p.TaskID }
func (p EscrowLocked) Task() string       { return p.TaskID }
func (p WorkStarted) Task() string        { return p.TaskID }
func (p WorkResult) Task() string         { return p.TaskID }
func (p AuditResult) Task() string        { return p.TaskID }
func (p ProofSubmitted) Task() string     { return p.TaskID }
func (p ProofVerified) Task() string      { return p.TaskID }
func (p MilestoneReleased) Task() string  { return p.TaskID }
func (p TaskComplete) Task() string       { return p.TaskID }
func (p DisputeRaised) Task() string      { return p.TaskID }
func (p MediationRequested) Task() string { return p.TaskID }
func (p DisputeResolved) Task() string    { return p.TaskID }
func (p MediationEscalated) Task() string { return p.TaskID }
func (p EscrowCancelled) Task() string    { return p.TaskID }
func (p ExecutionFailed) Task() string    { return p.TaskID }

var payloadFactories = map[MessageType]func() Payload{
	TypeTaskOffer:          func() Payload { return &TaskOffer{} },
	TypeTaskAccept:         func() Payload { return &TaskAccept{} },
	TypeBudgetRequest:      func() Payload { return &BudgetRequest{} },
	TypeBudgetDecision:     func() Payload { return &BudgetDecision{} },
	TypeEscrowPending:      func() Payload { return &EscrowPending{} },
	TypeEscrowLocked:       func() Payload { return &EscrowLocked{} },
	TypeWorkStarted:        func() Payload { return &WorkStarted{} },
	TypeWorkResult:         func() Payload { return &WorkResult{} },
	TypeAuditResult:        func() Payload { return &AuditResult{} },
	TypeProofSubmitted:     func() Payload { return &ProofSubmitted{} },
	TypeProofVerified:      func() Payload { return &ProofVerified{} },
	TypeMilestoneReleased:  func() Payload { return &MilestoneReleased{} },
	TypeTaskComplete:       func() Payload { return &TaskComplete{} },
	TypeDisputeRaised:      func() Payload { return &DisputeRaised{} },
	TypeMediationRequested: func() Payload { return &MediationRequested{} },
	TypeDisputeResolved:    func() Payload { return &DisputeResolved{} },
	TypeMediationEscalated: func() Payload { return &MediationEscalated{} },
	TypeEscrowCancelled:    func() Payload { return &EscrowCancelled{} },
	TypeExecutionFailed:    func() Payload { return &ExecutionFailed{} },
}

// decodePayload returns the payload as a value (not a pointer) so that type
// switches in handlers see the same types that were sent.
func decodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("mailbox: unknown message type %q", t)
	}
	ptr := factory()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, ptr); err != nil {
			return nil, fmt.Errorf("mailbox: decode %s payload: %w", t, err)
		}
	}
	return deref(ptr), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TaskOffer:
		return *v
	case *TaskAccept:
		return *v
	case *BudgetRequest:
		return *v
	case *BudgetDecision:
		return *v
	case *EscrowPending:
		return *v
	case *EscrowLocked:
		return *v
	case *WorkStarted:
		return *v
	case *WorkResult:
		return *v
	case *AuditResult:
		return *v
	case *ProofSubmitted:
		return *v
	case *ProofVerified:
		return *v
	case *MilestoneReleased:
		return *v
	case *TaskComplete:
		return *v
	case *DisputeRaised:
		return *v
	case *MediationRequested:
		return *v
	case *DisputeResolved:
		return *v
	case *MediationEscalated:
		return *v
	case *EscrowCancelled:
		return *v
	case *ExecutionFailed:
		return *v
	}
	return p
}
