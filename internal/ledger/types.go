package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
)

// DisputeStatus is the dispute state of an escrow.
type DisputeStatus string

const (
	DisputeNone            DisputeStatus = "NONE"
	DisputeOpen            DisputeStatus = "OPEN"
	DisputeResolvedFull    DisputeStatus = "RESOLVED_FULL"
	DisputeResolvedPartial DisputeStatus = "RESOLVED_PARTIAL"
	DisputeRefunded        DisputeStatus = "REFUNDED"
)

// Resolution is a mediator's verdict on an open dispute.
type Resolution string

const (
	ResolutionFull    Resolution = "FULL"
	ResolutionPartial Resolution = "PARTIAL"
	ResolutionRefund  Resolution = "REFUND"
)

// ParseResolution accepts FULL, PARTIAL or REFUND in any case.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToUpper(strings.TrimSpace(s))); r {
	case ResolutionFull, ResolutionPartial, ResolutionRefund:
		return r, nil
	}
	return "", fmt.Errorf("%q: %w", s, errors.ErrInvalidResolution)
}

func (r Resolution) disputeStatus() DisputeStatus {
	switch r {
	case ResolutionFull:
		return DisputeResolvedFull
	case ResolutionPartial:
		return DisputeResolvedPartial
	default:
		return DisputeRefunded
	}
}

// State is the lifecycle position of an escrow.
type State string

const (
	StateActive          State = "ACTIVE"
	StateCompleted       State = "COMPLETED"
	StateDisputed        State = "OPEN"
	StateResolvedFull    State = "RESOLVED_FULL"
	StateResolvedPartial State = "RESOLVED_PARTIAL"
	StateRefunded        State = "REFUNDED"
	StateCancelled       State = "CANCELLED"
)

// Escrow is the custody record for one task.
type Escrow struct {
	TaskID              string        `json:"task_id"`
	Payer               string        `json:"payer"`
	Agent               string        `json:"agent"`
	TotalAmount         int64         `json:"total_amount"`
	PaidAmount          int64         `json:"paid_amount"`
	TotalMilestones     int           `json:"total_milestones"`
	MilestonesCompleted int           `json:"milestones_completed"`
	IsActive            bool          `json:"is_active"`
	IsCompleted         bool          `json:"is_completed"`
	Cancelled           bool          `json:"cancelled"`
	DisputeStatus       DisputeStatus `json:"dispute_status"`
	DisputeRaisedBy     string        `json:"dispute_raised_by,omitempty"`
	// SettledToAgent and ReturnedToPayer record custody paid out outside
	// milestone releases (dispute resolution and emergency refund).
	SettledToAgent  int64     `json:"settled_to_agent"`
	ReturnedToPayer int64     `json:"returned_to_payer"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Remaining is the amount still in custody for this escrow.
func (e Escrow) Remaining() int64 {
	return e.TotalAmount - e.PaidAmount - e.SettledToAgent - e.ReturnedToPayer
}

// State derives the lifecycle state.
func (e Escrow) State() State {
	switch {
	case e.Cancelled:
		return StateCancelled
	case e.IsCompleted:
		return StateCompleted
	case e.DisputeStatus == DisputeOpen:
		return StateDisputed
	case e.DisputeStatus == DisputeResolvedFull:
		return StateResolvedFull
	case e.DisputeStatus == DisputeResolvedPartial:
		return StateResolvedPartial
	case e.DisputeStatus == DisputeRefunded:
		return StateRefunded
	default:
		return StateActive
	}
}

// payout returns the amount released for milestone index.
// The final milestone absorbs the truncation remainder.
func (e Escrow) payout(index int) int64 {
	if index == e.TotalMilestones-1 {
		return e.TotalAmount - e.PaidAmount
	}
	return e.TotalAmount / int64(e.TotalMilestones)
}

// WorkProof is the agent's evidence for one milestone.
type WorkProof struct {
	TaskID      string    `json:"task_id"`
	Index       int       `json:"index"`
	Agent       string    `json:"agent"`
	Hash        string    `json:"hash"`
	SubmittedAt time.Time `json:"submitted_at"`
	Verified    bool      `json:"verified"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
}

// Role is a privileged ledger capability.
type Role string

const (
	RoleVerifier Role = "verifier"
	RoleReleaser Role = "releaser"
	RoleMediator Role = "mediator"
	RoleAdmin    Role = "admin"
)

// AllRoles lists every role.
func AllRoles() []Role {
	return []Role{RoleVerifier, RoleReleaser, RoleMediator, RoleAdmin}
}

// Reputation bounds and adjustments.
const (
	InitialReputation = 50
	MaxReputation     = 100
	MinReputation     = 0
	SuccessDelta      = 5
	FailureDelta      = -10
)

func clampReputation(score int) int {
	return max(MinReputation, min(MaxReputation, score))
}

// Op names a ledger operation.
type Op string

const (
	OpCreateEscrow     Op = "create_escrow"
	OpSubmitProof      Op = "submit_proof"
	OpVerifyProof      Op = "verify_proof"
	OpReleaseMilestone Op = "release_milestone"
	OpRaiseDispute     Op = "raise_dispute"
	OpResolveDispute   Op = "resolve_dispute"
	OpEmergencyRefund  Op = "emergency_refund"
)
