package workflow

import (
	"fmt"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/mailbox"
)

// State is a task's position in the protocol.
type State string

const (
	StateDiscovering      State = "DISCOVERING"
	StateNegotiated       State = "NEGOTIATED"
	StateBudgetPending    State = "BUDGET_PENDING"
	StateBudgetApproved   State = "BUDGET_APPROVED"
	StateBudgetRejected   State = "BUDGET_REJECTED"
	StateEscrowPending    State = "ESCROW_PENDING"
	StateEscrowLocked     State = "ESCROW_LOCKED"
	StateWorkInProgress   State = "WORK_IN_PROGRESS"
	StateAuditPending     State = "AUDIT_PENDING"
	StateAuditPassed      State = "AUDIT_PASSED"
	StateAuditFailed      State = "AUDIT_FAILED"
	StateProofSubmitted   State = "PROOF_SUBMITTED"
	StateProofVerified    State = "PROOF_VERIFIED"
	StateMilestoneRelease State = "MILESTONE_RELEASED"
	StateTaskComplete     State = "TASK_COMPLETE"
	StateDisputeRaised    State = "DISPUTE_RAISED"
	StateMediationPending State = "MEDIATION_PENDING"
	StateDisputeResolved  State = "DISPUTE_RESOLVED"
	StateCancelled        State = "CANCELLED"
)

// Once the escrow is locked, a dispute or an emergency refund can cut the
// milestone loop short. After MEDIATION_PENDING only the verdict or a
// refund can follow.
var allowedTransitions = map[State]map[State]struct{}{
	StateDiscovering: {
		StateNegotiated: {},
	},
	StateNegotiated: {
		StateBudgetPending: {},
	},
	StateBudgetPending: {
		StateBudgetApproved: {},
		StateBudgetRejected: {},
	},
	StateBudgetApproved: {
		StateEscrowPending: {},
	},
	StateEscrowPending: {
		StateEscrowLocked: {},
	},
	StateEscrowLocked: {
		StateWorkInProgress: {},
		StateDisputeRaised:  {},
		StateCancelled:      {},
	},
	StateWorkInProgress: {
		StateAuditPending:  {},
		StateDisputeRaised: {},
		StateCancelled:     {},
	},
	StateAuditPending: {
		StateAuditPassed:   {},
		StateAuditFailed:   {},
		StateDisputeRaised: {},
		StateCancelled:     {},
	},
	StateAuditPassed: {
		StateProofSubmitted: {},
		StateDisputeRaised:  {},
		StateCancelled:      {},
	},
	StateAuditFailed: {
		StateDisputeRaised: {},
		StateCancelled:     {},
	},
	StateProofSubmitted: {
		StateProofVerified: {},
		StateDisputeRaised: {},
		StateCancelled:     {},
	},
	StateProofVerified: {
		StateMilestoneRelease: {},
		StateDisputeRaised:    {},
		StateCancelled:        {},
	},
	StateMilestoneRelease: {
		StateWorkInProgress: {},
		StateTaskComplete:   {},
		StateDisputeRaised:  {},
		StateCancelled:      {},
	},
	StateDisputeRaised: {
		StateMediationPending: {},
		StateCancelled:        {},
	},
	StateMediationPending: {
		StateDisputeResolved: {},
		StateCancelled:       {},
	},
	StateBudgetRejected:  {},
	StateTaskComplete:    {},
	StateDisputeResolved: {},
	StateCancelled:       {},
}

// ValidateState returns an error for unknown states.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid workflow state: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from may advance to to.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// transitionsByType maps message types that always land in the same state.
var transitionsByType = map[mailbox.MessageType]State{
	mailbox.TypeTaskOffer:          StateDiscovering,
	mailbox.TypeTaskAccept:         StateNegotiated,
	mailbox.TypeBudgetRequest:      StateBudgetPending,
	mailbox.TypeEscrowPending:      StateEscrowPending,
	mailbox.TypeEscrowLocked:       StateEscrowLocked,
	mailbox.TypeWorkStarted:        StateWorkInProgress,
	mailbox.TypeWorkResult:         StateAuditPending,
	mailbox.TypeProofSubmitted:     StateProofSubmitted,
	mailbox.TypeProofVerified:      StateProofVerified,
	mailbox.TypeMilestoneReleased:  StateMilestoneRelease,
	mailbox.TypeTaskComplete:       StateTaskComplete,
	mailbox.TypeDisputeRaised:      StateDisputeRaised,
	mailbox.TypeMediationRequested: StateMediationPending,
	mailbox.TypeDisputeResolved:    StateDisputeResolved,
	mailbox.TypeEscrowCancelled:    StateCancelled,
}

// nextState maps an observed message to the state it moves its task into.
// ok is false for messages that carry no state change.
func nextState(msg mailbox.Message) (State, bool) {
	switch p := msg.Payload.(type) {
	case mailbox.BudgetDecision:
		return budgetState(p.Approved), true
	case mailbox.AuditResult:
		return auditState(p.Passed), true
	}
	s, ok := transitionsByType[msg.Type]
	return s, ok
}

func budgetState(approved bool) State {
	if approved {
		return StateBudgetApproved
	}
	return StateBudgetRejected
}

func auditState(passed bool) State {
	if passed {
		return StateAuditPassed
	}
	return StateAuditFailed
}

// milestoneOf returns the milestone index a message refers to, if any.
func milestoneOf(msg mailbox.Message) (int, bool) {
	switch p := msg.Payload.(type) {
	case mailbox.WorkStarted:
		return p.MilestoneIndex, true
	case mailbox.WorkResult:
		return p.MilestoneIndex, true
	case mailbox.AuditResult:
		return p.MilestoneIndex, true
	case mailbox.ProofSubmitted:
		return p.MilestoneIndex, true
	case mailbox.ProofVerified:
		return p.MilestoneIndex, true
	case mailbox.MilestoneReleased:
		return p.MilestoneIndex, true
	}
	return 0, false
}
