package executor

import (
	"fmt"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/ledger"
)

// View is the read side of the ledger used for preflight.
type View interface {
	Custody() string
	Escrow(taskID string) (ledger.Escrow, bool)
	Proof(taskID string, index int) (ledger.WorkProof, bool)
	HasRole(role ledger.Role, account string) bool
}

// Funds reports token balances for preflight.
type Funds interface {
	BalanceOf(account string) int64
	Allowance(owner, spender string) int64
}

// preflight rejects requests that the ledger would certainly revert. It reads
// a snapshot, so passing preflight does not guarantee the ledger accepts.
func (e *Executor) preflight(r Request) error {
	if !taskIDPattern.MatchString(r.TaskID) {
		return errors.NewValidationError("malformed task id").WithField("task_id").WithValue(r.TaskID)
	}

	if r.Op == ledger.OpCreateEscrow {
		return e.preflightCreate(r)
	}

	if role, ok := requiredRole(r.Op); ok && !e.view.HasRole(role, e.signer) {
		return fmt.Errorf("%s lacks role %s: %w", e.signer, role, errors.ErrUnauthorized)
	}
	esc, ok := e.view.Escrow(r.TaskID)
	if !ok {
		return errors.ErrEscrowNotFound
	}

	switch r.Op {
	case ledger.OpSubmitProof:
		if !esc.IsActive {
			return errors.ErrNotActive
		}
		if e.signer != esc.Agent {
			return fmt.Errorf("only the agent may submit proofs: %w", errors.ErrUnauthorized)
		}
		if r.Index < 0 || r.Index >= esc.TotalMilestones {
			return errors.ErrInvalidIndex
		}
		if _, exists := e.view.Proof(r.TaskID, r.Index); exists {
			return errors.ErrDuplicateProof
		}
		if r.ProofHash == "" {
			return errors.NewValidationError("work hash is required").WithField("hash")
		}

	case ledger.OpVerifyProof:
		p, exists := e.view.Proof(r.TaskID, r.Index)
		if !exists {
			return errors.ErrNoProof
		}
		if p.Verified {
			return errors.ErrAlreadyVerified
		}

	case ledger.OpReleaseMilestone:
		if !esc.IsActive {
			return errors.ErrNotActive
		}
		if esc.DisputeStatus != ledger.DisputeNone {
			return errors.ErrInDispute
		}
		if r.Index != esc.MilestonesCompleted {
			return fmt.Errorf("index %d, next is %d: %w", r.Index, esc.MilestonesCompleted, errors.ErrSequenceError)
		}

	case ledger.OpRaiseDispute:
		if !esc.IsActive {
			return errors.ErrNotActive
		}
		if e.signer != esc.Payer && e.signer != esc.Agent {
			return fmt.Errorf("only the payer or agent may dispute: %w", errors.ErrUnauthorized)
		}
		if esc.DisputeStatus != ledger.DisputeNone {
			return errors.ErrAlreadyDisputed
		}

	case ledger.OpResolveDispute:
		if _, err := ledger.ParseResolution(string(r.Resolution)); err != nil {
			return err
		}
		if !esc.IsActive {
			return errors.ErrNotActive
		}
		if esc.DisputeStatus != ledger.DisputeOpen {
			return errors.ErrNoOpenDispute
		}

	case ledger.OpEmergencyRefund:
		if !esc.IsActive {
			return errors.ErrNotActive
		}

	default:
		return errors.NewValidationError("unknown operation").WithField("op").WithValue(string(r.Op))
	}
	return nil
}

func (e *Executor) preflightCreate(r Request) error {
	if r.Agent == "" || r.Agent == e.signer || r.Agent == e.view.Custody() {
		return fmt.Errorf("agent %q: %w", r.Agent, errors.ErrInvalidAgent)
	}
	if r.Amount <= 0 {
		return errors.ErrInvalidAmount
	}
	if r.Milestones < 1 {
		return errors.ErrInvalidMilestoneCount
	}
	if _, exists := e.view.Escrow(r.TaskID); exists {
		return errors.ErrDuplicateTask
	}
	if bal := e.funds.BalanceOf(e.signer); bal < r.Amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", e.signer, bal, r.Amount, errors.ErrInsufficientBalance)
	}
	if allowed := e.funds.Allowance(e.signer, e.view.Custody()); allowed < r.Amount {
		return fmt.Errorf("custody may pull %d, needs %d: %w", allowed, r.Amount, errors.ErrInsufficientAllowance)
	}
	return nil
}

func requiredRole(op ledger.Op) (ledger.Role, bool) {
	switch op {
	case ledger.OpVerifyProof:
		return ledger.RoleVerifier, true
	case ledger.OpReleaseMilestone:
		return ledger.RoleReleaser, true
	case ledger.OpResolveDispute:
		return ledger.RoleMediator, true
	case ledger.OpEmergencyRefund:
		return ledger.RoleAdmin, true
	}
	return "", false
}
