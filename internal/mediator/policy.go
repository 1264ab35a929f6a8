package mediator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/ledger"
)

// Case is the evidence handed to a Policy.
type Case struct {
	TaskID string
	Raiser string
	Reason string
	Escrow ledger.Escrow
	Proofs []ledger.WorkProof

	// AuditFailed is set when the dispute follows a failed audit of
	// FailedMilestone.
	AuditFailed     bool
	FailedMilestone int
}

// Verdict is a policy decision.
type Verdict struct {
	Resolution ledger.Resolution `json:"resolution"`
	Rationale  string            `json:"rationale"`
}

// Policy decides an open dispute. Implementations must be deterministic for
// a given Case; the mediator never asks twice.
type Policy interface {
	Decide(ctx context.Context, c Case) (Verdict, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, c Case) (Verdict, error)

// Decide implements Policy.
func (f PolicyFunc) Decide(ctx context.Context, c Case) (Verdict, error) { return f(ctx, c) }

// RulePolicy is the default deterministic policy:
//
//   - the payer disputing after a failed audit is refunded;
//   - the agent disputing with every submitted proof verified is paid in full;
//   - anything else is split.
type RulePolicy struct{}

// Decide implements Policy.
func (RulePolicy) Decide(ctx context.Context, c Case) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	e := c.Escrow

	switch {
	case c.Raiser == e.Payer && c.AuditFailed:
		return Verdict{
			Resolution: ledger.ResolutionRefund,
			Rationale:  fmt.Sprintf("milestone %d failed audit; remaining funds return to the payer", c.FailedMilestone),
		}, nil

	case c.Raiser == e.Agent && !c.AuditFailed && allVerified(c.Proofs) && len(c.Proofs) > e.MilestonesCompleted:
		return Verdict{
			Resolution: ledger.ResolutionFull,
			Rationale:  fmt.Sprintf("%d verified proofs outstanding; agent is paid the remainder", len(c.Proofs)-e.MilestonesCompleted),
		}, nil
	}

	return Verdict{
		Resolution: ledger.ResolutionPartial,
		Rationale:  "evidence is inconclusive; remaining funds are split",
	}, nil
}

func allVerified(proofs []ledger.WorkProof) bool {
	for _, p := range proofs {
		if !p.Verified {
			return false
		}
	}
	return true
}

// Fixed always returns the same resolution.
type Fixed ledger.Resolution

// Decide implements Policy.
func (f Fixed) Decide(ctx context.Context, c Case) (Verdict, error) {
	return Verdict{Resolution: ledger.Resolution(f), Rationale: "fixed policy"}, ctx.Err()
}

// PolicyNames lists the names accepted by PolicyByName.
func PolicyNames() []string {
	return []string{"rules", "full", "partial", "refund"}
}

// PolicyByName returns the named policy.
func PolicyByName(name string) (Policy, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", "rules":
		return RulePolicy{}, nil
	case "full", "partial", "refund":
		r, err := ledger.ParseResolution(n)
		if err != nil {
			return nil, err
		}
		return Fixed(r), nil
	}
	return nil, errors.NewValidationError("unknown mediation policy").
		WithField("mediation.policy").WithValue(name)
}
