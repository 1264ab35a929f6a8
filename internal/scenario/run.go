package scenario

import (
	"context"
	"time"

	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/workflow"
	"github.com/sourcegraph/conc/iter"
)

// Auditor fails the milestones each task's FailAudit lists.
type Auditor struct {
	failOn map[string]map[int]string
}

// NewAuditor builds the auditor for s.
func NewAuditor(s *Scenario) *Auditor {
	a := &Auditor{failOn: make(map[string]map[int]string)}
	for _, t := range s.Tasks {
		if len(t.FailAudit) > 0 {
			a.failOn[t.ID] = t.FailAudit
		}
	}
	return a
}

// Audit implements workflow.Auditor.
func (a *Auditor) Audit(ctx context.Context, req workflow.AuditRequest) (workflow.AuditVerdict, error) {
	return workflow.StaticAuditor{FailOn: a.failOn[req.TaskID]}.Audit(ctx, req)
}

// Target is what a scenario runs against. *node.Node satisfies it through
// its Network and Ledger.
type Target interface {
	Offer(taskID, description string, amount int64, milestones int) error
	Cancel(ctx context.Context, taskID, reason string) error
	Wait(ctx context.Context, taskID string, done func(workflow.TaskStatus) bool) (workflow.TaskStatus, error)
	Escrow(taskID string) (ledger.Escrow, bool)
}

// Outcome is how one task ended.
type Outcome struct {
	TaskID     string         `json:"task_id"`
	State      workflow.State `json:"state"`
	Escalated  bool           `json:"escalated,omitempty"`
	Stalled    bool           `json:"stalled,omitempty"`
	Steps      int            `json:"steps"`
	Amount     int64          `json:"amount"`
	Paid       int64          `json:"paid"`
	Returned   int64          `json:"returned"`
	Error      string         `json:"error,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Settled reports whether the task reached a terminal state.
func (o Outcome) Settled() bool {
	return o.State.IsTerminal()
}

// Report is the result of a whole run.
type Report struct {
	Name     string    `json:"name"`
	Outcomes []Outcome `json:"outcomes"`
}

// Settled counts the outcomes that reached a terminal state.
func (r Report) Settled() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Settled() {
			n++
		}
	}
	return n
}

// Run offers every task in order and then follows them concurrently until
// each settles, escalates to manual mediation, stalls on a lost message, or
// times out.
func Run(ctx context.Context, target Target, s *Scenario) Report {
	type job struct {
		task    Task
		offered error
	}
	jobs := make([]job, len(s.Tasks))
	for i, t := range s.Tasks {
		jobs[i] = job{task: t, offered: target.Offer(t.ID, t.Description, t.Amount, t.Milestones)}
	}

	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	return Report{
		Name: s.Name,
		Outcomes: iter.Map(jobs, func(j *job) Outcome {
			if j.offered != nil {
				return Outcome{TaskID: j.task.ID, Amount: j.task.Amount, Error: j.offered.Error()}
			}
			return follow(ctx, target, j.task, timeout)
		}),
	}
}

func follow(ctx context.Context, target Target, t Task, timeout time.Duration) Outcome {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out := Outcome{TaskID: t.ID, Amount: t.Amount}

	if t.CancelAfter != nil {
		if _, err := target.Wait(ctx, t.ID, released(*t.CancelAfter)); err != nil {
			out.Error = err.Error()
		} else if err := target.Cancel(ctx, t.ID, "scenario cancel"); err != nil {
			out.Error = err.Error()
		}
	}

	status, err := target.Wait(ctx, t.ID, func(s workflow.TaskStatus) bool {
		return s.State.IsTerminal() || s.Escalated || s.Stalled
	})
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	out.State = status.State
	out.Escalated = status.Escalated
	out.Stalled = status.Stalled && !status.State.IsTerminal()
	if out.Stalled && out.Error == "" {
		out.Error = "stalled: " + status.LastError
	}
	out.Steps = len(status.History)
	out.LastError = status.LastError
	if e, ok := target.Escrow(t.ID); ok {
		out.Paid = e.PaidAmount
		out.Returned = e.ReturnedToPayer
	}
	out.DurationMs = time.Since(start).Milliseconds()
	return out
}

// released is satisfied once the escrow is locked and n milestones have been
// released, or the task can no longer get there.
func released(n int) func(workflow.TaskStatus) bool {
	return func(s workflow.TaskStatus) bool {
		if s.State.IsTerminal() || s.Stalled || s.State == workflow.StateDisputeRaised || s.State == workflow.StateMediationPending {
			return true
		}
		locked, count := false, 0
		for _, tr := range s.History {
			switch tr.To {
			case workflow.StateEscrowLocked:
				locked = true
			case workflow.StateMilestoneRelease:
				count++
			}
		}
		return locked && count >= n
	}
}
