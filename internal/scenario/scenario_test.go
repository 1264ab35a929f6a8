package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/node"
	"github.com/Iron-Ham/milestone/internal/workflow"
)

const sample = `
name: mixed
version: "1"
timeout_seconds: 20
tasks:
  - id: T1
    description: index the archive
    amount: 100
    milestones: 3
  - id: T2
    description: port the parser
    amount: 100
    milestones: 2
    fail_audit:
      1: missing test coverage
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if s.Name != "mixed" || s.TimeoutSeconds != 20 || len(s.Tasks) != 2 {
		t.Fatalf("scenario = %+v", s)
	}
	if got := s.Tasks[1].FailAudit[1]; got != "missing test coverage" {
		t.Errorf("FailAudit[1] = %q", got)
	}
}

func TestParse_DefaultTimeout(t *testing.T) {
	s, err := Parse([]byte("tasks:\n  - {id: A, amount: 10, milestones: 1}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %d, want %d", s.TimeoutSeconds, DefaultTimeoutSeconds)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"not yaml", "tasks: [", "parsing scenario file"},
		{"no tasks", "name: empty\n", "at least one task"},
		{"bad version", "version: \"2\"\ntasks:\n  - {id: A, amount: 1, milestones: 1}\n", "unsupported scenario version"},
		{"bad id", "tasks:\n  - {id: \"has space\", amount: 1, milestones: 1}\n", "invalid task id"},
		{"zero amount", "tasks:\n  - {id: A, amount: 0, milestones: 1}\n", "amount must be positive"},
		{"zero milestones", "tasks:\n  - {id: A, amount: 5, milestones: 0}\n", "milestones must be positive"},
		{"too many milestones", "tasks:\n  - {id: A, amount: 2, milestones: 3}\n", "cannot split"},
		{"fail index out of range", "tasks:\n  - {id: A, amount: 10, milestones: 2, fail_audit: {2: x}}\n", "out of range"},
		{"cancel out of range", "tasks:\n  - {id: A, amount: 10, milestones: 2, cancel_after: 2}\n", "cancel_after"},
		{"duplicate id", "tasks:\n  - {id: A, amount: 1, milestones: 1}\n  - {id: A, amount: 1, milestones: 1}\n", "duplicate task id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(s.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(s.Tasks))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestAuditor(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	a := NewAuditor(s)
	ctx := context.Background()

	v, _ := a.Audit(ctx, workflow.AuditRequest{TaskID: "T2", MilestoneIndex: 1, Content: "x"})
	if v.Passed || v.Reason != "missing test coverage" {
		t.Errorf("T2/1 verdict = %+v", v)
	}
	v, _ = a.Audit(ctx, workflow.AuditRequest{TaskID: "T1", MilestoneIndex: 1, Content: "x"})
	if !v.Passed {
		t.Errorf("T1/1 verdict = %+v", v)
	}
}

func newNode(t *testing.T, s *Scenario, performer workflow.Performer) *node.Node {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Logging.Enabled = false
	cfg.Ledger.Persist = false
	cfg.Mailbox.Journal = false

	n, err := node.New(context.Background(), cfg, node.Options{Auditor: NewAuditor(s), Performer: performer})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	t.Cleanup(n.Close)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return n
}

func TestRun(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	n := newNode(t, s, nil)

	report := Run(context.Background(), n, s)
	if len(report.Outcomes) != 2 || report.Settled() != 2 {
		t.Fatalf("report = %+v", report)
	}

	done := report.Outcomes[0]
	if done.TaskID != "T1" || done.State != workflow.StateTaskComplete || done.Paid != 100 || done.Error != "" {
		t.Errorf("T1 outcome = %+v", done)
	}
	disputed := report.Outcomes[1]
	if disputed.TaskID != "T2" || disputed.State != workflow.StateDisputeResolved {
		t.Errorf("T2 outcome = %+v", disputed)
	}
	if disputed.Paid != 50 || disputed.Returned != 50 {
		t.Errorf("T2 paid %d returned %d, want 50/50", disputed.Paid, disputed.Returned)
	}
}

func TestRun_CancelAfter(t *testing.T) {
	one := 1
	s := Single("C1", "slow job", 90, 3)
	s.Tasks[0].CancelAfter = &one

	// Milestones after the first never finish, so the cancel always lands
	// while the escrow is active.
	performer := workflow.PerformerFunc(func(ctx context.Context, req workflow.WorkRequest) (workflow.WorkOutput, error) {
		if req.MilestoneIndex > 0 {
			<-ctx.Done()
			return workflow.WorkOutput{}, ctx.Err()
		}
		return workflow.EchoPerformer{}.Perform(ctx, req)
	})
	n := newNode(t, s, performer)

	report := Run(context.Background(), n, s)
	out := report.Outcomes[0]
	if out.State != workflow.StateCancelled || out.Error != "" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Paid != 30 || out.Returned != 60 {
		t.Errorf("paid %d returned %d, want 30/60", out.Paid, out.Returned)
	}
	if got := n.Book.BalanceOf("client"); got != 10000-30 {
		t.Errorf("client balance = %d, want %d", got, 10000-30)
	}
}

func TestRun_OfferFailure(t *testing.T) {
	s := Single("X1", "", 10, 1)
	report := Run(context.Background(), failingTarget{}, s)
	if len(report.Outcomes) != 1 || report.Outcomes[0].Error == "" || report.Settled() != 0 {
		t.Errorf("report = %+v", report)
	}
}

type failingTarget struct{ Target }

func (failingTarget) Offer(string, string, int64, int) error {
	return context.Canceled
}

// stalledTarget reports every task stuck on a lost budget request.
type stalledTarget struct{ Target }

func (stalledTarget) Offer(string, string, int64, int) error { return nil }

func (stalledTarget) Wait(ctx context.Context, taskID string, done func(workflow.TaskStatus) bool) (workflow.TaskStatus, error) {
	s := workflow.TaskStatus{
		TaskID:    taskID,
		State:     workflow.StateBudgetPending,
		Stalled:   true,
		LastError: "budget.request: inbox full",
	}
	if !done(s) {
		return s, context.DeadlineExceeded
	}
	return s, nil
}

func (stalledTarget) Escrow(string) (ledger.Escrow, bool) { return ledger.Escrow{}, false }

func TestRun_StalledTaskReported(t *testing.T) {
	s := Single("S1", "", 10, 1)
	report := Run(context.Background(), stalledTarget{}, s)
	out := report.Outcomes[0]
	if !out.Stalled || out.State != workflow.StateBudgetPending || report.Settled() != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Error, "stalled: budget.request") {
		t.Errorf("Error = %q", out.Error)
	}
}
