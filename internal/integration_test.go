// Package internal contains integration tests that verify the coordinator's
// packages work together: ledger events on the bus reach the reputation view
// and the treasury while the participant network drives the workflow.
package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/node"
	"github.com/Iron-Ham/milestone/internal/workflow"
)

type recorder struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[e.EventType()]++
	r.order = append(r.order, e.EventType())
}

func (r *recorder) count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t]
}

func (r *recorder) first(types ...string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.order {
		for _, t := range types {
			if seen == t {
				return seen
			}
		}
	}
	return ""
}

func startNode(t *testing.T, auditor workflow.Auditor) (*node.Node, *recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Logging.Enabled = false
	cfg.Ledger.Persist = false
	cfg.Mailbox.Journal = false
	cfg.Budget.Limit = 1000

	n, err := node.New(context.Background(), cfg, node.Options{Auditor: auditor})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	t.Cleanup(n.Close)

	rec := &recorder{counts: make(map[string]int)}
	n.Bus.SubscribeAll(rec.handle)

	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return n, rec
}

func runTask(t *testing.T, n *node.Node, id string, amount int64, milestones int) workflow.TaskStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Offer(id, "integration", amount, milestones); err != nil {
		t.Fatal(err)
	}
	status, err := n.Wait(ctx, id, func(s workflow.TaskStatus) bool { return s.State.IsTerminal() || s.Escalated })
	if err != nil {
		t.Fatalf("waiting for %s: %v (state %s)", id, err, status.State)
	}
	return status
}

// TestEventBusIntegration checks that a completed task publishes the ledger's
// events in order and that every subscriber saw them.
func TestEventBusIntegration(t *testing.T) {
	n, rec := startNode(t, nil)

	status := runTask(t, n, "T1", 90, 3)
	if status.State != workflow.StateTaskComplete {
		t.Fatalf("state = %s, last error %q", status.State, status.LastError)
	}

	want := map[string]int{
		event.TypeEscrowCreated:     1,
		event.TypeProofSubmitted:    3,
		event.TypeProofVerified:     3,
		event.TypeMilestoneReleased: 3,
		event.TypeEscrowCompleted:   1,
		event.TypeReputationUpdated: 2, // initialized, then completed
		event.TypeDisputeRaised:     0,
	}
	for typ, n := range want {
		if got := rec.count(typ); got != n {
			t.Errorf("%s published %d times, want %d", typ, got, n)
		}
	}
	if got := rec.first(event.TypeEscrowCreated, event.TypeProofSubmitted); got != event.TypeEscrowCreated {
		t.Errorf("first ledger event = %q, want %s", got, event.TypeEscrowCreated)
	}
	if rec.count(event.TypeWorkflowTransition) == 0 {
		t.Error("coordinator published no workflow.transition events")
	}
	if rec.count(event.TypeMessageSent) == 0 {
		t.Error("router published no message.sent events")
	}

	if score, _ := n.Reputation.Score("worker"); score != 55 {
		t.Errorf("tracked reputation = %d, want 55", score)
	}
	if s := n.Budget.Summary(); s.Committed != 90 || s.Remaining != 910 {
		t.Errorf("budget = %+v", s)
	}
}

// TestDisputeIntegration checks the dispute path end to end: a failed audit
// is disputed, refunded by the rules policy, and the refund returns to both
// the client's balance and the treasury's budget.
func TestDisputeIntegration(t *testing.T) {
	n, rec := startNode(t, workflow.StaticAuditor{FailOn: map[int]string{0: "wrong output"}})

	status := runTask(t, n, "T2", 100, 2)
	if status.State != workflow.StateDisputeResolved {
		t.Fatalf("state = %s, last error %q", status.State, status.LastError)
	}
	if rec.count(event.TypeDisputeRaised) != 1 || rec.count(event.TypeDisputeResolved) != 1 {
		t.Errorf("dispute events raised=%d resolved=%d", rec.count(event.TypeDisputeRaised), rec.count(event.TypeDisputeResolved))
	}
	if rec.count(event.TypeEscrowCompleted) != 0 || rec.count(event.TypeMilestoneReleased) != 0 {
		t.Error("a disputed task must not complete or release")
	}

	e, ok := n.Escrow("T2")
	if !ok || e.ReturnedToPayer != 100 || e.Remaining() != 0 {
		t.Fatalf("escrow = %+v", e)
	}
	if got := n.Book.BalanceOf("client"); got != 10000 {
		t.Errorf("client balance = %d, want 10000", got)
	}
	if score, _ := n.Reputation.Score("worker"); score != 40 {
		t.Errorf("tracked reputation = %d, want 40", score)
	}
	if s := n.Budget.Summary(); s.Committed != 0 {
		t.Errorf("budget committed = %d after refund, want 0", s.Committed)
	}
}
