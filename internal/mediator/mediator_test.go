package mediator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/executor"
	"github.com/Iron-Ham/milestone/internal/ledger"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []executor.Request
	fail     error
	block    chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, r executor.Request) (*executor.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.fail != nil {
		return nil, f.fail
	}
	return &executor.Outcome{Attempts: 1}, nil
}

func countingPolicy(v Verdict, calls *atomic.Int32) Policy {
	return PolicyFunc(func(ctx context.Context, c Case) (Verdict, error) {
		calls.Add(1)
		return v, nil
	})
}

func testCase() Case {
	return Case{
		TaskID: "T1",
		Raiser: "payer",
		Escrow: ledger.Escrow{TaskID: "T1", Payer: "payer", Agent: "agent", TotalAmount: 100, TotalMilestones: 2},
	}
}

func TestRulePolicy(t *testing.T) {
	esc := ledger.Escrow{Payer: "payer", Agent: "agent", TotalMilestones: 3, MilestonesCompleted: 1}
	verified := []ledger.WorkProof{{Index: 0, Verified: true}, {Index: 1, Verified: true}}
	unverified := []ledger.WorkProof{{Index: 0, Verified: true}, {Index: 1}}

	tests := []struct {
		name string
		c    Case
		want ledger.Resolution
	}{
		{"payer after failed audit", Case{Raiser: "payer", Escrow: esc, AuditFailed: true, FailedMilestone: 1}, ledger.ResolutionRefund},
		{"agent with verified work outstanding", Case{Raiser: "agent", Escrow: esc, Proofs: verified}, ledger.ResolutionFull},
		{"agent with unverified work", Case{Raiser: "agent", Escrow: esc, Proofs: unverified}, ledger.ResolutionPartial},
		{"agent with nothing outstanding", Case{Raiser: "agent", Escrow: esc, Proofs: verified[:1]}, ledger.ResolutionPartial},
		{"agent after failed audit", Case{Raiser: "agent", Escrow: esc, Proofs: verified, AuditFailed: true}, ledger.ResolutionPartial},
		{"payer without audit failure", Case{Raiser: "payer", Escrow: esc}, ledger.ResolutionPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := RulePolicy{}.Decide(context.Background(), tt.c)
			if err != nil {
				t.Fatal(err)
			}
			if v.Resolution != tt.want || v.Rationale == "" {
				t.Errorf("verdict = %+v, want %s", v, tt.want)
			}
		})
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range PolicyNames() {
		if _, err := PolicyByName(name); err != nil {
			t.Errorf("PolicyByName(%q) = %v", name, err)
		}
	}
	p, _ := PolicyByName("REFUND")
	if v, _ := p.Decide(context.Background(), Case{}); v.Resolution != ledger.ResolutionRefund {
		t.Errorf("refund policy returned %s", v.Resolution)
	}
	if _, err := PolicyByName("coin-flip"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown policy err = %v", err)
	}
}

func TestMediate_AppliesOnce(t *testing.T) {
	var calls atomic.Int32
	sub := &fakeSubmitter{}
	m := New(countingPolicy(Verdict{Resolution: ledger.ResolutionRefund, Rationale: "r"}, &calls), sub)

	rec, err := m.Mediate(context.Background(), testCase())
	if err != nil {
		t.Fatalf("Mediate: %v", err)
	}
	if !rec.Applied || rec.Verdict.Resolution != ledger.ResolutionRefund || rec.Outcome == nil {
		t.Errorf("record = %+v", rec)
	}
	if len(sub.requests) != 1 || sub.requests[0].Op != ledger.OpResolveDispute || sub.requests[0].Resolution != ledger.ResolutionRefund {
		t.Errorf("requests = %+v", sub.requests)
	}

	again, err := m.Mediate(context.Background(), testCase())
	if !errors.Is(err, errors.ErrAlreadyMediated) {
		t.Fatalf("second Mediate err = %v, want ErrAlreadyMediated", err)
	}
	if again.Verdict != rec.Verdict {
		t.Errorf("second call returned a different verdict: %+v", again.Verdict)
	}
	if calls.Load() != 1 || len(sub.requests) != 1 {
		t.Errorf("policy calls=%d submits=%d, want 1/1", calls.Load(), len(sub.requests))
	}
}

func TestMediate_ReappliesRememberedVerdict(t *testing.T) {
	var calls atomic.Int32
	sub := &fakeSubmitter{fail: errors.ErrChainUnavailable}
	m := New(countingPolicy(Verdict{Resolution: ledger.ResolutionPartial}, &calls), sub)

	rec, err := m.Mediate(context.Background(), testCase())
	if !errors.Is(err, errors.ErrChainUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if rec.Applied || rec.Verdict.Resolution != ledger.ResolutionPartial {
		t.Errorf("record after failed apply = %+v", rec)
	}

	sub.fail = nil
	rec, err = m.Mediate(context.Background(), testCase())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Applied || calls.Load() != 1 {
		t.Errorf("applied=%v policy calls=%d, want true/1", rec.Applied, calls.Load())
	}
	if len(sub.requests) != 2 || sub.requests[1].Resolution != ledger.ResolutionPartial {
		t.Errorf("requests = %+v", sub.requests)
	}
}

func TestMediate_TimeoutEscalates(t *testing.T) {
	slow := PolicyFunc(func(ctx context.Context, c Case) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	})
	var escalated []string
	bus := event.NewBus()
	var events []event.MediationEscalatedEvent
	bus.Subscribe(event.TypeMediationEscalated, func(e event.Event) {
		events = append(events, e.(event.MediationEscalatedEvent))
	})
	sub := &fakeSubmitter{}
	m := New(slow, sub,
		WithTimeout(10*time.Millisecond),
		WithBus(bus),
		WithEscalation(func(taskID, raiser string, timeout time.Duration) {
			escalated = append(escalated, taskID+"/"+raiser)
		}))

	_, err := m.Mediate(context.Background(), testCase())
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if len(escalated) != 1 || escalated[0] != "T1/payer" || len(events) != 1 {
		t.Errorf("escalated = %v events = %d", escalated, len(events))
	}
	if len(sub.requests) != 0 {
		t.Error("nothing should be applied after a timeout")
	}
	if _, ok := m.Record("T1"); ok {
		t.Error("a timed-out decision must not be remembered")
	}
}

func TestMediate_InFlight(t *testing.T) {
	sub := &fakeSubmitter{block: make(chan struct{})}
	m := New(Fixed(ledger.ResolutionFull), sub)

	done := make(chan error, 1)
	go func() {
		_, err := m.Mediate(context.Background(), testCase())
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := m.Record("T1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first mediation never decided")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := m.Mediate(context.Background(), testCase()); !errors.Is(err, errors.ErrMediationInFlight) {
		t.Errorf("concurrent Mediate err = %v, want ErrMediationInFlight", err)
	}
	close(sub.block)
	if err := <-done; err != nil {
		t.Errorf("first Mediate = %v", err)
	}
}

func TestMediate_InvalidVerdict(t *testing.T) {
	m := New(Fixed("HALF"), &fakeSubmitter{})
	if _, err := m.Mediate(context.Background(), testCase()); !errors.Is(err, errors.ErrInvalidResolution) {
		t.Errorf("err = %v, want ErrInvalidResolution", err)
	}
}

func TestMediate_PolicyPanic(t *testing.T) {
	sub := &fakeSubmitter{}
	m := New(PolicyFunc(func(ctx context.Context, c Case) (Verdict, error) {
		panic("boom")
	}), sub)
	_, err := m.Mediate(context.Background(), testCase())
	if err == nil || !strings.Contains(err.Error(), "mediation policy panicked: boom") {
		t.Fatalf("err = %v, want the recovered panic", err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		t.Error("a panic must not be reported as a timeout")
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.requests) != 0 {
		t.Errorf("submitted %d requests after a panic", len(sub.requests))
	}
}
