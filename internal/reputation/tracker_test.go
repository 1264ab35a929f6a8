package reputation

import (
	"context"
	"testing"

	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/token"
)

func TestTracker_FollowsEvents(t *testing.T) {
	bus := event.NewBus()
	tr := NewTracker()
	tr.Attach(bus)

	bus.Publish(event.NewReputationUpdatedEvent("a", 50, 50, "initialized"))
	bus.Publish(event.NewReputationUpdatedEvent("a", 50, 55, "escrow completed"))
	bus.Publish(event.NewReputationUpdatedEvent("b", 50, 40, "refunded"))
	bus.Publish(event.NewDisputeRaisedEvent("T1", "b"))

	if s, ok := tr.Score("a"); !ok || s != 55 {
		t.Errorf("Score(a) = %d, %v", s, ok)
	}
	if h := tr.History("a"); len(h) != 2 || h[1].Reason != "escrow completed" {
		t.Errorf("History(a) = %+v", h)
	}

	tr.Detach()
	bus.Publish(event.NewReputationUpdatedEvent("a", 55, 60, "late"))
	if s, _ := tr.Score("a"); s != 55 {
		t.Errorf("detached tracker still updating: %d", s)
	}
}

func TestTracker_Ranked(t *testing.T) {
	tr := NewTracker()
	tr.Seed(map[string]int{"carol": 70, "alice": 70, "bob": 90, "dave": 10})

	got := tr.Ranked()
	want := []string{"bob", "alice", "carol", "dave"}
	for i, e := range got {
		if e.Agent != want[i] {
			t.Fatalf("Ranked() = %+v, want order %v", got, want)
		}
	}

	top := tr.Top(2, 50)
	if len(top) != 2 || top[0].Agent != "bob" || top[1].Agent != "alice" {
		t.Errorf("Top(2, 50) = %+v", top)
	}
	if top := tr.Top(10, 60); len(top) != 3 {
		t.Errorf("Top(10, 60) = %+v", top)
	}
}

func TestTracker_MatchesLedger(t *testing.T) {
	ctx := context.Background()
	book := token.NewBook()
	if err := book.Credit("payer", 100); err != nil {
		t.Fatal(err)
	}
	if err := book.Approve("payer", ledger.DefaultCustody, 100); err != nil {
		t.Fatal(err)
	}
	bus := event.NewBus()
	tr := NewTracker()
	tr.Attach(bus)

	l := ledger.New(book, ledger.WithBus(bus))
	l.Grant(ledger.RoleMediator, "mediator")
	if _, err := l.CreateEscrow(ctx, "payer", "T1", "agent", 100, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RaiseDispute(ctx, "payer", "T1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ResolveDispute(ctx, "mediator", "T1", ledger.ResolutionRefund); err != nil {
		t.Fatal(err)
	}

	want, _ := l.Reputation("agent")
	if got, ok := tr.Score("agent"); !ok || got != want || got != 40 {
		t.Errorf("tracker score = %d, ledger = %d, want 40", got, want)
	}
}
