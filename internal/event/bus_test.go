package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/milestone/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeEscrowCreated, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_PublishDeliversTypedEvent(t *testing.T) {
	bus := NewBus()

	var got EscrowCreatedEvent
	bus.Subscribe(TypeEscrowCreated, func(e Event) {
		got = e.(EscrowCreatedEvent)
	})

	bus.Publish(NewEscrowCreatedEvent("T1", "payer", "agent", 100, 2))

	if got.TaskID != "T1" || got.Amount != 100 || got.Milestones != 2 {
		t.Errorf("received %+v", got)
	}
	if got.EventTaskID() != "T1" {
		t.Errorf("EventTaskID() = %q", got.EventTaskID())
	}
	if got.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(TypeDisputeRaised, func(e Event) {
		t.Error("Handler should not be called for non-matching event type")
	})

	bus.Publish(NewProofVerifiedEvent("T1", 0, "operator"))
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(TypeDisputeRaised, func(e Event) { order = append(order, "first") })
	bus.Subscribe(TypeDisputeRaised, func(e Event) { order = append(order, "second") })

	bus.Publish(NewDisputeRaisedEvent("T1", "payer"))

	if strings.Join(order, ",") != "first,second,all" {
		t.Errorf("order = %v", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	id := bus.Subscribe(TypeEscrowRefunded, func(e Event) { calls++ })
	keep := bus.Subscribe(TypeEscrowRefunded, func(e Event) { calls += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should report false")
	}

	bus.Publish(NewEscrowRefundedEvent("T1", "payer", 50))
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
	if keep == id {
		t.Error("subscription IDs must be unique")
	}
}

func TestBus_PanicIsRecoveredAndLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewWriterLogger(&buf, logging.LevelDebug)))

	delivered := false
	bus.Subscribe(TypeMilestoneReleased, func(e Event) { panic("boom") })
	bus.Subscribe(TypeMilestoneReleased, func(e Event) { delivered = true })

	bus.Publish(NewMilestoneReleasedEvent("T1", 0, "agent", 50))

	if !delivered {
		t.Error("a panicking handler blocked later handlers")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypeEscrowCreated, func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			bus.Publish(NewReputationUpdatedEvent("agent", 50, 55, "milestone completed"))
		})
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestTaskScopedEvents(t *testing.T) {
	events := []TaskScoped{
		NewEscrowCreatedEvent("T1", "p", "a", 1, 1),
		NewProofSubmittedEvent("T1", 0, "a", "h"),
		NewProofVerifiedEvent("T1", 0, "v"),
		NewMilestoneReleasedEvent("T1", 0, "a", 1),
		NewEscrowCompletedEvent("T1", "a", 1),
		NewDisputeRaisedEvent("T1", "p"),
		NewDisputeResolvedEvent("T1", "REFUND", 0, 1),
		NewEscrowRefundedEvent("T1", "p", 1),
		NewWorkflowTransitionEvent("T1", "A", "B", "m"),
		NewExecutionFailedEvent("T1", "op", "s", "chain", "msg", 5),
		NewMediationEscalatedEvent("T1", "p", 0),
		NewMessageDroppedEvent("m1", "work.result", "T1", "auditor"),
	}
	for _, e := range events {
		if e.EventTaskID() != "T1" {
			t.Errorf("%s: EventTaskID() = %q", e.EventType(), e.EventTaskID())
		}
		if !strings.Contains(e.EventType(), ".") {
			t.Errorf("event type %q does not follow category.action", e.EventType())
		}
	}
}
