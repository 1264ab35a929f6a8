package mailbox

import (
	"errors"
	"testing"

	"github.com/Iron-Ham/milestone/internal/event"
)

func TestRouter_DirectDelivery(t *testing.T) {
	r := NewRouter()
	worker, err := r.Register("worker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("client"); err != nil {
		t.Fatal(err)
	}

	msg := New("client", "worker", TaskOffer{TaskID: "T1"})
	if err := r.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-worker:
		if got.ID != msg.ID {
			t.Errorf("got %s, want %s", got.ID, msg.ID)
		}
	default:
		t.Fatal("message not delivered")
	}
}

func TestRouter_BroadcastSkipsSender(t *testing.T) {
	r := NewRouter()
	client, _ := r.Register("client")
	worker, _ := r.Register("worker")
	auditor, _ := r.Register("auditor")

	if err := r.Send(Broadcast("client", TaskOffer{TaskID: "T1"})); err != nil {
		t.Fatal(err)
	}

	if len(client) != 0 {
		t.Error("sender received its own broadcast")
	}
	if len(worker) != 1 || len(auditor) != 1 {
		t.Errorf("broadcast delivery: worker=%d auditor=%d", len(worker), len(auditor))
	}
}

func TestRouter_FullInboxDrops(t *testing.T) {
	bus := event.NewBus()
	var dropped []event.MessageDroppedEvent
	bus.Subscribe(event.TypeMessageDropped, func(e event.Event) {
		dropped = append(dropped, e.(event.MessageDroppedEvent))
	})

	r := NewRouter(WithInboxSize(1), WithBus(bus))
	inbox, _ := r.Register("auditor")

	first := New("worker", "auditor", WorkResult{TaskID: "T1"})
	second := New("worker", "auditor", WorkResult{TaskID: "T1", MilestoneIndex: 1})
	if err := r.Send(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(second); err != nil {
		t.Fatalf("Send() on full inbox should not error, got %v", err)
	}

	if len(inbox) != 1 {
		t.Errorf("inbox len = %d, want 1", len(inbox))
	}
	if len(dropped) != 1 || dropped[0].MessageID != second.ID || dropped[0].To != "auditor" {
		t.Errorf("dropped = %+v", dropped)
	}
}

func TestRouter_ObserversSeeSendOrder(t *testing.T) {
	r := NewRouter()
	_, _ = r.Register("worker")

	var seen []MessageType
	r.Observe(func(m Message) { seen = append(seen, m.Type) })

	_ = r.Send(New("client", "worker", TaskOffer{TaskID: "T1"}))
	_ = r.Send(New("client", "worker", EscrowLocked{TaskID: "T1"}))

	if len(seen) != 2 || seen[0] != TypeTaskOffer || seen[1] != TypeEscrowLocked {
		t.Errorf("observed %v", seen)
	}
}

func TestRouter_Errors(t *testing.T) {
	r := NewRouter()
	if _, err := r.Register(""); err == nil {
		t.Error("empty participant name should fail")
	}
	if _, err := r.Register(BroadcastRecipient); err == nil {
		t.Error("broadcast is reserved")
	}

	err := r.Send(New("client", "ghost", TaskOffer{TaskID: "T1"}))
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("Send to unknown = %v, want ErrUnknownRecipient", err)
	}

	inbox, _ := r.Register("worker")
	again, _ := r.Register("worker")
	if inbox != again {
		t.Error("Register should be idempotent")
	}

	r.Close()
	r.Close()
	if _, ok := <-inbox; ok {
		t.Error("inbox should be closed")
	}
	if err := r.Send(New("client", "worker", TaskOffer{TaskID: "T1"})); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	if _, err := r.Register("late"); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Register after Close = %v", err)
	}
}

func TestRouter_JournalsToStore(t *testing.T) {
	store := NewStore(t.TempDir())
	r := NewRouter(WithStore(store))
	_, _ = r.Register("worker")

	_ = r.Send(New("client", "worker", TaskOffer{TaskID: "T1"}))
	_ = r.Send(Broadcast("client", TaskComplete{TaskID: "T1", TotalPaid: 100}))

	msgs, err := store.ReadAll("worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("journal has %d messages, want 2", len(msgs))
	}
	if p, ok := msgs[len(msgs)-1].Payload.(TaskComplete); !ok || p.TotalPaid != 100 {
		t.Errorf("journaled payload = %#v", msgs[len(msgs)-1].Payload)
	}
}
