package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/mailbox"
)

type seen struct {
	msg   mailbox.Message
	state int
}

func next(t *testing.T, ch <-chan seen) seen {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
		return seen{}
	}
}

func TestScheduler_ReportsFailures(t *testing.T) {
	router := mailbox.NewRouter()
	s := NewScheduler(router, nil)

	got := make(chan seen, 16)
	h := HandlerFunc[int](func(ctx context.Context, st int, msg mailbox.Message) (int, []mailbox.Message, error) {
		got <- seen{msg: msg, state: st}
		switch msg.Type {
		case mailbox.TypeTaskAccept:
			panic("boom")
		case mailbox.TypeBudgetRequest:
			return st + 1, nil, errors.NewExecutionError("create_escrow", errors.ErrInsufficientAllowance).
				WithTaskID(msg.TaskID).
				WithAttempts(1)
		}
		return st + 1, nil, nil
	})
	if err := s.Add(Participant[int]("p", h, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		router.Close()
	})

	// A panicking handler keeps its previous state and is told about it.
	if err := router.Send(mailbox.New("tester", "p", mailbox.TaskAccept{TaskID: "T1", Agent: "w"})); err != nil {
		t.Fatal(err)
	}
	if d := next(t, got); d.msg.Type != mailbox.TypeTaskAccept || d.state != 0 {
		t.Fatalf("first dispatch = %s state %d", d.msg.Type, d.state)
	}
	report := next(t, got)
	if report.msg.Type != mailbox.TypeExecutionFailed || report.state != 0 {
		t.Fatalf("second dispatch = %s state %d", report.msg.Type, report.state)
	}
	failed := report.msg.Payload.(mailbox.ExecutionFailed)
	if failed.TaskID != "T1" || failed.Category != "fatal" || failed.Operation != "handle task.accept" {
		t.Errorf("panic report = %+v", failed)
	}
	if report.msg.From != "p" || report.msg.To != "p" {
		t.Errorf("report routed %s -> %s", report.msg.From, report.msg.To)
	}

	// Errors carry the execution error's details.
	if err := router.Send(mailbox.New("tester", "p", mailbox.BudgetRequest{TaskID: "T2", Amount: 10})); err != nil {
		t.Fatal(err)
	}
	if d := next(t, got); d.state != 1 {
		t.Fatalf("state after panic recovery = %d, want 1", d.state)
	}
	report = next(t, got)
	failed = report.msg.Payload.(mailbox.ExecutionFailed)
	if failed.Operation != "create_escrow" || failed.Category != "permission" || failed.Attempts != 1 {
		t.Errorf("error report = %+v", failed)
	}
	if failed.Suggestion == "" {
		t.Error("error report has no suggestion")
	}
	if report.state != 2 {
		t.Errorf("state = %d, want 2", report.state)
	}
}

func TestScheduler_SendsReturnedMessagesInOrder(t *testing.T) {
	router := mailbox.NewRouter()
	s := NewScheduler(router, nil)

	echo := HandlerFunc[int](func(ctx context.Context, st int, msg mailbox.Message) (int, []mailbox.Message, error) {
		if msg.Type != mailbox.TypeTaskOffer {
			return st, nil, nil
		}
		return st, []mailbox.Message{
			mailbox.New("echo", "sink", mailbox.WorkStarted{TaskID: msg.TaskID, MilestoneIndex: 0}),
			mailbox.New("echo", "sink", mailbox.WorkStarted{TaskID: msg.TaskID, MilestoneIndex: 1}),
		}, nil
	})
	got := make(chan seen, 4)
	sink := HandlerFunc[int](func(ctx context.Context, st int, msg mailbox.Message) (int, []mailbox.Message, error) {
		got <- seen{msg: msg, state: st}
		return st + 1, nil, nil
	})
	for _, r := range []Runner{Participant[int]("echo", echo, 0), Participant[int]("sink", sink, 0)} {
		if err := s.Add(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Add(Participant[int]("sink", sink, 0)); err == nil {
		t.Error("adding a participant twice should fail")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Stop()
		router.Close()
	})
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	if err := router.Send(mailbox.New("tester", "echo", mailbox.TaskOffer{TaskID: "T1", Payer: "tester"})); err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		d := next(t, got)
		ws := d.msg.Payload.(mailbox.WorkStarted)
		if ws.MilestoneIndex != i || d.state != i {
			t.Errorf("message %d = milestone %d state %d", i, ws.MilestoneIndex, d.state)
		}
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	router := mailbox.NewRouter()
	s := NewScheduler(router, nil)
	s.Stop()

	s = NewScheduler(router, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
}
