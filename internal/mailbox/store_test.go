package mailbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	first := New("client", "worker", TaskOffer{TaskID: "T1", Amount: 100})
	second := Broadcast("treasury", BudgetDecision{TaskID: "T1", Approved: true, RemainingBalance: 900})
	second.Timestamp = first.Timestamp.Add(time.Millisecond)
	other := New("client", "auditor", WorkStarted{TaskID: "T2"})

	for _, m := range []Message{first, second, other} {
		if err := store.Append(m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "mailbox", "worker", "index.jsonl")); err != nil {
		t.Errorf("journal file missing: %v", err)
	}

	all, err := store.ReadAll("worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Errorf("ReadAll(worker) = %+v", all)
	}

	task, err := store.ReadTask("T1")
	if err != nil {
		t.Fatal(err)
	}
	if len(task) != 2 {
		t.Errorf("ReadTask(T1) returned %d messages, want 2", len(task))
	}

	recipients, err := store.Recipients()
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 3 || recipients[0] != "auditor" {
		t.Errorf("Recipients() = %v", recipients)
	}
}

func TestStore_EmptyAndInvalid(t *testing.T) {
	store := NewStore(t.TempDir())

	msgs, err := store.ReadAll("nobody")
	if err != nil || len(msgs) != 0 {
		t.Errorf("ReadAll on empty store = %v, %v", msgs, err)
	}
	if _, err := store.Read(""); err == nil {
		t.Error("Read(\"\") should fail")
	}
	if err := store.Append(Message{From: "a", To: "b"}); err == nil {
		t.Error("Append should validate the message")
	}
	recipients, err := store.Recipients()
	if err != nil || len(recipients) != 0 {
		t.Errorf("Recipients() = %v, %v", recipients, err)
	}
}

func TestStore_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Append(New("client", "worker", TaskAccept{TaskID: "T1", Agent: "w"})); err != nil {
		t.Fatal(err)
	}

	path := store.IndexPath("worker")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	msgs, err := store.Read("worker")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestFilter_Apply(t *testing.T) {
	base := time.Now()
	msgs := []Message{
		New("client", "worker", TaskOffer{TaskID: "T1"}),
		New("worker", "auditor", WorkResult{TaskID: "T1"}),
		New("auditor", "operator", AuditResult{TaskID: "T2"}),
	}
	for i := range msgs {
		msgs[i].Timestamp = base.Add(time.Duration(i) * time.Second)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by type", Filter{Types: []MessageType{TypeWorkResult, TypeAuditResult}}, 2},
		{"by task", Filter{TaskID: "T1"}, 2},
		{"by sender", Filter{From: "auditor"}, 1},
		{"since", Filter{Since: base}, 2},
		{"max", Filter{MaxMessages: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Apply(msgs); len(got) != tt.want {
				t.Errorf("Apply() returned %d, want %d", len(got), tt.want)
			}
		})
	}

	if got := (Filter{MaxMessages: 1}).Apply(msgs); got[0].Type != TypeAuditResult {
		t.Error("MaxMessages should keep the most recent")
	}
}
