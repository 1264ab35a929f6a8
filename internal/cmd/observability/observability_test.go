package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/mailbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)
	appconfig.SetDefaults()
	viper.Set("paths.data_dir", dir)
	return dir
}

func executeCommand(args ...string) (string, error) {
	root := &cobra.Command{Use: "milestone", SilenceUsage: true, SilenceErrors: true}
	Register(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func seedJournal(t *testing.T, dir string) {
	t.Helper()
	store := mailbox.NewStore(dir)
	offer := mailbox.Broadcast("client", mailbox.TaskOffer{TaskID: "T1", Amount: 100, Milestones: 2, Payer: "client"})
	accept := mailbox.New("worker", "client", mailbox.TaskAccept{TaskID: "T1", Agent: "worker"})
	accept.Timestamp = offer.Timestamp.Add(time.Millisecond)
	started := mailbox.New("worker", "auditor", mailbox.WorkStarted{TaskID: "T2"})
	started.Timestamp = offer.Timestamp.Add(2 * time.Millisecond)
	for _, m := range []mailbox.Message{offer, accept, started} {
		if err := store.Append(m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMessages(t *testing.T) {
	dir := setup(t)
	seedJournal(t, dir)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{"mailboxes", []string{"messages"}, []string{"MAILBOX", "broadcast", "client", "auditor"}, nil},
		{"participant", []string{"messages", "client"}, []string{"task.offer", "task.accept"}, []string{"work.started"}},
		{"task", []string{"messages", "--task", "T2"}, []string{"work.started"}, []string{"task.offer"}},
		{"type filter", []string{"messages", "client", "--type", "task.accept"}, []string{"task.accept"}, []string{"task.offer"}},
		{"tail", []string{"messages", "client", "-n", "1"}, []string{"task.accept"}, []string{"task.offer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("output should not contain %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestMessages_JSON(t *testing.T) {
	dir := setup(t)
	seedJournal(t, dir)

	out, err := executeCommand("messages", "client", "--json")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d:\n%s", len(lines), out)
	}
	var m mailbox.Message
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	offer, ok := m.Payload.(mailbox.TaskOffer)
	if m.Type != mailbox.TypeTaskOffer || !ok || offer.Amount != 100 {
		t.Errorf("message = %+v", m)
	}
}

func TestMessages_Errors(t *testing.T) {
	setup(t)

	if _, err := executeCommand("messages", "client", "--type", "bogus"); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := executeCommand("messages", "--follow"); err == nil {
		t.Error("--follow without a participant should fail")
	}
	out, err := executeCommand("messages")
	if err != nil || !strings.Contains(out, "No messages journaled") {
		t.Errorf("empty journal: %q, %v", out, err)
	}
}

func TestLogs(t *testing.T) {
	dir := setup(t)

	logger, err := logging.NewLogger(dir, "debug")
	if err != nil {
		t.Fatal(err)
	}
	logger.WithTask("T1").Info("escrow created", "amount", 100)
	logger.WithTask("T1").Warn("send failed, retrying", "attempt", 1)
	logger.WithTask("T2").Debug("proof submitted")
	logger.WithParticipant("operator").Error("transaction reverted")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{"all", []string{"logs"}, []string{"escrow created", "proof submitted", "amount=100"}, nil},
		{"task", []string{"logs", "--task", "T1"}, []string{"escrow created", "retrying"}, []string{"proof submitted"}},
		{"level", []string{"logs", "--level", "warn"}, []string{"retrying", "reverted"}, []string{"escrow created"}},
		{"grep", []string{"logs", "--grep", "revert|retry"}, []string{"retrying", "reverted"}, []string{"proof submitted"}},
		{"participant", []string{"logs", "-p", "operator"}, []string{"participant=operator"}, []string{"escrow created"}},
		{"tail", []string{"logs", "-n", "1"}, []string{"reverted"}, []string{"escrow created"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("output should not contain %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestLogs_Errors(t *testing.T) {
	setup(t)

	if _, err := executeCommand("logs"); err == nil {
		t.Error("missing log file should fail")
	}
	if _, err := executeCommand("logs", "--since", "yesterday"); err == nil {
		t.Error("bad --since should fail")
	}
	if _, err := executeCommand("logs", "--grep", "("); err == nil {
		t.Error("bad --grep should fail")
	}
}
