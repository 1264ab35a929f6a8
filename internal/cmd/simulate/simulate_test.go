package simulate

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func setup(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)
	appconfig.SetDefaults()
	viper.Set("paths.data_dir", dataDir)
	viper.Set("logging.enabled", false)
	viper.Set("executor.base_delay_ms", 1)
	viper.Set("executor.step_delay_ms", 1)
	viper.Set("executor.jitter_ms", 0)
	return dataDir
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

type jsonResult struct {
	Outcomes []struct {
		TaskID   string `json:"task_id"`
		State    string `json:"state"`
		Paid     int64  `json:"paid"`
		Returned int64  `json:"returned"`
		Error    string `json:"error"`
	} `json:"outcomes"`
	Balances   map[string]int64 `json:"balances"`
	Reputation []struct {
		Agent string `json:"agent"`
		Score int    `json:"score"`
	} `json:"reputation"`
	Budget *struct {
		Limit     int64 `json:"limit"`
		Committed int64 `json:"committed"`
	} `json:"budget"`
}

func runJSON(t *testing.T, args ...string) jsonResult {
	t.Helper()
	out, err := executeCommand(append([]string{"simulate", "--json"}, args...)...)
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	var res jsonResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out)
	}
	if len(res.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v", res.Outcomes)
	}
	return res
}

func TestSimulate_Completes(t *testing.T) {
	dataDir := setup(t)

	res := runJSON(t, "--task", "T1", "--amount", "100", "--milestones", "2")
	o := res.Outcomes[0]
	if o.State != "TASK_COMPLETE" || o.Paid != 100 || o.Error != "" {
		t.Errorf("outcome = %+v", o)
	}
	if res.Balances["worker"] != 100 || res.Balances["client"] != 9900 || res.Balances["escrow-custody"] != 0 {
		t.Errorf("balances = %v", res.Balances)
	}
	if len(res.Reputation) != 1 || res.Reputation[0].Agent != "worker" || res.Reputation[0].Score != 55 {
		t.Errorf("reputation = %+v", res.Reputation)
	}
	if res.Budget != nil {
		t.Errorf("budget should be omitted without a limit: %+v", res.Budget)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "ledger.db")); err != nil {
		t.Errorf("ledger database not written: %v", err)
	}
}

func TestSimulate_FailedAuditRefunds(t *testing.T) {
	setup(t)
	viper.Set("budget.limit", 1000)

	res := runJSON(t, "--task", "T2", "--amount", "100", "--milestones", "2", "--fail-audit", "1")
	o := res.Outcomes[0]
	if o.State != "DISPUTE_RESOLVED" || o.Paid != 50 || o.Returned != 50 {
		t.Errorf("outcome = %+v", o)
	}
	if res.Budget == nil || res.Budget.Limit != 1000 || res.Budget.Committed != 50 {
		t.Errorf("budget = %+v", res.Budget)
	}
}

func TestSimulate_PolicyOverride(t *testing.T) {
	setup(t)

	res := runJSON(t, "--task", "T3", "--amount", "100", "--milestones", "2", "--fail-audit", "1", "--policy", "full")
	o := res.Outcomes[0]
	if o.State != "DISPUTE_RESOLVED" || o.Returned != 0 {
		t.Errorf("outcome = %+v", o)
	}
	if res.Balances["worker"] != 100 {
		t.Errorf("worker balance = %d, want 100", res.Balances["worker"])
	}
}

func TestSimulate_Scenario(t *testing.T) {
	setup(t)
	path := filepath.Join(t.TempDir(), "run.yaml")
	body := `name: nightly
tasks:
  - {id: A1, amount: 40, milestones: 2}
  - {id: A2, amount: 30, milestones: 1}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("simulate", "--scenario", path)
	if err != nil {
		t.Fatalf("simulate: %v\n%s", err, out)
	}
	for _, want := range []string{"nightly", "A1", "A2", "TASK_COMPLETE", "2 of 2 tasks settled", "BALANCES"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSimulate_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"more milestones than amount", []string{"--amount", "2", "--milestones", "3"}, "invalid task"},
		{"audit index out of range", []string{"--milestones", "2", "--fail-audit", "5"}, "out of range"},
		{"unknown policy", []string{"--policy", "coinflip"}, "mediation.policy"},
		{"missing scenario", []string{"--scenario", "/nonexistent/run.yaml"}, "scenario"},
		{"scenario with task flags", []string{"--scenario", "x.yaml", "--task", "T9"}, "none of the others"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup(t)
			_, err := executeCommand(append([]string{"simulate"}, tt.args...)...)
			if err == nil {
				t.Fatal("simulate should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
