// Package simulate provides the command that runs tasks through a live
// coordinator.
package simulate

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"time"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/node"
	"github.com/Iron-Ham/milestone/internal/reputation"
	"github.com/Iron-Ham/milestone/internal/scenario"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/spf13/cobra"
)

type options struct {
	scenarioPath string
	taskID       string
	description  string
	amount       int64
	milestones   int
	failAudit    []int
	cancelAfter  int
	policy       string
	timeout      int
	jsonOutput   bool
}

// Register adds the simulate command to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run tasks through the escrow workflow",
		Long: `Start a coordinator from the current configuration, offer one or more
tasks and follow each until it settles, escalates to manual mediation or
times out.

Without --scenario a single task is built from the flags.

Examples:
  # One task paid in three milestones
  milestone simulate --task T1 --amount 300 --milestones 3

  # Fail the audit of the second milestone and let the mediator decide
  milestone simulate --task T2 --amount 100 --milestones 2 --fail-audit 1

  # Refund after the first milestone is released
  milestone simulate --task T3 --amount 90 --milestones 3 --cancel-after 1

  # Run a scenario file and print JSON
  milestone simulate --scenario scenarios/mixed.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.scenarioPath, "scenario", "s", "", "Scenario file (YAML)")
	f.StringVarP(&opts.taskID, "task", "t", "T1", "Task ID")
	f.StringVarP(&opts.description, "description", "d", "", "Task description")
	f.Int64VarP(&opts.amount, "amount", "a", 100, "Payment in whole token units")
	f.IntVarP(&opts.milestones, "milestones", "m", 1, "Number of milestones")
	f.IntSliceVar(&opts.failAudit, "fail-audit", nil, "Milestone indexes whose audit fails")
	f.IntVar(&opts.cancelAfter, "cancel-after", -1, "Refund after this many milestones are released (-1 = never)")
	f.StringVar(&opts.policy, "policy", "", "Override mediation.policy (rules, full, partial, refund)")
	f.IntVar(&opts.timeout, "timeout", 0, "Seconds to follow each task (default from scenario, else 60)")
	f.BoolVar(&opts.jsonOutput, "json", false, "Print the result as JSON")
	cmd.MarkFlagsMutuallyExclusive("scenario", "task")
	cmd.MarkFlagsMutuallyExclusive("scenario", "fail-audit")
	cmd.MarkFlagsMutuallyExclusive("scenario", "cancel-after")
	return cmd
}

// buildScenario returns the scenario named by the flags.
func buildScenario(opts *options) (*scenario.Scenario, error) {
	var s *scenario.Scenario
	if opts.scenarioPath != "" {
		var err error
		if s, err = scenario.Load(opts.scenarioPath); err != nil {
			return nil, err
		}
	} else {
		s = scenario.Single(opts.taskID, opts.description, opts.amount, opts.milestones)
		t := &s.Tasks[0]
		if len(opts.failAudit) > 0 {
			t.FailAudit = make(map[int]string, len(opts.failAudit))
			for _, i := range opts.failAudit {
				t.FailAudit[i] = "rejected by --fail-audit"
			}
		}
		if opts.cancelAfter >= 0 {
			n := opts.cancelAfter
			t.CancelAfter = &n
		}
	}
	if opts.timeout > 0 {
		s.TimeoutSeconds = opts.timeout
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	return s, nil
}

// result is the JSON document printed with --json.
type result struct {
	scenario.Report
	Balances   map[string]int64   `json:"balances"`
	Reputation []reputation.Entry `json:"reputation"`
	Budget     any                `json:"budget,omitempty"`
}

func runSimulate(cmd *cobra.Command, opts *options) error {
	s, err := buildScenario(opts)
	if err != nil {
		return err
	}
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.policy != "" {
		cfg.Mediation.Policy = opts.policy
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{Auditor: scenario.NewAuditor(s)})
	if err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start participants: %w", err)
	}

	report := scenario.Run(ctx, n, s)

	roles := cfg.Roles
	res := result{
		Report: report,
		Balances: map[string]int64{
			roles.Client:       n.Book.BalanceOf(roles.Client),
			roles.Worker:       n.Book.BalanceOf(roles.Worker),
			n.Ledger.Custody(): n.Book.BalanceOf(n.Ledger.Custody()),
		},
		Reputation: n.Reputation.Ranked(),
	}
	if cfg.Budget.Limit > 0 {
		res.Budget = n.Budget.Summary()
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(out, res, n.DataDir)
	}

	for _, o := range report.Outcomes {
		if o.Error != "" {
			return fmt.Errorf("%d of %d tasks did not settle", len(report.Outcomes)-report.Settled(), len(report.Outcomes))
		}
	}
	return nil
}

func printResult(out io.Writer, res result, dataDir string) {
	title := res.Name
	if title == "" {
		title = "simulation"
	}
	fmt.Fprintln(out, styles.Title.Render(title))
	fmt.Fprintln(out)

	table := styles.Table{
		Headers:  []string{"TASK", "STATE", "STEPS", "AMOUNT", "PAID", "RETURNED", "TIME", "NOTE"},
		MaxWidth: 48,
	}
	for _, o := range res.Outcomes {
		state := string(o.State)
		if state == "" {
			state = "-"
		}
		note := o.Error
		if note == "" {
			note = o.LastError
		}
		if o.Escalated {
			note = "escalated to manual mediation"
		}
		table.Rows = append(table.Rows, []string{
			o.TaskID,
			styles.ForState(state).Render(state),
			strconv.Itoa(o.Steps),
			strconv.FormatInt(o.Amount, 10),
			strconv.FormatInt(o.Paid, 10),
			strconv.FormatInt(o.Returned, 10),
			(time.Duration(o.DurationMs) * time.Millisecond).String(),
			note,
		})
	}
	fmt.Fprint(out, table.Render())
	fmt.Fprintln(out)

	var pairs []string
	for _, acct := range slices.Sorted(maps.Keys(res.Balances)) {
		pairs = append(pairs, acct, strconv.FormatInt(res.Balances[acct], 10))
	}
	fmt.Fprintln(out, styles.Header.Render("BALANCES"))
	fmt.Fprint(out, styles.KeyValue(pairs...))

	if len(res.Reputation) > 0 {
		pairs = pairs[:0]
		for _, e := range res.Reputation {
			pairs = append(pairs, e.Agent, strconv.Itoa(e.Score))
		}
		fmt.Fprintln(out, styles.Header.Render("REPUTATION"))
		fmt.Fprint(out, styles.KeyValue(pairs...))
	}

	summary := fmt.Sprintf("%d of %d tasks settled", res.Settled(), len(res.Outcomes))
	if res.Settled() == len(res.Outcomes) {
		fmt.Fprintln(out, styles.SuccessMsg.Render(summary))
	} else {
		fmt.Fprintln(out, styles.WarningMsg.Render(summary))
	}
	fmt.Fprintln(out, styles.Muted.Render("data: "+dataDir))
}
