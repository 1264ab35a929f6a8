// Package escrow provides commands that inspect the persisted ledger:
// escrows, their proofs and event journal, and agent reputation.
package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	appconfig "github.com/Iron-Ham/milestone/internal/config"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/storage"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/Iron-Ham/milestone/internal/util"
	"github.com/spf13/cobra"
)

// Register adds the escrow and reputation commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(newEscrowCmd())
	parent.AddCommand(newReputationCmd())
}

func newEscrowCmd() *cobra.Command {
	var jsonOutput bool
	escrowCmd := &cobra.Command{
		Use:   "escrow",
		Short: "Inspect escrows in the ledger database",
		Long: `Inspect escrows recorded in the ledger database.

Without a subcommand, lists every escrow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, jsonOutput)
		},
	}
	escrowCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON")

	escrowCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List escrows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, jsonOutput)
		},
	})
	escrowCmd.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one escrow with its proofs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, args[0], jsonOutput)
		},
	})

	var limit int
	eventsCmd := &cobra.Command{
		Use:   "events [task-id]",
		Short: "Show the ledger event journal",
		Long: `Show events committed with each ledger operation, oldest first.
With a task ID only that task's events are shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID string
			if len(args) == 1 {
				taskID = args[0]
			}
			return runEvents(cmd, taskID, limit, jsonOutput)
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events (0 for all)")
	escrowCmd.AddCommand(eventsCmd)

	return escrowCmd
}

// openDB opens the configured ledger database. It refuses to create one.
func openDB() (*storage.DB, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	path := cfg.Ledger.ResolveDBPath(cfg.Paths.ResolveDataDir())
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no ledger database at %s\nRun 'milestone simulate' first", path)
		}
		return nil, err
	}
	return storage.NewDB(path)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func stateCell(e ledger.Escrow) string {
	s := string(e.State())
	return styles.ForState(s).Render(s)
}

func runList(cmd *cobra.Command, jsonOutput bool) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	escrows, err := db.ListEscrows(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if escrows == nil {
			escrows = []ledger.Escrow{}
		}
		return writeJSON(out, escrows)
	}
	if len(escrows) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("No escrows recorded."))
		return nil
	}

	table := styles.Table{Headers: []string{"TASK", "STATE", "PAYER", "AGENT", "AMOUNT", "PAID", "MILESTONES", "UPDATED"}}
	for _, e := range escrows {
		table.Rows = append(table.Rows, []string{
			e.TaskID,
			stateCell(e),
			e.Payer,
			e.Agent,
			strconv.FormatInt(e.TotalAmount, 10),
			strconv.FormatInt(e.PaidAmount, 10),
			fmt.Sprintf("%d/%d", e.MilestonesCompleted, e.TotalMilestones),
			formatTime(e.UpdatedAt),
		})
	}
	fmt.Fprint(out, table.Render())
	return nil
}

type escrowDetail struct {
	Escrow ledger.Escrow      `json:"escrow"`
	State  ledger.State       `json:"state"`
	Proofs []ledger.WorkProof `json:"proofs"`
}

func loadDetail(ctx context.Context, db *storage.DB, taskID string) (escrowDetail, error) {
	e, err := db.GetEscrow(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return escrowDetail{}, fmt.Errorf("no escrow for task %s", taskID)
	}
	if err != nil {
		return escrowDetail{}, err
	}
	proofs, err := db.Proofs(ctx, taskID)
	if err != nil {
		return escrowDetail{}, err
	}
	if proofs == nil {
		proofs = []ledger.WorkProof{}
	}
	return escrowDetail{Escrow: e, State: e.State(), Proofs: proofs}, nil
}

func runShow(cmd *cobra.Command, taskID string, jsonOutput bool) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	d, err := loadDetail(cmd.Context(), db, taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, d)
	}

	e := d.Escrow
	pairs := []string{
		"state", stateCell(e),
		"payer", e.Payer,
		"agent", e.Agent,
		"amount", strconv.FormatInt(e.TotalAmount, 10),
		"paid", strconv.FormatInt(e.PaidAmount, 10),
		"milestones", fmt.Sprintf("%d/%d", e.MilestonesCompleted, e.TotalMilestones),
		"in custody", strconv.FormatInt(e.Remaining(), 10),
	}
	if e.DisputeStatus != ledger.DisputeNone && e.DisputeStatus != "" {
		pairs = append(pairs,
			"dispute", string(e.DisputeStatus),
			"raised by", e.DisputeRaisedBy,
			"settled", strconv.FormatInt(e.SettledToAgent, 10),
		)
	}
	if e.ReturnedToPayer > 0 {
		pairs = append(pairs, "returned", strconv.FormatInt(e.ReturnedToPayer, 10))
	}
	pairs = append(pairs, "created", formatTime(e.CreatedAt), "updated", formatTime(e.UpdatedAt))

	fmt.Fprintln(out, styles.Title.Render("Escrow "+e.TaskID))
	fmt.Fprint(out, styles.Box.Render(styles.KeyValue(pairs...)))
	fmt.Fprintln(out)

	if len(d.Proofs) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("No proofs submitted."))
		return nil
	}
	table := styles.Table{Headers: []string{"#", "HASH", "VERIFIED", "SUBMITTED"}}
	for _, p := range d.Proofs {
		verified := styles.Warning.Render("pending")
		if p.Verified {
			verified = styles.Secondary.Render("yes")
		}
		table.Rows = append(table.Rows, []string{
			strconv.Itoa(p.Index),
			util.ShortHash(p.Hash),
			verified,
			formatTime(p.SubmittedAt),
		})
	}
	fmt.Fprintln(out, styles.Header.Render("PROOFS"))
	fmt.Fprint(out, table.Render())
	return nil
}

func runEvents(cmd *cobra.Command, taskID string, limit int, jsonOutput bool) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.Events(cmd.Context(), taskID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if entries == nil {
			entries = []storage.JournalEntry{}
		}
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("No events recorded."))
		return nil
	}

	table := styles.Table{Headers: []string{"SEQ", "TIME", "OPERATION", "EVENT", "TASK", "PAYLOAD"}, MaxWidth: 60}
	for _, e := range entries {
		table.Rows = append(table.Rows, []string{
			strconv.FormatInt(e.Seq, 10),
			formatTime(e.CreatedAt),
			e.Op,
			e.Type,
			e.TaskID,
			string(e.Payload),
		})
	}
	fmt.Fprint(out, table.Render())
	return nil
}
