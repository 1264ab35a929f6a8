package escrow

import (
	"fmt"
	"strconv"

	"github.com/Iron-Ham/milestone/internal/reputation"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/spf13/cobra"
)

func newReputationCmd() *cobra.Command {
	var (
		top        int
		minScore   int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Rank agents by reputation",
		Long: `Rank agents by the reputation recorded in the ledger database.
Scores start at 50, rise by 5 for every completed escrow and fall by 10
for every refunded dispute.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			scores, err := db.Reputations(cmd.Context())
			if err != nil {
				return err
			}
			tracker := reputation.NewTracker()
			tracker.Seed(scores)
			limit := top
			if limit <= 0 {
				limit = len(scores)
			}
			ranked := tracker.Top(limit, minScore)

			out := cmd.OutOrStdout()
			if jsonOutput {
				if ranked == nil {
					ranked = []reputation.Entry{}
				}
				return writeJSON(out, ranked)
			}
			if len(ranked) == 0 {
				fmt.Fprintln(out, styles.Muted.Render("No agents ranked."))
				return nil
			}
			table := styles.Table{Headers: []string{"RANK", "AGENT", "SCORE"}}
			for i, e := range ranked {
				table.Rows = append(table.Rows, []string{strconv.Itoa(i + 1), e.Agent, strconv.Itoa(e.Score)})
			}
			fmt.Fprint(out, table.Render())
			return nil
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 0, "Show at most this many agents (0 for all)")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "Hide agents scoring below this")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON")
	return cmd
}
