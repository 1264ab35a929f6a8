package observability

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/milestone/internal/logging"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type logsOptions struct {
	tail        int
	level       string
	since       string
	grep        string
	task        string
	participant string
}

// RegisterLogsCmd registers the logs command with the given parent command.
func RegisterLogsCmd(parent *cobra.Command) {
	var opts logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View coordinator logs",
		Long: `View and filter the coordinator's debug log.

Examples:
  # Show the last 50 lines
  milestone logs

  # Show everything logged for one task
  milestone logs --task T1 -n 0

  # Filter by log level
  milestone logs --level warn

  # Show logs from the last hour
  milestone logs --since 1h

  # Search for specific patterns
  milestone logs --grep "retry|reverted"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, &opts)
		},
	}
	cmd.Flags().IntVarP(&opts.tail, "tail", "n", 50, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&opts.level, "level", "", "Filter by minimum level (debug/info/warn/error)")
	cmd.Flags().StringVar(&opts.since, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	cmd.Flags().StringVar(&opts.grep, "grep", "", "Filter logs matching pattern (regex)")
	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "Only entries for this task")
	cmd.Flags().StringVarP(&opts.participant, "participant", "p", "", "Only entries from this participant")
	parent.AddCommand(cmd)
}

func runLogs(cmd *cobra.Command, opts *logsOptions) error {
	dir, err := dataDir()
	if err != nil {
		return err
	}

	filter := logging.Filter{
		MinLevel:    opts.level,
		TaskID:      opts.task,
		Participant: opts.participant,
	}
	if opts.since != "" {
		d, err := time.ParseDuration(opts.since)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}
	var pattern *regexp.Regexp
	if opts.grep != "" {
		if pattern, err = regexp.Compile(opts.grep); err != nil {
			return fmt.Errorf("invalid --grep pattern: %w", err)
		}
	}

	entries, err := logging.ReadEntries(filepath.Join(dir, logging.LogFileName))
	if err != nil {
		return err
	}
	entries = logging.FilterEntries(entries, filter)
	if pattern != nil {
		entries = slices.DeleteFunc(entries, func(e logging.Entry) bool {
			return !pattern.MatchString(e.Message)
		})
	}
	if opts.tail > 0 && len(entries) > opts.tail {
		entries = entries[len(entries)-opts.tail:]
	}

	out := cmd.OutOrStdout()
	for i := range entries {
		writeEntry(out, &entries[i])
	}
	return nil
}

// levelStyle returns the style for a log level
func levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return styles.Muted
	case logging.LevelWarn:
		return styles.Warning
	case logging.LevelError:
		return styles.Error
	default:
		return styles.Info
	}
}

// writeEntry formats a log entry for terminal output
func writeEntry(out io.Writer, e *logging.Entry) {
	var sb strings.Builder
	sb.WriteString(styles.Muted.Render("[" + e.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(levelStyle(e.Level).Render("[" + strings.ToUpper(e.Level) + "]"))
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	field := func(k string, v any) {
		sb.WriteString(" ")
		sb.WriteString(styles.Primary.Render(fmt.Sprintf("%s=%v", k, v)))
	}
	if e.TaskID != "" {
		field("task_id", e.TaskID)
	}
	if e.Participant != "" {
		field("participant", e.Participant)
	}
	if e.Signer != "" {
		field("signer", e.Signer)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		field(k, e.Attrs[k])
	}
	fmt.Fprintln(out, sb.String())
}
