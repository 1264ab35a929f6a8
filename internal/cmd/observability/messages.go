package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Iron-Ham/milestone/internal/mailbox"
	"github.com/Iron-Ham/milestone/internal/styles"
	"github.com/Iron-Ham/milestone/internal/util"
	"github.com/spf13/cobra"
)

type messagesOptions struct {
	task       string
	from       string
	types      []string
	tail       int
	follow     bool
	jsonOutput bool
}

// RegisterMessagesCmd registers the messages command with the given parent command.
func RegisterMessagesCmd(parent *cobra.Command) {
	var opts messagesOptions
	cmd := &cobra.Command{
		Use:   "messages [participant]",
		Short: "Show journaled protocol messages",
		Long: `Show the protocol messages routed between participants.

With a participant, shows its mailbox plus broadcasts. Without one, lists
the mailboxes in the journal. --task shows one task's messages across
every mailbox.

Examples:
  # Everything the worker received
  milestone messages worker

  # The whole conversation about T1
  milestone messages --task T1

  # Watch the operator's mailbox
  milestone messages operator -f`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var participant string
			if len(args) == 1 {
				participant = args[0]
			}
			return runMessages(cmd, participant, &opts)
		},
	}
	cmd.Flags().StringVarP(&opts.task, "task", "t", "", "Only messages for this task")
	cmd.Flags().StringVar(&opts.from, "from", "", "Only messages from this sender")
	cmd.Flags().StringSliceVar(&opts.types, "type", nil, "Only these message types (e.g. dispute.raised)")
	cmd.Flags().IntVarP(&opts.tail, "tail", "n", 0, "Show only the most recent N messages (0 for all)")
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing new messages")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print one JSON message per line")
	parent.AddCommand(cmd)
}

func runMessages(cmd *cobra.Command, participant string, opts *messagesOptions) error {
	if opts.follow && participant == "" {
		return fmt.Errorf("--follow needs a participant")
	}
	dir, err := dataDir()
	if err != nil {
		return err
	}
	store := mailbox.NewStore(dir)
	out := cmd.OutOrStdout()

	filter := mailbox.Filter{TaskID: opts.task, From: opts.from, MaxMessages: opts.tail}
	for _, t := range opts.types {
		mt := mailbox.MessageType(t)
		if !mailbox.ValidateMessageType(mt) {
			return fmt.Errorf("unknown message type: %s", t)
		}
		filter.Types = append(filter.Types, mt)
	}

	var msgs []mailbox.Message
	switch {
	case participant != "":
		msgs, err = store.ReadAll(participant)
	case opts.task != "":
		msgs, err = store.ReadTask(opts.task)
	default:
		return listMailboxes(out, store)
	}
	if err != nil {
		return err
	}

	emit := func(m mailbox.Message) {
		if opts.jsonOutput {
			data, err := json.Marshal(m)
			if err == nil {
				fmt.Fprintln(out, string(data))
			}
			return
		}
		writeMessage(out, m)
	}
	for _, m := range filter.Apply(msgs) {
		emit(m)
	}
	if !opts.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	// The backlog was printed above; only new messages are followed.
	filter.MaxMessages = 0
	return mailbox.Follow(ctx, store, participant, mailbox.FollowOptions{}, func(m mailbox.Message) {
		if len(filter.Apply([]mailbox.Message{m})) == 1 {
			emit(m)
		}
	})
}

func listMailboxes(out io.Writer, store *mailbox.Store) error {
	recipients, err := store.Recipients()
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		fmt.Fprintln(out, styles.Muted.Render("No messages journaled."))
		return nil
	}
	table := styles.Table{Headers: []string{"MAILBOX", "MESSAGES", "LAST"}}
	for _, r := range recipients {
		msgs, err := store.Read(r)
		if err != nil {
			return err
		}
		last := "-"
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1].Timestamp.Local().Format(time.DateTime)
		}
		table.Rows = append(table.Rows, []string{r, fmt.Sprint(len(msgs)), last})
	}
	fmt.Fprint(out, table.Render())
	return nil
}

// writeMessage prints one message as a single line.
func writeMessage(out io.Writer, m mailbox.Message) {
	var sb strings.Builder
	sb.WriteString(styles.Muted.Render("[" + m.Timestamp.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(util.PadRight(styles.Primary.Render(string(m.Type)), 20))
	sb.WriteString(" ")
	sb.WriteString(m.From)
	sb.WriteString(" -> ")
	sb.WriteString(m.To)
	if m.TaskID != "" {
		sb.WriteString(" ")
		sb.WriteString(styles.Info.Render(m.TaskID))
	}
	if m.Payload != nil {
		if data, err := json.Marshal(m.Payload); err == nil {
			sb.WriteString(" ")
			sb.WriteString(util.TruncateString(string(data), 120))
		}
	}
	fmt.Fprintln(out, sb.String())
}
