package mailbox

import (
	"slices"
	"time"
)

// Filter selects journaled messages for display.
type Filter struct {
	Types       []MessageType // Only include these types (empty = all)
	TaskID      string        // Only messages for this task (empty = all)
	From        string        // Only messages from this sender (empty = all)
	Since       time.Time     // Only messages after this time (zero = all)
	MaxMessages int           // Keep only the most recent N (0 = unlimited)
}

// Apply returns the messages matching f, preserving order.
func (f Filter) Apply(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(f.Types) > 0 && !slices.Contains(f.Types, m.Type) {
			continue
		}
		if f.TaskID != "" && m.TaskID != f.TaskID {
			continue
		}
		if f.From != "" && m.From != f.From {
			continue
		}
		if !f.Since.IsZero() && !m.Timestamp.After(f.Since) {
			continue
		}
		out = append(out, m)
	}
	if f.MaxMessages > 0 && len(out) > f.MaxMessages {
		out = out[len(out)-f.MaxMessages:]
	}
	return out
}
