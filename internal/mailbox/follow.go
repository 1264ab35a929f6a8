package mailbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultPollInterval backs up fsnotify on filesystems that drop events.
const defaultPollInterval = 2 * time.Second

// FollowOptions controls Follow.
type FollowOptions struct {
	// FromStart delivers the existing journal before new messages.
	FromStart bool
	// PollInterval overrides the fallback poll interval.
	PollInterval time.Duration
}

// Follow tails the journal for participant (its own mailbox plus broadcast)
// and invokes handler for each message it has not delivered before. It
// blocks until ctx is done.
func Follow(ctx context.Context, store *Store, participant string, opts FollowOptions, handler func(Message)) error {
	dirs := []string{store.dirForRecipient(BroadcastRecipient)}
	if participant != BroadcastRecipient {
		dirs = append(dirs, store.dirForRecipient(participant))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mailbox: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mailbox: create directory: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("mailbox: watch %s: %w", dir, err)
		}
	}

	seen := make(map[string]bool)
	if !opts.FromStart {
		existing, err := store.ReadAll(participant)
		if err != nil {
			return err
		}
		for _, m := range existing {
			seen[m.ID] = true
		}
	}

	flush := func() error {
		msgs, err := store.ReadAll(participant)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			handler(m)
		}
		return nil
	}
	if err := flush(); err != nil {
		return err
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Base(ev.Name) != indexFile {
				continue
			}
			if err := flush(); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("mailbox: watcher: %w", err)

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
