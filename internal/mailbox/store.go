package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// mailboxDir is the directory name within the data directory that holds mailboxes.
	mailboxDir = "mailbox"

	// indexFile is the append-only JSONL file within each mailbox directory.
	indexFile = "index.jsonl"
)

// Store is the message journal. Messages are persisted as JSONL (one JSON
// object per line) in an append-only log per recipient.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// NewStore creates a Store rooted at the given data directory.
// The directory structure is created lazily on first write.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Append journals a validated message under its recipient.
func (s *Store) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	dir := s.dirForRecipient(msg.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mailbox: create directory: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: marshal message: %w", err)
	}
	data = append(data, '\n')

	return s.atomicAppend(filepath.Join(dir, indexFile), data)
}

// Read returns all messages journaled for one recipient, in append order.
func (s *Store) Read(recipient string) ([]Message, error) {
	if recipient == "" {
		return nil, fmt.Errorf("mailbox: recipient is required")
	}
	return s.readIndex(s.IndexPath(recipient))
}

// ReadAll returns the broadcast messages plus those addressed to participant,
// sorted chronologically.
func (s *Store) ReadAll(participant string) ([]Message, error) {
	broadcast, err := s.Read(BroadcastRecipient)
	if err != nil {
		return nil, err
	}
	if participant == BroadcastRecipient {
		return broadcast, nil
	}
	targeted, err := s.Read(participant)
	if err != nil {
		return nil, err
	}

	all := make([]Message, 0, len(broadcast)+len(targeted))
	all = append(all, broadcast...)
	all = append(all, targeted...)
	sortMessages(all)
	return all, nil
}

// ReadTask returns every journaled message for taskID across all recipients.
func (s *Store) ReadTask(taskID string) ([]Message, error) {
	recipients, err := s.Recipients()
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, r := range recipients {
		msgs, err := s.Read(r)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.TaskID == taskID {
				out = append(out, m)
			}
		}
	}
	sortMessages(out)
	return out, nil
}

// Recipients lists every recipient that has a mailbox, sorted by name.
func (s *Store) Recipients() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, mailboxDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: list recipients: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IndexPath returns the journal file for a recipient.
func (s *Store) IndexPath(recipient string) string {
	return filepath.Join(s.dirForRecipient(recipient), indexFile)
}

func (s *Store) dirForRecipient(recipient string) string {
	return filepath.Join(s.dataDir, mailboxDir, recipient)
}

// readIndex returns nil (not error) if the file does not exist.
func (s *Store) readIndex(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Skip malformed lines rather than failing entirely
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: scan index: %w", err)
	}

	return messages, nil
}

// atomicAppend serializes writes under a mutex and relies on O_APPEND for
// line atomicity.
func (s *Store) atomicAppend(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open index for append: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailbox: append to index: %w", err)
	}

	return f.Close()
}

// sortMessages sorts chronologically, keeping append order for equal timestamps.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
