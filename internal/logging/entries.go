package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Entry is one parsed line of the JSON log.
type Entry struct {
	Time        time.Time
	Level       string
	Message     string
	TaskID      string
	Participant string
	Signer      string
	Attrs       map[string]any
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	// MinLevel drops entries below this level.
	MinLevel    string
	TaskID      string
	Participant string
	Since       time.Time
	// Contains matches a case-insensitive substring of the message.
	Contains string
}

var reservedKeys = map[string]bool{
	"time": true, "level": true, "msg": true,
	"task_id": true, "participant": true, "signer": true,
}

// ReadEntries parses a JSON-lines log file. Malformed lines are skipped.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := parseEntry(scanner.Bytes())
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read log file: %w", err)
	}
	return entries, nil
}

func parseEntry(line []byte) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}

	e := Entry{Attrs: make(map[string]any)}
	if s, ok := raw["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, s)
	}
	e.Level, _ = raw["level"].(string)
	e.Message, _ = raw["msg"].(string)
	e.TaskID, _ = raw["task_id"].(string)
	e.Participant, _ = raw["participant"].(string)
	e.Signer, _ = raw["signer"].(string)
	for k, v := range raw {
		if !reservedKeys[k] {
			e.Attrs[k] = v
		}
	}
	return e, true
}

// FilterEntries returns the entries matching f, preserving order.
func FilterEntries(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f Filter) matches(e Entry) bool {
	if f.MinLevel != "" && levelRank(e.Level) < levelRank(f.MinLevel) {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Participant != "" && e.Participant != f.Participant {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Contains)) {
		return false
	}
	return true
}

func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}
