package retry

import (
	"sort"
	"sync"
)

// OperationState tracks attempts of one ledger operation for one task.
type OperationState struct {
	TaskID      string   `json:"task_id"`
	Operation   string   `json:"operation"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`
	Errors      []string `json:"errors,omitempty"` // One entry per failed attempt
	Succeeded   bool     `json:"succeeded,omitempty"`
}

// Exhausted reports whether the operation failed on every allowed attempt.
func (s OperationState) Exhausted() bool {
	return !s.Succeeded && s.Attempts >= s.MaxAttempts
}

// Manager records attempt history per (task, operation).
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*OperationState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*OperationState),
	}
}

func key(taskID, operation string) string {
	return taskID + "/" + operation
}

// GetOrCreateState returns or creates state for an operation.
func (m *Manager) GetOrCreateState(taskID, operation string, maxAttempts int) *OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(taskID, operation)
	state, exists := m.states[k]
	if !exists {
		state = &OperationState{
			TaskID:      taskID,
			Operation:   operation,
			MaxAttempts: maxAttempts,
		}
		m.states[k] = state
	}
	return state
}

// GetState returns a copy of the state, or nil if not found.
func (m *Manager) GetState(taskID, operation string) *OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[key(taskID, operation)]
	if !ok {
		return nil
	}
	c := state.clone()
	return &c
}

// ShouldRetry returns whether another attempt is allowed.
func (m *Manager) ShouldRetry(taskID, operation string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[key(taskID, operation)]
	if !exists {
		return false
	}
	return state.Attempts < state.MaxAttempts && !state.Succeeded
}

// RecordAttempt records one attempt. A nil err marks the operation as succeeded.
func (m *Manager) RecordAttempt(taskID, operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key(taskID, operation)]
	if !exists {
		return
	}

	state.Attempts++
	if err == nil {
		state.Succeeded = true
		return
	}
	state.LastError = err.Error()
	state.Errors = append(state.Errors, err.Error())
}

// Failed returns the states that exhausted their attempts, sorted by key.
func (m *Manager) Failed() []OperationState {
	return m.collect(func(s *OperationState) bool { return s.Exhausted() })
}

// Retrying returns the states that failed at least once and may still retry.
func (m *Manager) Retrying() []OperationState {
	return m.collect(func(s *OperationState) bool {
		return !s.Succeeded && s.Attempts > 0 && s.Attempts < s.MaxAttempts
	})
}

func (m *Manager) collect(match func(*OperationState) bool) []OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.states))
	for k, s := range m.states {
		if match(s) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]OperationState, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.states[k].clone())
	}
	return out
}

// Reset clears state for one operation.
func (m *Manager) Reset(taskID, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, key(taskID, operation))
}

// Snapshot returns a copy of all states.
func (m *Manager) Snapshot() []OperationState {
	return m.collect(func(*OperationState) bool { return true })
}

func (s *OperationState) clone() OperationState {
	c := *s
	if s.Errors != nil {
		c.Errors = append([]string(nil), s.Errors...)
	}
	return c
}
