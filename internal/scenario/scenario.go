// Package scenario describes simulation runs as YAML files and drives them
// through a running node.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Scenario is a batch of tasks offered together.
type Scenario struct {
	// Name identifies the run in reports
	Name string `yaml:"name"`
	// Version is the scenario file format version (currently "1")
	Version string `yaml:"version"`
	// TimeoutSeconds bounds how long each task may take to settle (default: 60)
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	// Tasks are offered in order and then run concurrently
	Tasks []Task `yaml:"tasks"`
}

// Task is one offered task and the faults to inject into it.
type Task struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Amount      int64  `yaml:"amount"`
	Milestones  int    `yaml:"milestones"`
	// FailAudit maps a milestone index to the auditor's rejection reason.
	// An empty reason uses the auditor's default.
	FailAudit map[int]string `yaml:"fail_audit,omitempty"`
	// CancelAfter requests an emergency refund once this many milestones
	// have been released. Nil never cancels.
	CancelAfter *int `yaml:"cancel_after,omitempty"`
}

// DefaultTimeoutSeconds applies when a scenario sets no timeout.
const DefaultTimeoutSeconds = 60

// taskIDRegex validates task identifiers.
var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load reads and validates a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Single builds a one-task scenario, as the simulate flags describe.
func Single(id, description string, amount int64, milestones int) *Scenario {
	return &Scenario{
		Name:           id,
		Version:        "1",
		TimeoutSeconds: DefaultTimeoutSeconds,
		Tasks: []Task{{
			ID:          id,
			Description: description,
			Amount:      amount,
			Milestones:  milestones,
		}},
	}
}

// Validate checks that the scenario is well-formed.
func (s *Scenario) Validate() error {
	if s.Version != "" && s.Version != "1" {
		return fmt.Errorf("unsupported scenario version: %s (supported: 1)", s.Version)
	}
	if s.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be non-negative")
	}
	if len(s.Tasks) == 0 {
		return errors.New("at least one task is required")
	}

	var errs []error
	seen := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		if err := t.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate task id %q", i, t.ID))
		}
		seen[t.ID] = true
	}
	return errors.Join(errs...)
}

func (t Task) validate() error {
	if !taskIDRegex.MatchString(t.ID) {
		return fmt.Errorf("invalid task id %q", t.ID)
	}
	if t.Amount <= 0 {
		return fmt.Errorf("amount must be positive (got: %d)", t.Amount)
	}
	if t.Milestones <= 0 {
		return fmt.Errorf("milestones must be positive (got: %d)", t.Milestones)
	}
	// Every milestone must be paid at least one unit
	if int64(t.Milestones) > t.Amount {
		return fmt.Errorf("%d milestones cannot split an amount of %d", t.Milestones, t.Amount)
	}
	for idx := range t.FailAudit {
		if idx < 0 || idx >= t.Milestones {
			return fmt.Errorf("fail_audit index %d out of range [0, %d)", idx, t.Milestones)
		}
	}
	if t.CancelAfter != nil && (*t.CancelAfter < 0 || *t.CancelAfter >= t.Milestones) {
		return fmt.Errorf("cancel_after must be in [0, %d) (got: %d)", t.Milestones, *t.CancelAfter)
	}
	return nil
}
