package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// WorkRequest asks a performer for one milestone.
type WorkRequest struct {
	TaskID         string
	MilestoneIndex int
	Description    string
}

// WorkOutput is a performer's deliverable.
type WorkOutput struct {
	ResultSummary string
	Content       string
}

// Performer produces milestone deliverables for the worker.
type Performer interface {
	Perform(ctx context.Context, req WorkRequest) (WorkOutput, error)
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, req WorkRequest) (WorkOutput, error)

// Perform implements Performer.
func (f PerformerFunc) Perform(ctx context.Context, req WorkRequest) (WorkOutput, error) {
	return f(ctx, req)
}

// EchoPerformer derives the deliverable from the request alone.
type EchoPerformer struct{}

// Perform implements Performer.
func (EchoPerformer) Perform(_ context.Context, req WorkRequest) (WorkOutput, error) {
	content := fmt.Sprintf("task %s milestone %d: %s", req.TaskID, req.MilestoneIndex, req.Description)
	return WorkOutput{
		ResultSummary: fmt.Sprintf("milestone %d delivered", req.MilestoneIndex),
		Content:       content,
	}, nil
}

// WorkHash is the proof hash recorded on the ledger for content.
func WorkHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "0x" + hex.EncodeToString(sum[:])
}

// AuditRequest asks an auditor to judge a deliverable.
type AuditRequest struct {
	TaskID         string
	MilestoneIndex int
	Content        string
}

// AuditVerdict is an auditor's answer.
type AuditVerdict struct {
	Passed bool
	Reason string
}

// Auditor judges deliverables.
type Auditor interface {
	Audit(ctx context.Context, req AuditRequest) (AuditVerdict, error)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, req AuditRequest) (AuditVerdict, error)

// Audit implements Auditor.
func (f AuditorFunc) Audit(ctx context.Context, req AuditRequest) (AuditVerdict, error) {
	return f(ctx, req)
}

// StaticAuditor fails the listed milestones and any empty deliverable, and
// passes everything else.
type StaticAuditor struct {
	// FailOn maps a milestone index to the rejection reason.
	FailOn map[int]string
}

// Audit implements Auditor.
func (a StaticAuditor) Audit(_ context.Context, req AuditRequest) (AuditVerdict, error) {
	if strings.TrimSpace(req.Content) == "" {
		return AuditVerdict{Reason: "empty deliverable"}, nil
	}
	if reason, ok := a.FailOn[req.MilestoneIndex]; ok {
		if reason == "" {
			reason = "quality check failed"
		}
		return AuditVerdict{Reason: reason}, nil
	}
	return AuditVerdict{Passed: true}, nil
}
