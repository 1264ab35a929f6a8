// Package workflow drives tasks through the escrow protocol by message
// passing.
//
// Six participants share one mailbox.Router:
//
//	client    offers the task, funds the escrow, disputes failed audits
//	worker    accepts offers, delivers milestones, submits proofs
//	treasury  answers budget requests
//	auditor   judges deliverables
//	operator  verifies proofs and releases milestones
//	mediator  decides disputes and applies the verdict
//
// Each participant is a Handler run by the Scheduler on its own goroutine.
// A handler receives its previous state and one message and returns the
// next state plus the messages to send. Handler errors and panics are
// reported back to the participant as execution.failed messages; they never
// stop the scheduler.
//
// The Coordinator observes every accepted message and derives each task's
// protocol state:
//
//	DISCOVERING -> NEGOTIATED -> BUDGET_PENDING -> BUDGET_APPROVED -> ESCROW_PENDING -> ESCROW_LOCKED
//	                                           \-> BUDGET_REJECTED
//
//	ESCROW_LOCKED -> WORK_IN_PROGRESS -> AUDIT_PENDING -> AUDIT_PASSED -> PROOF_SUBMITTED
//	    -> PROOF_VERIFIED -> MILESTONE_RELEASED -> WORK_IN_PROGRESS | TASK_COMPLETE
//
//	AUDIT_PENDING -> AUDIT_FAILED -> DISPUTE_RAISED -> MEDIATION_PENDING -> DISPUTE_RESOLVED
//
// CANCELLED follows an emergency refund from any state after the escrow is
// locked. Messages that do not fit the table are recorded on the task and
// ignored.
package workflow
