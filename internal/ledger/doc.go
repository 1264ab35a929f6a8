// Package ledger implements the milestone escrow ledger: the authoritative
// custody and milestone bookkeeping for every task.
//
// One escrow exists per task ID, ever. Its lifecycle is
//
//	NONE -> ACTIVE -> COMPLETED
//	               -> OPEN -> RESOLVED_FULL | RESOLVED_PARTIAL | REFUNDED
//	               -> CANCELLED (emergency refund)
//
// and every state other than ACTIVE and OPEN is terminal.
//
// Each operation runs under one lock: it is validated, tokens move, the
// optional [Store] persists the [Change], and only then is the in-memory
// state committed. A failed transfer or persistence error reverses any
// tokens already moved. Committed events are published on the event bus
// in commit order.
//
// Milestone payouts are total/milestones truncated; the final milestone
// receives total-paid so no unit is stranded. A PARTIAL resolution gives the
// agent floor(remaining/2) and the payer the rest.
package ledger
