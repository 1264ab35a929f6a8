// Package executor serializes ledger mutations for one signing identity.
//
// An [Executor] owns a FIFO queue and a single worker goroutine, so the next
// transaction is built only after the previous one has been confirmed or has
// failed for good. That single-writer discipline is what keeps the signer's
// nonce sequence gap-free.
//
// Submit runs a synchronous preflight against the local ledger view before
// anything is queued. Requests that would obviously revert (bad task IDs,
// missing roles, short balances, out-of-order milestones) fail fast with a
// categorized [errors.ExecutionError] and never cost a nonce.
//
// Queued requests are sent through retry.Do. Chain-category failures (nonce
// conflicts, unavailable endpoint, per-attempt timeouts) are retried with
// linear backoff, re-reading the confirmed nonce before every retry. Anything
// else is returned on the first failure. Once a request is queued, Submit
// waits for its outcome even if the caller's context is cancelled.
package executor
