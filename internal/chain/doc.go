// Package chain is the transaction boundary between signers and the escrow
// ledger.
//
// A [Client] accepts signed transactions carrying a per-signer nonce and
// returns receipts. [Local] is the in-process client: it wraps a
// [ledger.Ledger], enforces strict nonce ordering per signer and can inject
// transient faults so callers exercise their retry paths.
//
// A transaction whose nonce does not match the signer's confirmed nonce is
// rejected with errors.ErrNonceConflict before it touches the ledger. A
// transaction that reaches the ledger consumes its nonce whether or not the
// ledger accepts it, the same way a reverted transaction does on a real chain.
package chain
