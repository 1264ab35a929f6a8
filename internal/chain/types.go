package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Iron-Ham/milestone/internal/ledger"
)

// Tx is one mutating ledger call from a signer.
type Tx struct {
	Signer     string
	Nonce      uint64
	Op         ledger.Op
	TaskID     string
	Index      int
	Agent      string
	Amount     int64
	Milestones int
	ProofHash  string
	Resolution ledger.Resolution
}

// Hash returns the transaction hash: hex SHA-256 over the signer, nonce and
// call, prefixed with 0x.
func (tx Tx) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%d|%s|%d|%d|%s|%s",
		tx.Signer, tx.Nonce, tx.Op, tx.TaskID, tx.Index, tx.Agent,
		tx.Amount, tx.Milestones, tx.ProofHash, tx.Resolution)))
	return "0x" + hex.EncodeToString(sum[:])
}

// Receipt confirms an applied transaction.
type Receipt struct {
	TxHash      string
	Signer      string
	Nonce       uint64
	Block       uint64
	ConfirmedAt time.Time
	Result      ledger.Result
}

// Client submits transactions.
type Client interface {
	// ConfirmedNonce returns the next nonce the chain will accept from signer.
	ConfirmedNonce(ctx context.Context, signer string) (uint64, error)
	// Send submits tx and waits for its receipt.
	Send(ctx context.Context, tx Tx) (*Receipt, error)
}
