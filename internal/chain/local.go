package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/logging"
)

// Fault is an injected failure. Count is how many matching sends fail;
// Signer and Op narrow the match when set.
type Fault struct {
	Signer string
	Op     ledger.Op
	Err    error
	Count  int
}

// Local is an in-process Client over a ledger.
type Local struct {
	ledger  *ledger.Ledger
	logger  *logging.Logger
	latency time.Duration
	now     func() time.Time

	mu     sync.Mutex
	nonces map[string]uint64
	block  uint64
	faults []*Fault
	sent   int
}

// LocalOption configures a Local client.
type LocalOption func(*Local)

// WithLogger sets the client logger.
func WithLogger(logger *logging.Logger) LocalOption {
	return func(c *Local) { c.logger = logger }
}

// WithLatency delays every send by d, or until the context is done.
func WithLatency(d time.Duration) LocalOption {
	return func(c *Local) { c.latency = d }
}

// WithClock overrides time.Now for receipts.
func WithClock(now func() time.Time) LocalOption {
	return func(c *Local) { c.now = now }
}

// NewLocal creates a client that applies transactions to l.
func NewLocal(l *ledger.Ledger, opts ...LocalOption) *Local {
	c := &Local{
		ledger: l,
		now:    time.Now,
		nonces: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With("component", "chain")
	return c
}

// InjectFault queues f. Faults are matched in the order they were injected.
// A nil Err defaults to errors.ErrChainUnavailable.
func (c *Local) InjectFault(f Fault) {
	if f.Err == nil {
		f.Err = errors.ErrChainUnavailable
	}
	if f.Count <= 0 {
		f.Count = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &f)
}

// AdvanceNonce consumes signer's next nonce without applying anything. It
// simulates a competing transaction from the same key.
func (c *Local) AdvanceNonce(signer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[signer]++
}

// Sent returns how many transactions reached the ledger.
func (c *Local) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// ConfirmedNonce implements Client.
func (c *Local) ConfirmedNonce(ctx context.Context, signer string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[signer], nil
}

// Send implements Client.
func (c *Local) Send(ctx context.Context, tx Tx) (*Receipt, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	if err := c.takeFault(tx); err != nil {
		c.mu.Unlock()
		c.logger.WithSigner(tx.Signer).Debug("injected fault", "op", string(tx.Op), "error", err)
		return nil, err
	}
	if want := c.nonces[tx.Signer]; tx.Nonce != want {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sent nonce %d, chain expects %d",
			errors.ErrNonceConflict, tx.Signer, tx.Nonce, want)
	}
	// The nonce is consumed before the ledger call so that a reverted
	// transaction cannot be replayed.
	c.nonces[tx.Signer]++
	c.sent++
	c.block++
	block := c.block
	c.mu.Unlock()

	res, err := c.dispatch(ctx, tx)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		TxHash:      tx.Hash(),
		Signer:      tx.Signer,
		Nonce:       tx.Nonce,
		Block:       block,
		ConfirmedAt: c.now(),
		Result:      res,
	}
	c.logger.WithTask(tx.TaskID).Debug("transaction confirmed",
		"op", string(tx.Op), "signer", tx.Signer, "nonce", tx.Nonce, "tx_hash", receipt.TxHash)
	return receipt, nil
}

// takeFault requires c.mu held.
func (c *Local) takeFault(tx Tx) error {
	for i, f := range c.faults {
		if f.Signer != "" && f.Signer != tx.Signer {
			continue
		}
		if f.Op != "" && f.Op != tx.Op {
			continue
		}
		f.Count--
		if f.Count <= 0 {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
		}
		return f.Err
	}
	return nil
}

func (c *Local) dispatch(ctx context.Context, tx Tx) (ledger.Result, error) {
	l := c.ledger
	switch tx.Op {
	case ledger.OpCreateEscrow:
		return l.CreateEscrow(ctx, tx.Signer, tx.TaskID, tx.Agent, tx.Amount, tx.Milestones)
	case ledger.OpSubmitProof:
		return l.SubmitWorkProof(ctx, tx.Signer, tx.TaskID, tx.Index, tx.ProofHash)
	case ledger.OpVerifyProof:
		return l.VerifyWorkProof(ctx, tx.Signer, tx.TaskID, tx.Index)
	case ledger.OpReleaseMilestone:
		return l.ReleaseMilestone(ctx, tx.Signer, tx.TaskID, tx.Index)
	case ledger.OpRaiseDispute:
		return l.RaiseDispute(ctx, tx.Signer, tx.TaskID)
	case ledger.OpResolveDispute:
		return l.ResolveDispute(ctx, tx.Signer, tx.TaskID, tx.Resolution)
	case ledger.OpEmergencyRefund:
		return l.EmergencyRefund(ctx, tx.Signer, tx.TaskID)
	default:
		return ledger.Result{}, errors.NewValidationError("unknown operation").
			WithField("op").WithValue(string(tx.Op))
	}
}
