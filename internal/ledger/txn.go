package ledger

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
)

// transfer is a staged token movement. pull moves from an owner into custody
// through the custody allowance; otherwise custody pays to.
type transfer struct {
	pull    bool
	account string
	amount  int64
}

// txn stages one operation. Nothing is visible to readers until commit.
type txn struct {
	l      *Ledger
	op     Op
	taskID string

	escrow    *Escrow
	proof     *WorkProof
	reps      map[string]int
	transfers []transfer
	events    []event.Event
	result    Result
}

// apply runs stage under the ledger lock, moves tokens, persists and
// commits. Events are published after the lock is released, in commit order.
func (l *Ledger) apply(ctx context.Context, op Op, taskID string, index int, stage func(*txn) error) (Result, error) {
	l.mu.Lock()

	t := &txn{l: l, op: op, taskID: taskID, reps: make(map[string]int)}
	t.result = Result{Op: op, TaskID: taskID, Index: index}

	fail := func(cause error) (Result, error) {
		l.mu.Unlock()
		lerr := errors.NewLedgerError(string(op), cause).WithTaskID(taskID)
		if index >= 0 {
			lerr = lerr.WithIndex(index)
		}
		l.logger.WithTask(taskID).Debug("ledger operation rejected", "op", string(op), "error", cause)
		return Result{}, lerr
	}

	if err := stage(t); err != nil {
		return fail(err)
	}
	if t.escrow != nil {
		t.escrow.UpdatedAt = l.now()
	}

	done, err := t.moveFunds()
	if err != nil {
		t.compensate(done)
		return fail(fmt.Errorf("%w: %w", errors.ErrTransferFailed, err))
	}

	if l.store != nil {
		if err := l.store.Apply(ctx, t.change()); err != nil {
			t.compensate(done)
			l.logger.WithTask(taskID).Error("ledger persistence failed", "op", string(op), "error", err)
			return fail(fmt.Errorf("%w: %w", errors.ErrPersistenceUnavailable, err))
		}
	}

	t.commit()

	// Hand the publish lock over before releasing the state lock so events
	// from consecutive operations cannot interleave.
	l.pubMu.Lock()
	l.mu.Unlock()
	defer l.pubMu.Unlock()

	l.logger.WithTask(taskID).Info("ledger operation committed", "op", string(op), "events", len(t.events))
	if l.bus != nil {
		for _, e := range t.events {
			l.bus.Publish(e)
		}
	}
	return t.result, nil
}

// load stages a copy of the escrow for t.taskID.
func (t *txn) load() (*Escrow, error) {
	if t.escrow != nil {
		return t.escrow, nil
	}
	e, ok := t.l.escrows[t.taskID]
	if !ok {
		return nil, errors.ErrEscrowNotFound
	}
	staged := *e
	t.escrow = &staged
	return t.escrow, nil
}

func (t *txn) pull(from string, amount int64) {
	if amount > 0 {
		t.transfers = append(t.transfers, transfer{pull: true, account: from, amount: amount})
	}
}

func (t *txn) push(to string, amount int64) {
	if amount > 0 {
		t.transfers = append(t.transfers, transfer{account: to, amount: amount})
	}
}

func (t *txn) emit(e event.Event) {
	t.events = append(t.events, e)
}

func (t *txn) currentReputation(agent string) (int, bool) {
	if score, ok := t.reps[agent]; ok {
		return score, true
	}
	score, ok := t.l.reputations[agent]
	return score, ok
}

func (t *txn) initReputation(agent string) {
	if _, ok := t.currentReputation(agent); ok {
		return
	}
	t.reps[agent] = InitialReputation
	t.emit(event.NewReputationUpdatedEvent(agent, InitialReputation, InitialReputation, "initialized"))
}

func (t *txn) adjustReputation(agent string, delta int, reason string) {
	old, ok := t.currentReputation(agent)
	if !ok {
		old = InitialReputation
	}
	next := clampReputation(old + delta)
	t.reps[agent] = next
	t.emit(event.NewReputationUpdatedEvent(agent, old, next, reason))
}

// moveFunds executes staged transfers in order and returns those that
// succeeded.
func (t *txn) moveFunds() ([]transfer, error) {
	custody := t.l.custody
	var done []transfer
	for _, tr := range t.transfers {
		var err error
		if tr.pull {
			err = t.l.token.TransferFrom(custody, tr.account, custody, tr.amount)
		} else {
			err = t.l.token.Transfer(custody, tr.account, tr.amount)
		}
		if err != nil {
			return done, err
		}
		done = append(done, tr)
	}
	return done, nil
}

// compensate reverses completed transfers, newest first.
func (t *txn) compensate(done []transfer) {
	custody := t.l.custody
	for i := len(done) - 1; i >= 0; i-- {
		tr := done[i]
		var err error
		if tr.pull {
			err = t.l.token.Transfer(custody, tr.account, tr.amount)
			if err == nil {
				err = t.l.token.Approve(tr.account, custody, t.l.token.Allowance(tr.account, custody)+tr.amount)
			}
		} else {
			err = t.l.token.Transfer(tr.account, custody, tr.amount)
		}
		if err != nil {
			t.l.logger.WithTask(t.taskID).Error("failed to reverse transfer",
				"account", tr.account, "amount", tr.amount, "error", err)
		}
	}
}

func (t *txn) change() Change {
	c := Change{
		Op:          t.op,
		TaskID:      t.taskID,
		Proof:       t.proof,
		Reputations: t.reps,
		Events:      t.events,
		Balances:    make(map[string]int64),
	}
	if t.escrow != nil {
		c.Escrow = *t.escrow
	} else if e, ok := t.l.escrows[t.taskID]; ok {
		c.Escrow = *e
	}

	custody := t.l.custody
	c.Balances[custody] = t.l.token.BalanceOf(custody)
	for _, tr := range t.transfers {
		c.Balances[tr.account] = t.l.token.BalanceOf(tr.account)
		if tr.pull {
			c.Allowances = append(c.Allowances, Allowance{
				Owner:   tr.account,
				Spender: custody,
				Amount:  t.l.token.Allowance(tr.account, custody),
			})
		}
	}
	return c
}

func (t *txn) commit() {
	if t.escrow != nil {
		t.l.escrows[t.taskID] = t.escrow
		t.result.Escrow = *t.escrow
	} else if e, ok := t.l.escrows[t.taskID]; ok {
		t.result.Escrow = *e
	}
	if t.proof != nil {
		t.l.proofs[proofKey{t.proof.TaskID, t.proof.Index}] = t.proof
	}
	for agent, score := range t.reps {
		t.l.reputations[agent] = score
	}
	t.result.Events = t.events
}
