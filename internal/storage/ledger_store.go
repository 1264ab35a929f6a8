package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/token"
)

// State is everything needed to rebuild the ledger and its token.
type State struct {
	Ledger   ledger.Snapshot
	Holdings []token.Holding
	Grants   []token.Grant
}

// Empty reports whether nothing has been persisted yet.
func (s State) Empty() bool {
	return len(s.Ledger.Escrows) == 0 && len(s.Holdings) == 0
}

// Apply writes one ledger change in a single transaction.
func (d *DB) Apply(ctx context.Context, c ledger.Change) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.Escrow.TaskID != "" {
		if err := upsertEscrow(ctx, tx, c.Escrow); err != nil {
			return err
		}
	}
	if c.Proof != nil {
		if err := upsertProof(ctx, tx, *c.Proof); err != nil {
			return err
		}
	}
	for agent, score := range c.Reputations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reputations (agent, score, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(agent) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
			agent, score, toUnix(c.Escrow.UpdatedAt),
		); err != nil {
			return fmt.Errorf("save reputation %s: %w", agent, err)
		}
	}
	if err := saveBalances(ctx, tx, c.Balances); err != nil {
		return err
	}
	for _, a := range c.Allowances {
		if err := saveAllowance(ctx, tx, a.Owner, a.Spender, a.Amount); err != nil {
			return err
		}
	}
	for _, e := range c.Events {
		if err := appendEvent(ctx, tx, string(c.Op), e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveToken replaces the persisted token state with holdings and grants.
// It is used after bootstrap credits, which do not pass through the ledger.
func (d *DB) SaveToken(ctx context.Context, holdings []token.Holding, grants []token.Grant) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM balances`); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM allowances`); err != nil {
		return fmt.Errorf("clear allowances: %w", err)
	}
	balances := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		balances[h.Account] = h.Balance
	}
	if err := saveBalances(ctx, tx, balances); err != nil {
		return err
	}
	for _, g := range grants {
		if err := saveAllowance(ctx, tx, g.Owner, g.Spender, g.Amount); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads the full persisted state.
func (d *DB) Load(ctx context.Context) (State, error) {
	var s State
	var err error
	if s.Ledger.Escrows, err = d.ListEscrows(ctx); err != nil {
		return State{}, err
	}
	if s.Ledger.Proofs, err = d.listProofs(ctx, ""); err != nil {
		return State{}, err
	}
	if s.Ledger.Reputations, err = d.Reputations(ctx); err != nil {
		return State{}, err
	}
	if s.Holdings, err = d.listHoldings(ctx); err != nil {
		return State{}, err
	}
	if s.Grants, err = d.listGrants(ctx); err != nil {
		return State{}, err
	}
	return s, nil
}

const escrowColumns = `task_id, payer, agent, total_amount, paid_amount, total_milestones,
	milestones_completed, is_active, is_completed, cancelled, dispute_status, dispute_raised_by,
	settled_to_agent, returned_to_payer, created_at, updated_at`

func upsertEscrow(ctx context.Context, tx *sql.Tx, e ledger.Escrow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO escrows (`+escrowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   paid_amount = excluded.paid_amount,
		   milestones_completed = excluded.milestones_completed,
		   is_active = excluded.is_active,
		   is_completed = excluded.is_completed,
		   cancelled = excluded.cancelled,
		   dispute_status = excluded.dispute_status,
		   dispute_raised_by = excluded.dispute_raised_by,
		   settled_to_agent = excluded.settled_to_agent,
		   returned_to_payer = excluded.returned_to_payer,
		   updated_at = excluded.updated_at`,
		e.TaskID, e.Payer, e.Agent, e.TotalAmount, e.PaidAmount, e.TotalMilestones,
		e.MilestonesCompleted, boolToInt(e.IsActive), boolToInt(e.IsCompleted), boolToInt(e.Cancelled),
		string(e.DisputeStatus), e.DisputeRaisedBy, e.SettledToAgent, e.ReturnedToPayer,
		toUnix(e.CreatedAt), toUnix(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save escrow %s: %w", e.TaskID, err)
	}
	return nil
}

func upsertProof(ctx context.Context, tx *sql.Tx, p ledger.WorkProof) error {
	var verifiedAt sql.NullInt64
	if !p.VerifiedAt.IsZero() {
		verifiedAt = sql.NullInt64{Int64: toUnix(p.VerifiedAt), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO proofs (task_id, milestone_index, agent, hash, submitted_at, verified, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, milestone_index) DO UPDATE SET
		   verified = excluded.verified,
		   verified_at = excluded.verified_at`,
		p.TaskID, p.Index, p.Agent, p.Hash, toUnix(p.SubmittedAt), boolToInt(p.Verified), verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("save proof %s/%d: %w", p.TaskID, p.Index, err)
	}
	return nil
}

func saveBalances(ctx context.Context, tx *sql.Tx, balances map[string]int64) error {
	for account, balance := range balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO balances (account, balance) VALUES (?, ?)
			 ON CONFLICT(account) DO UPDATE SET balance = excluded.balance`,
			account, balance,
		); err != nil {
			return fmt.Errorf("save balance %s: %w", account, err)
		}
	}
	return nil
}

func saveAllowance(ctx context.Context, tx *sql.Tx, owner, spender string, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO allowances (owner, spender, amount) VALUES (?, ?, ?)
		 ON CONFLICT(owner, spender) DO UPDATE SET amount = excluded.amount`,
		owner, spender, amount,
	)
	if err != nil {
		return fmt.Errorf("save allowance %s->%s: %w", owner, spender, err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, op string, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	var taskID sql.NullString
	if scoped, ok := e.(event.TaskScoped); ok {
		taskID = sql.NullString{String: scoped.EventTaskID(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (op, type, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		op, e.EventType(), taskID, string(payload), toUnix(e.Timestamp()),
	)
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.EventType(), err)
	}
	return nil
}

// GetEscrow retrieves one escrow. It returns sql.ErrNoRows (wrapped) when
// the task has none.
func (d *DB) GetEscrow(ctx context.Context, taskID string) (ledger.Escrow, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE task_id = ?`, taskID)
	e, err := scanEscrow(row)
	if err != nil {
		return ledger.Escrow{}, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

// ListEscrows returns every escrow ordered by creation.
func (d *DB) ListEscrows(ctx context.Context) ([]ledger.Escrow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var escrows []ledger.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (ledger.Escrow, error) {
	var e ledger.Escrow
	var active, completed, cancelled int
	var status string
	var raisedBy sql.NullString
	var created, updated int64
	err := s.Scan(&e.TaskID, &e.Payer, &e.Agent, &e.TotalAmount, &e.PaidAmount, &e.TotalMilestones,
		&e.MilestonesCompleted, &active, &completed, &cancelled, &status, &raisedBy,
		&e.SettledToAgent, &e.ReturnedToPayer, &created, &updated)
	if err != nil {
		return ledger.Escrow{}, err
	}
	e.IsActive = active != 0
	e.IsCompleted = completed != 0
	e.Cancelled = cancelled != 0
	e.DisputeStatus = ledger.DisputeStatus(status)
	e.DisputeRaisedBy = raisedBy.String
	e.CreatedAt = fromUnix(created)
	e.UpdatedAt = fromUnix(updated)
	return e, nil
}

// Proofs returns the proofs recorded for taskID ordered by index.
func (d *DB) Proofs(ctx context.Context, taskID string) ([]ledger.WorkProof, error) {
	return d.listProofs(ctx, taskID)
}

func (d *DB) listProofs(ctx context.Context, taskID string) ([]ledger.WorkProof, error) {
	query := `SELECT task_id, milestone_index, agent, hash, submitted_at, verified, verified_at FROM proofs`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY task_id, milestone_index`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	var proofs []ledger.WorkProof
	for rows.Next() {
		var p ledger.WorkProof
		var submitted int64
		var verified int
		var verifiedAt sql.NullInt64
		if err := rows.Scan(&p.TaskID, &p.Index, &p.Agent, &p.Hash, &submitted, &verified, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		p.SubmittedAt = fromUnix(submitted)
		p.Verified = verified != 0
		if verifiedAt.Valid {
			p.VerifiedAt = fromUnix(verifiedAt.Int64)
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

// Reputations returns every persisted agent score.
func (d *DB) Reputations(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT agent, score FROM reputations`)
	if err != nil {
		return nil, fmt.Errorf("list reputations: %w", err)
	}
	defer rows.Close()

	reps := make(map[string]int)
	for rows.Next() {
		var agent string
		var score int
		if err := rows.Scan(&agent, &score); err != nil {
			return nil, fmt.Errorf("scan reputation: %w", err)
		}
		reps[agent] = score
	}
	return reps, rows.Err()
}

func (d *DB) listHoldings(ctx context.Context) ([]token.Holding, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT account, balance FROM balances WHERE balance > 0 ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var holdings []token.Holding
	for rows.Next() {
		var h token.Holding
		if err := rows.Scan(&h.Account, &h.Balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (d *DB) listGrants(ctx context.Context) ([]token.Grant, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT owner, spender, amount FROM allowances WHERE amount > 0 ORDER BY owner, spender`)
	if err != nil {
		return nil, fmt.Errorf("list allowances: %w", err)
	}
	defer rows.Close()

	var grants []token.Grant
	for rows.Next() {
		var g token.Grant
		if err := rows.Scan(&g.Owner, &g.Spender, &g.Amount); err != nil {
			return nil, fmt.Errorf("scan allowance: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
