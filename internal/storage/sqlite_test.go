package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/token"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", DefaultFileName)
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	expected := []string{"escrows", "proofs", "reputations", "balances", "allowances", "events"}
	for _, table := range expected {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewDB_PragmasOnEveryConnection(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Hold two connections at once so the pool cannot hand back the same one.
	conns := make([]*sql.Conn, 2)
	for i := range conns {
		c, err := db.db.Conn(ctx)
		if err != nil {
			t.Fatalf("Conn: %v", err)
		}
		defer c.Close()
		conns[i] = c
	}

	for i, c := range conns {
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatal(err)
		}
		var timeout, fk int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if mode != "wal" || timeout != 5000 || fk != 1 {
			t.Errorf("conn %d: journal_mode=%s busy_timeout=%d foreign_keys=%d", i, mode, timeout, fk)
		}
	}
}

func TestNewDB_MigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := NewDB(dbPath)
		if err != nil {
			t.Fatalf("NewDB (open %d): %v", i+1, err)
		}
		db.Close()
	}
}

// runLedger drives a ledger backed by db through one completed and one
// disputed escrow.
func runLedger(t *testing.T, db *DB) (*ledger.Ledger, *token.Book) {
	t.Helper()
	ctx := context.Background()

	book := token.NewBook()
	if err := book.Credit("payer", 1000); err != nil {
		t.Fatal(err)
	}
	if err := book.Approve("payer", ledger.DefaultCustody, 1000); err != nil {
		t.Fatal(err)
	}
	holdings, grants := book.Snapshot()
	if err := db.SaveToken(ctx, holdings, grants); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	l := ledger.New(book, ledger.WithStore(db))
	for _, r := range ledger.AllRoles() {
		l.Grant(r, "operator")
	}

	must := func(_ ledger.Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(l.CreateEscrow(ctx, "payer", "T1", "agent", 100, 2))
	must(l.SubmitWorkProof(ctx, "agent", "T1", 0, "h0"))
	must(l.VerifyWorkProof(ctx, "operator", "T1", 0))
	must(l.ReleaseMilestone(ctx, "operator", "T1", 0))
	must(l.SubmitWorkProof(ctx, "agent", "T1", 1, "h1"))
	must(l.VerifyWorkProof(ctx, "operator", "T1", 1))
	must(l.ReleaseMilestone(ctx, "operator", "T1", 1))

	must(l.CreateEscrow(ctx, "payer", "T2", "agent", 60, 3))
	must(l.RaiseDispute(ctx, "payer", "T2"))
	must(l.ResolveDispute(ctx, "operator", "T2", ledger.ResolutionRefund))
	return l, book
}

func TestApply_LoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	l, book := runLedger(t, db)

	state, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Empty() {
		t.Fatal("state should not be empty")
	}

	want := l.Snapshot()
	if len(state.Ledger.Escrows) != len(want.Escrows) {
		t.Fatalf("loaded %d escrows, want %d", len(state.Ledger.Escrows), len(want.Escrows))
	}
	for i, e := range state.Ledger.Escrows {
		w := want.Escrows[i]
		if e.TaskID != w.TaskID || e.PaidAmount != w.PaidAmount || e.IsActive != w.IsActive ||
			e.IsCompleted != w.IsCompleted || e.DisputeStatus != w.DisputeStatus ||
			e.ReturnedToPayer != w.ReturnedToPayer || !e.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("escrow %d = %+v, want %+v", i, e, w)
		}
	}
	if len(state.Ledger.Proofs) != 2 || !state.Ledger.Proofs[1].Verified {
		t.Errorf("proofs = %+v", state.Ledger.Proofs)
	}
	if state.Ledger.Reputations["agent"] != 45 {
		t.Errorf("reputation = %d, want 45", state.Ledger.Reputations["agent"])
	}

	balances := make(map[string]int64)
	for _, h := range state.Holdings {
		balances[h.Account] = h.Balance
	}
	for _, account := range []string{"payer", "agent", ledger.DefaultCustody} {
		if balances[account] != book.BalanceOf(account) {
			t.Errorf("%s balance = %d, want %d", account, balances[account], book.BalanceOf(account))
		}
	}
	if len(state.Grants) != 1 || state.Grants[0].Amount != book.Allowance("payer", ledger.DefaultCustody) {
		t.Errorf("grants = %+v", state.Grants)
	}

	restored := ledger.New(token.NewBook())
	if err := restored.Restore(state.Ledger); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if e, ok := restored.Escrow("T2"); !ok || e.State() != ledger.StateRefunded {
		t.Errorf("restored T2 = %+v", e)
	}
}

func TestEvents_Journal(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	runLedger(t, db)

	all, err := db.Events(ctx, "", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
	}

	t2, err := db.Events(ctx, "T2", 0)
	if err != nil {
		t.Fatal(err)
	}
	wantTypes := []string{"escrow.created", "dispute.raised", "dispute.resolved"}
	if len(t2) != len(wantTypes) {
		t.Fatalf("T2 events = %d, want %d", len(t2), len(wantTypes))
	}
	for i, e := range t2 {
		if e.Type != wantTypes[i] || e.TaskID != "T2" {
			t.Errorf("event %d = %s/%s", i, e.Type, e.TaskID)
		}
	}
	if t2[2].Op != string(ledger.OpResolveDispute) {
		t.Errorf("op = %s", t2[2].Op)
	}

	limited, err := db.Events(ctx, "", 2)
	if err != nil || len(limited) != 2 {
		t.Errorf("limited = %d, %v", len(limited), err)
	}
}

func TestGetEscrow_NotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetEscrow(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestApply_RejectsOverpaidEscrow(t *testing.T) {
	db := testDB(t)
	err := db.Apply(context.Background(), ledger.Change{
		Op:     ledger.OpCreateEscrow,
		TaskID: "bad",
		Escrow: ledger.Escrow{
			TaskID: "bad", Payer: "p", Agent: "a", TotalAmount: 10, PaidAmount: 11,
			TotalMilestones: 1, DisputeStatus: ledger.DisputeNone,
		},
	})
	if err == nil {
		t.Fatal("Apply should fail the paid <= total check")
	}
	if _, err := db.GetEscrow(context.Background(), "bad"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("failed change left a row behind: %v", err)
	}
}
