package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/milestone/internal/chain"
	"github.com/Iron-Ham/milestone/internal/errors"
	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/ledger"
	"github.com/Iron-Ham/milestone/internal/retry"
	"github.com/Iron-Ham/milestone/internal/token"
)

// fastPolicy retries without waiting.
func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts}
}

type harness struct {
	book   *token.Book
	ledger *ledger.Ledger
	client *chain.Local
	bus    *event.Bus
	failed []event.ExecutionFailedEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{book: token.NewBook(), bus: event.NewBus()}
	if err := h.book.Credit("payer", 1000); err != nil {
		t.Fatal(err)
	}
	if err := h.book.Approve("payer", ledger.DefaultCustody, 1000); err != nil {
		t.Fatal(err)
	}
	h.ledger = ledger.New(h.book)
	for _, r := range ledger.AllRoles() {
		h.ledger.Grant(r, "operator")
	}
	h.client = chain.NewLocal(h.ledger)
	h.bus.Subscribe(event.TypeExecutionFailed, func(e event.Event) {
		h.failed = append(h.failed, e.(event.ExecutionFailedEvent))
	})
	return h
}

func (h *harness) executor(t *testing.T, signer string, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithPolicy(fastPolicy(5)), WithBus(h.bus)}, opts...)
	e := New(signer, h.client, h.ledger, h.book, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestSubmit_Success(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")

	out, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 100, 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Attempts != 1 || out.Receipt == nil || out.Receipt.Nonce != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Receipt.Result.Amount != 100 {
		t.Errorf("result = %+v", out.Receipt.Result)
	}
	if _, ok := h.ledger.Escrow("T1"); !ok {
		t.Error("escrow not created")
	}

	out, err = payer.Submit(context.Background(), RaiseDispute("T1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Receipt.Nonce != 1 {
		t.Errorf("second nonce = %d, want 1", out.Receipt.Nonce)
	}
}

func TestSubmit_RetriesInjectedFaults(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")
	h.client.InjectFault(chain.Fault{Signer: "payer", Count: 2})

	out, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 100, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	state := payer.Attempts().GetState("T1", string(ledger.OpCreateEscrow))
	if state == nil || state.Attempts != 3 || !state.Succeeded || len(state.Errors) != 2 {
		t.Errorf("attempt state = %+v", state)
	}
}

func TestSubmit_RecoversFromStaleNonce(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")

	if _, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 10, 1)); err != nil {
		t.Fatal(err)
	}
	// Another process spends the next nonce from the same key.
	h.client.AdvanceNonce("payer")

	out, err := payer.Submit(context.Background(), CreateEscrow("T2", "agent", 10, 1))
	if err != nil {
		t.Fatalf("Submit after nonce race: %v", err)
	}
	if out.Attempts != 2 || out.Receipt.Nonce != 2 {
		t.Errorf("outcome attempts=%d nonce=%d, want 2/2", out.Attempts, out.Receipt.Nonce)
	}
	if h.client.Sent() != 2 {
		t.Errorf("ledger saw %d transactions, want 2", h.client.Sent())
	}
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer", WithPolicy(fastPolicy(3)))
	h.client.InjectFault(chain.Fault{Count: 10})

	_, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 100, 1))
	var xerr *errors.ExecutionError
	if !errors.As(err, &xerr) {
		t.Fatalf("err = %T %v, want *ExecutionError", err, err)
	}
	if !errors.Is(err, errors.ErrRetriesExhausted) || !errors.Is(err, errors.ErrChainUnavailable) {
		t.Errorf("err should wrap exhaustion and the last failure: %v", err)
	}
	if xerr.Attempts != 3 || xerr.Category() != errors.CategoryChain || xerr.TaskID != "T1" || xerr.Signer != "payer" {
		t.Errorf("execution error = %+v", xerr)
	}
	if xerr.IsRetryable() || errors.IsRetryable(err) {
		t.Error("exhausted execution error reads as retryable")
	}
	if len(h.failed) != 1 || h.failed[0].Attempts != 3 {
		t.Errorf("failure events = %+v", h.failed)
	}
	if _, ok := h.ledger.Escrow("T1"); ok {
		t.Error("escrow created despite failure")
	}
}

func TestSubmit_NonRetryableFailsOnce(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")
	h.client.InjectFault(chain.Fault{Err: errors.ErrUnauthorized, Count: 5})

	_, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 100, 1))
	var xerr *errors.ExecutionError
	if !errors.As(err, &xerr) {
		t.Fatalf("err = %v", err)
	}
	if xerr.Attempts != 1 || xerr.Category() != errors.CategoryPermission {
		t.Errorf("attempts=%d category=%s", xerr.Attempts, xerr.Category())
	}
}

func TestSubmit_Preflight(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")
	agent := h.executor(t, "agent")
	operator := h.executor(t, "operator")
	ctx := context.Background()

	if _, err := payer.Submit(ctx, CreateEscrow("T1", "agent", 100, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := agent.Submit(ctx, SubmitProof("T1", 0, "h0")); err != nil {
		t.Fatal(err)
	}
	for _, req := range []struct {
		exec *Executor
		req  Request
	}{
		{payer, CreateEscrow("R1", "agent", 10, 1)},
		{payer, RaiseDispute("R1")},
		{operator, EmergencyRefund("R1")},
	} {
		if _, err := req.exec.Submit(ctx, req.req); err != nil {
			t.Fatal(err)
		}
	}
	sent := h.client.Sent()

	tests := []struct {
		name     string
		exec     *Executor
		req      Request
		want     error
		category errors.Category
	}{
		{"malformed task id", payer, CreateEscrow("bad id!", "agent", 10, 1), errors.ErrInvalidInput, errors.CategoryValidation},
		{"self as agent", payer, CreateEscrow("T2", "payer", 10, 1), errors.ErrInvalidAgent, errors.CategoryValidation},
		{"zero amount", payer, CreateEscrow("T2", "agent", 0, 1), errors.ErrInvalidAmount, errors.CategoryValidation},
		{"no milestones", payer, CreateEscrow("T2", "agent", 10, 0), errors.ErrInvalidMilestoneCount, errors.CategoryValidation},
		{"duplicate escrow", payer, CreateEscrow("T1", "agent", 10, 1), errors.ErrDuplicateTask, errors.CategoryState},
		{"short balance", payer, CreateEscrow("T2", "agent", 5000, 1), errors.ErrInsufficientBalance, errors.CategoryPermission},
		{"unfunded signer", agent, CreateEscrow("T2", "operator", 10, 1), errors.ErrInsufficientBalance, errors.CategoryPermission},
		{"release without role", payer, ReleaseMilestone("T1", 0), errors.ErrUnauthorized, errors.CategoryPermission},
		{"release out of order", operator, ReleaseMilestone("T1", 1), errors.ErrSequenceError, errors.CategoryState},
		{"duplicate proof", agent, SubmitProof("T1", 0, "again"), errors.ErrDuplicateProof, errors.CategoryState},
		{"proof by payer", payer, SubmitProof("T1", 1, "h1"), errors.ErrUnauthorized, errors.CategoryPermission},
		{"proof index out of range", agent, SubmitProof("T1", 2, "h2"), errors.ErrInvalidIndex, errors.CategoryValidation},
		{"verify missing proof", operator, VerifyProof("T1", 1), errors.ErrNoProof, errors.CategoryState},
		{"resolve without dispute", operator, ResolveDispute("T1", ledger.ResolutionFull), errors.ErrNoOpenDispute, errors.CategoryState},
		{"resolve after refund", operator, ResolveDispute("R1", ledger.ResolutionRefund), errors.ErrNotActive, errors.CategoryState},
		{"unknown escrow", operator, EmergencyRefund("T9"), errors.ErrEscrowNotFound, errors.CategoryState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.exec.Submit(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var xerr *errors.ExecutionError
			if !errors.As(err, &xerr) {
				t.Fatalf("err = %T, want *ExecutionError", err)
			}
			if xerr.Category() != tt.category {
				t.Errorf("category = %s, want %s", xerr.Category(), tt.category)
			}
			if xerr.Attempts != 0 || xerr.Suggestion() == "" {
				t.Errorf("attempts=%d suggestion=%q", xerr.Attempts, xerr.Suggestion())
			}
		})
	}
	if h.client.Sent() != sent {
		t.Errorf("preflight failures reached the ledger: sent %d -> %d", sent, h.client.Sent())
	}
	if len(h.failed) != len(tests) {
		t.Errorf("published %d failure events, want %d", len(h.failed), len(tests))
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	h := newHarness(t)
	payer := h.executor(t, "payer")
	payer.Stop()
	payer.Stop()

	_, err := payer.Submit(context.Background(), CreateEscrow("T1", "agent", 10, 1))
	if !errors.Is(err, errors.ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}

// gatedClient counts concurrent sends and can hold them until released.
type gatedClient struct {
	gate     chan struct{}
	mu       sync.Mutex
	inFlight int
	maxIn    int
	nonces   []uint64
	next     uint64
	calls    atomic.Int32
}

func (c *gatedClient) ConfirmedNonce(ctx context.Context, signer string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, nil
}

func (c *gatedClient) Send(ctx context.Context, tx chain.Tx) (*chain.Receipt, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.inFlight++
	c.maxIn = max(c.maxIn, c.inFlight)
	c.mu.Unlock()

	if c.gate != nil {
		<-c.gate
	} else {
		time.Sleep(time.Millisecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if tx.Nonce != c.next {
		return nil, fmt.Errorf("%w: got %d want %d", errors.ErrNonceConflict, tx.Nonce, c.next)
	}
	c.next++
	c.nonces = append(c.nonces, tx.Nonce)
	return &chain.Receipt{TxHash: tx.Hash(), Signer: tx.Signer, Nonce: tx.Nonce}, nil
}

func TestSubmit_SingleWriter(t *testing.T) {
	h := newHarness(t)
	client := &gatedClient{}
	e := New("payer", client, h.ledger, h.book, WithPolicy(fastPolicy(5)))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Go(func() {
			out, err := e.Submit(context.Background(), CreateEscrow(fmt.Sprintf("T%d", i), "agent", 10, 1))
			if err == nil && out.Attempts != 1 {
				err = fmt.Errorf("T%d took %d attempts", i, out.Attempts)
			}
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}

	if client.maxIn != 1 {
		t.Errorf("max concurrent sends = %d, want 1", client.maxIn)
	}
	for i, nonce := range client.nonces {
		if nonce != uint64(i) {
			t.Fatalf("nonce sequence %v has a gap at %d", client.nonces, i)
		}
	}
}

func TestSubmit_AwaitedAfterCallerCancels(t *testing.T) {
	h := newHarness(t)
	client := &gatedClient{gate: make(chan struct{})}
	e := New("payer", client, h.ledger, h.book, WithPolicy(fastPolicy(1)))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, CreateEscrow("T1", "agent", 10, 1))
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for client.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("send never started")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Submit returned before the send finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(client.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Submit = %v, want success", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit never returned")
	}
}

// slowClient never answers until the context ends.
type slowClient struct{ calls atomic.Int32 }

func (c *slowClient) ConfirmedNonce(ctx context.Context, signer string) (uint64, error) {
	return 0, nil
}

func (c *slowClient) Send(ctx context.Context, tx chain.Tx) (*chain.Receipt, error) {
	c.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubmit_AttemptTimeoutIsRetried(t *testing.T) {
	h := newHarness(t)
	client := &slowClient{}
	e := New("payer", client, h.ledger, h.book,
		WithPolicy(fastPolicy(3)), WithAttemptTimeout(5*time.Millisecond))
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	_, err := e.Submit(context.Background(), CreateEscrow("T1", "agent", 10, 1))
	if !errors.Is(err, errors.ErrTimeout) || !errors.Is(err, errors.ErrRetriesExhausted) {
		t.Errorf("err = %v, want exhausted timeouts", err)
	}
	if client.calls.Load() != 3 {
		t.Errorf("sends = %d, want 3", client.calls.Load())
	}
}

func TestPool(t *testing.T) {
	h := newHarness(t)
	pool := NewPool(context.Background(), h.client, h.ledger, h.book, WithPolicy(fastPolicy(2)))

	a := pool.For("payer")
	if pool.For("payer") != a {
		t.Error("For should return the same executor per signer")
	}
	if _, err := a.Submit(context.Background(), CreateEscrow("T1", "agent", 10, 1)); err != nil {
		t.Fatal(err)
	}
	pool.For("agent")
	if got := pool.Signers(); len(got) != 2 || got[0] != "agent" || got[1] != "payer" {
		t.Errorf("signers = %v", got)
	}

	pool.Stop()
	if _, err := pool.For("late").Submit(context.Background(), RaiseDispute("T1")); !errors.Is(err, errors.ErrQueueClosed) {
		t.Errorf("submit after pool stop = %v", err)
	}
}
