package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/Iron-Ham/milestone/internal/chain"
)

// Pool holds one started Executor per signer, created on first use.
type Pool struct {
	ctx    context.Context
	client chain.Client
	view   View
	funds  Funds
	opts   []Option

	mu        sync.Mutex
	executors map[string]*Executor
	stopped   bool
}

// NewPool creates a Pool whose executors run under ctx.
func NewPool(ctx context.Context, client chain.Client, view View, funds Funds, opts ...Option) *Pool {
	return &Pool{
		ctx:       ctx,
		client:    client,
		view:      view,
		funds:     funds,
		opts:      opts,
		executors: make(map[string]*Executor),
	}
}

// For returns the executor for signer, starting it if needed. After Stop it
// returns a stopped executor that rejects every request.
func (p *Pool) For(signer string) *Executor {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.executors[signer]; ok {
		return e
	}
	e := New(signer, p.client, p.view, p.funds, p.opts...)
	if p.stopped {
		e.Stop()
	} else if err := e.Start(p.ctx); err != nil {
		e.Stop()
	}
	p.executors[signer] = e
	return e
}

// Signers returns the signers with an executor, sorted.
func (p *Pool) Signers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.executors))
	for s := range p.executors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stop stops every executor, draining their queues.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	executors := make([]*Executor, 0, len(p.executors))
	for _, e := range p.executors {
		executors = append(executors, e)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range executors {
		wg.Go(e.Stop)
	}
	wg.Wait()
}
