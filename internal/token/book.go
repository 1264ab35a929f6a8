// Package token implements an in-memory fungible token with balances and
// allowances. It stands in for the token contract the escrow ledger pulls
// funds through; minting is limited to Credit for bootstrap.
package token

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Iron-Ham/milestone/internal/errors"
)

// Book holds balances and allowances. It is safe for concurrent use.
type Book struct {
	mu         sync.RWMutex
	balances   map[string]int64
	allowances map[string]map[string]int64 // owner -> spender -> amount
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{
		balances:   make(map[string]int64),
		allowances: make(map[string]map[string]int64),
	}
}

// Credit mints amount into account.
func (b *Book) Credit(account string, amount int64) error {
	if account == "" {
		return errors.NewValidationError("account is required").WithField("account")
	}
	if amount <= 0 {
		return fmt.Errorf("credit %d: %w", amount, errors.ErrInvalidAmount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] += amount
	return nil
}

// BalanceOf returns the balance of account.
func (b *Book) BalanceOf(account string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[account]
}

// Allowance returns how much spender may pull from owner.
func (b *Book) Allowance(owner, spender string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowances[owner][spender]
}

// Approve sets spender's allowance over owner's funds.
func (b *Book) Approve(owner, spender string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("approve %d: %w", amount, errors.ErrInvalidAmount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowances[owner] == nil {
		b.allowances[owner] = make(map[string]int64)
	}
	b.allowances[owner][spender] = amount
	return nil
}

// Transfer moves amount from one account to another.
func (b *Book) Transfer(from, to string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, to, amount)
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
func (b *Book) TransferFrom(spender, owner, to string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("transfer %d: %w", amount, errors.ErrInvalidAmount)
	}
	if b.allowances[owner][spender] < amount {
		return fmt.Errorf("%s may pull %d from %s, needs %d: %w",
			spender, b.allowances[owner][spender], owner, amount, errors.ErrInsufficientAllowance)
	}
	if err := b.move(owner, to, amount); err != nil {
		return err
	}
	b.allowances[owner][spender] -= amount
	return nil
}

// move requires b.mu held.
func (b *Book) move(from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %d: %w", amount, errors.ErrInvalidAmount)
	}
	if from == "" || to == "" {
		return errors.NewValidationError("transfer endpoints are required")
	}
	if b.balances[from] < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from, b.balances[from], amount, errors.ErrInsufficientBalance)
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

// Holding is one account balance.
type Holding struct {
	Account string
	Balance int64
}

// Grant is one allowance.
type Grant struct {
	Owner   string
	Spender string
	Amount  int64
}

// Snapshot returns every non-zero balance and allowance, sorted.
func (b *Book) Snapshot() ([]Holding, []Grant) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	holdings := make([]Holding, 0, len(b.balances))
	for acct, bal := range b.balances {
		if bal != 0 {
			holdings = append(holdings, Holding{Account: acct, Balance: bal})
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Account < holdings[j].Account })

	var grants []Grant
	for owner, spenders := range b.allowances {
		for spender, amt := range spenders {
			if amt != 0 {
				grants = append(grants, Grant{Owner: owner, Spender: spender, Amount: amt})
			}
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Owner != grants[j].Owner {
			return grants[i].Owner < grants[j].Owner
		}
		return grants[i].Spender < grants[j].Spender
	})
	return holdings, grants
}

// Load replaces the book's contents.
func (b *Book) Load(holdings []Holding, grants []Grant) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balances = make(map[string]int64, len(holdings))
	for _, h := range holdings {
		b.balances[h.Account] = h.Balance
	}
	b.allowances = make(map[string]map[string]int64)
	for _, g := range grants {
		if b.allowances[g.Owner] == nil {
			b.allowances[g.Owner] = make(map[string]int64)
		}
		b.allowances[g.Owner][g.Spender] = g.Amount
	}
}

// Supply returns the sum of all balances.
func (b *Book) Supply() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, bal := range b.balances {
		total += bal
	}
	return total
}
