package account

import (
	"sort"
	"sync"

	"stablefi/crypto"
)

// Registry indexes accounts by address and resolves forwarded recovery calls.
type Registry struct {
	mu       sync.RWMutex
	accounts map[crypto.Address]*Account
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[crypto.Address]*Account)}
}

// Register adds account and lets it forward recovery calls to other
// registered accounts.
func (r *Registry) Register(account *Account) error {
	if account == nil {
		return ErrZeroAddress
	}
	r.mu.Lock()
	if _, exists := r.accounts[account.address]; exists {
		r.mu.Unlock()
		return ErrAccountExists
	}
	r.accounts[account.address] = account
	r.mu.Unlock()
	account.mu.Lock()
	account.directory = r
	account.mu.Unlock()
	return nil
}

// Get returns the account at addr.
func (r *Registry) Get(addr crypto.Address) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[addr]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return account, nil
}

// Recoverable implements Directory.
func (r *Registry) Recoverable(addr crypto.Address) (Recoverable, error) {
	account, err := r.Get(addr)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Accounts lists registered accounts ordered by address.
func (r *Registry) Accounts() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, account := range r.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address.Less(out[j].address) })
	return out
}
