package collateral

import (
	"errors"
	"math/big"
	"sort"
	"sync"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/token"
)

// journal applies the writes of one operation and records how to undo each of
// them. Every mutating entry point validates first, then applies through a
// journal and either commits or rolls back, so failures in external transfers
// never leave partial state behind.
type journal struct {
	state     State
	undo      []func() error
	events    []events.Event
	committed bool
}

func newJournal(state State) *journal {
	return &journal{state: state}
}

func (j *journal) setCollateral(account crypto.Address, asset string, amount *big.Int) error {
	prev, err := j.state.Collateral(account, asset)
	if err != nil {
		return err
	}
	if err := j.state.SetCollateral(account, asset, amount); err != nil {
		return err
	}
	j.undo = append(j.undo, func() error { return j.state.SetCollateral(account, asset, prev) })
	return nil
}

func (j *journal) setDebt(account crypto.Address, amount *big.Int) error {
	prev, err := j.state.Debt(account)
	if err != nil {
		return err
	}
	if err := j.state.SetDebt(account, amount); err != nil {
		return err
	}
	j.undo = append(j.undo, func() error { return j.state.SetDebt(account, prev) })
	return nil
}

func (j *journal) setDelegated(asset string, amount *big.Int) error {
	prev, err := j.state.Delegated(asset)
	if err != nil {
		return err
	}
	if err := j.state.SetDelegated(asset, amount); err != nil {
		return err
	}
	j.undo = append(j.undo, func() error { return j.state.SetDelegated(asset, prev) })
	return nil
}

func (j *journal) transfer(asset token.Asset, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := asset.Transfer(from, to, amount); err != nil {
		return err
	}
	moved := common.Copy(amount)
	j.undo = append(j.undo, func() error { return asset.Transfer(to, from, moved) })
	return nil
}

func (j *journal) mint(stable token.Mintable, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := stable.Mint(to, amount); err != nil {
		return err
	}
	minted := common.Copy(amount)
	j.undo = append(j.undo, func() error { return stable.Burn(to, minted) })
	return nil
}

func (j *journal) burn(stable token.Mintable, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := stable.Burn(from, amount); err != nil {
		return err
	}
	burned := common.Copy(amount)
	j.undo = append(j.undo, func() error { return stable.Mint(from, burned) })
	return nil
}

// emit queues evt until the journal commits.
func (j *journal) emit(evt events.Event) {
	j.events = append(j.events, evt)
}

// record registers an arbitrary compensation step.
func (j *journal) record(undo func() error) {
	j.undo = append(j.undo, undo)
}

func (j *journal) commit() { j.committed = true }

// rollback undoes recorded steps in reverse order unless the journal was
// committed. Undo failures are joined so they are never silently dropped.
func (j *journal) rollback() error {
	if j.committed {
		return nil
	}
	var errs []error
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	j.undo = nil
	return errors.Join(errs...)
}

// accountLocks serialises operations per account. Multi-account operations
// acquire their locks in address order.
type accountLocks struct {
	mu    sync.Mutex
	locks map[crypto.Address]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[crypto.Address]*sync.Mutex)}
}

func (l *accountLocks) get(account crypto.Address) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[account]
	if !ok {
		m = &sync.Mutex{}
		l.locks[account] = m
	}
	return m
}

// Lock acquires every distinct account lock and returns the release func.
func (l *accountLocks) Lock(accounts ...crypto.Address) func() {
	unique := make([]crypto.Address, 0, len(accounts))
	seen := make(map[crypto.Address]struct{}, len(accounts))
	for _, account := range accounts {
		if _, ok := seen[account]; ok {
			continue
		}
		seen[account] = struct{}{}
		unique = append(unique, account)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Less(unique[j]) })
	held := make([]*sync.Mutex, 0, len(unique))
	for _, account := range unique {
		m := l.get(account)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
