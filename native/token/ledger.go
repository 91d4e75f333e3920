package token

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/storage"
)

var (
	ErrInvalidAmount       = common.NewError(common.KindValidation, "token: amount must be positive")
	ErrZeroAddress         = common.NewError(common.KindValidation, "token: zero address")
	ErrInsufficientBalance = common.NewError(common.KindInvariant, "token: insufficient balance")
	ErrTransferFailed      = common.NewError(common.KindDependency, "token: transfer failed")
	ErrUnknownAsset        = common.NewError(common.KindValidation, "token: unknown asset")
)

// Asset is the fungible ledger surface consumed by the protocol for collateral
// assets.
type Asset interface {
	ID() string
	Decimals() uint8
	BalanceOf(holder crypto.Address) *big.Int
	Transfer(from, to crypto.Address, amount *big.Int) error
}

// Mintable extends Asset with supply control. The stable token implements it.
type Mintable interface {
	Asset
	Mint(to crypto.Address, amount *big.Int) error
	Burn(from crypto.Address, amount *big.Int) error
	TotalSupply() *big.Int
}

// Ledger is a fungible ledger persisted in a storage.Database. Balances are
// stored as big-endian magnitudes under "token/<id>/bal/<address>".
type Ledger struct {
	mu       sync.Mutex
	id       string
	decimals uint8
	db       storage.Database
	failNext error
}

// NewLedger opens a ledger for the asset. A nil db uses an in-memory store.
func NewLedger(id string, decimals uint8, db storage.Database) *Ledger {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Ledger{id: strings.ToUpper(strings.TrimSpace(id)), decimals: decimals, db: db}
}

// ID implements Asset.
func (l *Ledger) ID() string { return l.id }

// Decimals implements Asset.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// FailNextTransfer makes the next Transfer, Mint or Burn fail with err wrapped
// in ErrTransferFailed. Used to exercise rollback paths.
func (l *Ledger) FailNextTransfer(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

// BalanceOf implements Asset. Storage errors read as a zero balance.
func (l *Ledger) BalanceOf(holder crypto.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.balance(holder)
	if err != nil {
		return big.NewInt(0)
	}
	return balance
}

// TotalSupply implements Mintable.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.load(l.supplyKey())
	if err != nil {
		return big.NewInt(0)
	}
	return supply
}

// Transfer implements Asset.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.consumeFailure(); err != nil {
		return err
	}
	fromBal, err := l.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, fromBal, l.id, amount)
	}
	if from == to {
		return nil
	}
	toBal, err := l.balance(to)
	if err != nil {
		return err
	}
	if err := l.store(l.balanceKey(from), fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.store(l.balanceKey(to), toBal.Add(toBal, amount))
}

// Mint implements Mintable.
func (l *Ledger) Mint(to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.consumeFailure(); err != nil {
		return err
	}
	bal, err := l.balance(to)
	if err != nil {
		return err
	}
	supply, err := l.load(l.supplyKey())
	if err != nil {
		return err
	}
	if err := l.store(l.balanceKey(to), bal.Add(bal, amount)); err != nil {
		return err
	}
	return l.store(l.supplyKey(), supply.Add(supply, amount))
}

// Burn implements Mintable.
func (l *Ledger) Burn(from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.consumeFailure(); err != nil {
		return err
	}
	bal, err := l.balance(from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, burning %s", ErrInsufficientBalance, from, bal, l.id, amount)
	}
	supply, err := l.load(l.supplyKey())
	if err != nil {
		return err
	}
	if err := l.store(l.balanceKey(from), bal.Sub(bal, amount)); err != nil {
		return err
	}
	return l.store(l.supplyKey(), supply.Sub(supply, amount))
}

func (l *Ledger) consumeFailure() error {
	if l.failNext == nil {
		return nil
	}
	err := l.failNext
	l.failNext = nil
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}

func (l *Ledger) balance(holder crypto.Address) (*big.Int, error) {
	return l.load(l.balanceKey(holder))
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (l *Ledger) store(key []byte, value *big.Int) error {
	if err := l.db.Put(key, value.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (l *Ledger) balanceKey(holder crypto.Address) []byte {
	return []byte("token/" + l.id + "/bal/" + holder.Hex())
}

func (l *Ledger) supplyKey() []byte {
	return []byte("token/" + l.id + "/supply")
}

// Registry resolves assets by identifier.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{assets: make(map[string]Asset)}
}

// Register adds or replaces an asset.
func (r *Registry) Register(asset Asset) {
	if asset == nil {
		return
	}
	r.mu.Lock()
	r.assets[strings.ToUpper(asset.ID())] = asset
	r.mu.Unlock()
}

// Asset returns the asset registered under id.
func (r *Registry) Asset(id string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[strings.ToUpper(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	return asset, nil
}

// IDs lists registered asset identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.assets))
	for id := range r.assets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
