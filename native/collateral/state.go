package collateral

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/storage"
)

// State is the persistence surface for the collateral and debt ledgers.
// Missing entries read as zero.
type State interface {
	Collateral(account crypto.Address, asset string) (*big.Int, error)
	SetCollateral(account crypto.Address, asset string, amount *big.Int) error
	Debt(account crypto.Address) (*big.Int, error)
	SetDebt(account crypto.Address, amount *big.Int) error
	// Delegated is the treasury collateral currently held by the investment
	// service for asset.
	Delegated(asset string) (*big.Int, error)
	SetDelegated(asset string, amount *big.Int) error
	// Accounts lists every account that ever held a position.
	Accounts() ([]crypto.Address, error)
}

type positionKey struct {
	account crypto.Address
	asset   string
}

// MemoryState is a State kept in process memory.
type MemoryState struct {
	mu         sync.RWMutex
	collateral map[positionKey]*big.Int
	debt       map[crypto.Address]*big.Int
	delegated  map[string]*big.Int
	accounts   map[crypto.Address]struct{}
}

// NewMemoryState returns an empty in-memory state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		collateral: make(map[positionKey]*big.Int),
		debt:       make(map[crypto.Address]*big.Int),
		delegated:  make(map[string]*big.Int),
		accounts:   make(map[crypto.Address]struct{}),
	}
}

func (s *MemoryState) Collateral(account crypto.Address, asset string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return common.Copy(s.collateral[positionKey{account, asset}]), nil
}

func (s *MemoryState) SetCollateral(account crypto.Address, asset string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collateral[positionKey{account, asset}] = common.Copy(amount)
	s.accounts[account] = struct{}{}
	return nil
}

func (s *MemoryState) Debt(account crypto.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return common.Copy(s.debt[account]), nil
}

func (s *MemoryState) SetDebt(account crypto.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debt[account] = common.Copy(amount)
	s.accounts[account] = struct{}{}
	return nil
}

func (s *MemoryState) Delegated(asset string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return common.Copy(s.delegated[asset]), nil
}

func (s *MemoryState) SetDelegated(asset string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegated[asset] = common.Copy(amount)
	return nil
}

func (s *MemoryState) Accounts() ([]crypto.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crypto.Address, 0, len(s.accounts))
	for account := range s.accounts {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

var (
	collateralPrefix = []byte("collateral/pos/")
	debtPrefix       = []byte("collateral/debt/")
	delegatedPrefix  = []byte("collateral/delegated/")
	accountPrefix    = []byte("collateral/account/")
)

// KVState persists the ledgers in a storage.Database with RLP encoded
// amounts.
type KVState struct {
	db storage.Database
}

// NewKVState wraps db.
func NewKVState(db storage.Database) *KVState {
	return &KVState{db: db}
}

func collateralKey(account crypto.Address, asset string) []byte {
	return append(append(append([]byte{}, collateralPrefix...), account[:]...), []byte("/"+asset)...)
}

func debtKey(account crypto.Address) []byte {
	return append(append([]byte{}, debtPrefix...), account[:]...)
}

func delegatedKey(asset string) []byte {
	return append(append([]byte{}, delegatedPrefix...), []byte(asset)...)
}

func accountKey(account crypto.Address) []byte {
	return append(append([]byte{}, accountPrefix...), []byte(hex.EncodeToString(account[:]))...)
}

func (s *KVState) readAmount(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(raw, amount); err != nil {
		return nil, fmt.Errorf("collateral state: decode %x: %w", key, err)
	}
	return amount, nil
}

func (s *KVState) writeAmount(key []byte, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(common.Copy(amount))
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

func (s *KVState) touch(account crypto.Address) error {
	return s.db.Put(accountKey(account), []byte{1})
}

func (s *KVState) Collateral(account crypto.Address, asset string) (*big.Int, error) {
	return s.readAmount(collateralKey(account, asset))
}

func (s *KVState) SetCollateral(account crypto.Address, asset string, amount *big.Int) error {
	if err := s.writeAmount(collateralKey(account, asset), amount); err != nil {
		return err
	}
	return s.touch(account)
}

func (s *KVState) Debt(account crypto.Address) (*big.Int, error) {
	return s.readAmount(debtKey(account))
}

func (s *KVState) SetDebt(account crypto.Address, amount *big.Int) error {
	if err := s.writeAmount(debtKey(account), amount); err != nil {
		return err
	}
	return s.touch(account)
}

func (s *KVState) Delegated(asset string) (*big.Int, error) {
	return s.readAmount(delegatedKey(asset))
}

func (s *KVState) SetDelegated(asset string, amount *big.Int) error {
	return s.writeAmount(delegatedKey(asset), amount)
}

func (s *KVState) Accounts() ([]crypto.Address, error) {
	keys, err := s.db.Keys(accountPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(keys))
	for _, key := range keys {
		encoded := strings.TrimPrefix(string(key), string(accountPrefix))
		raw, err := hex.DecodeString(encoded)
		if err != nil || len(raw) != crypto.AddressLength {
			return nil, fmt.Errorf("collateral state: malformed account key %q", key)
		}
		out = append(out, crypto.BytesToAddress(raw))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}
