package account

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"stablefi/crypto"
	"stablefi/native/freeze"
	"stablefi/native/recovery"
	"stablefi/native/vault"
	"stablefi/storage"
)

// Store persists account snapshots, one RLP record per account keyed by the
// hex account address.
type Store struct {
	db storage.Database
}

// NewStore wraps db. Callers normally hand it a storage.Table so account
// records share a database with the ledgers.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func storeKey(addr crypto.Address) []byte {
	return []byte(hex.EncodeToString(addr[:]))
}

// Save writes snap, replacing any earlier record of the account.
func (s *Store) Save(snap Snapshot) error {
	raw, err := rlp.EncodeToBytes(encodeSnapshot(snap))
	if err != nil {
		return fmt.Errorf("account: encode %s: %w", snap.Address, err)
	}
	return s.db.Put(storeKey(snap.Address), raw)
}

// Load decodes every stored account ordered by address.
func (s *Store) Load() ([]Snapshot, error) {
	keys, err := s.db.Keys(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		raw, err := s.db.Get(key)
		if err != nil {
			return nil, err
		}
		var stored storedAccount
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, fmt.Errorf("account: decode %s: %w", key, err)
		}
		out = append(out, stored.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out, nil
}

// Delete drops the record of addr.
func (s *Store) Delete(addr crypto.Address) error {
	return s.db.Delete(storeKey(addr))
}

type storedAccount struct {
	Address  crypto.Address
	Owner    crypto.Address
	Gateway  crypto.Address
	Vault    storedVault
	Freeze   storedFreeze
	Recovery storedRecovery
}

type storedVault struct {
	Collaterals []string
	CustomRatio *big.Int
	AutoTopUp   bool
	Threshold   *big.Int
	LinkAmount  *big.Int
	GasLimit    uint64
	Invested    []storedAmount
}

type storedAmount struct {
	Asset  string
	Amount *big.Int
}

type storedFreeze struct {
	Frozen  bool
	History []storedInterval
}

type storedInterval struct {
	FrozenBy   crypto.Address
	UnfrozenBy crypto.Address
	Reason     string
	FrozenAt   uint64
	UnfrozenAt uint64
	Resolved   bool
}

type storedRecovery struct {
	Enabled      bool
	Guardians    []crypto.Address
	MinApprovals uint64
	TimeLock     uint64
	Records      []storedRecord
	NextID       uint64
}

type storedRecord struct {
	ID                uint64
	Initiator         crypto.Address
	PreviousOwner     crypto.Address
	ProposedOwner     crypto.Address
	TotalGuardians    uint64
	Approvals         []crypto.Address
	RequiredApprovals uint64
	ExecutableAt      uint64
	CreatedAt         uint64
	ClosedAt          uint64
	Status            uint8
}

// Zero times are stored as 0.
func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func encodeSnapshot(snap Snapshot) storedAccount {
	cfg := snap.Vault.Config
	stored := storedAccount{
		Address: snap.Address,
		Owner:   snap.Owner,
		Gateway: snap.Gateway,
		Vault: storedVault{
			Collaterals: cfg.SupportedCollaterals,
			CustomRatio: cfg.CustomCollateralRatio,
			AutoTopUp:   cfg.AutoTopUpEnabled,
			Threshold:   cfg.AutoTopUpThreshold,
			LinkAmount:  cfg.AutomationLinkAmount,
			GasLimit:    cfg.AutomationGasLimit,
		},
		Freeze: storedFreeze{Frozen: snap.Freeze.Frozen},
		Recovery: storedRecovery{
			Enabled:      snap.Recovery.Config.Enabled,
			Guardians:    snap.Recovery.Config.Guardians,
			MinApprovals: uint64(snap.Recovery.Config.MinApprovals),
			TimeLock:     uint64(snap.Recovery.Config.TimeLock),
			NextID:       snap.Recovery.NextID,
		},
	}
	for asset, amount := range snap.Vault.Invested {
		stored.Vault.Invested = append(stored.Vault.Invested, storedAmount{Asset: asset, Amount: amount})
	}
	sort.Slice(stored.Vault.Invested, func(i, j int) bool {
		return stored.Vault.Invested[i].Asset < stored.Vault.Invested[j].Asset
	})
	for _, rec := range snap.Freeze.History {
		stored.Freeze.History = append(stored.Freeze.History, storedInterval{
			FrozenBy:   rec.FrozenBy,
			UnfrozenBy: rec.UnfrozenBy,
			Reason:     string(rec.Reason),
			FrozenAt:   encodeTime(rec.FrozenAt),
			UnfrozenAt: encodeTime(rec.UnfrozenAt),
			Resolved:   rec.Resolved,
		})
	}
	for _, rec := range snap.Recovery.Records {
		stored.Recovery.Records = append(stored.Recovery.Records, storedRecord{
			ID:                rec.ID,
			Initiator:         rec.Initiator,
			PreviousOwner:     rec.PreviousOwner,
			ProposedOwner:     rec.ProposedOwner,
			TotalGuardians:    uint64(rec.TotalGuardians),
			Approvals:         rec.Approvals,
			RequiredApprovals: uint64(rec.RequiredApprovals),
			ExecutableAt:      encodeTime(rec.ExecutableAt),
			CreatedAt:         encodeTime(rec.CreatedAt),
			ClosedAt:          encodeTime(rec.ClosedAt),
			Status:            uint8(rec.Status),
		})
	}
	return stored
}

func (s storedAccount) snapshot() Snapshot {
	snap := Snapshot{
		Address: s.Address,
		Owner:   s.Owner,
		Gateway: s.Gateway,
		Vault: vault.Snapshot{
			Config: vault.Config{
				SupportedCollaterals:  s.Vault.Collaterals,
				CustomCollateralRatio: s.Vault.CustomRatio,
				AutoTopUpEnabled:      s.Vault.AutoTopUp,
				AutoTopUpThreshold:    s.Vault.Threshold,
				AutomationLinkAmount:  s.Vault.LinkAmount,
				AutomationGasLimit:    s.Vault.GasLimit,
			},
			Invested: make(map[string]*big.Int, len(s.Vault.Invested)),
		},
		Freeze: freeze.Snapshot{Frozen: s.Freeze.Frozen},
		Recovery: recovery.Snapshot{
			Config: recovery.Config{
				Enabled:      s.Recovery.Enabled,
				Guardians:    s.Recovery.Guardians,
				MinApprovals: int(s.Recovery.MinApprovals),
				TimeLock:     time.Duration(s.Recovery.TimeLock),
			},
			NextID: s.Recovery.NextID,
		},
	}
	for _, entry := range s.Vault.Invested {
		snap.Vault.Invested[entry.Asset] = entry.Amount
	}
	for _, rec := range s.Freeze.History {
		snap.Freeze.History = append(snap.Freeze.History, freeze.Record{
			FrozenBy:   rec.FrozenBy,
			UnfrozenBy: rec.UnfrozenBy,
			Reason:     freeze.Reason(rec.Reason),
			FrozenAt:   decodeTime(rec.FrozenAt),
			UnfrozenAt: decodeTime(rec.UnfrozenAt),
			Resolved:   rec.Resolved,
		})
	}
	for _, rec := range s.Recovery.Records {
		snap.Recovery.Records = append(snap.Recovery.Records, recovery.Record{
			ID:                rec.ID,
			Initiator:         rec.Initiator,
			PreviousOwner:     rec.PreviousOwner,
			ProposedOwner:     rec.ProposedOwner,
			TotalGuardians:    int(rec.TotalGuardians),
			Approvals:         rec.Approvals,
			RequiredApprovals: int(rec.RequiredApprovals),
			ExecutableAt:      decodeTime(rec.ExecutableAt),
			CreatedAt:         decodeTime(rec.CreatedAt),
			ClosedAt:          decodeTime(rec.ClosedAt),
			Status:            recovery.Status(rec.Status),
		})
	}
	return snap
}
