package account

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/collateral"
	"stablefi/native/common"
	"stablefi/native/freeze"
	"stablefi/native/recovery"
	"stablefi/native/vault"
	"stablefi/observability"
)

var (
	ErrUnauthorized   = common.NewError(common.KindAuthorization, "account: caller is not the controller")
	ErrZeroAddress    = common.NewError(common.KindValidation, "account: zero address")
	ErrUnknownAccount = common.NewError(common.KindValidation, "account: unknown account")
	ErrAccountExists  = common.NewError(common.KindValidation, "account: account already registered")
	ErrNoDirectory    = common.NewError(common.KindValidation, "account: account is not registered")
)

// Freezable is the owner-facing freeze capability.
type Freezable interface {
	Freeze(caller crypto.Address) error
	Unfreeze(caller crypto.Address) error
	IsFrozen() bool
}

// Recoverable is the target side of social recovery. Each method authorises
// the caller as a guardian of the receiving account on its own, whatever
// account forwarded the call.
type Recoverable interface {
	ReceiveInitiate(guardian, newOwner crypto.Address) (*recovery.Record, error)
	ReceiveApprove(guardian crypto.Address) (*recovery.Record, error)
	ReceiveCancel(guardian crypto.Address) error
	ReceiveComplete(caller crypto.Address) error
	RecoveryProgress() recovery.Progress
}

// VaultLike is the controller-facing vault capability.
type VaultLike interface {
	Deposit(caller crypto.Address, assetID string, amount *big.Int) error
	Withdraw(caller crypto.Address, assetID string, amount *big.Int) error
	Invest(caller crypto.Address, assetID string, amount *big.Int) (*big.Int, error)
	Harvest(caller crypto.Address, assetID string, amountToRedeem, debtToRepay *big.Int) error
	TopUpCollateral(caller crypto.Address, assetID string, amount *big.Int) error
	CheckCollateralSafety() (vault.Safety, error)
	NeedsUpkeep() bool
	PerformUpkeep() (*vault.TopUpResult, error)
}

// Account is a smart account composed of a freeze gate, a recovery state
// machine and a collateral vault. The controller is the owner; the gateway
// may act on the owner's behalf.
type Account struct {
	mu        sync.RWMutex
	address   crypto.Address
	owner     crypto.Address
	gateway   crypto.Address
	directory Directory
	emitter   events.Emitter
	store     *Store
	saveMu    sync.Mutex

	freeze   *freeze.State
	recovery *recovery.Manager
	vault    *vault.Vault
}

// Directory resolves recovery targets for forwarded calls.
type Directory interface {
	Recoverable(addr crypto.Address) (Recoverable, error)
}

// New assembles an account at address controlled by owner. The vault is
// opened on engine with cfg.
func New(address, owner, gateway crypto.Address, engine vault.Engine, assets vault.AssetSource, cfg vault.Config) (*Account, error) {
	if address.IsZero() || owner.IsZero() {
		return nil, ErrZeroAddress
	}
	a := &Account{
		address: address,
		owner:   owner,
		gateway: gateway,
		emitter: events.NoopEmitter{},
		freeze:  freeze.New(address),
	}
	v, err := vault.New(address, engine, assets, a.freeze, cfg)
	if err != nil {
		return nil, err
	}
	a.vault = v
	a.recovery = recovery.NewManager(address, ownership{a}, a.freeze)
	return a, nil
}

// Snapshot is the persisted form of an account. Balances live in the asset
// ledgers and positions in the engine state.
type Snapshot struct {
	Address  crypto.Address
	Owner    crypto.Address
	Gateway  crypto.Address
	Vault    vault.Snapshot
	Freeze   freeze.Snapshot
	Recovery recovery.Snapshot
}

// Snapshot copies the account state.
func (a *Account) Snapshot() Snapshot {
	a.mu.RLock()
	owner := a.owner
	a.mu.RUnlock()
	return Snapshot{
		Address:  a.address,
		Owner:    owner,
		Gateway:  a.gateway,
		Vault:    a.vault.Snapshot(),
		Freeze:   a.freeze.Snapshot(),
		Recovery: a.recovery.Snapshot(),
	}
}

// Restore reopens an account from snap on engine. No events are emitted.
func Restore(snap Snapshot, engine vault.Engine, assets vault.AssetSource) (*Account, error) {
	if snap.Address.IsZero() || snap.Owner.IsZero() {
		return nil, ErrZeroAddress
	}
	a := &Account{
		address: snap.Address,
		owner:   snap.Owner,
		gateway: snap.Gateway,
		emitter: events.NoopEmitter{},
		freeze:  freeze.New(snap.Address),
	}
	if err := a.freeze.Restore(snap.Freeze); err != nil {
		return nil, fmt.Errorf("account %s: freeze: %w", snap.Address, err)
	}
	v, err := vault.Restore(snap.Address, engine, assets, a.freeze, snap.Vault)
	if err != nil {
		return nil, fmt.Errorf("account %s: vault: %w", snap.Address, err)
	}
	a.vault = v
	a.recovery = recovery.NewManager(snap.Address, ownership{a}, a.freeze)
	if err := a.recovery.Restore(snap.Recovery); err != nil {
		return nil, fmt.Errorf("account %s: recovery: %w", snap.Address, err)
	}
	return a, nil
}

// SetStore persists the account after every state change. A nil store turns
// persistence off.
func (a *Account) SetStore(store *Store) {
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
}

// Save writes the current snapshot to the configured store.
func (a *Account) Save() error {
	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()
	if store == nil {
		return nil
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	return store.Save(a.Snapshot())
}

// persist saves the account once an operation returns, failed or not.
func (a *Account) persist(err *error) {
	if serr := a.Save(); serr != nil {
		*err = errors.Join(*err, fmt.Errorf("account: persist %s: %w", a.address, serr))
	}
}

// SetEmitter routes every component's events to emitter.
func (a *Account) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a.mu.Lock()
	a.emitter = emitter
	a.mu.Unlock()
	a.freeze.SetEmitter(emitter)
	a.recovery.SetEmitter(emitter)
	a.vault.SetEmitter(emitter)
}

// SetNowFunc overrides the clock of the freeze gate and recovery time lock.
func (a *Account) SetNowFunc(now func() time.Time) {
	a.freeze.SetNowFunc(now)
	a.recovery.SetNowFunc(now)
}

// SetMetrics wires component instrumentation.
func (a *Account) SetMetrics(vaultMetrics *observability.VaultMetrics, recoveryMetrics *observability.RecoveryMetrics) {
	a.vault.SetMetrics(vaultMetrics)
	a.recovery.SetMetrics(recoveryMetrics)
}

// Address returns the account address.
func (a *Account) Address() crypto.Address { return a.address }

// Owner returns the current controller.
func (a *Account) Owner() crypto.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Gateway returns the designated gateway address.
func (a *Account) Gateway() crypto.Address { return a.gateway }

// Vault exposes the underlying vault for read-only queries.
func (a *Account) Vault() *vault.Vault { return a.vault }

// FreezeHistory returns every freeze interval, oldest first.
func (a *Account) FreezeHistory() []freeze.Record { return a.freeze.History() }

func (a *Account) authorize(caller crypto.Address) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if caller.IsZero() {
		return ErrUnauthorized
	}
	if caller == a.owner || (!a.gateway.IsZero() && caller == a.gateway) {
		return nil
	}
	return ErrUnauthorized
}

// ChangeOwner hands control to newOwner. It is refused while the account is
// frozen, which includes any pending recovery.
func (a *Account) ChangeOwner(caller, newOwner crypto.Address) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	if err := a.freeze.RequireUnfrozen(); err != nil {
		return err
	}
	return a.transferOwnership(newOwner)
}

func (a *Account) transferOwnership(newOwner crypto.Address) error {
	if newOwner.IsZero() {
		return ErrZeroAddress
	}
	a.mu.Lock()
	previous := a.owner
	a.owner = newOwner
	emitter := a.emitter
	a.mu.Unlock()
	if previous != newOwner {
		emitter.Emit(events.OwnershipChanged{Account: a.address, Previous: previous, Owner: newOwner})
	}
	return nil
}

// ownership hands the recovery manager the controller primitive without
// exposing an unauthenticated transfer on Account itself.
type ownership struct{ a *Account }

func (o ownership) Owner() crypto.Address { return o.a.Owner() }

func (o ownership) TransferOwnership(newOwner crypto.Address) error {
	return o.a.transferOwnership(newOwner)
}

// Freeze closes the freeze gate on the controller's request.
func (a *Account) Freeze(caller crypto.Address) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.freeze.Freeze(caller, freeze.ReasonOwner)
}

// Unfreeze lifts a controller freeze. Recovery freezes are lifted only by the
// recovery flow.
func (a *Account) Unfreeze(caller crypto.Address) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.freeze.Unfreeze(caller, freeze.ReasonOwner)
}

// IsFrozen reports whether the freeze gate is closed.
func (a *Account) IsFrozen() bool { return a.freeze.IsFrozen() }

// Deposit moves the owner's asset into the vault.
func (a *Account) Deposit(caller crypto.Address, assetID string, amount *big.Int) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.vault.Deposit(a.Owner(), assetID, amount)
}

// Withdraw returns idle vault collateral to the owner.
func (a *Account) Withdraw(caller crypto.Address, assetID string, amount *big.Int) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.vault.Withdraw(a.Owner(), assetID, amount)
}

// Invest deposits idle collateral into the engine at the custom ratio.
func (a *Account) Invest(caller crypto.Address, assetID string, amount *big.Int) (minted *big.Int, err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	return a.vault.Invest(assetID, amount)
}

// Harvest repays debt and takes back invested collateral.
func (a *Account) Harvest(caller crypto.Address, assetID string, amountToRedeem, debtToRepay *big.Int) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.vault.Harvest(assetID, amountToRedeem, debtToRepay)
}

// TopUpCollateral deposits idle collateral without minting.
func (a *Account) TopUpCollateral(caller crypto.Address, assetID string, amount *big.Int) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.vault.TopUpCollateral(assetID, amount)
}

// Liquidate uses the vault's stable balance to liquidate target.
func (a *Account) Liquidate(caller, target crypto.Address, assetID string, debtToCover *big.Int) (result *collateral.LiquidationResult, err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	return a.vault.Liquidate(target, assetID, debtToCover)
}

// UpdateVaultConfig replaces the vault policy.
func (a *Account) UpdateVaultConfig(caller crypto.Address, cfg vault.Config) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.vault.UpdateConfig(cfg)
}

// PerformAutoTopUp runs a top-up towards targetRatio on the controller's
// request.
func (a *Account) PerformAutoTopUp(caller crypto.Address, targetRatio *big.Int) (result *vault.TopUpResult, err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	return a.vault.PerformAutoTopUp(targetRatio)
}

// CheckCollateralSafety reports the vault health.
func (a *Account) CheckCollateralSafety() (vault.Safety, error) { return a.vault.CheckCollateralSafety() }

// NeedsUpkeep is the scheduler's cheap check.
func (a *Account) NeedsUpkeep() bool { return a.vault.NeedsUpkeep() }

// PerformUpkeep is open to any scheduler; it is a no-op unless upkeep is
// still needed.
func (a *Account) PerformUpkeep() (result *vault.TopUpResult, err error) {
	defer a.persist(&err)
	return a.vault.PerformUpkeep()
}

var (
	_ Freezable   = (*Account)(nil)
	_ Recoverable = (*Account)(nil)
	_ VaultLike   = (*Account)(nil)
)
