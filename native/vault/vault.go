package vault

import (
	"math/big"
	"sync"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/collateral"
	"stablefi/native/common"
	"stablefi/native/token"
	"stablefi/observability"
)

var (
	ErrInvalidAmount      = common.NewError(common.KindValidation, "vault: amount must be positive")
	ErrZeroAddress        = common.NewError(common.KindValidation, "vault: zero address")
	ErrUnsupportedAsset   = common.NewError(common.KindValidation, "vault: asset not accepted by this vault")
	ErrInvalidCustomRatio = common.NewError(common.KindValidation, "vault: custom collateral ratio below minimum")
	ErrInvalidThreshold   = common.NewError(common.KindValidation, "vault: auto top-up threshold below minimum")
	ErrInvalidAssets      = common.NewError(common.KindValidation, "vault: invalid collateral list")
	ErrInsufficientIdle   = common.NewError(common.KindInvariant, "vault: insufficient idle balance")
	ErrExceedsInvested    = common.NewError(common.KindInvariant, "vault: redeem amount exceeds invested collateral")
	ErrInsufficientStable = common.NewError(common.KindInvariant, "vault: insufficient stable balance")
	ErrTopUpNotNeeded     = common.NewError(common.KindInvariant, "vault: collateral already covers the target ratio")
)

// Engine is the collateral engine surface the vault drives.
type Engine interface {
	DepositAndMintAtRatio(account crypto.Address, assetID string, collateralAmount, mintAmount, ratio *big.Int) error
	DepositCollateral(account crypto.Address, deposits []collateral.Deposit) error
	Redeem(account crypto.Address, assetID string, collateralAmount, stableAmount *big.Int) error
	Liquidate(liquidator, account crypto.Address, assetID string, debtToCover *big.Int) (*collateral.LiquidationResult, error)
	CollateralAmount(account crypto.Address, assetID string) (*big.Int, error)
	CollateralValue(account crypto.Address) (*big.Int, error)
	CollateralRatio(account crypto.Address) (*big.Int, error)
	Debt(account crypto.Address) (*big.Int, error)
	ValueOf(assetID string, amount *big.Int) (*big.Int, error)
	AmountForValue(assetID string, usdValue *big.Int) (*big.Int, error)
	MinCollateralRatio() *big.Int
	IsSupported(assetID string) bool
	StableToken() token.Mintable
}

// AssetSource resolves asset ledgers by identifier.
type AssetSource interface {
	Asset(id string) (token.Asset, error)
}

// Gate blocks mutations while the owning account is frozen.
type Gate interface {
	RequireUnfrozen() error
}

// Vault holds an account's idle collateral and drives its engine position at
// the account's custom ratio. Idle balances live on the vault address in the
// asset ledgers; the deposited-collateral set tracks which of them are
// nonzero.
type Vault struct {
	mu       sync.Mutex
	address  crypto.Address
	engine   Engine
	assets   AssetSource
	gate     Gate
	config   Config
	held     []string
	invested map[string]*big.Int
	emitter  events.Emitter
	metrics  *observability.VaultMetrics
}

// New creates a vault at address. The configuration is validated against the
// engine minimum and every listed asset must be engine-supported.
func New(address crypto.Address, engine Engine, assets AssetSource, gate Gate, cfg Config) (*Vault, error) {
	if address.IsZero() {
		return nil, ErrZeroAddress
	}
	v := &Vault{
		address:  address,
		engine:   engine,
		assets:   assets,
		gate:     gate,
		invested: make(map[string]*big.Int),
		emitter:  events.NoopEmitter{},
	}
	cfg = cfg.Clone()
	if err := v.validate(&cfg); err != nil {
		return nil, err
	}
	v.config = cfg
	for _, asset := range cfg.SupportedCollaterals {
		if err := v.refresh(asset); err != nil {
			return nil, err
		}
		// Only the vault moves collateral for its own address, so a reopened
		// vault resumes with everything still deposited as invested.
		deposited, err := engine.CollateralAmount(address, asset)
		if err != nil {
			return nil, err
		}
		if deposited.Sign() > 0 {
			v.invested[asset] = deposited
		}
	}
	return v, nil
}

// SetEmitter configures the event sink.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.mu.Lock()
	v.emitter = emitter
	v.mu.Unlock()
}

// SetMetrics enables prometheus instrumentation.
func (v *Vault) SetMetrics(metrics *observability.VaultMetrics) {
	v.mu.Lock()
	v.metrics = metrics
	v.mu.Unlock()
}

// Address returns the vault's ledger address.
func (v *Vault) Address() crypto.Address { return v.address }

func (v *Vault) validate(cfg *Config) error {
	if err := cfg.Validate(v.engine.MinCollateralRatio()); err != nil {
		return err
	}
	for _, asset := range cfg.SupportedCollaterals {
		if !v.engine.IsSupported(asset) {
			return ErrUnsupportedAsset
		}
	}
	return nil
}

// Deposit moves amount of asset from the caller into the vault's idle
// holdings. The sentinel maximum takes the caller's whole balance.
func (v *Vault) Deposit(from crypto.Address, assetID string, amount *big.Int) (err error) {
	defer v.observe("deposit", &err)
	if from.IsZero() {
		return ErrZeroAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	asset, id, err := v.mutable(assetID)
	if err != nil {
		return err
	}
	resolved := common.Resolve(amount, asset.BalanceOf(from))
	if resolved.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := asset.Transfer(from, v.address, resolved); err != nil {
		return err
	}
	if err := v.refresh(id); err != nil {
		return err
	}
	v.emit(events.VaultMovement{Type: events.TypeVaultDeposit, Vault: v.address, Asset: id, Amount: resolved, Counter: from})
	return nil
}

// Withdraw pays amount of idle asset out to the recipient. The sentinel maximum
// drains the idle balance.
func (v *Vault) Withdraw(to crypto.Address, assetID string, amount *big.Int) (err error) {
	defer v.observe("withdraw", &err)
	if to.IsZero() {
		return ErrZeroAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	asset, id, err := v.mutable(assetID)
	if err != nil {
		return err
	}
	idle := asset.BalanceOf(v.address)
	resolved := common.Resolve(amount, idle)
	if resolved.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if resolved.Cmp(idle) > 0 {
		return ErrInsufficientIdle
	}
	if err := asset.Transfer(v.address, to, resolved); err != nil {
		return err
	}
	if err := v.refresh(id); err != nil {
		return err
	}
	v.emit(events.VaultMovement{Type: events.TypeVaultWithdraw, Vault: v.address, Asset: id, Amount: resolved, Counter: to})
	return nil
}

// Invest deposits amount of idle asset into the engine and mints whatever the
// resulting position supports at the custom ratio. The sentinel maximum
// invests the whole idle balance.
func (v *Vault) Invest(assetID string, amount *big.Int) (minted *big.Int, err error) {
	defer v.observe("invest", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	asset, id, err := v.mutable(assetID)
	if err != nil {
		return nil, err
	}
	idle := asset.BalanceOf(v.address)
	resolved := common.Resolve(amount, idle)
	if resolved.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if resolved.Cmp(idle) > 0 {
		return nil, ErrInsufficientIdle
	}
	ratio := v.config.CustomCollateralRatio
	mint, err := v.mintable(id, resolved, ratio)
	if err != nil {
		return nil, err
	}
	if err := v.engine.DepositAndMintAtRatio(v.address, id, resolved, mint, ratio); err != nil {
		return nil, err
	}
	v.addInvested(id, resolved)
	if err := v.refresh(id); err != nil {
		return nil, err
	}
	v.emit(events.VaultMovement{Type: events.TypeVaultInvest, Vault: v.address, Asset: id, Amount: resolved, Stable: common.Copy(mint)})
	return mint, nil
}

// mintable returns the additional stable the position supports at ratio once
// amount of asset is added.
func (v *Vault) mintable(asset string, amount, ratio *big.Int) (*big.Int, error) {
	value, err := v.engine.CollateralValue(v.address)
	if err != nil {
		return nil, err
	}
	added, err := v.engine.ValueOf(asset, amount)
	if err != nil {
		return nil, err
	}
	debt, err := v.engine.Debt(v.address)
	if err != nil {
		return nil, err
	}
	capacity := collateral.StableForValue(value.Add(value, added), ratio)
	if capacity.Cmp(debt) <= 0 {
		return big.NewInt(0), nil
	}
	return capacity.Sub(capacity, debt), nil
}

// Harvest repays debtToRepay and takes back amountToRedeem of collateral
// invested through this vault. The sentinel maximum repays the full debt or
// redeems everything the vault invested that is still deposited.
func (v *Vault) Harvest(assetID string, amountToRedeem, debtToRepay *big.Int) (err error) {
	defer v.observe("harvest", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	_, id, err := v.mutable(assetID)
	if err != nil {
		return err
	}
	debt, err := v.engine.Debt(v.address)
	if err != nil {
		return err
	}
	if err := v.settle(id); err != nil {
		return err
	}
	invested := v.investedOf(id)
	repay := common.Resolve(debtToRepay, debt)
	redeem := common.Resolve(amountToRedeem, invested)
	if repay.Sign() == 0 && redeem.Sign() == 0 {
		return ErrInvalidAmount
	}
	if redeem.Cmp(invested) > 0 {
		return ErrExceedsInvested
	}
	if balance := v.engine.StableToken().BalanceOf(v.address); balance.Cmp(repay) < 0 {
		return ErrInsufficientStable
	}
	if err := v.engine.Redeem(v.address, id, redeem, repay); err != nil {
		return err
	}
	v.subInvested(id, redeem)
	if err := v.refresh(id); err != nil {
		return err
	}
	v.emit(events.VaultMovement{Type: events.TypeVaultHarvest, Vault: v.address, Asset: id, Amount: redeem, Stable: repay})
	return nil
}

// TopUpCollateral deposits idle asset into the engine without minting.
func (v *Vault) TopUpCollateral(assetID string, amount *big.Int) (err error) {
	defer v.observe("top_up", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	asset, id, err := v.mutable(assetID)
	if err != nil {
		return err
	}
	idle := asset.BalanceOf(v.address)
	resolved := common.Resolve(amount, idle)
	if resolved.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if resolved.Cmp(idle) > 0 {
		return ErrInsufficientIdle
	}
	if err := v.engine.DepositAndMintAtRatio(v.address, id, resolved, big.NewInt(0), nil); err != nil {
		return err
	}
	v.addInvested(id, resolved)
	return v.refresh(id)
}

// Liquidate repays debtToCover of target's debt from the vault's stable
// balance. Seized collateral lands in the vault's idle holdings.
func (v *Vault) Liquidate(target crypto.Address, assetID string, debtToCover *big.Int) (result *collateral.LiquidationResult, err error) {
	defer v.observe("liquidate", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	_, id, err := v.mutable(assetID)
	if err != nil {
		return nil, err
	}
	result, err = v.engine.Liquidate(v.address, target, id, debtToCover)
	if err != nil {
		return nil, err
	}
	if err := v.refresh(id); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateConfig validates cfg and replaces the current configuration. The
// previous configuration stays in place on failure.
func (v *Vault) UpdateConfig(cfg Config) (err error) {
	defer v.observe("update_config", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.gate.RequireUnfrozen(); err != nil {
		return err
	}
	next := cfg.Clone()
	if err := v.validate(&next); err != nil {
		return err
	}
	v.config = next
	for _, asset := range next.SupportedCollaterals {
		if err := v.refresh(asset); err != nil {
			return err
		}
	}
	v.emit(events.VaultConfigUpdated{
		Vault:          v.address,
		CustomRatio:    common.Copy(next.CustomCollateralRatio),
		AutoTopUp:      next.AutoTopUpEnabled,
		TopUpThreshold: common.Copy(next.AutoTopUpThreshold),
		Assets:         append([]string(nil), next.SupportedCollaterals...),
	})
	return nil
}

// Config returns a copy of the current configuration.
func (v *Vault) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.config.Clone()
}

// DepositedCollaterals lists assets with a nonzero idle balance in the order
// they first became nonzero.
func (v *Vault) DepositedCollaterals() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.held...)
}

// Invested returns the collateral of asset the vault put into the engine and
// still has deposited there.
func (v *Vault) Invested(assetID string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := normaliseAsset(assetID)
	// A failed engine read reports the recorded amount.
	_ = v.settle(id)
	return v.investedOf(id)
}

// IdleBalance returns the vault's uninvested holding of asset.
func (v *Vault) IdleBalance(assetID string) (*big.Int, error) {
	asset, err := v.assets.Asset(normaliseAsset(assetID))
	if err != nil {
		return nil, err
	}
	return asset.BalanceOf(v.address), nil
}

// Debt returns the vault's outstanding engine debt.
func (v *Vault) Debt() (*big.Int, error) { return v.engine.Debt(v.address) }

// CollateralRatio returns the vault's engine ratio.
func (v *Vault) CollateralRatio() (*big.Int, error) { return v.engine.CollateralRatio(v.address) }

// mutable checks the freeze gate and resolves a vault-accepted asset.
func (v *Vault) mutable(assetID string) (token.Asset, string, error) {
	if err := v.gate.RequireUnfrozen(); err != nil {
		return nil, "", err
	}
	id := normaliseAsset(assetID)
	if !v.config.supports(id) {
		return nil, "", ErrUnsupportedAsset
	}
	asset, err := v.assets.Asset(id)
	if err != nil {
		return nil, "", err
	}
	return asset, id, nil
}

// refresh adds asset to the deposited set when its idle balance is nonzero and
// removes it when the balance is exactly zero.
func (v *Vault) refresh(assetID string) error {
	asset, err := v.assets.Asset(assetID)
	if err != nil {
		return err
	}
	idx := -1
	for i, id := range v.held {
		if id == assetID {
			idx = i
			break
		}
	}
	nonzero := asset.BalanceOf(v.address).Sign() > 0
	switch {
	case nonzero && idx < 0:
		v.held = append(v.held, assetID)
	case !nonzero && idx >= 0:
		v.held = append(v.held[:idx], v.held[idx+1:]...)
	}
	return nil
}

// settle lowers the recorded investment of asset to what the engine still
// holds for the vault. Liquidations seize collateral without going through
// the vault.
func (v *Vault) settle(asset string) error {
	invested, ok := v.invested[asset]
	if !ok {
		return nil
	}
	deposited, err := v.engine.CollateralAmount(v.address, asset)
	if err != nil {
		return err
	}
	if invested.Cmp(deposited) <= 0 {
		return nil
	}
	if deposited.Sign() == 0 {
		delete(v.invested, asset)
		return nil
	}
	v.invested[asset] = deposited
	return nil
}

func (v *Vault) investedOf(asset string) *big.Int {
	return common.Copy(v.invested[asset])
}

func (v *Vault) addInvested(asset string, amount *big.Int) {
	v.invested[asset] = new(big.Int).Add(v.investedOf(asset), amount)
}

func (v *Vault) subInvested(asset string, amount *big.Int) {
	remaining := new(big.Int).Sub(v.investedOf(asset), amount)
	if remaining.Sign() <= 0 {
		delete(v.invested, asset)
		return
	}
	v.invested[asset] = remaining
}

func (v *Vault) emit(evt events.Event) {
	v.emitter.Emit(evt)
}

func (v *Vault) observe(operation string, err *error) {
	if v.metrics == nil {
		return
	}
	v.metrics.Observe(operation, *err)
}

// Snapshot is the persisted form of a vault. Idle holdings live in the asset
// ledgers and are not part of it.
type Snapshot struct {
	Config   Config
	Invested map[string]*big.Int
}

// Snapshot copies the configuration and the settled investment totals.
func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	for asset := range v.invested {
		_ = v.settle(asset)
	}
	invested := make(map[string]*big.Int, len(v.invested))
	for asset, amount := range v.invested {
		invested[asset] = common.Copy(amount)
	}
	return Snapshot{Config: v.config.Clone(), Invested: invested}
}

// Restore reopens a vault from snap. The stored configuration was validated
// when it was set and is not checked against the engine again, so a vault
// reopens even after an asset lost engine support.
func Restore(address crypto.Address, engine Engine, assets AssetSource, gate Gate, snap Snapshot) (*Vault, error) {
	if address.IsZero() {
		return nil, ErrZeroAddress
	}
	cfg := snap.Config.Clone()
	if err := cfg.Validate(big.NewInt(0)); err != nil {
		return nil, err
	}
	v := &Vault{
		address:  address,
		engine:   engine,
		assets:   assets,
		gate:     gate,
		config:   cfg,
		invested: make(map[string]*big.Int, len(snap.Invested)),
		emitter:  events.NoopEmitter{},
	}
	for asset, amount := range snap.Invested {
		if amount != nil && amount.Sign() > 0 {
			v.invested[normaliseAsset(asset)] = common.Copy(amount)
		}
	}
	for _, asset := range cfg.SupportedCollaterals {
		if err := v.refresh(asset); err != nil {
			return nil, err
		}
	}
	for asset := range v.invested {
		if err := v.settle(asset); err != nil {
			return nil, err
		}
	}
	return v, nil
}
