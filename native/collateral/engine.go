package collateral

import (
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/token"
	"stablefi/observability"
)

// AssetSource resolves collateral asset ledgers by identifier.
type AssetSource interface {
	Asset(id string) (token.Asset, error)
}

// InvestmentService deploys idle treasury collateral for yield.
type InvestmentService interface {
	Invest(asset string, amount *big.Int) error
	Withdraw(asset string, amount *big.Int) (principal, interest *big.Int, err error)
}

// Engine owns the collateral and debt ledgers and enforces the minimum
// collateral ratio across deposit, redeem and liquidation flows.
type Engine struct {
	state    State
	oracle   PriceOracle
	assets   AssetSource
	stable   token.Mintable
	treasury crypto.Address
	reserve  crypto.Address
	params   Params
	pauses   common.PauseView
	emitter  events.Emitter
	invest   InvestmentService
	logger   *slog.Logger
	metrics  *observability.CollateralMetrics

	locks      *accountLocks
	treasuryMu sync.Mutex

	supportedMu sync.RWMutex
	supported   map[string]SupportedCollateral
}

// NewEngine constructs an engine holding collateral at treasury and minting
// stable tokens through stable.
func NewEngine(treasury crypto.Address, stable token.Mintable, assets AssetSource, oracle PriceOracle, params Params) (*Engine, error) {
	if treasury.IsZero() {
		return nil, ErrZeroAddress
	}
	if stable == nil || assets == nil || oracle == nil {
		return nil, ErrInvalidCollateralConfig
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		state:     NewMemoryState(),
		oracle:    oracle,
		assets:    assets,
		stable:    stable,
		treasury:  treasury,
		reserve:   crypto.ModuleAddress(ModuleName + "/reserve"),
		params:    params.Clone(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		locks:     newAccountLocks(),
		supported: make(map[string]SupportedCollateral),
	}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

func (e *Engine) SetPauses(p common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event sink. Nil discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetMetrics enables prometheus instrumentation.
func (e *Engine) SetMetrics(m *observability.CollateralMetrics) {
	if e == nil {
		return
	}
	e.metrics = m
}

// SetInvestmentService wires the yield integration. A nil service disables
// delegation; recalls are then never attempted.
func (e *Engine) SetInvestmentService(svc InvestmentService) {
	if e == nil {
		return
	}
	e.invest = svc
}

// SetReserve configures where investment interest is swept.
func (e *Engine) SetReserve(addr crypto.Address) {
	if e == nil || addr.IsZero() {
		return
	}
	e.reserve = addr
}

// Treasury returns the address holding deposited collateral.
func (e *Engine) Treasury() crypto.Address { return e.treasury }

// Params returns a copy of the engine parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

// MinCollateralRatio returns the global minimum ratio.
func (e *Engine) MinCollateralRatio() *big.Int { return common.Copy(e.params.MinCollateralRatio) }

// LiquidationBonus returns the liquidation bonus rate.
func (e *Engine) LiquidationBonus() *big.Int { return common.Copy(e.params.LiquidationBonus) }

// StableToken returns the stable token ledger.
func (e *Engine) StableToken() token.Mintable { return e.stable }

func normaliseAsset(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// AddCollateral registers asset as accepted collateral priced by sourceID.
func (e *Engine) AddCollateral(assetID, sourceID string) error {
	asset := normaliseAsset(assetID)
	source := strings.TrimSpace(sourceID)
	if asset == "" || source == "" {
		return ErrInvalidCollateralConfig
	}
	ledger, err := e.assets.Asset(asset)
	if err != nil {
		return err
	}
	e.supportedMu.Lock()
	defer e.supportedMu.Unlock()
	if err := e.oracle.Bind(asset, source, ledger.Decimals()); err != nil {
		return err
	}
	e.supported[asset] = SupportedCollateral{AssetID: asset, PriceSourceID: source, Decimals: ledger.Decimals()}
	e.emitter.Emit(events.CollateralSupported{Asset: asset, PriceSource: source})
	return nil
}

// UpdateCollateral re-points a supported asset at a new price source.
func (e *Engine) UpdateCollateral(assetID, sourceID string) error {
	if _, err := e.lookup(assetID); err != nil {
		return err
	}
	return e.AddCollateral(assetID, sourceID)
}

// RemoveCollateral stops accepting asset. Removal is refused while any account
// still holds a balance of it or treasury collateral is delegated.
func (e *Engine) RemoveCollateral(assetID string) error {
	if e.state == nil {
		return errNilState
	}
	asset := normaliseAsset(assetID)
	if _, err := e.lookup(asset); err != nil {
		return err
	}
	// Deposits re-check support under treasuryMu, so none can land between
	// the scan and the removal.
	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	e.supportedMu.Lock()
	defer e.supportedMu.Unlock()
	accounts, err := e.state.Accounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		amount, err := e.state.Collateral(account, asset)
		if err != nil {
			return err
		}
		if amount.Sign() > 0 {
			return ErrCollateralInUse
		}
	}
	delegated, err := e.state.Delegated(asset)
	if err != nil {
		return err
	}
	if delegated.Sign() > 0 {
		return ErrCollateralInUse
	}
	delete(e.supported, asset)
	e.oracle.Unbind(asset)
	e.emitter.Emit(events.CollateralRemoved{Asset: asset})
	return nil
}

// SupportedCollaterals lists accepted assets ordered by identifier.
func (e *Engine) SupportedCollaterals() []SupportedCollateral {
	e.supportedMu.RLock()
	defer e.supportedMu.RUnlock()
	out := make([]SupportedCollateral, 0, len(e.supported))
	for _, entry := range e.supported {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// IsSupported reports whether asset is accepted as collateral.
func (e *Engine) IsSupported(assetID string) bool {
	_, err := e.lookup(assetID)
	return err == nil
}

func (e *Engine) lookup(assetID string) (SupportedCollateral, error) {
	e.supportedMu.RLock()
	defer e.supportedMu.RUnlock()
	entry, ok := e.supported[normaliseAsset(assetID)]
	if !ok {
		return SupportedCollateral{}, ErrUnsupportedAsset
	}
	return entry, nil
}

// CollateralAmount returns the account's deposited amount of asset.
func (e *Engine) CollateralAmount(account crypto.Address, assetID string) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Collateral(account, normaliseAsset(assetID))
}

// Debt returns the account's outstanding stable debt.
func (e *Engine) Debt(account crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Debt(account)
}

// CollateralValue returns the USD value of everything the account deposited.
func (e *Engine) CollateralValue(account crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.collateralValue(account, nil)
}

// CollateralRatio returns the account's ratio with 18 decimals. A debt-free
// account reports the sentinel maximum.
func (e *Engine) CollateralRatio(account crypto.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return nil, err
	}
	return e.projectedRatio(account, nil, debt)
}

// MaxMintable returns how much additional stable the account could mint at
// ratio without new collateral. Ratios below the global minimum are raised to
// it.
func (e *Engine) MaxMintable(account crypto.Address, ratio *big.Int) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	value, err := e.collateralValue(account, nil)
	if err != nil {
		return nil, err
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return nil, err
	}
	capacity := StableForValue(value, e.requiredRatio(ratio))
	if capacity.Cmp(debt) <= 0 {
		return big.NewInt(0), nil
	}
	return capacity.Sub(capacity, debt), nil
}

// Position returns a snapshot of the account's deposits, debt and ratio.
func (e *Engine) Position(account crypto.Address) (*Position, error) {
	if e.state == nil {
		return nil, errNilState
	}
	pos := &Position{Collateral: make(map[string]*big.Int)}
	for _, entry := range e.SupportedCollaterals() {
		amount, err := e.state.Collateral(account, entry.AssetID)
		if err != nil {
			return nil, err
		}
		pos.Collateral[entry.AssetID] = amount
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return nil, err
	}
	value, err := e.collateralValue(account, pos.Collateral)
	if err != nil {
		return nil, err
	}
	pos.Debt = debt
	pos.CollateralValue = value
	pos.Ratio = Ratio(value, debt)
	return pos, nil
}

// Accounts lists every account that ever held a position.
func (e *Engine) Accounts() ([]crypto.Address, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Accounts()
}

// Delegated returns the treasury amount of asset held by the investment
// service.
func (e *Engine) Delegated(assetID string) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Delegated(normaliseAsset(assetID))
}

// requiredRatio returns the stricter of the global minimum and override.
func (e *Engine) requiredRatio(override *big.Int) *big.Int {
	required := common.Copy(e.params.MinCollateralRatio)
	if override != nil && override.Cmp(required) > 0 {
		required.Set(override)
	}
	return required
}

func (e *Engine) guard() error {
	if e.state == nil {
		return errNilState
	}
	return common.Guard(e.pauses, ModuleName)
}

func (e *Engine) observe(operation string, started time.Time, err *error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Observe(operation, time.Since(started), *err)
	if *err == nil {
		supply, _ := new(big.Float).Quo(new(big.Float).SetInt(e.stable.TotalSupply()), new(big.Float).SetInt(common.Precision)).Float64()
		e.metrics.SetSupply(supply)
	}
}

// finish commits or rolls back j depending on err.
func (e *Engine) finish(j *journal, operation string, err error) error {
	if err == nil {
		j.commit()
		for _, evt := range j.events {
			e.emitter.Emit(evt)
		}
		return nil
	}
	if rbErr := j.rollback(); rbErr != nil {
		e.logger.Error("collateral engine rollback failed",
			slog.String("operation", operation),
			slog.Any("cause", err),
			slog.Any("error", rbErr))
	}
	return err
}
