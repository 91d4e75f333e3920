package events

import (
	"math/big"

	"stablefi/core/types"
	"stablefi/crypto"
)

const (
	TypeCollateralDeposited = "collateral.deposited"
	TypeStableMinted        = "collateral.stable_minted"
	TypeCollateralRedeemed  = "collateral.redeemed"
	TypeStableBurned        = "collateral.stable_burned"
	TypeLiquidation         = "collateral.liquidated"
	TypeCollateralSupported = "collateral.supported"
	TypeCollateralRemoved   = "collateral.removed"
	TypeCollateralDelegated = "collateral.delegated"
	TypeCollateralRecalled  = "collateral.recalled"
	TypeInvestmentInterest  = "collateral.interest"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// CollateralDeposited is emitted when collateral moves into the engine.
type CollateralDeposited struct {
	Account crypto.Address
	Asset   string
	Amount  *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return types.NewEvent(TypeCollateralDeposited).
		With("account", e.Account.String()).
		With("asset", e.Asset).
		With("amount", amountString(e.Amount))
}

// StableMinted is emitted when debt is opened against collateral.
type StableMinted struct {
	Account crypto.Address
	Amount  *big.Int
	Debt    *big.Int
}

func (StableMinted) EventType() string { return TypeStableMinted }

func (e StableMinted) Event() *types.Event {
	return types.NewEvent(TypeStableMinted).
		With("account", e.Account.String()).
		With("amount", amountString(e.Amount)).
		With("debt", amountString(e.Debt))
}

// CollateralRedeemed is emitted when collateral leaves the engine back to its
// owner.
type CollateralRedeemed struct {
	Account crypto.Address
	Asset   string
	Amount  *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *types.Event {
	return types.NewEvent(TypeCollateralRedeemed).
		With("account", e.Account.String()).
		With("asset", e.Asset).
		With("amount", amountString(e.Amount))
}

// StableBurned is emitted when debt is repaid.
type StableBurned struct {
	Account crypto.Address
	Payer   crypto.Address
	Amount  *big.Int
	Debt    *big.Int
}

func (StableBurned) EventType() string { return TypeStableBurned }

func (e StableBurned) Event() *types.Event {
	return types.NewEvent(TypeStableBurned).
		With("account", e.Account.String()).
		With("payer", e.Payer.String()).
		With("amount", amountString(e.Amount)).
		With("debt", amountString(e.Debt))
}

// Liquidated describes a completed liquidation.
type Liquidated struct {
	Liquidator       crypto.Address
	Account          crypto.Address
	Asset            string
	DebtCovered      *big.Int
	StableBurned     *big.Int
	CollateralSeized *big.Int
	Bonus            *big.Int
	ShortfallStable  *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidation }

func (e Liquidated) Event() *types.Event {
	return types.NewEvent(TypeLiquidation).
		With("liquidator", e.Liquidator.String()).
		With("account", e.Account.String()).
		With("asset", e.Asset).
		With("debtCovered", amountString(e.DebtCovered)).
		With("stableBurned", amountString(e.StableBurned)).
		With("collateralSeized", amountString(e.CollateralSeized)).
		With("bonus", amountString(e.Bonus)).
		With("shortfallStable", amountString(e.ShortfallStable))
}

// CollateralSupported is emitted when an asset is registered or re-pointed to
// a new price source.
type CollateralSupported struct {
	Asset       string
	PriceSource string
}

func (CollateralSupported) EventType() string { return TypeCollateralSupported }

func (e CollateralSupported) Event() *types.Event {
	return types.NewEvent(TypeCollateralSupported).
		With("asset", e.Asset).
		With("priceSource", e.PriceSource)
}

// CollateralRemoved is emitted when an asset stops being accepted.
type CollateralRemoved struct {
	Asset string
}

func (CollateralRemoved) EventType() string { return TypeCollateralRemoved }

func (e CollateralRemoved) Event() *types.Event {
	return types.NewEvent(TypeCollateralRemoved).With("asset", e.Asset)
}

// CollateralDelegated is emitted when idle treasury collateral is handed to the
// investment service. Recalled reuses the payload for the reverse flow.
type CollateralDelegated struct {
	Asset     string
	Amount    *big.Int
	Delegated *big.Int
	Recalled  bool
}

func (e CollateralDelegated) EventType() string {
	if e.Recalled {
		return TypeCollateralRecalled
	}
	return TypeCollateralDelegated
}

func (e CollateralDelegated) Event() *types.Event {
	return types.NewEvent(e.EventType()).
		With("asset", e.Asset).
		With("amount", amountString(e.Amount)).
		With("delegated", amountString(e.Delegated))
}

// InvestmentInterest is emitted when recalled principal comes back with yield.
type InvestmentInterest struct {
	Asset    string
	Interest *big.Int
	Reserve  crypto.Address
}

func (InvestmentInterest) EventType() string { return TypeInvestmentInterest }

func (e InvestmentInterest) Event() *types.Event {
	return types.NewEvent(TypeInvestmentInterest).
		With("asset", e.Asset).
		With("interest", amountString(e.Interest)).
		With("reserve", e.Reserve.String())
}
