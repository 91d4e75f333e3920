package collateral

import (
	"math/big"

	"stablefi/native/common"
)

const ModuleName = "collateral"

// Params groups the protocol constants governing minting and liquidation. All
// ratios carry 18 implied decimals (2e18 == 200%).
type Params struct {
	// MinCollateralRatio is the global floor every indebted account must
	// satisfy after a mutation.
	MinCollateralRatio *big.Int
	// LiquidationBonus is the share of seized collateral paid on top of the
	// covered debt (1e17 == 10%).
	LiquidationBonus *big.Int
}

// DefaultParams returns the 200% minimum ratio and 10% liquidation bonus.
func DefaultParams() Params {
	return Params{
		MinCollateralRatio: new(big.Int).Mul(big.NewInt(2), common.Precision),
		LiquidationBonus:   new(big.Int).Div(common.Precision, big.NewInt(10)),
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	return Params{
		MinCollateralRatio: common.Copy(p.MinCollateralRatio),
		LiquidationBonus:   common.Copy(p.LiquidationBonus),
	}
}

// Validate checks the ratio is at least 100% and the bonus below 100%.
func (p Params) Validate() error {
	if p.MinCollateralRatio == nil || p.MinCollateralRatio.Cmp(common.Precision) < 0 {
		return ErrInvalidCollateralConfig
	}
	if p.LiquidationBonus == nil || p.LiquidationBonus.Sign() < 0 || p.LiquidationBonus.Cmp(common.Precision) >= 0 {
		return ErrInvalidCollateralConfig
	}
	return nil
}

// SupportedCollateral maps an accepted asset to its price source.
type SupportedCollateral struct {
	AssetID       string
	PriceSourceID string
	Decimals      uint8
}

// LiquidationResult summarises a completed liquidation.
type LiquidationResult struct {
	// DebtCovered is the debt removed from the liquidated account.
	DebtCovered *big.Int
	// StableBurned is what the liquidator actually paid. It is below
	// DebtCovered when the bonus could not be paid in full collateral.
	StableBurned *big.Int
	// CollateralSeized is the total collateral transferred to the liquidator,
	// bonus included.
	CollateralSeized *big.Int
	// Bonus is the collateral bonus computed before any cap.
	Bonus *big.Int
	// ShortfallCollateral is the part of the bonus that exceeded the deposit.
	ShortfallCollateral *big.Int
	// ShortfallStable is ShortfallCollateral expressed in stable tokens.
	ShortfallStable *big.Int
}

// Position is a read-only snapshot of an account's engine state.
type Position struct {
	Collateral      map[string]*big.Int
	Debt            *big.Int
	CollateralValue *big.Int
	Ratio           *big.Int
}
