package collateral

import (
	"math/big"

	"stablefi/crypto"
	"stablefi/native/common"
)

// PriceOracle is the slice of the oracle adapter the engine relies on.
type PriceOracle interface {
	Bind(assetID, sourceID string, decimals uint8) error
	Unbind(assetID string)
	ValueOf(assetID string, amount *big.Int) (*big.Int, error)
	AmountForValue(assetID string, usdValue *big.Int) (*big.Int, error)
}

// Ratio computes value * 1e18 / debt, reporting the sentinel maximum for a
// debt-free position.
func Ratio(value, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return common.MaxAmount()
	}
	return common.MulDivDown(value, common.Precision, debt)
}

// StableForValue returns how much stable debt a USD value supports at ratio,
// rounded down.
func StableForValue(usdValue, ratio *big.Int) *big.Int {
	if ratio == nil || ratio.Sign() == 0 {
		return big.NewInt(0)
	}
	return common.MulDivDown(usdValue, common.Precision, ratio)
}

// ValueRequired returns the collateral value needed to carry debt at ratio,
// rounded up.
func ValueRequired(debt, ratio *big.Int) *big.Int {
	return common.MulDivUp(debt, ratio, common.Precision)
}

// ValueOf returns the USD value of amount of asset, rounded down.
func (e *Engine) ValueOf(assetID string, amount *big.Int) (*big.Int, error) {
	if _, err := e.lookup(assetID); err != nil {
		return nil, err
	}
	return e.oracle.ValueOf(normaliseAsset(assetID), amount)
}

// AmountForValue returns the amount of asset covering usdValue, rounded up.
func (e *Engine) AmountForValue(assetID string, usdValue *big.Int) (*big.Int, error) {
	if _, err := e.lookup(assetID); err != nil {
		return nil, err
	}
	return e.oracle.AmountForValue(normaliseAsset(assetID), usdValue)
}

// collateralValue sums the USD value of every supported asset the account
// holds. overrides replaces individual balances to value a projected state.
func (e *Engine) collateralValue(account crypto.Address, overrides map[string]*big.Int) (*big.Int, error) {
	total := big.NewInt(0)
	for _, entry := range e.SupportedCollaterals() {
		amount, ok := overrides[entry.AssetID]
		if !ok {
			var err error
			amount, err = e.state.Collateral(account, entry.AssetID)
			if err != nil {
				return nil, err
			}
		}
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		value, err := e.oracle.ValueOf(entry.AssetID, amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// projectedRatio values the account with the supplied collateral overrides and
// debt.
func (e *Engine) projectedRatio(account crypto.Address, overrides map[string]*big.Int, debt *big.Int) (*big.Int, error) {
	if debt == nil || debt.Sign() == 0 {
		return common.MaxAmount(), nil
	}
	value, err := e.collateralValue(account, overrides)
	if err != nil {
		return nil, err
	}
	return Ratio(value, debt), nil
}

// requireRatio fails with a RatioError when the projected state of account
// falls under the required ratio.
func (e *Engine) requireRatio(account crypto.Address, overrides map[string]*big.Int, debt, required *big.Int) error {
	if debt == nil || debt.Sign() == 0 {
		return nil
	}
	ratio, err := e.projectedRatio(account, overrides, debt)
	if err != nil {
		return err
	}
	if ratio.Cmp(required) < 0 {
		return newRatioBroken(account, ratio, common.Copy(required))
	}
	return nil
}
