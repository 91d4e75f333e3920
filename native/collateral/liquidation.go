package collateral

import (
	"log/slog"
	"math/big"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
)

// Liquidate lets liquidator repay debtToCover of account's debt in exchange for
// the equivalent collateral of asset plus the liquidation bonus. The account
// must currently sit below the minimum ratio. When the deposit cannot fund the
// full bonus, all of it is seized and the liquidator burns less stable by the
// USD value of the missing bonus.
func (e *Engine) Liquidate(liquidator, account crypto.Address, assetID string, debtToCover *big.Int) (result *LiquidationResult, err error) {
	defer e.observe("liquidate", time.Now(), &err)
	if err := e.guard(); err != nil {
		return nil, err
	}
	if liquidator.IsZero() || account.IsZero() {
		return nil, ErrZeroAddress
	}
	if liquidator == account {
		return nil, ErrSelfLiquidation
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}
	asset, err := e.assets.Asset(entry.AssetID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(liquidator, account)
	defer unlock()

	debt, err := e.state.Debt(account)
	if err != nil {
		return nil, err
	}
	ratio, err := e.projectedRatio(account, nil, debt)
	if err != nil {
		return nil, err
	}
	if ratio.Cmp(e.params.MinCollateralRatio) >= 0 {
		return nil, newRatioNotBroken(account, ratio, e.MinCollateralRatio())
	}
	cover := common.Resolve(debtToCover, debt)
	if cover.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if cover.Cmp(debt) > 0 {
		return nil, newAmountError(ErrAmountExceedsDebt, account, e.stable.ID(), cover, debt)
	}
	deposited, err := e.state.Collateral(account, entry.AssetID)
	if err != nil {
		return nil, err
	}
	if deposited.Sign() == 0 {
		return nil, ErrNothingToSeize
	}

	plan, err := e.planLiquidation(entry.AssetID, cover, deposited)
	if err != nil {
		return nil, err
	}
	if balance := e.stable.BalanceOf(liquidator); balance.Cmp(plan.StableBurned) < 0 {
		return nil, newAmountError(ErrInsufficientBalance, liquidator, e.stable.ID(), common.Copy(plan.StableBurned), balance)
	}

	newDebt := new(big.Int).Sub(debt, cover)
	newCollateral := new(big.Int).Sub(deposited, plan.CollateralSeized)
	overrides := map[string]*big.Int{entry.AssetID: newCollateral}
	if err := e.requireRatio(account, overrides, newDebt, e.params.MinCollateralRatio); err != nil {
		return nil, err
	}
	liquidatorDebt, err := e.state.Debt(liquidator)
	if err != nil {
		return nil, err
	}
	if err := e.requireRatio(liquidator, nil, liquidatorDebt, e.params.MinCollateralRatio); err != nil {
		return nil, err
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	j := newJournal(e.state)
	err = func() error {
		if err := e.burnFrom(j, liquidator, plan.StableBurned); err != nil {
			return err
		}
		if err := j.setDebt(account, newDebt); err != nil {
			return err
		}
		if err := j.setCollateral(account, entry.AssetID, newCollateral); err != nil {
			return err
		}
		if err := e.ensureIdle(j, entry.AssetID, plan.CollateralSeized); err != nil {
			return err
		}
		return j.transfer(asset, e.treasury, liquidator, plan.CollateralSeized)
	}()
	if err := e.finish(j, "liquidate", err); err != nil {
		return nil, err
	}

	shortfall := plan.ShortfallStable.Sign() > 0
	if e.metrics != nil {
		e.metrics.RecordLiquidation(entry.AssetID, shortfall)
	}
	e.logger.Info("collateral liquidated",
		slog.String("liquidator", liquidator.String()),
		slog.String("account", account.String()),
		slog.String("asset", entry.AssetID),
		slog.String("debtCovered", plan.DebtCovered.String()),
		slog.String("collateralSeized", plan.CollateralSeized.String()),
		slog.Bool("shortfall", shortfall))
	e.emitter.Emit(events.StableBurned{Account: account, Payer: liquidator, Amount: common.Copy(plan.StableBurned), Debt: newDebt})
	e.emitter.Emit(events.Liquidated{
		Liquidator:       liquidator,
		Account:          account,
		Asset:            entry.AssetID,
		DebtCovered:      common.Copy(plan.DebtCovered),
		StableBurned:     common.Copy(plan.StableBurned),
		CollateralSeized: common.Copy(plan.CollateralSeized),
		Bonus:            common.Copy(plan.Bonus),
		ShortfallStable:  common.Copy(plan.ShortfallStable),
	})
	return plan, nil
}

// PreviewLiquidation computes the amounts a liquidation of cover would move
// without touching state.
func (e *Engine) PreviewLiquidation(account crypto.Address, assetID string, debtToCover *big.Int) (*LiquidationResult, error) {
	if e.state == nil {
		return nil, errNilState
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return nil, err
	}
	cover := common.Resolve(debtToCover, debt)
	if cover.Sign() <= 0 || cover.Cmp(debt) > 0 {
		return nil, ErrInvalidAmount
	}
	deposited, err := e.state.Collateral(account, entry.AssetID)
	if err != nil {
		return nil, err
	}
	if deposited.Sign() == 0 {
		return nil, ErrNothingToSeize
	}
	return e.planLiquidation(entry.AssetID, cover, deposited)
}

// planLiquidation sizes the seizure. The collateral for cover is rounded up
// and capped at the deposit; the bonus is rounded down. A bonus that does not
// fit is converted back to stable, rounded down, and subtracted from the burn.
func (e *Engine) planLiquidation(assetID string, cover, deposited *big.Int) (*LiquidationResult, error) {
	collateral, err := e.oracle.AmountForValue(assetID, cover)
	if err != nil {
		return nil, err
	}
	if collateral.Cmp(deposited) > 0 {
		collateral = common.Copy(deposited)
	}
	bonus := common.MulDivDown(collateral, e.params.LiquidationBonus, common.Precision)
	seized := new(big.Int).Add(collateral, bonus)
	result := &LiquidationResult{
		DebtCovered:         common.Copy(cover),
		StableBurned:        common.Copy(cover),
		CollateralSeized:    seized,
		Bonus:               bonus,
		ShortfallCollateral: big.NewInt(0),
		ShortfallStable:     big.NewInt(0),
	}
	if seized.Cmp(deposited) <= 0 {
		return result, nil
	}
	shortfall := new(big.Int).Sub(seized, deposited)
	shortfallStable, err := e.oracle.ValueOf(assetID, shortfall)
	if err != nil {
		return nil, err
	}
	if shortfallStable.Cmp(cover) > 0 {
		shortfallStable = common.Copy(cover)
	}
	result.CollateralSeized = common.Copy(deposited)
	result.ShortfallCollateral = shortfall
	result.ShortfallStable = shortfallStable
	result.StableBurned = new(big.Int).Sub(cover, shortfallStable)
	return result, nil
}
