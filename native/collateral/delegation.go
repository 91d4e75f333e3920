package collateral

import (
	"log/slog"
	"math/big"
	"time"

	"stablefi/core/events"
	"stablefi/native/common"
	"stablefi/native/token"
)

// IdleCollateral returns the amount of asset sitting in the treasury.
func (e *Engine) IdleCollateral(assetID string) (*big.Int, error) {
	entry, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}
	asset, err := e.assets.Asset(entry.AssetID)
	if err != nil {
		return nil, err
	}
	return asset.BalanceOf(e.treasury), nil
}

// DelegateIdle hands amount of idle treasury collateral to the investment
// service. The sentinel maximum delegates everything idle.
func (e *Engine) DelegateIdle(assetID string, amount *big.Int) (err error) {
	defer e.observe("delegate", time.Now(), &err)
	if err := e.guard(); err != nil {
		return err
	}
	if e.invest == nil {
		return ErrInvestmentDisabled
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return err
	}
	asset, err := e.assets.Asset(entry.AssetID)
	if err != nil {
		return err
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	idle := asset.BalanceOf(e.treasury)
	resolved := common.Resolve(amount, idle)
	if resolved.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if resolved.Cmp(idle) > 0 {
		return newAmountError(ErrInsufficientIdle, e.treasury, entry.AssetID, resolved, idle)
	}
	delegated, err := e.state.Delegated(entry.AssetID)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(delegated, resolved)
	j := newJournal(e.state)
	err = func() error {
		if err := e.invest.Invest(entry.AssetID, resolved); err != nil {
			return err
		}
		j.record(func() error {
			_, interest, err := e.invest.Withdraw(entry.AssetID, resolved)
			if err == nil {
				e.sweepInterest(asset, entry.AssetID, interest)
			}
			return err
		})
		return j.setDelegated(entry.AssetID, total)
	}()
	if err := e.finish(j, "delegate", err); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralDelegated{Asset: entry.AssetID, Amount: resolved, Delegated: total})
	return nil
}

// RecallDelegated withdraws amount of asset back from the investment service.
// The sentinel maximum recalls everything delegated.
func (e *Engine) RecallDelegated(assetID string, amount *big.Int) (err error) {
	defer e.observe("recall", time.Now(), &err)
	if err := e.guard(); err != nil {
		return err
	}
	if e.invest == nil {
		return ErrInvestmentDisabled
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return err
	}
	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	delegated, err := e.state.Delegated(entry.AssetID)
	if err != nil {
		return err
	}
	resolved := common.Resolve(amount, delegated)
	if resolved.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if resolved.Cmp(delegated) > 0 {
		return newAmountError(ErrAmountExceedsDeposited, e.treasury, entry.AssetID, resolved, delegated)
	}
	j := newJournal(e.state)
	err = e.recall(j, entry.AssetID, resolved)
	return e.finish(j, "recall", err)
}

// ensureIdle recalls from the investment service whatever the treasury lacks
// to pay out need. Callers hold treasuryMu.
func (e *Engine) ensureIdle(j *journal, assetID string, need *big.Int) error {
	asset, err := e.assets.Asset(assetID)
	if err != nil {
		return err
	}
	idle := asset.BalanceOf(e.treasury)
	if idle.Cmp(need) >= 0 {
		return nil
	}
	missing := new(big.Int).Sub(need, idle)
	if e.invest == nil {
		return newAmountError(ErrInsufficientIdle, e.treasury, assetID, common.Copy(need), idle)
	}
	delegated, err := e.state.Delegated(assetID)
	if err != nil {
		return err
	}
	if delegated.Cmp(missing) < 0 {
		return newAmountError(ErrInsufficientIdle, e.treasury, assetID, common.Copy(need), new(big.Int).Add(idle, delegated))
	}
	return e.recall(j, assetID, missing)
}

// recall withdraws amount of principal, sweeps any interest to the reserve and
// lowers the delegated total. The undo step re-invests the principal; swept
// interest stays in the reserve.
func (e *Engine) recall(j *journal, assetID string, amount *big.Int) error {
	asset, err := e.assets.Asset(assetID)
	if err != nil {
		return err
	}
	delegated, err := e.state.Delegated(assetID)
	if err != nil {
		return err
	}
	principal, interest, err := e.invest.Withdraw(assetID, amount)
	if err != nil {
		return err
	}
	j.record(func() error { return e.invest.Invest(assetID, principal) })
	e.sweepInterest(asset, assetID, interest)
	remaining := new(big.Int).Sub(delegated, principal)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	if err := j.setDelegated(assetID, remaining); err != nil {
		return err
	}
	j.emit(events.CollateralDelegated{Asset: assetID, Amount: common.Copy(principal), Delegated: remaining, Recalled: true})
	return nil
}

// sweepInterest forwards realised yield out of the treasury so the treasury
// only ever holds deposited principal.
func (e *Engine) sweepInterest(asset token.Asset, assetID string, interest *big.Int) {
	if interest == nil || interest.Sign() <= 0 {
		return
	}
	if err := asset.Transfer(e.treasury, e.reserve, interest); err != nil {
		e.logger.Warn("collateral engine interest sweep failed",
			slog.String("asset", assetID),
			slog.String("interest", interest.String()),
			slog.Any("error", err))
		return
	}
	e.emitter.Emit(events.InvestmentInterest{Asset: assetID, Interest: common.Copy(interest), Reserve: e.reserve})
}
