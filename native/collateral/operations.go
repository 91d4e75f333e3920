package collateral

import (
	"math/big"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/token"
)

// DepositAndMint moves collateralAmount of asset from account into the treasury
// and mints mintAmount of stable to account. The account must satisfy the
// global minimum ratio afterwards.
func (e *Engine) DepositAndMint(account crypto.Address, assetID string, collateralAmount, mintAmount *big.Int) error {
	return e.DepositAndMintAtRatio(account, assetID, collateralAmount, mintAmount, nil)
}

// DepositAndMintAtRatio behaves like DepositAndMint but enforces the stricter
// of the global minimum and ratio.
func (e *Engine) DepositAndMintAtRatio(account crypto.Address, assetID string, collateralAmount, mintAmount, ratio *big.Int) (err error) {
	defer e.observe("deposit_mint", time.Now(), &err)
	if err := e.guard(); err != nil {
		return err
	}
	if account.IsZero() {
		return ErrZeroAddress
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if mintAmount == nil {
		mintAmount = big.NewInt(0)
	}
	if mintAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return err
	}
	asset, err := e.assets.Asset(entry.AssetID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	if balance := asset.BalanceOf(account); balance.Cmp(collateralAmount) < 0 {
		return newAmountError(ErrInsufficientBalance, account, entry.AssetID, common.Copy(collateralAmount), balance)
	}
	deposited, err := e.state.Collateral(account, entry.AssetID)
	if err != nil {
		return err
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return err
	}
	newCollateral := new(big.Int).Add(deposited, collateralAmount)
	newDebt := new(big.Int).Add(debt, mintAmount)
	if mintAmount.Sign() > 0 {
		overrides := map[string]*big.Int{entry.AssetID: newCollateral}
		if err := e.requireRatio(account, overrides, newDebt, e.requiredRatio(ratio)); err != nil {
			return err
		}
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	// RemoveCollateral holds treasuryMu while it scans balances.
	if _, err := e.lookup(entry.AssetID); err != nil {
		return err
	}
	j := newJournal(e.state)
	err = func() error {
		if err := j.transfer(asset, account, e.treasury, collateralAmount); err != nil {
			return err
		}
		if err := j.setCollateral(account, entry.AssetID, newCollateral); err != nil {
			return err
		}
		if mintAmount.Sign() == 0 {
			return nil
		}
		if err := j.setDebt(account, newDebt); err != nil {
			return err
		}
		return j.mint(e.stable, account, mintAmount)
	}()
	if err := e.finish(j, "deposit_mint", err); err != nil {
		return err
	}

	e.emitter.Emit(events.CollateralDeposited{Account: account, Asset: entry.AssetID, Amount: common.Copy(collateralAmount)})
	if mintAmount.Sign() > 0 {
		e.emitter.Emit(events.StableMinted{Account: account, Amount: common.Copy(mintAmount), Debt: newDebt})
	}
	return nil
}

// Deposit is one leg of a multi-asset collateral deposit.
type Deposit struct {
	AssetID string
	Amount  *big.Int
}

// DepositCollateral moves every leg from account into the treasury without
// minting. Either all legs land or none do. Legs naming the same asset are
// summed.
func (e *Engine) DepositCollateral(account crypto.Address, deposits []Deposit) (err error) {
	defer e.observe("deposit", time.Now(), &err)
	if err := e.guard(); err != nil {
		return err
	}
	if account.IsZero() {
		return ErrZeroAddress
	}
	if len(deposits) == 0 {
		return ErrInvalidAmount
	}
	type leg struct {
		entry  SupportedCollateral
		asset  token.Asset
		amount *big.Int
	}
	var legs []*leg
	byAsset := make(map[string]*leg, len(deposits))
	for _, d := range deposits {
		if d.Amount == nil || d.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		entry, err := e.lookup(d.AssetID)
		if err != nil {
			return err
		}
		if l, ok := byAsset[entry.AssetID]; ok {
			l.amount.Add(l.amount, d.Amount)
			continue
		}
		asset, err := e.assets.Asset(entry.AssetID)
		if err != nil {
			return err
		}
		l := &leg{entry: entry, asset: asset, amount: common.Copy(d.Amount)}
		byAsset[entry.AssetID] = l
		legs = append(legs, l)
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	for _, l := range legs {
		if balance := l.asset.BalanceOf(account); balance.Cmp(l.amount) < 0 {
			return newAmountError(ErrInsufficientBalance, account, l.entry.AssetID, common.Copy(l.amount), balance)
		}
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	j := newJournal(e.state)
	err = func() error {
		for _, l := range legs {
			if _, err := e.lookup(l.entry.AssetID); err != nil {
				return err
			}
			deposited, err := e.state.Collateral(account, l.entry.AssetID)
			if err != nil {
				return err
			}
			if err := j.transfer(l.asset, account, e.treasury, l.amount); err != nil {
				return err
			}
			if err := j.setCollateral(account, l.entry.AssetID, deposited.Add(deposited, l.amount)); err != nil {
				return err
			}
			j.emit(events.CollateralDeposited{Account: account, Asset: l.entry.AssetID, Amount: common.Copy(l.amount)})
		}
		return nil
	}()
	return e.finish(j, "deposit", err)
}

// Redeem burns stableAmountToBurn from account against its debt and returns
// collateralAmountToRedeem of asset. Either amount may be the sentinel maximum,
// meaning the full debt or the full deposit.
func (e *Engine) Redeem(account crypto.Address, assetID string, collateralAmountToRedeem, stableAmountToBurn *big.Int) (err error) {
	defer e.observe("redeem", time.Now(), &err)
	if err := e.guard(); err != nil {
		return err
	}
	if account.IsZero() {
		return ErrZeroAddress
	}
	entry, err := e.lookup(assetID)
	if err != nil {
		return err
	}
	asset, err := e.assets.Asset(entry.AssetID)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(account)
	defer unlock()

	deposited, err := e.state.Collateral(account, entry.AssetID)
	if err != nil {
		return err
	}
	debt, err := e.state.Debt(account)
	if err != nil {
		return err
	}
	redeemAmount := common.Resolve(collateralAmountToRedeem, deposited)
	burnAmount := common.Resolve(stableAmountToBurn, debt)
	if redeemAmount.Sign() < 0 || burnAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if redeemAmount.Sign() == 0 && burnAmount.Sign() == 0 {
		return ErrInvalidAmount
	}
	if redeemAmount.Cmp(deposited) > 0 {
		return newAmountError(ErrAmountExceedsDeposited, account, entry.AssetID, redeemAmount, deposited)
	}
	if burnAmount.Cmp(debt) > 0 {
		return newAmountError(ErrAmountExceedsDebt, account, e.stable.ID(), burnAmount, debt)
	}
	if balance := e.stable.BalanceOf(account); balance.Cmp(burnAmount) < 0 {
		return newAmountError(ErrInsufficientBalance, account, e.stable.ID(), burnAmount, balance)
	}
	newCollateral := new(big.Int).Sub(deposited, redeemAmount)
	newDebt := new(big.Int).Sub(debt, burnAmount)
	overrides := map[string]*big.Int{entry.AssetID: newCollateral}
	if err := e.requireRatio(account, overrides, newDebt, e.params.MinCollateralRatio); err != nil {
		return err
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()
	j := newJournal(e.state)
	err = func() error {
		if burnAmount.Sign() > 0 {
			if err := e.burnFrom(j, account, burnAmount); err != nil {
				return err
			}
			if err := j.setDebt(account, newDebt); err != nil {
				return err
			}
		}
		if redeemAmount.Sign() == 0 {
			return nil
		}
		if err := j.setCollateral(account, entry.AssetID, newCollateral); err != nil {
			return err
		}
		if err := e.ensureIdle(j, entry.AssetID, redeemAmount); err != nil {
			return err
		}
		return j.transfer(asset, e.treasury, account, redeemAmount)
	}()
	if err := e.finish(j, "redeem", err); err != nil {
		return err
	}

	if burnAmount.Sign() > 0 {
		e.emitter.Emit(events.StableBurned{Account: account, Payer: account, Amount: burnAmount, Debt: newDebt})
	}
	if redeemAmount.Sign() > 0 {
		e.emitter.Emit(events.CollateralRedeemed{Account: account, Asset: entry.AssetID, Amount: redeemAmount})
	}
	return nil
}

// burnFrom pulls amount of stable from payer into the treasury and destroys
// it there.
func (e *Engine) burnFrom(j *journal, payer crypto.Address, amount *big.Int) error {
	if err := j.transfer(e.stable, payer, e.treasury, amount); err != nil {
		return err
	}
	return j.burn(e.stable, e.treasury, amount)
}
