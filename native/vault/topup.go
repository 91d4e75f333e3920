package vault

import (
	"errors"
	"fmt"
	"math/big"

	"stablefi/core/events"
	"stablefi/native/collateral"
	"stablefi/native/common"
)

// Safety is the read-only health report of a vault.
type Safety struct {
	InDanger bool
	// CurrentRatio is the engine ratio; debt-free vaults report the sentinel
	// maximum.
	CurrentRatio *big.Int
	// LiquidationThreshold is the engine minimum below which anyone may
	// liquidate the vault.
	LiquidationThreshold *big.Int
	// TopUpThreshold is the configured danger bound.
	TopUpThreshold *big.Int
}

// TopUpResult describes one automatic top-up.
type TopUpResult struct {
	Target    *big.Int
	Deposited map[string]*big.Int
	// Remaining is the USD shortfall idle holdings could not cover.
	Remaining *big.Int
	Partial   bool
}

// CheckCollateralSafety reports whether the vault ratio sits below its top-up
// threshold.
func (v *Vault) CheckCollateralSafety() (Safety, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.safety()
}

func (v *Vault) safety() (Safety, error) {
	ratio, err := v.engine.CollateralRatio(v.address)
	if err != nil {
		return Safety{}, err
	}
	threshold := common.Copy(v.config.AutoTopUpThreshold)
	return Safety{
		InDanger:             ratio.Cmp(threshold) < 0,
		CurrentRatio:         ratio,
		LiquidationThreshold: v.engine.MinCollateralRatio(),
		TopUpThreshold:       threshold,
	}, nil
}

// PerformAutoTopUp deposits idle collateral until the vault reaches
// targetRatio. A nil target uses the configured top-up target. Assets are
// consumed greedily in deposited-set order and deposited in one engine call,
// so a failed leg leaves nothing behind. Running out before the target is
// reached is reported as a partial top-up rather than an error.
func (v *Vault) PerformAutoTopUp(targetRatio *big.Int) (result *TopUpResult, err error) {
	defer v.observe("auto_top_up", &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.gate.RequireUnfrozen(); err != nil {
		return nil, err
	}
	return v.topUp(targetRatio)
}

func (v *Vault) topUp(targetRatio *big.Int) (*TopUpResult, error) {
	target := v.config.TopUpTarget()
	if targetRatio != nil {
		target = common.Copy(targetRatio)
	}
	if minimum := v.engine.MinCollateralRatio(); target.Cmp(minimum) < 0 {
		target = minimum
	}
	shortfall, err := v.shortfall(target)
	if err != nil {
		return nil, err
	}
	if shortfall.Sign() == 0 {
		return nil, ErrTopUpNotNeeded
	}

	type step struct {
		asset  string
		amount *big.Int
	}
	var plan []step
	remaining := new(big.Int).Set(shortfall)
	for _, id := range v.held {
		if remaining.Sign() == 0 {
			break
		}
		asset, err := v.assets.Asset(id)
		if err != nil {
			return nil, err
		}
		idle := asset.BalanceOf(v.address)
		if idle.Sign() == 0 {
			continue
		}
		needed, err := v.engine.AmountForValue(id, remaining)
		if err != nil {
			return nil, err
		}
		amount := common.Min(idle, needed)
		if amount.Sign() == 0 {
			continue
		}
		value, err := v.engine.ValueOf(id, amount)
		if err != nil {
			return nil, err
		}
		if value.Cmp(remaining) >= 0 {
			remaining.SetInt64(0)
		} else {
			remaining.Sub(remaining, value)
		}
		plan = append(plan, step{asset: id, amount: amount})
	}

	result := &TopUpResult{
		Target:    target,
		Deposited: make(map[string]*big.Int, len(plan)),
		Remaining: remaining,
		Partial:   remaining.Sign() > 0,
	}
	if len(plan) > 0 {
		deposits := make([]collateral.Deposit, len(plan))
		for i, s := range plan {
			deposits[i] = collateral.Deposit{AssetID: s.asset, Amount: s.amount}
		}
		if err := v.engine.DepositCollateral(v.address, deposits); err != nil {
			return nil, fmt.Errorf("vault: top-up: %w", err)
		}
	}
	for _, s := range plan {
		result.Deposited[s.asset] = s.amount
		v.addInvested(s.asset, s.amount)
		if err := v.refresh(s.asset); err != nil {
			return result, err
		}
	}
	v.publishTopUp(result)
	return result, nil
}

// shortfall returns the USD value missing for the vault to reach target.
func (v *Vault) shortfall(target *big.Int) (*big.Int, error) {
	debt, err := v.engine.Debt(v.address)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return big.NewInt(0), nil
	}
	value, err := v.engine.CollateralValue(v.address)
	if err != nil {
		return nil, err
	}
	required := collateral.ValueRequired(debt, target)
	if value.Cmp(required) >= 0 {
		return big.NewInt(0), nil
	}
	return required.Sub(required, value), nil
}

func (v *Vault) publishTopUp(result *TopUpResult) {
	deposited := make(map[string]*big.Int, len(result.Deposited))
	for asset, amount := range result.Deposited {
		deposited[asset] = common.Copy(amount)
	}
	v.emit(events.VaultTopUp{
		Vault:     v.address,
		Target:    common.Copy(result.Target),
		Deposited: deposited,
		Remaining: common.Copy(result.Remaining),
		Partial:   result.Partial,
	})
	if v.metrics != nil {
		v.metrics.RecordTopUp(result.Partial)
	}
}

// NeedsUpkeep is the cheap scheduler check: auto top-up is enabled, the vault
// is unfrozen and in danger, and some idle collateral could be deposited.
func (v *Vault) NeedsUpkeep() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.needsUpkeep()
}

func (v *Vault) needsUpkeep() bool {
	if !v.config.AutoTopUpEnabled || len(v.held) == 0 {
		return false
	}
	if v.gate.RequireUnfrozen() != nil {
		return false
	}
	safety, err := v.safety()
	return err == nil && safety.InDanger
}

// PerformUpkeep runs the automatic top-up when NeedsUpkeep still holds. It is
// a no-op returning a nil result otherwise, so redundant scheduler calls are
// harmless.
func (v *Vault) PerformUpkeep() (result *TopUpResult, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	performed := false
	defer func() {
		if v.metrics != nil {
			v.metrics.RecordUpkeep(performed)
		}
	}()
	if !v.needsUpkeep() {
		return nil, nil
	}
	result, err = v.topUp(nil)
	if err != nil {
		if errors.Is(err, ErrTopUpNotNeeded) {
			return nil, nil
		}
		return result, err
	}
	performed = true
	return result, nil
}
