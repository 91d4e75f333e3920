package vault

import (
	"math/big"
	"strings"

	"stablefi/native/common"
)

// Config is the per-account vault policy. Ratios carry 18 implied decimals.
type Config struct {
	// SupportedCollaterals lists the assets the vault accepts, in the order
	// they were configured.
	SupportedCollaterals []string
	// CustomCollateralRatio is the ratio invest mints at. It is never below
	// the engine minimum.
	CustomCollateralRatio *big.Int
	AutoTopUpEnabled      bool
	// AutoTopUpThreshold is the ratio under which the vault is in danger and
	// the keeper tops it up.
	AutoTopUpThreshold *big.Int
	// AutomationLinkAmount and AutomationGasLimit describe the keeper budget
	// registered for the vault. They are bookkeeping only.
	AutomationLinkAmount *big.Int
	AutomationGasLimit   uint64
}

// DefaultConfig returns a configuration minting at minRatio with auto top-up
// disabled.
func DefaultConfig(minRatio *big.Int, assets ...string) Config {
	return Config{
		SupportedCollaterals:  append([]string(nil), assets...),
		CustomCollateralRatio: common.Copy(minRatio),
		AutoTopUpThreshold:    common.Copy(minRatio),
		AutomationLinkAmount:  big.NewInt(0),
	}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.SupportedCollaterals = append([]string(nil), c.SupportedCollaterals...)
	out.CustomCollateralRatio = common.Copy(c.CustomCollateralRatio)
	out.AutoTopUpThreshold = common.Copy(c.AutoTopUpThreshold)
	out.AutomationLinkAmount = common.Copy(c.AutomationLinkAmount)
	return out
}

// Validate checks the ratio bounds against the engine minimum and normalises
// the asset list in place.
func (c *Config) Validate(minRatio *big.Int) error {
	if c.CustomCollateralRatio == nil || c.CustomCollateralRatio.Cmp(minRatio) < 0 {
		return ErrInvalidCustomRatio
	}
	if c.AutoTopUpEnabled {
		if c.AutoTopUpThreshold == nil || c.AutoTopUpThreshold.Cmp(minRatio) < 0 {
			return ErrInvalidThreshold
		}
	}
	if c.AutoTopUpThreshold == nil {
		c.AutoTopUpThreshold = common.Copy(minRatio)
	}
	if c.AutomationLinkAmount == nil {
		c.AutomationLinkAmount = big.NewInt(0)
	}
	if c.AutomationLinkAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	seen := make(map[string]struct{}, len(c.SupportedCollaterals))
	for i, asset := range c.SupportedCollaterals {
		id := normaliseAsset(asset)
		if id == "" {
			return ErrInvalidAssets
		}
		if _, dup := seen[id]; dup {
			return ErrInvalidAssets
		}
		seen[id] = struct{}{}
		c.SupportedCollaterals[i] = id
	}
	return nil
}

// TopUpTarget is the ratio an automatic top-up restores: the stricter of the
// custom ratio and the danger threshold.
func (c Config) TopUpTarget() *big.Int {
	target := common.Copy(c.CustomCollateralRatio)
	if c.AutoTopUpThreshold != nil && c.AutoTopUpThreshold.Cmp(target) > 0 {
		target.Set(c.AutoTopUpThreshold)
	}
	return target
}

func (c Config) supports(asset string) bool {
	for _, id := range c.SupportedCollaterals {
		if id == asset {
			return true
		}
	}
	return false
}

func normaliseAsset(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
