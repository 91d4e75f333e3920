package config

import (
	"fmt"
	"strings"

	"stablefi/crypto"
	"stablefi/native/common"
)

// Validate checks cross-field constraints before the node starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir required")
	}
	if c.Engine.MinCollateralRatioBps < 10_000 {
		return fmt.Errorf("engine: MinCollateralRatioBps must be at least 10000")
	}
	if c.Engine.LiquidationBonusBps >= 10_000 {
		return fmt.Errorf("engine: LiquidationBonusBps must be below 10000")
	}
	if strings.TrimSpace(c.Engine.StableToken) == "" {
		return fmt.Errorf("engine: StableToken required")
	}
	if c.Engine.Treasury != "" {
		if _, err := crypto.DecodeAddress(c.Engine.Treasury); err != nil {
			return fmt.Errorf("engine: Treasury: %w", err)
		}
	}

	feeds := make(map[string]struct{}, len(c.Oracle.Feeds))
	for i, feed := range c.Oracle.Feeds {
		id := normaliseID(feed.ID)
		if id == "" {
			return fmt.Errorf("oracle.Feeds[%d]: ID required", i)
		}
		if _, dup := feeds[id]; dup {
			return fmt.Errorf("oracle.Feeds[%d]: duplicate feed %q", i, feed.ID)
		}
		if feed.Decimals > 36 {
			return fmt.Errorf("oracle.Feeds[%d]: Decimals out of range", i)
		}
		if feed.Price != "" {
			price, err := common.ParseAmount(feed.Price)
			if err != nil || common.IsMax(price) || price.Sign() == 0 {
				return fmt.Errorf("oracle.Feeds[%d]: invalid Price %q", i, feed.Price)
			}
		}
		feeds[id] = struct{}{}
	}

	stable := normaliseID(c.Engine.StableToken)
	assets := make(map[string]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		id := normaliseID(asset.ID)
		if id == "" {
			return fmt.Errorf("assets[%d]: ID required", i)
		}
		if id == stable {
			return fmt.Errorf("assets[%d]: the stable token cannot be collateral", i)
		}
		if _, dup := assets[id]; dup {
			return fmt.Errorf("assets[%d]: duplicate asset %q", i, asset.ID)
		}
		if asset.Decimals > 36 {
			return fmt.Errorf("assets[%d]: Decimals out of range", i)
		}
		if _, ok := feeds[normaliseID(asset.PriceSource)]; !ok {
			return fmt.Errorf("assets[%d]: unknown PriceSource %q", i, asset.PriceSource)
		}
		assets[id] = struct{}{}
	}

	if c.Keeper.Enabled && c.Keeper.IntervalSeconds == 0 {
		return fmt.Errorf("keeper: IntervalSeconds must be positive")
	}
	if c.Keeper.MaxPerTick < 0 || c.Keeper.Burst < 0 || c.Keeper.RatePerSecond < 0 {
		return fmt.Errorf("keeper: limits cannot be negative")
	}
	if c.Bridge.ChainID == 0 {
		return fmt.Errorf("bridge: ChainID required")
	}
	for i, peer := range c.Bridge.Peers {
		if peer == 0 || peer == c.Bridge.ChainID {
			return fmt.Errorf("bridge.Peers[%d]: invalid peer chain %d", i, peer)
		}
	}
	if c.Bridge.RelayAttempts < 0 {
		return fmt.Errorf("bridge: RelayAttempts cannot be negative")
	}
	endpoints := make(map[uint64]struct{}, len(c.Bridge.Endpoints))
	for i, ep := range c.Bridge.Endpoints {
		if !containsChain(c.Bridge.Peers, ep.ChainID) {
			return fmt.Errorf("bridge.Endpoints[%d]: chain %d is not a peer", i, ep.ChainID)
		}
		if _, dup := endpoints[ep.ChainID]; dup {
			return fmt.Errorf("bridge.Endpoints[%d]: duplicate chain %d", i, ep.ChainID)
		}
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("bridge.Endpoints[%d]: URL must be http(s)", i)
		}
		if strings.TrimSpace(ep.HMACSecret) == "" {
			return fmt.Errorf("bridge.Endpoints[%d]: HMACSecret required", i)
		}
		endpoints[ep.ChainID] = struct{}{}
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	return nil
}

func containsChain(chains []uint64, id uint64) bool {
	for _, c := range chains {
		if c == id {
			return true
		}
	}
	return false
}

func normaliseID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
