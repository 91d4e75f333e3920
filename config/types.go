package config

// Engine carries the collateral engine parameters.
type Engine struct {
	// MinCollateralRatioBps is the global minimum ratio in basis points
	// (20000 == 200%).
	MinCollateralRatioBps uint64 `toml:"MinCollateralRatioBps"`
	// LiquidationBonusBps is the bonus paid to liquidators in basis points
	// (1000 == 10%).
	LiquidationBonusBps uint64 `toml:"LiquidationBonusBps"`
	StableToken         string `toml:"StableToken"`
	Paused              bool   `toml:"Paused"`
	// Treasury overrides the module-derived collateral treasury address.
	Treasury string `toml:"Treasury,omitempty"`
}

// Feed describes a price source served from an operator-pushed answer.
type Feed struct {
	ID       string `toml:"ID"`
	Decimals uint8  `toml:"Decimals"`
	// Price seeds the feed at start-up. Accepts the "2000e8" shorthand.
	Price string `toml:"Price,omitempty"`
}

// Oracle configures the adapter and its feeds.
type Oracle struct {
	StalenessSeconds uint64 `toml:"StalenessSeconds"`
	Feeds            []Feed `toml:"Feeds"`
}

// Asset registers a collateral asset ledger and its price source.
type Asset struct {
	ID          string `toml:"ID"`
	Decimals    uint8  `toml:"Decimals"`
	PriceSource string `toml:"PriceSource"`
}

// Invest configures delegation of idle treasury collateral to the in-process
// lending market.
type Invest struct {
	Enabled bool `toml:"Enabled"`
}

// Keeper configures the automatic top-up scheduler.
type Keeper struct {
	Enabled         bool    `toml:"Enabled"`
	IntervalSeconds uint64  `toml:"IntervalSeconds"`
	MaxPerTick      int     `toml:"MaxPerTick"`
	RatePerSecond   float64 `toml:"RatePerSecond"`
	Burst           int     `toml:"Burst"`
}

// Bridge configures cross-chain stable transfers.
type Bridge struct {
	ChainID uint64   `toml:"ChainID"`
	Peers   []uint64 `toml:"Peers"`
	// Endpoints are the gateways outbound messages are relayed to. A peer
	// without an endpoint can only receive.
	Endpoints []BridgeEndpoint `toml:"Endpoints"`
	// RelayAttempts bounds delivery attempts per message.
	RelayAttempts int `toml:"RelayAttempts"`
}

// BridgeEndpoint is the gateway of a peer chain. Relay tokens are signed
// with the peer gateway's HMAC secret.
type BridgeEndpoint struct {
	ChainID    uint64 `toml:"ChainID"`
	URL        string `toml:"URL"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer,omitempty"`
	Audience   string `toml:"Audience,omitempty"`
}

// Gateway points at the YAML gateway configuration.
type Gateway struct {
	Enabled    bool   `toml:"Enabled"`
	ConfigFile string `toml:"ConfigFile"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
	// SampleRatio keeps this fraction of root spans. Zero keeps all.
	SampleRatio float64 `toml:"SampleRatio,omitempty"`
}
