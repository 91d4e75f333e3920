package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stablefi/crypto"
)

// Config is the node configuration persisted as TOML.
type Config struct {
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`
	// ArchiveDSN is the sqlite file events are archived to. Relative paths
	// resolve against DataDir; empty disables the archive.
	ArchiveDSN string `toml:"ArchiveDSN"`
	// OperatorKeystorePath holds the key whose address acts as the
	// designated gateway for privileged calls.
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`

	Engine    Engine    `toml:"engine"`
	Oracle    Oracle    `toml:"oracle"`
	Assets    []Asset   `toml:"assets"`
	Invest    Invest    `toml:"invest"`
	Keeper    Keeper    `toml:"keeper"`
	Bridge    Bridge    `toml:"bridge"`
	Gateway   Gateway   `toml:"gateway"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Default returns the configuration written when no file exists: one ETH
// collateral priced by an 8-decimal feed, a 200% minimum and a 10% bonus.
func Default() *Config {
	return &Config{
		DataDir:     "./stablefi-data",
		Environment: "dev",
		LogLevel:    "info",
		ArchiveDSN:  "events.db",
		Engine: Engine{
			MinCollateralRatioBps: 20_000,
			LiquidationBonusBps:   1_000,
			StableToken:           "SF",
		},
		Oracle: Oracle{
			StalenessSeconds: 3 * 60 * 60,
			Feeds:            []Feed{{ID: "ETH-USD", Decimals: 8, Price: "2000e8"}},
		},
		Assets: []Asset{{ID: "ETH", Decimals: 18, PriceSource: "ETH-USD"}},
		Keeper: Keeper{
			Enabled:         true,
			IntervalSeconds: 30,
			MaxPerTick:      50,
			RatePerSecond:   10,
			Burst:           10,
		},
		Bridge:  Bridge{ChainID: 1},
		Gateway: Gateway{Enabled: true},
	}
}

// Load reads the configuration at path. A missing file is created with the
// defaults and a fresh operator keystore.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	cfg.Oracle.Feeds = nil
	cfg.Assets = nil
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath resolves p against DataDir unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(c.DataDir, trimmed)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.OperatorKeystorePath = keystorePath
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
