package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MinCollateralRatioBps != 20_000 || cfg.Engine.LiquidationBonusBps != 1_000 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.OperatorKeystorePath != filepath.Join(dir, "operator.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.OperatorKeystorePath)
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("expected keystore on disk: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Assets) != 1 || reloaded.Assets[0].ID != "ETH" {
		t.Fatalf("unexpected assets after reload: %+v", reloaded.Assets)
	}
	if reloaded.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("keystore path changed on reload")
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `DataDir = "./data"
Environment = "test"
LogLevel = "debug"

[engine]
MinCollateralRatioBps = 15000
LiquidationBonusBps = 500
StableToken = "sf"

[oracle]
StalenessSeconds = 600

[[oracle.Feeds]]
ID = "eth-usd"
Decimals = 8
Price = "1800e8"

[[oracle.Feeds]]
ID = "btc-usd"
Decimals = 8

[[assets]]
ID = "eth"
Decimals = 18
PriceSource = "ETH-USD"

[[assets]]
ID = "wbtc"
Decimals = 8
PriceSource = "btc-usd"

[keeper]
Enabled = false

[bridge]
ChainID = 10
Peers = [1, 137]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MinCollateralRatioBps != 15_000 || cfg.Engine.LiquidationBonusBps != 500 {
		t.Fatalf("unexpected engine: %+v", cfg.Engine)
	}
	if len(cfg.Oracle.Feeds) != 2 || cfg.Oracle.Feeds[0].Price != "1800e8" {
		t.Fatalf("unexpected feeds: %+v", cfg.Oracle.Feeds)
	}
	if len(cfg.Assets) != 2 || cfg.Assets[1].Decimals != 8 {
		t.Fatalf("unexpected assets: %+v", cfg.Assets)
	}
	if cfg.Keeper.Enabled {
		t.Fatalf("expected keeper disabled")
	}
	if cfg.Bridge.ChainID != 10 || len(cfg.Bridge.Peers) != 2 {
		t.Fatalf("unexpected bridge: %+v", cfg.Bridge)
	}
	if got := cfg.ResolvePath("events.db"); got != filepath.Join("./data", "events.db") {
		t.Fatalf("unexpected resolved path %q", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("DataDir = \"./data\"\nValidatorKey = \"abc\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ValidatorKey") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ratio below par", func(c *Config) { c.Engine.MinCollateralRatioBps = 9_999 }, "MinCollateralRatioBps"},
		{"bonus too large", func(c *Config) { c.Engine.LiquidationBonusBps = 10_000 }, "LiquidationBonusBps"},
		{"unknown source", func(c *Config) { c.Assets[0].PriceSource = "BTC-USD" }, "unknown PriceSource"},
		{"stable as collateral", func(c *Config) { c.Assets[0].ID = "sf" }, "stable token"},
		{"duplicate asset", func(c *Config) { c.Assets = append(c.Assets, c.Assets[0]) }, "duplicate asset"},
		{"bad seed price", func(c *Config) { c.Oracle.Feeds[0].Price = "max" }, "invalid Price"},
		{"self peer", func(c *Config) { c.Bridge.Peers = []uint64{c.Bridge.ChainID} }, "invalid peer"},
		{"keeper interval", func(c *Config) { c.Keeper.IntervalSeconds = 0 }, "IntervalSeconds"},
		{"bad treasury", func(c *Config) { c.Engine.Treasury = "sf1nope" }, "Treasury"},
		{"endpoint without peer", func(c *Config) {
			c.Bridge.Endpoints = []BridgeEndpoint{{ChainID: 7, URL: "http://peer:8080"}}
		}, "not a peer"},
		{"endpoint scheme", func(c *Config) {
			c.Bridge.Peers = []uint64{7}
			c.Bridge.Endpoints = []BridgeEndpoint{{ChainID: 7, URL: "peer:8080"}}
		}, "http(s)"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "SampleRatio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}
