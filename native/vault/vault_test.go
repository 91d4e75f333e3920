package vault

import (
	"errors"
	"math/big"
	"testing"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/collateral"
	"stablefi/native/common"
	"stablefi/native/freeze"
	"stablefi/native/oracle"
	"stablefi/native/token"
)

const testNow = int64(1_700_000_000)

var (
	owner     = crypto.ModuleAddress("test/owner")
	borrower  = crypto.ModuleAddress("test/borrower")
	treasury  = crypto.ModuleAddress("test/treasury")
	vaultAddr = crypto.ModuleAddress("test/vault")
)

type harness struct {
	engine   *collateral.Engine
	eth      *token.Ledger
	wbtc     *token.Ledger
	stable   *token.Ledger
	ethFeed  *oracle.StaticFeed
	gate     *freeze.State
	vault    *Vault
	recorder *events.Recorder
}

func amt(t *testing.T, v string) *big.Int {
	t.Helper()
	out, err := common.ParseAmount(v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return out
}

func newHarness(t *testing.T, cfg func(min *big.Int) Config) *harness {
	t.Helper()
	registry := token.NewRegistry()
	eth := token.NewLedger("ETH", 18, nil)
	wbtc := token.NewLedger("WBTC", 8, nil)
	registry.Register(eth)
	registry.Register(wbtc)
	stable := token.NewLedger("SUSD", 18, nil)

	adapter := oracle.NewAdapter()
	adapter.SetNowFunc(func() int64 { return testNow })
	ethFeed := oracle.NewStaticFeed(8)
	ethFeed.Set(big.NewInt(2000_00000000), testNow)
	btcFeed := oracle.NewStaticFeed(8)
	btcFeed.Set(big.NewInt(30000_00000000), testNow)
	if err := adapter.RegisterFeed("ETH-USD", ethFeed); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	if err := adapter.RegisterFeed("BTC-USD", btcFeed); err != nil {
		t.Fatalf("register feed: %v", err)
	}

	engine, err := collateral.NewEngine(treasury, stable, registry, adapter, collateral.DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.AddCollateral("ETH", "ETH-USD"); err != nil {
		t.Fatalf("add eth: %v", err)
	}
	if err := engine.AddCollateral("WBTC", "BTC-USD"); err != nil {
		t.Fatalf("add wbtc: %v", err)
	}

	gate := freeze.New(vaultAddr)
	v, err := New(vaultAddr, engine, registry, gate, cfg(engine.MinCollateralRatio()))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	recorder := &events.Recorder{}
	v.SetEmitter(recorder)
	return &harness{engine: engine, eth: eth, wbtc: wbtc, stable: stable, ethFeed: ethFeed, gate: gate, vault: v, recorder: recorder}
}

func ratioConfig(custom, threshold string, auto bool) func(*big.Int) Config {
	return func(min *big.Int) Config {
		cfg := DefaultConfig(min, "ETH", "WBTC")
		cfg.CustomCollateralRatio, _ = common.ParseAmount(custom)
		cfg.AutoTopUpThreshold, _ = common.ParseAmount(threshold)
		cfg.AutoTopUpEnabled = auto
		return cfg
	}
}

func (h *harness) deposit(t *testing.T, ledger *token.Ledger, amount *big.Int) {
	t.Helper()
	if err := ledger.Mint(owner, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.vault.Deposit(owner, ledger.ID(), amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func requireEqual(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s = %s, want %s", name, got, want)
	}
}

func TestConfigValidation(t *testing.T) {
	min := collateral.DefaultParams().MinCollateralRatio
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"custom below minimum", Config{CustomCollateralRatio: big.NewInt(1)}, ErrInvalidCustomRatio},
		{"threshold below minimum", Config{CustomCollateralRatio: min, AutoTopUpEnabled: true, AutoTopUpThreshold: big.NewInt(1)}, ErrInvalidThreshold},
		{"duplicate assets", Config{CustomCollateralRatio: min, SupportedCollaterals: []string{"eth", "ETH"}}, ErrInvalidAssets},
		{"negative link amount", Config{CustomCollateralRatio: min, AutomationLinkAmount: big.NewInt(-1)}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(min); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	// disabled auto top-up tolerates a low threshold
	cfg := Config{CustomCollateralRatio: min, AutoTopUpThreshold: big.NewInt(1)}
	if err := cfg.Validate(min); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUpdateConfigKeepsPreviousOnFailure(t *testing.T) {
	h := newHarness(t, ratioConfig("25e17", "2e18", false))
	bad := h.vault.Config()
	bad.CustomCollateralRatio = big.NewInt(1)
	if err := h.vault.UpdateConfig(bad); !errors.Is(err, ErrInvalidCustomRatio) {
		t.Fatalf("expected ErrInvalidCustomRatio, got %v", err)
	}
	unknown := h.vault.Config()
	unknown.SupportedCollaterals = append(unknown.SupportedCollaterals, "DOGE")
	if err := h.vault.UpdateConfig(unknown); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected ErrUnsupportedAsset, got %v", err)
	}
	requireEqual(t, "custom ratio", h.vault.Config().CustomCollateralRatio, amt(t, "25e17"))

	good := h.vault.Config()
	good.AutoTopUpEnabled = true
	good.AutoTopUpThreshold = amt(t, "3e18")
	if err := h.vault.UpdateConfig(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !h.vault.Config().AutoTopUpEnabled {
		t.Fatalf("config not replaced")
	}
	if len(h.recorder.OfType(events.TypeVaultConfigUpdated)) != 1 {
		t.Fatalf("expected one config event")
	}
}

func TestDepositedCollateralSet(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "2e18", false))
	h.deposit(t, h.eth, amt(t, "1e18"))
	h.deposit(t, h.wbtc, amt(t, "1e8"))
	h.deposit(t, h.eth, amt(t, "1e18"))
	got := h.vault.DepositedCollaterals()
	if len(got) != 2 || got[0] != "ETH" || got[1] != "WBTC" {
		t.Fatalf("deposited set = %v", got)
	}

	if err := h.vault.Withdraw(owner, "ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := h.vault.DepositedCollaterals(); len(got) != 2 {
		t.Fatalf("partial withdraw removed asset: %v", got)
	}
	if err := h.vault.Withdraw(owner, "ETH", common.MaxAmount()); err != nil {
		t.Fatalf("withdraw max: %v", err)
	}
	got = h.vault.DepositedCollaterals()
	if len(got) != 1 || got[0] != "WBTC" {
		t.Fatalf("deposited set after drain = %v", got)
	}
	requireEqual(t, "owner eth", h.eth.BalanceOf(owner), amt(t, "2e18"))

	if err := h.vault.Withdraw(owner, "WBTC", amt(t, "2e8")); !errors.Is(err, ErrInsufficientIdle) {
		t.Fatalf("expected ErrInsufficientIdle, got %v", err)
	}
	if err := h.vault.Deposit(owner, "DOGE", big.NewInt(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Fatalf("expected ErrUnsupportedAsset, got %v", err)
	}
}

func TestInvestMintsAtCustomRatio(t *testing.T) {
	h := newHarness(t, ratioConfig("25e17", "25e17", false))
	h.deposit(t, h.eth, amt(t, "2e18"))

	minted, err := h.vault.Invest("ETH", common.MaxAmount())
	if err != nil {
		t.Fatalf("invest: %v", err)
	}
	// 2 ETH at $2000 is $4000; at 250% that supports 1600 SUSD
	requireEqual(t, "minted", minted, amt(t, "1600e18"))
	requireEqual(t, "stable balance", h.stable.BalanceOf(vaultAddr), amt(t, "1600e18"))
	requireEqual(t, "invested", h.vault.Invested("ETH"), amt(t, "2e18"))
	debt, err := h.vault.Debt()
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	requireEqual(t, "debt", debt, amt(t, "1600e18"))
	if got := h.vault.DepositedCollaterals(); len(got) != 0 {
		t.Fatalf("invested asset still in deposited set: %v", got)
	}

	// the existing position is at capacity, so only the new ETH mints
	h.deposit(t, h.eth, amt(t, "1e18"))
	minted, err = h.vault.Invest("ETH", amt(t, "1e18"))
	if err != nil {
		t.Fatalf("second invest: %v", err)
	}
	requireEqual(t, "second mint", minted, amt(t, "800e18"))
}

func TestHarvestReturnsInvestedCollateral(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "2e18", false))
	h.deposit(t, h.eth, amt(t, "2e18"))
	if _, err := h.vault.Invest("ETH", common.MaxAmount()); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := h.vault.Harvest("ETH", amt(t, "3e18"), big.NewInt(0)); !errors.Is(err, ErrExceedsInvested) {
		t.Fatalf("expected ErrExceedsInvested, got %v", err)
	}
	if err := h.vault.Harvest("ETH", big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.stable.Transfer(vaultAddr, owner, amt(t, "1e18")); err != nil {
		t.Fatalf("move stable: %v", err)
	}
	if err := h.vault.Harvest("ETH", common.MaxAmount(), common.MaxAmount()); !errors.Is(err, ErrInsufficientStable) {
		t.Fatalf("expected ErrInsufficientStable, got %v", err)
	}
	if err := h.stable.Transfer(owner, vaultAddr, amt(t, "1e18")); err != nil {
		t.Fatalf("return stable: %v", err)
	}
	if err := h.vault.Harvest("ETH", common.MaxAmount(), common.MaxAmount()); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	requireEqual(t, "idle eth", h.eth.BalanceOf(vaultAddr), amt(t, "2e18"))
	requireEqual(t, "invested", h.vault.Invested("ETH"), big.NewInt(0))
	requireEqual(t, "stable supply", h.stable.TotalSupply(), big.NewInt(0))
	if got := h.vault.DepositedCollaterals(); len(got) != 1 || got[0] != "ETH" {
		t.Fatalf("deposited set = %v", got)
	}
}

func TestSafetyAndAutoTopUp(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "3e18", true))
	h.deposit(t, h.eth, amt(t, "3e18"))
	if _, err := h.vault.PerformAutoTopUp(nil); !errors.Is(err, ErrTopUpNotNeeded) {
		t.Fatalf("debt-free vault: expected ErrTopUpNotNeeded, got %v", err)
	}
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}

	safety, err := h.vault.CheckCollateralSafety()
	if err != nil {
		t.Fatalf("safety: %v", err)
	}
	if !safety.InDanger {
		t.Fatalf("200%% ratio under a 300%% threshold must be in danger")
	}
	requireEqual(t, "ratio", safety.CurrentRatio, amt(t, "2e18"))
	requireEqual(t, "liquidation threshold", safety.LiquidationThreshold, amt(t, "2e18"))
	if !h.vault.NeedsUpkeep() {
		t.Fatalf("expected upkeep")
	}

	result, err := h.vault.PerformUpkeep()
	if err != nil {
		t.Fatalf("upkeep: %v", err)
	}
	if result == nil || result.Partial {
		t.Fatalf("unexpected result %+v", result)
	}
	// $1000 shortfall at $2000 per ETH
	requireEqual(t, "topped up", result.Deposited["ETH"], amt(t, "5e17"))
	requireEqual(t, "idle eth", h.eth.BalanceOf(vaultAddr), amt(t, "15e17"))
	ratio, err := h.vault.CollateralRatio()
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	requireEqual(t, "ratio after top-up", ratio, amt(t, "3e18"))

	if h.vault.NeedsUpkeep() {
		t.Fatalf("upkeep still needed after top-up")
	}
	result, err = h.vault.PerformUpkeep()
	if err != nil || result != nil {
		t.Fatalf("second upkeep must be a no-op, got %+v, %v", result, err)
	}
	requireEqual(t, "idle eth after no-op", h.eth.BalanceOf(vaultAddr), amt(t, "15e17"))
	if len(h.recorder.OfType(events.TypeVaultTopUp)) != 1 {
		t.Fatalf("expected exactly one top-up event")
	}
}

func TestPartialTopUpIsNotFatal(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "3e18", true))
	h.deposit(t, h.eth, amt(t, "12e17"))
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}
	result, err := h.vault.PerformAutoTopUp(nil)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if !result.Partial {
		t.Fatalf("expected partial top-up")
	}
	requireEqual(t, "deposited", result.Deposited["ETH"], amt(t, "2e17"))
	// 0.2 ETH covers $400 of the $1000 shortfall
	requireEqual(t, "remaining", result.Remaining, amt(t, "600e18"))
	if len(h.recorder.OfType(events.TypeVaultPartialTopUp)) != 1 {
		t.Fatalf("expected a partial top-up event")
	}
	if h.vault.NeedsUpkeep() {
		t.Fatalf("no idle collateral left, upkeep must not be requested")
	}
}

func TestTopUpUsesMultipleAssets(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "3e18", true))
	h.deposit(t, h.eth, amt(t, "12e17"))
	h.deposit(t, h.wbtc, amt(t, "1e8"))
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}
	result, err := h.vault.PerformAutoTopUp(nil)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if result.Partial {
		t.Fatalf("expected full coverage")
	}
	requireEqual(t, "eth used", result.Deposited["ETH"], amt(t, "2e17"))
	// the remaining $600 at $30000 per BTC is 0.02 BTC
	requireEqual(t, "wbtc used", result.Deposited["WBTC"], big.NewInt(2_000_000))
	got := h.vault.DepositedCollaterals()
	if len(got) != 1 || got[0] != "WBTC" {
		t.Fatalf("deposited set = %v", got)
	}
}

func TestFrozenVaultRejectsMutations(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "3e18", true))
	h.deposit(t, h.eth, amt(t, "3e18"))
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := h.gate.Freeze(owner, freeze.ReasonOwner); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := h.vault.Deposit(owner, "ETH", big.NewInt(1)); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("deposit: expected ErrAccountFrozen, got %v", err)
	}
	if err := h.vault.Withdraw(owner, "ETH", big.NewInt(1)); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("withdraw: expected ErrAccountFrozen, got %v", err)
	}
	if _, err := h.vault.Invest("ETH", big.NewInt(1)); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("invest: expected ErrAccountFrozen, got %v", err)
	}
	if err := h.vault.Harvest("ETH", big.NewInt(1), big.NewInt(0)); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("harvest: expected ErrAccountFrozen, got %v", err)
	}
	if err := h.vault.UpdateConfig(h.vault.Config()); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("update config: expected ErrAccountFrozen, got %v", err)
	}
	if h.vault.NeedsUpkeep() {
		t.Fatalf("frozen vault must not request upkeep")
	}
	if result, err := h.vault.PerformUpkeep(); err != nil || result != nil {
		t.Fatalf("frozen upkeep must be a no-op, got %+v, %v", result, err)
	}
	if err := h.gate.Unfreeze(owner, freeze.ReasonOwner); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if !h.vault.NeedsUpkeep() {
		t.Fatalf("upkeep expected once unfrozen")
	}
}

func TestVaultLiquidatesAsLiquidator(t *testing.T) {
	h := newHarness(t, ratioConfig("4e18", "4e18", false))
	h.deposit(t, h.eth, amt(t, "4e18"))
	if _, err := h.vault.Invest("ETH", amt(t, "4e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := h.eth.Mint(borrower, amt(t, "1e18")); err != nil {
		t.Fatalf("fund borrower: %v", err)
	}
	if err := h.engine.DepositAndMint(borrower, "ETH", amt(t, "1e18"), amt(t, "1000e18")); err != nil {
		t.Fatalf("borrower position: %v", err)
	}
	h.ethFeed.Set(big.NewInt(1500_00000000), testNow)

	result, err := h.vault.Liquidate(borrower, "ETH", common.MaxAmount())
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	requireEqual(t, "covered", result.DebtCovered, amt(t, "1000e18"))
	requireEqual(t, "idle eth", h.eth.BalanceOf(vaultAddr), result.CollateralSeized)
	requireEqual(t, "stable left", h.stable.BalanceOf(vaultAddr), amt(t, "1000e18"))
	if got := h.vault.DepositedCollaterals(); len(got) != 1 || got[0] != "ETH" {
		t.Fatalf("seized collateral not tracked: %v", got)
	}
}

func TestFailedTopUpLegLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "3e18", true))
	h.deposit(t, h.eth, amt(t, "12e17"))
	h.deposit(t, h.wbtc, amt(t, "1e8"))
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}

	h.wbtc.FailNextTransfer(errors.New("boom"))
	if _, err := h.vault.PerformAutoTopUp(nil); err == nil {
		t.Fatalf("expected the WBTC leg to fail")
	}
	deposited, err := h.engine.CollateralAmount(vaultAddr, "ETH")
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	requireEqual(t, "eth deposited", deposited, amt(t, "1e18"))
	requireEqual(t, "invested", h.vault.Invested("ETH"), amt(t, "1e18"))
	requireEqual(t, "idle eth", h.eth.BalanceOf(vaultAddr), amt(t, "2e17"))
	requireEqual(t, "idle wbtc", h.wbtc.BalanceOf(vaultAddr), big.NewInt(100_000_000))
	if len(h.recorder.OfType(events.TypeVaultTopUp)) != 0 {
		t.Fatalf("failed top-up published an event")
	}

	result, err := h.vault.PerformAutoTopUp(nil)
	if err != nil || result.Partial {
		t.Fatalf("retry: %+v, %v", result, err)
	}
	requireEqual(t, "invested after retry", h.vault.Invested("ETH"), amt(t, "12e17"))
}

func TestInvestedShrinksAfterVaultIsLiquidated(t *testing.T) {
	h := newHarness(t, ratioConfig("2e18", "2e18", false))
	h.deposit(t, h.eth, amt(t, "2e18"))
	if _, err := h.vault.Invest("ETH", common.MaxAmount()); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := h.stable.Mint(borrower, amt(t, "2000e18")); err != nil {
		t.Fatalf("fund liquidator: %v", err)
	}
	h.ethFeed.Set(big.NewInt(1500_00000000), testNow)

	result, err := h.engine.Liquidate(borrower, vaultAddr, "ETH", amt(t, "1000e18"))
	if err != nil {
		t.Fatalf("liquidate vault: %v", err)
	}
	deposited, err := h.engine.CollateralAmount(vaultAddr, "ETH")
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	requireEqual(t, "deposit after seizure", deposited, new(big.Int).Sub(amt(t, "2e18"), result.CollateralSeized))
	requireEqual(t, "invested", h.vault.Invested("ETH"), deposited)

	if err := h.vault.Harvest("ETH", amt(t, "2e18"), big.NewInt(0)); !errors.Is(err, ErrExceedsInvested) {
		t.Fatalf("expected ErrExceedsInvested for seized collateral, got %v", err)
	}
}

func TestRestoreResumesVault(t *testing.T) {
	h := newHarness(t, ratioConfig("25e17", "3e18", true))
	h.deposit(t, h.eth, amt(t, "3e18"))
	if _, err := h.vault.Invest("ETH", amt(t, "1e18")); err != nil {
		t.Fatalf("invest: %v", err)
	}

	snap := h.vault.Snapshot()
	restored, err := Restore(vaultAddr, h.engine, h.vault.assets, h.gate, snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	requireEqual(t, "invested", restored.Invested("ETH"), amt(t, "1e18"))
	requireEqual(t, "custom ratio", restored.Config().CustomCollateralRatio, amt(t, "25e17"))
	if got := restored.DepositedCollaterals(); len(got) != 1 || got[0] != "ETH" {
		t.Fatalf("deposited set = %v", got)
	}
	if !restored.Config().AutoTopUpEnabled || !restored.NeedsUpkeep() {
		t.Fatalf("restored vault lost its auto top-up policy")
	}
}
