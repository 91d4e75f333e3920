package core

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"stablefi/config"
	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/collateral"
	"stablefi/native/common"
	"stablefi/native/recovery"
	"stablefi/storage"
)

var (
	testClock = time.Unix(1_700_000_000, 0)
	owner     = crypto.ModuleAddress("test/owner")
	operator  = crypto.ModuleAddress("test/operator")
)

func ether(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), common.Precision)
}

func newTestNode(t *testing.T, db storage.Database, mutate func(*config.Config)) (*Node, *events.Recorder) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	recorder := &events.Recorder{}
	node, err := NewNode(cfg, db, Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter:  recorder,
		Operator: operator,
		Now:      func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node, recorder
}

func TestNodeAssemblesFromConfig(t *testing.T) {
	node, _ := newTestNode(t, nil, nil)

	if got := node.Engine().MinCollateralRatio(); got.Cmp(ether(2)) != 0 {
		t.Fatalf("min ratio = %s", got)
	}
	supported := node.Engine().SupportedCollaterals()
	if len(supported) != 1 || supported[0].AssetID != "ETH" || supported[0].PriceSourceID != "ETH-USD" {
		t.Fatalf("unexpected collaterals: %+v", supported)
	}
	quote, err := node.Oracle().Price("eth")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Value.Cmp(ether(2000)) != 0 {
		t.Fatalf("seeded price = %s", quote.Value)
	}
	if node.Stable().ID() != "SF" {
		t.Fatalf("stable id = %s", node.Stable().ID())
	}
	if node.Market() != nil {
		t.Fatalf("market must be disabled by default")
	}
	if err := node.AccrueInterest("ETH", ether(1)); !errors.Is(err, ErrNoMarket) {
		t.Fatalf("expected ErrNoMarket, got %v", err)
	}
}

func TestNodeAccountLifecycle(t *testing.T) {
	node, recorder := newTestNode(t, nil, nil)

	if err := node.Faucet("eth", owner, ether(1)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	acct, err := node.OpenAccount(owner, nil)
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	if acct.Gateway() != operator {
		t.Fatalf("gateway = %s", acct.Gateway())
	}
	if err := acct.Deposit(owner, "ETH", common.MaxAmount()); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	minted, err := acct.Invest(operator, "ETH", common.MaxAmount())
	if err != nil {
		t.Fatalf("invest: %v", err)
	}
	if minted.Cmp(ether(1000)) != 0 {
		t.Fatalf("minted = %s", minted)
	}
	ratio, err := node.Engine().CollateralRatio(acct.Address())
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio.Cmp(ether(2)) != 0 {
		t.Fatalf("ratio = %s", ratio)
	}
	balance, err := node.Balance("sf", acct.Address())
	if err != nil || balance.Cmp(ether(1000)) != 0 {
		t.Fatalf("stable balance = %v (%v)", balance, err)
	}

	if err := node.PushPrice("eth-usd", big.NewInt(1500_00000000), time.Time{}); err != nil {
		t.Fatalf("push price: %v", err)
	}
	preview, err := node.Engine().PreviewLiquidation(acct.Address(), "ETH", ether(100))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.CollateralSeized.Sign() <= 0 {
		t.Fatalf("expected collateral to seize, got %+v", preview)
	}

	got, err := node.Account(acct.Address())
	if err != nil || got != acct {
		t.Fatalf("account lookup: %v", err)
	}
	upkeepers := node.Upkeepers()
	if len(upkeepers) != 1 || upkeepers[0].Address() != acct.Address() {
		t.Fatalf("unexpected upkeepers: %d", len(upkeepers))
	}
	if upkeepers[0].NeedsUpkeep() {
		t.Fatalf("auto top-up is disabled by default")
	}
	if len(recorder.OfType(events.TypeVaultInvest)) != 1 {
		t.Fatalf("expected one invest event")
	}
}

func TestNodeRejectsUnknownFeedAndAsset(t *testing.T) {
	node, _ := newTestNode(t, nil, nil)

	if err := node.PushPrice("btc-usd", big.NewInt(1), testClock); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("expected ErrUnknownFeed, got %v", err)
	}
	if err := node.PushPrice("eth-usd", big.NewInt(0), testClock); err == nil {
		t.Fatalf("expected zero price to be rejected")
	}
	if err := node.Faucet("sf", owner, ether(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("faucet must refuse the stable token, got %v", err)
	}
	if err := node.AddFeed("btc-usd", 8); err != nil {
		t.Fatalf("add feed: %v", err)
	}
	if err := node.PushPrice("BTC-USD", big.NewInt(60_000_00000000), testClock); err != nil {
		t.Fatalf("push new feed: %v", err)
	}
}

func TestNodePausedEngine(t *testing.T) {
	node, _ := newTestNode(t, nil, func(c *config.Config) { c.Engine.Paused = true })
	if err := node.Faucet("eth", owner, ether(1)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	err := node.Engine().DepositAndMint(owner, "ETH", ether(1), ether(100))
	if !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused engine, got %v", err)
	}
	node.SetPaused(collateral.ModuleName, false)
	if err := node.Engine().DepositAndMint(owner, "ETH", ether(1), ether(100)); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestNodePositionsSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	first, _ := newTestNode(t, db, nil)
	if err := first.Faucet("eth", owner, ether(2)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := first.Engine().DepositAndMint(owner, "ETH", ether(2), ether(1500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	second, _ := newTestNode(t, db, nil)
	debt, err := second.Engine().Debt(owner)
	if err != nil || debt.Cmp(ether(1500)) != 0 {
		t.Fatalf("debt after restart = %v (%v)", debt, err)
	}
	deposited, err := second.Engine().CollateralAmount(owner, "ETH")
	if err != nil || deposited.Cmp(ether(2)) != 0 {
		t.Fatalf("collateral after restart = %v (%v)", deposited, err)
	}
	if supply := second.Stable().TotalSupply(); supply.Cmp(ether(1500)) != 0 {
		t.Fatalf("stable supply after restart = %s", supply)
	}
}

func TestNodeAccountsSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	first, _ := newTestNode(t, db, nil)
	guardianOwner := crypto.ModuleAddress("test/guardian-owner")
	rescued := crypto.ModuleAddress("test/rescued")

	acct, err := first.OpenAccount(owner, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	g1, err := first.OpenAccount(guardianOwner, nil)
	if err != nil {
		t.Fatalf("open guardian: %v", err)
	}
	g2, err := first.OpenAccount(guardianOwner, nil)
	if err != nil {
		t.Fatalf("open guardian: %v", err)
	}
	if err := first.Faucet("eth", owner, ether(3)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := acct.Deposit(owner, "ETH", ether(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := acct.Invest(owner, "ETH", ether(2)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	err = acct.ConfigureRecovery(owner, recovery.Config{
		Enabled:      true,
		Guardians:    []crypto.Address{g1.Address(), g2.Address()},
		MinApprovals: 2,
		TimeLock:     time.Hour,
	})
	if err != nil {
		t.Fatalf("configure recovery: %v", err)
	}
	if _, err := g1.ForwardInitiate(guardianOwner, acct.Address(), rescued); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	second, _ := newTestNode(t, db, nil)
	if got := len(second.Accounts()); got != 3 {
		t.Fatalf("accounts after restart = %d, want 3", got)
	}
	reopened, err := second.Account(acct.Address())
	if err != nil {
		t.Fatalf("account after restart: %v", err)
	}
	if reopened.Owner() != owner || reopened.Gateway() != operator {
		t.Fatalf("owner %s gateway %s after restart", reopened.Owner(), reopened.Gateway())
	}
	if got := reopened.Vault().Invested("ETH"); got.Cmp(ether(2)) != 0 {
		t.Fatalf("invested after restart = %s", got)
	}
	if idle, err := reopened.Vault().IdleBalance("ETH"); err != nil || idle.Cmp(ether(1)) != 0 {
		t.Fatalf("idle after restart = %v (%v)", idle, err)
	}
	if !reopened.IsFrozen() || len(reopened.FreezeHistory()) != 1 {
		t.Fatalf("recovery freeze lost on restart")
	}
	if progress := reopened.RecoveryProgress(); !progress.Active || progress.Approvals != 1 {
		t.Fatalf("pending recovery after restart = %+v", progress)
	}

	g2Reopened, err := second.Account(g2.Address())
	if err != nil {
		t.Fatalf("guardian after restart: %v", err)
	}
	if _, err := g2Reopened.ForwardApprove(guardianOwner, acct.Address()); err != nil {
		t.Fatalf("approve after restart: %v", err)
	}
	third, _ := newTestNode(t, db, nil)
	again, err := third.Account(acct.Address())
	if err != nil {
		t.Fatalf("account after second restart: %v", err)
	}
	if progress := again.RecoveryProgress(); progress.Approvals != 2 || progress.ExecutableAt.IsZero() {
		t.Fatalf("approval not persisted: %+v", progress)
	}
}

func TestNodeInvestmentMarket(t *testing.T) {
	node, _ := newTestNode(t, nil, func(c *config.Config) { c.Invest.Enabled = true })
	if node.Market() == nil {
		t.Fatalf("expected market")
	}
	if err := node.Faucet("eth", owner, ether(4)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := node.Engine().DepositAndMint(owner, "ETH", ether(4), ether(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := node.Engine().DelegateIdle("ETH", ether(3)); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := node.AccrueInterest("ETH", ether(1)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	principal, interest := node.Market().Position("ETH")
	if principal.Cmp(ether(3)) != 0 || interest.Cmp(ether(1)) != 0 {
		t.Fatalf("market position = %s/%s", principal, interest)
	}
}
