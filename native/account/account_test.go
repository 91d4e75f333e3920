package account

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/collateral"
	"stablefi/native/freeze"
	"stablefi/native/oracle"
	"stablefi/native/recovery"
	"stablefi/native/token"
	"stablefi/native/vault"
)

var (
	gateway  = crypto.ModuleAddress("test/gateway")
	ownerA   = crypto.ModuleAddress("test/owner-a")
	owner1   = crypto.ModuleAddress("test/owner-1")
	owner2   = crypto.ModuleAddress("test/owner-2")
	rescued  = crypto.ModuleAddress("test/rescued")
	outsider = crypto.ModuleAddress("test/outsider")
)

type fixture struct {
	registry *Registry
	engine   *collateral.Engine
	assets   *token.Registry
	eth      *token.Ledger
	target   *Account
	g1       *Account
	g2       *Account
	recorder *events.Recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	assets := token.NewRegistry()
	eth := token.NewLedger("ETH", 18, nil)
	assets.Register(eth)
	stable := token.NewLedger("SUSD", 18, nil)
	adapter := oracle.NewAdapter()
	adapter.SetNowFunc(func() int64 { return 1_700_000_000 })
	feed := oracle.NewStaticFeed(8)
	feed.Set(big.NewInt(2000_00000000), 1_700_000_000)
	if err := adapter.RegisterFeed("ETH-USD", feed); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	engine, err := collateral.NewEngine(crypto.ModuleAddress("test/treasury"), stable, assets, adapter, collateral.DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.AddCollateral("ETH", "ETH-USD"); err != nil {
		t.Fatalf("add collateral: %v", err)
	}

	f := &fixture{registry: NewRegistry(), engine: engine, assets: assets, eth: eth, recorder: &events.Recorder{}, now: time.Unix(1_700_000_000, 0)}
	open := func(name string, owner crypto.Address) *Account {
		acct, err := New(crypto.ModuleAddress("test/account/"+name), owner, gateway, engine, assets, vault.DefaultConfig(engine.MinCollateralRatio(), "ETH"))
		if err != nil {
			t.Fatalf("new account %s: %v", name, err)
		}
		acct.SetEmitter(f.recorder)
		acct.SetNowFunc(func() time.Time { return f.now })
		if err := f.registry.Register(acct); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		return acct
	}
	f.target = open("target", ownerA)
	f.g1 = open("guardian-1", owner1)
	f.g2 = open("guardian-2", owner2)
	err = f.target.ConfigureRecovery(ownerA, recovery.Config{
		Enabled:      true,
		Guardians:    []crypto.Address{f.g1.Address(), f.g2.Address()},
		MinApprovals: 2,
		TimeLock:     time.Hour,
	})
	if err != nil {
		t.Fatalf("configure recovery: %v", err)
	}
	return f
}

func TestControllerAuthorization(t *testing.T) {
	f := newFixture(t)
	if err := f.eth.Mint(ownerA, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.target.Deposit(outsider, "ETH", big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.target.Deposit(ownerA, "ETH", big.NewInt(4)); err != nil {
		t.Fatalf("owner deposit: %v", err)
	}
	if err := f.target.Deposit(gateway, "ETH", big.NewInt(6)); err != nil {
		t.Fatalf("gateway deposit: %v", err)
	}
	idle, err := f.target.Vault().IdleBalance("ETH")
	if err != nil {
		t.Fatalf("idle: %v", err)
	}
	if idle.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("idle = %s, want 10", idle)
	}
	if err := f.target.ConfigureRecovery(outsider, recovery.Config{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestOwnerFreezeGatesVault(t *testing.T) {
	f := newFixture(t)
	if err := f.target.Freeze(gateway); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := f.target.Withdraw(ownerA, "ETH", big.NewInt(1)); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if err := f.target.ChangeOwner(ownerA, rescued); !errors.Is(err, freeze.ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if err := f.target.Unfreeze(ownerA); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	history := f.target.FreezeHistory()
	if len(history) != 1 || !history[0].Resolved || history[0].FrozenBy != gateway || history[0].UnfrozenBy != ownerA {
		t.Fatalf("unexpected freeze history %+v", history)
	}
}

func TestTwoHopRecovery(t *testing.T) {
	f := newFixture(t)

	if _, err := f.g1.ForwardInitiate(outsider, f.target.Address(), rescued); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// the target side defends on its own against callers that are not guardians
	if _, err := f.target.ReceiveInitiate(owner1, rescued); !errors.Is(err, recovery.ErrNotGuardian) {
		t.Fatalf("expected ErrNotGuardian, got %v", err)
	}

	record, err := f.g1.ForwardInitiate(owner1, f.target.Address(), rescued)
	if err != nil {
		t.Fatalf("forward initiate: %v", err)
	}
	if record.Initiator != f.g1.Address() {
		t.Fatalf("initiator = %s, want guardian account", record.Initiator)
	}
	if !f.target.IsFrozen() {
		t.Fatalf("target must be frozen during recovery")
	}
	if err := f.target.Unfreeze(ownerA); !errors.Is(err, freeze.ErrReasonMismatch) {
		t.Fatalf("owner must not lift a recovery freeze, got %v", err)
	}
	if _, err := f.g1.ForwardInitiate(owner1, f.target.Address(), rescued); !errors.Is(err, recovery.ErrAccountInRecovery) {
		t.Fatalf("expected ErrAccountInRecovery, got %v", err)
	}

	if _, err := f.g2.ForwardApprove(owner2, f.target.Address()); err != nil {
		t.Fatalf("forward approve: %v", err)
	}
	if err := f.g1.ForwardComplete(owner1, f.target.Address()); !errors.Is(err, recovery.ErrRecoveryNotExecutable) {
		t.Fatalf("expected ErrRecoveryNotExecutable, got %v", err)
	}
	progress := f.target.RecoveryProgress()
	if !progress.Active || progress.Approvals != 2 || progress.Executable {
		t.Fatalf("unexpected progress %+v", progress)
	}

	f.now = f.now.Add(time.Hour)
	if err := f.g1.ForwardComplete(owner1, f.target.Address()); err != nil {
		t.Fatalf("forward complete: %v", err)
	}
	if f.target.Owner() != rescued {
		t.Fatalf("owner = %s, want %s", f.target.Owner(), rescued)
	}
	if f.target.IsFrozen() {
		t.Fatalf("target still frozen")
	}
	if err := f.target.Freeze(ownerA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("previous owner kept control: %v", err)
	}
	if err := f.target.Freeze(rescued); err != nil {
		t.Fatalf("new owner freeze: %v", err)
	}
	changed := f.recorder.OfType(events.TypeOwnershipChanged)
	if len(changed) != 1 || changed[0].Attr("owner") != rescued.String() {
		t.Fatalf("unexpected ownership events %+v", changed)
	}
}

func TestForwardCancel(t *testing.T) {
	f := newFixture(t)
	if _, err := f.g1.ForwardInitiate(owner1, f.target.Address(), rescued); err != nil {
		t.Fatalf("forward initiate: %v", err)
	}
	if err := f.g2.ForwardCancel(owner2, f.target.Address()); err != nil {
		t.Fatalf("forward cancel: %v", err)
	}
	if f.target.IsFrozen() || f.target.Owner() != ownerA {
		t.Fatalf("cancel must leave the account unfrozen with its owner")
	}
	if _, err := f.g1.ForwardApprove(owner1, crypto.ModuleAddress("test/unknown")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Register(f.target); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	accounts := f.registry.Accounts()
	if len(accounts) != 3 {
		t.Fatalf("accounts = %d, want 3", len(accounts))
	}
	for i := 1; i < len(accounts); i++ {
		if !accounts[i-1].Address().Less(accounts[i].Address()) {
			t.Fatalf("accounts not ordered")
		}
	}
}
