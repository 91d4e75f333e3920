package collateral

import (
	"errors"
	"math/big"
	"testing"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/invest"
)

func TestDelegateRequiresInvestmentService(t *testing.T) {
	h := newHarness(t)
	h.open(t, alice, "1e18", "0")
	if err := h.engine.DelegateIdle("ETH", common.MaxAmount()); !errors.Is(err, ErrInvestmentDisabled) {
		t.Fatalf("expected ErrInvestmentDisabled, got %v", err)
	}
}

func TestRedeemRecallsDelegatedCollateral(t *testing.T) {
	h := newHarness(t)
	marketAddr := crypto.ModuleAddress("test/market")
	reserve := crypto.ModuleAddress("test/reserve")
	market, err := invest.NewMarket(h.registry, treasury, marketAddr)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	h.engine.SetInvestmentService(market)
	h.engine.SetReserve(reserve)
	h.open(t, alice, "2e18", "1000e18")

	if err := h.engine.DelegateIdle("ETH", common.MaxAmount()); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if got := h.eth.BalanceOf(treasury); got.Sign() != 0 {
		t.Fatalf("treasury idle = %s", got)
	}
	h.requireBacked(t)
	if err := h.engine.DelegateIdle("ETH", big.NewInt(1)); !errors.Is(err, ErrInsufficientIdle) {
		t.Fatalf("expected ErrInsufficientIdle, got %v", err)
	}

	if err := h.eth.Mint(marketAddr, amt(t, "1e17")); err != nil {
		t.Fatalf("fund yield: %v", err)
	}
	if err := market.Accrue("ETH", amt(t, "1e17")); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	if err := h.engine.Redeem(alice, "ETH", amt(t, "1e18"), big.NewInt(0)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got := h.eth.BalanceOf(alice); got.Cmp(amt(t, "1e18")) != 0 {
		t.Fatalf("alice eth = %s", got)
	}
	if got := h.eth.BalanceOf(reserve); got.Cmp(amt(t, "5e16")) != 0 {
		t.Fatalf("reserve interest = %s, want 5e16", got)
	}
	delegated, err := h.engine.Delegated("ETH")
	if err != nil {
		t.Fatalf("delegated: %v", err)
	}
	if delegated.Cmp(amt(t, "1e18")) != 0 {
		t.Fatalf("delegated = %s", delegated)
	}
	h.requireBacked(t)
	if len(h.recorder.OfType(events.TypeCollateralRecalled)) != 1 {
		t.Fatalf("expected one recall event")
	}
	if len(h.recorder.OfType(events.TypeInvestmentInterest)) != 1 {
		t.Fatalf("expected one interest event")
	}

	if err := h.engine.RecallDelegated("ETH", common.MaxAmount()); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if got := h.eth.BalanceOf(treasury); got.Cmp(amt(t, "1e18")) != 0 {
		t.Fatalf("treasury after recall = %s", got)
	}
	if got := h.eth.BalanceOf(reserve); got.Cmp(amt(t, "1e17")) != 0 {
		t.Fatalf("reserve after recall = %s", got)
	}
	h.requireBacked(t)
	if err := h.engine.RemoveCollateral("ETH"); !errors.Is(err, ErrCollateralInUse) {
		t.Fatalf("expected ErrCollateralInUse, got %v", err)
	}
}

func TestLiquidationRecallsDelegatedCollateral(t *testing.T) {
	h := newHarness(t)
	market, err := invest.NewMarket(h.registry, treasury, crypto.ModuleAddress("test/market"))
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	h.engine.SetInvestmentService(market)
	h.open(t, alice, "2e18", "1500e18")
	h.open(t, bob, "10e18", "1500e18")
	if err := h.engine.DelegateIdle("ETH", amt(t, "11e18")); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	h.setPrice(1000)

	if _, err := h.engine.Liquidate(bob, alice, "ETH", common.MaxAmount()); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := h.eth.BalanceOf(bob); got.Cmp(amt(t, "165e16")) != 0 {
		t.Fatalf("liquidator eth = %s", got)
	}
	h.requireBacked(t)
}
