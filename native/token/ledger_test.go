package token

import (
	"errors"
	"math/big"
	"testing"

	"stablefi/crypto"
)

func addr(b byte) crypto.Address {
	var a crypto.Address
	a[19] = b
	return a
}

func TestLedgerMintTransferBurn(t *testing.T) {
	ledger := NewLedger("sf", 18, nil)
	alice, bob := addr(1), addr(2)

	if err := ledger.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.Burn(bob, big.NewInt(15)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := ledger.BalanceOf(alice); got.Int64() != 60 {
		t.Fatalf("unexpected alice balance %s", got)
	}
	if got := ledger.BalanceOf(bob); got.Int64() != 25 {
		t.Fatalf("unexpected bob balance %s", got)
	}
	if got := ledger.TotalSupply(); got.Int64() != 85 {
		t.Fatalf("unexpected supply %s", got)
	}
	if ledger.ID() != "SF" {
		t.Fatalf("expected upper-cased id, got %s", ledger.ID())
	}
}

func TestLedgerRejectsOverdraftAndInvalidInput(t *testing.T) {
	ledger := NewLedger("weth", 18, nil)
	alice, bob := addr(1), addr(2)
	if err := ledger.Transfer(alice, bob, big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := ledger.Burn(alice, big.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance on burn, got %v", err)
	}
	if err := ledger.Mint(alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if err := ledger.Mint(crypto.Address{}, big.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v", err)
	}
}

func TestLedgerInjectedFailureIsOneShot(t *testing.T) {
	ledger := NewLedger("weth", 18, nil)
	alice := addr(1)
	ledger.FailNextTransfer(errors.New("rpc down"))
	if err := ledger.Mint(alice, big.NewInt(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if ledger.BalanceOf(alice).Sign() != 0 {
		t.Fatalf("failed mint must not credit")
	}
	if err := ledger.Mint(alice, big.NewInt(5)); err != nil {
		t.Fatalf("second mint should succeed: %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLedger("wbtc", 8, nil))
	asset, err := reg.Asset("WBTC")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if asset.Decimals() != 8 {
		t.Fatalf("unexpected decimals %d", asset.Decimals())
	}
	if _, err := reg.Asset("doge"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}
