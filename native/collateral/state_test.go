package collateral

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"stablefi/native/common"
	"stablefi/storage"
)

func TestKVStateRoundTrip(t *testing.T) {
	state := NewKVState(storage.NewMemDB())
	require.NoError(t, state.SetCollateral(bob, "ETH", big.NewInt(7)))
	require.NoError(t, state.SetDebt(alice, big.NewInt(3)))
	require.NoError(t, state.SetDelegated("ETH", big.NewInt(5)))

	coll, err := state.Collateral(bob, "ETH")
	require.NoError(t, err)
	require.Equal(t, int64(7), coll.Int64())

	missing, err := state.Collateral(alice, "ETH")
	require.NoError(t, err)
	require.Zero(t, missing.Sign())

	debt, err := state.Debt(alice)
	require.NoError(t, err)
	require.Equal(t, int64(3), debt.Int64())

	delegated, err := state.Delegated("ETH")
	require.NoError(t, err)
	require.Equal(t, int64(5), delegated.Int64())

	accounts, err := state.Accounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	require.True(t, accounts[0].Less(accounts[1]))
}

func TestEngineOverKVState(t *testing.T) {
	h := newHarness(t)
	h.engine.SetState(NewKVState(storage.NewMemDB()))
	h.open(t, alice, "2e18", "2000e18")
	h.requirePosition(t, alice, amt(t, "2e18"), amt(t, "2000e18"))
	require.NoError(t, h.engine.Redeem(alice, "ETH", common.MaxAmount(), common.MaxAmount()))
	h.requirePosition(t, alice, big.NewInt(0), big.NewInt(0))
	h.requireBacked(t)

	pos, err := h.engine.Position(alice)
	require.NoError(t, err)
	require.True(t, common.IsMax(pos.Ratio))
	require.Zero(t, pos.CollateralValue.Sign())
}
