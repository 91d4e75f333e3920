package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

const testNow = int64(1_700_000_000)

func usd(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestAdapter(t *testing.T, feedDecimals uint8, answer *big.Int, assetDecimals uint8) (*Adapter, *StaticFeed) {
	t.Helper()
	adapter := NewAdapter()
	adapter.SetNowFunc(func() int64 { return testNow })
	feed := NewStaticFeed(feedDecimals)
	feed.Set(answer, testNow)
	if err := adapter.RegisterFeed("eth-usd", feed); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	if err := adapter.Bind("eth", "eth-usd", assetDecimals); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return adapter, feed
}

func TestPriceNormalisesFeedDecimals(t *testing.T) {
	// 2000 USD reported with 8 decimals.
	adapter, _ := newTestAdapter(t, 8, big.NewInt(2000_00000000), 18)
	quote, err := adapter.Price("ETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Value.Cmp(usd(2000)) != 0 {
		t.Fatalf("unexpected normalised price %s", quote.Value)
	}
	if quote.AsOf.Unix() != testNow {
		t.Fatalf("unexpected as-of %v", quote.AsOf)
	}
}

func TestPriceRejectsStaleAndMalformedRounds(t *testing.T) {
	adapter, feed := newTestAdapter(t, 8, big.NewInt(2000_00000000), 18)

	feed.Set(big.NewInt(2000_00000000), testNow-int64(3*time.Hour/time.Second)-1)
	if _, err := adapter.Price("ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}

	feed.Set(big.NewInt(2000_00000000), testNow-int64(3*time.Hour/time.Second))
	if _, err := adapter.Price("ETH"); err != nil {
		t.Fatalf("answer exactly at the window edge should pass: %v", err)
	}

	feed.SetRound(Round{RoundID: 9, Answer: big.NewInt(1), UpdatedAt: testNow, AnsweredInRound: 8})
	if _, err := adapter.Price("ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price for incomplete round, got %v", err)
	}

	feed.SetRound(Round{RoundID: 9, Answer: big.NewInt(1), UpdatedAt: 0, AnsweredInRound: 9})
	if _, err := adapter.Price("ETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price for missing timestamp, got %v", err)
	}

	feed.SetRound(Round{RoundID: 9, Answer: big.NewInt(-5), UpdatedAt: testNow, AnsweredInRound: 9})
	if _, err := adapter.Price("ETH"); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestConversionsRoundInProtocolFavour(t *testing.T) {
	// 3 USD per unit of a 6-decimal asset.
	adapter, _ := newTestAdapter(t, 18, usd(3), 6)

	// 10 USD needs 3.333334 units when rounding up.
	amount, err := adapter.AmountForValue("ETH", usd(10))
	if err != nil {
		t.Fatalf("amount for value: %v", err)
	}
	if amount.Cmp(big.NewInt(3_333_334)) != 0 {
		t.Fatalf("expected ceiling conversion, got %s", amount)
	}

	// 3.333333 units are worth 9.999999 USD, rounded down.
	value, err := adapter.ValueOf("ETH", big.NewInt(3_333_333))
	if err != nil {
		t.Fatalf("value of: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(9_999_999), new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil))
	if value.Cmp(want) != 0 {
		t.Fatalf("unexpected value %s", value)
	}
}

func TestUnknownAssetAndSource(t *testing.T) {
	adapter := NewAdapter()
	if _, err := adapter.Price("BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
	if err := adapter.Bind("BTC", "btc-usd", 8); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected unknown source, got %v", err)
	}
}

func TestNormaliseHighPrecisionFeed(t *testing.T) {
	answer := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil))
	if got := Normalise(answer, 20); got.Cmp(usd(5)) != 0 {
		t.Fatalf("unexpected downscale %s", got)
	}
}
