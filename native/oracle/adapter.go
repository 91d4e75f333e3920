package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"stablefi/native/common"
)

type binding struct {
	source   string
	decimals uint8
}

// Adapter normalises feed answers to 18 decimals and converts between asset
// amounts and USD values. Reads are synchronous and never retried.
type Adapter struct {
	mu        sync.RWMutex
	feeds     map[string]Feed
	assets    map[string]binding
	staleness time.Duration
	nowFn     func() int64
}

// NewAdapter constructs an adapter with the default staleness window.
func NewAdapter() *Adapter {
	return &Adapter{
		feeds:     make(map[string]Feed),
		assets:    make(map[string]binding),
		staleness: DefaultStalenessWindow,
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used for staleness checks.
func (a *Adapter) SetNowFunc(now func() int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now == nil {
		a.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	a.nowFn = now
}

// SetStalenessWindow updates the maximum accepted answer age. Non-positive
// windows reset to the default.
func (a *Adapter) SetStalenessWindow(window time.Duration) {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	a.mu.Lock()
	a.staleness = window
	a.mu.Unlock()
}

// RegisterFeed adds or replaces a price source.
func (a *Adapter) RegisterFeed(sourceID string, feed Feed) error {
	id := normaliseID(sourceID)
	if id == "" || feed == nil {
		return ErrInvalidBinding
	}
	a.mu.Lock()
	a.feeds[id] = feed
	a.mu.Unlock()
	return nil
}

// Bind maps an asset to a registered price source. decimals is the native
// precision of the asset's amounts.
func (a *Adapter) Bind(assetID, sourceID string, decimals uint8) error {
	asset := normaliseID(assetID)
	source := normaliseID(sourceID)
	if asset == "" || source == "" || decimals > 36 {
		return ErrInvalidBinding
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.feeds[source]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	a.assets[asset] = binding{source: source, decimals: decimals}
	return nil
}

// Unbind removes the asset mapping.
func (a *Adapter) Unbind(assetID string) {
	a.mu.Lock()
	delete(a.assets, normaliseID(assetID))
	a.mu.Unlock()
}

// Sources lists the registered price source identifiers.
func (a *Adapter) Sources() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.feeds))
	for id := range a.feeds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Feed returns the registered source.
func (a *Adapter) Feed(sourceID string) (Feed, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	feed, ok := a.feeds[normaliseID(sourceID)]
	return feed, ok
}

// AssetDecimals returns the native precision bound for the asset.
func (a *Adapter) AssetDecimals(assetID string) (uint8, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.assets[normaliseID(assetID)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return b.decimals, nil
}

// Price returns the asset's USD price with 18 decimals. Stale or malformed
// readings fail with ErrStalePrice or ErrInvalidPrice.
func (a *Adapter) Price(assetID string) (Quote, error) {
	feed, _, err := a.resolve(assetID)
	if err != nil {
		return Quote{}, err
	}
	return a.read(feed)
}

// ValueOf returns the USD value of amount, rounded down.
func (a *Adapter) ValueOf(assetID string, amount *big.Int) (*big.Int, error) {
	feed, decimals, err := a.resolve(assetID)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	quote, err := a.read(feed)
	if err != nil {
		return nil, err
	}
	return ValueOfAmount(quote.Value, amount, decimals), nil
}

// AmountForValue returns the asset amount needed to cover usdValue, rounded
// up so the result never under-covers.
func (a *Adapter) AmountForValue(assetID string, usdValue *big.Int) (*big.Int, error) {
	feed, decimals, err := a.resolve(assetID)
	if err != nil {
		return nil, err
	}
	if usdValue == nil || usdValue.Sign() == 0 {
		return big.NewInt(0), nil
	}
	quote, err := a.read(feed)
	if err != nil {
		return nil, err
	}
	return AmountForValue(quote.Value, usdValue, decimals), nil
}

// ValueOfAmount computes floor(amount * price / 10^decimals) where price has
// 18 decimals and amount has the asset's native decimals.
func ValueOfAmount(price, amount *big.Int, decimals uint8) *big.Int {
	return common.MulDivDown(amount, price, common.Pow10(decimals))
}

// AmountForValue computes ceil(usd * 10^decimals / price).
func AmountForValue(price, usd *big.Int, decimals uint8) *big.Int {
	return common.MulDivUp(usd, common.Pow10(decimals), price)
}

// Normalise scales a feed answer with feedDecimals to 18 decimals.
func Normalise(answer *big.Int, feedDecimals uint8) *big.Int {
	switch {
	case feedDecimals == common.Decimals:
		return common.Copy(answer)
	case feedDecimals < common.Decimals:
		return new(big.Int).Mul(answer, common.Pow10(common.Decimals-feedDecimals))
	default:
		return new(big.Int).Quo(answer, common.Pow10(feedDecimals-common.Decimals))
	}
}

func (a *Adapter) resolve(assetID string) (Feed, uint8, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.assets[normaliseID(assetID)]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	feed, ok := a.feeds[b.source]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownSource, b.source)
	}
	return feed, b.decimals, nil
}

func (a *Adapter) read(feed Feed) (Quote, error) {
	round, err := feed.LatestRound()
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrStalePrice, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Quote{}, ErrInvalidPrice
	}
	if round.UpdatedAt == 0 || round.AnsweredInRound < round.RoundID {
		return Quote{}, ErrStalePrice
	}
	a.mu.RLock()
	now := a.nowFn()
	window := a.staleness
	a.mu.RUnlock()
	if now-round.UpdatedAt > int64(window/time.Second) {
		return Quote{}, ErrStalePrice
	}
	value := Normalise(round.Answer, feed.Decimals())
	if value.Sign() == 0 {
		return Quote{}, ErrInvalidPrice
	}
	return Quote{Value: value, AsOf: time.Unix(round.UpdatedAt, 0).UTC()}, nil
}

func normaliseID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
