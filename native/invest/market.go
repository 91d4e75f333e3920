package invest

import (
	"math/big"
	"sort"
	"strings"
	"sync"

	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/token"
)

var (
	ErrInvalidAmount      = common.NewError(common.KindValidation, "invest: amount must be positive")
	ErrExceedsPrincipal   = common.NewError(common.KindInvariant, "invest: amount exceeds invested principal")
	ErrUnfundedInterest   = common.NewError(common.KindInvariant, "invest: market balance does not cover accrued interest")
	ErrInvalidMarketSetup = common.NewError(common.KindValidation, "invest: depositor and market addresses required")
)

// AssetSource resolves asset ledgers by identifier.
type AssetSource interface {
	Asset(id string) (token.Asset, error)
}

type position struct {
	principal *big.Int
	interest  *big.Int
}

// Market is an in-process lending market that accepts principal from a single
// depositor, accrues interest per asset and pays it out pro rata on
// withdrawal.
type Market struct {
	mu        sync.Mutex
	assets    AssetSource
	depositor crypto.Address
	address   crypto.Address
	positions map[string]*position
}

// NewMarket constructs a market holding funds at address on behalf of
// depositor.
func NewMarket(assets AssetSource, depositor, address crypto.Address) (*Market, error) {
	if assets == nil || depositor.IsZero() || address.IsZero() || depositor == address {
		return nil, ErrInvalidMarketSetup
	}
	return &Market{
		assets:    assets,
		depositor: depositor,
		address:   address,
		positions: make(map[string]*position),
	}, nil
}

// Address returns the account holding invested funds.
func (m *Market) Address() crypto.Address { return m.address }

func (m *Market) position(asset string) *position {
	pos, ok := m.positions[asset]
	if !ok {
		pos = &position{principal: big.NewInt(0), interest: big.NewInt(0)}
		m.positions[asset] = pos
	}
	return pos
}

// Invest pulls amount of asset from the depositor into the market.
func (m *Market) Invest(assetID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	id := strings.ToUpper(strings.TrimSpace(assetID))
	asset, err := m.assets.Asset(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := asset.Transfer(m.depositor, m.address, amount); err != nil {
		return err
	}
	pos := m.position(id)
	pos.principal.Add(pos.principal, amount)
	return nil
}

// Withdraw returns amount of principal to the depositor together with the
// matching share of accrued interest, rounded down.
func (m *Market) Withdraw(assetID string, amount *big.Int) (*big.Int, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	id := strings.ToUpper(strings.TrimSpace(assetID))
	asset, err := m.assets.Asset(id)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.position(id)
	if amount.Cmp(pos.principal) > 0 {
		return nil, nil, ErrExceedsPrincipal
	}
	interest := common.MulDivDown(pos.interest, amount, pos.principal)
	payout := new(big.Int).Add(amount, interest)
	if err := asset.Transfer(m.address, m.depositor, payout); err != nil {
		return nil, nil, err
	}
	pos.principal.Sub(pos.principal, amount)
	pos.interest.Sub(pos.interest, interest)
	return common.Copy(amount), interest, nil
}

// Accrue credits interest earned by asset. The market must already hold the
// funds backing it.
func (m *Market) Accrue(assetID string, interest *big.Int) error {
	if interest == nil || interest.Sign() <= 0 {
		return ErrInvalidAmount
	}
	id := strings.ToUpper(strings.TrimSpace(assetID))
	asset, err := m.assets.Asset(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.position(id)
	owed := new(big.Int).Add(pos.principal, pos.interest)
	owed.Add(owed, interest)
	if asset.BalanceOf(m.address).Cmp(owed) < 0 {
		return ErrUnfundedInterest
	}
	pos.interest.Add(pos.interest, interest)
	return nil
}

// Position returns the invested principal and unpaid interest for asset.
func (m *Market) Position(assetID string) (principal, interest *big.Int) {
	id := strings.ToUpper(strings.TrimSpace(assetID))
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return big.NewInt(0), big.NewInt(0)
	}
	return common.Copy(pos.principal), common.Copy(pos.interest)
}

// Assets lists assets with an open position.
func (m *Market) Assets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for id, pos := range m.positions {
		if pos.principal.Sign() > 0 || pos.interest.Sign() > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
