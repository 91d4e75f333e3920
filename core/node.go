package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stablefi/config"
	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/account"
	"stablefi/native/bridge"
	"stablefi/native/collateral"
	"stablefi/native/common"
	"stablefi/native/invest"
	"stablefi/native/oracle"
	"stablefi/native/token"
	"stablefi/native/vault"
	"stablefi/observability"
	"stablefi/services/keeper"
	"stablefi/storage"
)

var (
	ErrUnknownFeed  = common.NewError(common.KindValidation, "node: unknown price feed")
	ErrUnknownAsset = common.NewError(common.KindValidation, "node: unknown asset")
	ErrNoMarket     = common.NewError(common.KindDependency, "node: investment market disabled")
)

// Options carries the optional collaborators of a Node.
type Options struct {
	Logger *slog.Logger
	// Emitter receives every protocol event in addition to the metrics sink.
	Emitter events.Emitter
	// Operator is the designated gateway address of accounts opened through
	// the node.
	Operator crypto.Address
	// Now overrides the wall clock for price freshness and recovery locks.
	Now func() time.Time
}

// Node is the central controller, wiring ledgers, oracle, engine, accounts
// and bridge together.
type Node struct {
	logger   *slog.Logger
	db       storage.Database
	now      func() time.Time
	operator crypto.Address

	registry *token.Registry
	ledgers  map[string]*token.Ledger
	stable   *token.Ledger
	adapter  *oracle.Adapter
	feedsMu  sync.RWMutex
	feeds    map[string]*oracle.StaticFeed
	engine   *collateral.Engine
	market   *invest.Market
	accounts *account.Registry
	store    *account.Store
	bridge   *bridge.Bridge
	pauses   *common.Pauses
	emitter  events.Emitter
	openMu   sync.Mutex
}

// NewNode builds the node described by cfg on top of db.
func NewNode(cfg *config.Config, db storage.Database, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("node: config required")
	}
	if db == nil {
		db = storage.NewMemDB()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	emitter := events.Fanout{observability.Events()}
	if opts.Emitter != nil {
		emitter = append(emitter, opts.Emitter)
	}

	n := &Node{
		logger:   logger.With(slog.String("component", "node")),
		db:       db,
		now:      now,
		operator: opts.Operator,
		registry: token.NewRegistry(),
		ledgers:  make(map[string]*token.Ledger),
		feeds:    make(map[string]*oracle.StaticFeed),
		accounts: account.NewRegistry(),
		store:    account.NewStore(storage.NewTable(db, "account/")),
		pauses:   common.NewPauses(),
		emitter:  emitter,
	}

	n.stable = token.NewLedger(cfg.Engine.StableToken, 18, db)
	for _, asset := range cfg.Assets {
		ledger := token.NewLedger(asset.ID, asset.Decimals, db)
		n.registry.Register(ledger)
		n.ledgers[ledger.ID()] = ledger
	}

	n.adapter = oracle.NewAdapter()
	n.adapter.SetNowFunc(func() int64 { return n.now().Unix() })
	if cfg.Oracle.StalenessSeconds > 0 {
		n.adapter.SetStalenessWindow(time.Duration(cfg.Oracle.StalenessSeconds) * time.Second)
	}
	for _, feedCfg := range cfg.Oracle.Feeds {
		feed := oracle.NewStaticFeed(feedCfg.Decimals)
		if strings.TrimSpace(feedCfg.Price) != "" {
			price, err := common.ParseAmount(feedCfg.Price)
			if err != nil {
				return nil, fmt.Errorf("node: feed %s: %w", feedCfg.ID, err)
			}
			feed.Set(price, n.now().Unix())
		}
		if err := n.adapter.RegisterFeed(feedCfg.ID, feed); err != nil {
			return nil, fmt.Errorf("node: feed %s: %w", feedCfg.ID, err)
		}
		n.feeds[normaliseID(feedCfg.ID)] = feed
	}

	treasury := crypto.ModuleAddress("collateral/treasury")
	if cfg.Engine.Treasury != "" {
		addr, err := crypto.DecodeAddress(cfg.Engine.Treasury)
		if err != nil {
			return nil, fmt.Errorf("node: treasury: %w", err)
		}
		treasury = addr
	}
	params := collateral.Params{
		MinCollateralRatio: common.RatioFromBps(cfg.Engine.MinCollateralRatioBps),
		LiquidationBonus:   common.RatioFromBps(cfg.Engine.LiquidationBonusBps),
	}
	engine, err := collateral.NewEngine(treasury, n.stable, n.registry, n.adapter, params)
	if err != nil {
		return nil, err
	}
	engine.SetState(collateral.NewKVState(db))
	engine.SetPauses(n.pauses)
	engine.SetEmitter(n.emitter)
	engine.SetLogger(logger.With(slog.String("component", "collateral")))
	engine.SetMetrics(observability.Collateral())
	for _, asset := range cfg.Assets {
		if err := engine.AddCollateral(asset.ID, asset.PriceSource); err != nil {
			return nil, fmt.Errorf("node: collateral %s: %w", asset.ID, err)
		}
	}
	if cfg.Invest.Enabled {
		market, err := invest.NewMarket(n.registry, treasury, crypto.ModuleAddress("invest/market"))
		if err != nil {
			return nil, err
		}
		engine.SetInvestmentService(market)
		n.market = market
	}
	n.engine = engine
	if cfg.Engine.Paused {
		n.pauses.Set(collateral.ModuleName, true)
	}

	if err := n.restoreAccounts(); err != nil {
		return nil, err
	}

	n.bridge = bridge.New(cfg.Bridge.ChainID, n.stable)
	if err := n.bridge.SetStore(storage.NewTable(db, "bridge/")); err != nil {
		return nil, err
	}
	n.bridge.SetEmitter(n.emitter)
	n.bridge.SetMetrics(observability.Bridge())
	for _, peer := range cfg.Bridge.Peers {
		n.bridge.AddPeer(peer)
	}

	n.logger.Info("node assembled",
		slog.String("treasury", treasury.String()),
		slog.String("stable", n.stable.ID()),
		slog.Int("collaterals", len(cfg.Assets)),
		slog.Int("accounts", len(n.accounts.Accounts())),
		slog.Uint64("chain", cfg.Bridge.ChainID))
	return n, nil
}

// restoreAccounts reopens every account saved by a previous run.
func (n *Node) restoreAccounts() error {
	snaps, err := n.store.Load()
	if err != nil {
		return fmt.Errorf("node: load accounts: %w", err)
	}
	for _, snap := range snaps {
		acct, err := account.Restore(snap, n.engine, n.registry)
		if err != nil {
			return fmt.Errorf("node: restore: %w", err)
		}
		n.wire(acct)
		if err := n.accounts.Register(acct); err != nil {
			return fmt.Errorf("node: restore %s: %w", snap.Address, err)
		}
	}
	return nil
}

func (n *Node) wire(acct *account.Account) {
	acct.SetEmitter(n.emitter)
	acct.SetNowFunc(n.now)
	acct.SetMetrics(observability.Vault(), observability.Recovery())
	acct.SetStore(n.store)
}

// Engine returns the collateral engine.
func (n *Node) Engine() *collateral.Engine { return n.engine }

// Oracle returns the price adapter.
func (n *Node) Oracle() *oracle.Adapter { return n.adapter }

// Bridge returns the cross-chain endpoint.
func (n *Node) Bridge() *bridge.Bridge { return n.bridge }

// Stable returns the stable token ledger.
func (n *Node) Stable() *token.Ledger { return n.stable }

// Market returns the investment market, nil when delegation is disabled.
func (n *Node) Market() *invest.Market { return n.market }

// Operator returns the gateway address assigned to new accounts.
func (n *Node) Operator() crypto.Address { return n.operator }

// Pauses exposes the module pause table.
func (n *Node) Pauses() *common.Pauses { return n.pauses }

// Emitter returns the node-wide event sink.
func (n *Node) Emitter() events.Emitter { return n.emitter }

// Ledger returns the ledger of a collateral asset or the stable token.
func (n *Node) Ledger(assetID string) (*token.Ledger, error) {
	id := normaliseID(assetID)
	if id == n.stable.ID() {
		return n.stable, nil
	}
	ledger, ok := n.ledgers[id]
	if !ok {
		return nil, ErrUnknownAsset
	}
	return ledger, nil
}

// Balance reports holder's balance of assetID.
func (n *Node) Balance(assetID string, holder crypto.Address) (*big.Int, error) {
	ledger, err := n.Ledger(assetID)
	if err != nil {
		return nil, err
	}
	return ledger.BalanceOf(holder), nil
}

// Faucet mints collateral to holder. Only exposed to operators in dev
// environments.
func (n *Node) Faucet(assetID string, holder crypto.Address, amount *big.Int) error {
	id := normaliseID(assetID)
	ledger, ok := n.ledgers[id]
	if !ok {
		return ErrUnknownAsset
	}
	return ledger.Mint(holder, amount)
}

// PushPrice records a new answer on an operator-driven feed.
func (n *Node) PushPrice(sourceID string, answer *big.Int, updatedAt time.Time) error {
	if answer == nil || answer.Sign() <= 0 {
		return oracle.ErrInvalidPrice
	}
	n.feedsMu.RLock()
	feed, ok := n.feeds[normaliseID(sourceID)]
	n.feedsMu.RUnlock()
	if !ok {
		return ErrUnknownFeed
	}
	if updatedAt.IsZero() {
		updatedAt = n.now()
	}
	feed.Set(answer, updatedAt.Unix())
	n.logger.Info("price pushed",
		slog.String("source", normaliseID(sourceID)),
		slog.String("answer", answer.String()))
	return nil
}

// AddFeed registers an operator-driven feed at runtime.
func (n *Node) AddFeed(sourceID string, decimals uint8) error {
	feed := oracle.NewStaticFeed(decimals)
	n.feedsMu.Lock()
	defer n.feedsMu.Unlock()
	if err := n.adapter.RegisterFeed(sourceID, feed); err != nil {
		return err
	}
	n.feeds[normaliseID(sourceID)] = feed
	return nil
}

// AccrueInterest funds and books yield on the investment market, standing in
// for an external protocol paying interest.
func (n *Node) AccrueInterest(assetID string, interest *big.Int) error {
	if n.market == nil {
		return ErrNoMarket
	}
	ledger, ok := n.ledgers[normaliseID(assetID)]
	if !ok {
		return ErrUnknownAsset
	}
	if err := ledger.Mint(n.market.Address(), interest); err != nil {
		return err
	}
	return n.market.Accrue(ledger.ID(), interest)
}

// SetPaused toggles a module pause.
func (n *Node) SetPaused(module string, paused bool) {
	n.pauses.Set(module, paused)
	n.logger.Warn("module pause toggled", slog.String("module", module), slog.Bool("paused", paused))
}

// DefaultVaultConfig returns a vault policy accepting every supported
// collateral at the engine minimum.
func (n *Node) DefaultVaultConfig() vault.Config {
	supported := n.engine.SupportedCollaterals()
	ids := make([]string, len(supported))
	for i, sc := range supported {
		ids[i] = sc.AssetID
	}
	return vault.DefaultConfig(n.engine.MinCollateralRatio(), ids...)
}

// OpenAccount creates and registers a smart account controlled by owner. A
// nil cfg opens the vault with DefaultVaultConfig.
func (n *Node) OpenAccount(owner crypto.Address, cfg *vault.Config) (*account.Account, error) {
	policy := n.DefaultVaultConfig()
	if cfg != nil {
		policy = cfg.Clone()
	}
	n.openMu.Lock()
	defer n.openMu.Unlock()
	address := crypto.ModuleAddress("account/" + uuid.NewString())
	acct, err := account.New(address, owner, n.operator, n.engine, n.registry, policy)
	if err != nil {
		return nil, err
	}
	n.wire(acct)
	if err := acct.Save(); err != nil {
		return nil, fmt.Errorf("node: save account: %w", err)
	}
	if err := n.accounts.Register(acct); err != nil {
		return nil, err
	}
	n.logger.Info("account opened",
		slog.String("account", address.String()),
		slog.String("owner", owner.String()))
	return acct, nil
}

// Account resolves a registered account.
func (n *Node) Account(addr crypto.Address) (*account.Account, error) {
	return n.accounts.Get(addr)
}

// Accounts lists registered accounts ordered by address.
func (n *Node) Accounts() []*account.Account { return n.accounts.Accounts() }

// Upkeepers implements keeper.Source over every registered account.
func (n *Node) Upkeepers() []keeper.Upkeeper {
	accounts := n.accounts.Accounts()
	out := make([]keeper.Upkeeper, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, acct)
	}
	return out
}

// Collaterals lists the configured collateral ledgers by identifier.
func (n *Node) Collaterals() []string {
	ids := make([]string, 0, len(n.ledgers))
	for id := range n.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases the backing store.
func (n *Node) Close() {
	if n.db != nil {
		n.db.Close()
	}
}

func normaliseID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
