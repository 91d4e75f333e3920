package routes

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"stablefi/core"
	"stablefi/crypto"
	"stablefi/gateway/config"
	"stablefi/gateway/middleware"
	"stablefi/services/keeper"
)

// Scopes granted by gateway tokens.
const (
	ScopeWrite    = "write"
	ScopeAdmin    = "admin"
	ScopeOperator = "operator"
)

// HeaderCaller names the caller when authentication is disabled.
const HeaderCaller = "X-Stablefi-Caller"

// KeeperRunner triggers an upkeep pass on demand.
type KeeperRunner interface {
	Tick(ctx context.Context) (keeper.Report, error)
}

type Config struct {
	Node          *core.Node
	Keeper        KeeperRunner
	Events        EventLog
	Logger        *slog.Logger
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// AllowFaucet enables the collateral faucet for dev deployments.
	AllowFaucet bool
	// TrustCallerHeader resolves the caller from HeaderCaller when no token
	// subject is present. Only for deployments running without auth.
	TrustCallerHeader bool
}

type handlers struct {
	node        *core.Node
	keeper      KeeperRunner
	events      EventLog
	logger      *slog.Logger
	allowFaucet bool
	trustHeader bool
}

// New builds the gateway HTTP handler.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		node:        cfg.Node,
		keeper:      cfg.Keeper,
		events:      cfg.Events,
		logger:      logger,
		allowFaucet: cfg.AllowFaucet,
		trustHeader: cfg.TrustCallerHeader,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	group := func(module, limit string, scopes ...string) func(chi.Router) {
		return func(sr chi.Router) {
			if cfg.Authenticator != nil {
				sr.Use(cfg.Authenticator.Middleware(scopes...))
			}
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(limit))
			}
			if obs != nil {
				sr.Use(obs.Middleware(module))
			}
		}
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(sr chi.Router) {
			group("query", config.LimitRead)(sr)
			sr.Get("/engine/params", h.engineParams)
			sr.Get("/engine/positions/{address}", h.position)
			sr.Get("/engine/prices/{asset}", h.price)
			sr.Get("/engine/liquidations/{address}", h.previewLiquidation)
			sr.Get("/balances/{asset}/{address}", h.balance)
			sr.Get("/accounts/{address}", h.accountStatus)
			sr.Get("/accounts/{address}/safety", h.safety)
			sr.Get("/accounts/{address}/recovery", h.recoveryStatus)
			sr.Get("/events", h.listEvents)
		})
		v1.Group(func(sr chi.Router) {
			group("collateral", config.LimitWrite, ScopeWrite)(sr)
			sr.Post("/engine/deposit-mint", h.depositAndMint)
			sr.Post("/engine/redeem", h.redeem)
			sr.Post("/engine/liquidate", h.liquidate)
		})
		v1.Group(func(sr chi.Router) {
			group("account", config.LimitWrite, ScopeWrite)(sr)
			sr.Post("/accounts", h.openAccount)
			sr.Post("/accounts/{address}/deposit", h.vaultDeposit)
			sr.Post("/accounts/{address}/withdraw", h.vaultWithdraw)
			sr.Post("/accounts/{address}/invest", h.vaultInvest)
			sr.Post("/accounts/{address}/harvest", h.vaultHarvest)
			sr.Post("/accounts/{address}/top-up", h.vaultTopUp)
			sr.Post("/accounts/{address}/auto-top-up", h.autoTopUp)
			sr.Post("/accounts/{address}/liquidate", h.vaultLiquidate)
			sr.Post("/accounts/{address}/config", h.vaultConfig)
			sr.Post("/accounts/{address}/upkeep", h.vaultUpkeep)
			sr.Post("/accounts/{address}/freeze", h.freeze)
			sr.Post("/accounts/{address}/unfreeze", h.unfreeze)
			sr.Post("/accounts/{address}/owner", h.changeOwner)
			sr.Post("/accounts/{address}/recovery/config", h.configureRecovery)
			sr.Post("/accounts/{address}/recovery/{action}", h.forwardRecovery)
		})
		v1.Group(func(sr chi.Router) {
			group("bridge", config.LimitWrite, ScopeWrite)(sr)
			sr.Post("/bridge/send", h.bridgeSend)
		})
		v1.Group(func(sr chi.Router) {
			group("admin", config.LimitAdmin, ScopeAdmin)(sr)
			sr.Post("/bridge/receive", h.bridgeReceive)
			sr.Post("/admin/prices", h.pushPrice)
			sr.Post("/admin/feeds", h.addFeed)
			sr.Post("/admin/pause", h.pause)
			sr.Post("/admin/collateral", h.upsertCollateral)
			sr.Delete("/admin/collateral/{asset}", h.removeCollateral)
			sr.Post("/admin/delegate", h.delegate)
			sr.Post("/admin/recall", h.recall)
			sr.Post("/admin/faucet", h.faucet)
			sr.Post("/admin/keeper/tick", h.keeperTick)
		})
	})
	return r
}

// caller resolves the acting address. Operator-scoped tokens act as the
// designated gateway of the node's accounts.
func (h *handlers) caller(r *http.Request) (crypto.Address, error) {
	ctx := r.Context()
	if middleware.HasScope(ctx, ScopeOperator) && !h.node.Operator().IsZero() {
		return h.node.Operator(), nil
	}
	subject := strings.TrimSpace(middleware.Subject(ctx))
	if subject == "" && h.trustHeader {
		subject = strings.TrimSpace(r.Header.Get(HeaderCaller))
	}
	if subject == "" {
		return crypto.Address{}, errNoCaller
	}
	addr, err := crypto.DecodeAddress(subject)
	if err != nil || addr.IsZero() {
		return crypto.Address{}, errNoCaller
	}
	return addr, nil
}
