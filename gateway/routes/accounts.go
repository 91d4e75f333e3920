package routes

import (
	"math/big"
	"net/http"
	"sort"

	"stablefi/crypto"
	"stablefi/native/account"
	"stablefi/native/vault"
)

type vaultConfigBody struct {
	SupportedCollaterals  []string `json:"supportedCollaterals,omitempty"`
	CustomCollateralRatio string   `json:"customCollateralRatio,omitempty"`
	AutoTopUpEnabled      bool     `json:"autoTopUpEnabled"`
	AutoTopUpThreshold    string   `json:"autoTopUpThreshold,omitempty"`
	AutomationLinkAmount  string   `json:"automationLinkAmount,omitempty"`
	AutomationGasLimit    uint64   `json:"automationGasLimit,omitempty"`
}

// toConfig overlays the body on base. Omitted ratios keep base values.
func (b vaultConfigBody) toConfig(base vault.Config) (vault.Config, error) {
	cfg := base.Clone()
	if len(b.SupportedCollaterals) > 0 {
		cfg.SupportedCollaterals = append([]string(nil), b.SupportedCollaterals...)
	}
	if b.CustomCollateralRatio != "" {
		ratio, err := parseAmount("customCollateralRatio", b.CustomCollateralRatio)
		if err != nil {
			return vault.Config{}, err
		}
		cfg.CustomCollateralRatio = ratio
	}
	if b.AutoTopUpThreshold != "" {
		threshold, err := parseAmount("autoTopUpThreshold", b.AutoTopUpThreshold)
		if err != nil {
			return vault.Config{}, err
		}
		cfg.AutoTopUpThreshold = threshold
	}
	if b.AutomationLinkAmount != "" {
		link, err := parseAmount("automationLinkAmount", b.AutomationLinkAmount)
		if err != nil {
			return vault.Config{}, err
		}
		cfg.AutomationLinkAmount = link
	}
	cfg.AutoTopUpEnabled = b.AutoTopUpEnabled
	cfg.AutomationGasLimit = b.AutomationGasLimit
	return cfg, nil
}

func configView(cfg vault.Config) vaultConfigBody {
	return vaultConfigBody{
		SupportedCollaterals:  cfg.SupportedCollaterals,
		CustomCollateralRatio: formatAmount(cfg.CustomCollateralRatio),
		AutoTopUpEnabled:      cfg.AutoTopUpEnabled,
		AutoTopUpThreshold:    formatAmount(cfg.AutoTopUpThreshold),
		AutomationLinkAmount:  formatAmount(cfg.AutomationLinkAmount),
		AutomationGasLimit:    cfg.AutomationGasLimit,
	}
}

type accountResponse struct {
	Address  crypto.Address    `json:"address"`
	Owner    crypto.Address    `json:"owner"`
	Gateway  crypto.Address    `json:"gateway"`
	Frozen   bool              `json:"frozen"`
	Config   vaultConfigBody   `json:"config"`
	Debt     string            `json:"debt"`
	Ratio    string            `json:"ratio"`
	Invested map[string]string `json:"invested"`
	Idle     map[string]string `json:"idle"`
}

func (h *handlers) openAccount(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body struct {
		Owner  *crypto.Address  `json:"owner,omitempty"`
		Config *vaultConfigBody `json:"config,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	owner := caller
	if body.Owner != nil {
		owner = *body.Owner
	}
	var policy *vault.Config
	if body.Config != nil {
		cfg, err := body.Config.toConfig(h.node.DefaultVaultConfig())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		policy = &cfg
	}
	acct, err := h.node.OpenAccount(owner, policy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeAccount(w, r, http.StatusCreated, acct)
}

func (h *handlers) accountStatus(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	h.writeAccount(w, r, http.StatusOK, acct)
}

func (h *handlers) writeAccount(w http.ResponseWriter, r *http.Request, status int, acct *account.Account) {
	v := acct.Vault()
	debt, err := v.Debt()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ratio, err := v.CollateralRatio()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cfg := v.Config()
	invested := make(map[string]*big.Int)
	idle := make(map[string]*big.Int)
	assets := append([]string(nil), cfg.SupportedCollaterals...)
	sort.Strings(assets)
	for _, asset := range assets {
		invested[asset] = v.Invested(asset)
		balance, err := v.IdleBalance(asset)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		idle[asset] = balance
	}
	writeJSON(w, status, accountResponse{
		Address:  acct.Address(),
		Owner:    acct.Owner(),
		Gateway:  acct.Gateway(),
		Frozen:   acct.IsFrozen(),
		Config:   configView(cfg),
		Debt:     formatAmount(debt),
		Ratio:    formatAmount(ratio),
		Invested: formatAmounts(invested),
		Idle:     formatAmounts(idle),
	})
}

type safetyResponse struct {
	InDanger             bool   `json:"inDanger"`
	CurrentRatio         string `json:"currentRatio"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	TopUpThreshold       string `json:"topUpThreshold"`
	NeedsUpkeep          bool   `json:"needsUpkeep"`
}

func (h *handlers) safety(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	safety, err := acct.CheckCollateralSafety()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, safetyResponse{
		InDanger:             safety.InDanger,
		CurrentRatio:         formatAmount(safety.CurrentRatio),
		LiquidationThreshold: formatAmount(safety.LiquidationThreshold),
		TopUpThreshold:       formatAmount(safety.TopUpThreshold),
		NeedsUpkeep:          acct.NeedsUpkeep(),
	})
}

type assetAmountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// assetCall decodes an asset/amount body and applies op as the caller.
func (h *handlers) assetCall(w http.ResponseWriter, r *http.Request, op func(acct *account.Account, caller crypto.Address, asset string, amount *big.Int) error) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req assetAmountRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := op(acct, caller, req.Asset, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeAccount(w, r, http.StatusOK, acct)
}

func (h *handlers) vaultDeposit(w http.ResponseWriter, r *http.Request) {
	h.assetCall(w, r, func(acct *account.Account, caller crypto.Address, asset string, amount *big.Int) error {
		return acct.Deposit(caller, asset, amount)
	})
}

func (h *handlers) vaultWithdraw(w http.ResponseWriter, r *http.Request) {
	h.assetCall(w, r, func(acct *account.Account, caller crypto.Address, asset string, amount *big.Int) error {
		return acct.Withdraw(caller, asset, amount)
	})
}

func (h *handlers) vaultInvest(w http.ResponseWriter, r *http.Request) {
	h.assetCall(w, r, func(acct *account.Account, caller crypto.Address, asset string, amount *big.Int) error {
		_, err := acct.Invest(caller, asset, amount)
		return err
	})
}

func (h *handlers) vaultTopUp(w http.ResponseWriter, r *http.Request) {
	h.assetCall(w, r, func(acct *account.Account, caller crypto.Address, asset string, amount *big.Int) error {
		return acct.TopUpCollateral(caller, asset, amount)
	})
}

type harvestRequest struct {
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

func (h *handlers) vaultHarvest(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req harvestRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	redeem, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	repay, err := parseAmount("debt", req.Debt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := acct.Harvest(caller, req.Asset, redeem, repay); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeAccount(w, r, http.StatusOK, acct)
}

type vaultLiquidateRequest struct {
	Target crypto.Address `json:"target"`
	Asset  string         `json:"asset"`
	Cover  string         `json:"cover"`
}

func (h *handlers) vaultLiquidate(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req vaultLiquidateRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cover, err := parseAmount("cover", req.Cover)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := acct.Liquidate(caller, req.Target, req.Asset, cover)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView(res))
}

func (h *handlers) vaultConfig(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body vaultConfigBody
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg, err := body.toConfig(acct.Vault().Config())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := acct.UpdateVaultConfig(caller, cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeAccount(w, r, http.StatusOK, acct)
}

type topUpResponse struct {
	Performed bool              `json:"performed"`
	Target    string            `json:"target,omitempty"`
	Deposited map[string]string `json:"deposited,omitempty"`
	Remaining string            `json:"remaining,omitempty"`
	Partial   bool              `json:"partial"`
}

func topUpView(res *vault.TopUpResult) topUpResponse {
	if res == nil {
		return topUpResponse{}
	}
	return topUpResponse{
		Performed: true,
		Target:    formatAmount(res.Target),
		Deposited: formatAmounts(res.Deposited),
		Remaining: formatAmount(res.Remaining),
		Partial:   res.Partial,
	}
}

// vaultUpkeep runs the keeper path for one vault. Any authenticated caller may
// trigger it; it is a no-op when no upkeep is needed.
func (h *handlers) vaultUpkeep(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	res, err := acct.PerformUpkeep()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topUpView(res))
}

func (h *handlers) autoTopUp(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body struct {
		Target string `json:"target,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	target, err := optionalAmount("target", body.Target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := acct.PerformAutoTopUp(caller, target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topUpView(res))
}

func (h *handlers) freeze(w http.ResponseWriter, r *http.Request) {
	h.controllerCall(w, r, func(acct *account.Account, caller crypto.Address) error {
		return acct.Freeze(caller)
	})
}

func (h *handlers) unfreeze(w http.ResponseWriter, r *http.Request) {
	h.controllerCall(w, r, func(acct *account.Account, caller crypto.Address) error {
		return acct.Unfreeze(caller)
	})
}

func (h *handlers) changeOwner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner crypto.Address `json:"owner"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	h.controllerCall(w, r, func(acct *account.Account, caller crypto.Address) error {
		return acct.ChangeOwner(caller, body.Owner)
	})
}

func (h *handlers) controllerCall(w http.ResponseWriter, r *http.Request, op func(acct *account.Account, caller crypto.Address) error) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := op(acct, caller); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeAccount(w, r, http.StatusOK, acct)
}

func (h *handlers) account(w http.ResponseWriter, r *http.Request) (*account.Account, bool) {
	addr, err := addressParam(r, "address")
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	acct, err := h.node.Account(addr)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Kind: "validation"})
		return nil, false
	}
	return acct, true
}
