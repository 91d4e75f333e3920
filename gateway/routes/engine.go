package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stablefi/crypto"
	"stablefi/native/collateral"
)

type collateralView struct {
	Asset       string `json:"asset"`
	PriceSource string `json:"priceSource"`
	Decimals    uint8  `json:"decimals"`
}

type paramsResponse struct {
	MinCollateralRatio string           `json:"minCollateralRatio"`
	LiquidationBonus   string           `json:"liquidationBonus"`
	StableToken        string           `json:"stableToken"`
	Treasury           crypto.Address   `json:"treasury"`
	Paused             bool             `json:"paused"`
	Collaterals        []collateralView `json:"collaterals"`
}

func (h *handlers) engineParams(w http.ResponseWriter, r *http.Request) {
	engine := h.node.Engine()
	supported := engine.SupportedCollaterals()
	views := make([]collateralView, len(supported))
	for i, sc := range supported {
		views[i] = collateralView{Asset: sc.AssetID, PriceSource: sc.PriceSourceID, Decimals: sc.Decimals}
	}
	writeJSON(w, http.StatusOK, paramsResponse{
		MinCollateralRatio: formatAmount(engine.MinCollateralRatio()),
		LiquidationBonus:   formatAmount(engine.LiquidationBonus()),
		StableToken:        engine.StableToken().ID(),
		Treasury:           engine.Treasury(),
		Paused:             h.node.Pauses().IsPaused(collateral.ModuleName),
		Collaterals:        views,
	})
}

type positionResponse struct {
	Account         crypto.Address    `json:"account"`
	Collateral      map[string]string `json:"collateral"`
	Debt            string            `json:"debt"`
	CollateralValue string            `json:"collateralValue"`
	Ratio           string            `json:"ratio"`
}

func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePosition(w, r, addr)
}

func (h *handlers) price(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	quote, err := h.node.Oracle().Price(asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset": asset,
		"value": formatAmount(quote.Value),
		"asOf":  formatTime(quote.AsOf),
	})
}

type liquidationResponse struct {
	DebtCovered         string `json:"debtCovered"`
	StableBurned        string `json:"stableBurned"`
	CollateralSeized    string `json:"collateralSeized"`
	Bonus               string `json:"bonus"`
	ShortfallCollateral string `json:"shortfallCollateral"`
	ShortfallStable     string `json:"shortfallStable"`
}

func liquidationView(res *collateral.LiquidationResult) liquidationResponse {
	return liquidationResponse{
		DebtCovered:         formatAmount(res.DebtCovered),
		StableBurned:        formatAmount(res.StableBurned),
		CollateralSeized:    formatAmount(res.CollateralSeized),
		Bonus:               formatAmount(res.Bonus),
		ShortfallCollateral: formatAmount(res.ShortfallCollateral),
		ShortfallStable:     formatAmount(res.ShortfallStable),
	}
}

func (h *handlers) previewLiquidation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	cover, err := parseAmount("cover", query.Get("cover"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.node.Engine().PreviewLiquidation(addr, query.Get("asset"), cover)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView(res))
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	asset := chi.URLParam(r, "asset")
	balance, err := h.node.Balance(asset, addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "holder": addr.String(), "balance": formatAmount(balance)})
}

type depositMintRequest struct {
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Mint       string `json:"mint"`
	// Ratio overrides the engine minimum when it is stricter.
	Ratio string `json:"ratio,omitempty"`
}

func (h *handlers) depositAndMint(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req depositMintRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	mint, err := parseAmount("mint", req.Mint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ratio, err := optionalAmount("ratio", req.Ratio)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.node.Engine().DepositAndMintAtRatio(caller, req.Asset, amount, mint, ratio); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePosition(w, r, caller)
}

type redeemRequest struct {
	Asset      string `json:"asset"`
	Collateral string `json:"collateral"`
	Burn       string `json:"burn"`
}

func (h *handlers) redeem(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	burn, err := parseAmount("burn", req.Burn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.node.Engine().Redeem(caller, req.Asset, amount, burn); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writePosition(w, r, caller)
}

type liquidateRequest struct {
	Account crypto.Address `json:"account"`
	Asset   string         `json:"asset"`
	Cover   string         `json:"cover"`
}

func (h *handlers) liquidate(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cover, err := parseAmount("cover", req.Cover)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.node.Engine().Liquidate(caller, req.Account, req.Asset, cover)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView(res))
}

func (h *handlers) writePosition(w http.ResponseWriter, r *http.Request, addr crypto.Address) {
	pos, err := h.node.Engine().Position(addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Account:         addr,
		Collateral:      formatAmounts(pos.Collateral),
		Debt:            formatAmount(pos.Debt),
		CollateralValue: formatAmount(pos.CollateralValue),
		Ratio:           formatAmount(pos.Ratio),
	})
}
