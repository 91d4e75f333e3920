package routes

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stablefi/crypto"
	"stablefi/native/bridge"
)

type pushPriceRequest struct {
	Source string `json:"source"`
	Answer string `json:"answer"`
	// UpdatedAt is a unix timestamp; zero stamps the answer with the node
	// clock.
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

func (h *handlers) pushPrice(w http.ResponseWriter, r *http.Request) {
	var req pushPriceRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	answer, err := parseAmount("answer", req.Answer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var updatedAt time.Time
	if req.UpdatedAt > 0 {
		updatedAt = time.Unix(req.UpdatedAt, 0)
	}
	if err := h.node.PushPrice(req.Source, answer, updatedAt); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": strings.ToUpper(strings.TrimSpace(req.Source)), "answer": answer.String()})
}

func (h *handlers) addFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source   string `json:"source"`
		Decimals uint8  `json:"decimals"`
		Answer   string `json:"answer,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.node.AddFeed(req.Source, req.Decimals); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Answer != "" {
		answer, err := parseAmount("answer", req.Answer)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.node.PushPrice(req.Source, answer, time.Time{}); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"source": req.Source, "decimals": req.Decimals})
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Module string `json:"module"`
		Paused bool   `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		h.fail(w, r, fmt.Errorf("%w: module required", errBadRequest))
		return
	}
	h.node.SetPaused(module, req.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"module": module, "paused": req.Paused})
}

func (h *handlers) upsertCollateral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset       string `json:"asset"`
		PriceSource string `json:"priceSource"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	engine := h.node.Engine()
	var err error
	if engine.IsSupported(req.Asset) {
		err = engine.UpdateCollateral(req.Asset, req.PriceSource)
	} else {
		err = engine.AddCollateral(req.Asset, req.PriceSource)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.engineParams(w, r)
}

func (h *handlers) removeCollateral(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Engine().RemoveCollateral(chi.URLParam(r, "asset")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.engineParams(w, r)
}

func (h *handlers) delegate(w http.ResponseWriter, r *http.Request) {
	h.treasuryCall(w, r, h.node.Engine().DelegateIdle)
}

func (h *handlers) recall(w http.ResponseWriter, r *http.Request) {
	h.treasuryCall(w, r, h.node.Engine().RecallDelegated)
}

func (h *handlers) treasuryCall(w http.ResponseWriter, r *http.Request, op func(asset string, amount *big.Int) error) {
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
	if err := op(req.Asset, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	engine := h.node.Engine()
	idle, err := engine.IdleCollateral(req.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	delegated, err := engine.Delegated(req.Asset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":     req.Asset,
		"idle":      formatAmount(idle),
		"delegated": formatAmount(delegated),
	})
}

func (h *handlers) faucet(w http.ResponseWriter, r *http.Request) {
	if !h.allowFaucet {
		h.fail(w, r, errDisabled)
		return
	}
	var req struct {
		Asset  string         `json:"asset"`
		To     crypto.Address `json:"to"`
		Amount string         `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.node.Faucet(req.Asset, req.To, amount); err != nil {
		h.fail(w, r, err)
		return
	}
	balance, err := h.node.Balance(req.Asset, req.To)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": req.Asset, "holder": req.To.String(), "balance": formatAmount(balance)})
}

func (h *handlers) keeperTick(w http.ResponseWriter, r *http.Request) {
	if h.keeper == nil {
		h.fail(w, r, errDisabled)
		return
	}
	report, err := h.keeper.Tick(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"checked":   report.Checked,
		"performed": report.Performed,
		"partial":   report.Partial,
		"failed":    report.Failed,
		"deferred":  report.Deferred,
	})
}

type bridgeSendRequest struct {
	DestChain uint64         `json:"destChain"`
	Recipient crypto.Address `json:"recipient"`
	Amount    string         `json:"amount"`
}

type bridgeMessageResponse struct {
	ID          string         `json:"id"`
	TraceID     string         `json:"traceId,omitempty"`
	SourceChain uint64         `json:"sourceChain"`
	DestChain   uint64         `json:"destChain"`
	Sender      crypto.Address `json:"sender"`
	Recipient   crypto.Address `json:"recipient"`
	Amount      string         `json:"amount"`
	Nonce       uint64         `json:"nonce"`
	Payload     string         `json:"payload"`
}

func messageView(msg bridge.Message) (bridgeMessageResponse, error) {
	payload, err := msg.Encode()
	if err != nil {
		return bridgeMessageResponse{}, err
	}
	return bridgeMessageResponse{
		ID:          hex.EncodeToString(msg.ID[:]),
		TraceID:     msg.TraceID,
		SourceChain: msg.SourceChain,
		DestChain:   msg.DestChain,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Amount:      formatAmount(msg.Amount),
		Nonce:       msg.Nonce,
		Payload:     hex.EncodeToString(payload),
	}, nil
}

func (h *handlers) bridgeSend(w http.ResponseWriter, r *http.Request) {
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req bridgeSendRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.node.Bridge().Send(r.Context(), caller, req.DestChain, req.Recipient, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := messageView(msg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// bridgeReceive accepts a relayed message payload from a peer network.
func (h *handlers) bridgeReceive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload string `json:"payload"`
		TraceID string `json:"traceId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Payload), "0x"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: payload: %v", errBadRequest, err))
		return
	}
	msg, err := bridge.DecodeMessage(raw)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	msg.TraceID = req.TraceID
	if err := h.node.Bridge().Receive(r.Context(), msg); err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := messageView(msg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
