package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stablefi/crypto"
	"stablefi/native/account"
	"stablefi/native/recovery"
)

type recoveryConfigRequest struct {
	Enabled         bool             `json:"enabled"`
	Guardians       []crypto.Address `json:"guardians"`
	MinApprovals    int              `json:"minApprovals"`
	TimeLockSeconds int64            `json:"timeLockSeconds"`
}

func (h *handlers) configureRecovery(w http.ResponseWriter, r *http.Request) {
	var body recoveryConfigRequest
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	cfg := recovery.Config{
		Enabled:      body.Enabled,
		Guardians:    body.Guardians,
		MinApprovals: body.MinApprovals,
		TimeLock:     time.Duration(body.TimeLockSeconds) * time.Second,
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := acct.ConfigureRecovery(caller, cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeRecovery(w, http.StatusOK, acct)
}

type forwardRequest struct {
	Target   crypto.Address `json:"target"`
	NewOwner crypto.Address `json:"newOwner,omitempty"`
}

// forwardRecovery relays a guardian action from the guardian's own account to
// the target account. The caller must control the guardian account.
func (h *handlers) forwardRecovery(w http.ResponseWriter, r *http.Request) {
	guardian, ok := h.account(w, r)
	if !ok {
		return
	}
	caller, err := h.caller(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req forwardRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	switch chi.URLParam(r, "action") {
	case "initiate":
		_, err = guardian.ForwardInitiate(caller, req.Target, req.NewOwner)
	case "approve":
		_, err = guardian.ForwardApprove(caller, req.Target)
	case "cancel":
		err = guardian.ForwardCancel(caller, req.Target)
	case "complete":
		err = guardian.ForwardComplete(caller, req.Target)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown recovery action"})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := h.node.Account(req.Target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeRecovery(w, http.StatusOK, target)
}

type recordView struct {
	ID            uint64           `json:"id"`
	Status        string           `json:"status"`
	Initiator     crypto.Address   `json:"initiator"`
	PreviousOwner crypto.Address   `json:"previousOwner"`
	ProposedOwner crypto.Address   `json:"proposedOwner"`
	Approvals     []crypto.Address `json:"approvals"`
	Required      int              `json:"required"`
	ExecutableAt  string           `json:"executableAt,omitempty"`
	CreatedAt     string           `json:"createdAt"`
	ClosedAt      string           `json:"closedAt,omitempty"`
}

type recoveryResponse struct {
	Account         crypto.Address   `json:"account"`
	Owner           crypto.Address   `json:"owner"`
	Frozen          bool             `json:"frozen"`
	Enabled         bool             `json:"enabled"`
	Guardians       []crypto.Address `json:"guardians"`
	MinApprovals    int              `json:"minApprovals"`
	TimeLockSeconds int64            `json:"timeLockSeconds"`
	Active          bool             `json:"active"`
	Approvals       int              `json:"approvals"`
	Executable      bool             `json:"executable"`
	ExecutableAt    string           `json:"executableAt,omitempty"`
	Records         []recordView     `json:"records"`
}

func (h *handlers) recoveryStatus(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	h.writeRecovery(w, http.StatusOK, acct)
}

func (h *handlers) writeRecovery(w http.ResponseWriter, status int, acct *account.Account) {
	cfg := acct.RecoveryConfig()
	progress := acct.RecoveryProgress()
	records := acct.RecoveryRecords()
	views := make([]recordView, len(records))
	for i, rec := range records {
		views[i] = recordView{
			ID:            rec.ID,
			Status:        rec.Status.String(),
			Initiator:     rec.Initiator,
			PreviousOwner: rec.PreviousOwner,
			ProposedOwner: rec.ProposedOwner,
			Approvals:     rec.Approvals,
			Required:      rec.RequiredApprovals,
			ExecutableAt:  formatTime(rec.ExecutableAt),
			CreatedAt:     formatTime(rec.CreatedAt),
			ClosedAt:      formatTime(rec.ClosedAt),
		}
	}
	guardians := cfg.Guardians
	if guardians == nil {
		guardians = []crypto.Address{}
	}
	writeJSON(w, status, recoveryResponse{
		Account:         acct.Address(),
		Owner:           acct.Owner(),
		Frozen:          acct.IsFrozen(),
		Enabled:         cfg.Enabled,
		Guardians:       guardians,
		MinApprovals:    cfg.MinApprovals,
		TimeLockSeconds: int64(cfg.TimeLock / time.Second),
		Active:          progress.Active,
		Approvals:       progress.Approvals,
		Executable:      progress.Executable,
		ExecutableAt:    formatTime(progress.ExecutableAt),
		Records:         views,
	})
}
