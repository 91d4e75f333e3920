package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stablefi/crypto"
	"stablefi/native/common"
)

const maxBodyBytes = 1 << 20

var (
	errBadRequest = common.NewError(common.KindValidation, "gateway: malformed request")
	errNoCaller   = common.NewError(common.KindAuthorization, "gateway: caller identity required")
	errDisabled   = common.NewError(common.KindAuthorization, "gateway: endpoint disabled")
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps protocol error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch common.KindOf(err) {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindInvariant:
		return http.StatusConflict
	case common.KindAuthorization:
		return http.StatusForbidden
	case common.KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error()}
	if kind := common.KindOf(err); kind != common.KindUnknown {
		body.Kind = kind.String()
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func addressParam(r *http.Request, name string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, name))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return addr, nil
}

// parseAmount accepts base-10 integers, the "<int>e<exp>" shorthand and
// "max" for the sentinel maximum.
func parseAmount(field, raw string) (*big.Int, error) {
	amount, err := common.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return amount, nil
}

// optionalAmount parses raw when set and returns nil otherwise.
func optionalAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	if common.IsMax(v) {
		return "max"
	}
	return v.String()
}

func formatAmounts(in map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = formatAmount(v)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
