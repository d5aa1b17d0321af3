package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantsys/a2a-taskhub/internal/errs"
	"github.com/quantsys/a2a-taskhub/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a dispatcher/store error to its HTTP status and
// reason_code without the handler needing to know the mapping itself.
func writeError(w http.ResponseWriter, err error) {
	var hubErr *errs.HubError
	if errors.As(err, &hubErr) {
		writeJSON(w, hubErr.Kind.StatusCode(), map[string]any{
			"success":     false,
			"error":       hubErr.Message,
			"reason_code": hubErr.ReasonCode,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": err.Error()})
	case errors.Is(err, store.ErrInvalidTransition):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error(), "reason_code": errs.ReasonInvalidStatusTransition})
	case errors.Is(err, store.ErrNoEligibleAgent):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error(), "reason_code": errs.ReasonAgentQuotaExceeded})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.KindValidation, errs.ReasonMissingParameter, "invalid JSON body", err)
	}
	return nil
}
