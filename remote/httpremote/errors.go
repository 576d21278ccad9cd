package httpremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/ironpass/errs"
)

// Error codes carried in error responses.
const (
	codeConflict       = "revision_conflict"
	codeNotFound       = "not_found"
	codeValidation     = "validation"
	codeUnauthorized   = "unauthorized"
	codeInvariant      = "invariant_violation"
	codeKeyUnavailable = "key_unavailable"
	codeTransient      = "transient"
	codeRateLimited    = "rate_limited"
	codeInternal       = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	ShareID  string `json:"share_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Expected uint64 `json:"expected,omitempty"`
	Actual   uint64 `json:"actual,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// mapError writes err with the status and code the client maps back to
// the same error.
func mapError(w http.ResponseWriter, err error) {
	if conflict, ok := errors.AsType[*errs.ConflictError](err); ok {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    err.Error(),
			Code:     codeConflict,
			ShareID:  conflict.ShareID,
			ItemID:   conflict.ItemID,
			Expected: conflict.Expected,
			Actual:   conflict.Actual,
		})
		return
	}
	if inv, ok := errors.AsType[*errs.InvariantError](err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: inv.Reason, Code: codeInvariant, ShareID: inv.ShareID})
		return
	}
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, errs.ErrValidation):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusForbidden, codeUnauthorized, err.Error())
	case errors.Is(err, errs.ErrInvariantViolation):
		writeError(w, http.StatusUnprocessableEntity, codeInvariant, err.Error())
	case errors.Is(err, errs.ErrKeyUnavailable):
		writeError(w, http.StatusUnprocessableEntity, codeKeyUnavailable, err.Error())
	case errors.Is(err, errs.ErrTransientNetwork):
		writeError(w, http.StatusServiceUnavailable, codeTransient, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

// decodeError turns an error response back into the core error taxonomy.
func decodeError(op string, status int, body []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		e = ErrorResponse{Error: http.StatusText(status)}
	}
	switch {
	case e.Code == codeConflict:
		return &errs.ConflictError{ShareID: e.ShareID, ItemID: e.ItemID, Expected: e.Expected, Actual: e.Actual}
	case e.Code == codeInvariant:
		return &errs.InvariantError{ShareID: e.ShareID, Reason: e.Error}
	case e.Code == codeKeyUnavailable:
		return fmt.Errorf("%s: %s: %w", op, e.Error, errs.ErrKeyUnavailable)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, e.Error, errs.ErrNotFound)
	case status == http.StatusBadRequest:
		return errs.ValidationError{Msg: e.Error}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s: %s: %w", op, e.Error, errs.ErrUnauthorized)
	case status == http.StatusTooManyRequests, status >= 500:
		return errs.Transient(op, fmt.Errorf("status %d: %s", status, e.Error))
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, status, e.Error)
	}
}
