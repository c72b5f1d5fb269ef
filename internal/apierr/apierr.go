// Package apierr maps the ledger.Kind error taxonomy (spec §7) onto HTTP
// status codes and the standard `{code, message, details?}` JSON error
// envelope (spec §6.1), adapted from the teacher's respondError helper in
// pkg/api/server.go.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clobworks/exchange/internal/ledger"
)

// Envelope is the standard error body for every non-2xx response.
type Envelope struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StatusFor maps a Kind to the HTTP status spec §7 prescribes.
func StatusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindPermissionDenied:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindConflict:
		return http.StatusConflict
	case ledger.KindTransient:
		return http.StatusServiceUnavailable
	case ledger.KindLedgerRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Write serializes err as the standard error envelope, classifying it
// through errors.As on *ledger.Error when possible and falling back to Internal/500
// for anything else (a bug, not a taxonomy member).
func Write(w http.ResponseWriter, err error) {
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		WriteKind(w, ledger.KindInternal, err.Error(), nil)
		return
	}
	WriteKind(w, lerr.Kind, lerr.Message, lerr.Reason)
}

// WriteKind writes the envelope directly from a Kind, for validation
// failures detected before ever reaching the ledger.
func WriteKind(w http.ResponseWriter, kind ledger.Kind, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(kind))
	_ = json.NewEncoder(w).Encode(Envelope{
		Code:    string(kind),
		Message: message,
		Details: details,
	})
}
