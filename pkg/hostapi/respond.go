package hostapi

import (
	"encoding/json"
	"net/http"
	"time"

	"wingman/pkg/errs"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotAuthorized:
		status = http.StatusForbidden
	case errs.KindLimitExceeded:
		status = http.StatusTooManyRequests
	case errs.KindProvider:
		status = http.StatusBadGateway
	}

	respondJSON(w, status, map[string]any{
		"error":     err.Error(),
		"kind":      string(errs.KindOf(err)),
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeBody decodes a JSON body into dst, writing the error response
// itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		respondError(w, errs.Validation("decode", "", "request body required"))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, errs.Validation("decode", "", "invalid request body: %s", err))
		return false
	}
	return true
}
