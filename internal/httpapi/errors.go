package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeAuthError maps an auth error to its status, code and public message.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	var locked *auth.LockedError
	if errors.As(err, &locked) {
		w.Header().Set("Retry-After", strconv.Itoa(locked.RemainingSeconds()))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
	}
	writeError(w, r, status, code, auth.PublicMessage(err))
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrAccountLockedTemporary):
		return http.StatusLocked, "account_locked"
	case errors.Is(err, auth.ErrAccountBlockedPermanent):
		return http.StatusLocked, "account_blocked"
	case errors.Is(err, auth.ErrIdentifierNotFound), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, auth.ErrTokenMalformed), errors.Is(err, auth.ErrTokenKindMismatch):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, auth.ErrSessionInvalidOrExpired):
		return http.StatusUnauthorized, "session_expired"
	case errors.Is(err, auth.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON reads exactly one JSON object into dst.
func decodeJSON(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return errors.New("content type must be application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
