package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"authgate.org/internal/auth"
)

const deviceIDHeader = "X-Device-ID"

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id,omitempty"`
}

type loginResponse struct {
	PrincipalID      string        `json:"principal_id"`
	SessionID        string        `json:"session_id"`
	TokenType        string        `json:"token_type"`
	AccessToken      string        `json:"access_token"`
	AccessExpiresAt  time.Time     `json:"access_expires_at"`
	RefreshToken     string        `json:"refresh_token"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at"`
	SessionFlags     []string      `json:"session_flags,omitempty"`
	Permissions      auth.Snapshot `json:"permissions"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	PrincipalID     string        `json:"principal_id"`
	TokenType       string        `json:"token_type"`
	AccessToken     string        `json:"access_token"`
	AccessExpiresAt time.Time     `json:"access_expires_at"`
	Permissions     auth.Snapshot `json:"permissions"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AllDevices   bool   `json:"all_devices,omitempty"`
}

type meResponse struct {
	PrincipalID string        `json:"principal_id"`
	SessionID   string        `json:"session_id"`
	Email       string        `json:"email,omitempty"`
	Handle      string        `json:"handle,omitempty"`
	Name        string        `json:"name,omitempty"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Permissions auth.Snapshot `json:"permissions"`
}

type resetLockoutRequest struct {
	Identifier string `json:"identifier"`
}

type primaryGrantRequest struct {
	GrantID string `json:"grant_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// An empty password still reaches Authenticate so that it counts as an attempt.
	if strings.TrimSpace(req.Identifier) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "identifier is required")
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(r.Header.Get(deviceIDHeader))
	}

	res, err := a.auth.Authenticate(r.Context(), auth.AuthenticateRequest{
		Identifier: req.Identifier,
		Password:   req.Password,
		Client: auth.ClientMeta{
			IP:        a.proxies.clientIP(r),
			UserAgent: r.UserAgent(),
			DeviceID:  deviceID,
		},
	})
	if err != nil {
		a.logFailure(r, "login", err)
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		PrincipalID:      res.PrincipalID,
		SessionID:        res.Session.ID,
		TokenType:        "Bearer",
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		SessionFlags:     res.Session.Flags,
		Permissions:      res.Permissions,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	res, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.logFailure(r, "refresh", err)
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		PrincipalID:     res.PrincipalID,
		TokenType:       "Bearer",
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
		Permissions:     res.Permissions,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	err := a.auth.Logout(r.Context(), auth.LogoutRequest{
		RefreshToken: req.RefreshToken,
		AllDevices:   req.AllDevices,
	})
	if err != nil {
		a.logFailure(r, "logout", err)
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	res, ok := auth.AuthorizationFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid_token", errMissingToken.Error())
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		PrincipalID: res.PrincipalID,
		SessionID:   res.SessionID,
		Email:       res.Email,
		Handle:      res.Handle,
		Name:        res.Name,
		ExpiresAt:   res.ExpiresAt,
		Permissions: res.Permissions,
	})
}

func (a *API) handleResetLockout(w http.ResponseWriter, r *http.Request) {
	var req resetLockoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.auth.ResetLockout(r.Context(), req.Identifier); err != nil {
		a.logFailure(r, "reset lockout", err)
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPrimaryGrant(w http.ResponseWriter, r *http.Request) {
	var req primaryGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.auth.SetPrimaryGrant(r.Context(), chi.URLParam(r, "principalID"), req.GrantID); err != nil {
		a.logFailure(r, "set primary grant", err)
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutPrincipal(w http.ResponseWriter, r *http.Request) {
	err := a.auth.Logout(r.Context(), auth.LogoutRequest{
		PrincipalID: chi.URLParam(r, "principalID"),
		AllDevices:  true,
	})
	if err != nil {
		a.logFailure(r, "logout principal", err)
		writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logFailure logs only unexpected errors. Expected auth outcomes are already audited.
func (a *API) logFailure(r *http.Request, op string, err error) {
	if status, _ := errorStatus(err); status != http.StatusInternalServerError {
		return
	}
	a.log.ErrorContext(r.Context(), op+" failed", "error", err)
}
