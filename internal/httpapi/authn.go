package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// authorize verifies the bearer token and puts the result on the request context.
func (a *API) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authgate"`)
			writeError(w, r, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		res, err := a.auth.Authorize(r.Context(), token)
		if err != nil {
			a.logFailure(r, "authorize", err)
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.ContextWithAuthorization(r.Context(), res)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = audit.WithPrincipal(ctx, res.PrincipalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCapability rejects authorized requests whose snapshot lacks area. It must run
// behind the authorize middleware.
func RequireCapability(area string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := auth.AuthorizationFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "invalid_token", errMissingToken.Error())
				return
			}
			if !res.Can(area) {
				writeAuthError(w, r, auth.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAction rejects callers whose current grants on area do not allow action. It must
// run behind the authorize middleware.
func (a *API) requireAction(area string, action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := auth.AuthorizationFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "invalid_token", errMissingToken.Error())
				return
			}
			allowed, err := a.auth.Permissions().Allowed(r.Context(), res.PrincipalID, area, "", action, time.Now().UTC())
			if err != nil {
				a.logFailure(r, "check action", err)
				writeAuthError(w, r, err)
				return
			}
			if !allowed {
				writeAuthError(w, r, auth.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
