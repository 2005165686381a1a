package audit

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey string

const (
	requestIDKey   ctxKey = "audit_request_id"
	principalIDKey ctxKey = "audit_principal_id"
)

// Event names emitted by the auth core.
const (
	LoginSucceeded = "auth.login.succeeded"
	LoginFailed    = "auth.login.failed"
	LoginRejected  = "auth.login.rejected"
	LockoutEntered = "auth.lockout.entered"
	LockoutReset   = "auth.lockout.reset"
	SessionEvicted = "auth.session.evicted"
	TokenRefreshed = "auth.token.refreshed"
	LoggedOut      = "auth.logout"
	GrantPromoted  = "auth.grant.primary"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithPrincipal attaches the acting principal id to the context.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ctx
	}
	return context.WithValue(ctx, principalIDKey, principalID)
}

func principalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(principalIDKey).(string)
	return v
}

// Logger writes append-only audit records through a structured logger.
type Logger struct {
	log *slog.Logger
}

// New returns an audit logger. A nil base logger produces a no-op Logger.
func New(base *slog.Logger) *Logger {
	if base == nil {
		return &Logger{}
	}
	return &Logger{log: base.With("type", "audit")}
}

// Event records a single audit entry. Request and principal ids come from ctx;
// attrs are alternating key/value pairs.
func (l *Logger) Event(ctx context.Context, event string, attrs ...any) {
	if l == nil || l.log == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	args := make([]any, 0, len(attrs)+4)
	if rid := RequestIDFromContext(ctx); rid != "" {
		args = append(args, "request_id", rid)
	}
	if pid := principalFromContext(ctx); pid != "" {
		args = append(args, "principal_id", pid)
	}
	args = append(args, attrs...)
	l.log.InfoContext(ctx, event, args...)
}
