// Package grpcapi authorizes gRPC calls with authgate access tokens and serves health.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/obs"
)

const (
	authorizationKey = "authorization"
	requestIDKey     = "x-request-id"
	bearerPrefix     = "bearer "
)

// Authorizer verifies an access token.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (auth.AuthorizeResult, error)
}

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Check(ctx context.Context) error
}

// Server wires the auth interceptor and the health service into a grpc.Server.
type Server struct {
	authz         Authorizer
	readiness     Readiness
	log           *slog.Logger
	publicMethods map[string]bool
	health        *health.Server
	grpc          *grpc.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPublicMethods lists full method names that skip authorization, replacing the
// default of the health service methods.
func WithPublicMethods(methods ...string) Option {
	return func(s *Server) {
		s.publicMethods = make(map[string]bool, len(methods))
		for _, m := range methods {
			s.publicMethods[m] = true
		}
	}
}

// NewServer builds a grpc.Server whose unary calls are authorized by authz.
func NewServer(authz Authorizer, readiness Readiness, opts ...Option) *Server {
	s := &Server{
		authz:     authz,
		readiness: readiness,
		log:       obs.DiscardLogger(),
		publicMethods: map[string]bool{
			healthpb.Health_Check_FullMethodName: true,
			healthpb.Health_Watch_FullMethodName: true,
		},
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.UnaryInterceptor))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// GRPC returns the underlying server for registering downstream services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// UnaryInterceptor authorizes the bearer token in the incoming metadata and stores the
// result on the handler context.
func (s *Server) UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get(requestIDKey); len(ids) > 0 {
		ctx = audit.WithRequestID(ctx, ids[0])
	}
	if s.publicMethods[info.FullMethod] {
		return handler(ctx, req)
	}

	token, err := bearerFromMetadata(md)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	res, err := s.authz.Authorize(ctx, token)
	if err != nil {
		st := statusFromError(err)
		if st.Code() == codes.Internal {
			s.log.ErrorContext(ctx, "grpc authorize failed", "method", info.FullMethod, "error", err)
		}
		return nil, st.Err()
	}
	ctx = auth.ContextWithAuthorization(ctx, res)
	ctx = auth.ContextWithToken(ctx, token)
	ctx = audit.WithPrincipal(ctx, res.PrincipalID)
	return handler(ctx, req)
}

// RefreshHealth publishes the current readiness on the health service.
func (s *Server) RefreshHealth(ctx context.Context) {
	state := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			s.log.WarnContext(ctx, "readiness check failed", "error", err)
			state = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", state)
}

// MonitorHealth refreshes health every interval until ctx is done.
func (s *Server) MonitorHealth(ctx context.Context, interval time.Duration) {
	s.RefreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshHealth(ctx)
		}
	}
}

// GracefulStop marks the service as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func bearerFromMetadata(md metadata.MD) (string, error) {
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	header := strings.TrimSpace(values[0])
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func statusFromError(err error) *status.Status {
	msg := auth.PublicMessage(err)
	switch {
	case errors.Is(err, auth.ErrAccountLockedTemporary), errors.Is(err, auth.ErrAccountBlockedPermanent):
		return status.New(codes.ResourceExhausted, msg)
	case errors.Is(err, auth.ErrAccountInactive), errors.Is(err, auth.ErrForbidden):
		return status.New(codes.PermissionDenied, msg)
	case errors.Is(err, auth.ErrIdentifierNotFound),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenKindMismatch),
		errors.Is(err, auth.ErrSessionInvalidOrExpired):
		return status.New(codes.Unauthenticated, msg)
	case errors.Is(err, auth.ErrInvalidInput):
		return status.New(codes.InvalidArgument, msg)
	default:
		return status.New(codes.Internal, msg)
	}
}

// RequireCapability returns an error unless the authorized caller on ctx holds area.
func RequireCapability(ctx context.Context, area string) error {
	res, ok := auth.AuthorizationFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}
	if !res.Can(area) {
		return statusFromError(auth.ErrForbidden).Err()
	}
	return nil
}

// OutgoingWithToken forwards the caller's access token and request id to a downstream
// gRPC call.
func OutgoingWithToken(ctx context.Context) context.Context {
	if ctx == nil {
		return ctx
	}
	var pairs []string
	if token, ok := auth.TokenFromContext(ctx); ok {
		pairs = append(pairs, authorizationKey, "Bearer "+token)
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, requestIDKey, rid)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
