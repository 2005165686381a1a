package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

const bufSize = 1024 * 1024

type fakeAuthorizer struct {
	tokens map[string]auth.AuthorizeResult
	err    error
}

func (f fakeAuthorizer) Authorize(_ context.Context, token string) (auth.AuthorizeResult, error) {
	if f.err != nil {
		return auth.AuthorizeResult{}, f.err
	}
	res, ok := f.tokens[token]
	if !ok {
		return auth.AuthorizeResult{}, auth.ErrTokenMalformed
	}
	return res, nil
}

type readinessFunc func(context.Context) error

func (f readinessFunc) Check(ctx context.Context) error { return f(ctx) }

func newAuthorizer() fakeAuthorizer {
	return fakeAuthorizer{tokens: map[string]auth.AuthorizeResult{
		"good": {
			PrincipalID: "p-1",
			SessionID:   "s-1",
			Permissions: auth.Snapshot{CapabilityAreas: []string{"bills:view"}},
		},
	}}
}

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.GRPC().Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		srv.GracefulStop()
		_ = listener.Close()
	})
	return conn
}

func TestHealthIsPublicAndReflectsReadiness(t *testing.T) {
	ready := true
	srv := NewServer(newAuthorizer(), readinessFunc(func(context.Context) error {
		if ready {
			return nil
		}
		return errors.New("db down")
	}))
	conn := startBufGRPC(t, srv)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	srv.RefreshHealth(ctx)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	ready = false
	srv.RefreshHealth(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}
}

func TestProtectedMethodRequiresBearer(t *testing.T) {
	srv := NewServer(newAuthorizer(), nil, WithPublicMethods())
	conn := startBufGRPC(t, srv)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	bad := metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer nope")
	_, err = client.Check(bad, &healthpb.HealthCheckRequest{})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated || st.Message() != "invalid token" {
		t.Fatalf("expected Unauthenticated invalid token, got %v", err)
	}

	good := metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer good")
	if _, err := client.Check(good, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("authorized Check error: %v", err)
	}
}

func TestUnaryInterceptorPutsAuthorizationOnContext(t *testing.T) {
	srv := NewServer(newAuthorizer(), nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/billing.v1.Bills/List"}
	md := metadata.Pairs(authorizationKey, "bearer good", requestIDKey, "req-7")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var got auth.AuthorizeResult
	var token, requestID string
	_, err := srv.UnaryInterceptor(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		got, _ = auth.AuthorizationFromContext(ctx)
		token, _ = auth.TokenFromContext(ctx)
		requestID = audit.RequestIDFromContext(ctx)
		return nil, RequireCapability(ctx, "bills:view")
	})
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}
	if got.PrincipalID != "p-1" || token != "good" || requestID != "req-7" {
		t.Fatalf("unexpected context: result=%+v token=%q request_id=%q", got, token, requestID)
	}
}

func TestUnaryInterceptorMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{auth.ErrTokenExpired, codes.Unauthenticated},
		{auth.ErrSessionInvalidOrExpired, codes.Unauthenticated},
		{auth.ErrAccountInactive, codes.PermissionDenied},
		{&auth.LockedError{Stage: 1, Remaining: time.Minute}, codes.ResourceExhausted},
		{auth.ErrAccountBlockedPermanent, codes.ResourceExhausted},
		{errors.New("db exploded"), codes.Internal},
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/billing.v1.Bills/List"}
	for _, tc := range cases {
		srv := NewServer(fakeAuthorizer{err: tc.err}, nil)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(authorizationKey, "Bearer x"))
		_, err := srv.UnaryInterceptor(ctx, nil, info, func(context.Context, any) (any, error) {
			t.Fatal("handler must not run")
			return nil, nil
		})
		if st, _ := status.FromError(err); st.Code() != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, err)
		}
	}
}

func TestRequireCapabilityDenies(t *testing.T) {
	if err := RequireCapability(context.Background(), "bills:view"); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	ctx := auth.ContextWithAuthorization(context.Background(), auth.AuthorizeResult{
		PrincipalID: "p-1",
		Permissions: auth.Snapshot{CapabilityAreas: []string{"bills:view"}},
	})
	if err := RequireCapability(ctx, "reports"); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestOutgoingWithToken(t *testing.T) {
	ctx := auth.ContextWithToken(context.Background(), "tok")
	ctx = audit.WithRequestID(ctx, "req-9")
	ctx = OutgoingWithToken(ctx)

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	if got := md.Get(authorizationKey); len(got) != 1 || got[0] != "Bearer tok" {
		t.Fatalf("unexpected authorization metadata: %v", got)
	}
	if got := md.Get(requestIDKey); len(got) != 1 || got[0] != "req-9" {
		t.Fatalf("unexpected request id metadata: %v", got)
	}

	if _, ok := metadata.FromOutgoingContext(OutgoingWithToken(context.Background())); ok {
		t.Fatal("expected no metadata without a token")
	}
}
