package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(NewRateLimiter(1, 1).Middleware(base))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" || body["code"] != "rate_limited" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per IP, got %d", rr3.Code)
	}
}

func TestRateLimiterRefillsAndSweeps(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	if d := l.reserve("a"); d != 0 {
		t.Fatalf("expected first reserve to pass, waited %v", d)
	}
	if d := l.reserve("a"); d <= 0 {
		t.Fatal("expected second reserve to wait")
	}
	now = now.Add(time.Second)
	if d := l.reserve("a"); d != 0 {
		t.Fatalf("expected refill after one second, waited %v", d)
	}

	now = now.Add(bucketTTL + 2*time.Minute)
	l.reserve("b")
	l.mu.Lock()
	_, stale := l.buckets["a"]
	l.mu.Unlock()
	if stale {
		t.Fatal("expected idle bucket to be swept")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestID(LoggingJSON(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.Header.Set(requestIDHeader, "req-42")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"time", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != "req-42" {
		t.Fatalf("expected propagated request id, got %v", entry["request_id"])
	}
	if rr.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected X-Request-ID echoed")
	}
}

func TestRequestIDGeneratesAndExposesToAudit(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen != rr.Header().Get(requestIDHeader) {
		t.Fatalf("request id mismatch: ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestRecoverReturns500(t *testing.T) {
	handler := RequestID(Recover(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Content-Security-Policy"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}
}

func TestMaxBodyBytesRejectsLargeBodies(t *testing.T) {
	handler := MaxBodyBytes(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	body := strings.NewReader(`{"identifier":"someone@example.com","password":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "exceeds 16 bytes") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{header: "Bearer abc", token: "abc", ok: true},
		{header: "bearer   abc  ", token: "abc", ok: true},
		{header: "", ok: false},
		{header: "Bearer ", ok: false},
		{header: "Basic abc", ok: false},
		{header: "Bear", ok: false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.token) {
			t.Fatalf("extractBearerToken(%q)=%q,%v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("extractBearerToken(%q) expected error", tc.header)
		}
	}
}

func TestRequireCapability(t *testing.T) {
	handler := RequireCapability("reports")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no authorization: expected 401, got %d", rr.Code)
	}

	denied := auth.ContextWithAuthorization(context.Background(), auth.AuthorizeResult{
		PrincipalID: "p-1",
		Permissions: auth.Snapshot{CapabilityAreas: []string{"bills:view"}},
	})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(denied))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("missing area: expected 403, got %d", rr.Code)
	}

	allowed := auth.ContextWithAuthorization(context.Background(), auth.AuthorizeResult{
		PrincipalID: "p-1",
		Permissions: auth.Snapshot{CapabilityAreas: []string{"bills:view", "reports"}},
	})
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(allowed))
	if rr.Code != http.StatusOK {
		t.Fatalf("granted area: expected 200, got %d", rr.Code)
	}
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	var none proxyTrust
	if got := none.clientIP(req); got != "192.0.2.10" {
		t.Fatalf("clientIP=%q", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	if got := none.clientIP(req); got != "192.0.2.10" {
		t.Fatalf("spoofed XFF accepted: clientIP=%q", got)
	}
}

func TestClientIPHonorsTrustedProxy(t *testing.T) {
	trust := proxyTrust{netip.MustParsePrefix("10.0.0.0/8")}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"

	if got := trust.clientIP(req); got != "10.0.0.2" {
		t.Fatalf("no XFF: clientIP=%q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7, 10.0.0.1")
	if got := trust.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected nearest untrusted hop, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "garbage, 198.51.100.7")
	if got := trust.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected parsed hop before garbage, got %q", got)
	}
}

func TestRateLimiterKeysOnPeerWithoutTrustedProxy(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(NewRateLimiter(1, 1).Middleware(base))

	for i, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rr.Code)
		}
	}
}
