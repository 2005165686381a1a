package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/config"
	"authgate.org/internal/grpcapi"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/obs"
	"authgate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHGATE_CONFIG"), "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "authd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := obs.NewLogger(cfg.Logging, version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)
	metrics.SetBuildInfo(version, commit)

	tokens, err := buildTokens(cfg)
	if err != nil {
		return err
	}

	var (
		store auth.Store
		probe httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		log.Info("using postgres store")
	} else {
		mem := auth.NewMemoryStore()
		if err := seedDevAdmin(mem); err != nil {
			return err
		}
		store = mem
		log.Warn("no database configured, using in-memory store")
	}

	svc, err := auth.NewService(store, tokens,
		auth.WithLogger(log),
		auth.WithAudit(audit.New(log)),
		auth.WithMetrics(metrics),
		auth.WithInactivityTimeout(cfg.InactivityTimeout()),
		auth.WithBypassLevel(cfg.Permissions.BypassLevel),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}

	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}
	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithMetrics(metrics),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithTrustedProxies(proxies...),
	}
	if cfg.RateLimit.Enabled {
		apiOpts = append(apiOpts, httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	api := httpapi.New(svc, probe, version, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpcapi.NewServer(svc, probe, grpcapi.WithLogger(log))
		go grpcSrv.MonitorHealth(ctx, 10*time.Second)
		go func() {
			log.Info("grpc listening", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.GRPC().Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed", "error", err)
		stop()
		shutdown(log, srv, grpcSrv)
		return err
	}
	shutdown(log, srv, grpcSrv)
	log.Info("stopped")
	return nil
}

func shutdown(log *slog.Logger, srv *http.Server, grpcSrv *grpcapi.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
}

// buildTokens selects RS256 when a key pair is configured and HS256 otherwise.
func buildTokens(cfg *config.Config) (*auth.TokenService, error) {
	opts := []auth.TokenOption{
		auth.WithIssuer(cfg.Tokens.Issuer),
		auth.WithTokenTTLs(cfg.AccessTTL(), cfg.RefreshTTL()),
	}
	if cfg.Tokens.PrivateKeyPath != "" {
		priv, err := os.ReadFile(cfg.Tokens.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.Tokens.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		opts = append(opts, auth.WithRS256Keys(string(priv), string(pub)))
	} else {
		opts = append(opts, auth.WithHMACSecret([]byte(cfg.Tokens.Secret)))
	}
	ts, err := auth.NewTokenService(opts...)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}
	return ts, nil
}

// seedDevAdmin adds a bypass-level admin to the in-memory store when
// AUTHGATE_DEV_ADMIN_EMAIL and AUTHGATE_DEV_ADMIN_PASSWORD are set.
func seedDevAdmin(mem *auth.MemoryStore) error {
	email := os.Getenv("AUTHGATE_DEV_ADMIN_EMAIL")
	password := os.Getenv("AUTHGATE_DEV_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash dev admin password: %w", err)
	}
	if err := mem.AddPrincipal(auth.Principal{
		ID:           "dev-admin",
		Email:        email,
		DisplayName:  "Development admin",
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("seed dev admin: %w", err)
	}
	mem.AddCapabilityArea(auth.CapabilityArea{ID: "auth:admin", Name: "Auth administration", Active: true})
	return mem.AddRoleGrant(auth.RoleGrant{
		ID:          "dev-admin-grant",
		PrincipalID: "dev-admin",
		Role:        auth.Role{ID: "admin", Name: "admin", Level: auth.DefaultBypassLevel},
		ValidFrom:   time.Now().UTC().Add(-time.Minute),
		Active:      true,
		Primary:     true,
	})
}
