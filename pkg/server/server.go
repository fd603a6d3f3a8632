// Package server provides the public entry point for initializing the
// WaddleAI gateway.
//
// This package exists in pkg/ (not internal/) so that embedders can compose
// the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(srv.Addr, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/waddleai/waddleai/internal/api"
	"github.com/waddleai/waddleai/internal/api/handlers"
	"github.com/waddleai/waddleai/internal/config"
	"github.com/waddleai/waddleai/internal/metrics"
	"github.com/waddleai/waddleai/internal/providers"
	"github.com/waddleai/waddleai/internal/proxy"
	"github.com/waddleai/waddleai/internal/rbac"
	"github.com/waddleai/waddleai/internal/retention"
	"github.com/waddleai/waddleai/internal/routing"
	"github.com/waddleai/waddleai/internal/security"
	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/internal/telemetry"
	"github.com/waddleai/waddleai/internal/tokens"
	"github.com/waddleai/waddleai/pkg/models"
)

// healthInterval is how often the background monitor probes every link.
const healthInterval = time.Minute

// Server holds the initialized WaddleAI gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the configured datastore.
	Store store.Store

	// Addr is the listener address from configuration.
	Addr string

	Config *config.Config

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes every gateway component from environment configuration.
// The background provider health monitor runs until ctx is cancelled.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("url", cfg.DatabaseURL).Msg("datastore ready")

	if err := seedDefaults(ctx, dataStore, cfg); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	logger := log.Logger
	auth := rbac.NewAuthenticator(dataStore, cfg.JWTSecret, logger)
	scanner := security.NewScanner(dataStore, cfg.SecurityPolicy, logger)
	accountant := tokens.NewAccountant(dataStore, logger)

	registry := providers.NewRegistry(dataStore, logger)
	if err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load provider links: %w", err)
	}
	router := routing.NewRouter(registry, dataStore, cfg.DefaultRouting, cfg.MaxInFlight, logger)
	go router.RunHealthMonitor(ctx, healthInterval)
	go retention.NewJanitor(dataStore, 6*time.Hour, logger).Start(ctx)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	pipeline := proxy.NewPipeline(dataStore, scanner, accountant, router, m, logger)
	h := handlers.New(dataStore, auth, pipeline, registry, router, scanner, accountant)

	log.Info().
		Str("policy", cfg.SecurityPolicy).
		Str("routing", string(cfg.DefaultRouting)).
		Int("links", len(registry.All())).
		Msg("gateway initialized")

	return &Server{
		Handler:      api.NewRouter(cfg, h, auth, m, promReg),
		Store:        dataStore,
		Addr:         cfg.Addr(),
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore picks the store implementation from the database URL. "memory://"
// keeps everything in process, for development and tests.
func openStore(ctx context.Context, url string) (store.Store, error) {
	if strings.HasPrefix(url, "memory://") {
		return store.NewMemoryStore(), nil
	}
	return store.OpenSQL(ctx, url, log.Logger)
}

// seedDefaults creates the default organization, the admin account, and the
// baseline conversion rates on first start. Existing rows are left alone.
func seedDefaults(ctx context.Context, s store.Store, cfg *config.Config) error {
	org, err := s.GetOrganizationByName(ctx, "default")
	if store.IsNotFound(err) {
		org = &models.Organization{
			Name:        "default",
			Description: "Default organization",
			Enabled:     true,
		}
		if err := s.CreateOrganization(ctx, org); err != nil {
			return err
		}
		log.Info().Msg("default organization seeded")
	} else if err != nil {
		return err
	}

	if _, err := s.GetUserByUsername(ctx, "admin"); store.IsNotFound(err) {
		hash, err := rbac.HashPassword(cfg.AdminPassword)
		if err != nil {
			return err
		}
		admin := &models.User{
			Username:       "admin",
			PasswordHash:   hash,
			Role:           models.RoleAdmin,
			OrganizationID: org.ID,
			Enabled:        true,
		}
		if err := s.CreateUser(ctx, admin); err != nil {
			return err
		}
		log.Warn().Msg("admin account seeded, change ADMIN_PASSWORD before exposing the gateway")
	} else if err != nil {
		return err
	}

	rates, err := s.ListRates(ctx)
	if err != nil {
		return err
	}
	if len(rates) > 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, r := range []models.ConversionRate{
		{Provider: models.ProviderOpenAI, Model: "gpt-4", InputRate: 10, OutputRate: 20},
		{Provider: models.ProviderOpenAI, Model: "gpt-3.5-turbo", InputRate: 20, OutputRate: 30},
		{Provider: models.ProviderAnthropic, Model: "claude-3-opus-20240229", InputRate: 8, OutputRate: 15},
		{Provider: models.ProviderAnthropic, Model: "claude-3-sonnet-20240229", InputRate: 12, OutputRate: 18},
		{Provider: models.ProviderOllama, Model: "llama2", InputRate: 50, OutputRate: 50},
		{Provider: models.ProviderOllama, Model: "mistral", InputRate: 45, OutputRate: 45},
	} {
		rate := r
		rate.BaseCostPerTk = 0.001
		rate.EffectiveDate = now
		rate.Enabled = true
		if err := s.CreateRate(ctx, &rate); err != nil {
			return err
		}
	}
	log.Info().Msg("baseline conversion rates seeded")
	return nil
}
