package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/config"
	"atlas.org/internal/document"
	"atlas.org/internal/httpapi"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
	"atlas.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("atlas-api stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	store, err := pg.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := authz.NewRegistry(store, authz.WithRoleCache(cfg.Authz.RoleCacheSize, cfg.Authz.RoleCacheTTL))
	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	accounts := auth.NewService(store, registry, tokens)
	orders := serviceorder.NewService(store)

	renderer, err := document.NewPDFRenderer(cfg.Documents.Location(), cfg.Documents.LogoPath)
	if err != nil {
		log.Warn().Err(err).Str("logo_path", cfg.Documents.LogoPath).Msg("logo unavailable, rendering without it")
		if renderer, err = document.NewPDFRenderer(cfg.Documents.Location(), ""); err != nil {
			return err
		}
	}
	generator := document.NewGenerator(orders, store, renderer, cfg.Documents.FrontendBaseURL)
	verifier := document.NewVerifier(store, cfg.Documents.MaxUploadBytes)

	proxies, err := httpapi.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Deps{
		Ready:     httpapi.ReadyProbe{DB: store.DB()},
		Version:   version,
		Accounts:  accounts,
		Roles:     registry,
		Orders:    orders,
		Generator: generator,
		Verifier:  verifier,
	},
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
		httpapi.WithTrustedProxies(proxies...),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting atlas-api")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
