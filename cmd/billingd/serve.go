package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	billingmod "github.com/dmitrymomot/splitkit/modules/billing"
	"github.com/dmitrymomot/splitkit/pkg/httpserver"
	"github.com/dmitrymomot/splitkit/pkg/jwt"
	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/pkg/ratelimiter"
	"github.com/dmitrymomot/splitkit/pkg/redis"
	"github.com/dmitrymomot/splitkit/pkg/requestid"
	"github.com/dmitrymomot/splitkit/svc/billing"
	"github.com/dmitrymomot/splitkit/svc/billing/redispending"
	"github.com/dmitrymomot/splitkit/svc/billing/s3archive"
	"github.com/dmitrymomot/splitkit/svc/plans"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c, cfg, log)
		},
	}
}

func serve(ctx context.Context, c *cli, cfg Config, log *slog.Logger) error {
	if cfg.App.JWTSecret == "" {
		return errMissingJWTSecret
	}

	handler, cleanup, err := buildHandler(ctx, c, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.InfoContext(ctx, "billing service starting",
		slog.String("addr", cfg.HTTP.Addr),
		logger.Provider(cfg.Provider.Provider),
		slog.String("storage", cfg.App.StorageDriver),
	)
	return httpserver.New(cfg.HTTP, log).Run(ctx, handler)
}

// buildHandler wires storage, provider and optional infrastructure into the
// HTTP routes. cleanup releases every opened connection.
func buildHandler(ctx context.Context, c *cli, cfg Config, log *slog.Logger) (http.Handler, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (http.Handler, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	catalog, err := plans.Load(cfg.App.PlansFile)
	if err != nil {
		return fail(err)
	}

	st, err := openStorage(ctx, cfg.App, cfg.App.AutoMigrate, log, c.configOptions()...)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, st.close)
	checks := []httpserver.Check{st.check}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := billing.NewMetrics(registry)

	provider, err := billing.NewProvider(cfg.Provider)
	if err != nil {
		return fail(err)
	}
	provider = billing.WithCircuitBreaker(provider, cfg.Provider.Breaker, log, metrics)

	opts := []billing.ServiceOption{
		billing.WithLogger(log),
		billing.WithMetrics(metrics),
		billing.WithURLs(cfg.URLs),
		billing.WithPendingTTL(cfg.App.PendingCheckoutTTL),
	}

	if cfg.App.RedisEnabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})
		opts = append(opts, billing.WithPendingCheckouts(redispending.New(client)))
	}

	if cfg.Archive.Enabled() {
		archive, err := s3archive.New(ctx, cfg.Archive)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, billing.WithArchive(archive))
	}

	service := billing.NewService(catalog, st.store, provider, opts...)

	tokens, err := jwt.NewFromString(cfg.App.JWTSecret, jwt.WithIssuer(cfg.App.JWTIssuer))
	if err != nil {
		return fail(err)
	}
	moduleOpts := []billingmod.Option{
		billingmod.WithLogger(log),
		billingmod.WithMaxBodyBytes(cfg.App.WebhookMaxBodyBytes),
	}
	if cfg.RateLimit.Enabled() {
		limits := ratelimiter.NewMemoryStore()
		closers = append(closers, limits.Close)
		bucket, err := ratelimiter.NewBucket(limits, cfg.RateLimit)
		if err != nil {
			return fail(err)
		}
		moduleOpts = append(moduleOpts, billingmod.WithRateLimiter(bucket))
	}
	module := billingmod.New(service, billingmod.NewJWTAuthenticator(tokens), moduleOpts...)

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)
	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(log, checks...))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	r.Mount("/billing", module.Handle())

	return r, cleanup, nil
}
