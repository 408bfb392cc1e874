package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/adapter/inmem"
	"edgegate/internal/gateway/adapter/jwks"
	"edgegate/internal/gateway/adapter/proxy"
	"edgegate/internal/gateway/adapter/statickey"
	"edgegate/internal/gateway/apierror"
	"edgegate/internal/gateway/authn"
	"edgegate/internal/gateway/clientip"
	"edgegate/internal/gateway/fallback"
	"edgegate/internal/gateway/middleware"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/gateway/pipeline"
	"edgegate/internal/gateway/ratekey"
	"edgegate/internal/platform/config"
	"edgegate/internal/platform/logging"
	"edgegate/internal/platform/server"
	"edgegate/internal/platform/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	// Telemetry
	shutdownMetrics, err := telemetry.Setup(ctx, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := errors.Join(shutdownTracing(shutdownCtx), shutdownMetrics(shutdownCtx)); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics, err := telemetry.NewGatewayMetrics()
	if err != nil {
		return fmt.Errorf("metrics initialization: %w", err)
	}

	var tasks []server.Task

	// Key source
	var keys gw.KeySource
	if cfg.Auth.JWKSEndpoint != "" {
		client := jwks.NewClient(cfg.Auth.JWKSEndpoint, cfg.Auth.JWKSMinRefresh, nil)
		client.OnRefresh(metrics.RecordJWKSRefresh)
		keys = client
		tasks = append(tasks, server.Task{Name: "jwks-warm", Run: func(ctx context.Context) error {
			if err := client.Warm(ctx); err != nil {
				// Keys are fetched lazily on the first token that needs them.
				slog.WarnContext(ctx, "jwks warm-up failed", "endpoint", cfg.Auth.JWKSEndpoint, "error", err)
			}
			return nil
		}})
	} else {
		src, err := statickey.New(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("jwt secret: %w", err)
		}
		keys = src
	}
	validator := authn.New(keys, authn.Options{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})

	// Client IP
	trusted := cfg.ClientIP.TrustedProxies
	if trusted == nil {
		trusted = clientip.DefaultTrustedProxies
	}
	if _, invalid := clientip.ParsePrefixes(trusted); len(invalid) > 0 {
		slog.Warn("ignoring invalid trusted proxy ranges", "ranges", invalid)
	}
	ips := clientip.New(trusted, clientip.Options{
		UseForwardedFor: cfg.ClientIP.UseForwardedFor,
		UseRealIP:       cfg.ClientIP.UseRealIP,
	})

	// Path policy
	policy := pathpolicy.Default()
	if cfg.Policy.File != "" {
		if policy, err = pathpolicy.LoadFile(cfg.Policy.File); err != nil {
			return fmt.Errorf("path policy: %w", err)
		}
	}
	policies := pathpolicy.NewStore(policy)
	if cfg.Policy.Watch {
		tasks = append(tasks, server.Task{Name: "policy-watch", Run: func(ctx context.Context) error {
			return policies.Watch(ctx, cfg.Policy.File)
		}})
	}

	errs := apierror.New(apierror.Options{
		ExposeDetails:  cfg.Errors.ExposeDetails,
		Realm:          cfg.Auth.Realm,
		SupportContact: cfg.Errors.SupportContact,
		Logger:         logger,
	})
	fb := fallback.New(errs, metrics, cfg.Errors.FallbackRetry)

	// Router
	router, err := proxy.NewRouter(proxy.Options{
		Backends: cfg.Backends,
		Fallback: fb,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("router initialization: %w", err)
	}

	// Rate limiter
	limiter := inmem.NewRateLimiter(nil, time.Now)
	tasks = append(tasks, server.Task{Name: "ratelimit-cleanup", Run: func(ctx context.Context) error {
		limiter.Run(ctx, cfg.RateLimit.CleanupInterval)
		return nil
	}})
	resolvers, err := keyResolvers(ratekey.New(ips.Resolve), cfg.RateLimit)
	if err != nil {
		return err
	}

	security := middleware.DefaultSecurityHeaders()
	security.Enabled = cfg.Security.Enabled
	security.CSPEnabled = cfg.Security.CSPEnabled
	security.CSPReportOnly = cfg.Security.CSPReportOnly
	if cfg.Security.CSPTemplate != "" {
		security.CSPTemplate = cfg.Security.CSPTemplate
	}
	if cfg.Security.HSTSMaxAge > 0 {
		security.HSTSMaxAge = cfg.Security.HSTSMaxAge
	}

	tracing := middleware.DefaultTracing()
	tracing.Enabled = cfg.Tracing.Enabled

	handler, err := pipeline.New(pipeline.Deps{
		Policies:       policies,
		ClientIPs:      ips,
		Validator:      validator,
		Limiter:        limiter,
		Keys:           resolvers,
		Backend:        router,
		Fallback:       fb,
		Errors:         errs,
		Metrics:        metrics,
		Logger:         logger,
		MetricsHandler: telemetry.MetricsHandler(),
		Security:       security,
		Tracing:        tracing,
		Timeout: middleware.TimeoutConfig{
			Template:   cfg.Timeout.Template,
			RetryAfter: cfg.Timeout.RetryAfter,
		},
		CSRF: middleware.CSRFConfig{
			Enabled:        cfg.CSRF.Enabled,
			Key:            []byte(cfg.CSRF.SecretKey),
			InsecureCookie: cfg.CSRF.InsecureCookie,
		},
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	srv := server.New(cfg.GatewayAddr, handler, server.Options{
		ShutdownTimeout: cfg.ShutdownTimeout,
		Tasks:           tasks,
	})

	slog.Info("gateway starting",
		"addr", cfg.GatewayAddr,
		"backends", cfg.Backends,
		"jwks_endpoint", cfg.Auth.JWKSEndpoint,
		"policy_file", cfg.Policy.File,
		"tracing_exporter", cfg.Tracing.Exporter,
	)

	return srv.Run(ctx)
}

func keyResolvers(set *ratekey.Set, cfg config.RateLimitConfig) (pipeline.KeyResolvers, error) {
	var out pipeline.KeyResolvers
	var err error
	if out.Public, err = set.ByName(cfg.PublicResolver); err != nil {
		return out, fmt.Errorf("public key resolver: %w", err)
	}
	if out.Authenticated, err = set.ByName(cfg.AuthenticatedResolver); err != nil {
		return out, fmt.Errorf("authenticated key resolver: %w", err)
	}
	if out.Admin, err = set.ByName(cfg.AdminResolver); err != nil {
		return out, fmt.Errorf("admin key resolver: %w", err)
	}
	return out, nil
}
