package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/portcullis-systems/portcullis/internal/alerts"
	"github.com/portcullis-systems/portcullis/internal/anomaly"
	"github.com/portcullis-systems/portcullis/internal/config"
	"github.com/portcullis-systems/portcullis/internal/handlers"
	"github.com/portcullis-systems/portcullis/internal/liveness"
	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/messaging"
	"github.com/portcullis-systems/portcullis/internal/middleware"
	"github.com/portcullis-systems/portcullis/internal/policy"
	"github.com/portcullis-systems/portcullis/internal/ratelimit"
	"github.com/portcullis-systems/portcullis/internal/repository"
	"github.com/portcullis-systems/portcullis/internal/server"
	"github.com/portcullis-systems/portcullis/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the access control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(slog.String("service", "portcullis"))
	logging.SetDefault(logger)

	slog.Info("starting portcullis",
		slog.Int("port", cfg.Server.Port),
		slog.Bool("tls", cfg.Server.TLS.Enabled()),
		slog.String("log_level", cfg.Logging.Level),
	)

	pool, err := repository.Connect(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	store := repository.NewPostgres(pool)

	var pub messaging.Publisher = &messaging.NopPublisher{}
	if cfg.NATS.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsPub, err := messaging.NewNATSPublisher(natsCfg)
		if err != nil {
			slog.Warn("failed to connect to NATS, live notifications disabled", "error", err)
		} else {
			pub = natsPub
		}
	}
	defer pub.Close()

	var limiter ratelimit.RateLimiter = &ratelimit.NoOpRateLimiter{}
	if cfg.Redis.Enabled {
		rl, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.Redis.Limit, cfg.Redis.Window, false)
		if err != nil {
			slog.Warn("failed to initialize rate limiter, continuing without", "error", err)
		} else {
			limiter = rl
			slog.Info("rate limiting enabled",
				slog.Int("limit", cfg.Redis.Limit), slog.Duration("window", cfg.Redis.Window))
		}
	}
	defer limiter.Close()

	alertSvc := alerts.NewService(store, pub, logger)

	engineCfg := anomaly.DefaultConfig()
	engineCfg.SpamThreshold = cfg.Anomaly.SpamThreshold
	engineCfg.SpamMinFailures = cfg.Anomaly.SpamMinFailures
	engineCfg.SpamWindow = cfg.Anomaly.SpamWindow
	engineCfg.CloningWindow = cfg.Anomaly.CloningWindow
	engineCfg.FailureThreshold = cfg.Anomaly.FailureThreshold
	engineCfg.FailureLookback = cfg.Anomaly.FailureLookback
	engineCfg.CacheTTL = cfg.Anomaly.CacheTTL
	engine := anomaly.NewEngine(engineCfg, store, store, alertSvc, logger)

	monitorCfg := liveness.Config{
		SweepInterval:    cfg.Monitor.SweepInterval,
		OfflineThreshold: cfg.Monitor.OfflineThreshold,
	}
	monitor := liveness.NewMonitor(monitorCfg, store, alertSvc, logger)

	evaluator := policy.NewEvaluator(store)
	sessions := session.NewManager(store)

	handler := handlers.New(evaluator, sessions, monitor, engine, alertSvc, store, limiter, logger)
	auth := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	router := server.NewRouter(handler, auth)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go monitor.Run(bgCtx)
	go engine.Run(bgCtx, cfg.Anomaly.PurgeInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS.Enabled() {
			tlsConfig, err := buildTLSConfig(cfg.Server.TLS)
			if err != nil {
				errCh <- err
				return
			}
			srv.TLSConfig = tlsConfig
			slog.Info("listening with TLS", slog.String("addr", srv.Addr))
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		slog.Warn("listening without TLS, device authentication relies on session HMACs only",
			slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-quit:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	}

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildTLSConfig assembles the mutually authenticated listener config.
// Client certificates are verified against the controller CA when presented;
// the handshake endpoint enforces their presence at the protocol layer so
// that admin clients without certificates can still reach the admin API.
func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		caPEM, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, nil
}
