package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codingphoenixx/simplerequest/internal/audit"
	"github.com/codingphoenixx/simplerequest/internal/auth"
	"github.com/codingphoenixx/simplerequest/internal/config"
	"github.com/codingphoenixx/simplerequest/internal/guard"
	"github.com/codingphoenixx/simplerequest/internal/server"
	"github.com/codingphoenixx/simplerequest/internal/telemetry"
	"github.com/codingphoenixx/simplerequest/pkg/dispatch"
	"github.com/codingphoenixx/simplerequest/pkg/ratelimit"
	"github.com/codingphoenixx/simplerequest/pkg/router"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the simplerequest HTTP server with the configured routes,
rate limits, access control, guard and audit trail.

Examples:
  # Start with config file settings
  simplerequest serve

  # Start with a specific config file
  simplerequest --config /path/to/config.yaml serve

  # Development mode (debug logging, seeded dev API key)
  simplerequest serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, dev API key)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not use in production")
	}

	return run(ctx, cfg, logger)
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Enabled {
		providers, err := telemetry.Setup("simplerequest", Version, config.Duration(cfg.Telemetry.Interval))
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	var registry *ratelimit.Registry
	if cfg.RateLimit.Enabled {
		var err error
		registry, err = buildRegistry(cfg, logger)
		if err != nil {
			return err
		}
		registry.StartSweeper(ctx)
		defer registry.Stop()
		logger.Info("rate limiting enabled",
			"algorithm", cfg.RateLimit.Algorithm,
			"max_requests", cfg.RateLimit.MaxRequests,
			"window", cfg.RateLimit.Window,
			"rules", len(cfg.RateLimit.Rules))
	}

	var store *audit.Store
	if cfg.Audit.Enabled {
		var err error
		store, err = audit.Open(cfg.Audit.Path, cfg.Audit.QueueSize, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		store.Start()
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("audit store close failed", "error", err)
			}
		}()
		logger.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	dispatcherOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if registry != nil {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithRateLimits(registry))
	}
	if len(cfg.Auth.APIKeys) > 0 {
		dispatcherOpts = append(dispatcherOpts,
			dispatch.WithAuthenticator(auth.NewKeyAuthenticator(cfg.Auth.APIKeys)))
		logger.Info("api key auth enabled", "keys", len(cfg.Auth.APIKeys))
	}
	dispatcher := dispatch.New(dispatcherOpts...)

	if err := registerRoutes(dispatcher, registry, store); err != nil {
		return fmt.Errorf("failed to register routes: %w", err)
	}

	serverOpts := []server.Option{
		server.WithAddr(cfg.Server.Addr),
		server.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout)),
		server.WithLogger(logger),
	}

	if cfg.Guard.Enabled {
		g, err := guard.Compile(cfg.Guard.Expression, config.Duration(cfg.Guard.Timeout))
		if err != nil {
			return fmt.Errorf("failed to compile guard expression: %w", err)
		}
		serverOpts = append(serverOpts, server.WithGuard(g))
		logger.Info("request guard enabled")
	}

	if store != nil {
		serverOpts = append(serverOpts, server.WithAuditStore(store))
	}

	if cfg.Telemetry.Enabled {
		serverOpts = append(serverOpts, server.WithTracing())
	}

	srv := server.New(dispatcher, serverOpts...)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("simplerequest stopped")
	return nil
}

// buildRegistry creates the rate limit registry from the default rule and
// binds the configured per-path rules.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*ratelimit.Registry, error) {
	alg, err := ratelimit.ParseAlgorithm(cfg.RateLimit.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit algorithm: %w", err)
	}

	registry := ratelimit.NewRegistryWithConfig(
		ratelimit.Rule{
			Key:         "default",
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      config.Duration(cfg.RateLimit.Window),
			Algorithm:   alg,
		},
		config.Duration(cfg.RateLimit.SweepInterval),
		config.Duration(cfg.RateLimit.IdleTTL),
	)
	registry.SetLogger(logger)

	for _, rc := range cfg.RateLimit.Rules {
		ruleAlg, err := ratelimit.ParseAlgorithm(rc.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Key, err)
		}
		rule := ratelimit.Rule{
			Key:         rc.Key,
			MaxRequests: rc.MaxRequests,
			Window:      config.Duration(rc.Window),
			Algorithm:   ruleAlg,
		}
		if err := registry.Bind(rc.Path, rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Key, err)
		}
	}
	return registry, nil
}

// registerRoutes installs the built-in endpoints. They exercise every
// access level, both handler modes and a per-route rate limit rule.
func registerRoutes(d *dispatch.Dispatcher, registry *ratelimit.Registry, store *audit.Store) error {
	if err := d.Handle("/ping/", http.MethodGet, router.Public,
		func(w http.ResponseWriter, r *http.Request, params []string) error {
			_, err := w.Write([]byte(`{"pong":true}`))
			return err
		}); err != nil {
		return err
	}

	// The echo endpoint carries its own burst rule on top of the default.
	var echoRules []ratelimit.Rule
	if registry != nil {
		echoRules = append(echoRules, ratelimit.Rule{
			Key:         "echo-burst",
			MaxRequests: 30,
			Window:      10 * time.Second,
			Algorithm:   ratelimit.SlidingWindow,
		})
	}
	if err := d.Handle("/echo/{word}/", http.MethodGet, router.Public,
		func(w http.ResponseWriter, r *http.Request, params []string) error {
			_, err := fmt.Fprintf(w, `{"echo":%q}`, params[0])
			return err
		}, echoRules...); err != nil {
		return err
	}

	// Retired endpoint kept registered so callers get 401 instead of 404.
	if err := d.Handle("/legacy/status/", http.MethodGet, router.Disabled,
		func(w http.ResponseWriter, r *http.Request, params []string) error {
			_, err := w.Write([]byte(`{"status":"retired"}`))
			return err
		}); err != nil {
		return err
	}

	if err := d.HandleFields("/whoami/", http.MethodGet, router.Authenticated,
		func(r *http.Request, params []string) (map[string]any, error) {
			grant := dispatch.GrantFromContext(r.Context())
			return map[string]any{
				"subject":    grant.Subject,
				"system":     grant.System,
				"request_id": server.RequestIDFromContext(r.Context()),
			}, nil
		},
		[]string{"subject"},
		[]string{"system", "request_id"},
	); err != nil {
		return err
	}

	if err := d.HandleFields("/admin/limits/", http.MethodGet, router.System,
		func(r *http.Request, params []string) (map[string]any, error) {
			out := map[string]any{"enabled": registry != nil}
			if registry != nil {
				out["live_states"] = registry.Size()
			}
			return out, nil
		},
		[]string{"enabled"},
		[]string{"live_states"},
	); err != nil {
		return err
	}

	return d.HandleFields("/admin/audit/", http.MethodGet, router.System,
		func(r *http.Request, params []string) (map[string]any, error) {
			out := map[string]any{"enabled": store != nil}
			if store == nil {
				return out, nil
			}
			recs, err := store.Recent(r.Context(), 50)
			if err != nil {
				return nil, err
			}
			entries := make([]map[string]any, 0, len(recs))
			for _, rec := range recs {
				entries = append(entries, map[string]any{
					"time":   rec.Time.Format(time.RFC3339),
					"caller": rec.Caller,
					"method": rec.Method,
					"path":   rec.Path,
					"status": rec.Status,
				})
			}
			out["records"] = entries
			out["dropped"] = store.Dropped()
			return out, nil
		},
		[]string{"enabled"},
		[]string{"records", "dropped"},
	)
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
