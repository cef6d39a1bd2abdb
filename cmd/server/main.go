/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger service. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve    Run the HTTP API and the background sweep
  sweep    Run one reconciliation sweep and exit
  supply   Print the supply figures and exit

STARTUP SEQUENCE (serve):
  1. Load configuration from MYPTS_* environment variables
  2. Initialize SQLite store and bootstrap the supply row
  3. Load reward rules (file, or defaults on an empty store)
  4. Wire ledger, reward engine and payment reconciler
  5. Start the sweep scheduler and HTTP server
  6. Shut down gracefully on SIGINT/SIGTERM

FLAGS:
  --addr   overrides MYPTS_ADDR
  --db     overrides MYPTS_DB_PATH; ":memory:" for an in-memory database

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mypts/points-ledger/api"
	"github.com/mypts/points-ledger/config"
	"github.com/mypts/points-ledger/factory"
	"github.com/mypts/points-ledger/ledger"
	"github.com/mypts/points-ledger/logging"
	"github.com/mypts/points-ledger/metrics"
	"github.com/mypts/points-ledger/payments"
	"github.com/mypts/points-ledger/rewards"
	"github.com/mypts/points-ledger/store/sqlite"
)

var Version = "dev"

func main() {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:           "mypts",
		Short:         "MyPts points ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides MYPTS_DB_PATH)")

	rootCmd.AddCommand(serveCmd(&dbPath))
	rootCmd.AddCommand(sweepCmd(&dbPath))
	rootCmd.AddCommand(supplyCmd(&dbPath))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the wired service shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *sqlite.Store
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newApp(ctx context.Context, dbPath string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	level, _ := cfg.Level()
	logger := logging.Setup(cfg.Service, cfg.Env, level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	shortfall, _ := cfg.Shortfall()
	l := ledger.New(store, ledger.Config{
		Retry:     cfg.Retry(),
		Shortfall: shortfall,
		Logger:    logger,
		Metrics:   m,
		Alert: func(ctx context.Context, v *ledger.ConsistencyError) {
			logger.ErrorContext(ctx, "ledger halted", "op", v.Op, "detail", v.Detail)
		},
	})

	initial, err := cfg.InitialSupply()
	if err != nil {
		store.Close()
		return nil, err
	}
	if _, err := l.Supply.Bootstrap(ctx, initial); err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, ledger: l, metrics: m, reg: reg}, nil
}

func (a *app) sweepConfig() ledger.SweepConfig {
	return ledger.SweepConfig{BatchSize: a.cfg.SweepBatchSize, PendingTTL: a.cfg.PendingTTL}
}

// loadRules stores the configured rules file, or the defaults when the
// store has no rules yet. Rules changed through the API survive restarts
// unless a file is configured.
func (a *app) loadRules(ctx context.Context, engine *rewards.Engine) error {
	var rules []rewards.Rule
	switch {
	case a.cfg.RulesPath != "":
		loaded, err := factory.LoadRulesFile(a.cfg.RulesPath)
		if err != nil {
			return err
		}
		rules = loaded
	default:
		existing, err := engine.Rules(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
		rules = factory.DefaultRules()
	}
	for _, rule := range rules {
		if _, err := engine.SetRule(ctx, rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ActivityType, err)
		}
	}
	a.logger.Info("reward rules loaded", "count", len(rules), "source", a.cfg.RulesPath)
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd(dbPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer a.store.Close()
			if addr != "" {
				a.cfg.Addr = addr
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides MYPTS_ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	engine := rewards.NewEngine(a.store, a.ledger.Transactions, rewards.EngineConfig{Logger: a.logger, Metrics: a.metrics})
	if err := a.loadRules(ctx, engine); err != nil {
		return err
	}

	if a.cfg.WebhookSecret == "" {
		return errors.New("MYPTS_WEBHOOK_SECRET is required")
	}
	verifier, err := payments.NewHMACVerifier(a.cfg.WebhookSecret, a.cfg.WebhookTolerance)
	if err != nil {
		return err
	}
	reconciler := payments.NewReconciler(a.ledger.Transactions, verifier, payments.Config{Logger: a.logger, Metrics: a.metrics})

	handler := api.NewHandler(a.ledger, engine, reconciler, a.sweepConfig(), a.logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics:        a.metrics,
		Gatherer:       a.reg,
		WebhookLimiter: api.NewRateLimiter(a.cfg.WebhookRPS, a.cfg.WebhookBurst),
	})

	scheduler := api.NewSweepScheduler(a.ledger.Transactions, a.sweepConfig(), a.logger)
	scheduler.CheckInterval = a.cfg.SweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         a.cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", a.cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func sweepCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *dbPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			res, err := a.ledger.Transactions.Sweep(cmd.Context(), a.sweepConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied=%d expired=%d errors=%d\n", res.Applied, res.Expired, res.Errors)
			return nil
		},
	}
}

func supplyCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "supply",
		Short: "Print the supply figures as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *dbPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			s, err := a.ledger.Supply.State(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"totalSupply":       s.TotalSupply,
				"circulatingSupply": s.CirculatingSupply,
				"holdingSupply":     s.HoldingSupply,
				"reserveSupply":     s.ReserveSupply,
				"maxSupply":         s.MaxSupply,
				"valuePerPoint":     s.ValuePerPoint.String(),
				"marketValue":       s.MarketValue().StringFixed(2),
			})
		},
	}
}
