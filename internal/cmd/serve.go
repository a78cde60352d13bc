package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/core"
	"github.com/pulsefeed/pulsefeed/internal/core/engine"
	"github.com/pulsefeed/pulsefeed/internal/core/store"
	"github.com/pulsefeed/pulsefeed/internal/notify"
	"github.com/pulsefeed/pulsefeed/internal/observability"
	"github.com/pulsefeed/pulsefeed/internal/provider"
	"github.com/pulsefeed/pulsefeed/internal/server"
	"github.com/pulsefeed/pulsefeed/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// storeHealthChecker pings the database.
type storeHealthChecker struct {
	db *store.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil || c.db.DB == nil {
		return errors.New("store is not initialized")
	}
	return c.db.DB.PingContext(ctx)
}

// coordinatorHealthChecker reports unhealthy once ingestion has stopped.
type coordinatorHealthChecker struct {
	coordinator *engine.Coordinator
}

func (c coordinatorHealthChecker) CheckHealth(context.Context) error {
	if c.coordinator.State() == engine.StateStopped {
		return errors.New("ingestion is stopped")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion service and HTTP server",
	Long: `Start the ingestion service: the scheduler drain loop, the streaming
connection (or polling fallback), the backfill loop, and the operational
HTTP server.

Ctrl+C (SIGINT) or SIGTERM triggers a graceful shutdown: ingestion stops,
in-flight requests finish, and the HTTP server drains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, err := observability.NewServerLogger(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		defer logger.Sync() // nolint:errcheck // stdout sync errors are benign

		logger.Info("initializing pulsefeed",
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))

		accounts, err := config.LoadAccounts(cfg.AccountsFile)
		if err != nil {
			return err
		}

		db, err := store.Open(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup
		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}

		client := &provider.Client{
			BaseURL:     cfg.Provider.BaseURL,
			BearerToken: cfg.Provider.BearerToken,
			HTTPClient:  &http.Client{Timeout: cfg.Provider.Timeout},
		}

		tracker := &engine.Tracker{
			Store:  db,
			Limits: buildLimits(cfg.Quota),
			Margin: cfg.Quota.Margin,
		}

		accounts, err = resolveAccounts(cmd.Context(), logger, client, tracker, accounts)
		if err != nil {
			return err
		}

		scheduler := &engine.Scheduler{
			Tracker:            tracker,
			Logger:             logger,
			Spacing:            cfg.Ingest.RequestSpacing,
			ThrottleBackoff:    cfg.Ingest.ThrottleBackoff,
			RequestTimeout:     cfg.Ingest.RequestTimeout,
			MaxThrottleRetries: cfg.Ingest.MaxThrottleRetries,
		}

		cache := &engine.FreshnessCache{
			TTL:       cfg.Ingest.CacheTTL,
			Retention: cfg.Ingest.CacheRetention,
			MaxItems:  cfg.Ingest.CacheMaxItems,
		}

		notifier := &notify.LogNotifier{Logger: logger.Named("notify")}
		defer notifier.Close()

		coordinator := &engine.Coordinator{
			Scheduler: scheduler,
			Tracker:   tracker,
			Cache:     cache,
			Provider:  client,
			Store:     db,
			Notifier:  notifier,
			Accounts:  accounts,
			Logger:    logger.Named("ingest"),
			Config: engine.CoordinatorConfig{
				PollInterval:         cfg.Ingest.PollInterval,
				BackfillInterval:     cfg.Ingest.BackfillInterval,
				BackfillPageSize:     cfg.Ingest.BackfillPageSize,
				SyncCooldown:         cfg.Ingest.SyncCooldown,
				StreamEnabled:        cfg.Ingest.StreamEnabled,
				StreamReconnectDelay: cfg.Ingest.StreamReconnectDelay,
			},
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := coordinator.Start(runCtx); err != nil {
			return fmt.Errorf("start ingestion: %w", err)
		}
		defer coordinator.Stop()

		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("store", storeHealthChecker{db: db})
		health.RegisterChecker("ingestion", coordinatorHealthChecker{coordinator: coordinator})

		srv := server.New(server.Options{
			Config:  cfg.Server,
			Logger:  logger.Named("http"),
			Health:  health,
			Ingest: &handlers.Ingest{
				Coordinator: coordinator,
				Posts:       db,
				Start:       func() error { return coordinator.Start(runCtx) },
				Stop:        func() error { coordinator.Stop(); return nil },
			},
			Version: versionInfo.Version,
		})

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		select {
		case err := <-errChan:
			return fmt.Errorf("server error: %w", err)
		case <-runCtx.Done():
		}

		logger.Info("shutting down")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown did not finish cleanly", zap.Error(err))
		}

		return nil
	},
}

// resolveAccounts fills in missing account ids by looking handles up through
// the provider. Lookups count against the lookup quota like any other call.
func resolveAccounts(ctx context.Context, logger *zap.Logger, client *provider.Client, tracker *engine.Tracker, accounts []core.Account) ([]core.Account, error) {
	resolved := make([]core.Account, 0, len(accounts))
	for _, account := range accounts {
		if strings.TrimSpace(account.ID) != "" {
			resolved = append(resolved, account)
			continue
		}

		ok, untilReset, err := tracker.CanSpend(ctx, core.EndpointLookup, "")
		if err != nil {
			return nil, fmt.Errorf("check lookup quota: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("lookup quota exhausted resolving %q, retry in %s", account.Handle, untilReset.Round(time.Second))
		}

		found, err := client.LookupAccount(ctx, account.Handle)
		recordErr := tracker.Record(ctx, core.EndpointLookup, "", nil)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				logger.Warn("account handle not found, skipping",
					zap.String("handle", account.Handle))
				continue
			}
			return nil, fmt.Errorf("resolve account %q: %w", account.Handle, err)
		}
		if recordErr != nil {
			logger.Warn("failed to persist lookup quota spend", zap.Error(recordErr))
		}

		account.ID = found.ID
		if account.DisplayName == "" {
			account.DisplayName = found.DisplayName
		}
		resolved = append(resolved, account)
	}

	if len(resolved) == 0 {
		return nil, errors.New("no resolvable accounts to track")
	}
	return resolved, nil
}

func buildLimits(cfg config.QuotaConfig) map[core.Endpoint]engine.Limit {
	limits := make(map[core.Endpoint]engine.Limit, len(engine.DefaultLimits))
	for endpoint, limit := range engine.DefaultLimits {
		limits[endpoint] = limit
	}
	for _, override := range cfg.Limits {
		endpoint := core.Endpoint(strings.TrimSpace(override.Endpoint))
		if endpoint == "" {
			continue
		}
		limit := engine.Limit{
			RequestsPerWindow: override.Requests,
			WindowDuration:    override.Window,
		}
		if limit.WindowDuration <= 0 {
			limit.WindowDuration = 15 * time.Minute
		}
		if limit.RequestsPerWindow > 0 {
			limits[endpoint] = limit
		}
	}
	return limits
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
