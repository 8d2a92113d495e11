// Command server runs the immunolab HTTP API and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/immunolab/immunolab-server/internal/api"
	"github.com/immunolab/immunolab-server/internal/audit"
	"github.com/immunolab/immunolab-server/internal/auth"
	"github.com/immunolab/immunolab-server/internal/cache"
	"github.com/immunolab/immunolab-server/internal/catalog"
	"github.com/immunolab/immunolab-server/internal/config"
	"github.com/immunolab/immunolab-server/internal/database"
	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/live"
	"github.com/immunolab/immunolab-server/internal/repository"
	"github.com/immunolab/immunolab-server/internal/service"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Immunoglobulin lab results API server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./config.yaml)")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(migrateCmd(&configFile))
	rootCmd.AddCommand(seedCmd(&configFile))
	rootCmd.AddCommand(tokenCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration and builds the logger.
func loadConfig(configFile string) (*config.Manager, *logrus.Logger, error) {
	manager, err := config.NewManager(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := manager.GetConfig()
	logger := config.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	return manager, logger, nil
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, manager, logger)
		},
	}
}

func runServer(ctx context.Context, manager *config.Manager, logger *logrus.Logger) error {
	cfg := manager.GetConfig()
	logger.WithFields(logrus.Fields{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"environment": cfg.Server.Environment,
	}).Info("Starting immunolab server")

	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	patients := repository.NewPatientRepository(db.Pool, logger)
	guidelines := repository.NewGuidelineRepository(db.Pool, logger)
	results := repository.NewResultRepository(db.Pool, logger)

	healthChecks := map[string]api.HealthCheck{"database": db.Health}

	opts := service.Options{
		Patients:   patients,
		Guidelines: guidelines,
		Results:    results,
		Evaluator:  refrange.NewEvaluator(cfg.Evaluation.TrendTolerancePercent),
		Logger:     logger,
	}

	var guidelineCache *cache.GuidelineCache
	if cfg.Cache.Enabled {
		guidelineCache, err = cache.NewGuidelineCache(guidelines, cfg.Cache, logger)
		if err != nil {
			return err
		}
		defer guidelineCache.Close()
		opts.Reader = guidelineCache
		opts.Invalidator = guidelineCache
		if cfg.Cache.RedisURL != "" {
			healthChecks["redis"] = guidelineCache.Ping
		}
	}

	auditStore, err := openAuditStore(cfg.Audit, manager)
	if err != nil {
		return err
	}
	if auditStore != nil {
		defer auditStore.Close()
		opts.Audit = audit.NewRecorder(auditStore, logger)
	}

	hub := live.NewHub(cfg.Server.AllowedOrigins, logger)
	opts.Publisher = hub

	var authenticator *auth.Authenticator
	if cfg.Auth.Enabled {
		authenticator, err = auth.NewAuthenticator(cfg.Auth)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Authentication is disabled, every request runs as the development admin")
	}

	if cfg.Catalog.Path != "" && cfg.Catalog.Watch {
		if err := watchCatalog(ctx, cfg.Catalog.Path, guidelines, guidelineCache, logger); err != nil {
			return err
		}
	}

	server := api.NewServer(manager, api.Dependencies{
		Service:      service.NewLabService(opts),
		Audit:        auditStore,
		Hub:          hub,
		Cache:        guidelineCache,
		Auth:         authenticator,
		HealthChecks: healthChecks,
		Logger:       logger,
	})

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// openAuditStore returns nil when auditing is disabled.
func openAuditStore(cfg domain.AuditConfig, manager *config.Manager) (audit.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "postgres":
		return audit.NewPostgresStoreFromURL(manager.GetDatabaseURL())
	case "sqlite", "":
		return audit.NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

// watchCatalog seeds the catalog now and again after every change to the file.
func watchCatalog(ctx context.Context, path string, repo domain.GuidelineRepository, c *cache.GuidelineCache, logger *logrus.Logger) error {
	cat, err := catalog.Load(path, logger)
	if err != nil {
		return err
	}

	seed := func() {
		seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := cat.Seed(seedCtx, repo)
		if err != nil {
			logger.WithError(err).Error("Failed to seed guidelines from catalog")
			return
		}
		if c != nil {
			for _, doc := range cat.Documents() {
				c.Invalidate(seedCtx, doc.Category)
			}
		}
		logger.WithField("guidelines", n).Info("Seeded guidelines from catalog")
	}
	seed()

	go func() {
		if err := cat.Watch(ctx, seed); err != nil {
			logger.WithError(err).Error("Catalog watcher stopped")
		}
	}()
	return nil
}

func migrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	run := func(up bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			manager, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			var runner *database.MigrationRunner
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				runner, err = database.NewMigrationRunnerFromPath(manager.GetDatabaseURL(), dir, logger)
			} else {
				runner, err = database.NewMigrationRunner(manager.GetDatabaseURL(), logger)
			}
			if err != nil {
				return err
			}
			defer runner.Close()

			if up {
				return runner.Up(cmd.Context())
			}
			return runner.Down(cmd.Context())
		}
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE:  run(true),
	}
	upCmd.Flags().String("dir", "", "Migrations directory (default: embedded)")
	cmd.AddCommand(upCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE:  run(false),
	}
	downCmd.Flags().String("dir", "", "Migrations directory (default: embedded)")
	cmd.AddCommand(downCmd)

	return cmd
}

func seedCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load guidelines from a YAML catalog into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, logger, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			cfg := manager.GetConfig()

			path, _ := cmd.Flags().GetString("catalog")
			if path == "" {
				path = cfg.Catalog.Path
			}
			if path == "" {
				return fmt.Errorf("no catalog path: set --catalog or catalog.path")
			}
			if sample, _ := cmd.Flags().GetBool("sample"); sample {
				created, err := catalog.WriteSample(path)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample catalog to %s\n", path)
				}
			}

			cat, err := catalog.Load(path, logger)
			if err != nil {
				return err
			}
			for _, w := range cat.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}

			db, err := database.NewConnection(cmd.Context(), database.ConfigFromDomain(cfg.Database), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := cat.Seed(cmd.Context(), repository.NewGuidelineRepository(db.Pool, logger))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d guidelines\n", n)
			return nil
		},
	}
	cmd.Flags().String("catalog", "", "Catalog file (default: catalog.path)")
	cmd.Flags().Bool("sample", false, "Write the sample catalog first when the file does not exist")
	return cmd
}

func tokenCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, _, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			authenticator, err := auth.NewAuthenticator(manager.GetConfig().Auth)
			if err != nil {
				return err
			}

			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			patientID, _ := cmd.Flags().GetString("patient-id")

			token, expires, err := authenticator.IssueToken(subject, domain.Role(role), patientID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().String("role", string(domain.RoleAdmin), "Role: admin or patient")
	cmd.Flags().String("patient-id", "", "Patient the token may read (patient role)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
