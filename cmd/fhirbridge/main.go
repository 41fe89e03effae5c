package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clindata/fhirbridge/internal/cdr"
	"github.com/clindata/fhirbridge/internal/config"
	"github.com/clindata/fhirbridge/internal/domain/bundle"
	"github.com/clindata/fhirbridge/internal/domain/condition"
	"github.com/clindata/fhirbridge/internal/domain/encounter"
	"github.com/clindata/fhirbridge/internal/domain/location"
	"github.com/clindata/fhirbridge/internal/domain/observation"
	"github.com/clindata/fhirbridge/internal/domain/organization"
	"github.com/clindata/fhirbridge/internal/domain/patient"
	"github.com/clindata/fhirbridge/internal/domain/practitioner"
	"github.com/clindata/fhirbridge/internal/domain/relatedperson"
	"github.com/clindata/fhirbridge/internal/platform/auth"
	"github.com/clindata/fhirbridge/internal/platform/db"
	"github.com/clindata/fhirbridge/internal/platform/fhir"
	"github.com/clindata/fhirbridge/internal/platform/middleware"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirbridge",
		Short: "FHIR facade over the clinical data repository",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return runMigrations(dir)
		},
	}
	upCmd.Flags().String("dir", "migrations", "migrations directory")
	cmd.AddCommand(upCmd)
	return cmd
}

func runMigrations(dir string) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Persistence != "postgres" {
		return fmt.Errorf("migrations require PERSISTENCE=postgres")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	applied, err := db.NewMigrator(pool, dir).Up(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", applied).Msg("migrations complete")
	return nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	if pool != nil {
		defer pool.Close()
	}

	registry := fhir.NewHandlerRegistry(cfg.StrictHandlerRegistry)
	pipeline := fhir.NewExtensionPipeline()
	resolver := fhir.NewReferenceResolver(store.Entities, store.Acts)
	if err := registerHandlers(cfg, registry, pipeline, resolver, store); err != nil {
		logger.Fatal().Err(err).Msg("failed to register resource handlers")
	}
	logger.Info().Strs("resources", registry.ResourceTypes()).Msg("resource handlers registered")

	processor := fhir.NewTransactionProcessor(registry, store.Tx, cfg.BaseURL, logger)
	server := fhir.NewServer(registry, processor, pipeline, cfg.BaseURL, version, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second))
	e.Use(middleware.BodyLimit(strconv.FormatInt(cfg.MaxBodyBytes, 10), "8M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevMiddleware())
	} else {
		e.Use(auth.Middleware([]byte(cfg.JWTSecret)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	server.MountRoutes(e.Group("/fhir"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*cdr.Store, *pgxpool.Pool, error) {
	if cfg.Persistence == "memory" {
		logger.Warn().Msg("using in-memory persistence, data will not survive a restart")
		return cdr.NewMemoryStoreBundle(), nil, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	return cdr.NewPgStoreBundle(pool), pool, nil
}

func registerHandlers(cfg *config.Config, registry *fhir.HandlerRegistry, pipeline *fhir.ExtensionPipeline, resolver *fhir.ReferenceResolver, store *cdr.Store) error {
	for _, name := range cfg.ResourceHandlers {
		var err error
		switch name {
		case "patient":
			err = patient.Register(registry, pipeline, store)
		case "relatedperson":
			err = relatedperson.Register(registry, pipeline, resolver, store)
		case "practitioner":
			err = practitioner.Register(registry, pipeline, store)
		case "organization":
			err = organization.Register(registry, pipeline, store)
		case "location":
			err = location.Register(registry, pipeline, resolver, store)
		case "encounter":
			err = encounter.Register(registry, pipeline, resolver, store)
		case "observation":
			err = observation.Register(registry, pipeline, resolver, store)
		case "condition":
			err = condition.Register(registry, pipeline, resolver, store)
		case "bundle":
			err = bundle.Register(registry)
		default:
			err = fmt.Errorf("unknown resource handler %q", name)
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}
