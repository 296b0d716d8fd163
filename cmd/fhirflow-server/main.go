package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirflow/fhirflow/internal/config"
	"github.com/fhirflow/fhirflow/internal/factory"
	"github.com/fhirflow/fhirflow/internal/pipeline"
	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/internal/platform/hapi"
	"github.com/fhirflow/fhirflow/internal/platform/middleware"
	"github.com/fhirflow/fhirflow/internal/platform/perf"
	"github.com/fhirflow/fhirflow/internal/server"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirflow-server",
		Short: "FHIR R4 assembly, validation, and execution pipeline",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return err
	}

	// Logger
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Shared platform services
	codingRegistry := coding.NewRegistry()
	validator := fhir.NewValidator()
	refs := fhir.NewReferenceManager()

	registry := factory.NewRegistry(factory.Deps{
		Coding:    codingRegistry,
		Validator: validator,
		Refs:      refs,
		Logger:    logger,
	}, factory.Flags{
		UseNewPatientFactory:    cfg.UseNewPatientFactory,
		UseNewMedicationFactory: cfg.UseNewMedicationFactory,
		UseNewClinicalFactory:   cfg.UseNewClinicalFactory,
		UseNewCarePlanFactory:   cfg.UseNewCarePlanFactory,
		UseNewEncounterFactory:  cfg.UseNewEncounterFactory,
		UseLegacyFactory:        cfg.UseLegacyFactory,
		SafetyValidation:        cfg.SafetyValidationEnabled,
	}, cfg.SynthesizeDICOMUIDs)

	perfMgr := perf.NewManager(logger, prometheus.DefaultRegisterer)
	perfMgr.SetRequestTimeout(cfg.HAPITimeout())

	failover := hapi.NewFailoverManager(cfg.HAPIEndpoints(), logger)

	optimizer := pipeline.NewOptimizer(logger)
	completeness := func(bundle map[string]interface{}) float64 {
		return optimizer.AnalyzeBundle(nil, bundle).OverallCompleteness
	}
	client := hapi.NewClient(failover, perfMgr, validator, completeness, logger)

	assembler := pipeline.NewAssembler(optimizer, logger)
	orchestrator := pipeline.NewOrchestrator(registry, assembler, optimizer, client, perfMgr, logger)

	slaTracker := middleware.NewSLATracker(middleware.DefaultSLAThreshold, logger, prometheus.DefaultRegisterer)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware. Size and rate guards run before anything touches
	// the body; timing wraps the handler so headers reflect full duration.
	e.Use(middleware.AllowedHosts(cfg.AllowedHosts))
	e.Use(middleware.BodyLimit(cfg.MaxRequestBytes()))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Requests: cfg.RateLimitRequestsPerMinute,
		Window:   time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}))
	e.Use(middleware.Timing(slaTracker))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	srv := server.New(cfg, logger, registry, orchestrator, optimizer, client, perfMgr, failover, slaTracker)
	srv.RegisterRoutes(e)

	// Periodic cache auto-tuning
	tuneCtx, tuneCancel := context.WithCancel(context.Background())
	defer tuneCancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-tuneCtx.Done():
				return
			case <-ticker.C:
				perfMgr.AutoTune()
			}
		}
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("environment", cfg.Environment).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
