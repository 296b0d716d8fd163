package server

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/config"
	"github.com/fhirflow/fhirflow/internal/factory"
	"github.com/fhirflow/fhirflow/internal/pipeline"
	"github.com/fhirflow/fhirflow/internal/platform/hapi"
	"github.com/fhirflow/fhirflow/internal/platform/middleware"
	"github.com/fhirflow/fhirflow/internal/platform/perf"
)

var patientRefPattern = regexp.MustCompile(`^[A-Za-z0-9\-_/]{0,100}$`)

// Server wires the HTTP handlers to the pipeline services.
type Server struct {
	cfg          *config.Config
	logger       zerolog.Logger
	registry     *factory.Registry
	orchestrator *pipeline.Orchestrator
	optimizer    *pipeline.Optimizer
	client       *hapi.Client
	perf         *perf.Manager
	failover     *hapi.FailoverManager
	sla          *middleware.SLATracker
	validate     *validator.Validate
}

// New creates a Server over already-constructed services.
func New(cfg *config.Config, logger zerolog.Logger, registry *factory.Registry,
	orchestrator *pipeline.Orchestrator, optimizer *pipeline.Optimizer,
	client *hapi.Client, perfMgr *perf.Manager, failover *hapi.FailoverManager,
	sla *middleware.SLATracker) *Server {

	v := validator.New()
	v.RegisterValidation("patientref", func(fl validator.FieldLevel) bool {
		return patientRefPattern.MatchString(fl.Field().String())
	})

	return &Server{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		orchestrator: orchestrator,
		optimizer:    optimizer,
		client:       client,
		perf:         perfMgr,
		failover:     failover,
		sla:          sla,
		validate:     v,
	}
}

// RegisterRoutes attaches every handler to the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/convert", s.Convert)

	apiV1 := e.Group("/api/v1")
	apiV1.POST("/convert", s.ConvertExtended)
	apiV1.POST("/bulk-convert", s.BulkConvert)

	fhirGroup := e.Group("/fhir")
	fhirGroup.POST("/pipeline", s.Pipeline)
	fhirGroup.GET("/pipeline/status", s.PipelineStatus)
	fhirGroup.POST("/optimize", s.Optimize)
	fhirGroup.GET("/quality/trends", s.QualityTrends)
	fhirGroup.GET("/performance/metrics", s.PerformanceMetrics)
	fhirGroup.POST("/performance/clear-cache", s.ClearCache)
	fhirGroup.GET("/status", s.FHIRStatus)
	fhirGroup.GET("/metadata", s.CapabilityStatement)

	e.POST("/validate", s.Validate)
	e.POST("/execute", s.Execute)

	if s.cfg.SummarizationEnabled {
		e.POST("/summarize-bundle", s.SummarizeBundle)
	}

	e.GET("/health", s.Health)
	e.GET("/ready", s.Ready)
	e.GET("/readiness", s.Ready)
	e.GET("/live", s.Live)
	e.GET("/liveness", s.Live)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// bindError maps a request-decode failure to a response. Oversize bodies
// surface from the limiting reader as a 413 HTTPError even when the
// Content-Length header was absent; everything else is a malformed body.
func bindError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return errorJSON(c, http.StatusRequestEntityTooLarge, "PayloadTooLarge",
			"request body exceeds the configured size limit")
	}
	return errorJSON(c, http.StatusBadRequest, "InputValidationError", "malformed JSON body")
}

// errorJSON writes the structured error body. Internal errors carry the
// request id only; detail is never exposed for 5xx.
func errorJSON(c echo.Context, status int, kind, detail string) error {
	rid, _ := c.Get("request_id").(string)
	body := map[string]interface{}{
		"error":      kind,
		"request_id": rid,
	}
	if status < 500 && detail != "" {
		body["detail"] = detail
	}
	return c.JSON(status, body)
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
