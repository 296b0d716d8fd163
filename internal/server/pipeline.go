package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirflow/fhirflow/internal/platform/fhir"
)

// Pipeline runs the full entities-to-bundle pipeline and returns the
// ProcessingResult.
func (s *Server) Pipeline(c echo.Context) error {
	var req PipelineRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}
	if req.NLPEntities.IsEmpty() {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", "nlp_entities must contain at least one entity group")
	}

	validateBundle := true
	if req.ValidateBundle != nil {
		validateBundle = *req.ValidateBundle
	}
	if !s.cfg.FHIRValidationEnabled {
		validateBundle = false
	}
	rid := req.RequestID
	if rid == "" {
		rid = requestID(c)
	}

	result := s.orchestrator.Process(c.Request().Context(), req.NLPEntities, validateBundle, req.ExecuteBundle, rid)
	return c.JSON(http.StatusOK, result)
}

// PipelineStatus aggregates service health, quality, and performance into
// one snapshot.
func (s *Server) PipelineStatus(c echo.Context) error {
	health := s.registry.HealthCheck()
	trends := s.optimizer.Trends()
	snapshot := s.perf.Snapshot()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": map[string]interface{}{
			"initialized":    true,
			"factory_health": health,
			"factory_stats":  s.registry.AllStats(),
		},
		"quality":     trends,
		"performance": snapshot,
		"endpoints":   s.failover.Status(),
		"sla": map[string]interface{}{
			"threshold":       s.sla.Threshold().String(),
			"violations":      s.sla.ViolationCount(),
			"compliance_rate": s.sla.ComplianceRate(),
		},
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Optimize applies the quality optimizer to a caller-supplied bundle and
// returns the patched bundle with its analysis.
func (s *Server) Optimize(c echo.Context) error {
	var bundle map[string]interface{}
	if err := c.Bind(&bundle); err != nil {
		return bindError(c, err)
	}
	if bundle["resourceType"] != "Bundle" {
		return errorJSON(c, http.StatusBadRequest, "FHIRStructuralError", "body must be a FHIR Bundle")
	}

	optimized := s.optimizer.OptimizeBundle(bundle)
	analysis := s.optimizer.AnalyzeBundle(nil, optimized)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"optimized_bundle":    optimized,
		"analysis":            analysis,
		"success_probability": s.optimizer.PredictSuccessProbability(analysis),
	})
}

// QualityTrends returns the optimizer's validation history summary.
func (s *Server) QualityTrends(c echo.Context) error {
	return c.JSON(http.StatusOK, s.optimizer.Trends())
}

// PerformanceMetrics returns the performance manager snapshot plus
// endpoint-level SLA stats.
func (s *Server) PerformanceMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"performance":           s.perf.Snapshot(),
		"endpoint_stats":        s.sla.EndpointStats(),
		"recent_sla_violations": s.sla.RecentViolations(),
	})
}

// ClearCache empties the performance caches and the factory instance cache.
func (s *Server) ClearCache(c echo.Context) error {
	s.perf.ClearCaches()
	s.registry.ClearCache()
	s.logger.Info().Str("request_id", requestID(c)).Msg("caches cleared")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "cleared",
		"request_id": requestID(c),
	})
}

// FHIRStatus reports external FHIR server connectivity.
func (s *Server) FHIRStatus(c echo.Context) error {
	statuses := s.failover.Status()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"endpoints":                 statuses,
		"failover_events":           s.failover.FailoverEvents(),
		"meets_availability_target": s.failover.MeetsAvailabilityTarget(),
	})
}

// CapabilityStatement proxies the active FHIR server's metadata.
func (s *Server) CapabilityStatement(c echo.Context) error {
	capability, err := s.client.FetchCapabilityStatement(c.Request().Context(), requestID(c))
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "ExternalServerError", "FHIR server metadata unavailable")
	}
	return c.JSON(http.StatusOK, capability)
}

// Validate runs structural plus server validation on a bundle.
func (s *Server) Validate(c echo.Context) error {
	var req BundleRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}

	result, err := s.client.ValidateBundle(c.Request().Context(), req.FHIRBundle, requestID(c))
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "ExternalServerError", "")
	}
	s.optimizer.RecordValidation(result.IsValid, result.BundleQualityScore)
	if !result.IsValid && result.ValidationSource == fhir.SourceLocal {
		return c.JSON(http.StatusBadRequest, result)
	}
	return c.JSON(http.StatusOK, result)
}

// Execute submits a bundle as a transaction to the active FHIR server.
func (s *Server) Execute(c echo.Context) error {
	var req BundleRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}

	result, err := s.client.ExecuteBundle(c.Request().Context(), req.FHIRBundle, requestID(c), false, false)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "ExternalServerError", "")
	}
	return c.JSON(http.StatusOK, result)
}

// SummarizeBundle builds the summary-prep object for the external
// summarizer. Registered only when summarization is enabled.
func (s *Server) SummarizeBundle(c echo.Context) error {
	var req SummarizeRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}
	if req.Bundle["resourceType"] != "Bundle" {
		return errorJSON(c, http.StatusBadRequest, "FHIRStructuralError", "bundle must be a FHIR Bundle")
	}

	analysis := s.optimizer.AnalyzeBundle(nil, req.Bundle)
	entries, _ := req.Bundle["entry"].([]interface{})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_role": req.UserRole,
		"summary_prep": map[string]interface{}{
			"bundle_metadata": map[string]interface{}{
				"bundle_id":   req.Bundle["id"],
				"bundle_type": req.Bundle["type"],
				"entry_count": len(entries),
				"timestamp":   req.Bundle["timestamp"],
			},
			"quality_indicators": map[string]interface{}{
				"overall_completeness": analysis.OverallCompleteness,
				"suggestions":          analysis.Suggestions,
			},
		},
	})
}
