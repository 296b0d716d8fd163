package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Convert accepts a raw clinical order. Entity extraction happens in the
// upstream NLP service; this endpoint validates and registers the order, and
// reports where the extracted entities should be submitted.
func (s *Server) Convert(c echo.Context) error {
	var req ConvertRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	req.ClinicalText = sanitizeText(req.ClinicalText)
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}

	rid := requestID(c)
	if rid == "" {
		rid = uuid.NewString()
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "accepted",
		"request_id":  rid,
		"patient_ref": req.PatientRef,
		"text_length": len(req.ClinicalText),
		"next_step":   "submit extracted entities to /fhir/pipeline",
		"received_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// ConvertExtended is the v1 conversion endpoint with ordering context. The
// entity-extraction and structured-output fields are placeholders until the
// upstream extractor posts results to /fhir/pipeline.
func (s *Server) ConvertExtended(c echo.Context) error {
	var req ExtendedConvertRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	req.ClinicalText = sanitizeText(req.ClinicalText)
	if err := s.validate.Struct(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", err.Error())
	}

	rid := requestID(c)
	if rid == "" {
		rid = uuid.NewString()
	}

	return c.JSON(http.StatusOK, s.extendedResult(rid, &req))
}

func (s *Server) extendedResult(rid string, req *ExtendedConvertRequest) map[string]interface{} {
	priority := req.Priority
	if priority == "" {
		priority = "routine"
	}
	return map[string]interface{}{
		"status":     "accepted",
		"request_id": rid,
		"order_context": map[string]interface{}{
			"priority":          priority,
			"ordering_provider": req.OrderingProvider,
			"department":        req.Department,
			"context_metadata":  req.ContextMetadata,
		},
		"entity_extraction": nil,
		"structured_output": nil,
		"validation": map[string]interface{}{
			"input_accepted": true,
			"text_length":    len(req.ClinicalText),
			"patient_ref":    req.PatientRef,
		},
		"metadata": map[string]interface{}{
			"received_at": time.Now().UTC().Format(time.RFC3339),
			"next_step":   "submit extracted entities to /fhir/pipeline",
		},
	}
}

// BulkConvert accepts 1..50 orders and returns per-order results plus a
// batch summary. Orders that fail input validation are reported individually
// without failing the batch.
func (s *Server) BulkConvert(c echo.Context) error {
	var req BulkConvertRequest
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}
	if len(req.Orders) == 0 {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", "orders must contain at least 1 order")
	}
	if len(req.Orders) > 50 {
		return errorJSON(c, http.StatusBadRequest, "InputValidationError", "orders must contain at most 50 orders")
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	results := make([]map[string]interface{}, 0, len(req.Orders))
	accepted := 0
	for i := range req.Orders {
		order := req.Orders[i]
		order.ClinicalText = sanitizeText(order.ClinicalText)
		orderID := uuid.NewString()
		if err := s.validate.Struct(&order); err != nil {
			results = append(results, map[string]interface{}{
				"status":     "rejected",
				"request_id": orderID,
				"error":      "InputValidationError",
				"detail":     err.Error(),
			})
			continue
		}
		accepted++
		results = append(results, s.extendedResult(orderID, &order))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"results":  results,
		"batch_summary": map[string]interface{}{
			"total":        len(req.Orders),
			"accepted":     accepted,
			"rejected":     len(req.Orders) - accepted,
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
