package server

import (
	"strings"
	"unicode"

	"github.com/fhirflow/fhirflow/internal/pipeline"
)

// ConvertRequest is the basic order-conversion input.
type ConvertRequest struct {
	ClinicalText string `json:"clinical_text" validate:"required,min=5,max=5000"`
	PatientRef   string `json:"patient_ref" validate:"omitempty,patientref"`
}

// ExtendedConvertRequest adds ordering context to the basic input.
type ExtendedConvertRequest struct {
	ClinicalText     string                 `json:"clinical_text" validate:"required,min=5,max=5000"`
	PatientRef       string                 `json:"patient_ref" validate:"omitempty,patientref"`
	Priority         string                 `json:"priority" validate:"omitempty,oneof=routine urgent stat asap"`
	OrderingProvider string                 `json:"ordering_provider" validate:"omitempty,max=200"`
	Department       string                 `json:"department" validate:"omitempty,max=200"`
	ContextMetadata  map[string]interface{} `json:"context_metadata"`
}

// BulkConvertRequest carries up to 50 orders in one call.
type BulkConvertRequest struct {
	Orders            []ExtendedConvertRequest `json:"orders" validate:"required,min=1,max=50,dive"`
	BatchID           string                   `json:"batch_id" validate:"omitempty,max=100"`
	ProcessingOptions map[string]interface{}   `json:"processing_options"`
}

// PipelineRequest is the direct entities-to-bundle input.
type PipelineRequest struct {
	NLPEntities    *pipeline.Entities `json:"nlp_entities" validate:"required"`
	ValidateBundle *bool              `json:"validate_bundle"`
	ExecuteBundle  bool               `json:"execute_bundle"`
	RequestID      string             `json:"request_id" validate:"omitempty,max=100"`
}

// BundleRequest wraps a bundle for /validate and /execute.
type BundleRequest struct {
	FHIRBundle map[string]interface{} `json:"fhir_bundle" validate:"required"`
}

// SummarizeRequest is the hand-off input for the downstream summarizer.
type SummarizeRequest struct {
	Bundle   map[string]interface{} `json:"bundle" validate:"required"`
	UserRole string                 `json:"user_role" validate:"omitempty,max=50"`
}

// sanitizeText strips control characters and trims surrounding whitespace.
// Clinical text passes through to the upstream extractor; it must not carry
// terminal escapes or NUL bytes.
func sanitizeText(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	return strings.TrimSpace(cleaned)
}
