package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/factory"
	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/internal/platform/hapi"
	"github.com/fhirflow/fhirflow/internal/platform/perf"
)

// SLATarget is the end-to-end processing time target.
const SLATarget = 2 * time.Second

// ProcessingResult is the orchestrator's full per-request output.
type ProcessingResult struct {
	RequestID          string                   `json:"request_id"`
	Success            bool                     `json:"success"`
	ProcessingMetadata ProcessingMetadata       `json:"processing_metadata"`
	InputEntities      map[string]int           `json:"input_entities"`
	FHIRResources      []map[string]interface{} `json:"fhir_resources"`
	FHIRBundle         map[string]interface{}   `json:"fhir_bundle,omitempty"`
	ValidationResults  *fhir.ValidationResult   `json:"validation_results,omitempty"`
	ExecutionResults   *hapi.ExecutionResult    `json:"execution_results,omitempty"`
	QualityMetrics     QualityMetrics           `json:"quality_metrics"`
	SummaryPrep        *SummaryPrep             `json:"summary_prep,omitempty"`
	Errors             []string                 `json:"errors"`
	Warnings           []string                 `json:"warnings"`
}

// Orchestrator sequences resource creation, assembly, optimization,
// validation, and execution for one entity set.
type Orchestrator struct {
	registry  *factory.Registry
	assembler *Assembler
	optimizer *Optimizer
	client    *hapi.Client
	perf      *perf.Manager
	logger    zerolog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(registry *factory.Registry, assembler *Assembler, optimizer *Optimizer, client *hapi.Client, perfMgr *perf.Manager, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		assembler: assembler,
		optimizer: optimizer,
		client:    client,
		perf:      perfMgr,
		logger:    logger,
	}
}

// Process runs the pipeline: Patient first, then conditions, medications, and
// procedures/observations, then assembly, validation, and optional execution.
func (o *Orchestrator) Process(ctx context.Context, entities *Entities, validateBundle, executeBundle bool, requestID string) *ProcessingResult {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()

	result := &ProcessingResult{
		RequestID:     requestID,
		InputEntities: entities.EntityCounts(),
		Errors:        []string{},
		Warnings:      []string{},
	}
	result.ProcessingMetadata.StartedAt = start.UTC().Format(time.RFC3339)
	result.ProcessingMetadata.EntityCounts = entities.EntityCounts()

	opID := o.perf.StartTracking("pipeline", len(entities.Medications)+len(entities.Conditions)+len(entities.Procedures)+len(entities.Observations)+1)

	o.createResources(entities, requestID, result)

	if len(result.FHIRResources) > 0 {
		o.assemble(requestID, result)
	} else {
		result.Errors = append(result.Errors, "no resources could be created from the supplied entities")
	}

	if validateBundle && result.FHIRBundle != nil {
		o.validate(ctx, requestID, result)
	}

	if executeBundle && result.FHIRBundle != nil {
		if result.ValidationResults == nil || result.ValidationResults.IsValid {
			o.execute(ctx, requestID, result)
		} else {
			result.Warnings = append(result.Warnings, "execution skipped: bundle failed validation")
		}
	}

	o.buildSummaryPrep(entities, result)
	o.computeQualityMetrics(result)

	total := time.Since(start)
	result.ProcessingMetadata.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	result.ProcessingMetadata.TotalMs = float64(total.Microseconds()) / 1000.0
	result.ProcessingMetadata.SLAMet = total <= SLATarget

	result.Success = len(result.FHIRResources) > 0 && result.FHIRBundle != nil && len(result.Errors) == 0
	o.perf.EndTracking(opID, result.Success, false)

	o.logger.Info().
		Str("request_id", requestID).
		Bool("success", result.Success).
		Int("resources", len(result.FHIRResources)).
		Float64("total_ms", result.ProcessingMetadata.TotalMs).
		Bool("sla_met", result.ProcessingMetadata.SLAMet).
		Msg("pipeline request processed")
	return result
}

// createResources builds resources in the mandated order and returns the root
// patient reference.
func (o *Orchestrator) createResources(entities *Entities, requestID string, result *ProcessingResult) string {
	stepStart := time.Now()
	defer func() {
		result.ProcessingMetadata.Steps = append(result.ProcessingMetadata.Steps, StepTiming{
			Step:       "resource_creation",
			DurationMs: float64(time.Since(stepStart).Microseconds()) / 1000.0,
		})
	}()

	patientInput := map[string]interface{}{}
	for k, v := range entities.PatientInfo {
		patientInput[k] = v
	}
	patient, err := o.registry.Create("Patient", patientInput, requestID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("patient creation failed: %v", err))
		return ""
	}
	result.FHIRResources = append(result.FHIRResources, patient)
	patientRef := "Patient/" + fhir.ResourceIDOf(patient)

	allergies := entities.PatientInfo["known_allergies"]

	for i, condition := range entities.Conditions {
		input := withPatient(condition, patientRef)
		if name, ok := input["name"]; ok {
			input["condition_name"] = name
		}
		resource, err := o.registry.Create("Condition", input, requestID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("condition %d failed: %v", i, err))
			continue
		}
		result.FHIRResources = append(result.FHIRResources, resource)
	}

	for i, medication := range entities.Medications {
		input := withPatient(medication, patientRef)
		if name, ok := input["name"]; ok {
			input["medication_name"] = name
		}
		if allergies != nil {
			input["patient_allergies"] = allergies
		}
		resource, err := o.registry.Create("MedicationRequest", input, requestID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("medication %d failed: %v", i, err))
			continue
		}
		result.FHIRResources = append(result.FHIRResources, resource)
		collectSafetyAlerts(resource, result)
	}

	for i, procedure := range entities.Procedures {
		input := withPatient(procedure, patientRef)
		if code := stringField(input, "loinc_code"); code != "" {
			input["code"] = code
		}
		if name, ok := input["name"]; ok {
			input["service"] = name
		}
		resource, err := o.registry.Create("ServiceRequest", input, requestID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("procedure %d failed: %v", i, err))
			continue
		}
		result.FHIRResources = append(result.FHIRResources, resource)
	}

	for i, observation := range entities.Observations {
		input := withPatient(observation, patientRef)
		resource, err := o.registry.Create("Observation", input, requestID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("observation %d failed: %v", i, err))
			continue
		}
		result.FHIRResources = append(result.FHIRResources, resource)
	}
	return patientRef
}

func (o *Orchestrator) assemble(requestID string, result *ProcessingResult) {
	stepStart := time.Now()
	bundle, err := o.assembler.AssembleBundle(result.FHIRResources, requestID)
	result.ProcessingMetadata.Steps = append(result.ProcessingMetadata.Steps, StepTiming{
		Step:       "bundle_assembly",
		DurationMs: float64(time.Since(stepStart).Microseconds()) / 1000.0,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("bundle assembly failed: %v", err))
		return
	}
	result.FHIRBundle = bundle
}

func (o *Orchestrator) validate(ctx context.Context, requestID string, result *ProcessingResult) {
	stepStart := time.Now()
	validation, err := o.client.ValidateBundle(ctx, result.FHIRBundle, requestID)
	result.ProcessingMetadata.Steps = append(result.ProcessingMetadata.Steps, StepTiming{
		Step:       "validation",
		DurationMs: float64(time.Since(stepStart).Microseconds()) / 1000.0,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("validation failed: %v", err))
		return
	}
	result.ValidationResults = validation
	result.Warnings = append(result.Warnings, validation.Issues.Warnings...)
	o.optimizer.RecordValidation(validation.IsValid, validation.BundleQualityScore)
}

func (o *Orchestrator) execute(ctx context.Context, requestID string, result *ProcessingResult) {
	stepStart := time.Now()
	execution, err := o.client.ExecuteBundle(ctx, result.FHIRBundle, requestID, false, false)
	result.ProcessingMetadata.Steps = append(result.ProcessingMetadata.Steps, StepTiming{
		Step:       "execution",
		DurationMs: float64(time.Since(stepStart).Microseconds()) / 1000.0,
	})
	if err != nil {
		// Execution failure after successful validation is recorded, not fatal.
		result.Warnings = append(result.Warnings, fmt.Sprintf("execution failed: %v", err))
		return
	}
	result.ExecutionResults = execution
}

func (o *Orchestrator) buildSummaryPrep(entities *Entities, result *ProcessingResult) {
	prep := &SummaryPrep{
		PatientSummary: map[string]interface{}{
			"age":               entities.PatientInfo["age"],
			"gender":            entities.PatientInfo["gender"],
			"patient_reference": entities.PatientInfo["patient_ref"],
		},
		Medications: entities.Medications,
		Conditions:  entities.Conditions,
		Procedures:  entities.Procedures,
	}

	if result.FHIRBundle != nil {
		prep.BundleMetadata = map[string]interface{}{
			"bundle_id":   result.FHIRBundle["id"],
			"bundle_type": result.FHIRBundle["type"],
			"entry_count": len(bundleResources(result.FHIRBundle)),
			"timestamp":   result.FHIRBundle["timestamp"],
		}
	}

	indicators := map[string]interface{}{
		"validation_result":    "",
		"bundle_quality_score": 0.0,
		"validation_source":    "",
		"has_errors":           len(result.Errors) > 0,
		"has_warnings":         len(result.Warnings) > 0,
	}
	if v := result.ValidationResults; v != nil {
		indicators["validation_result"] = v.ValidationResult
		indicators["bundle_quality_score"] = v.BundleQualityScore
		indicators["validation_source"] = v.ValidationSource
	}
	prep.QualityIndicators = indicators
	result.SummaryPrep = prep
}

func (o *Orchestrator) computeQualityMetrics(result *ProcessingResult) {
	snapshot := o.perf.Snapshot()
	metrics := QualityMetrics{
		ValidationSuccessRate: o.optimizer.SuccessRate(),
		AverageProcessingMs:   snapshot.RecentAvgMs,
	}
	metrics.AverageBundleQuality = o.optimizer.Trends().AverageQuality
	metrics.SuccessRateTargetMet = metrics.ValidationSuccessRate >= 0.95
	metrics.ProcessingTargetMet = snapshot.RecentAvgMs <= float64(SLATarget.Milliseconds())
	result.QualityMetrics = metrics
}

// collectSafetyAlerts surfaces SAFETY ALERT notes as result warnings.
func collectSafetyAlerts(resource map[string]interface{}, result *ProcessingResult) {
	notes, _ := resource["note"].([]interface{})
	for _, item := range notes {
		note, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if text, _ := note["text"].(string); strings.HasPrefix(text, "SAFETY ALERT") {
			result.Warnings = append(result.Warnings, text)
		}
	}
}

func withPatient(entity map[string]interface{}, patientRef string) map[string]interface{} {
	input := make(map[string]interface{}, len(entity)+1)
	for k, v := range entity {
		input[k] = v
	}
	if patientRef != "" {
		input["patient_ref"] = patientRef
	}
	return input
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
