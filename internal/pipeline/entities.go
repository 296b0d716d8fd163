package pipeline

// Entities is the NLP-extracted clinical input to the pipeline.
type Entities struct {
	PatientInfo  map[string]interface{}   `json:"patient_info"`
	Medications  []map[string]interface{} `json:"medications"`
	Conditions   []map[string]interface{} `json:"conditions"`
	Procedures   []map[string]interface{} `json:"procedures"`
	Observations []map[string]interface{} `json:"observations"`
}

// IsEmpty reports whether no entity groups were supplied.
func (e *Entities) IsEmpty() bool {
	return len(e.PatientInfo) == 0 && len(e.Medications) == 0 &&
		len(e.Conditions) == 0 && len(e.Procedures) == 0 && len(e.Observations) == 0
}

// EntityCounts summarizes the input for result metadata.
func (e *Entities) EntityCounts() map[string]int {
	return map[string]int{
		"medications":  len(e.Medications),
		"conditions":   len(e.Conditions),
		"procedures":   len(e.Procedures),
		"observations": len(e.Observations),
	}
}

// StepTiming records one orchestrator step.
type StepTiming struct {
	Step       string  `json:"step"`
	DurationMs float64 `json:"duration_ms"`
}

// ProcessingMetadata describes how a request was handled.
type ProcessingMetadata struct {
	StartedAt    string         `json:"started_at"`
	CompletedAt  string         `json:"completed_at"`
	TotalMs      float64        `json:"total_ms"`
	SLAMet       bool           `json:"sla_met"`
	Steps        []StepTiming   `json:"steps"`
	EntityCounts map[string]int `json:"entity_counts"`
}

// QualityMetrics aggregates pipeline-level quality figures.
type QualityMetrics struct {
	ValidationSuccessRate float64 `json:"validation_success_rate"`
	AverageBundleQuality  float64 `json:"average_bundle_quality"`
	AverageProcessingMs   float64 `json:"average_processing_ms"`
	SuccessRateTargetMet  bool    `json:"success_rate_target_met"`
	ProcessingTargetMet   bool    `json:"processing_target_met"`
}

// SummaryPrep is the hand-off object for the downstream summarizer.
type SummaryPrep struct {
	PatientSummary    map[string]interface{}   `json:"patient_summary"`
	Medications       []map[string]interface{} `json:"medications"`
	Conditions        []map[string]interface{} `json:"conditions"`
	Procedures        []map[string]interface{} `json:"procedures"`
	BundleMetadata    map[string]interface{}   `json:"bundle_metadata"`
	QualityIndicators map[string]interface{}   `json:"quality_indicators"`
}
