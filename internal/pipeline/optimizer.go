package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

const (
	// optimizationAuditCap bounds the logged repairs in meta.optimization.
	optimizationAuditCap = 10
	// historyCap bounds the retained validation history.
	historyCap = 1000
	// trendWindow is the rolling window for the success trend.
	trendWindow = 10
	// maxPredictedProbability caps the predicted success probability.
	maxPredictedProbability = 0.95

	defaultBundleProfile = "http://hl7.org/fhir/StructureDefinition/Bundle"
)

// resourceDefaults fills missing required fields during optimization.
var resourceDefaults = map[string]map[string]interface{}{
	"Patient":                  {"active": true},
	"MedicationRequest":        {"status": "active", "intent": "order"},
	"MedicationAdministration": {"status": "completed"},
	"MedicationDispense":       {"status": "completed"},
	"MedicationStatement":      {"status": "active"},
	"Observation":              {"status": "final"},
	"DiagnosticReport":         {"status": "final"},
	"ServiceRequest":           {"status": "active", "intent": "order"},
	"Encounter":                {"status": "unknown"},
	"Goal":                     {"lifecycleStatus": "active"},
	"CarePlan":                 {"status": "active", "intent": "plan"},
	"CareTeam":                 {"status": "active"},
	"Consent":                  {"status": "active"},
	"Device":                   {"status": "active"},
	"AllergyIntolerance":       {},
	"RiskAssessment":           {"status": "final"},
	"Immunization":             {"status": "completed"},
}

// recommendedFields drives the 0.3 share of the completeness score.
var recommendedFields = map[string][]string{
	"Patient":            {"name", "gender", "birthDate", "identifier"},
	"MedicationRequest":  {"dosageInstruction", "authoredOn", "requester"},
	"Observation":        {"category", "effectiveDateTime", "valueQuantity"},
	"Condition":          {"clinicalStatus", "verificationStatus", "onsetDateTime"},
	"DiagnosticReport":   {"category", "effectiveDateTime", "conclusion"},
	"ServiceRequest":     {"priority", "category", "authoredOn"},
	"AllergyIntolerance": {"clinicalStatus", "criticality", "category"},
	"Encounter":          {"period", "reasonCode"},
	"CarePlan":           {"title", "period", "activity"},
	"Goal":               {"category", "priority", "target"},
	"Consent":            {"provision", "dateTime"},
}

// issueBuckets classify validation messages by substring.
var issueBuckets = []struct {
	name     string
	keywords []string
}{
	{"critical_errors", []string{"fatal", "exception", "critical"}},
	{"schema_violations", []string{"resourcetype", "unknown element", "structure", "cardinality"}},
	{"reference_errors", []string{"reference", "resolve", "target"}},
	{"code_system_issues", []string{"code", "system", "valueset", "terminology"}},
	{"missing_required_fields", []string{"required", "missing", "mandatory"}},
	{"data_format_issues", []string{"format", "date", "invalid value", "pattern"}},
	{"business_rule_violations", []string{"constraint", "invariant", "rule"}},
}

// errorPatterns extract recurring failure modes from validation messages.
var errorPatterns = []struct {
	name     string
	keywords []string
}{
	{"missing_required_field", []string{"missing required", "required field", "mandatory"}},
	{"unresolved_reference", []string{"unable to resolve", "reference", "dangling"}},
	{"invalid_code_value", []string{"invalid code", "unknown code", "not in value set"}},
	{"invalid_date_format", []string{"date", "datetime"}},
	{"invalid_identifier", []string{"identifier"}},
}

// BundleAnalysis is the optimizer's quality report for one bundle.
type BundleAnalysis struct {
	IssueBuckets        map[string][]string `json:"issue_buckets"`
	ErrorPatterns       map[string]int      `json:"error_patterns"`
	CompletenessScores  map[string]float64  `json:"completeness_scores"`
	OverallCompleteness float64             `json:"overall_completeness"`
	Suggestions         []string            `json:"suggestions"`
	QuickFixes          []string            `json:"quick_fixes"`
}

// QualityTrends summarizes recent validation outcomes.
type QualityTrends struct {
	TotalValidations  int       `json:"total_validations"`
	SuccessRate       float64   `json:"success_rate"`
	AverageQuality    float64   `json:"average_quality"`
	RecentTrend       []bool    `json:"recent_trend"`
	RecentSuccessRate float64   `json:"recent_success_rate"`
	LastValidationAt  time.Time `json:"last_validation_at"`
}

type validationRecord struct {
	valid   bool
	quality float64
	at      time.Time
}

// Optimizer patches bundles toward validation success and tracks quality
// history across requests.
type Optimizer struct {
	logger zerolog.Logger

	mu      sync.Mutex
	history []validationRecord
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(logger zerolog.Logger) *Optimizer {
	return &Optimizer{logger: logger}
}

// OptimizeBundle applies bundle-level patches, per-resource defaults, and
// reference repair. Repairs are recorded in meta.optimization, capped at 10
// entries. Optimizing an already-optimized bundle applies nothing new.
func (o *Optimizer) OptimizeBundle(bundle map[string]interface{}) map[string]interface{} {
	if bundle == nil {
		return nil
	}
	var applied []string
	record := func(msg string) {
		if len(applied) < optimizationAuditCap {
			applied = append(applied, msg)
		}
	}

	if _, ok := bundle["resourceType"]; !ok {
		bundle["resourceType"] = "Bundle"
		record("added resourceType Bundle")
	}
	if _, ok := bundle["type"]; !ok {
		bundle["type"] = fhirmodels.BundleTransaction
		record("defaulted bundle type to transaction")
	}
	if _, ok := bundle["id"]; !ok {
		bundle["id"] = "bundle-" + uuid.NewString()
		record("minted bundle id")
	}
	if _, ok := bundle["timestamp"]; !ok {
		bundle["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		record("filled bundle timestamp")
	}
	meta, _ := bundle["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		bundle["meta"] = meta
	}
	if _, ok := meta["profile"]; !ok {
		meta["profile"] = []interface{}{defaultBundleProfile}
		record("attached default bundle profile")
	}

	o.patchResources(bundle, record)
	o.repairReferences(bundle, record)

	meta["optimization"] = map[string]interface{}{
		"optimized_at":          time.Now().UTC().Format(time.RFC3339),
		"optimizations_applied": toInterfaceList(applied),
	}
	return bundle
}

func (o *Optimizer) patchResources(bundle map[string]interface{}, record func(string)) {
	for _, resource := range bundleResources(bundle) {
		rt := fhir.ResourceTypeOf(resource)
		defaults, ok := resourceDefaults[rt]
		if !ok {
			continue
		}
		for field, value := range defaults {
			if _, present := resource[field]; !present {
				resource[field] = value
				record(fmt.Sprintf("defaulted %s.%s", rt, field))
			}
		}
	}
}

// repairReferences retargets dangling Type/id references to the first
// bundle-present resource of the same type.
func (o *Optimizer) repairReferences(bundle map[string]interface{}, record func(string)) {
	present := make(map[string]bool)
	firstOfType := make(map[string]string)
	for _, resource := range bundleResources(bundle) {
		rt := fhir.ResourceTypeOf(resource)
		id := fhir.ResourceIDOf(resource)
		if rt == "" || id == "" {
			continue
		}
		key := rt + "/" + id
		present[key] = true
		if _, ok := firstOfType[rt]; !ok {
			firstOfType[rt] = key
		}
	}

	for _, resource := range bundleResources(bundle) {
		fhir.RewriteReferences(resource, func(ref string) (string, bool) {
			if strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") ||
				strings.HasPrefix(ref, "urn:") {
				return "", false
			}
			if present[ref] {
				return "", false
			}
			rt, _, ok := splitReference(ref)
			if !ok {
				return "", false
			}
			target, found := firstOfType[rt]
			if !found {
				return "", false
			}
			record(fmt.Sprintf("retargeted %s to %s", ref, target))
			return target, true
		})
	}
}

// AnalyzeBundle produces the quality report. When result is nil or empty the
// analysis is structural only: buckets and patterns stay empty and scores come
// from field completeness alone.
func (o *Optimizer) AnalyzeBundle(result *fhir.ValidationResult, bundle map[string]interface{}) BundleAnalysis {
	analysis := BundleAnalysis{
		IssueBuckets:       make(map[string][]string),
		ErrorPatterns:      make(map[string]int),
		CompletenessScores: make(map[string]float64),
	}

	if result != nil {
		messages := append([]string{}, result.Issues.Errors...)
		messages = append(messages, result.Issues.Warnings...)
		for _, msg := range messages {
			lowered := strings.ToLower(msg)
			for _, bucket := range issueBuckets {
				if containsAny(lowered, bucket.keywords) {
					analysis.IssueBuckets[bucket.name] = append(analysis.IssueBuckets[bucket.name], msg)
					break
				}
			}
			for _, pattern := range errorPatterns {
				if containsAny(lowered, pattern.keywords) {
					analysis.ErrorPatterns[pattern.name]++
					break
				}
			}
		}
	}

	total := 0.0
	count := 0
	for i, resource := range bundleResources(bundle) {
		rt := fhir.ResourceTypeOf(resource)
		score := completenessScore(rt, resource)
		analysis.CompletenessScores[fmt.Sprintf("%s[%d]", rt, i)] = score
		total += score
		count++
	}
	if count > 0 {
		analysis.OverallCompleteness = total / float64(count)
	}

	analysis.Suggestions, analysis.QuickFixes = suggest(analysis)
	return analysis
}

// completenessScore weighs required field presence at 0.7 and recommended
// field presence at 0.3.
func completenessScore(resourceType string, resource map[string]interface{}) float64 {
	required := fhir.RequiredFieldsFor(resourceType)
	requiredScore := 1.0
	if len(required) > 0 {
		present := 0
		for _, field := range required {
			if _, ok := resource[field]; ok {
				present++
			}
		}
		requiredScore = float64(present) / float64(len(required))
	}

	recommended := recommendedFields[resourceType]
	recommendedScore := 1.0
	if len(recommended) > 0 {
		present := 0
		for _, field := range recommended {
			if _, ok := resource[field]; ok {
				present++
			}
		}
		recommendedScore = float64(present) / float64(len(recommended))
	}
	return 0.7*requiredScore + 0.3*recommendedScore
}

func suggest(analysis BundleAnalysis) (suggestions, quickFixes []string) {
	if analysis.ErrorPatterns["missing_required_field"] > 0 {
		quickFixes = append(quickFixes, "run the optimizer to fill missing required fields with defaults")
	}
	if analysis.ErrorPatterns["unresolved_reference"] > 0 {
		quickFixes = append(quickFixes, "run reference repair to retarget dangling references")
	}
	if analysis.ErrorPatterns["invalid_code_value"] > 0 {
		suggestions = append(suggestions, "verify codes against their terminology system format rules")
	}
	if len(analysis.IssueBuckets["data_format_issues"]) > 0 {
		suggestions = append(suggestions, "normalize date fields to FHIR date forms")
	}
	if analysis.OverallCompleteness < 0.8 {
		suggestions = append(suggestions, "populate recommended fields to raise resource completeness")
	}
	return suggestions, quickFixes
}

// PredictSuccessProbability estimates the chance the external validator
// accepts the bundle, capped at 0.95.
func (o *Optimizer) PredictSuccessProbability(analysis BundleAnalysis) float64 {
	p := analysis.OverallCompleteness
	for _, bucket := range analysis.IssueBuckets {
		p -= 0.05 * float64(len(bucket))
	}
	if p < 0 {
		p = 0
	}
	if p > maxPredictedProbability {
		p = maxPredictedProbability
	}
	return p
}

// RecordValidation appends a validation outcome to the bounded history.
func (o *Optimizer) RecordValidation(valid bool, quality float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, validationRecord{valid: valid, quality: quality, at: time.Now().UTC()})
	if len(o.history) > historyCap {
		o.history = o.history[len(o.history)-historyCap:]
	}
}

// SuccessRate returns the fraction of recorded validations that passed.
func (o *Optimizer) SuccessRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return 0
	}
	passed := 0
	for _, r := range o.history {
		if r.valid {
			passed++
		}
	}
	return float64(passed) / float64(len(o.history))
}

// Trends returns the aggregate quality trends with a rolling-window trend.
func (o *Optimizer) Trends() QualityTrends {
	o.mu.Lock()
	defer o.mu.Unlock()

	trends := QualityTrends{TotalValidations: len(o.history)}
	if len(o.history) == 0 {
		return trends
	}

	passed := 0
	quality := 0.0
	for _, r := range o.history {
		if r.valid {
			passed++
		}
		quality += r.quality
	}
	trends.SuccessRate = float64(passed) / float64(len(o.history))
	trends.AverageQuality = quality / float64(len(o.history))
	trends.LastValidationAt = o.history[len(o.history)-1].at

	start := len(o.history) - trendWindow
	if start < 0 {
		start = 0
	}
	recentPassed := 0
	for _, r := range o.history[start:] {
		trends.RecentTrend = append(trends.RecentTrend, r.valid)
		if r.valid {
			recentPassed++
		}
	}
	if n := len(trends.RecentTrend); n > 0 {
		trends.RecentSuccessRate = float64(recentPassed) / float64(n)
	}
	return trends
}

func bundleResources(bundle map[string]interface{}) []map[string]interface{} {
	entries, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(entries))
	for _, item := range entries {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if resource, ok := entry["resource"].(map[string]interface{}); ok {
			out = append(out, resource)
		}
	}
	return out
}

func splitReference(ref string) (resourceType, id string, ok bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func toInterfaceList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
