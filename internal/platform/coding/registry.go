// Package coding maps terminology system names to canonical URIs and builds
// validated Coding, CodeableConcept, and Quantity elements.
package coding

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Sentinel errors for coding failures.
var (
	ErrUnknownCodingSystem = errors.New("unknown coding system")
	ErrInvalidCodeFormat   = errors.New("invalid code format")
)

// Canonical URIs for the built-in terminology systems.
const (
	SystemLOINC    = "http://loinc.org"
	SystemSNOMED   = "http://snomed.info/sct"
	SystemRxNorm   = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC      = "http://hl7.org/fhir/sid/ndc"
	SystemICD10    = "http://hl7.org/fhir/sid/icd-10"
	SystemICD10CM  = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemICD10PCS = "http://www.cms.gov/Medicare/Coding/ICD10"
	SystemCPT      = "http://www.ama-assn.org/go/cpt"
	SystemUCUM     = "http://unitsofmeasure.org"
	SystemNPI      = "http://hl7.org/fhir/sid/us-npi"
	SystemCVX      = "http://hl7.org/fhir/sid/cvx"

	SystemV3ActCode           = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	SystemV3ActReason         = "http://terminology.hl7.org/CodeSystem/v3-ActReason"
	SystemV3RoleCode          = "http://terminology.hl7.org/CodeSystem/v3-RoleCode"
	SystemV3ParticipationType = "http://terminology.hl7.org/CodeSystem/v3-ParticipationType"
	SystemV2IdentifierType    = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemConditionClinical   = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionVerStatus  = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
	SystemAllergyClinical     = "http://terminology.hl7.org/CodeSystem/allergyintolerance-clinical"
	SystemRiskProbability     = "http://terminology.hl7.org/CodeSystem/risk-probability"
	SystemDiagnosticService   = "http://terminology.hl7.org/CodeSystem/v2-0074"
	SystemConsentScope        = "http://terminology.hl7.org/CodeSystem/consentscope"
	SystemConsentPolicy       = "http://terminology.hl7.org/CodeSystem/consentpolicycodes"
	SystemGoalCategory        = "http://terminology.hl7.org/CodeSystem/goal-category"
	SystemGoalAchievement     = "http://terminology.hl7.org/CodeSystem/goal-achievement"
	SystemGoalPriority        = "http://terminology.hl7.org/CodeSystem/goal-priority"
	SystemLocationPhysType    = "http://terminology.hl7.org/CodeSystem/location-physical-type"
	SystemServiceCategory     = "http://terminology.hl7.org/CodeSystem/service-category"
	SystemCarePlanActivity    = "http://terminology.hl7.org/CodeSystem/care-plan-activity-kind"
	SystemDICOMModality       = "http://dicom.nema.org/resources/ontology/DCM"
)

// builtinSystems maps friendly system names (lower-cased) to canonical URIs.
var builtinSystems = map[string]string{
	"loinc":                   SystemLOINC,
	"snomed":                  SystemSNOMED,
	"snomed ct":               SystemSNOMED,
	"snomedct":                SystemSNOMED,
	"sct":                     SystemSNOMED,
	"rxnorm":                  SystemRxNorm,
	"ndc":                     SystemNDC,
	"icd-10":                  SystemICD10,
	"icd10":                   SystemICD10,
	"icd-10-cm":               SystemICD10CM,
	"icd10cm":                 SystemICD10CM,
	"icd-10-pcs":              SystemICD10PCS,
	"icd10pcs":                SystemICD10PCS,
	"cpt":                     SystemCPT,
	"ucum":                    SystemUCUM,
	"npi":                     SystemNPI,
	"cvx":                     SystemCVX,
	"v3-actcode":              SystemV3ActCode,
	"v3-actreason":            SystemV3ActReason,
	"v3-rolecode":             SystemV3RoleCode,
	"v3-participationtype":    SystemV3ParticipationType,
	"v2-0203":                 SystemV2IdentifierType,
	"v2-0074":                 SystemDiagnosticService,
	"observation-category":    SystemObservationCategory,
	"condition-clinical":      SystemConditionClinical,
	"condition-ver-status":    SystemConditionVerStatus,
	"allergy-clinical":        SystemAllergyClinical,
	"risk-probability":        SystemRiskProbability,
	"consentscope":            SystemConsentScope,
	"consentpolicycodes":      SystemConsentPolicy,
	"goal-category":           SystemGoalCategory,
	"goal-achievement":        SystemGoalAchievement,
	"goal-priority":           SystemGoalPriority,
	"location-physical-type":  SystemLocationPhysType,
	"service-category":        SystemServiceCategory,
	"care-plan-activity-kind": SystemCarePlanActivity,
	"dcm":                     SystemDICOMModality,
}

// Per-system code format rules, keyed on canonical URI.
var codePatterns = map[string]*regexp.Regexp{
	SystemLOINC:   regexp.MustCompile(`^\d{1,5}-\d$`),
	SystemSNOMED:  regexp.MustCompile(`^\d{6,}$`),
	SystemRxNorm:  regexp.MustCompile(`^\d+$`),
	SystemICD10:   regexp.MustCompile(`^[A-Z]\d{2}(\.\d{1,4})?$`),
	SystemICD10CM: regexp.MustCompile(`^[A-Z]\d{2}(\.\d{1,4})?$`),
	SystemCPT:     regexp.MustCompile(`^\d{5}$`),
	SystemUCUM:    regexp.MustCompile(`^\S+$`),
	SystemCVX:     regexp.MustCompile(`^\d{1,3}$`),
}

// genericCodePattern is the fallback rule for systems without a specific one.
var genericCodePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const cacheCap = 256

// Registry resolves system names to URIs, enforces per-system code formats,
// and builds Coding / CodeableConcept / Quantity maps. Validation outcomes
// and built concepts are cached (bounded at 256 entries each, oldest entry
// evicted first at cap).
type Registry struct {
	mu              sync.Mutex
	customSystems   map[string]string
	customRules     map[string]*regexp.Regexp
	validations     map[string]error
	validationOrder []string
	concepts        map[string]map[string]interface{}
	conceptOrder    []string
}

// NewRegistry creates a Registry with the built-in system table.
func NewRegistry() *Registry {
	return &Registry{
		customSystems: make(map[string]string),
		customRules:   make(map[string]*regexp.Regexp),
		validations:   make(map[string]error),
		concepts:      make(map[string]map[string]interface{}),
	}
}

// RegisterCustomSystem adds a runtime system mapping. pattern may be empty,
// in which case the generic code rule applies.
func (r *Registry) RegisterCustomSystem(name, uri, pattern string) error {
	if name == "" || uri == "" {
		return fmt.Errorf("custom system requires name and uri")
	}
	var rule *regexp.Regexp
	if pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("custom system %q: %w", name, err)
		}
		rule = compiled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customSystems[strings.ToLower(name)] = uri
	if rule != nil {
		r.customRules[uri] = rule
	}
	return nil
}

// SystemURI resolves a system name or URI to a canonical URI.
func (r *Registry) SystemURI(nameOrURI string) (string, error) {
	if strings.HasPrefix(nameOrURI, "http://") || strings.HasPrefix(nameOrURI, "https://") ||
		strings.HasPrefix(nameOrURI, "urn:") {
		return nameOrURI, nil
	}
	key := strings.ToLower(strings.TrimSpace(nameOrURI))
	if uri, ok := builtinSystems[key]; ok {
		return uri, nil
	}
	r.mu.Lock()
	uri, ok := r.customSystems[key]
	r.mu.Unlock()
	if ok {
		return uri, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCodingSystem, nameOrURI)
}

// ValidateCode checks a code against the format rule of its system.
func (r *Registry) ValidateCode(system, code string) error {
	uri, err := r.SystemURI(system)
	if err != nil {
		return err
	}
	cacheKey := uri + "|" + code

	r.mu.Lock()
	if cached, ok := r.validations[cacheKey]; ok {
		r.mu.Unlock()
		return cached
	}
	rule := r.customRules[uri]
	r.mu.Unlock()

	result := validateAgainst(uri, code, rule)

	r.mu.Lock()
	if _, exists := r.validations[cacheKey]; !exists {
		if len(r.validations) >= cacheCap {
			oldest := r.validationOrder[0]
			r.validationOrder = r.validationOrder[1:]
			delete(r.validations, oldest)
		}
		r.validations[cacheKey] = result
		r.validationOrder = append(r.validationOrder, cacheKey)
	}
	r.mu.Unlock()
	return result
}

func validateAgainst(uri, code string, custom *regexp.Regexp) error {
	if code == "" {
		return fmt.Errorf("%w: empty code for system %s", ErrInvalidCodeFormat, uri)
	}
	if custom != nil {
		if !custom.MatchString(code) {
			return fmt.Errorf("%w: %q for system %s", ErrInvalidCodeFormat, code, uri)
		}
		return nil
	}
	if uri == SystemNDC {
		digits := strings.ReplaceAll(code, "-", "")
		if len(digits) != 10 && len(digits) != 11 {
			return fmt.Errorf("%w: NDC code %q must have 10 or 11 digits", ErrInvalidCodeFormat, code)
		}
		for _, c := range digits {
			if c < '0' || c > '9' {
				return fmt.Errorf("%w: NDC code %q must be numeric", ErrInvalidCodeFormat, code)
			}
		}
		return nil
	}
	pattern, ok := codePatterns[uri]
	if !ok {
		pattern = genericCodePattern
	}
	if !pattern.MatchString(code) {
		return fmt.Errorf("%w: %q for system %s", ErrInvalidCodeFormat, code, uri)
	}
	return nil
}

// Coding builds a validated Coding map.
func (r *Registry) Coding(system, code, display string) (map[string]interface{}, error) {
	uri, err := r.SystemURI(system)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateCode(uri, code); err != nil {
		return nil, err
	}
	c := map[string]interface{}{"system": uri, "code": code}
	if display != "" {
		c["display"] = display
	}
	return c, nil
}

// CodeableConcept builds a single-coding CodeableConcept. When text is empty
// the display serves as the text fallback.
func (r *Registry) CodeableConcept(system, code, display, text string) (map[string]interface{}, error) {
	cacheKey := strings.Join([]string{system, code, display, text}, "|")
	r.mu.Lock()
	if cached, ok := r.concepts[cacheKey]; ok {
		r.mu.Unlock()
		return cloneMap(cached), nil
	}
	r.mu.Unlock()

	c, err := r.Coding(system, code, display)
	if err != nil {
		return nil, err
	}
	concept := map[string]interface{}{"coding": []interface{}{c}}
	if text == "" {
		text = display
	}
	if text != "" {
		concept["text"] = text
	}

	r.mu.Lock()
	if _, exists := r.concepts[cacheKey]; !exists {
		if len(r.concepts) >= cacheCap {
			oldest := r.conceptOrder[0]
			r.conceptOrder = r.conceptOrder[1:]
			delete(r.concepts, oldest)
		}
		r.concepts[cacheKey] = concept
		r.conceptOrder = append(r.conceptOrder, cacheKey)
	}
	r.mu.Unlock()
	return cloneMap(concept), nil
}

// CodingSpec names one coding of a multi-system concept.
type CodingSpec struct {
	System  string
	Code    string
	Display string
}

// MultiCodingConcept builds a concept carrying codings from several systems.
// Order is preserved; the first coding supplies the text fallback.
func (r *Registry) MultiCodingConcept(specs []CodingSpec, text string) (map[string]interface{}, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one coding is required")
	}
	codings := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		c, err := r.Coding(spec.System, spec.Code, spec.Display)
		if err != nil {
			return nil, err
		}
		codings = append(codings, c)
	}
	concept := map[string]interface{}{"coding": codings}
	if text == "" {
		text = specs[0].Display
	}
	if text != "" {
		concept["text"] = text
	}
	return concept, nil
}

// Quantity builds a Quantity map. An empty system defaults to UCUM; the code
// defaults to the unit.
func (r *Registry) Quantity(value float64, unit, system, code string) (map[string]interface{}, error) {
	uri := SystemUCUM
	if system != "" {
		resolved, err := r.SystemURI(system)
		if err != nil {
			return nil, err
		}
		uri = resolved
	}
	if code == "" {
		code = unit
	}
	q := map[string]interface{}{"value": value, "system": uri}
	if unit != "" {
		q["unit"] = unit
	}
	if code != "" {
		q["code"] = code
	}
	return q, nil
}

// TextConcept builds a text-only CodeableConcept without any coding.
func TextConcept(text string) map[string]interface{} {
	return map[string]interface{}{"text": text}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
