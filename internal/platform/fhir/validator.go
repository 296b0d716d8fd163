package fhir

import (
	"fmt"
	"strings"
	"sync"
)

// requiredFields maps resource types to the fields that must be present for
// structural R4 conformance. Patient, Medication, Device, and Location have
// no minimums beyond resourceType.
var requiredFields = map[string][]string{
	"MedicationRequest":        {"subject", "medicationCodeableConcept"},
	"MedicationAdministration": {"subject", "medicationCodeableConcept", "status"},
	"Observation":              {"subject", "code", "status"},
	"ServiceRequest":           {"subject", "code", "status"},
	"Condition":                {"subject", "code"},
	"Encounter":                {"subject", "status", "class"},
	"DiagnosticReport":         {"subject", "code", "status"},
	"AllergyIntolerance":       {"patient", "code"},
	"CarePlan":                 {"subject", "status"},
	"Immunization":             {"patient", "vaccineCode", "status"},
}

// dateFieldNames are the resource fields validated against FHIR date forms.
var dateFieldNames = map[string]bool{
	"date":              true,
	"dateTime":          true,
	"effectiveDateTime": true,
	"authoredOn":        true,
	"created":           true,
}

// CustomValidator is an externally registered check invoked after the
// built-in rules. It returns a list of error messages.
type CustomValidator func(resource map[string]interface{}) []string

// Validator performs structural FHIR R4 validation of generic resource maps.
// Results are memoized on a canonical digest of the resource; the memo cache
// is unbounded and cleared on demand.
type Validator struct {
	mu         sync.Mutex
	cache      map[string][]string // digest -> error list (empty means valid)
	custom     []CustomValidator
	lastErrors []string
}

// NewValidator creates a Validator with an empty memo cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string][]string)}
}

// RegisterCustomValidator appends a custom check, invoked in registration order.
func (v *Validator) RegisterCustomValidator(fn CustomValidator) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custom = append(v.custom, fn)
}

// ValidateFHIRR4 runs all structural checks and reports validity. Error
// details for the most recent call are available from ValidationErrors.
func (v *Validator) ValidateFHIRR4(resource map[string]interface{}) bool {
	errs := v.Check(resource)
	v.mu.Lock()
	v.lastErrors = errs
	v.mu.Unlock()
	return len(errs) == 0
}

// ValidationErrors returns the error list accumulated by the most recent
// ValidateFHIRR4 call.
func (v *Validator) ValidationErrors() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.lastErrors))
	copy(out, v.lastErrors)
	return out
}

// Check runs the structural checks and returns the full error list without
// mutating the last-call state. Results are memoized per resource digest.
func (v *Validator) Check(resource map[string]interface{}) []string {
	digest := CanonicalDigest(resource)

	v.mu.Lock()
	if cached, ok := v.cache[digest]; ok {
		v.mu.Unlock()
		out := make([]string, len(cached))
		copy(out, cached)
		return out
	}
	custom := make([]CustomValidator, len(v.custom))
	copy(custom, v.custom)
	v.mu.Unlock()

	errs := v.check(resource)
	for _, fn := range custom {
		errs = append(errs, fn(resource)...)
	}

	v.mu.Lock()
	v.cache[digest] = errs
	v.mu.Unlock()

	out := make([]string, len(errs))
	copy(out, errs)
	return out
}

// ClearCache drops all memoized validation results.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string][]string)
}

func (v *Validator) check(resource map[string]interface{}) []string {
	var errs []string

	rt, ok := resource["resourceType"].(string)
	if !ok || rt == "" {
		return append(errs, "resourceType is required")
	}
	if !ValidResourceTypeName(rt) {
		errs = append(errs, fmt.Sprintf("resourceType %q is not a valid PascalCase identifier", rt))
	}

	if id, present := resource["id"]; present {
		idStr, isStr := id.(string)
		if !isStr || !ValidID(idStr) {
			errs = append(errs, fmt.Sprintf("id %v does not match [A-Za-z0-9._-]{1,64}", id))
		}
	}

	for _, field := range requiredFields[rt] {
		if _, present := resource[field]; !present {
			errs = append(errs, fmt.Sprintf("%s: missing required field %q", rt, field))
		}
	}

	errs = append(errs, checkIdentifiers(resource)...)
	errs = append(errs, checkNode(resource, rt)...)
	return errs
}

// checkIdentifiers validates the top-level identifier array: each identifier
// needs a non-empty value, and a system (when present) must be a URI.
func checkIdentifiers(resource map[string]interface{}) []string {
	var errs []string
	idents, ok := resource["identifier"].([]interface{})
	if !ok {
		return nil
	}
	for i, raw := range idents {
		ident, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		value, _ := ident["value"].(string)
		if value == "" {
			errs = append(errs, fmt.Sprintf("identifier[%d]: value must be non-empty", i))
		}
		if sys, present := ident["system"]; present {
			sysStr, _ := sys.(string)
			if !isURI(sysStr) {
				errs = append(errs, fmt.Sprintf("identifier[%d]: system %q is not a URI", i, sysStr))
			}
		}
	}
	return errs
}

// checkNode recursively validates references, coding shapes, and date fields
// throughout the resource tree.
func checkNode(node interface{}, path string) []string {
	var errs []string
	switch val := node.(type) {
	case map[string]interface{}:
		if ref, ok := val["reference"].(string); ok {
			if !ValidReference(ref) {
				errs = append(errs, fmt.Sprintf("%s: invalid reference %q", path, ref))
			}
		}
		_, hasSystem := val["system"]
		_, hasCode := val["code"]
		if hasSystem && hasCode {
			sys, _ := val["system"].(string)
			code, codeIsStr := val["code"].(string)
			if !isURI(sys) {
				errs = append(errs, fmt.Sprintf("%s: coding system %q is not a URI", path, sys))
			}
			if codeIsStr && code == "" {
				errs = append(errs, fmt.Sprintf("%s: coding code must be non-empty", path))
			}
		}
		for key, child := range val {
			childPath := path + "." + key
			if dateFieldNames[key] {
				if s, ok := child.(string); ok && !ValidDate(s) {
					errs = append(errs, fmt.Sprintf("%s: invalid date value %q", childPath, s))
				}
			}
			errs = append(errs, checkNode(child, childPath)...)
		}
	case []interface{}:
		for i, item := range val {
			errs = append(errs, checkNode(item, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return errs
}

func isURI(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "urn:") || strings.HasPrefix(s, "tel:")
}

// RequiredFieldsFor returns the structural required-field list for a resource
// type, or nil when the type has no minimums beyond resourceType.
func RequiredFieldsFor(resourceType string) []string {
	return requiredFields[resourceType]
}
