// Package factory builds FHIR R4 resources from flat clinical input objects.
// Each specialized factory normalizes human-oriented field names into
// conformant resource maps; a shared template handles input checks,
// validation, metadata, and timing.
package factory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/internal/platform/fhir"
)

// Version is stamped into resource meta for traceability.
const Version = "1.0.0"

// Factory creates FHIR resources of the types it supports.
type Factory interface {
	Name() string
	Supports(resourceType string) bool
	Create(resourceType string, input map[string]interface{}, requestID string) (map[string]interface{}, error)
	Stats() Stats
}

// Deps are the shared subsystems every factory uses.
type Deps struct {
	Coding    *coding.Registry
	Validator *fhir.Validator
	Refs      *fhir.ReferenceManager
	Logger    zerolog.Logger
}

// Stats are the per-factory creation counters.
type Stats struct {
	Created       int64   `json:"created"`
	Failed        int64   `json:"failed"`
	Validated     int64   `json:"validated"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// InputError marks a caller-supplied input problem (never retried).
type InputError struct {
	msg string
}

func (e *InputError) Error() string { return e.msg }

func inputErrorf(format string, args ...interface{}) *InputError {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

// IsInputError reports whether err is a factory input error.
func IsInputError(err error) bool {
	_, ok := err.(*InputError)
	return ok
}

// ValidationError carries the structural error list from a failed validation.
type ValidationError struct {
	ResourceType string
	Errors       []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.ResourceType, strings.Join(e.Errors, "; "))
}

// builder is implemented by each specialized factory. requiredInput lists the
// input-side keys the factory insists on, which may differ from the FHIR
// required fields.
type builder interface {
	supports(resourceType string) bool
	requiredInput(resourceType string) []string
	build(resourceType string, input map[string]interface{}) (map[string]interface{}, error)
}

// base implements the creation template shared by all factories:
// input check, build, structural validation, metadata, id, timing.
type base struct {
	name      string
	deps      Deps
	b         builder
	warnAfter time.Duration

	mu        sync.Mutex
	created   int64
	failed    int64
	validated int64
	totalDur  time.Duration
}

func newBase(name string, deps Deps, b builder, warnAfter time.Duration) *base {
	if warnAfter <= 0 {
		warnAfter = 100 * time.Millisecond
	}
	return &base{name: name, deps: deps, b: b, warnAfter: warnAfter}
}

func (f *base) Name() string { return f.name }

func (f *base) Supports(resourceType string) bool { return f.b.supports(resourceType) }

func (f *base) Create(resourceType string, input map[string]interface{}, requestID string) (map[string]interface{}, error) {
	start := time.Now()

	if len(input) == 0 {
		f.fail()
		return nil, inputErrorf("%s: input data is empty", f.name)
	}
	if !f.b.supports(resourceType) {
		f.fail()
		return nil, inputErrorf("%s does not support resource type %q", f.name, resourceType)
	}
	for _, key := range f.b.requiredInput(resourceType) {
		if !hasAnyKey(input, key) {
			f.fail()
			return nil, inputErrorf("%s: missing required input field %q for %s", f.name, key, resourceType)
		}
	}

	resource, err := f.b.build(resourceType, input)
	if err != nil {
		f.fail()
		return nil, err
	}

	if !f.deps.Validator.ValidateFHIRR4(resource) {
		f.fail()
		return nil, &ValidationError{ResourceType: resourceType, Errors: f.deps.Validator.ValidationErrors()}
	}

	if fhir.ResourceIDOf(resource) == "" {
		resource["id"] = fmt.Sprintf("%s-%s", resourceType, uuid.NewString())
	}
	meta := map[string]interface{}{
		"factory":    f.name,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"version":    Version,
	}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	resource["meta"] = meta

	if _, err := f.deps.Refs.CreateReference(resource); err != nil {
		f.fail()
		return nil, err
	}

	elapsed := time.Since(start)
	f.record(elapsed)
	if elapsed > f.warnAfter {
		f.deps.Logger.Warn().
			Str("factory", f.name).
			Str("resource_type", resourceType).
			Dur("elapsed", elapsed).
			Msg("slow resource creation")
	}
	return resource, nil
}

func (f *base) fail() {
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
}

func (f *base) record(d time.Duration) {
	f.mu.Lock()
	f.created++
	f.validated++
	f.totalDur += d
	f.mu.Unlock()
}

func (f *base) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{Created: f.created, Failed: f.failed, Validated: f.validated}
	if f.created > 0 {
		s.AvgDurationMs = float64(f.totalDur.Milliseconds()) / float64(f.created)
	}
	return s
}

// hasAnyKey checks for the key or any of its aliases separated by "|".
func hasAnyKey(input map[string]interface{}, key string) bool {
	for _, k := range strings.Split(key, "|") {
		if _, ok := input[k]; ok {
			return true
		}
	}
	return false
}

// stringValue fetches the first non-empty string among the given input keys.
func stringValue(input map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case fmt.Stringer:
				return s.String()
			case float64:
				return strings.TrimSuffix(fmt.Sprintf("%v", s), ".0")
			case int:
				return fmt.Sprintf("%d", s)
			}
		}
	}
	return ""
}

// floatValue fetches the first numeric value among the given input keys.
func floatValue(input map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			case int64:
				return float64(n), true
			}
		}
	}
	return 0, false
}

// listValue fetches the first list value among the given input keys.
func listValue(input map[string]interface{}, keys ...string) []interface{} {
	for _, k := range keys {
		if v, ok := input[k].([]interface{}); ok {
			return v
		}
	}
	return nil
}

// mapValue fetches the first map value among the given input keys.
func mapValue(input map[string]interface{}, keys ...string) map[string]interface{} {
	for _, k := range keys {
		if v, ok := input[k].(map[string]interface{}); ok {
			return v
		}
	}
	return nil
}

// boolValue fetches the first boolean among the given input keys.
func boolValue(input map[string]interface{}, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := input[k].(bool); ok {
			return v, true
		}
	}
	return false, false
}

// patientReference normalizes the patient reference aliases into a
// "Patient/<id>" reference string.
func patientReference(input map[string]interface{}) string {
	ref := stringValue(input, "patient_ref", "patient_id", "subject", "patient")
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "/") {
		return ref
	}
	return "Patient/" + ref
}

// referenceObject wraps a reference string into a FHIR Reference element.
func referenceObject(ref string) map[string]interface{} {
	return map[string]interface{}{"reference": ref}
}

// stringList converts an input value into a string slice, accepting either a
// single string or a list.
func stringList(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	}
	return nil
}

// normalizeToken lower-cases and trims an input token for table lookups.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
