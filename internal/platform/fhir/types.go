package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Coding represents a FHIR Coding element.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept represents a FHIR CodeableConcept element. Coding order is
// meaningful: the preferred code system comes first.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Quantity represents a FHIR Quantity element.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// OperationOutcome is the FHIR resource used to convey processing issues.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single issue within an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// Bundle is the typed view of a FHIR Bundle used when parsing server
// responses. Bundles produced by the assembler are generic maps so the
// validator and optimizer can walk them uniformly.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is a single entry in a typed Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleRequest holds the request details for a transaction entry.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse holds the per-entry outcome of a processed transaction.
type BundleResponse struct {
	Status   string      `json:"status"`
	Location string      `json:"location,omitempty"`
	ETag     string      `json:"etag,omitempty"`
	Outcome  interface{} `json:"outcome,omitempty"`
}

// idPattern is the FHIR R4 constraint on logical resource ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// relativeRefPattern matches "ResourceType/id" with an optional version suffix.
var relativeRefPattern = regexp.MustCompile(`^[A-Z][A-Za-z]+/[A-Za-z0-9._-]{1,64}(/_history/[A-Za-z0-9._-]+)?$`)

// resourceTypePattern matches PascalCase FHIR resource type names.
var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// ValidID reports whether s is a valid FHIR logical id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// ValidResourceTypeName reports whether s is shaped like a FHIR resource type.
func ValidResourceTypeName(s string) bool {
	return resourceTypePattern.MatchString(s)
}

// ValidReference reports whether ref matches one of the permitted FHIR
// reference forms: "ResourceType/id", "#contained-id", an absolute URL, or
// "ResourceType/id/_history/version".
func ValidReference(ref string) bool {
	if ref == "" {
		return false
	}
	if strings.HasPrefix(ref, "#") {
		return ValidID(strings.TrimPrefix(ref, "#"))
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "urn:") {
		return true
	}
	return relativeRefPattern.MatchString(ref)
}

// FormatReference creates a relative FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits a reference into resource type and id. Absolute URLs
// are reduced to their last two path segments and "_history" suffixes are
// dropped, so "https://fhir.example.org/r4/Patient/p1/_history/2" parses the
// same as "Patient/p1". ok is false when the reference is contained, a
// urn, or otherwise not resolvable to Type/id.
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "urn:") {
		return "", "", false
	}
	ref = strings.TrimSuffix(ref, "/")
	parts := strings.Split(ref, "/")
	if n := len(parts); n >= 4 && parts[n-2] == "_history" {
		parts = parts[:n-2]
	}
	if len(parts) < 2 {
		return "", "", false
	}
	resourceType = parts[len(parts)-2]
	id = parts[len(parts)-1]
	if !resourceTypePattern.MatchString(resourceType) || !ValidID(id) {
		return "", "", false
	}
	return resourceType, id, true
}

// datePatterns are the four permitted FHIR date forms.
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}$`),
	regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`),
	regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])$`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`),
}

// ValidDate reports whether s matches one of the FHIR date forms
// (YYYY, YYYY-MM, YYYY-MM-DD, or full RFC3339 with offset).
func ValidDate(s string) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ExtractReferences recursively collects every reference string in a resource map.
func ExtractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// RewriteReferences walks a resource map and replaces reference strings
// according to rewrite. The rewrite function returns the replacement and
// whether a replacement should happen.
func RewriteReferences(resource map[string]interface{}, rewrite func(ref string) (string, bool)) {
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				if repl, changed := rewrite(ref); changed {
					val["reference"] = repl
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}

// ResourceTypeOf returns the resourceType tag of a resource map.
func ResourceTypeOf(resource map[string]interface{}) string {
	rt, _ := resource["resourceType"].(string)
	return rt
}

// ResourceIDOf returns the id of a resource map, if present.
func ResourceIDOf(resource map[string]interface{}) string {
	id, _ := resource["id"].(string)
	return id
}
