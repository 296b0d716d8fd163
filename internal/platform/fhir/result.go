package fhir

// Validation sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
	SourceCache  = "cache"
)

// Issues groups validator findings by severity.
type Issues struct {
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Information []string `json:"information"`
}

// ValidationResult is the outcome of validating a bundle, locally or against
// the external server.
type ValidationResult struct {
	IsValid            bool    `json:"is_valid"`
	BundleQualityScore float64 `json:"bundle_quality_score"`
	Issues             Issues  `json:"issues"`
	ValidationSource   string  `json:"validation_source"`
	ValidationResult   string  `json:"validation_result"`
}

// HasErrors reports whether any error-severity issues were found.
func (r *ValidationResult) HasErrors() bool { return len(r.Issues.Errors) > 0 }

// HasWarnings reports whether any warning-severity issues were found.
func (r *ValidationResult) HasWarnings() bool { return len(r.Issues.Warnings) > 0 }
