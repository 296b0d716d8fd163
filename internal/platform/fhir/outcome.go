package fhir

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeThrottled    = "throttled"
	IssueTypeTooCostly    = "too-costly"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeCodeInvalid  = "code-invalid"
)

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// MultipleIssuesOutcome creates an OperationOutcome carrying several issues.
func MultipleIssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}

// HasErrors reports whether the outcome contains error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Messages flattens issue diagnostics into three lists by severity:
// errors, warnings, and information.
func (o *OperationOutcome) Messages() (errors, warnings, information []string) {
	for _, issue := range o.Issue {
		msg := issue.Diagnostics
		if msg == "" {
			msg = issue.Code
		}
		switch issue.Severity {
		case IssueSeverityError, IssueSeverityFatal:
			errors = append(errors, msg)
		case IssueSeverityWarning:
			warnings = append(warnings, msg)
		default:
			information = append(information, msg)
		}
	}
	return errors, warnings, information
}
