package factory

import (
	"strings"
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

var consentStatuses = map[string]bool{
	fhirmodels.ConsentActive: true, fhirmodels.ConsentInactive: true,
	fhirmodels.ConsentDraft: true, fhirmodels.ConsentRejected: true,
	"proposed": true, "entered-in-error": true,
}

// consentCategoryLOINC maps named consent categories to LOINC document codes.
var consentCategoryLOINC = map[string][2]string{
	"hipaa":    {"59284-0", "Patient Consent"},
	"research": {"64292-6", "Release of information consent"},
}

// ConsentFactory builds FHIR R4 Consent resources with privacy provisions.
type ConsentFactory struct {
	*base
}

// NewConsentFactory creates a ConsentFactory.
func NewConsentFactory(deps Deps) *ConsentFactory {
	f := &ConsentFactory{}
	f.base = newBase("ConsentFactory", deps, f, 0)
	return f
}

func (f *ConsentFactory) supports(rt string) bool { return rt == "Consent" }

func (f *ConsentFactory) requiredInput(string) []string {
	return []string{"patient_id|patient_ref|patient"}
}

func (f *ConsentFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	if rt != "Consent" {
		return nil, inputErrorf("ConsentFactory: unsupported type %q", rt)
	}

	patientID := stringValue(input, "patient_id", "patient_ref", "patient")
	if !strings.HasPrefix(patientID, "Patient/") {
		return nil, inputErrorf("ConsentFactory: patient_id must begin with Patient/, got %q", patientID)
	}

	status := normalizeToken(stringValue(input, "status"))
	if !consentStatuses[status] {
		status = fhirmodels.ConsentActive
	}

	scope := stringValue(input, "scope")
	if scope == "" {
		scope = "patient-privacy"
	}
	scopeConcept, err := f.deps.Coding.CodeableConcept("consentscope", scope, scope, scope)
	if err != nil {
		return nil, inputErrorf("ConsentFactory: %v", err)
	}

	categories, err := f.buildCategories(input)
	if err != nil {
		return nil, err
	}

	dateTime := stringValue(input, "date_time")
	if dateTime == "" {
		dateTime = time.Now().UTC().Format(time.RFC3339)
	}

	policyRule := strings.ToUpper(strings.TrimSpace(stringValue(input, "policy_rule")))
	switch policyRule {
	case fhirmodels.PolicyOptIn, fhirmodels.PolicyOptOut:
	case "":
		policyRule = fhirmodels.PolicyOptIn
	default:
		return nil, inputErrorf("ConsentFactory: policy_rule must be OPTIN or OPTOUT, got %q", policyRule)
	}
	policyConcept, err := f.deps.Coding.CodeableConcept("consentpolicycodes", policyRule, policyRule, policyRule)
	if err != nil {
		return nil, err
	}

	consent := map[string]interface{}{
		"resourceType": "Consent",
		"status":       status,
		"scope":        scopeConcept,
		"category":     categories,
		"patient":      referenceObject(patientID),
		"dateTime":     dateTime,
		"policyRule":   policyConcept,
	}

	if provision, err := f.buildProvision(input); err != nil {
		return nil, err
	} else if provision != nil {
		consent["provision"] = provision
	}
	return consent, nil
}

func (f *ConsentFactory) buildCategories(input map[string]interface{}) ([]interface{}, error) {
	names := stringList(input["category"])
	if len(names) == 0 {
		names = []string{"hipaa"}
	}
	out := make([]interface{}, 0, len(names))
	for _, name := range names {
		if entry, ok := consentCategoryLOINC[normalizeToken(name)]; ok {
			concept, err := f.deps.Coding.CodeableConcept("loinc", entry[0], entry[1], name)
			if err != nil {
				return nil, err
			}
			out = append(out, concept)
		} else {
			out = append(out, coding.TextConcept(name))
		}
	}
	return out, nil
}

// buildProvision assembles the provision object. FHIR R4 models provision as a
// single object, not an array.
func (f *ConsentFactory) buildProvision(input map[string]interface{}) (map[string]interface{}, error) {
	provision := map[string]interface{}{}

	if purposes := stringList(input["purpose"]); len(purposes) > 0 {
		codings := make([]interface{}, 0, len(purposes))
		for _, p := range purposes {
			c, err := f.deps.Coding.Coding("v3-actreason", strings.ToUpper(p), p)
			if err != nil {
				return nil, inputErrorf("ConsentFactory: %v", err)
			}
			codings = append(codings, c)
		}
		provision["purpose"] = codings
	}

	if actorID := stringValue(input, "actor_id"); actorID != "" {
		role := stringValue(input, "actor_role")
		if role == "" {
			role = "PROV"
		}
		roleConcept, err := f.deps.Coding.CodeableConcept("v3-rolecode", strings.ToUpper(role), role, role)
		if err != nil {
			return nil, inputErrorf("ConsentFactory: %v", err)
		}
		provision["actor"] = []interface{}{map[string]interface{}{
			"role":      roleConcept,
			"reference": referenceObject(actorID),
		}}
	}

	start := stringValue(input, "period_start")
	end := stringValue(input, "period_end")
	if start != "" || end != "" {
		period := map[string]interface{}{}
		if start != "" {
			period["start"] = start
		}
		if end != "" {
			period["end"] = end
		}
		provision["period"] = period
	}

	if len(provision) == 0 {
		return nil, nil
	}
	return provision, nil
}

// IsConsentActive reports whether the consent status is active and its
// provision validity period, if present, includes now.
func IsConsentActive(consent map[string]interface{}, now time.Time) bool {
	if status, _ := consent["status"].(string); status != fhirmodels.ConsentActive {
		return false
	}
	provision, _ := consent["provision"].(map[string]interface{})
	if provision == nil {
		return true
	}
	period, _ := provision["period"].(map[string]interface{})
	if period == nil {
		return true
	}
	if start, ok := period["start"].(string); ok && start != "" {
		if t, err := parseConsentTime(start); err == nil && now.Before(t) {
			return false
		}
	}
	if end, ok := period["end"].(string); ok && end != "" {
		if t, err := parseConsentTime(end); err == nil && now.After(t) {
			return false
		}
	}
	return true
}

// CheckConsent evaluates whether a consent permits an action for the given
// purpose and actor. Every present restriction must pass, and the policy rule
// must be opt-in.
func CheckConsent(consent map[string]interface{}, purpose, actorID string) bool {
	if !IsConsentActive(consent, time.Now().UTC()) {
		return false
	}

	provision, _ := consent["provision"].(map[string]interface{})
	if provision != nil {
		if purposes, ok := provision["purpose"].([]interface{}); ok && len(purposes) > 0 {
			found := false
			for _, item := range purposes {
				c, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				if code, _ := c["code"].(string); strings.EqualFold(code, purpose) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if actors, ok := provision["actor"].([]interface{}); ok && len(actors) > 0 {
			found := false
			for _, item := range actors {
				a, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				ref, _ := a["reference"].(map[string]interface{})
				if ref == nil {
					continue
				}
				if r, _ := ref["reference"].(string); r == actorID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}

	rule, _ := consent["policyRule"].(map[string]interface{})
	if rule == nil {
		return false
	}
	codings, _ := rule["coding"].([]interface{})
	for _, item := range codings {
		c, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if code, _ := c["code"].(string); code == fhirmodels.PolicyOptIn {
			return true
		}
	}
	return false
}

func parseConsentTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
