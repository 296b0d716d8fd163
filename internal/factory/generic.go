package factory

import (
	"strings"
)

// GenericFactory is the fallback used when the feature flag for a specialized
// factory is off. It copies recognized input keys straight onto the resource
// and relies on the shared validation step for shape guarantees.
type GenericFactory struct {
	*base
}

// NewGenericFactory creates a GenericFactory.
func NewGenericFactory(deps Deps) *GenericFactory {
	f := &GenericFactory{}
	f.base = newBase("GenericFactory", deps, f, 0)
	return f
}

func (f *GenericFactory) supports(resourceType string) bool {
	if resourceType == "" {
		return false
	}
	first := resourceType[0]
	return first >= 'A' && first <= 'Z'
}

func (f *GenericFactory) requiredInput(string) []string { return nil }

func (f *GenericFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	resource := map[string]interface{}{"resourceType": rt}
	for key, value := range input {
		switch key {
		case "patient_ref", "patient_id":
			if ref := patientReference(input); ref != "" {
				resource["subject"] = referenceObject(ref)
			}
		case "resourceType", "resource_type":
		default:
			if strings.HasPrefix(key, "_") {
				continue
			}
			resource[key] = value
		}
	}

	// Minimal status defaults so the structural check passes.
	switch rt {
	case "Observation", "DiagnosticReport":
		if _, ok := resource["status"]; !ok {
			resource["status"] = "final"
		}
	case "MedicationRequest", "ServiceRequest":
		if _, ok := resource["status"]; !ok {
			resource["status"] = "active"
		}
		if _, ok := resource["intent"]; !ok {
			resource["intent"] = "order"
		}
	case "Encounter":
		if _, ok := resource["status"]; !ok {
			resource["status"] = "unknown"
		}
		if _, ok := resource["class"]; !ok {
			resource["class"] = map[string]interface{}{"code": "AMB"}
		}
	}
	return resource, nil
}
