package fhir

import (
	"testing"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"patient-1", true},
		{"a", true},
		{"A.b_c-9", true},
		{"", false},
		{"has space", false},
		{"slash/bad", false},
		{"0123456789012345678901234567890123456789012345678901234567890123", true},  // 64
		{"01234567890123456789012345678901234567890123456789012345678901234", false}, // 65
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestValidReference(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"Patient/patient-1", true},
		{"MedicationRequest/m.1", true},
		{"Patient/p1/_history/2", true},
		{"#contained-1", true},
		{"https://fhir.example.org/r4/Patient/p1", true},
		{"urn:uuid:0a1b2c3d-0000-0000-0000-000000000000", true},
		{"", false},
		{"patient/p1", false},
		{"Patient", false},
		{"Patient/", false},
	}
	for _, tt := range tests {
		if got := ValidReference(tt.ref); got != tt.want {
			t.Errorf("ValidReference(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref      string
		wantType string
		wantID   string
		wantOK   bool
	}{
		{"Patient/p1", "Patient", "p1", true},
		{"Patient/p1/_history/2", "Patient", "p1", true},
		{"https://fhir.example.org/r4/Patient/p1", "Patient", "p1", true},
		{"https://fhir.example.org/r4/Patient/p1/_history/3", "Patient", "p1", true},
		{"#contained", "", "", false},
		{"urn:uuid:abc", "", "", false},
		{"justanid", "", "", false},
	}
	for _, tt := range tests {
		rt, id, ok := ParseReference(tt.ref)
		if rt != tt.wantType || id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParseReference(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.ref, rt, id, ok, tt.wantType, tt.wantID, tt.wantOK)
		}
	}
}

func TestValidDate(t *testing.T) {
	valid := []string{"1974", "1974-12", "1974-12-25", "2024-06-01T12:30:00Z", "2024-06-01T12:30:00.123+05:00"}
	for _, s := range valid {
		if !ValidDate(s) {
			t.Errorf("ValidDate(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "74", "1974-13", "1974-12-32", "12/25/1974", "2024-06-01T12:30:00"}
	for _, s := range invalid {
		if ValidDate(s) {
			t.Errorf("ValidDate(%q) = true, want false", s)
		}
	}
}

func TestExtractReferences(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "MedicationRequest",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
		"supportingInformation": []interface{}{
			map[string]interface{}{"reference": "Condition/c1"},
		},
	}
	refs := ExtractReferences(resource)
	if len(refs) != 2 {
		t.Fatalf("got %d references, want 2: %v", len(refs), refs)
	}
}

func TestRewriteReferences(t *testing.T) {
	resource := map[string]interface{}{
		"resourceType": "MedicationRequest",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
		"encounter":    map[string]interface{}{"reference": "Encounter/e1"},
	}
	RewriteReferences(resource, func(ref string) (string, bool) {
		if ref == "Patient/p1" {
			return "urn:uuid:abc", true
		}
		return "", false
	})
	subject := resource["subject"].(map[string]interface{})
	if subject["reference"] != "urn:uuid:abc" {
		t.Errorf("subject not rewritten: %v", subject["reference"])
	}
	encounter := resource["encounter"].(map[string]interface{})
	if encounter["reference"] != "Encounter/e1" {
		t.Errorf("encounter should be untouched: %v", encounter["reference"])
	}
}

func TestCanonicalDigestDeterministic(t *testing.T) {
	a := map[string]interface{}{
		"resourceType": "Patient",
		"active":       true,
		"name":         []interface{}{map[string]interface{}{"family": "Doe"}},
	}
	b := map[string]interface{}{
		"name":         []interface{}{map[string]interface{}{"family": "Doe"}},
		"active":       true,
		"resourceType": "Patient",
	}
	if CanonicalDigest(a) != CanonicalDigest(b) {
		t.Errorf("digest depends on key insertion order")
	}

	c := map[string]interface{}{"resourceType": "Patient", "active": false}
	if CanonicalDigest(a) == CanonicalDigest(c) {
		t.Errorf("digest collision across different resources")
	}
}

func TestDisplayFor(t *testing.T) {
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name": []interface{}{
			map[string]interface{}{"family": "Doe", "given": []interface{}{"Jane"}},
		},
	}
	if got := DisplayFor(patient); got != "Jane Doe" {
		t.Errorf("DisplayFor(patient) = %q", got)
	}

	condition := map[string]interface{}{
		"resourceType": "Condition",
		"id":           "c1",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"display": "Hypertension"},
			},
		},
	}
	if got := DisplayFor(condition); got != "Hypertension" {
		t.Errorf("DisplayFor(condition) = %q", got)
	}

	bare := map[string]interface{}{"resourceType": "Device", "id": "d1"}
	if got := DisplayFor(bare); got != "Device/d1" {
		t.Errorf("DisplayFor(bare) = %q", got)
	}
}
