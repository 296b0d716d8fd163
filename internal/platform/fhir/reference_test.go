package fhir

import (
	"strings"
	"testing"
)

func TestCreateReferenceRoundTrip(t *testing.T) {
	m := NewReferenceManager()
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "patient-1",
	}
	ref, err := m.CreateReference(patient)
	if err != nil {
		t.Fatal(err)
	}
	if ref != "Patient/patient-1" {
		t.Errorf("ref = %q", ref)
	}
	resolved, ok := m.Resolve(ref)
	if !ok {
		t.Fatal("resolve failed")
	}
	if resolved["id"] != "patient-1" {
		t.Errorf("resolved wrong resource: %v", resolved)
	}
}

func TestCreateReferenceAssignsID(t *testing.T) {
	m := NewReferenceManager()
	obs := map[string]interface{}{"resourceType": "Observation"}
	ref, err := m.CreateReference(obs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, "Observation/Observation-") {
		t.Errorf("ref = %q", ref)
	}
	if obs["id"] == nil {
		t.Error("id not written back to resource")
	}
}

func TestCreateReferenceRequiresType(t *testing.T) {
	m := NewReferenceManager()
	if _, err := m.CreateReference(map[string]interface{}{"id": "x"}); err == nil {
		t.Fatal("expected error for missing resourceType")
	}
}

func TestCreateReferenceDict(t *testing.T) {
	m := NewReferenceManager()
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "p1",
		"name": []interface{}{
			map[string]interface{}{"family": "Doe", "given": []interface{}{"Jane"}},
		},
	}
	dict, err := m.CreateReferenceDict(patient)
	if err != nil {
		t.Fatal(err)
	}
	if dict["reference"] != "Patient/p1" {
		t.Errorf("reference = %v", dict["reference"])
	}
	if dict["display"] != "Jane Doe" {
		t.Errorf("display = %v", dict["display"])
	}
}

func TestReferenceIndices(t *testing.T) {
	m := NewReferenceManager()
	patient := map[string]interface{}{"resourceType": "Patient", "id": "p1"}
	if _, err := m.CreateReference(patient); err != nil {
		t.Fatal(err)
	}
	mr := map[string]interface{}{
		"resourceType": "MedicationRequest",
		"id":           "mr1",
		"subject":      map[string]interface{}{"reference": "Patient/p1"},
	}
	if _, err := m.CreateReference(mr); err != nil {
		t.Fatal(err)
	}

	from := m.ReferencesFrom("MedicationRequest/mr1")
	if len(from) != 1 || from[0] != "Patient/p1" {
		t.Errorf("from = %v", from)
	}
	to := m.ReferencesTo("Patient/p1")
	if len(to) != 1 || to[0] != "MedicationRequest/mr1" {
		t.Errorf("to = %v", to)
	}
}

func TestValidateReferenceIntegrity(t *testing.T) {
	m := NewReferenceManager()
	mr := map[string]interface{}{
		"resourceType": "MedicationRequest",
		"id":           "mr1",
		"subject":      map[string]interface{}{"reference": "Patient/missing"},
	}
	if _, err := m.CreateReference(mr); err != nil {
		t.Fatal(err)
	}
	dangling := m.ValidateReferenceIntegrity()
	if len(dangling) != 1 || !strings.Contains(dangling[0], "Patient/missing") {
		t.Errorf("dangling = %v", dangling)
	}

	// Registering the target clears the report.
	if _, err := m.CreateReference(map[string]interface{}{"resourceType": "Patient", "id": "missing"}); err != nil {
		t.Fatal(err)
	}
	if dangling := m.ValidateReferenceIntegrity(); len(dangling) != 0 {
		t.Errorf("dangling after fix = %v", dangling)
	}
}

func TestReferenceManagerClear(t *testing.T) {
	m := NewReferenceManager()
	if _, err := m.CreateReference(map[string]interface{}{"resourceType": "Patient", "id": "p1"}); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d", m.Count())
	}
	m.Clear()
	if m.Count() != 0 {
		t.Errorf("count after clear = %d", m.Count())
	}
	if _, ok := m.Resolve("Patient/p1"); ok {
		t.Error("resolve succeeded after clear")
	}
}
