package factory

import (
	"strings"
	"testing"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
)

func TestMedicationRequestWithRxNorm(t *testing.T) {
	f := NewMedicationFactory(testDeps(), true)
	req, err := f.Create("MedicationRequest", map[string]interface{}{
		"medication_name": "Metformin 500mg",
		"rxnorm_code":     "860975",
		"patient_ref":     "Patient/patient-1",
		"dosage":          "500mg",
		"frequency":       "twice daily",
		"route":           "oral",
	}, "req-42")
	if err != nil {
		t.Fatal(err)
	}

	if req["resourceType"] != "MedicationRequest" {
		t.Errorf("resourceType = %v", req["resourceType"])
	}
	if req["status"] != "active" || req["intent"] != "order" {
		t.Errorf("status = %v, intent = %v", req["status"], req["intent"])
	}

	subject := req["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/patient-1" {
		t.Errorf("subject = %v", subject)
	}

	concept := req["medicationCodeableConcept"].(map[string]interface{})
	c := concept["coding"].([]interface{})[0].(map[string]interface{})
	if c["system"] != coding.SystemRxNorm {
		t.Errorf("coding system = %v", c["system"])
	}
	if c["code"] != "860975" {
		t.Errorf("coding code = %v", c["code"])
	}

	instructions := req["dosageInstruction"].([]interface{})
	dosage := instructions[0].(map[string]interface{})
	timing := dosage["timing"].(map[string]interface{})
	repeat := timing["repeat"].(map[string]interface{})
	if repeat["frequency"] != 2 {
		t.Errorf("repeat = %v", repeat)
	}
	route := dosage["route"].(map[string]interface{})
	rc := route["coding"].([]interface{})[0].(map[string]interface{})
	if rc["code"] != "26643006" {
		t.Errorf("route code = %v", rc["code"])
	}
	if _, ok := req["note"]; ok {
		t.Error("note present without allergy conflicts")
	}
}

func TestMedicationRequestAllergyNote(t *testing.T) {
	f := NewMedicationFactory(testDeps(), true)
	req, err := f.Create("MedicationRequest", map[string]interface{}{
		"medication_name":   "Amoxicillin 875mg",
		"patient_ref":       "Patient/patient-2",
		"patient_allergies": []interface{}{"Penicillin"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	notes, ok := req["note"].([]interface{})
	if !ok || len(notes) == 0 {
		t.Fatal("allergy conflict produced no note")
	}
	text := notes[0].(map[string]interface{})["text"].(string)
	if !strings.HasPrefix(text, "SAFETY ALERT") {
		t.Errorf("note = %q", text)
	}
	if !strings.Contains(text, "Penicillin") {
		t.Errorf("note does not name the allergy: %q", text)
	}
}

func TestMedicationRequestSafetyChecksDisabled(t *testing.T) {
	f := NewMedicationFactory(testDeps(), false)
	req, err := f.Create("MedicationRequest", map[string]interface{}{
		"medication_name":   "Amoxicillin 875mg",
		"patient_ref":       "Patient/patient-2",
		"patient_allergies": []interface{}{"Penicillin"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := req["note"]; ok {
		t.Error("allergy scan ran with safety checks disabled")
	}
}

func TestMedicationRequestMissingPatient(t *testing.T) {
	f := NewMedicationFactory(testDeps(), true)
	_, err := f.Create("MedicationRequest", map[string]interface{}{
		"medication_name": "Metformin",
	}, "")
	if !IsInputError(err) {
		t.Fatalf("err = %v, want input error", err)
	}
}

func TestMedicationTextOnlyConcept(t *testing.T) {
	f := NewMedicationFactory(testDeps(), true)
	med, err := f.Create("Medication", map[string]interface{}{
		"medication_name": "Custom Compound 1%",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	code := med["code"].(map[string]interface{})
	if code["text"] != "Custom Compound 1%" {
		t.Errorf("code = %v", code)
	}
	if _, ok := code["coding"]; ok {
		t.Error("text-only concept has coding")
	}
	if med["status"] != "active" {
		t.Errorf("status = %v", med["status"])
	}
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		freq     string
		wantFreq int
		wantUnit string
	}{
		{"twice daily", 2, "d"},
		{"BID", 2, "d"},
		{"q8h", 1, "h"},
		{"once weekly", 1, "wk"},
		{" Daily ", 1, "d"},
	}
	for _, tt := range tests {
		repeat := ParseFrequency(tt.freq)
		if repeat == nil {
			t.Errorf("ParseFrequency(%q) = nil", tt.freq)
			continue
		}
		if repeat["frequency"] != tt.wantFreq || repeat["periodUnit"] != tt.wantUnit {
			t.Errorf("ParseFrequency(%q) = %v", tt.freq, repeat)
		}
	}
	if ParseFrequency("whenever") != nil {
		t.Error("unknown frequency did not return nil")
	}
}

func TestParseFrequencyReturnsCopy(t *testing.T) {
	first := ParseFrequency("prn")
	first["asNeeded"] = false
	second := ParseFrequency("prn")
	if second["asNeeded"] != true {
		t.Error("mutating a parsed frequency leaked into the table")
	}
}

func TestParseDoseQuantity(t *testing.T) {
	tests := []struct {
		in        string
		wantValue float64
		wantUnit  string
		wantOK    bool
	}{
		{"500mg", 500, "mg", true},
		{"10 mg", 10, "mg", true},
		{"0.5 mL", 0.5, "mL", true},
		{"2 puffs", 2, "puffs", true},
		{"", 0, "", false},
		{"mg", 0, "", false},
		{"one tablet", 0, "", false},
	}
	for _, tt := range tests {
		value, unit, ok := ParseDoseQuantity(tt.in)
		if ok != tt.wantOK || value != tt.wantValue || unit != tt.wantUnit {
			t.Errorf("ParseDoseQuantity(%q) = %v, %q, %v", tt.in, value, unit, ok)
		}
	}
}

func TestCheckAllergyConflicts(t *testing.T) {
	direct := CheckAllergyConflicts("Penicillin VK", []string{"penicillin"})
	if len(direct) != 1 || !strings.HasPrefix(direct[0], "SAFETY ALERT") {
		t.Errorf("direct conflict = %v", direct)
	}

	cross := CheckAllergyConflicts("Amoxicillin", []string{"Penicillin allergy"})
	if len(cross) != 1 || !strings.Contains(cross[0], "cross-reactive") {
		t.Errorf("cross-reactive conflict = %v", cross)
	}

	if alerts := CheckAllergyConflicts("Metformin", []string{"Penicillin", "Sulfa"}); alerts != nil {
		t.Errorf("false positive: %v", alerts)
	}
	if alerts := CheckAllergyConflicts("", []string{"Penicillin"}); alerts != nil {
		t.Errorf("empty medication produced alerts: %v", alerts)
	}
}

func TestNormalizeMedicationStatus(t *testing.T) {
	if got := normalizeStatus("MedicationRequest", "STOPPED"); got != "stopped" {
		t.Errorf("got %q", got)
	}
	if got := normalizeStatus("MedicationRequest", "bogus"); got != "active" {
		t.Errorf("default = %q", got)
	}
	if got := normalizeStatus("MedicationAdministration", ""); got != "completed" {
		t.Errorf("administration default = %q", got)
	}
}

func TestMedicationDispenseQuantities(t *testing.T) {
	f := NewMedicationFactory(testDeps(), true)
	disp, err := f.Create("MedicationDispense", map[string]interface{}{
		"medication_name": "Lisinopril 10mg",
		"patient_ref":     "patient-3",
		"quantity":        30,
		"quantity_unit":   "tablets",
		"days_supply":     30,
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	qty := disp["quantity"].(map[string]interface{})
	if qty["value"] != 30.0 {
		t.Errorf("quantity = %v", qty)
	}
	days := disp["daysSupply"].(map[string]interface{})
	if days["value"] != 30.0 {
		t.Errorf("daysSupply = %v", days)
	}
	subject := disp["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/patient-3" {
		t.Errorf("subject = %v", subject)
	}
}
