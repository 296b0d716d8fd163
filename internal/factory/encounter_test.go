package factory

import (
	"testing"
)

func TestEncounterDefaults(t *testing.T) {
	f := NewEncounterFactory(testDeps())
	enc, err := f.Create("Encounter", map[string]interface{}{
		"patient_ref": "Patient/patient-1",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if enc["status"] != "in-progress" {
		t.Errorf("status = %v", enc["status"])
	}
	class := enc["class"].(map[string]interface{})
	if class["code"] != "AMB" {
		t.Errorf("class = %v", class)
	}
}

func TestEncounterClassMapping(t *testing.T) {
	f := NewEncounterFactory(testDeps())
	enc, err := f.Create("Encounter", map[string]interface{}{
		"patient_ref": "Patient/patient-1",
		"class":       "telehealth",
		"status":      "finished",
		"reason":      "follow-up visit",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	class := enc["class"].(map[string]interface{})
	if class["code"] != "VR" {
		t.Errorf("class = %v", class)
	}
	if enc["status"] != "finished" {
		t.Errorf("status = %v", enc["status"])
	}
	reasons := enc["reasonCode"].([]interface{})
	if reasons[0].(map[string]interface{})["text"] != "follow-up visit" {
		t.Errorf("reasonCode = %v", reasons)
	}
}

func TestInferGoalCategory(t *testing.T) {
	tests := []struct {
		description string
		want        string
		found       bool
	}{
		{"Improve diet and nutrition", "dietary", true},
		{"Reduce fall risk at home", "safety", true},
		{"Quit smoking by June", "behavioral", true},
		{"Improve mobility after surgery", "physiotherapy", true},
		{"Feel better", "", false},
	}
	for _, tt := range tests {
		got, found := InferGoalCategory(tt.description)
		if got != tt.want || found != tt.found {
			t.Errorf("InferGoalCategory(%q) = %q, %v", tt.description, got, found)
		}
	}
}

func TestGoalWithTargets(t *testing.T) {
	f := NewEncounterFactory(testDeps())
	goal, err := f.Create("Goal", map[string]interface{}{
		"description": "Lower HbA1c below 7 percent",
		"patient_ref": "Patient/patient-1",
		"priority":    "high",
		"targets": []interface{}{
			map[string]interface{}{
				"measure":         "hba1c",
				"detail_quantity": 7,
				"unit":            "%",
				"due_date":        "2026-12-31",
			},
		},
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	if goal["lifecycleStatus"] != "active" {
		t.Errorf("lifecycleStatus = %v", goal["lifecycleStatus"])
	}
	priority := goal["priority"].(map[string]interface{})
	pc := priority["coding"].([]interface{})[0].(map[string]interface{})
	if pc["code"] != "high-priority" {
		t.Errorf("priority = %v", pc["code"])
	}

	targets := goal["target"].([]interface{})
	target := targets[0].(map[string]interface{})
	measure := target["measure"].(map[string]interface{})
	mc := measure["coding"].([]interface{})[0].(map[string]interface{})
	if mc["code"] != "4548-4" {
		t.Errorf("measure = %v", mc["code"])
	}
	q := target["detailQuantity"].(map[string]interface{})
	if q["value"] != 7.0 {
		t.Errorf("detailQuantity = %v", q)
	}
	if target["dueDate"] != "2026-12-31" {
		t.Errorf("dueDate = %v", target["dueDate"])
	}
}

func TestGoalTargetRejectsMultipleDetailForms(t *testing.T) {
	f := NewEncounterFactory(testDeps())
	_, err := f.Create("Goal", map[string]interface{}{
		"description": "Lower blood pressure",
		"patient_ref": "Patient/patient-1",
		"targets": []interface{}{
			map[string]interface{}{
				"detail_quantity": 120,
				"detail_range": map[string]interface{}{
					"low":  map[string]interface{}{"value": 110},
					"high": map[string]interface{}{"value": 130},
				},
			},
		},
	}, "")
	if !IsInputError(err) {
		t.Fatalf("err = %v, want input error", err)
	}
}

func TestCareTeamParticipants(t *testing.T) {
	f := NewEncounterFactory(testDeps())
	team, err := f.Create("CareTeam", map[string]interface{}{
		"patient_ref": "Patient/patient-1",
		"name":        "Diabetes care team",
		"participants": []interface{}{
			map[string]interface{}{"member_ref": "Practitioner/doc-1", "role": "endocrinologist"},
		},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if team["name"] != "Diabetes care team" {
		t.Errorf("name = %v", team["name"])
	}
	participants := team["participant"].([]interface{})
	member := participants[0].(map[string]interface{})["member"].(map[string]interface{})
	if member["reference"] != "Practitioner/doc-1" {
		t.Errorf("member = %v", member)
	}
	period := team["period"].(map[string]interface{})
	if period["start"] == "" {
		t.Error("period start unset")
	}
}
