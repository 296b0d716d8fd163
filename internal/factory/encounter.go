package factory

import (
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

var goalLifecycleStatuses = map[string]bool{
	fhirmodels.GoalProposed: true, fhirmodels.GoalPlanned: true,
	fhirmodels.GoalAccepted: true, fhirmodels.GoalActive: true,
	fhirmodels.GoalOnHold: true, fhirmodels.GoalCompleted: true,
	fhirmodels.GoalCancelled: true, fhirmodels.GoalEnteredInError: true,
	fhirmodels.GoalRejected: true,
}

var goalAchievementStatuses = map[string]bool{
	"in-progress": true, "improving": true, "worsening": true,
	"no-change": true, "achieved": true, "sustaining": true,
	"not-achieved": true, "no-progress": true, "not-attainable": true,
}

// goalCategoryKeywords infers the goal category from the description.
var goalCategoryKeywords = []struct {
	keyword  string
	category string
}{
	{"diet", "dietary"},
	{"nutrition", "dietary"},
	{"fall", "safety"},
	{"safety", "safety"},
	{"smoking", "behavioral"},
	{"behavior", "behavioral"},
	{"wound", "nursing"},
	{"nursing", "nursing"},
	{"mobility", "physiotherapy"},
	{"ambulat", "physiotherapy"},
	{"exercise", "physiotherapy"},
	{"physical therapy", "physiotherapy"},
}

var encounterStatuses = map[string]bool{
	"planned": true, "arrived": true, "triaged": true, "in-progress": true,
	"onleave": true, "finished": true, "cancelled": true,
	"entered-in-error": true, "unknown": true,
}

var encounterClassCodes = map[string][2]string{
	"ambulatory": {fhirmodels.EncounterClassAmbulatory, "ambulatory"},
	"outpatient": {fhirmodels.EncounterClassAmbulatory, "ambulatory"},
	"emergency":  {fhirmodels.EncounterClassEmergency, "emergency"},
	"inpatient":  {fhirmodels.EncounterClassInpatient, "inpatient encounter"},
	"virtual":    {fhirmodels.EncounterClassVirtual, "virtual"},
	"telehealth": {fhirmodels.EncounterClassVirtual, "virtual"},
}

var careTeamStatuses = map[string]bool{
	"proposed": true, "active": true, "suspended": true,
	"inactive": true, "entered-in-error": true,
}

var encounterFactoryTypes = map[string]bool{
	"Encounter": true,
	"Goal":      true,
	"CareTeam":  true,
}

// EncounterFactory builds Encounter, Goal, and CareTeam resources.
type EncounterFactory struct {
	*base
}

// NewEncounterFactory creates an EncounterFactory.
func NewEncounterFactory(deps Deps) *EncounterFactory {
	f := &EncounterFactory{}
	f.base = newBase("EncounterFactory", deps, f, 0)
	return f
}

func (f *EncounterFactory) supports(rt string) bool { return encounterFactoryTypes[rt] }

func (f *EncounterFactory) requiredInput(rt string) []string {
	patient := "patient_ref|patient_id|subject|patient"
	switch rt {
	case "Goal":
		return []string{"description|goal", patient}
	default:
		return []string{patient}
	}
}

func (f *EncounterFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	switch rt {
	case "Encounter":
		return f.buildEncounter(input)
	case "Goal":
		return f.buildGoal(input)
	case "CareTeam":
		return f.buildCareTeam(input)
	}
	return nil, inputErrorf("EncounterFactory: unsupported type %q", rt)
}

func (f *EncounterFactory) buildEncounter(input map[string]interface{}) (map[string]interface{}, error) {
	status := normalizeToken(stringValue(input, "status"))
	if !encounterStatuses[status] {
		status = fhirmodels.EncounterInProgress
	}

	classCode, classDisplay := fhirmodels.EncounterClassAmbulatory, "ambulatory"
	if cls := normalizeToken(stringValue(input, "class", "encounter_class")); cls != "" {
		if mapped, ok := encounterClassCodes[cls]; ok {
			classCode, classDisplay = mapped[0], mapped[1]
		} else {
			classCode, classDisplay = cls, cls
		}
	}
	classCoding, err := f.deps.Coding.Coding("v3-actcode", classCode, classDisplay)
	if err != nil {
		return nil, inputErrorf("EncounterFactory: %v", err)
	}

	enc := map[string]interface{}{
		"resourceType": "Encounter",
		"status":       status,
		"class":        classCoding,
		"subject":      referenceObject(patientReference(input)),
	}
	if reason := stringValue(input, "reason"); reason != "" {
		enc["reasonCode"] = []interface{}{coding.TextConcept(reason)}
	}
	if start := stringValue(input, "period_start", "start"); start != "" {
		period := map[string]interface{}{"start": start}
		if end := stringValue(input, "period_end", "end"); end != "" {
			period["end"] = end
		}
		enc["period"] = period
	}
	if location := stringValue(input, "location_ref", "location"); location != "" {
		enc["location"] = []interface{}{map[string]interface{}{
			"location": referenceObject(location),
		}}
	}
	return enc, nil
}

// InferGoalCategory matches a goal description against the category keywords.
func InferGoalCategory(description string) (string, bool) {
	lowered := normalizeToken(description)
	for _, entry := range goalCategoryKeywords {
		if containsAny(lowered, entry.keyword) {
			return entry.category, true
		}
	}
	return "", false
}

func (f *EncounterFactory) buildGoal(input map[string]interface{}) (map[string]interface{}, error) {
	description := stringValue(input, "description", "goal")

	lifecycle := normalizeToken(stringValue(input, "lifecycle_status", "status"))
	if !goalLifecycleStatuses[lifecycle] {
		lifecycle = fhirmodels.GoalActive
	}

	goal := map[string]interface{}{
		"resourceType":    "Goal",
		"lifecycleStatus": lifecycle,
		"description":     coding.TextConcept(description),
		"subject":         referenceObject(patientReference(input)),
	}

	if achievement := normalizeToken(stringValue(input, "achievement_status")); achievement != "" {
		if !goalAchievementStatuses[achievement] {
			achievement = "in-progress"
		}
		concept, err := f.deps.Coding.CodeableConcept("goal-achievement", achievement, achievement, achievement)
		if err != nil {
			return nil, err
		}
		goal["achievementStatus"] = concept
	}

	if priority := normalizeToken(stringValue(input, "priority")); priority != "" {
		switch priority {
		case "high", "medium", "low":
			priority += "-priority"
		case "high-priority", "medium-priority", "low-priority":
		default:
			priority = "medium-priority"
		}
		concept, err := f.deps.Coding.CodeableConcept("goal-priority", priority, priority, priority)
		if err != nil {
			return nil, err
		}
		goal["priority"] = concept
	}

	category := stringValue(input, "category")
	if category == "" {
		category, _ = InferGoalCategory(description)
	}
	if category != "" {
		concept, err := f.deps.Coding.CodeableConcept("goal-category", category, category, category)
		if err != nil {
			return nil, err
		}
		goal["category"] = []interface{}{concept}
	}

	if targets := listValue(input, "targets"); len(targets) > 0 {
		built, err := f.buildGoalTargets(targets)
		if err != nil {
			return nil, err
		}
		goal["target"] = built
	}
	if start := stringValue(input, "start_date"); start != "" {
		goal["startDate"] = start
	}
	return goal, nil
}

// buildGoalTargets validates that each target carries exactly one detail form.
func (f *EncounterFactory) buildGoalTargets(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for i, item := range raw {
		t, ok := item.(map[string]interface{})
		if !ok {
			return nil, inputErrorf("EncounterFactory: goal target %d is not an object", i)
		}
		target := map[string]interface{}{}
		if measure := stringValue(t, "measure"); measure != "" {
			if code, display, _, found := LookupLOINC(measure); found {
				concept, err := f.deps.Coding.CodeableConcept("loinc", code, display, measure)
				if err != nil {
					return nil, err
				}
				target["measure"] = concept
			} else {
				target["measure"] = coding.TextConcept(measure)
			}
		}

		details := 0
		if v, ok := floatValue(t, "detail_quantity", "detailQuantity"); ok {
			q, err := f.deps.Coding.Quantity(v, stringValue(t, "unit"), "", "")
			if err != nil {
				return nil, err
			}
			target["detailQuantity"] = q
			details++
		}
		if m := mapValue(t, "detail_range", "detailRange"); m != nil {
			target["detailRange"] = m
			details++
		}
		if m := mapValue(t, "detail_codeable_concept", "detailCodeableConcept"); m != nil {
			target["detailCodeableConcept"] = m
			details++
		}
		if details > 1 {
			return nil, inputErrorf("EncounterFactory: goal target %d carries more than one detail form", i)
		}
		if due := stringValue(t, "due_date", "dueDate"); due != "" {
			target["dueDate"] = due
		}
		out = append(out, target)
	}
	return out, nil
}

func (f *EncounterFactory) buildCareTeam(input map[string]interface{}) (map[string]interface{}, error) {
	status := normalizeToken(stringValue(input, "status"))
	if !careTeamStatuses[status] {
		status = "active"
	}

	team := map[string]interface{}{
		"resourceType": "CareTeam",
		"status":       status,
		"subject":      referenceObject(patientReference(input)),
	}
	if name := stringValue(input, "name"); name != "" {
		team["name"] = name
	}
	if participants := listValue(input, "participants"); len(participants) > 0 {
		built := make([]interface{}, 0, len(participants))
		for _, item := range participants {
			p, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			member := map[string]interface{}{}
			if ref := stringValue(p, "member_ref", "member"); ref != "" {
				member["member"] = referenceObject(ref)
			}
			if role := stringValue(p, "role"); role != "" {
				member["role"] = []interface{}{coding.TextConcept(role)}
			}
			if len(member) > 0 {
				built = append(built, member)
			}
		}
		if len(built) > 0 {
			team["participant"] = built
		}
	}
	team["period"] = map[string]interface{}{"start": time.Now().UTC().Format("2006-01-02")}
	if start := stringValue(input, "period_start"); start != "" {
		team["period"] = map[string]interface{}{"start": start}
	}
	return team, nil
}
