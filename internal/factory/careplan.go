package factory

import (
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

var carePlanStatuses = map[string]bool{
	fhirmodels.CarePlanDraft: true, fhirmodels.CarePlanActive: true,
	fhirmodels.CarePlanOnHold: true, fhirmodels.CarePlanRevoked: true,
	fhirmodels.CarePlanCompleted: true, fhirmodels.CarePlanEnteredInError: true,
	fhirmodels.CarePlanUnknown: true,
}

var carePlanIntents = map[string]bool{
	fhirmodels.CarePlanIntentProposal: true, fhirmodels.CarePlanIntentPlan: true,
	fhirmodels.CarePlanIntentOrder: true, fhirmodels.CarePlanIntentOption: true,
	fhirmodels.CarePlanIntentDirective: true,
}

// carePlanCategoryKeywords maps title/description keywords to SNOMED codes.
var carePlanCategoryKeywords = []struct {
	keyword string
	code    string
	display string
}{
	{"assessment", "386053000", "Evaluation procedure"},
	{"evaluation", "386053000", "Evaluation procedure"},
	{"therapy", "386056008", "Therapeutic procedure"},
	{"rehab", "386056008", "Therapeutic procedure"},
	{"education", "311401005", "Patient education"},
	{"teaching", "311401005", "Patient education"},
	{"medication", "385798007", "Medication management"},
	{"diet", "226078001", "Dietary management"},
	{"nutrition", "226078001", "Dietary management"},
	{"exercise", "226029000", "Exercise management"},
	{"activity", "226029000", "Exercise management"},
	{"discharge", "736366004", "Discharge planning"},
}

// carePlanActivityKinds names the resource types an activity detail may point at.
var carePlanActivityKinds = map[string]string{
	"appointment":        "Appointment",
	"communication":      "CommunicationRequest",
	"device":             "DeviceRequest",
	"medication":         "MedicationRequest",
	"medicationrequest":  "MedicationRequest",
	"nutrition":          "NutritionOrder",
	"task":               "Task",
	"service":            "ServiceRequest",
	"servicerequest":     "ServiceRequest",
	"vision":             "VisionPrescription",
	"visionprescription": "VisionPrescription",
}

var carePlanActivityStatuses = map[string]bool{
	"not-started": true, "scheduled": true, "in-progress": true,
	"on-hold": true, "completed": true, "cancelled": true,
	"stopped": true, "unknown": true, "entered-in-error": true,
}

// CarePlanFactory builds CarePlan resources with structured activities.
type CarePlanFactory struct {
	*base
}

// NewCarePlanFactory creates a CarePlanFactory.
func NewCarePlanFactory(deps Deps) *CarePlanFactory {
	f := &CarePlanFactory{}
	f.base = newBase("CarePlanFactory", deps, f, 0)
	return f
}

func (f *CarePlanFactory) supports(rt string) bool { return rt == "CarePlan" }

func (f *CarePlanFactory) requiredInput(string) []string {
	return []string{"title|description", "patient_ref|patient_id|subject|patient"}
}

func (f *CarePlanFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	if rt != "CarePlan" {
		return nil, inputErrorf("CarePlanFactory: unsupported type %q", rt)
	}

	status := normalizeToken(stringValue(input, "status"))
	if !carePlanStatuses[status] {
		status = fhirmodels.CarePlanActive
	}
	intent := normalizeToken(stringValue(input, "intent"))
	if !carePlanIntents[intent] {
		intent = fhirmodels.CarePlanIntentPlan
	}

	plan := map[string]interface{}{
		"resourceType": "CarePlan",
		"status":       status,
		"intent":       intent,
		"subject":      referenceObject(patientReference(input)),
	}
	title := stringValue(input, "title")
	description := stringValue(input, "description")
	if title != "" {
		plan["title"] = title
	}
	if description != "" {
		plan["description"] = description
	}

	if concept, err := f.categoryConcept(title + " " + description); err != nil {
		return nil, err
	} else if concept != nil {
		plan["category"] = []interface{}{concept}
	}

	if period := carePlanPeriod(input); period != nil {
		plan["period"] = period
	}

	if activities := listValue(input, "activities"); len(activities) > 0 {
		built, err := f.buildActivities(activities)
		if err != nil {
			return nil, err
		}
		plan["activity"] = built
	}

	if goals := stringList(input["goal_refs"]); len(goals) > 0 {
		refs := make([]interface{}, 0, len(goals))
		for _, g := range goals {
			refs = append(refs, referenceObject(g))
		}
		plan["goal"] = refs
	}
	return plan, nil
}

func (f *CarePlanFactory) categoryConcept(text string) (map[string]interface{}, error) {
	lowered := normalizeToken(text)
	for _, entry := range carePlanCategoryKeywords {
		if containsAny(lowered, entry.keyword) {
			return f.deps.Coding.CodeableConcept("snomed", entry.code, entry.display, entry.display)
		}
	}
	return nil, nil
}

// carePlanPeriod assembles the plan period; end is computed from duration_days
// when an explicit end is absent.
func carePlanPeriod(input map[string]interface{}) map[string]interface{} {
	start := stringValue(input, "period_start", "start")
	end := stringValue(input, "period_end", "end")
	duration, hasDuration := floatValue(input, "duration_days")

	if start == "" && end == "" && !hasDuration {
		return nil
	}
	if start == "" {
		start = time.Now().UTC().Format("2006-01-02")
	}
	period := map[string]interface{}{"start": start}
	if end == "" && hasDuration {
		if t, err := time.Parse("2006-01-02", start); err == nil {
			end = t.AddDate(0, 0, int(duration)).Format("2006-01-02")
		}
	}
	if end != "" {
		period["end"] = end
	}
	return period
}

func (f *CarePlanFactory) buildActivities(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for i, item := range raw {
		switch activity := item.(type) {
		case string:
			out = append(out, map[string]interface{}{
				"detail": map[string]interface{}{
					"status":      "not-started",
					"description": activity,
				},
			})
		case map[string]interface{}:
			detail, err := f.buildActivityDetail(i, activity)
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]interface{}{"detail": detail})
		default:
			return nil, inputErrorf("CarePlanFactory: activity %d must be a string or object", i)
		}
	}
	return out, nil
}

func (f *CarePlanFactory) buildActivityDetail(i int, activity map[string]interface{}) (map[string]interface{}, error) {
	status := normalizeToken(stringValue(activity, "status"))
	if !carePlanActivityStatuses[status] {
		status = "not-started"
	}
	detail := map[string]interface{}{"status": status}

	if kind := normalizeToken(stringValue(activity, "kind")); kind != "" {
		mapped, ok := carePlanActivityKinds[kind]
		if !ok {
			return nil, inputErrorf("CarePlanFactory: activity %d has unknown kind %q", i, kind)
		}
		detail["kind"] = mapped
	}
	if desc := stringValue(activity, "description"); desc != "" {
		detail["description"] = desc
	}
	if timing := mapValue(activity, "scheduled_timing", "scheduledTiming"); timing != nil {
		detail["scheduledTiming"] = timing
	} else if period := mapValue(activity, "scheduled_period", "scheduledPeriod"); period != nil {
		detail["scheduledPeriod"] = period
	}
	if location := stringValue(activity, "location"); location != "" {
		detail["location"] = referenceObject(location)
	}

	performers := stringList(activity["performers"])
	if len(performers) == 0 {
		performers = stringList(activity["performer"])
	}
	if len(performers) > 0 {
		refs := make([]interface{}, 0, len(performers))
		for _, p := range performers {
			refs = append(refs, referenceObject(p))
		}
		detail["performer"] = refs
	}

	if ref := stringValue(activity, "product_reference", "productReference"); ref != "" {
		detail["productReference"] = referenceObject(ref)
	} else if product := stringValue(activity, "product"); product != "" {
		detail["productCodeableConcept"] = coding.TextConcept(product)
	}
	if qty, ok := floatValue(activity, "quantity"); ok {
		q, err := f.deps.Coding.Quantity(qty, stringValue(activity, "quantity_unit"), "", "")
		if err != nil {
			return nil, err
		}
		detail["quantity"] = q
	}
	if goals := stringList(activity["goal"]); len(goals) > 0 {
		refs := make([]interface{}, 0, len(goals))
		for _, g := range goals {
			refs = append(refs, referenceObject(g))
		}
		detail["goal"] = refs
	}
	if dnp, ok := boolValue(activity, "do_not_perform", "doNotPerform"); ok {
		detail["doNotPerform"] = dnp
	}
	return detail, nil
}
