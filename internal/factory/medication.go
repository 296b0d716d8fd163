package factory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

// frequencyTable maps common frequency phrases to timing repeat parameters.
var frequencyTable = map[string]map[string]interface{}{
	"once daily":        {"frequency": 1, "period": 1, "periodUnit": "d"},
	"daily":             {"frequency": 1, "period": 1, "periodUnit": "d"},
	"qd":                {"frequency": 1, "period": 1, "periodUnit": "d"},
	"twice daily":       {"frequency": 2, "period": 1, "periodUnit": "d"},
	"bid":               {"frequency": 2, "period": 1, "periodUnit": "d"},
	"three times daily": {"frequency": 3, "period": 1, "periodUnit": "d"},
	"tid":               {"frequency": 3, "period": 1, "periodUnit": "d"},
	"four times daily":  {"frequency": 4, "period": 1, "periodUnit": "d"},
	"qid":               {"frequency": 4, "period": 1, "periodUnit": "d"},
	"every 4 hours":     {"frequency": 1, "period": 4, "periodUnit": "h"},
	"q4h":               {"frequency": 1, "period": 4, "periodUnit": "h"},
	"every 6 hours":     {"frequency": 1, "period": 6, "periodUnit": "h"},
	"q6h":               {"frequency": 1, "period": 6, "periodUnit": "h"},
	"every 8 hours":     {"frequency": 1, "period": 8, "periodUnit": "h"},
	"q8h":               {"frequency": 1, "period": 8, "periodUnit": "h"},
	"every 12 hours":    {"frequency": 1, "period": 12, "periodUnit": "h"},
	"q12h":              {"frequency": 1, "period": 12, "periodUnit": "h"},
	"weekly":            {"frequency": 1, "period": 1, "periodUnit": "wk"},
	"once weekly":       {"frequency": 1, "period": 1, "periodUnit": "wk"},
	"monthly":           {"frequency": 1, "period": 1, "periodUnit": "mo"},
	"at bedtime":        {"frequency": 1, "period": 1, "periodUnit": "d", "when": []interface{}{"HS"}},
	"as needed":         {"frequency": 1, "period": 1, "periodUnit": "d", "asNeeded": true},
	"prn":               {"frequency": 1, "period": 1, "periodUnit": "d", "asNeeded": true},
}

// routeCodes maps administration route words to SNOMED CT codes.
var routeCodes = map[string][2]string{
	"oral":          {"26643006", "Oral route"},
	"po":            {"26643006", "Oral route"},
	"by mouth":      {"26643006", "Oral route"},
	"iv":            {"47625008", "Intravenous route"},
	"intravenous":   {"47625008", "Intravenous route"},
	"im":            {"78421000", "Intramuscular route"},
	"intramuscular": {"78421000", "Intramuscular route"},
	"subcutaneous":  {"34206005", "Subcutaneous route"},
	"subq":          {"34206005", "Subcutaneous route"},
	"sc":            {"34206005", "Subcutaneous route"},
	"topical":       {"6064005", "Topical route"},
	"inhaled":       {"26866005", "Inhalation route"},
	"inhalation":    {"26866005", "Inhalation route"},
	"rectal":        {"37161004", "Rectal route"},
	"sublingual":    {"37839007", "Sublingual route"},
	"nasal":         {"46713006", "Nasal route"},
	"ophthalmic":    {"54485002", "Ophthalmic route"},
	"otic":          {"10547007", "Otic route"},
	"transdermal":   {"45890007", "Transdermal route"},
}

// drugClassTable lists cross-reactivity groups for the allergy safety check.
// Key is the allergen class token; values are drug name substrings that react.
var drugClassTable = map[string][]string{
	"penicillin": {"penicillin", "amoxicillin", "ampicillin", "piperacillin", "nafcillin", "oxacillin", "dicloxacillin"},
	"beta-lactam": {"penicillin", "amoxicillin", "ampicillin", "cephalexin", "cefazolin", "ceftriaxone",
		"cefepime", "meropenem", "imipenem", "aztreonam"},
	"sulfa": {"sulfamethoxazole", "sulfasalazine", "sulfadiazine", "trimethoprim-sulfamethoxazole", "bactrim"},
	"nsaid": {"ibuprofen", "naproxen", "ketorolac", "indomethacin", "diclofenac", "meloxicam", "celecoxib", "aspirin"},
}

var doseQuantityPattern = regexp.MustCompile(`^([\d.]+)\s*([a-zA-Zµ/%]+)$`)

var medicationStatuses = map[string]map[string]bool{
	"MedicationRequest": {
		"active": true, "on-hold": true, "cancelled": true, "completed": true,
		"entered-in-error": true, "stopped": true, "draft": true, "unknown": true,
	},
	"MedicationAdministration": {
		"in-progress": true, "not-done": true, "on-hold": true, "completed": true,
		"entered-in-error": true, "stopped": true, "unknown": true,
	},
	"MedicationDispense": {
		"preparation": true, "in-progress": true, "cancelled": true, "on-hold": true,
		"completed": true, "entered-in-error": true, "stopped": true, "declined": true, "unknown": true,
	},
	"MedicationStatement": {
		"active": true, "completed": true, "entered-in-error": true, "intended": true,
		"stopped": true, "on-hold": true, "unknown": true, "not-taken": true,
	},
	"Medication": {"active": true, "inactive": true, "entered-in-error": true},
}

var medicationStatusDefaults = map[string]string{
	"MedicationRequest":        fhirmodels.MedRequestActive,
	"MedicationAdministration": "completed",
	"MedicationDispense":       "completed",
	"MedicationStatement":      "active",
	"Medication":               "active",
}

// MedicationFactory builds the Medication resource family. When safetyChecks
// is off the allergy-conflict scan is skipped entirely.
type MedicationFactory struct {
	*base
	safetyChecks bool
}

// NewMedicationFactory creates a MedicationFactory.
func NewMedicationFactory(deps Deps, safetyChecks bool) *MedicationFactory {
	f := &MedicationFactory{safetyChecks: safetyChecks}
	f.base = newBase("MedicationFactory", deps, f, 100*time.Millisecond)
	return f
}

var medicationTypes = map[string]bool{
	"Medication":               true,
	"MedicationRequest":        true,
	"MedicationAdministration": true,
	"MedicationDispense":       true,
	"MedicationStatement":      true,
}

func (f *MedicationFactory) supports(rt string) bool { return medicationTypes[rt] }

func (f *MedicationFactory) requiredInput(rt string) []string {
	switch rt {
	case "Medication":
		return []string{"medication_name|name"}
	default:
		return []string{"medication_name|name", "patient_ref|patient_id|subject|patient"}
	}
}

func (f *MedicationFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	concept, err := f.medicationConcept(input)
	if err != nil {
		return nil, err
	}
	status := normalizeStatus(rt, stringValue(input, "status"))

	switch rt {
	case "Medication":
		return map[string]interface{}{
			"resourceType": "Medication",
			"code":         concept,
			"status":       status,
		}, nil
	case "MedicationRequest":
		return f.buildRequest(input, concept, status)
	case "MedicationAdministration":
		return f.buildAdministration(input, concept, status)
	case "MedicationDispense":
		return f.buildDispense(input, concept, status)
	case "MedicationStatement":
		return f.buildStatement(input, concept, status)
	}
	return nil, inputErrorf("MedicationFactory: unsupported type %q", rt)
}

func (f *MedicationFactory) buildRequest(input, concept map[string]interface{}, status string) (map[string]interface{}, error) {
	req := map[string]interface{}{
		"resourceType":              "MedicationRequest",
		"status":                    status,
		"intent":                    fhirmodels.MedIntentOrder,
		"medicationCodeableConcept": concept,
		"subject":                   referenceObject(patientReference(input)),
		"authoredOn":                time.Now().UTC().Format(time.RFC3339),
	}
	if dosage := f.buildDosage(input); dosage != nil {
		req["dosageInstruction"] = []interface{}{dosage}
	}
	if provider := stringValue(input, "ordering_provider", "requester"); provider != "" {
		if !strings.Contains(provider, "/") {
			req["requester"] = map[string]interface{}{"display": provider}
		} else {
			req["requester"] = referenceObject(provider)
		}
	}

	if allergies := stringList(input["patient_allergies"]); f.safetyChecks && len(allergies) > 0 {
		medName := stringValue(input, "medication_name", "name")
		if alerts := CheckAllergyConflicts(medName, allergies); len(alerts) > 0 {
			notes := make([]interface{}, 0, len(alerts))
			for _, alert := range alerts {
				notes = append(notes, map[string]interface{}{"text": alert})
			}
			req["note"] = notes
		}
	}
	return req, nil
}

func (f *MedicationFactory) buildAdministration(input, concept map[string]interface{}, status string) (map[string]interface{}, error) {
	admin := map[string]interface{}{
		"resourceType":              "MedicationAdministration",
		"status":                    status,
		"medicationCodeableConcept": concept,
		"subject":                   referenceObject(patientReference(input)),
		"effectiveDateTime":         effectiveTime(input),
	}
	if dosage := f.buildDosage(input); dosage != nil {
		// MedicationAdministration carries a single dosage, not instructions.
		adminDosage := map[string]interface{}{}
		if route, ok := dosage["route"]; ok {
			adminDosage["route"] = route
		}
		if dose, ok := dosage["doseAndRate"].([]interface{}); ok && len(dose) > 0 {
			if dr, ok := dose[0].(map[string]interface{}); ok {
				if q, ok := dr["doseQuantity"]; ok {
					adminDosage["dose"] = q
				}
			}
		}
		if text, ok := dosage["text"]; ok {
			adminDosage["text"] = text
		}
		if len(adminDosage) > 0 {
			admin["dosage"] = adminDosage
		}
	}
	return admin, nil
}

func (f *MedicationFactory) buildDispense(input, concept map[string]interface{}, status string) (map[string]interface{}, error) {
	disp := map[string]interface{}{
		"resourceType":              "MedicationDispense",
		"status":                    status,
		"medicationCodeableConcept": concept,
		"subject":                   referenceObject(patientReference(input)),
	}
	if qty, ok := floatValue(input, "quantity"); ok {
		unit := stringValue(input, "quantity_unit")
		q, err := f.deps.Coding.Quantity(qty, unit, "", "")
		if err == nil {
			disp["quantity"] = q
		}
	}
	if days, ok := floatValue(input, "days_supply"); ok {
		q, err := f.deps.Coding.Quantity(days, "days", "", "d")
		if err == nil {
			disp["daysSupply"] = q
		}
	}
	return disp, nil
}

func (f *MedicationFactory) buildStatement(input, concept map[string]interface{}, status string) (map[string]interface{}, error) {
	stmt := map[string]interface{}{
		"resourceType":              "MedicationStatement",
		"status":                    status,
		"medicationCodeableConcept": concept,
		"subject":                   referenceObject(patientReference(input)),
		"effectiveDateTime":         effectiveTime(input),
	}
	if dosage := f.buildDosage(input); dosage != nil {
		stmt["dosage"] = []interface{}{dosage}
	}
	return stmt, nil
}

// medicationConcept builds the medicationCodeableConcept: RxNorm coding when
// rxnorm_code is supplied, NDC when ndc_code is, otherwise text only.
func (f *MedicationFactory) medicationConcept(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "medication_name", "name")
	if rxnorm := stringValue(input, "rxnorm_code"); rxnorm != "" {
		concept, err := f.deps.Coding.CodeableConcept("rxnorm", rxnorm, name, name)
		if err != nil {
			return nil, inputErrorf("MedicationFactory: %v", err)
		}
		return concept, nil
	}
	if ndc := stringValue(input, "ndc_code"); ndc != "" {
		concept, err := f.deps.Coding.CodeableConcept("ndc", ndc, name, name)
		if err != nil {
			return nil, inputErrorf("MedicationFactory: %v", err)
		}
		return concept, nil
	}
	return coding.TextConcept(name), nil
}

// buildDosage assembles a Dosage element from free-text or structured input.
func (f *MedicationFactory) buildDosage(input map[string]interface{}) map[string]interface{} {
	dosage := map[string]interface{}{}

	var freq, route, amount string
	if structured := mapValue(input, "dosage"); structured != nil {
		freq = stringValue(structured, "frequency")
		route = stringValue(structured, "route")
		amount = stringValue(structured, "amount", "dose")
	} else {
		amount = stringValue(input, "dosage", "dose", "amount")
	}
	if freq == "" {
		freq = stringValue(input, "frequency")
	}
	if route == "" {
		route = stringValue(input, "route")
	}

	var textParts []string
	if amount != "" {
		textParts = append(textParts, amount)
	}
	if route != "" {
		textParts = append(textParts, route)
	}
	if freq != "" {
		textParts = append(textParts, freq)
	}
	if len(textParts) > 0 {
		dosage["text"] = strings.Join(textParts, " ")
	}

	if repeat := ParseFrequency(freq); repeat != nil {
		timing := map[string]interface{}{}
		if asNeeded, ok := repeat["asNeeded"]; ok {
			dosage["asNeededBoolean"] = asNeeded
			delete(repeat, "asNeeded")
		}
		timing["repeat"] = repeat
		dosage["timing"] = timing
	}

	if route != "" {
		if code, ok := routeCodes[normalizeToken(route)]; ok {
			routeConcept, err := f.deps.Coding.CodeableConcept("snomed", code[0], code[1], route)
			if err == nil {
				dosage["route"] = routeConcept
			}
		} else {
			dosage["route"] = coding.TextConcept(route)
		}
	}

	if value, unit, ok := ParseDoseQuantity(amount); ok {
		q, err := f.deps.Coding.Quantity(value, unit, "", "")
		if err == nil {
			dosage["doseAndRate"] = []interface{}{map[string]interface{}{
				"type": map[string]interface{}{
					"coding": []interface{}{map[string]interface{}{
						"system": "http://terminology.hl7.org/CodeSystem/dose-rate-type",
						"code":   "ordered",
					}},
				},
				"doseQuantity": q,
			}}
		}
	}

	if len(dosage) == 0 {
		return nil
	}
	return dosage
}

// ParseFrequency maps a frequency phrase to timing repeat parameters. A copy
// is returned so callers may mutate it.
func ParseFrequency(freq string) map[string]interface{} {
	entry, ok := frequencyTable[normalizeToken(freq)]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out
}

// ParseDoseQuantity parses dose strings like "10 mg" or "500mg".
func ParseDoseQuantity(s string) (value float64, unit string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}
	m := doseQuantityPattern.FindStringSubmatch(strings.ReplaceAll(s, " ", ""))
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", false
	}
	return v, m[2], true
}

// CheckAllergyConflicts computes direct substring matches and drug-class
// cross-reactivity between a medication and the patient's allergy list.
/// Each hit produces a note beginning "SAFETY ALERT:".
func CheckAllergyConflicts(medicationName string, allergies []string) []string {
	med := normalizeToken(medicationName)
	if med == "" {
		return nil
	}
	var alerts []string
	for _, allergy := range allergies {
		al := normalizeToken(allergy)
		if al == "" {
			continue
		}
		if strings.Contains(med, al) || strings.Contains(al, med) {
			alerts = append(alerts, fmt.Sprintf(
				"SAFETY ALERT: patient has a documented allergy to %s; %s may trigger a reaction",
				allergy, medicationName))
			continue
		}
		for class, members := range drugClassTable {
			if !strings.Contains(al, class) && al != class {
				continue
			}
			for _, member := range members {
				if strings.Contains(med, member) {
					alerts = append(alerts, fmt.Sprintf(
						"SAFETY ALERT: %s is cross-reactive with the patient's %s allergy",
						medicationName, allergy))
					break
				}
			}
		}
	}
	return alerts
}

func normalizeStatus(rt, raw string) string {
	status := normalizeToken(raw)
	if valid := medicationStatuses[rt]; valid[status] {
		return status
	}
	return medicationStatusDefaults[rt]
}

func effectiveTime(input map[string]interface{}) string {
	if t := stringValue(input, "effective_date_time", "effective", "date_time"); t != "" {
		return t
	}
	return time.Now().UTC().Format(time.RFC3339)
}
