package factory

import (
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

// loincEntry pairs a LOINC code with its display and default unit.
type loincEntry struct {
	code    string
	display string
	unit    string
}

// vitalSignsLOINC maps normalized vital-sign names to LOINC codes.
var vitalSignsLOINC = map[string]loincEntry{
	"heart rate":        {"8867-4", "Heart rate", "beats/min"},
	"hr":                {"8867-4", "Heart rate", "beats/min"},
	"pulse":             {"8867-4", "Heart rate", "beats/min"},
	"blood pressure":    {"85354-9", "Blood pressure panel with all children optional", "mm[Hg]"},
	"bp":                {"85354-9", "Blood pressure panel with all children optional", "mm[Hg]"},
	"temperature":       {"8310-5", "Body temperature", "Cel"},
	"temp":              {"8310-5", "Body temperature", "Cel"},
	"body temperature":  {"8310-5", "Body temperature", "Cel"},
	"oxygen saturation": {"2708-6", "Oxygen saturation in Arterial blood", "%"},
	"spo2":              {"2708-6", "Oxygen saturation in Arterial blood", "%"},
	"o2 sat":            {"2708-6", "Oxygen saturation in Arterial blood", "%"},
	"respiratory rate":  {"9279-1", "Respiratory rate", "breaths/min"},
	"weight":            {"29463-7", "Body weight", "kg"},
	"body weight":       {"29463-7", "Body weight", "kg"},
	"height":            {"8302-2", "Body height", "cm"},
	"body height":       {"8302-2", "Body height", "cm"},
	"bmi":               {"39156-5", "Body mass index (BMI)", "kg/m2"},
	"body mass index":   {"39156-5", "Body mass index (BMI)", "kg/m2"},
}

// labLOINC maps normalized lab test names to LOINC codes.
var labLOINC = map[string]loincEntry{
	"glucose":          {"2345-7", "Glucose [Mass/volume] in Serum or Plasma", "mg/dL"},
	"blood glucose":    {"2345-7", "Glucose [Mass/volume] in Serum or Plasma", "mg/dL"},
	"creatinine":       {"2160-0", "Creatinine [Mass/volume] in Serum or Plasma", "mg/dL"},
	"hba1c":            {"4548-4", "Hemoglobin A1c/Hemoglobin.total in Blood", "%"},
	"hemoglobin a1c":   {"4548-4", "Hemoglobin A1c/Hemoglobin.total in Blood", "%"},
	"hemoglobin":       {"718-7", "Hemoglobin [Mass/volume] in Blood", "g/dL"},
	"wbc":              {"6690-2", "Leukocytes [#/volume] in Blood by Automated count", "10*3/uL"},
	"white blood cell": {"6690-2", "Leukocytes [#/volume] in Blood by Automated count", "10*3/uL"},
	"platelet":         {"777-3", "Platelets [#/volume] in Blood by Automated count", "10*3/uL"},
	"sodium":           {"2951-2", "Sodium [Moles/volume] in Serum or Plasma", "mmol/L"},
	"potassium":        {"2823-3", "Potassium [Moles/volume] in Serum or Plasma", "mmol/L"},
	"bun":              {"3094-0", "Urea nitrogen [Mass/volume] in Serum or Plasma", "mg/dL"},
	"cholesterol":      {"2093-3", "Cholesterol [Mass/volume] in Serum or Plasma", "mg/dL"},
	"ldl":              {"13457-7", "Cholesterol in LDL [Mass/volume] in Serum or Plasma by calculation", "mg/dL"},
	"hdl":              {"2085-9", "Cholesterol in HDL [Mass/volume] in Serum or Plasma", "mg/dL"},
	"triglycerides":    {"2571-8", "Triglyceride [Mass/volume] in Serum or Plasma", "mg/dL"},
}

// bpComponentLOINC codes the blood-pressure panel components.
var bpComponentLOINC = map[string]loincEntry{
	"systolic":  {"8480-6", "Systolic blood pressure", "mm[Hg]"},
	"diastolic": {"8462-4", "Diastolic blood pressure", "mm[Hg]"},
}

// reportCategoryKeywords maps title keywords to v2-0074 diagnostic service codes.
var reportCategoryKeywords = []struct {
	words   []string
	code    string
	display string
}{
	{[]string{"x-ray", "xray", "radiolog", "ct", "mri", "ultrasound", "imaging"}, "RAD", "Radiology"},
	{[]string{"lab", "blood", "chemistry", "hematology", "urinalysis", "culture"}, "LAB", "Laboratory"},
	{[]string{"patholog", "biopsy", "cytolog"}, "PAT", "Pathology"},
	{[]string{"genetic", "genomic", "cytogenetic"}, "CG", "Cytogenetics"},
}

// serviceCategoryCodes maps service keywords to SNOMED procedure categories.
var serviceCategoryCodes = map[string][2]string{
	"lab":          {"108252007", "Laboratory procedure"},
	"imaging":      {"363679005", "Imaging"},
	"consultation": {"409063005", "Counselling"},
	"surgical":     {"387713003", "Surgical procedure"},
	"diagnostic":   {"103693007", "Diagnostic procedure"},
}

var conditionClinicalCodes = map[string]bool{
	"active": true, "recurrence": true, "relapse": true,
	"inactive": true, "remission": true, "resolved": true,
}

var conditionVerificationCodes = map[string]bool{
	"unconfirmed": true, "provisional": true, "differential": true,
	"confirmed": true, "refuted": true, "entered-in-error": true,
}

// allergenCategories infers the AllergyIntolerance category from allergen names.
var allergenCategories = map[string][]string{
	"medication":  {"penicillin", "amoxicillin", "sulfa", "aspirin", "ibuprofen", "codeine", "morphine", "cephalosporin", "vancomycin", "contrast"},
	"food":        {"peanut", "tree nut", "shellfish", "shrimp", "milk", "egg", "wheat", "soy", "fish", "sesame"},
	"environment": {"pollen", "dust", "latex", "mold", "bee", "wasp", "cat", "dog", "grass"},
}

// manifestationSNOMED maps reaction descriptions to SNOMED CT findings.
var manifestationSNOMED = map[string][2]string{
	"hives":               {"126485001", "Urticaria"},
	"urticaria":           {"126485001", "Urticaria"},
	"anaphylaxis":         {"39579001", "Anaphylaxis"},
	"rash":                {"271807003", "Eruption of skin"},
	"itching":             {"418290006", "Itching"},
	"pruritus":            {"418290006", "Itching"},
	"swelling":            {"65124004", "Swelling"},
	"angioedema":          {"41291007", "Angioedema"},
	"nausea":              {"422587007", "Nausea"},
	"vomiting":            {"422400008", "Vomiting"},
	"shortness of breath": {"267036007", "Dyspnea"},
	"dyspnea":             {"267036007", "Dyspnea"},
	"wheezing":            {"56018004", "Wheezing"},
}

var qualitativeRiskCodes = map[string]bool{
	"negligible": true, "low": true, "moderate": true, "high": true, "certain": true,
}

// modalityDCM maps imaging modality words to DICOM DCM codes.
var modalityDCM = map[string][2]string{
	"ct":          {"CT", "Computed Tomography"},
	"mr":          {"MR", "Magnetic Resonance"},
	"mri":         {"MR", "Magnetic Resonance"},
	"us":          {"US", "Ultrasound"},
	"ultrasound":  {"US", "Ultrasound"},
	"xr":          {"DX", "Digital Radiography"},
	"x-ray":       {"DX", "Digital Radiography"},
	"xray":        {"DX", "Digital Radiography"},
	"dx":          {"DX", "Digital Radiography"},
	"cr":          {"CR", "Computed Radiography"},
	"mammography": {"MG", "Mammography"},
	"mg":          {"MG", "Mammography"},
	"pet":         {"PT", "Positron Emission Tomography"},
	"pt":          {"PT", "Positron Emission Tomography"},
	"nm":          {"NM", "Nuclear Medicine"},
	"nuclear":     {"NM", "Nuclear Medicine"},
	"rf":          {"RF", "Radiofluoroscopy"},
	"fluoroscopy": {"RF", "Radiofluoroscopy"},
}

var clinicalTypes = map[string]bool{
	"Observation":        true,
	"DiagnosticReport":   true,
	"ServiceRequest":     true,
	"Condition":          true,
	"AllergyIntolerance": true,
	"RiskAssessment":     true,
	"ImagingStudy":       true,
	"Immunization":       true,
}

// ClinicalFactory builds observation-style and diagnostic resources.
type ClinicalFactory struct {
	*base
	synthesizeUIDs bool
}

// NewClinicalFactory creates a ClinicalFactory. When synthesizeUIDs is set,
// ImagingStudy series without a UID get a generated 2.25.* OID.
func NewClinicalFactory(deps Deps, synthesizeUIDs bool) *ClinicalFactory {
	f := &ClinicalFactory{synthesizeUIDs: synthesizeUIDs}
	f.base = newBase("ClinicalFactory", deps, f, 0)
	return f
}

func (f *ClinicalFactory) supports(rt string) bool { return clinicalTypes[rt] }

func (f *ClinicalFactory) requiredInput(rt string) []string {
	patient := "patient_ref|patient_id|subject|patient"
	switch rt {
	case "Observation":
		return []string{"name|observation_name|code", patient}
	case "DiagnosticReport":
		return []string{"title|name|code", patient}
	case "ServiceRequest":
		return []string{"service|name|code", patient}
	case "Condition":
		return []string{"condition_name|name|code", patient}
	case "AllergyIntolerance":
		return []string{"allergen|substance|name", patient}
	case "RiskAssessment":
		return []string{patient}
	case "ImagingStudy":
		return []string{"series", patient}
	case "Immunization":
		return []string{"vaccine_name|vaccine|cvx_code", patient}
	}
	return nil
}

func (f *ClinicalFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	switch rt {
	case "Observation":
		return f.buildObservation(input)
	case "DiagnosticReport":
		return f.buildDiagnosticReport(input)
	case "ServiceRequest":
		return f.buildServiceRequest(input)
	case "Condition":
		return f.buildCondition(input)
	case "AllergyIntolerance":
		return f.buildAllergyIntolerance(input)
	case "RiskAssessment":
		return f.buildRiskAssessment(input)
	case "ImagingStudy":
		return f.buildImagingStudy(input)
	case "Immunization":
		return f.buildImmunization(input)
	}
	return nil, inputErrorf("ClinicalFactory: unsupported type %q", rt)
}

// LookupLOINC resolves a vital-sign or lab name to its LOINC entry. Lookup is
// case- and space-insensitive.
func LookupLOINC(name string) (code, display, unit string, ok bool) {
	key := normalizeObservationName(name)
	if e, found := vitalSignsLOINC[key]; found {
		return e.code, e.display, e.unit, true
	}
	if e, found := labLOINC[key]; found {
		return e.code, e.display, e.unit, true
	}
	return "", "", "", false
}

func normalizeObservationName(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "_", " ")
	return strings.Join(strings.Fields(key), " ")
}

// InferObservationCategory picks an Observation category from the name.
func InferObservationCategory(name string) string {
	key := normalizeObservationName(name)
	if _, ok := vitalSignsLOINC[key]; ok {
		return fhirmodels.ObsCategoryVitalSigns
	}
	if _, ok := labLOINC[key]; ok {
		return fhirmodels.ObsCategoryLaboratory
	}
	switch {
	case containsAny(key, "x-ray", "xray", "ct", "mri", "ultrasound", "imaging", "scan"):
		return fhirmodels.ObsCategoryImaging
	case containsAny(key, "lab", "panel", "serum", "plasma", "blood count"):
		return fhirmodels.ObsCategoryLaboratory
	case containsAny(key, "biopsy", "procedure"):
		return fhirmodels.ObsCategoryProcedure
	}
	return fhirmodels.ObsCategorySurvey
}

func (f *ClinicalFactory) buildObservation(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "name", "observation_name", "code")
	code, display, defaultUnit, known := LookupLOINC(name)

	var concept map[string]interface{}
	if known {
		c, err := f.deps.Coding.CodeableConcept("loinc", code, display, name)
		if err != nil {
			return nil, err
		}
		concept = c
	} else {
		concept = coding.TextConcept(name)
	}

	category := stringValue(input, "category")
	if category == "" {
		category = InferObservationCategory(name)
	}
	categoryConcept, err := f.deps.Coding.CodeableConcept("observation-category", category, category, category)
	if err != nil {
		categoryConcept = coding.TextConcept(category)
	}

	obs := map[string]interface{}{
		"resourceType":      "Observation",
		"status":            observationStatus(stringValue(input, "status")),
		"code":              concept,
		"subject":           referenceObject(patientReference(input)),
		"category":          []interface{}{categoryConcept},
		"effectiveDateTime": effectiveTime(input),
	}

	if err := f.attachValue(obs, input, defaultUnit); err != nil {
		return nil, err
	}
	if components := listValue(input, "components"); len(components) > 0 {
		built, err := f.buildComponents(components)
		if err != nil {
			return nil, err
		}
		obs["component"] = built
	}
	if encounter := stringValue(input, "encounter_ref", "encounter"); encounter != "" {
		obs["encounter"] = referenceObject(encounter)
	}
	return obs, nil
}

// attachValue selects the value[x] element by explicit key presence, falling
// back to type inference on a generic "value".
func (f *ClinicalFactory) attachValue(obs, input map[string]interface{}, defaultUnit string) error {
	if v, ok := floatValue(input, "value_quantity", "valueQuantity"); ok {
		return f.setQuantityValue(obs, v, stringValue(input, "unit"), defaultUnit)
	}
	if s := stringValue(input, "value_string", "valueString"); s != "" {
		obs["valueString"] = s
		return nil
	}
	if b, ok := boolValue(input, "value_boolean", "valueBoolean"); ok {
		obs["valueBoolean"] = b
		return nil
	}
	if v, ok := floatValue(input, "value_integer", "valueInteger"); ok {
		obs["valueInteger"] = int64(v)
		return nil
	}
	if s := stringValue(input, "value_date_time", "valueDateTime"); s != "" {
		obs["valueDateTime"] = s
		return nil
	}
	if m := mapValue(input, "value_codeable_concept", "valueCodeableConcept"); m != nil {
		obs["valueCodeableConcept"] = m
		return nil
	}

	raw, present := input["value"]
	if !present {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		return f.setQuantityValue(obs, v, stringValue(input, "unit"), defaultUnit)
	case int:
		return f.setQuantityValue(obs, float64(v), stringValue(input, "unit"), defaultUnit)
	case bool:
		obs["valueBoolean"] = v
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			obs["valueDateTime"] = v
		} else {
			obs["valueString"] = v
		}
	case map[string]interface{}:
		obs["valueCodeableConcept"] = v
	}
	return nil
}

func (f *ClinicalFactory) setQuantityValue(obs map[string]interface{}, value float64, unit, defaultUnit string) error {
	if unit == "" {
		unit = defaultUnit
	}
	q, err := f.deps.Coding.Quantity(value, unit, "", "")
	if err != nil {
		return err
	}
	obs["valueQuantity"] = q
	return nil
}

func (f *ClinicalFactory) buildComponents(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		comp, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name := stringValue(comp, "name", "code")
		entry, known := bpComponentLOINC[normalizeObservationName(name)]
		if !known {
			if code, display, unit, found := LookupLOINC(name); found {
				entry = loincEntry{code, display, unit}
				known = true
			}
		}
		var concept map[string]interface{}
		if known {
			c, err := f.deps.Coding.CodeableConcept("loinc", entry.code, entry.display, name)
			if err != nil {
				return nil, err
			}
			concept = c
		} else {
			concept = coding.TextConcept(name)
		}
		built := map[string]interface{}{"code": concept}
		if v, ok := floatValue(comp, "value"); ok {
			unit := stringValue(comp, "unit")
			if unit == "" {
				unit = entry.unit
			}
			q, err := f.deps.Coding.Quantity(v, unit, "", "")
			if err != nil {
				return nil, err
			}
			built["valueQuantity"] = q
		}
		if interp := stringValue(comp, "interpretation"); interp != "" {
			built["interpretation"] = []interface{}{coding.TextConcept(interp)}
		}
		out = append(out, built)
	}
	return out, nil
}

func (f *ClinicalFactory) buildDiagnosticReport(input map[string]interface{}) (map[string]interface{}, error) {
	title := stringValue(input, "title", "name", "code")
	catCode, catDisplay := "OTH", "Other"
	lowered := strings.ToLower(title)
	for _, entry := range reportCategoryKeywords {
		if containsAny(lowered, entry.words...) {
			catCode, catDisplay = entry.code, entry.display
			break
		}
	}
	category, err := f.deps.Coding.CodeableConcept("v2-0074", catCode, catDisplay, catDisplay)
	if err != nil {
		return nil, err
	}

	report := map[string]interface{}{
		"resourceType":      "DiagnosticReport",
		"status":            observationStatus(stringValue(input, "status")),
		"code":              coding.TextConcept(title),
		"subject":           referenceObject(patientReference(input)),
		"category":          []interface{}{category},
		"effectiveDateTime": effectiveTime(input),
	}
	if conclusion := stringValue(input, "conclusion", "impression"); conclusion != "" {
		report["conclusion"] = conclusion
	}
	if results := stringList(input["result_refs"]); len(results) > 0 {
		refs := make([]interface{}, 0, len(results))
		for _, r := range results {
			refs = append(refs, referenceObject(r))
		}
		report["result"] = refs
	}
	return report, nil
}

func (f *ClinicalFactory) buildServiceRequest(input map[string]interface{}) (map[string]interface{}, error) {
	service := stringValue(input, "service", "name", "code")

	req := map[string]interface{}{
		"resourceType": "ServiceRequest",
		"status":       serviceRequestStatus(stringValue(input, "status")),
		"intent":       fhirmodels.MedIntentOrder,
		"code":         coding.TextConcept(service),
		"subject":      referenceObject(patientReference(input)),
		"priority":     NormalizePriority(stringValue(input, "priority")),
		"authoredOn":   time.Now().UTC().Format(time.RFC3339),
	}

	lowered := strings.ToLower(service + " " + stringValue(input, "category"))
	for keyword, code := range serviceCategoryCodes {
		if strings.Contains(lowered, keyword) {
			concept, err := f.deps.Coding.CodeableConcept("snomed", code[0], code[1], code[1])
			if err != nil {
				return nil, err
			}
			req["category"] = []interface{}{concept}
			break
		}
	}
	if reason := stringValue(input, "reason"); reason != "" {
		req["reasonCode"] = []interface{}{coding.TextConcept(reason)}
	}
	return req, nil
}

// NormalizePriority maps priority words onto the request priority value set.
func NormalizePriority(p string) string {
	switch normalizeToken(p) {
	case "urgent", "high":
		return fhirmodels.PriorityUrgent
	case "asap":
		return fhirmodels.PriorityASAP
	case "stat", "emergency", "immediate":
		return fhirmodels.PriorityStat
	default:
		return fhirmodels.PriorityRoutine
	}
}

func (f *ClinicalFactory) buildCondition(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "condition_name", "name", "code")

	var concept map[string]interface{}
	if icd := stringValue(input, "icd10_code", "icd_code"); icd != "" {
		c, err := f.deps.Coding.CodeableConcept("icd10cm", icd, name, name)
		if err != nil {
			return nil, inputErrorf("ClinicalFactory: %v", err)
		}
		concept = c
	} else if sct := stringValue(input, "snomed_code"); sct != "" {
		c, err := f.deps.Coding.CodeableConcept("snomed", sct, name, name)
		if err != nil {
			return nil, inputErrorf("ClinicalFactory: %v", err)
		}
		concept = c
	} else {
		concept = coding.TextConcept(name)
	}

	clinical := normalizeToken(stringValue(input, "clinical_status"))
	if !conditionClinicalCodes[clinical] {
		clinical = "active"
	}
	verification := normalizeToken(stringValue(input, "verification_status"))
	if !conditionVerificationCodes[verification] {
		verification = "confirmed"
	}
	clinicalConcept, err := f.deps.Coding.CodeableConcept("condition-clinical", clinical, clinical, clinical)
	if err != nil {
		return nil, err
	}
	verificationConcept, err := f.deps.Coding.CodeableConcept("condition-ver-status", verification, verification, verification)
	if err != nil {
		return nil, err
	}

	cond := map[string]interface{}{
		"resourceType":       "Condition",
		"code":               concept,
		"subject":            referenceObject(patientReference(input)),
		"clinicalStatus":     clinicalConcept,
		"verificationStatus": verificationConcept,
	}
	if onset := stringValue(input, "onset", "onset_date"); onset != "" {
		cond["onsetDateTime"] = onset
	}
	return cond, nil
}

// InferAllergenCategory classifies an allergen name into the FHIR category set.
func InferAllergenCategory(allergen string) string {
	lowered := strings.ToLower(allergen)
	for category, members := range allergenCategories {
		for _, m := range members {
			if strings.Contains(lowered, m) {
				return category
			}
		}
	}
	return ""
}

func (f *ClinicalFactory) buildAllergyIntolerance(input map[string]interface{}) (map[string]interface{}, error) {
	allergen := stringValue(input, "allergen", "substance", "name")

	clinicalConcept, err := f.deps.Coding.CodeableConcept("allergy-clinical", "active", "Active", "Active")
	if err != nil {
		return nil, err
	}

	ai := map[string]interface{}{
		"resourceType":   "AllergyIntolerance",
		"code":           coding.TextConcept(allergen),
		"patient":        referenceObject(patientReference(input)),
		"clinicalStatus": clinicalConcept,
	}

	category := stringValue(input, "category")
	if category == "" {
		category = InferAllergenCategory(allergen)
	}
	if category != "" {
		ai["category"] = []interface{}{category}
	}

	switch normalizeToken(stringValue(input, "criticality", "severity")) {
	case "high", "severe", "life-threatening":
		ai["criticality"] = fhirmodels.CriticalityHigh
	case "low", "mild", "moderate":
		ai["criticality"] = fhirmodels.CriticalityLow
	case "":
	default:
		ai["criticality"] = fhirmodels.CriticalityUnassessable
	}

	if reactions := stringList(input["reactions"]); len(reactions) > 0 {
		manifestations := make([]interface{}, 0, len(reactions))
		for _, r := range reactions {
			if code, ok := manifestationSNOMED[normalizeToken(r)]; ok {
				concept, err := f.deps.Coding.CodeableConcept("snomed", code[0], code[1], r)
				if err != nil {
					return nil, err
				}
				manifestations = append(manifestations, concept)
			} else {
				manifestations = append(manifestations, coding.TextConcept(r))
			}
		}
		ai["reaction"] = []interface{}{map[string]interface{}{"manifestation": manifestations}}
	}
	return ai, nil
}

func (f *ClinicalFactory) buildRiskAssessment(input map[string]interface{}) (map[string]interface{}, error) {
	ra := map[string]interface{}{
		"resourceType": "RiskAssessment",
		"status":       observationStatus(stringValue(input, "status")),
		"subject":      referenceObject(patientReference(input)),
	}
	if condition := stringValue(input, "condition_ref", "condition"); condition != "" {
		ra["condition"] = referenceObject(condition)
	}

	prediction := map[string]interface{}{}
	if outcome := stringValue(input, "outcome"); outcome != "" {
		prediction["outcome"] = coding.TextConcept(outcome)
	}

	if p, ok := floatValue(input, "probability"); ok {
		if p < 0 || p > 1 {
			return nil, inputErrorf("ClinicalFactory: probability %v outside [0,1]", p)
		}
		prediction["probabilityDecimal"] = p
	} else if low, okLow := floatValue(input, "probability_low"); okLow {
		high, okHigh := floatValue(input, "probability_high")
		if !okHigh {
			return nil, inputErrorf("ClinicalFactory: probability_low requires probability_high")
		}
		prediction["probabilityRange"] = map[string]interface{}{
			"low":  map[string]interface{}{"value": low},
			"high": map[string]interface{}{"value": high},
		}
	} else if q := normalizeToken(stringValue(input, "qualitative_risk", "risk")); q != "" {
		if !qualitativeRiskCodes[q] {
			return nil, inputErrorf("ClinicalFactory: unknown qualitative risk %q", q)
		}
		concept, err := f.deps.Coding.CodeableConcept("risk-probability", q, q, q)
		if err != nil {
			return nil, err
		}
		prediction["qualitativeRisk"] = concept
	}

	if len(prediction) > 0 {
		ra["prediction"] = []interface{}{prediction}
	}
	return ra, nil
}

func (f *ClinicalFactory) buildImagingStudy(input map[string]interface{}) (map[string]interface{}, error) {
	rawSeries := listValue(input, "series")
	if len(rawSeries) == 0 {
		return nil, inputErrorf("ClinicalFactory: ImagingStudy requires at least one series")
	}

	series := make([]interface{}, 0, len(rawSeries))
	totalInstances := 0
	for i, item := range rawSeries {
		s, ok := item.(map[string]interface{})
		if !ok {
			return nil, inputErrorf("ClinicalFactory: series entry %d is not an object", i)
		}
		uid := stringValue(s, "uid")
		if uid == "" {
			if !f.synthesizeUIDs {
				return nil, inputErrorf("ClinicalFactory: series entry %d is missing uid", i)
			}
			uid = SynthesizeSeriesUID()
		}
		modality := stringValue(s, "modality")
		code, ok := modalityDCM[normalizeToken(modality)]
		if !ok {
			return nil, inputErrorf("ClinicalFactory: unknown imaging modality %q", modality)
		}
		modalityCoding, err := f.deps.Coding.Coding("dcm", code[0], code[1])
		if err != nil {
			return nil, err
		}

		instances := 1
		if n, found := floatValue(s, "number_of_instances", "instances"); found {
			instances = int(n)
		}
		totalInstances += instances

		entry := map[string]interface{}{
			"uid":               uid,
			"number":            i + 1,
			"modality":          modalityCoding,
			"numberOfInstances": instances,
		}
		if desc := stringValue(s, "description"); desc != "" {
			entry["description"] = desc
		}
		series = append(series, entry)
	}

	study := map[string]interface{}{
		"resourceType":      "ImagingStudy",
		"status":            "available",
		"subject":           referenceObject(patientReference(input)),
		"started":           effectiveTime(input),
		"series":            series,
		"numberOfSeries":    len(series),
		"numberOfInstances": totalInstances,
	}
	if desc := stringValue(input, "description"); desc != "" {
		study["description"] = desc
	}
	return study, nil
}

// SynthesizeSeriesUID mints a DICOM UID in the 2.25 UUID-derived arc.
func SynthesizeSeriesUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

func (f *ClinicalFactory) buildImmunization(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "vaccine_name", "vaccine")

	var vaccineCode map[string]interface{}
	if cvx := stringValue(input, "cvx_code"); cvx != "" {
		c, err := f.deps.Coding.CodeableConcept("cvx", cvx, name, name)
		if err != nil {
			return nil, inputErrorf("ClinicalFactory: %v", err)
		}
		vaccineCode = c
	} else {
		vaccineCode = coding.TextConcept(name)
	}

	status := normalizeToken(stringValue(input, "status"))
	switch status {
	case "completed", "not-done", "entered-in-error":
	default:
		status = "completed"
	}

	imm := map[string]interface{}{
		"resourceType":       "Immunization",
		"status":             status,
		"vaccineCode":        vaccineCode,
		"patient":            referenceObject(patientReference(input)),
		"occurrenceDateTime": effectiveTime(input),
	}
	if lot := stringValue(input, "lot_number"); lot != "" {
		imm["lotNumber"] = lot
	}
	if site := stringValue(input, "site"); site != "" {
		imm["site"] = coding.TextConcept(site)
	}
	return imm, nil
}

func observationStatus(raw string) string {
	switch normalizeToken(raw) {
	case "registered":
		return fhirmodels.ObsStatusRegistered
	case "preliminary":
		return fhirmodels.ObsStatusPreliminary
	case "amended":
		return fhirmodels.ObsStatusAmended
	case "cancelled":
		return fhirmodels.ObsStatusCancelled
	default:
		return fhirmodels.ObsStatusFinal
	}
}

func serviceRequestStatus(raw string) string {
	switch normalizeToken(raw) {
	case "draft", "on-hold", "revoked", "completed", "entered-in-error", "unknown":
		return normalizeToken(raw)
	default:
		return "active"
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
