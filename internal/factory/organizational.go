package factory

import (
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
)

// TaxIDSystem is the OID for US employer identification numbers.
const TaxIDSystem = "urn:oid:2.16.840.1.113883.4.4"

// locationTypeKeywords maps location names to SNOMED environment codes.
var locationTypeKeywords = []struct {
	keyword string
	code    string
	display string
}{
	{"icu", "309904001", "Intensive care unit"},
	{"intensive care", "309904001", "Intensive care unit"},
	{"operating room", "225738002", "Operating room"},
	{"or suite", "225738002", "Operating room"},
	{"emergency", "225728007", "Accident and Emergency department"},
	{"pharmacy", "264372000", "Pharmacy"},
	{"ward", "225746001", "Ward"},
	{"clinic", "257585005", "Clinic"},
	{"hospital", "22232009", "Hospital"},
	{"laboratory", "261904005", "Laboratory"},
	{"radiology", "225748000", "Radiology department"},
}

var locationPhysicalTypes = map[string]string{
	"si":   "Site",
	"bu":   "Building",
	"wi":   "Wing",
	"wa":   "Ward",
	"lvl":  "Level",
	"co":   "Corridor",
	"ro":   "Room",
	"bd":   "Bed",
	"ve":   "Vehicle",
	"ho":   "House",
	"ca":   "Cabinet",
	"rd":   "Road",
	"area": "Area",
	"jdn":  "Jurisdiction",
}

var locationModes = map[string]bool{"instance": true, "kind": true}

var daysOfWeek = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

// organizationContactPurposes maps contact purposes to v3-ParticipationType
// style codes from the contactentity-type CodeSystem.
var organizationContactPurposes = map[string]string{
	"admin":   "ADMIN",
	"billing": "BILL",
	"hr":      "HR",
	"payor":   "PAYOR",
	"patient": "PATINF",
	"press":   "PRESS",
}

// serviceCategoryTable maps service keywords to service-category codes.
var serviceCategoryTable = map[string][2]string{
	"general practice": {"17", "General Practice"},
	"primary care":     {"17", "General Practice"},
	"counselling":      {"8", "Counselling"},
	"counseling":       {"8", "Counselling"},
	"specialist":       {"27", "Specialist Medical"},
	"hospital":         {"35", "Hospital"},
	"emergency":        {"14", "Emergency Department"},
	"mental health":    {"22", "Mental Health"},
	"home care":        {"18", "Home Care"},
}

// specialtySNOMED maps common specialty names to SNOMED CT.
var specialtySNOMED = map[string][2]string{
	"cardiology":  {"394579002", "Cardiology"},
	"dermatology": {"394582007", "Dermatology"},
	"pediatrics":  {"394537008", "Pediatrics"},
	"oncology":    {"394593009", "Medical oncology"},
	"orthopedics": {"408459003", "Orthopedic surgery"},
	"neurology":   {"394591006", "Neurology"},
	"psychiatry":  {"394587001", "Psychiatry"},
	"radiology":   {"394914008", "Radiology"},
	"surgery":     {"394609007", "General surgery"},
}

var referralMethods = map[string]bool{
	"fax": true, "phone": true, "elec": true, "semail": true, "mail": true,
}

var organizationalTypes = map[string]bool{
	"Location":          true,
	"Organization":      true,
	"HealthcareService": true,
}

// OrganizationalFactory builds Location, Organization, and HealthcareService.
type OrganizationalFactory struct {
	*base
}

// NewOrganizationalFactory creates an OrganizationalFactory.
func NewOrganizationalFactory(deps Deps) *OrganizationalFactory {
	f := &OrganizationalFactory{}
	f.base = newBase("OrganizationalFactory", deps, f, 50*time.Millisecond)
	return f
}

func (f *OrganizationalFactory) supports(rt string) bool { return organizationalTypes[rt] }

func (f *OrganizationalFactory) requiredInput(rt string) []string {
	switch rt {
	case "HealthcareService":
		return []string{"name|service_name"}
	default:
		return []string{"name"}
	}
}

func (f *OrganizationalFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	switch rt {
	case "Location":
		return f.buildLocation(input)
	case "Organization":
		return f.buildOrganization(input)
	case "HealthcareService":
		return f.buildHealthcareService(input)
	}
	return nil, inputErrorf("OrganizationalFactory: unsupported type %q", rt)
}

func (f *OrganizationalFactory) buildLocation(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "name")

	loc := map[string]interface{}{
		"resourceType": "Location",
		"name":         name,
		"status":       "active",
	}

	mode := normalizeToken(stringValue(input, "mode"))
	if mode != "" {
		if !locationModes[mode] {
			return nil, inputErrorf("OrganizationalFactory: location mode must be instance or kind, got %q", mode)
		}
		loc["mode"] = mode
	}

	if aliases := stringList(input["alias"]); len(aliases) > 0 {
		loc["alias"] = aliases
	}

	typeText := stringValue(input, "type")
	if typeText == "" {
		typeText = name
	}
	lowered := normalizeToken(typeText)
	for _, entry := range locationTypeKeywords {
		if containsAny(lowered, entry.keyword) {
			concept, err := f.deps.Coding.CodeableConcept("snomed", entry.code, entry.display, typeText)
			if err != nil {
				return nil, err
			}
			loc["type"] = []interface{}{concept}
			break
		}
	}

	if pt := normalizeToken(stringValue(input, "physical_type")); pt != "" {
		display, ok := locationPhysicalTypes[pt]
		if !ok {
			return nil, inputErrorf("OrganizationalFactory: unknown physical type %q", pt)
		}
		concept, err := f.deps.Coding.CodeableConcept("location-physical-type", pt, display, display)
		if err != nil {
			return nil, err
		}
		loc["physicalType"] = concept
	}

	if addr := mapValue(input, "address"); addr != nil {
		loc["address"] = addr
	}

	if pos := mapValue(input, "position"); pos != nil {
		lat, okLat := floatValue(pos, "latitude")
		lng, okLng := floatValue(pos, "longitude")
		if !okLat || !okLng {
			return nil, inputErrorf("OrganizationalFactory: position requires latitude and longitude")
		}
		position := map[string]interface{}{"latitude": lat, "longitude": lng}
		if alt, ok := floatValue(pos, "altitude"); ok {
			position["altitude"] = alt
		}
		loc["position"] = position
	}

	if hours := listValue(input, "hours_of_operation"); len(hours) > 0 {
		built, err := buildHours(hours)
		if err != nil {
			return nil, err
		}
		loc["hoursOfOperation"] = built
	}

	if org := stringValue(input, "managing_organization"); org != "" {
		loc["managingOrganization"] = referenceObject(org)
	}
	if parent := stringValue(input, "part_of"); parent != "" {
		loc["partOf"] = referenceObject(parent)
	}
	return loc, nil
}

func buildHours(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for i, item := range raw {
		h, ok := item.(map[string]interface{})
		if !ok {
			return nil, inputErrorf("OrganizationalFactory: hours entry %d is not an object", i)
		}
		entry := map[string]interface{}{}
		days := stringList(h["days_of_week"])
		if len(days) == 0 {
			days = stringList(h["daysOfWeek"])
		}
		if len(days) > 0 {
			normalized := make([]interface{}, 0, len(days))
			for _, d := range days {
				day := normalizeToken(d)
				if len(day) > 3 {
					day = day[:3]
				}
				if !daysOfWeek[day] {
					return nil, inputErrorf("OrganizationalFactory: unknown day of week %q", d)
				}
				normalized = append(normalized, day)
			}
			entry["daysOfWeek"] = normalized
		}
		if allDay, ok := boolValue(h, "all_day", "allDay"); ok && allDay {
			entry["allDay"] = true
		} else {
			if open := stringValue(h, "opening_time", "openingTime"); open != "" {
				entry["openingTime"] = open
			}
			if closing := stringValue(h, "closing_time", "closingTime"); closing != "" {
				entry["closingTime"] = closing
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *OrganizationalFactory) buildOrganization(input map[string]interface{}) (map[string]interface{}, error) {
	org := map[string]interface{}{
		"resourceType": "Organization",
		"name":         stringValue(input, "name"),
		"active":       true,
	}

	var identifiers []interface{}
	if npi := stringValue(input, "npi"); npi != "" {
		identifiers = append(identifiers, map[string]interface{}{
			"system": coding.SystemNPI,
			"value":  npi,
		})
	}
	if ein := stringValue(input, "tax_id", "ein"); ein != "" {
		identifiers = append(identifiers, map[string]interface{}{
			"system": TaxIDSystem,
			"value":  ein,
		})
	}
	if len(identifiers) > 0 {
		org["identifier"] = identifiers
	}

	if contacts := listValue(input, "contacts"); len(contacts) > 0 {
		built, err := f.buildOrgContacts(contacts)
		if err != nil {
			return nil, err
		}
		org["contact"] = built
	}
	if addr := mapValue(input, "address"); addr != nil {
		org["address"] = []interface{}{addr}
	}
	if parent := stringValue(input, "part_of"); parent != "" {
		org["partOf"] = referenceObject(parent)
	}
	return org, nil
}

func (f *OrganizationalFactory) buildOrgContacts(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for i, item := range raw {
		c, ok := item.(map[string]interface{})
		if !ok {
			return nil, inputErrorf("OrganizationalFactory: contact %d is not an object", i)
		}
		contact := map[string]interface{}{}
		if purpose := normalizeToken(stringValue(c, "purpose")); purpose != "" {
			code, ok := organizationContactPurposes[purpose]
			if !ok {
				code = "ADMIN"
			}
			concept, err := f.deps.Coding.CodeableConcept(
				"http://terminology.hl7.org/CodeSystem/contactentity-type", code, code, purpose)
			if err != nil {
				return nil, err
			}
			contact["purpose"] = concept
		}
		if name := stringValue(c, "name"); name != "" {
			contact["name"] = map[string]interface{}{"text": name}
		}
		if phone := stringValue(c, "phone"); phone != "" {
			contact["telecom"] = []interface{}{map[string]interface{}{
				"system": "phone",
				"value":  FormatPhone(phone),
			}}
		}
		out = append(out, contact)
	}
	return out, nil
}

func (f *OrganizationalFactory) buildHealthcareService(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "name", "service_name")

	svc := map[string]interface{}{
		"resourceType": "HealthcareService",
		"name":         name,
		"active":       true,
	}

	catKey := normalizeToken(stringValue(input, "category"))
	if catKey == "" {
		catKey = normalizeToken(name)
	}
	for keyword, entry := range serviceCategoryTable {
		if containsAny(catKey, keyword) {
			concept, err := f.deps.Coding.CodeableConcept("service-category", entry[0], entry[1], entry[1])
			if err != nil {
				return nil, err
			}
			svc["category"] = []interface{}{concept}
			break
		}
	}

	if specialty := normalizeToken(stringValue(input, "specialty")); specialty != "" {
		if entry, ok := specialtySNOMED[specialty]; ok {
			concept, err := f.deps.Coding.CodeableConcept("snomed", entry[0], entry[1], specialty)
			if err != nil {
				return nil, err
			}
			svc["specialty"] = []interface{}{concept}
		} else {
			svc["specialty"] = []interface{}{coding.TextConcept(specialty)}
		}
	}

	if areas := stringList(input["coverage_area"]); len(areas) > 0 {
		refs := make([]interface{}, 0, len(areas))
		for _, a := range areas {
			refs = append(refs, referenceObject(a))
		}
		svc["coverageArea"] = refs
	}
	if eligibility := stringValue(input, "eligibility"); eligibility != "" {
		svc["eligibility"] = []interface{}{map[string]interface{}{
			"code": coding.TextConcept(eligibility),
		}}
	}

	if slots := listValue(input, "available_times", "availability"); len(slots) > 0 {
		built, err := buildAvailability(slots)
		if err != nil {
			return nil, err
		}
		svc["availableTime"] = built
	}
	if windows := listValue(input, "not_available"); len(windows) > 0 {
		built := make([]interface{}, 0, len(windows))
		for _, item := range windows {
			w, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entry := map[string]interface{}{
				"description": stringValue(w, "description"),
			}
			if during := mapValue(w, "during"); during != nil {
				entry["during"] = during
			}
			built = append(built, entry)
		}
		svc["notAvailable"] = built
	}

	if method := normalizeToken(stringValue(input, "referral_method")); method != "" {
		if !referralMethods[method] {
			return nil, inputErrorf("OrganizationalFactory: unknown referral method %q", method)
		}
		concept, err := f.deps.Coding.CodeableConcept(
			"http://terminology.hl7.org/CodeSystem/service-referral-method", method, method, method)
		if err != nil {
			return nil, err
		}
		svc["referralMethod"] = []interface{}{concept}
	}
	if required, ok := boolValue(input, "appointment_required"); ok {
		svc["appointmentRequired"] = required
	}
	if org := stringValue(input, "provided_by"); org != "" {
		svc["providedBy"] = referenceObject(org)
	}
	return svc, nil
}

func buildAvailability(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	for i, item := range raw {
		slot, ok := item.(map[string]interface{})
		if !ok {
			return nil, inputErrorf("OrganizationalFactory: availability slot %d is not an object", i)
		}
		entry := map[string]interface{}{}
		days := stringList(slot["days_of_week"])
		if len(days) == 0 {
			days = stringList(slot["daysOfWeek"])
		}
		if len(days) > 0 {
			normalized := make([]interface{}, 0, len(days))
			for _, d := range days {
				day := normalizeToken(d)
				if len(day) > 3 {
					day = day[:3]
				}
				if !daysOfWeek[day] {
					return nil, inputErrorf("OrganizationalFactory: unknown day of week %q", d)
				}
				normalized = append(normalized, day)
			}
			entry["daysOfWeek"] = normalized
		}
		if start := stringValue(slot, "available_start_time", "availableStartTime"); start != "" {
			entry["availableStartTime"] = start
		}
		if end := stringValue(slot, "available_end_time", "availableEndTime"); end != "" {
			entry["availableEndTime"] = end
		}
		out = append(out, entry)
	}
	return out, nil
}
