package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

// MRNSystem is the institution-local identifier system for medical record numbers.
const MRNSystem = "http://hospital.local/patient-id"

// genderMap normalizes free-form gender input to FHIR administrative-gender.
var genderMap = map[string]string{
	"m": fhirmodels.GenderMale, "male": fhirmodels.GenderMale, "man": fhirmodels.GenderMale,
	"f": fhirmodels.GenderFemale, "female": fhirmodels.GenderFemale, "woman": fhirmodels.GenderFemale,
	"o": fhirmodels.GenderOther, "other": fhirmodels.GenderOther,
	"u": fhirmodels.GenderUnknown, "unknown": fhirmodels.GenderUnknown,
}

// birthDateLayouts are the accepted input patterns for patient birth dates.
var birthDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"20060102",
}

// maritalStatusCodes maps input tokens to HL7 v3-MaritalStatus codes.
var maritalStatusCodes = map[string][2]string{
	"married":       {"M", "Married"},
	"single":        {"S", "Never Married"},
	"never married": {"S", "Never Married"},
	"divorced":      {"D", "Divorced"},
	"widowed":       {"W", "Widowed"},
	"separated":     {"L", "Legally Separated"},
	"unknown":       {"UNK", "Unknown"},
}

// emergencyRelationshipCodes maps relationship words to v3-RoleCode codes.
var emergencyRelationshipCodes = map[string][2]string{
	"spouse":   {"SPS", "spouse"},
	"husband":  {"HUSB", "husband"},
	"wife":     {"WIFE", "wife"},
	"parent":   {"PRN", "parent"},
	"mother":   {"MTH", "mother"},
	"father":   {"FTH", "father"},
	"child":    {"CHILD", "child"},
	"daughter": {"DAUC", "daughter"},
	"son":      {"SONC", "son"},
	"sibling":  {"SIB", "sibling"},
	"brother":  {"BRO", "brother"},
	"sister":   {"SIS", "sister"},
	"friend":   {"FRND", "unrelated friend"},
	"guardian": {"GUARD", "guardian"},
}

// PatientFactory builds Patient resources from demographic input.
type PatientFactory struct {
	*base
}

// NewPatientFactory creates a PatientFactory.
func NewPatientFactory(deps Deps) *PatientFactory {
	f := &PatientFactory{}
	f.base = newBase("PatientFactory", deps, f, 50*time.Millisecond)
	return f
}

func (f *PatientFactory) supports(rt string) bool { return rt == "Patient" }

func (f *PatientFactory) requiredInput(string) []string { return nil }

func (f *PatientFactory) build(_ string, input map[string]interface{}) (map[string]interface{}, error) {
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"active":       true,
	}
	if id := stringValue(input, "id", "patient_id"); id != "" {
		patient["id"] = strings.TrimPrefix(id, "Patient/")
	}

	if names := f.buildNames(input); len(names) > 0 {
		patient["name"] = names
	}

	var identifiers []interface{}
	if mrn := stringValue(input, "mrn", "medical_record_number"); mrn != "" {
		identifiers = append(identifiers, map[string]interface{}{
			"type": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{
					"system": coding.SystemV2IdentifierType,
					"code":   "MR",
				}},
			},
			"system": MRNSystem,
			"value":  mrn,
		})
	}
	if ssn := stringValue(input, "ssn", "social_security_number"); ssn != "" {
		if formatted, ok := FormatSSN(ssn); ok {
			identifiers = append(identifiers, map[string]interface{}{
				"system": "http://hl7.org/fhir/sid/us-ssn",
				"value":  formatted,
			})
		} else {
			f.deps.Logger.Warn().Str("factory", f.name).Msg("discarding malformed SSN input")
		}
	}
	if len(identifiers) > 0 {
		patient["identifier"] = identifiers
	}

	if gender := stringValue(input, "gender", "sex"); gender != "" {
		patient["gender"] = NormalizeGender(gender)
	}

	if bd := stringValue(input, "birth_date", "birthdate", "dob", "date_of_birth"); bd != "" {
		parsed, err := ParseBirthDate(bd)
		if err != nil {
			return nil, inputErrorf("PatientFactory: %v", err)
		}
		patient["birthDate"] = parsed
	}

	if telecom := f.buildTelecom(input); len(telecom) > 0 {
		patient["telecom"] = telecom
	}
	if addr := mapValue(input, "address"); addr != nil {
		patient["address"] = []interface{}{addr}
	}

	if ms := stringValue(input, "marital_status"); ms != "" {
		code, ok := maritalStatusCodes[normalizeToken(ms)]
		if !ok {
			code = maritalStatusCodes["unknown"]
		}
		patient["maritalStatus"] = map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{
				"system":  "http://terminology.hl7.org/CodeSystem/v3-MaritalStatus",
				"code":    code[0],
				"display": code[1],
			}},
			"text": ms,
		}
	}

	if lang := stringValue(input, "language", "preferred_language"); lang != "" {
		code := languageCode(lang)
		patient["communication"] = []interface{}{map[string]interface{}{
			"language": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{
					"system": "urn:ietf:bcp:47",
					"code":   code,
				}},
				"text": lang,
			},
			"preferred": true,
		}}
	}

	if contacts := f.buildEmergencyContacts(input); len(contacts) > 0 {
		patient["contact"] = contacts
	}

	if gps := stringList(input["general_practitioner"]); len(gps) > 0 {
		refs := make([]interface{}, 0, len(gps))
		for _, gp := range gps {
			if !strings.Contains(gp, "/") {
				gp = "Practitioner/" + gp
			}
			refs = append(refs, referenceObject(gp))
		}
		patient["generalPractitioner"] = refs
	}
	if org := stringValue(input, "managing_organization"); org != "" {
		if !strings.Contains(org, "/") {
			org = "Organization/" + org
		}
		patient["managingOrganization"] = referenceObject(org)
	}

	return patient, nil
}

// buildNames assembles HumanName entries from string or structured input.
// String parsing splits "Last, First Mid" on comma; otherwise the last token
// is the family name.
func (f *PatientFactory) buildNames(input map[string]interface{}) []interface{} {
	var names []interface{}

	appendParsed := func(raw string) {
		if name := ParseHumanName(raw); name != nil {
			names = append(names, name)
		}
	}

	if raw := stringValue(input, "name", "full_name"); raw != "" {
		appendParsed(raw)
	}
	for _, raw := range stringList(input["names"]) {
		appendParsed(raw)
	}

	family := stringValue(input, "family", "last_name")
	givenFirst := stringValue(input, "given", "first_name")
	if family != "" || givenFirst != "" {
		name := map[string]interface{}{"use": "official"}
		if family != "" {
			name["family"] = family
		}
		var given []interface{}
		if givenFirst != "" {
			given = append(given, givenFirst)
		}
		if middle := stringValue(input, "middle_name"); middle != "" {
			given = append(given, middle)
		}
		if len(given) > 0 {
			name["given"] = given
		}
		if prefix := stringValue(input, "prefix"); prefix != "" {
			name["prefix"] = []interface{}{prefix}
		}
		if suffix := stringValue(input, "suffix"); suffix != "" {
			name["suffix"] = []interface{}{suffix}
		}
		names = append(names, name)
	}
	return names
}

func (f *PatientFactory) buildTelecom(input map[string]interface{}) []interface{} {
	var telecom []interface{}
	if phone := stringValue(input, "phone", "phone_number", "telephone"); phone != "" {
		telecom = append(telecom, map[string]interface{}{
			"system": "phone",
			"value":  FormatPhone(phone),
			"use":    "home",
		})
	}
	if email := stringValue(input, "email"); email != "" {
		telecom = append(telecom, map[string]interface{}{
			"system": "email",
			"value":  email,
		})
	}
	return telecom
}

func (f *PatientFactory) buildEmergencyContacts(input map[string]interface{}) []interface{} {
	raw, ok := input["emergency_contacts"].([]interface{})
	if !ok {
		if single := mapValue(input, "emergency_contact"); single != nil {
			raw = []interface{}{single}
		}
	}
	var contacts []interface{}
	for _, item := range raw {
		ec, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		contact := map[string]interface{}{}
		if rel := stringValue(ec, "relationship"); rel != "" {
			code, found := emergencyRelationshipCodes[normalizeToken(rel)]
			if !found {
				code = [2]string{"C", "emergency contact"}
			}
			contact["relationship"] = []interface{}{map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{
					"system":  coding.SystemV3RoleCode,
					"code":    code[0],
					"display": code[1],
				}},
				"text": rel,
			}}
		}
		if name := stringValue(ec, "name"); name != "" {
			if parsed := ParseHumanName(name); parsed != nil {
				contact["name"] = parsed
			}
		}
		if phone := stringValue(ec, "phone"); phone != "" {
			contact["telecom"] = []interface{}{map[string]interface{}{
				"system": "phone",
				"value":  FormatPhone(phone),
			}}
		}
		if len(contact) > 0 {
			contacts = append(contacts, contact)
		}
	}
	return contacts
}

// ParseHumanName parses a free-text person name into a HumanName map.
// "Last, First Mid" splits on the comma; otherwise the final token is the
// family name and the rest are given names.
func ParseHumanName(raw string) map[string]interface{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	name := map[string]interface{}{"use": "official", "text": raw}
	if idx := strings.Index(raw, ","); idx >= 0 {
		family := strings.TrimSpace(raw[:idx])
		rest := strings.Fields(strings.TrimSpace(raw[idx+1:]))
		if family != "" {
			name["family"] = family
		}
		if len(rest) > 0 {
			given := make([]interface{}, len(rest))
			for i, g := range rest {
				given[i] = g
			}
			name["given"] = given
		}
		return name
	}
	tokens := strings.Fields(raw)
	if len(tokens) == 1 {
		name["family"] = tokens[0]
		return name
	}
	name["family"] = tokens[len(tokens)-1]
	given := make([]interface{}, len(tokens)-1)
	for i, g := range tokens[:len(tokens)-1] {
		given[i] = g
	}
	name["given"] = given
	return name
}

// NormalizeGender maps free-form gender input to a FHIR administrative-gender
// code, defaulting to unknown.
func NormalizeGender(raw string) string {
	if g, ok := genderMap[normalizeToken(raw)]; ok {
		return g
	}
	return fhirmodels.GenderUnknown
}

// ParseBirthDate parses a birth date through the accepted input patterns and
// renders it as YYYY-MM-DD.
func ParseBirthDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized birth date format %q", raw)
}

// FormatSSN extracts digits and reformats to XXX-XX-XXXX. ok is false when
// the input does not contain exactly nine digits.
func FormatSSN(raw string) (string, bool) {
	digits := digitsOf(raw)
	if len(digits) != 9 {
		return "", false
	}
	return digits[:3] + "-" + digits[3:5] + "-" + digits[5:], true
}

// FormatPhone normalizes a phone number: (XXX) XXX-XXXX for 10 US digits,
// +1 (XXX) XXX-XXXX for 11 digits beginning with 1, otherwise +<digits>.
func FormatPhone(raw string) string {
	digits := digitsOf(raw)
	switch {
	case len(digits) == 10:
		return fmt.Sprintf("(%s) %s-%s", digits[:3], digits[3:6], digits[6:])
	case len(digits) == 11 && digits[0] == '1':
		return fmt.Sprintf("+1 (%s) %s-%s", digits[1:4], digits[4:7], digits[7:])
	default:
		return "+" + digits
	}
}

// ParsePhone reduces a formatted phone number to its canonical digit string,
// dropping a leading US country code.
func ParsePhone(formatted string) string {
	digits := digitsOf(formatted)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// languageCode reduces a language name to an ISO 639-1 two-letter code.
func languageCode(lang string) string {
	switch normalizeToken(lang) {
	case "english", "en":
		return "en"
	case "spanish", "es":
		return "es"
	case "french", "fr":
		return "fr"
	case "german", "de":
		return "de"
	case "chinese", "mandarin", "zh":
		return "zh"
	case "vietnamese", "vi":
		return "vi"
	case "arabic", "ar":
		return "ar"
	case "russian", "ru":
		return "ru"
	case "portuguese", "pt":
		return "pt"
	case "korean", "ko":
		return "ko"
	default:
		if len(lang) == 2 {
			return strings.ToLower(lang)
		}
		return "en"
	}
}
