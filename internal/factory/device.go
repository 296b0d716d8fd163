package factory

import (
	"time"

	"github.com/fhirflow/fhirflow/internal/platform/coding"
)

// deviceTypeKeywords infers the device type from its name.
var deviceTypeKeywords = []struct {
	keyword string
	code    string
	display string
}{
	{"pca pump", "462867003", "Patient-controlled analgesia pump"},
	{"syringe pump", "466440004", "Syringe pump"},
	{"iv pump", "303490004", "Infusion pump"},
	{"infusion pump", "303490004", "Infusion pump"},
	{"ventilator", "706172005", "Ventilator"},
	{"defibrillator", "734980006", "Defibrillator"},
	{"monitor", "706767009", "Patient monitor"},
}

// deviceMetricLOINC codes the supported DeviceMetric types.
var deviceMetricLOINC = map[string]loincEntry{
	"heart_rate":        {"8867-4", "Heart rate", "beats/min"},
	"blood_pressure":    {"85354-9", "Blood pressure panel with all children optional", "mm[Hg]"},
	"temperature":       {"8310-5", "Body temperature", "Cel"},
	"oxygen_saturation": {"2708-6", "Oxygen saturation in Arterial blood", "%"},
	"flow_rate":         {"33438-3", "Flow rate", "mL/h"},
}

var deviceStatuses = map[string]bool{
	"active": true, "inactive": true, "entered-in-error": true, "unknown": true,
}

var deviceUseStatuses = map[string]bool{
	"active": true, "completed": true, "entered-in-error": true,
	"intended": true, "stopped": true, "on-hold": true,
}

var deviceTypes = map[string]bool{
	"Device":             true,
	"DeviceUseStatement": true,
	"DeviceMetric":       true,
}

// DeviceFactory builds Device, DeviceUseStatement, and DeviceMetric resources.
type DeviceFactory struct {
	*base
}

// NewDeviceFactory creates a DeviceFactory.
func NewDeviceFactory(deps Deps) *DeviceFactory {
	f := &DeviceFactory{}
	f.base = newBase("DeviceFactory", deps, f, 0)
	return f
}

func (f *DeviceFactory) supports(rt string) bool { return deviceTypes[rt] }

func (f *DeviceFactory) requiredInput(rt string) []string {
	switch rt {
	case "Device":
		return []string{"device_name|name|type"}
	case "DeviceUseStatement":
		return []string{"device_ref|device", "patient_ref|patient_id|subject|patient"}
	case "DeviceMetric":
		return []string{"metric_type|type"}
	}
	return nil
}

func (f *DeviceFactory) build(rt string, input map[string]interface{}) (map[string]interface{}, error) {
	switch rt {
	case "Device":
		return f.buildDevice(input)
	case "DeviceUseStatement":
		return f.buildUseStatement(input)
	case "DeviceMetric":
		return f.buildMetric(input)
	}
	return nil, inputErrorf("DeviceFactory: unsupported type %q", rt)
}

// InferDeviceType matches a device name against the keyword table.
func InferDeviceType(name string) (code, display string, ok bool) {
	lowered := normalizeToken(name)
	for _, entry := range deviceTypeKeywords {
		if lowered == entry.keyword || containsAny(lowered, entry.keyword) {
			return entry.code, entry.display, true
		}
	}
	return "", "", false
}

func (f *DeviceFactory) buildDevice(input map[string]interface{}) (map[string]interface{}, error) {
	name := stringValue(input, "device_name", "name")

	device := map[string]interface{}{
		"resourceType": "Device",
		"status":       deviceStatus(stringValue(input, "status")),
	}
	if name != "" {
		device["deviceName"] = []interface{}{map[string]interface{}{
			"name": name,
			"type": "user-friendly-name",
		}}
	}

	var typeConcept map[string]interface{}
	if sct := stringValue(input, "type_code", "snomed_code"); sct != "" {
		c, err := f.deps.Coding.CodeableConcept("snomed", sct, stringValue(input, "type"), name)
		if err != nil {
			return nil, inputErrorf("DeviceFactory: %v", err)
		}
		typeConcept = c
	} else if code, display, ok := InferDeviceType(name + " " + stringValue(input, "type")); ok {
		c, err := f.deps.Coding.CodeableConcept("snomed", code, display, name)
		if err != nil {
			return nil, err
		}
		typeConcept = c
	} else if t := stringValue(input, "type"); t != "" {
		typeConcept = coding.TextConcept(t)
	}
	if typeConcept != nil {
		device["type"] = typeConcept
	}

	if serial := stringValue(input, "serial_number"); serial != "" {
		device["serialNumber"] = serial
	}
	if manufacturer := stringValue(input, "manufacturer"); manufacturer != "" {
		device["manufacturer"] = manufacturer
	}
	if model := stringValue(input, "model_number", "model"); model != "" {
		device["modelNumber"] = model
	}
	if patient := patientReference(input); patient != "" {
		device["patient"] = referenceObject(patient)
	}
	return device, nil
}

func (f *DeviceFactory) buildUseStatement(input map[string]interface{}) (map[string]interface{}, error) {
	device := stringValue(input, "device_ref", "device")

	status := normalizeToken(stringValue(input, "status"))
	if !deviceUseStatuses[status] {
		status = "active"
	}

	stmt := map[string]interface{}{
		"resourceType": "DeviceUseStatement",
		"status":       status,
		"subject":      referenceObject(patientReference(input)),
		"device":       referenceObject(device),
		"recordedOn":   time.Now().UTC().Format(time.RFC3339),
	}
	if reason := stringValue(input, "reason"); reason != "" {
		stmt["reasonCode"] = []interface{}{coding.TextConcept(reason)}
	}
	if start := stringValue(input, "start", "period_start"); start != "" {
		period := map[string]interface{}{"start": start}
		if end := stringValue(input, "end", "period_end"); end != "" {
			period["end"] = end
		}
		stmt["timingPeriod"] = period
	}
	return stmt, nil
}

func (f *DeviceFactory) buildMetric(input map[string]interface{}) (map[string]interface{}, error) {
	metricType := normalizeToken(stringValue(input, "metric_type", "type"))
	entry, ok := deviceMetricLOINC[metricType]
	if !ok {
		return nil, inputErrorf("DeviceFactory: unknown metric type %q", metricType)
	}
	typeConcept, err := f.deps.Coding.CodeableConcept("loinc", entry.code, entry.display, metricType)
	if err != nil {
		return nil, err
	}

	category := normalizeToken(stringValue(input, "category"))
	switch category {
	case "measurement", "setting", "calculation", "unspecified":
	default:
		category = "measurement"
	}

	metric := map[string]interface{}{
		"resourceType": "DeviceMetric",
		"type":         typeConcept,
		"category":     category,
	}
	if unit := stringValue(input, "unit"); unit != "" || entry.unit != "" {
		if unit == "" {
			unit = entry.unit
		}
		q, err := f.deps.Coding.CodeableConcept("ucum", unit, unit, unit)
		if err == nil {
			metric["unit"] = q
		}
	}
	if source := stringValue(input, "source_ref", "device_ref"); source != "" {
		metric["source"] = referenceObject(source)
	}
	return metric, nil
}

func deviceStatus(raw string) string {
	s := normalizeToken(raw)
	if deviceStatuses[s] {
		return s
	}
	return "active"
}
