package factory

import (
	"testing"
)

func TestInferDeviceType(t *testing.T) {
	tests := []struct {
		name string
		code string
		ok   bool
	}{
		{"Bedside IV pump", "303490004", true},
		{"PCA pump model X", "462867003", true},
		{"Transport ventilator", "706172005", true},
		{"Tongue depressor", "", false},
	}
	for _, tt := range tests {
		code, _, ok := InferDeviceType(tt.name)
		if code != tt.code || ok != tt.ok {
			t.Errorf("InferDeviceType(%q) = %q, %v", tt.name, code, ok)
		}
	}
}

func TestDeviceBuildsTypeFromName(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	device, err := f.Create("Device", map[string]interface{}{
		"device_name":   "Infusion pump, room 12",
		"serial_number": "SN-0042",
		"manufacturer":  "Acme Medical",
		"patient_ref":   "Patient/patient-1",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if device["status"] != "active" {
		t.Errorf("status = %v", device["status"])
	}
	names := device["deviceName"].([]interface{})
	dn := names[0].(map[string]interface{})
	if dn["name"] != "Infusion pump, room 12" || dn["type"] != "user-friendly-name" {
		t.Errorf("deviceName = %v", dn)
	}
	tc := device["type"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if tc["code"] != "303490004" {
		t.Errorf("type code = %v", tc["code"])
	}
	if device["serialNumber"] != "SN-0042" {
		t.Errorf("serialNumber = %v", device["serialNumber"])
	}
	patient := device["patient"].(map[string]interface{})
	if patient["reference"] != "Patient/patient-1" {
		t.Errorf("patient = %v", patient)
	}
}

func TestDeviceUnknownTypeFallsBackToText(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	device, err := f.Create("Device", map[string]interface{}{
		"name": "Custom prosthetic",
		"type": "prosthetic limb",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	tc := device["type"].(map[string]interface{})
	if tc["text"] != "prosthetic limb" {
		t.Errorf("type = %v", tc)
	}
}

func TestDeviceUseStatement(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	stmt, err := f.Create("DeviceUseStatement", map[string]interface{}{
		"device_ref":  "Device/dev-1",
		"patient_ref": "Patient/patient-1",
		"reason":      "post-surgical analgesia",
		"start":       "2026-08-01",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if stmt["status"] != "active" {
		t.Errorf("status = %v", stmt["status"])
	}
	if stmt["device"].(map[string]interface{})["reference"] != "Device/dev-1" {
		t.Errorf("device = %v", stmt["device"])
	}
	if stmt["recordedOn"] == "" {
		t.Error("recordedOn unset")
	}
	period := stmt["timingPeriod"].(map[string]interface{})
	if period["start"] != "2026-08-01" {
		t.Errorf("timingPeriod = %v", period)
	}
}

func TestDeviceUseStatementRequiresDevice(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	_, err := f.Create("DeviceUseStatement", map[string]interface{}{
		"patient_ref": "Patient/patient-1",
	}, "")
	if !IsInputError(err) {
		t.Fatalf("err = %v, want input error", err)
	}
}

func TestDeviceMetricDefaults(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	metric, err := f.Create("DeviceMetric", map[string]interface{}{
		"metric_type": "heart_rate",
		"source_ref":  "Device/dev-1",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	tc := metric["type"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if tc["code"] != "8867-4" {
		t.Errorf("type code = %v", tc["code"])
	}
	if metric["category"] != "measurement" {
		t.Errorf("category = %v", metric["category"])
	}
	unit := metric["unit"].(map[string]interface{})["coding"].([]interface{})[0].(map[string]interface{})
	if unit["code"] != "beats/min" {
		t.Errorf("unit = %v", unit["code"])
	}
	source := metric["source"].(map[string]interface{})
	if source["reference"] != "Device/dev-1" {
		t.Errorf("source = %v", source)
	}
}

func TestDeviceMetricRejectsUnknownType(t *testing.T) {
	f := NewDeviceFactory(testDeps())
	_, err := f.Create("DeviceMetric", map[string]interface{}{
		"metric_type": "mood",
	}, "")
	if !IsInputError(err) {
		t.Fatalf("err = %v, want input error", err)
	}
}
