package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Environment:                "development",
		HAPIFHIRURL:                "http://localhost:8080/fhir",
		MaxRequestSizeMB:           1,
		RateLimitRequestsPerMinute: 100,
		RateLimitWindowSeconds:     60,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AppName != "fhirflow" {
		t.Errorf("app name = %q", cfg.AppName)
	}
	if cfg.Port != "8000" {
		t.Errorf("port = %q", cfg.Port)
	}
	if !cfg.IsDev() || cfg.IsProduction() {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.MaxRequestSizeMB != 1 || cfg.RequestTimeoutSeconds != 30 {
		t.Errorf("limits = %d MB / %d s", cfg.MaxRequestSizeMB, cfg.RequestTimeoutSeconds)
	}
	if cfg.RateLimitRequestsPerMinute != 100 || cfg.RateLimitWindowSeconds != 60 {
		t.Errorf("rate limit = %d per %d s", cfg.RateLimitRequestsPerMinute, cfg.RateLimitWindowSeconds)
	}
	if !cfg.FHIRValidationEnabled || cfg.SummarizationEnabled {
		t.Error("feature flag defaults wrong")
	}
	if !cfg.UseNewPatientFactory || cfg.UseLegacyFactory {
		t.Error("factory flag defaults wrong")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadHonorsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SUMMARIZATION_ENABLED", "true")
	t.Setenv("HAPI_FHIR_FALLBACK_URLS", "http://b/fhir, http://c/fhir")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if !cfg.SummarizationEnabled {
		t.Error("SUMMARIZATION_ENABLED ignored")
	}
	endpoints := cfg.HAPIEndpoints()
	if len(endpoints) != 3 || endpoints[1] != "http://b/fhir" || endpoints[2] != "http://c/fhir" {
		t.Errorf("endpoints = %v", endpoints)
	}
}

func TestLoadSplitsPrimaryURLPool(t *testing.T) {
	t.Setenv("HAPI_FHIR_URL", "http://a/fhir, http://b/fhir")
	t.Setenv("HAPI_FHIR_FALLBACK_URLS", "http://c/fhir")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HAPIFHIRURL != "http://a/fhir" {
		t.Errorf("primary = %q", cfg.HAPIFHIRURL)
	}
	endpoints := cfg.HAPIEndpoints()
	if len(endpoints) != 3 || endpoints[1] != "http://b/fhir" || endpoints[2] != "http://c/fhir" {
		t.Errorf("endpoints = %v", endpoints)
	}
}

func TestMaxRequestBytes(t *testing.T) {
	cfg := validConfig()
	if got := cfg.MaxRequestBytes(); got != 1048576 {
		t.Errorf("max bytes = %d", got)
	}
	cfg.MaxRequestSizeMB = 5
	if got := cfg.MaxRequestBytes(); got != 5*1048576 {
		t.Errorf("max bytes = %d", got)
	}
}

func TestRequestTimeoutClamped(t *testing.T) {
	cfg := validConfig()
	cfg.RequestTimeoutSeconds = 10
	if got := cfg.RequestTimeout(); got != 10*time.Second {
		t.Errorf("timeout = %v", got)
	}
	cfg.RequestTimeoutSeconds = 120
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Errorf("timeout = %v, want 30s ceiling", got)
	}
	cfg.RequestTimeoutSeconds = 0
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Errorf("timeout = %v, want 30s fallback", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
		{"missing FHIR url", func(c *Config) { c.HAPIFHIRURL = "" }},
		{"zero body limit", func(c *Config) { c.MaxRequestSizeMB = 0 }},
		{"zero rate limit", func(c *Config) { c.RateLimitRequestsPerMinute = 0 }},
		{"zero rate window", func(c *Config) { c.RateLimitWindowSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %v", got)
	}
	got := splitList("a, b ,, c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("splitList = %v", got)
	}
}
