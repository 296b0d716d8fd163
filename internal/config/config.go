package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every runtime setting. Values come from the environment,
// with an optional .env file for local development.
type Config struct {
	AppName      string   `mapstructure:"APP_NAME"`
	Environment  string   `mapstructure:"ENVIRONMENT"`
	Port         string   `mapstructure:"PORT"`
	LogLevel     string   `mapstructure:"LOG_LEVEL"`
	AllowedHosts []string `mapstructure:"ALLOWED_HOSTS"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	MaxRequestSizeMB      int `mapstructure:"MAX_REQUEST_SIZE_MB"`
	RequestTimeoutSeconds int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	RateLimitRequestsPerMinute int `mapstructure:"RATE_LIMIT_REQUESTS_PER_MINUTE"`
	RateLimitWindowSeconds     int `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`

	HAPIFHIRURL            string   `mapstructure:"HAPI_FHIR_URL"`
	HAPIFHIRFallbackURLs   []string `mapstructure:"HAPI_FHIR_FALLBACK_URLS"`
	HAPIFHIRTimeoutSeconds int      `mapstructure:"HAPI_FHIR_TIMEOUT_SECONDS"`

	FHIRValidationEnabled   bool `mapstructure:"FHIR_VALIDATION_ENABLED"`
	SummarizationEnabled    bool `mapstructure:"SUMMARIZATION_ENABLED"`
	SafetyValidationEnabled bool `mapstructure:"SAFETY_VALIDATION_ENABLED"`
	SynthesizeDICOMUIDs     bool `mapstructure:"SYNTHESIZE_DICOM_UIDS"`

	UseNewPatientFactory    bool `mapstructure:"USE_NEW_PATIENT_FACTORY"`
	UseNewMedicationFactory bool `mapstructure:"USE_NEW_MEDICATION_FACTORY"`
	UseNewClinicalFactory   bool `mapstructure:"USE_NEW_CLINICAL_FACTORY"`
	UseNewEncounterFactory  bool `mapstructure:"USE_NEW_ENCOUNTER_FACTORY"`
	UseNewCarePlanFactory   bool `mapstructure:"USE_NEW_CAREPLAN_FACTORY"`
	UseLegacyFactory        bool `mapstructure:"USE_LEGACY_FACTORY"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_NAME", "fhirflow")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", "8000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_HOSTS", "*")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MAX_REQUEST_SIZE_MB", 1)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("RATE_LIMIT_REQUESTS_PER_MINUTE", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("HAPI_FHIR_URL", "http://localhost:8080/fhir")
	v.SetDefault("HAPI_FHIR_FALLBACK_URLS", "")
	v.SetDefault("HAPI_FHIR_TIMEOUT_SECONDS", 30)
	v.SetDefault("FHIR_VALIDATION_ENABLED", true)
	v.SetDefault("SUMMARIZATION_ENABLED", false)
	v.SetDefault("SAFETY_VALIDATION_ENABLED", true)
	v.SetDefault("SYNTHESIZE_DICOM_UIDS", true)
	v.SetDefault("USE_NEW_PATIENT_FACTORY", true)
	v.SetDefault("USE_NEW_MEDICATION_FACTORY", true)
	v.SetDefault("USE_NEW_CLINICAL_FACTORY", true)
	v.SetDefault("USE_NEW_ENCOUNTER_FACTORY", true)
	v.SetDefault("USE_NEW_CAREPLAN_FACTORY", true)
	v.SetDefault("USE_LEGACY_FACTORY", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"APP_NAME", "ENVIRONMENT", "PORT", "LOG_LEVEL",
		"ALLOWED_HOSTS", "CORS_ORIGINS",
		"MAX_REQUEST_SIZE_MB", "REQUEST_TIMEOUT_SECONDS",
		"RATE_LIMIT_REQUESTS_PER_MINUTE", "RATE_LIMIT_WINDOW_SECONDS",
		"HAPI_FHIR_URL", "HAPI_FHIR_FALLBACK_URLS", "HAPI_FHIR_TIMEOUT_SECONDS",
		"FHIR_VALIDATION_ENABLED", "SUMMARIZATION_ENABLED",
		"SAFETY_VALIDATION_ENABLED", "SYNTHESIZE_DICOM_UIDS",
		"USE_NEW_PATIENT_FACTORY", "USE_NEW_MEDICATION_FACTORY",
		"USE_NEW_CLINICAL_FACTORY", "USE_NEW_ENCOUNTER_FACTORY",
		"USE_NEW_CAREPLAN_FACTORY", "USE_LEGACY_FACTORY",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.AllowedHosts == nil {
		cfg.AllowedHosts = splitList(v.GetString("ALLOWED_HOSTS"))
	}
	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.HAPIFHIRFallbackURLs == nil {
		cfg.HAPIFHIRFallbackURLs = splitList(v.GetString("HAPI_FHIR_FALLBACK_URLS"))
	}

	// HAPI_FHIR_URL may itself carry a comma-separated pool; the first entry
	// is the primary and the rest precede any explicit fallbacks.
	if urls := splitList(cfg.HAPIFHIRURL); len(urls) > 0 {
		cfg.HAPIFHIRURL = urls[0]
		if len(urls) > 1 {
			cfg.HAPIFHIRFallbackURLs = append(urls[1:], cfg.HAPIFHIRFallbackURLs...)
		}
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Environment == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MaxRequestBytes returns the request body cap in bytes.
func (c *Config) MaxRequestBytes() int64 {
	return int64(c.MaxRequestSizeMB) * 1024 * 1024
}

// RequestTimeout returns the per-request hard timeout, clamped to 30 seconds.
func (c *Config) RequestTimeout() time.Duration {
	secs := c.RequestTimeoutSeconds
	if secs <= 0 || secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// HAPITimeout returns the outbound FHIR server call timeout.
func (c *Config) HAPITimeout() time.Duration {
	secs := c.HAPIFHIRTimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// HAPIEndpoints returns the primary URL followed by any fallbacks.
func (c *Config) HAPIEndpoints() []string {
	out := []string{c.HAPIFHIRURL}
	out = append(out, c.HAPIFHIRFallbackURLs...)
	return out
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be \"development\", \"staging\", or \"production\", got %q", c.Environment)
	}
	if c.HAPIFHIRURL == "" {
		return fmt.Errorf("HAPI_FHIR_URL is required")
	}
	if c.MaxRequestSizeMB <= 0 {
		return fmt.Errorf("MAX_REQUEST_SIZE_MB must be positive, got %d", c.MaxRequestSizeMB)
	}
	if c.RateLimitRequestsPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive, got %d", c.RateLimitRequestsPerMinute)
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive, got %d", c.RateLimitWindowSeconds)
	}
	return nil
}
