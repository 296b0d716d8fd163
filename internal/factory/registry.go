package factory

import (
	"sync"
	"time"
)

// Flags selects specialized factories per resource family. When a family's
// flag is off (or UseLegacyFactory forces it), lookups fall back to the
// generic factory, which still runs coding, validation, and reference wiring.
type Flags struct {
	UseNewPatientFactory    bool
	UseNewMedicationFactory bool
	UseNewClinicalFactory   bool
	UseNewCarePlanFactory   bool
	UseNewEncounterFactory  bool
	UseLegacyFactory        bool
	SafetyValidation        bool
}

// DefaultFlags enables every specialized factory and the safety checks.
func DefaultFlags() Flags {
	return Flags{
		UseNewPatientFactory:    true,
		UseNewMedicationFactory: true,
		UseNewClinicalFactory:   true,
		UseNewCarePlanFactory:   true,
		UseNewEncounterFactory:  true,
		SafetyValidation:        true,
	}
}

// family groups resource types that share one factory and one feature flag.
type family struct {
	enabled func(Flags) bool
	build   func(*Registry) Factory
}

// Registry resolves resource types to factories, constructing each factory
// once and caching it per type.
type Registry struct {
	deps           Deps
	flags          Flags
	synthesizeUIDs bool

	mu        sync.Mutex
	byType    map[string]Factory
	instances map[string]Factory
	legacy    Factory
}

// NewRegistry creates a factory registry.
func NewRegistry(deps Deps, flags Flags, synthesizeUIDs bool) *Registry {
	return &Registry{
		deps:           deps,
		flags:          flags,
		synthesizeUIDs: synthesizeUIDs,
		byType:         make(map[string]Factory),
		instances:      make(map[string]Factory),
	}
}

// familyTable maps each supported resource type to its factory family.
var familyTable = map[string]string{
	"Patient": "patient",

	"Medication":               "medication",
	"MedicationRequest":        "medication",
	"MedicationAdministration": "medication",
	"MedicationDispense":       "medication",
	"MedicationStatement":      "medication",

	"Observation":        "clinical",
	"DiagnosticReport":   "clinical",
	"ServiceRequest":     "clinical",
	"Condition":          "clinical",
	"AllergyIntolerance": "clinical",
	"RiskAssessment":     "clinical",
	"ImagingStudy":       "clinical",
	"Immunization":       "clinical",

	"Device":             "device",
	"DeviceUseStatement": "device",
	"DeviceMetric":       "device",

	"Encounter": "encounter",
	"Goal":      "encounter",
	"CareTeam":  "encounter",

	"CarePlan": "careplan",

	"Location":          "organizational",
	"Organization":      "organizational",
	"HealthcareService": "organizational",

	"Consent": "consent",
}

var families = map[string]family{
	"patient": {
		enabled: func(f Flags) bool { return f.UseNewPatientFactory },
		build:   func(r *Registry) Factory { return NewPatientFactory(r.deps) },
	},
	"medication": {
		enabled: func(f Flags) bool { return f.UseNewMedicationFactory },
		build:   func(r *Registry) Factory { return NewMedicationFactory(r.deps, r.flags.SafetyValidation) },
	},
	"clinical": {
		enabled: func(f Flags) bool { return f.UseNewClinicalFactory },
		build:   func(r *Registry) Factory { return NewClinicalFactory(r.deps, r.synthesizeUIDs) },
	},
	"device": {
		enabled: func(Flags) bool { return true },
		build:   func(r *Registry) Factory { return NewDeviceFactory(r.deps) },
	},
	"encounter": {
		enabled: func(f Flags) bool { return f.UseNewEncounterFactory },
		build:   func(r *Registry) Factory { return NewEncounterFactory(r.deps) },
	},
	"careplan": {
		enabled: func(f Flags) bool { return f.UseNewCarePlanFactory },
		build:   func(r *Registry) Factory { return NewCarePlanFactory(r.deps) },
	},
	"organizational": {
		enabled: func(Flags) bool { return true },
		build:   func(r *Registry) Factory { return NewOrganizationalFactory(r.deps) },
	},
	"consent": {
		enabled: func(Flags) bool { return true },
		build:   func(r *Registry) Factory { return NewConsentFactory(r.deps) },
	},
}

// FactoryFor returns the factory serving a resource type. The same instance
// is returned until ClearCache; unknown types get the generic factory.
func (r *Registry) FactoryFor(resourceType string) Factory {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.byType[resourceType]; ok {
		return cached
	}

	f := r.selectLocked(resourceType)
	r.byType[resourceType] = f
	return f
}

func (r *Registry) selectLocked(resourceType string) Factory {
	name, ok := familyTable[resourceType]
	if !ok || r.flags.UseLegacyFactory {
		return r.legacyLocked()
	}
	fam := families[name]
	if !fam.enabled(r.flags) {
		return r.legacyLocked()
	}
	instance, ok := r.instances[name]
	if !ok {
		instance = fam.build(r)
		r.instances[name] = instance
	}
	return instance
}

func (r *Registry) legacyLocked() Factory {
	if r.legacy == nil {
		r.legacy = NewGenericFactory(r.deps)
	}
	return r.legacy
}

// Create builds a resource through the registered factory for its type.
func (r *Registry) Create(resourceType string, input map[string]interface{}, requestID string) (map[string]interface{}, error) {
	return r.FactoryFor(resourceType).Create(resourceType, input, requestID)
}

// ClearCache drops all cached factory instances.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[string]Factory)
	r.instances = make(map[string]Factory)
	r.legacy = nil
}

// AllStats returns per-factory creation counters keyed by factory name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.instances)+1)
	for _, f := range r.instances {
		out[f.Name()] = f.Stats()
	}
	if r.legacy != nil {
		out[r.legacy.Name()] = r.legacy.Stats()
	}
	return out
}

// HealthReport describes a registry health probe.
type HealthReport struct {
	Healthy       bool          `json:"healthy"`
	PerformanceOK bool          `json:"performance_ok"`
	LookupTime    time.Duration `json:"-"`
	LookupTimeMs  float64       `json:"lookup_time_ms"`
	FactoryCount  int           `json:"factory_count"`
}

// HealthCheck times a Patient factory lookup; performance is OK under 10ms.
func (r *Registry) HealthCheck() HealthReport {
	start := time.Now()
	f := r.FactoryFor("Patient")
	elapsed := time.Since(start)

	r.mu.Lock()
	count := len(r.instances)
	r.mu.Unlock()

	return HealthReport{
		Healthy:       f != nil,
		PerformanceOK: elapsed < 10*time.Millisecond,
		LookupTime:    elapsed,
		LookupTimeMs:  float64(elapsed.Microseconds()) / 1000.0,
		FactoryCount:  count,
	}
}
