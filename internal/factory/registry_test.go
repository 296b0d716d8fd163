package factory

import (
	"testing"
)

func newTestRegistry(flags Flags) *Registry {
	return NewRegistry(testDeps(), flags, false)
}

func TestFactoryForCachesInstances(t *testing.T) {
	r := newTestRegistry(DefaultFlags())

	first := r.FactoryFor("Patient")
	second := r.FactoryFor("Patient")
	if first != second {
		t.Error("repeated lookups returned different instances")
	}
	if first.Name() != "PatientFactory" {
		t.Errorf("factory = %q", first.Name())
	}

	r.ClearCache()
	third := r.FactoryFor("Patient")
	if third == first {
		t.Error("ClearCache kept the old instance")
	}
}

func TestFamilySharesOneFactory(t *testing.T) {
	r := newTestRegistry(DefaultFlags())
	a := r.FactoryFor("MedicationRequest")
	b := r.FactoryFor("MedicationDispense")
	if a != b {
		t.Error("medication family types resolved to different factories")
	}
}

func TestDisabledFlagFallsBackToGeneric(t *testing.T) {
	flags := DefaultFlags()
	flags.UseNewMedicationFactory = false
	r := newTestRegistry(flags)

	f := r.FactoryFor("MedicationRequest")
	if f.Name() != "GenericFactory" {
		t.Errorf("factory = %q, want generic fallback", f.Name())
	}
	if r.FactoryFor("Patient").Name() != "PatientFactory" {
		t.Error("unrelated family affected by medication flag")
	}
}

func TestLegacyFlagOverridesEverything(t *testing.T) {
	flags := DefaultFlags()
	flags.UseLegacyFactory = true
	r := newTestRegistry(flags)

	for _, rt := range []string{"Patient", "MedicationRequest", "Observation", "Consent"} {
		if f := r.FactoryFor(rt); f.Name() != "GenericFactory" {
			t.Errorf("%s resolved to %q under legacy flag", rt, f.Name())
		}
	}
}

func TestUnknownTypeGetsGeneric(t *testing.T) {
	r := newTestRegistry(DefaultFlags())
	if f := r.FactoryFor("Basic"); f.Name() != "GenericFactory" {
		t.Errorf("factory = %q", f.Name())
	}
}

func TestRegistryCreateDispatch(t *testing.T) {
	r := newTestRegistry(DefaultFlags())
	patient, err := r.Create("Patient", map[string]interface{}{"name": "Jane Doe"}, "req-7")
	if err != nil {
		t.Fatal(err)
	}
	meta := patient["meta"].(map[string]interface{})
	if meta["factory"] != "PatientFactory" {
		t.Errorf("meta.factory = %v", meta["factory"])
	}
}

func TestAllStats(t *testing.T) {
	r := newTestRegistry(DefaultFlags())
	if _, err := r.Create("Patient", map[string]interface{}{"name": "Jane Doe"}, ""); err != nil {
		t.Fatal(err)
	}
	stats := r.AllStats()
	s, ok := stats["PatientFactory"]
	if !ok {
		t.Fatalf("stats keys = %v", stats)
	}
	if s.Created != 1 {
		t.Errorf("created = %d", s.Created)
	}
}

func TestRegistryHealthCheck(t *testing.T) {
	r := newTestRegistry(DefaultFlags())
	report := r.HealthCheck()
	if !report.Healthy {
		t.Error("registry unhealthy")
	}
	if !report.PerformanceOK {
		t.Errorf("lookup took %v", report.LookupTime)
	}
	if report.FactoryCount != 1 {
		t.Errorf("factory count = %d", report.FactoryCount)
	}
}
