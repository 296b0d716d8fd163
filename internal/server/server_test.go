package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/config"
	"github.com/fhirflow/fhirflow/internal/factory"
	"github.com/fhirflow/fhirflow/internal/pipeline"
	"github.com/fhirflow/fhirflow/internal/platform/coding"
	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/internal/platform/hapi"
	"github.com/fhirflow/fhirflow/internal/platform/middleware"
	"github.com/fhirflow/fhirflow/internal/platform/perf"
)

func testConfig() *config.Config {
	return &config.Config{
		AppName:                    "fhirflow",
		Environment:                "development",
		Port:                       "8000",
		HAPIFHIRURL:                "http://localhost:1/fhir",
		MaxRequestSizeMB:           1,
		RequestTimeoutSeconds:      30,
		RateLimitRequestsPerMinute: 100,
		RateLimitWindowSeconds:     60,
		FHIRValidationEnabled:      true,
	}
}

func newTestServer(cfg *config.Config) *Server {
	logger := zerolog.Nop()
	deps := factory.Deps{
		Coding:    coding.NewRegistry(),
		Validator: fhir.NewValidator(),
		Refs:      fhir.NewReferenceManager(),
		Logger:    logger,
	}
	registry := factory.NewRegistry(deps, factory.DefaultFlags(), cfg.SynthesizeDICOMUIDs)
	optimizer := pipeline.NewOptimizer(logger)
	assembler := pipeline.NewAssembler(optimizer, logger)
	perfMgr := perf.NewManager(logger, nil)
	failover := hapi.NewFailoverManager(cfg.HAPIEndpoints(), logger)
	client := hapi.NewClient(failover, perfMgr, fhir.NewValidator(), nil, logger)
	orchestrator := pipeline.NewOrchestrator(registry, assembler, optimizer, client, perfMgr, logger)
	sla := middleware.NewSLATracker(2*time.Second, logger, nil)
	return New(cfg, logger, registry, orchestrator, optimizer, client, perfMgr, failover, sla)
}

func postJSON(t *testing.T, handler echo.HandlerFunc, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestConvertAcceptsOrder(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Convert, "/convert",
		`{"clinical_text": "Start metformin 500mg twice daily", "patient_ref": "Patient/patient-1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %v", body["status"])
	}
	if body["request_id"] == "" {
		t.Error("no request id")
	}
	if body["text_length"] != float64(len("Start metformin 500mg twice daily")) {
		t.Errorf("text_length = %v", body["text_length"])
	}
}

func TestConvertRejectsShortText(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Convert, "/convert", `{"clinical_text": "hi"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error"] != "InputValidationError" {
		t.Errorf("error = %v", body["error"])
	}
	if body["detail"] == nil {
		t.Error("4xx response missing detail")
	}
}

func TestConvertOversizeBodyWithoutContentLength(t *testing.T) {
	s := newTestServer(testConfig())
	e := echo.New()
	e.Use(middleware.BodyLimit(64))
	s.RegisterRoutes(e)

	// Wrapping the reader hides the length, so the early Content-Length
	// check cannot fire and the limit trips mid-read inside bind.
	big := `{"clinical_text": "` + strings.Repeat("a", 256) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/convert", bufio.NewReader(strings.NewReader(big)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["error"] != "PayloadTooLarge" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestConvertRejectsBadPatientRef(t *testing.T) {
	s := newTestServer(testConfig())
	rec, _ := postJSON(t, s.Convert, "/convert",
		`{"clinical_text": "Start metformin 500mg", "patient_ref": "Patient/1; DROP TABLE"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestConvertSanitizesControlCharacters(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Convert, "/convert",
		`{"clinical_text": "Start\u0007 metformin\u0000 500mg"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	want := float64(len("Start metformin 500mg"))
	if body["text_length"] != want {
		t.Errorf("text_length = %v, want %v", body["text_length"], want)
	}
}

func TestConvertExtendedDefaultsPriority(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.ConvertExtended, "/api/v1/convert",
		`{"clinical_text": "Order CBC panel for tomorrow"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	orderContext := body["order_context"].(map[string]interface{})
	if orderContext["priority"] != "routine" {
		t.Errorf("priority = %v", orderContext["priority"])
	}
	if _, ok := body["entity_extraction"]; !ok {
		t.Error("entity_extraction placeholder missing")
	}
}

func TestConvertExtendedRejectsUnknownPriority(t *testing.T) {
	s := newTestServer(testConfig())
	rec, _ := postJSON(t, s.ConvertExtended, "/api/v1/convert",
		`{"clinical_text": "Order CBC panel", "priority": "whenever"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBulkConvertMixedResults(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.BulkConvert, "/api/v1/bulk-convert",
		`{"orders": [
			{"clinical_text": "Start lisinopril 10mg daily"},
			{"clinical_text": "no"}
		]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	summary := body["batch_summary"].(map[string]interface{})
	if summary["total"] != 2.0 || summary["accepted"] != 1.0 || summary["rejected"] != 1.0 {
		t.Errorf("summary = %v", summary)
	}
	results := body["results"].([]interface{})
	second := results[1].(map[string]interface{})
	if second["status"] != "rejected" {
		t.Errorf("second order = %v", second)
	}
}

func TestBulkConvertBoundaries(t *testing.T) {
	s := newTestServer(testConfig())

	rec, _ := postJSON(t, s.BulkConvert, "/api/v1/bulk-convert", `{"orders": []}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", rec.Code)
	}

	var b strings.Builder
	b.WriteString(`{"orders": [`)
	for i := 0; i < 51; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"clinical_text": "Order number padding text"}`)
	}
	b.WriteString(`]}`)
	rec, _ = postJSON(t, s.BulkConvert, "/api/v1/bulk-convert", b.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversize batch status = %d", rec.Code)
	}
}

func TestPipelineRejectsEmptyEntities(t *testing.T) {
	s := newTestServer(testConfig())
	rec, _ := postJSON(t, s.Pipeline, "/fhir/pipeline", `{"nlp_entities": {}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPipelineLocalRun(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Pipeline, "/fhir/pipeline", `{
		"nlp_entities": {
			"patient_info": {"name": "Jane Doe", "gender": "female"},
			"medications": [{"name": "Metformin 500mg", "rxnorm_code": "860975"}]
		},
		"validate_bundle": false,
		"request_id": "req-9"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["success"] != true {
		t.Errorf("success = %v, errors = %v", body["success"], body["errors"])
	}
	if body["request_id"] != "req-9" {
		t.Errorf("request_id = %v", body["request_id"])
	}
	if body["fhir_bundle"] == nil {
		t.Error("no bundle in result")
	}
	if _, ok := body["validation_results"]; ok {
		t.Error("validation ran with validate_bundle false")
	}
}

func TestPipelineValidationDisabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FHIRValidationEnabled = false
	s := newTestServer(cfg)

	// validate_bundle defaults to true, but the config kill switch wins; no
	// external server is reachable, so success proves validation was skipped.
	rec, body := postJSON(t, s.Pipeline, "/fhir/pipeline", `{
		"nlp_entities": {"patient_info": {"name": "Jane Doe"}}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != true {
		t.Errorf("success = %v, errors = %v", body["success"], body["errors"])
	}
}

func TestOptimizeRequiresBundle(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Optimize, "/fhir/optimize", `{"resourceType": "Patient"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error"] != "FHIRStructuralError" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestOptimizeReturnsAnalysis(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Optimize, "/fhir/optimize", `{
		"resourceType": "Bundle",
		"entry": [{"resource": {"resourceType": "Patient", "id": "patient-1"}}]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	optimized := body["optimized_bundle"].(map[string]interface{})
	if optimized["type"] != "transaction" {
		t.Errorf("optimized type = %v", optimized["type"])
	}
	if body["analysis"] == nil {
		t.Error("no analysis")
	}
	p, ok := body["success_probability"].(float64)
	if !ok || p < 0 || p > 0.95 {
		t.Errorf("success_probability = %v", body["success_probability"])
	}
}

func TestValidateLocalFailureReturns400(t *testing.T) {
	s := newTestServer(testConfig())
	rec, body := postJSON(t, s.Validate, "/validate", `{
		"fhir_bundle": {
			"resourceType": "Bundle",
			"type": "transaction",
			"entry": [{"resource": {"resourceType": "MedicationRequest", "id": "mr-1"}}]
		}
	}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["is_valid"] != false || body["validation_source"] != "local" {
		t.Errorf("result = %v", body)
	}
}

func TestSummarizeBundleRouteGating(t *testing.T) {
	serve := func(cfg *config.Config) int {
		s := newTestServer(cfg)
		e := echo.New()
		s.RegisterRoutes(e)
		req := httptest.NewRequest(http.MethodPost, "/summarize-bundle",
			strings.NewReader(`{"bundle": {"resourceType": "Bundle", "id": "b-1", "type": "collection"}}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve(testConfig()); code != http.StatusNotFound {
		t.Errorf("disabled summarization status = %d, want 404", code)
	}

	cfg := testConfig()
	cfg.SummarizationEnabled = true
	if code := serve(cfg); code != http.StatusOK {
		t.Errorf("enabled summarization status = %d, want 200", code)
	}
}

func TestSummarizeBundleResponseShape(t *testing.T) {
	cfg := testConfig()
	cfg.SummarizationEnabled = true
	s := newTestServer(cfg)
	rec, body := postJSON(t, s.SummarizeBundle, "/summarize-bundle", `{
		"bundle": {
			"resourceType": "Bundle", "id": "b-1", "type": "collection",
			"entry": [{"resource": {"resourceType": "Patient", "id": "patient-1"}}]
		},
		"user_role": "clinician"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["user_role"] != "clinician" {
		t.Errorf("user_role = %v", body["user_role"])
	}
	prep := body["summary_prep"].(map[string]interface{})
	meta := prep["bundle_metadata"].(map[string]interface{})
	if meta["bundle_id"] != "b-1" || meta["entry_count"] != 1.0 {
		t.Errorf("bundle_metadata = %v", meta)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(testConfig())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := s.Health(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	if err := s.Ready(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var ready map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if ready["ready"] != true {
		t.Errorf("ready = %v", ready)
	}
	// Single unreachable endpoint: degraded but still ready.
	if ready["fhir_server_healthy"] != false {
		t.Errorf("fhir_server_healthy = %v", ready["fhir_server_healthy"])
	}
}

func TestErrorJSONHidesInternalDetail(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	if err := errorJSON(c, http.StatusInternalServerError, "PipelineProcessingError", "stack trace here"); err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["detail"]; ok {
		t.Error("5xx response leaked detail")
	}
	if body["request_id"] != "rid-1" {
		t.Errorf("request_id = %v", body["request_id"])
	}
}

func TestPipelineStatusAggregates(t *testing.T) {
	s := newTestServer(testConfig())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/pipeline/status", nil)
	rec := httptest.NewRecorder()
	if err := s.PipelineStatus(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "quality", "performance", "endpoints", "sla"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing section %q", key)
		}
	}
}
