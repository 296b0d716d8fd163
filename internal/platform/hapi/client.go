package hapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/internal/platform/perf"
)

const (
	fhirContentType = "application/fhir+json"
	maxAttempts     = 3
	backoffBase     = 500 * time.Millisecond
	poolCeiling     = 20
)

// CompletenessFunc scores bundle field completeness in [0,1].
type CompletenessFunc func(bundle map[string]interface{}) float64

// ExecutionEntry is one per-entry outcome of a transaction response.
type ExecutionEntry struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// ExecutionResult is the outcome of submitting a bundle.
type ExecutionResult struct {
	Executed     bool             `json:"executed"`
	ResponseType string           `json:"response_type,omitempty"`
	Entries      []ExecutionEntry `json:"entries,omitempty"`
	Issues       []string         `json:"issues,omitempty"`
	Refusal      string           `json:"refusal,omitempty"`
	EndpointURL  string           `json:"endpoint_url,omitempty"`
}

// Client validates and executes bundles against the failover pool. A worker
// pool bounds concurrent outbound calls.
type Client struct {
	http         *http.Client
	failover     *FailoverManager
	perf         *perf.Manager
	validator    *fhir.Validator
	completeness CompletenessFunc
	logger       zerolog.Logger
	pool         *semaphore.Weighted
}

// NewClient creates a Client.
func NewClient(failover *FailoverManager, perfMgr *perf.Manager, validator *fhir.Validator, completeness CompletenessFunc, logger zerolog.Logger) *Client {
	return &Client{
		http:         &http.Client{},
		failover:     failover,
		perf:         perfMgr,
		validator:    validator,
		completeness: completeness,
		logger:       logger,
		pool:         semaphore.NewWeighted(poolCeiling),
	}
}

// acquire admits one outbound call and returns the admitted weight. The
// weight shrinks as auto-tuning raises the concurrency limit, so pool size
// tracks perf.MaxConcurrent. The caller must release exactly the returned
// weight: the limit can change while a call is in flight.
func (c *Client) acquire(ctx context.Context) (int64, error) {
	weight := int64(poolCeiling / c.perf.MaxConcurrent())
	if weight < 1 {
		weight = 1
	}
	if err := c.pool.Acquire(ctx, weight); err != nil {
		return 0, err
	}
	return weight, nil
}

func (c *Client) release(weight int64) {
	c.pool.Release(weight)
}

// ValidateBundle checks a bundle: cache, then local structure, then the
// external server's $validate operation.
func (c *Client) ValidateBundle(ctx context.Context, bundle map[string]interface{}, requestID string) (*fhir.ValidationResult, error) {
	digest := perf.BundleDigest(bundle)
	opID := c.perf.StartTracking("validate_bundle", bundleEntryCount(bundle))

	if cached, ok := c.perf.Validation.Get(digest); ok {
		result := cached.(fhir.ValidationResult)
		result.ValidationSource = fhir.SourceCache
		c.perf.EndTracking(opID, true, true)
		return &result, nil
	}

	local := c.validateLocally(bundle)
	if !local.IsValid {
		local.BundleQualityScore = c.qualityScore(false, false, bundle)
		c.perf.Validation.Put(digest, *local)
		c.perf.EndTracking(opID, true, false)
		return local, nil
	}

	serverOutcome, err := c.callWithRetry(ctx, "POST", "/Bundle/$validate", bundle, requestID)
	if err != nil {
		c.perf.EndTrackingErr(opID, false, err)
		return nil, fmt.Errorf("external validation failed: %w", err)
	}

	result := &fhir.ValidationResult{ValidationSource: fhir.SourceRemote}
	errs, warns, infos := parseOutcome(serverOutcome)
	result.Issues = fhir.Issues{Errors: errs, Warnings: warns, Information: infos}
	result.IsValid = len(errs) == 0
	result.BundleQualityScore = c.qualityScore(true, result.IsValid, bundle)
	if result.IsValid {
		result.ValidationResult = "bundle accepted by external validator"
	} else {
		result.ValidationResult = fmt.Sprintf("external validator reported %d errors", len(errs))
	}

	c.perf.Validation.Put(digest, *result)
	c.perf.EndTracking(opID, true, false)
	return result, nil
}

func (c *Client) validateLocally(bundle map[string]interface{}) *fhir.ValidationResult {
	result := &fhir.ValidationResult{ValidationSource: fhir.SourceLocal}

	if !c.validator.ValidateFHIRR4(bundle) {
		result.Issues.Errors = append(result.Issues.Errors, c.validator.ValidationErrors()...)
	}
	for i, resource := range bundleResourceList(bundle) {
		if !c.validator.ValidateFHIRR4(resource) {
			for _, msg := range c.validator.ValidationErrors() {
				result.Issues.Errors = append(result.Issues.Errors,
					fmt.Sprintf("entry[%d]: %s", i, msg))
			}
		}
	}
	result.IsValid = len(result.Issues.Errors) == 0
	if result.IsValid {
		result.ValidationResult = "bundle passed local structural validation"
	} else {
		result.ValidationResult = fmt.Sprintf("local validation found %d errors", len(result.Issues.Errors))
	}
	return result
}

// qualityScore blends structural pass (0.3), server acceptance (0.5), and
// field completeness (0.2).
func (c *Client) qualityScore(structuralPass, serverPass bool, bundle map[string]interface{}) float64 {
	score := 0.0
	if structuralPass {
		score += 0.3
	}
	if serverPass {
		score += 0.5
	}
	if c.completeness != nil {
		score += 0.2 * c.completeness(bundle)
	}
	return score
}

// ExecuteBundle submits the bundle as a transaction. Unless forceExecution is
// set, a local structural check always runs first; validateFirst additionally
// runs the full validation path.
func (c *Client) ExecuteBundle(ctx context.Context, bundle map[string]interface{}, requestID string, validateFirst, forceExecution bool) (*ExecutionResult, error) {
	opID := c.perf.StartTracking("execute_bundle", bundleEntryCount(bundle))

	if validateFirst && !forceExecution {
		result, err := c.ValidateBundle(ctx, bundle, requestID)
		if err != nil {
			c.perf.EndTrackingErr(opID, false, err)
			return nil, err
		}
		if !result.IsValid {
			c.perf.EndTracking(opID, true, false)
			return &ExecutionResult{
				Executed: false,
				Refusal:  fmt.Sprintf("bundle failed validation with %d errors", len(result.Issues.Errors)),
				Issues:   result.Issues.Errors,
			}, nil
		}
	} else if !forceExecution {
		if local := c.validateLocally(bundle); !local.IsValid {
			c.perf.EndTracking(opID, true, false)
			return &ExecutionResult{
				Executed: false,
				Refusal:  "bundle failed local structural validation",
				Issues:   local.Issues.Errors,
			}, nil
		}
	}

	response, err := c.callWithRetry(ctx, "POST", "/", bundle, requestID)
	if err != nil {
		c.perf.EndTrackingErr(opID, false, err)
		return nil, fmt.Errorf("bundle execution failed: %w", err)
	}
	c.perf.EndTracking(opID, true, false)

	result := &ExecutionResult{Executed: true}
	if rt, ok := response["resourceType"].(string); ok {
		result.ResponseType, _ = response["type"].(string)
		if rt == "OperationOutcome" {
			errs, warns, _ := parseOutcome(response)
			result.Issues = append(errs, warns...)
			result.Executed = len(errs) == 0
			return result, nil
		}
	}

	for _, item := range asList(response["entry"]) {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		exec := ExecutionEntry{}
		if resp, ok := entry["response"].(map[string]interface{}); ok {
			exec.Status, _ = resp["status"].(string)
			exec.Location, _ = resp["location"].(string)
			if outcome, ok := resp["outcome"].(map[string]interface{}); ok {
				errs, warns, _ := parseOutcome(outcome)
				issues := append(errs, warns...)
				exec.Outcome = strings.Join(issues, "; ")
				result.Issues = append(result.Issues, issues...)
			}
		}
		result.Entries = append(result.Entries, exec)
	}
	return result, nil
}

// FetchCapabilityStatement reads the active endpoint's metadata document.
func (c *Client) FetchCapabilityStatement(ctx context.Context, requestID string) (map[string]interface{}, error) {
	return c.callWithRetry(ctx, "GET", "/metadata", nil, requestID)
}

// callWithRetry runs one HTTP exchange with up to maxAttempts tries,
// exponential backoff, and failover on endpoint failure.
func (c *Client) callWithRetry(ctx context.Context, method, path string, body map[string]interface{}, requestID string) (map[string]interface{}, error) {
	weight, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release(weight)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		endpoint := c.failover.ActiveEndpoint()
		if endpoint == nil {
			return nil, fmt.Errorf("no FHIR endpoints configured")
		}

		response, err := endpoint.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, endpoint, method, path, body)
		})
		if err == nil {
			endpoint.RecordSuccess()
			return response.(map[string]interface{}), nil
		}

		endpoint.RecordFailure()
		lastErr = err
		c.logger.Warn().
			Str("request_id", requestID).
			Str("endpoint", endpoint.URL).
			Int("attempt", attempt+1).
			Err(err).
			Msg("FHIR server call failed")
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint *Endpoint, method, path string, body map[string]interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.perf.RequestTimeout())
	defer cancel()

	url := strings.TrimSuffix(endpoint.URL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", fhirContentType)
	}
	req.Header.Set("Accept", fhirContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var decoded map[string]interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("malformed response body: %w", err)
		}
	}
	return decoded, nil
}

// parseOutcome splits an OperationOutcome map into message lists by severity.
func parseOutcome(outcome map[string]interface{}) (errs, warns, infos []string) {
	if outcome == nil {
		return nil, nil, nil
	}
	if rt, _ := outcome["resourceType"].(string); rt != "OperationOutcome" {
		// Some servers wrap the outcome inside a Parameters or Bundle shape.
		if nested, ok := outcome["issue"]; !ok || nested == nil {
			return nil, nil, nil
		}
	}
	for _, item := range asList(outcome["issue"]) {
		issue, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		severity, _ := issue["severity"].(string)
		message, _ := issue["diagnostics"].(string)
		if message == "" {
			if details, ok := issue["details"].(map[string]interface{}); ok {
				message, _ = details["text"].(string)
			}
		}
		if message == "" {
			message, _ = issue["code"].(string)
		}
		switch severity {
		case "fatal", "error":
			errs = append(errs, message)
		case "warning":
			warns = append(warns, message)
		default:
			infos = append(infos, message)
		}
	}
	return errs, warns, infos
}

func bundleEntryCount(bundle map[string]interface{}) int {
	return len(asList(bundle["entry"]))
}

func bundleResourceList(bundle map[string]interface{}) []map[string]interface{} {
	entries := asList(bundle["entry"])
	out := make([]map[string]interface{}, 0, len(entries))
	for _, item := range entries {
		if entry, ok := item.(map[string]interface{}); ok {
			if resource, ok := entry["resource"].(map[string]interface{}); ok {
				out = append(out, resource)
			}
		}
	}
	return out
}

func asList(v interface{}) []interface{} {
	list, _ := v.([]interface{})
	return list
}
