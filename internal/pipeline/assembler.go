// Package pipeline assembles built FHIR resources into transaction bundles,
// optimizes them for validation success, and orchestrates the full
// entity-to-execution flow.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirflow/fhirflow/internal/platform/fhir"
	"github.com/fhirflow/fhirflow/pkg/fhirmodels"
)

// Assembler packages resources into a FHIR transaction bundle.
type Assembler struct {
	optimizer *Optimizer
	logger    zerolog.Logger
}

// NewAssembler creates an Assembler. The optimizer pre-pass runs on every
// assembled bundle before it is returned.
func NewAssembler(optimizer *Optimizer, logger zerolog.Logger) *Assembler {
	return &Assembler{optimizer: optimizer, logger: logger}
}

// AssembleBundle builds a transaction bundle from already-created resources.
// Entry order matches the input order. Internal Type/id references are
// rewritten to the matching entry's urn:uuid fullUrl.
func (a *Assembler) AssembleBundle(resources []map[string]interface{}, requestID string) (map[string]interface{}, error) {
	if len(resources) == 0 {
		return nil, fmt.Errorf("cannot assemble a bundle from zero resources")
	}

	fullURLs := make(map[string]string, len(resources))
	entries := make([]interface{}, 0, len(resources))

	for i, resource := range resources {
		rt := fhir.ResourceTypeOf(resource)
		if rt == "" {
			return nil, fmt.Errorf("resource %d has no resourceType", i)
		}
		fullURL := "urn:uuid:" + uuid.NewString()
		if id := fhir.ResourceIDOf(resource); id != "" {
			fullURLs[rt+"/"+id] = fullURL
		}
		entries = append(entries, map[string]interface{}{
			"fullUrl":  fullURL,
			"resource": resource,
			"request": map[string]interface{}{
				"method": "POST",
				"url":    rt,
			},
		})
	}

	rewritten := 0
	for _, entry := range entries {
		resource := entry.(map[string]interface{})["resource"].(map[string]interface{})
		fhir.RewriteReferences(resource, func(ref string) (string, bool) {
			if target, ok := fullURLs[ref]; ok {
				rewritten++
				return target, true
			}
			return "", false
		})
	}

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"id":           "bundle-" + uuid.NewString(),
		"type":         fhirmodels.BundleTransaction,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}

	if a.optimizer != nil {
		bundle = a.optimizer.OptimizeBundle(bundle)
	}

	a.logger.Debug().
		Str("request_id", requestID).
		Int("entries", len(entries)).
		Int("references_rewritten", rewritten).
		Msg("bundle assembled")
	return bundle, nil
}
