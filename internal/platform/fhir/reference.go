package fhir

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ReferenceManager tracks resources by their canonical "Type/id" key and
// maintains forward and reverse reference indices between them. Resolution is
// by key lookup, so reference cycles are safe.
type ReferenceManager struct {
	mu        sync.Mutex
	resources map[string]map[string]interface{}
	from      map[string]map[string]bool // source key -> target keys
	to        map[string]map[string]bool // target key -> source keys
}

// NewReferenceManager creates an empty ReferenceManager.
func NewReferenceManager() *ReferenceManager {
	return &ReferenceManager{
		resources: make(map[string]map[string]interface{}),
		from:      make(map[string]map[string]bool),
		to:        make(map[string]map[string]bool),
	}
}

// CreateReference registers a resource and returns its reference string.
// An id of the form "<Type>-<uuid>" is assigned when the resource has none.
// Forward links to every reference inside the resource are indexed.
func (m *ReferenceManager) CreateReference(resource map[string]interface{}) (string, error) {
	rt := ResourceTypeOf(resource)
	if rt == "" {
		return "", fmt.Errorf("resource has no resourceType")
	}
	id := ResourceIDOf(resource)
	if id == "" {
		id = fmt.Sprintf("%s-%s", rt, uuid.NewString())
		resource["id"] = id
	}
	key := FormatReference(rt, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[key] = resource

	for _, ref := range ExtractReferences(resource) {
		targetRT, targetID, ok := ParseReference(ref)
		if !ok {
			continue
		}
		target := FormatReference(targetRT, targetID)
		if m.from[key] == nil {
			m.from[key] = make(map[string]bool)
		}
		m.from[key][target] = true
		if m.to[target] == nil {
			m.to[target] = make(map[string]bool)
		}
		m.to[target][key] = true
	}
	return key, nil
}

// CreateReferenceDict registers the resource and returns a FHIR reference
// object with a synthesized human-readable display.
func (m *ReferenceManager) CreateReferenceDict(resource map[string]interface{}) (map[string]interface{}, error) {
	ref, err := m.CreateReference(resource)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"reference": ref}
	if display := DisplayFor(resource); display != "" {
		out["display"] = display
	}
	return out, nil
}

// Resolve returns the cached resource for a reference string. History
// suffixes and absolute-URL prefixes are ignored.
func (m *ReferenceManager) Resolve(ref string) (map[string]interface{}, bool) {
	rt, id, ok := ParseReference(ref)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, found := m.resources[FormatReference(rt, id)]
	return r, found
}

// ValidateReferenceIntegrity lists all dangling forward links: references
// recorded from a known source whose target is not in the cache.
func (m *ReferenceManager) ValidateReferenceIntegrity() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dangling []string
	for source, targets := range m.from {
		for target := range targets {
			if _, ok := m.resources[target]; !ok {
				dangling = append(dangling, fmt.Sprintf("%s -> %s", source, target))
			}
		}
	}
	sort.Strings(dangling)
	return dangling
}

// ReferencesFrom returns the target keys referenced by a source key.
func (m *ReferenceManager) ReferencesFrom(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.from[key])
}

// ReferencesTo returns the source keys that reference a target key.
func (m *ReferenceManager) ReferencesTo(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.to[key])
}

// Count returns the number of cached resources.
func (m *ReferenceManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// Clear drops all cached resources and indices.
func (m *ReferenceManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = make(map[string]map[string]interface{})
	m.from = make(map[string]map[string]bool)
	m.to = make(map[string]map[string]bool)
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DisplayFor derives a human display string from a resource. Patient and
// Practitioner use the first name entry; coded clinical resources use the
// first coding display or code, falling back to the concept text; everything
// else falls back to "Type/id".
func DisplayFor(resource map[string]interface{}) string {
	rt := ResourceTypeOf(resource)
	switch rt {
	case "Patient", "Practitioner":
		if name := humanNameDisplay(resource); name != "" {
			return name
		}
	case "Medication", "Condition", "Observation":
		for _, field := range []string{"code", "medicationCodeableConcept"} {
			if concept, ok := resource[field].(map[string]interface{}); ok {
				if d := conceptDisplay(concept); d != "" {
					return d
				}
			}
		}
	}
	if id := ResourceIDOf(resource); id != "" && rt != "" {
		return FormatReference(rt, id)
	}
	return rt
}

func humanNameDisplay(resource map[string]interface{}) string {
	names, ok := resource["name"].([]interface{})
	if !ok || len(names) == 0 {
		return ""
	}
	name, ok := names[0].(map[string]interface{})
	if !ok {
		return ""
	}
	var parts []string
	if given, ok := name["given"].([]interface{}); ok && len(given) > 0 {
		if g, ok := given[0].(string); ok {
			parts = append(parts, g)
		}
	}
	if family, ok := name["family"].(string); ok && family != "" {
		parts = append(parts, family)
	}
	if len(parts) == 0 {
		if text, ok := name["text"].(string); ok {
			return text
		}
	}
	return strings.Join(parts, " ")
}

func conceptDisplay(concept map[string]interface{}) string {
	if codings, ok := concept["coding"].([]interface{}); ok && len(codings) > 0 {
		if c, ok := codings[0].(map[string]interface{}); ok {
			if d, ok := c["display"].(string); ok && d != "" {
				return d
			}
			if code, ok := c["code"].(string); ok && code != "" {
				return code
			}
		}
	}
	text, _ := concept["text"].(string)
	return text
}
