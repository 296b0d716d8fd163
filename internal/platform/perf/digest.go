package perf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// BundleDigest fingerprints a bundle from structural features only: resource
// types, entry count, and the presence of identifiers and references. No
// field values enter the digest, so cache keys never carry patient data.
func BundleDigest(bundle map[string]interface{}) string {
	var parts []string

	if t, ok := bundle["type"].(string); ok {
		parts = append(parts, "type="+t)
	}

	entries, _ := bundle["entry"].([]interface{})
	parts = append(parts, fmt.Sprintf("entries=%d", len(entries)))

	typeCounts := make(map[string]int)
	identifiers := 0
	references := 0
	for _, item := range entries {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		if rt, ok := resource["resourceType"].(string); ok {
			typeCounts[rt]++
		}
		if _, ok := resource["identifier"]; ok {
			identifiers++
		}
		references += countReferences(resource)
	}

	types := make([]string, 0, len(typeCounts))
	for rt, n := range typeCounts {
		types = append(types, fmt.Sprintf("%s:%d", rt, n))
	}
	sort.Strings(types)
	parts = append(parts, "types="+strings.Join(types, ","))
	parts = append(parts, fmt.Sprintf("identifiers=%d", identifiers))
	parts = append(parts, fmt.Sprintf("references=%d", references))

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func countReferences(node interface{}) int {
	switch v := node.(type) {
	case map[string]interface{}:
		count := 0
		for key, child := range v {
			if key == "reference" {
				if _, ok := child.(string); ok {
					count++
					continue
				}
			}
			count += countReferences(child)
		}
		return count
	case []interface{}:
		count := 0
		for _, child := range v {
			count += countReferences(child)
		}
		return count
	}
	return 0
}
