package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Fingerprint returns the SHA-256 hex digest of the canonical JSON
// rendering of the rule list and policy defaults. Map keys are sorted at
// every depth and numbers and booleans take their JSON normal form, so
// two documents with the same effective rules share a fingerprint
// regardless of source formatting, comments, or key order. The version
// label and description do not participate; a relabeled but otherwise
// identical document is recognized as a no-op on reload.
func (d *Document) Fingerprint() string {
	canon := struct {
		Rules         []Rule `json:"rules"`
		DefaultAction Action `json:"default_action"`
		DefaultReason string `json:"default_reason"`
	}{d.Rules, d.DefaultAction, d.DefaultReason}

	b, err := json.Marshal(canon)
	if err != nil {
		// Unreachable for normalized documents; normalize() rewrites every
		// YAML value into a JSON-marshalable shape.
		panic(fmt.Sprintf("policy: canonical marshal: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalSource renders the document back to YAML in the canonical
// shape: struct fields in fixed order, map keys sorted, tools always a
// list. Re-parsing the result yields an equivalent compiled rule list.
func (d *Document) CanonicalSource() (string, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal policy document: %w", err)
	}
	return string(b), nil
}

// normalizeValue rewrites YAML-decoded values into JSON-marshalable
// shapes: non-string map keys are stringified and nested collections are
// walked recursively. Scalars pass through unchanged.
func normalizeValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, e := range vv {
			vv[k] = normalizeValue(e)
		}
		return vv
	case map[any]any:
		m := make(map[string]any, len(vv))
		for k, e := range vv {
			m[fmt.Sprint(k)] = normalizeValue(e)
		}
		return m
	case []any:
		for i, e := range vv {
			vv[i] = normalizeValue(e)
		}
		return vv
	default:
		return v
	}
}

func normalizeValueMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}
