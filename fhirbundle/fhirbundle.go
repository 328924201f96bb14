// Package fhirbundle transforms and validates FHIR R4 Bundle JSON values as
// required to embed a Bundle inside a SMART Health Card, either verbatim
// ("standard" mode) or QR-size-optimised ("QR" mode: reference rewriting
// plus aggressive, lossy field stripping). See
// https://spec.smarthealth.cards/#health-cards-are-small and
// https://build.fhir.org/bundle.html.
//
// A Bundle is represented as a generic JSON object (map[string]any) rather
// than a fixed struct: FHIR resources are an open, extensible type system
// and this package only needs to inspect a handful of structurally-named
// fields, leaving everything else untouched.
package fhirbundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amitkgupta/go-smarthealth/shcerr"
)

// Bundle is a FHIR R4 Bundle represented as a generic JSON object.
type Bundle map[string]any

var validBundleTypes = map[string]bool{
	"document":             true,
	"message":              true,
	"transaction":          true,
	"transaction-response": true,
	"batch":                true,
	"batch-response":       true,
	"history":              true,
	"searchset":            true,
	"collection":           true,
}

// Parse decodes a JSON-encoded FHIR Bundle. Numbers are preserved as
// json.Number so round-tripping never silently rewrites integers as floats.
func Parse(data []byte) (Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, shcerr.Wrap(shcerr.KindBundleValidation, "parse bundle JSON", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, shcerr.New(shcerr.KindBundleValidation, "bundle JSON must be an object")
	}
	return Bundle(m), nil
}

// Validate rejects anything that is not a minimally well-shaped Bundle: a
// nil bundle, a non-"Bundle" resourceType, an unrecognised type, a
// non-array entry list, an entry without a resource, or a resource without
// a resourceType.
func Validate(b Bundle) error {
	if b == nil {
		return shcerr.New(shcerr.KindBundleValidation, "bundle is nil")
	}
	if rt, _ := b["resourceType"].(string); rt != "Bundle" {
		return shcerr.New(shcerr.KindBundleValidation, fmt.Sprintf("resourceType must be %q, got %q", "Bundle", rt))
	}
	if t, ok := b["type"]; ok {
		ts, isString := t.(string)
		if !isString || !validBundleTypes[ts] {
			return shcerr.New(shcerr.KindBundleValidation, fmt.Sprintf("unrecognised bundle type %v", t))
		}
	}
	entryVal, hasEntry := b["entry"]
	if !hasEntry {
		return nil
	}
	entries, ok := entryVal.([]any)
	if !ok {
		return shcerr.New(shcerr.KindBundleValidation, "entry must be an array")
	}
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return shcerr.New(shcerr.KindBundleValidation, fmt.Sprintf("entry %d is not an object", i))
		}
		resource, ok := entry["resource"].(map[string]any)
		if !ok {
			return shcerr.New(shcerr.KindBundleValidation, fmt.Sprintf("entry %d has no resource", i))
		}
		if rt, _ := resource["resourceType"].(string); rt == "" {
			return shcerr.New(shcerr.KindBundleValidation, fmt.Sprintf("entry %d resource has no resourceType", i))
		}
	}
	return nil
}

// Standard deep-copies b, defaulting Bundle.type to "collection" when
// absent, and makes no other structural change. Standard is idempotent.
func Standard(b Bundle) (Bundle, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}

	out, err := deepCopy(b)
	if err != nil {
		return nil, err
	}

	if _, hasType := out["type"]; !hasType {
		out["type"] = "collection"
	}

	return out, nil
}

// OptimizeForQR returns a new, deep-copied Bundle transformed per
// https://spec.smarthealth.cards/#health-cards-are-small:
//
//  1. Bundle.id is dropped.
//  2. Each entry's fullUrl (if present) is rewritten to "resource:<i>",
//     recording both the original fullUrl and its last two path segments
//     as lookup keys resolving to the new value.
//  3. Every "reference" string anywhere in the bundle is rewritten using
//     that lookup table. In strict mode an unresolvable reference fails
//     with InvalidBundleReference; otherwise it is left untouched.
//  4. Null values, empty arrays, resource-level ids, narrative/CodeableConcept
//     text, coding display strings, and all but meta.security are dropped.
func OptimizeForQR(b Bundle, strict bool) (Bundle, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}

	out, err := deepCopy(b)
	if err != nil {
		return nil, err
	}

	if _, hasType := out["type"]; !hasType {
		out["type"] = "collection"
	}

	delete(out, "id")

	lookup := map[string]string{}
	if entryVal, ok := out["entry"].([]any); ok {
		for i, e := range entryVal {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			newRef := fmt.Sprintf("resource:%d", i)
			if fullURL, ok := entry["fullUrl"].(string); ok && fullURL != "" {
				lookup[fullURL] = newRef
				lookup[lastTwoPathSegments(fullURL)] = newRef
				entry["fullUrl"] = newRef
			}
		}
	}

	rewritten, err := rewriteReferences(map[string]any(out), lookup, strict)
	if err != nil {
		return nil, err
	}
	out = Bundle(rewritten.(map[string]any))

	sanitized := sanitize(map[string]any(out))
	return Bundle(sanitized.(map[string]any)), nil
}

func lastTwoPathSegments(url string) string {
	trimmed := strings.TrimRight(url, "/")
	rawSegments := strings.Split(trimmed, "/")

	segments := make([]string, 0, len(rawSegments))
	for _, s := range rawSegments {
		if s != "" {
			segments = append(segments, s)
		}
	}

	if len(segments) < 2 {
		return trimmed
	}
	return strings.Join(segments[len(segments)-2:], "/")
}

func rewriteReferences(v any, lookup map[string]string, strict bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if k == "reference" {
				if refStr, ok := child.(string); ok {
					if mapped, found := lookup[refStr]; found {
						out[k] = mapped
						continue
					}
					if strict {
						return nil, shcerr.New(shcerr.KindInvalidBundleReference, fmt.Sprintf("unresolvable reference %q", refStr))
					}
					out[k] = refStr
					continue
				}
			}
			rc, err := rewriteReferences(child, lookup, strict)
			if err != nil {
				return nil, err
			}
			out[k] = rc
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			ri, err := rewriteReferences(item, lookup, strict)
			if err != nil {
				return nil, err
			}
			out[i] = ri
		}
		return out, nil
	default:
		return v, nil
	}
}

// sanitize performs the step-4 field-stripping pass, post-order so that
// structural checks (text/display/id/meta) see already-sanitized children.
func sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			sc := sanitize(child)
			if sc == nil {
				continue
			}
			if arr, ok := sc.([]any); ok && len(arr) == 0 {
				continue
			}
			out[k] = sc
		}

		if textVal, ok := out["text"]; ok {
			if textMap, ok := textVal.(map[string]any); ok {
				if _, hasDiv := textMap["div"]; hasDiv {
					delete(out, "text")
				}
			}
		}
		if codingVal, ok := out["coding"]; ok {
			if _, isArray := codingVal.([]any); isArray {
				delete(out, "text")
			}
		}
		if _, okSys := out["system"].(string); okSys {
			if _, okCode := out["code"].(string); okCode {
				delete(out, "display")
			}
		}
		if _, hasResourceType := out["resourceType"]; hasResourceType {
			delete(out, "id")
		}
		if metaVal, ok := out["meta"]; ok {
			if metaMap, ok := metaVal.(map[string]any); ok {
				if sec, hasSec := metaMap["security"]; hasSec {
					out["meta"] = map[string]any{"security": sec}
				} else {
					delete(out, "meta")
				}
			}
		}

		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			si := sanitize(item)
			if si == nil {
				continue
			}
			out = append(out, si)
		}
		return out
	default:
		return v
	}
}

func deepCopy(b Bundle) (Bundle, error) {
	data, err := json.Marshal(map[string]any(b))
	if err != nil {
		return nil, shcerr.Wrap(shcerr.KindBundleValidation, "marshal bundle for copy", err)
	}
	return Parse(data)
}

// MarshalJSON lets Bundle be passed directly to json.Marshal call sites
// that expect an encoding/json.Marshaler (e.g. inside a VerifiableCredential).
func (b Bundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(b))
}
