package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// ReferenceResolver resolves a reference string to an in-memory resource.
type ReferenceResolver interface {
	Resolve(reference string) (Resource, bool)
}

// ReferenceResolverFunc adapts a function to ReferenceResolver.
type ReferenceResolverFunc func(reference string) (Resource, bool)

func (f ReferenceResolverFunc) Resolve(reference string) (Resource, bool) {
	return f(reference)
}

// GetPath resolves a simple dotted element path against a resource and
// returns the flattened collection of values found. Choice elements may be
// addressed by their base name ("medication" finds medicationCodeableConcept
// or medicationReference) or by an explicit type cast ("onset.as(dateTime)").
// A reference value is followed when resolver can resolve it, so that a path
// ending in a Reference yields the target resource.
func GetPath(v interface{}, path string, resolver ReferenceResolver) []interface{} {
	segs := splitElementPath(path)
	if len(segs) == 0 {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok && segs[0].name == ResourceType(m) {
		segs = segs[1:]
	}

	current := []interface{}{v}
	for _, seg := range segs {
		var next []interface{}
		for _, item := range current {
			next = append(next, navigateField(item, seg)...)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	if resolver == nil {
		return current
	}
	out := make([]interface{}, 0, len(current))
	for _, item := range current {
		if ref, ok := referenceString(item); ok {
			if target, found := resolver.Resolve(ref); found {
				out = append(out, target)
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

type pathSegment struct {
	name  string
	cast  string
	index int
}

// splitElementPath parses "a.b[0].c.as(dateTime)" into segments. A trailing
// ".as(Type)" or " as Type" attaches the cast to the preceding segment.
func splitElementPath(path string) []pathSegment {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if i := strings.Index(path, " as "); i > 0 {
		path = path[:i] + ".as(" + strings.TrimSpace(path[i+4:]) + ")"
	}

	var segs []pathSegment
	for _, raw := range strings.Split(path, ".") {
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, "as(") && strings.HasSuffix(raw, ")") {
			if len(segs) > 0 {
				segs[len(segs)-1].cast = raw[3 : len(raw)-1]
			}
			continue
		}
		seg := pathSegment{name: raw, index: -1}
		if open := strings.IndexByte(raw, '['); open > 0 && strings.HasSuffix(raw, "]") {
			if n, err := strconv.Atoi(raw[open+1 : len(raw)-1]); err == nil {
				seg.index = n
			}
			seg.name = raw[:open]
		}
		segs = append(segs, seg)
	}
	return segs
}

// navigateField extracts a named field from a value.
func navigateField(item interface{}, seg pathSegment) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}

	var val interface{}
	if seg.cast != "" {
		val, ok = m[seg.name+upperFirst(seg.cast)]
	} else {
		val, ok = m[seg.name]
		if !ok {
			val, ok = choiceValue(m, seg.name)
		}
	}
	if !ok || val == nil {
		return nil
	}

	arr, isArr := val.([]interface{})
	if !isArr {
		if seg.index > 0 {
			return nil
		}
		return []interface{}{val}
	}
	if seg.index >= 0 {
		if seg.index >= len(arr) {
			return nil
		}
		return []interface{}{arr[seg.index]}
	}
	return arr
}

// choiceTypes are the data type suffixes a FHIR R4 choice element name[x]
// can carry.
var choiceTypes = []string{
	"Base64Binary", "Boolean", "Canonical", "Code", "Date", "DateTime", "Decimal",
	"Id", "Instant", "Integer", "Markdown", "Oid", "PositiveInt", "String", "Time",
	"UnsignedInt", "Uri", "Url", "Uuid",
	"Address", "Age", "Annotation", "Attachment", "CodeableConcept", "Coding",
	"ContactPoint", "Count", "Distance", "Duration", "HumanName", "Identifier",
	"Money", "Period", "Quantity", "Range", "Ratio", "Reference", "SampledData",
	"Signature", "Timing", "ContactDetail", "Contributor", "DataRequirement",
	"Expression", "ParameterDefinition", "RelatedArtifact", "TriggerDefinition",
	"UsageContext", "Dosage", "Meta",
}

// choiceValue finds the populated variant of a choice element name[x]. Only
// FHIR data type suffixes qualify, so "dosage" never matches
// "dosageInstruction". Variants are tried in choiceTypes order.
func choiceValue(m map[string]interface{}, name string) (interface{}, bool) {
	for _, t := range choiceTypes {
		if v, ok := m[name+t]; ok {
			return v, true
		}
	}
	return nil, false
}

func referenceString(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return "", false
	}
	if _, isResource := m["resourceType"]; isResource {
		return "", false
	}
	ref, ok := m["reference"].(string)
	return ref, ok && ref != ""
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// SetPath assigns value at a dotted element path inside r, creating
// intermediate objects as needed. Array elements are addressed with [n];
// an unindexed array segment addresses its first element. A leading
// segment equal to the resource type is ignored.
func SetPath(r Resource, path string, value interface{}) error {
	segs := splitElementPath(path)
	if len(segs) > 0 && segs[0].name == ResourceType(r) {
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return fmt.Errorf("set %q: empty path", path)
	}

	current := map[string]interface{}(r)
	for i, seg := range segs {
		name := seg.name
		if seg.cast != "" {
			name += upperFirst(seg.cast)
		}
		last := i == len(segs)-1

		existing, present := current[name]
		if arr, isArr := existing.([]interface{}); isArr || seg.index >= 0 {
			idx := seg.index
			if idx < 0 {
				idx = 0
			}
			if present && !isArr {
				return fmt.Errorf("set %q: %s is not a list", path, name)
			}
			for len(arr) <= idx {
				arr = append(arr, map[string]interface{}{})
			}
			current[name] = arr
			if last {
				arr[idx] = value
				return nil
			}
			child, ok := arr[idx].(map[string]interface{})
			if !ok {
				return fmt.Errorf("set %q: %s[%d] is not an element", path, name, idx)
			}
			current = child
			continue
		}

		if last {
			current[name] = value
			return nil
		}
		child, ok := existing.(map[string]interface{})
		if !present || existing == nil {
			child = map[string]interface{}{}
			current[name] = child
		} else if !ok {
			return fmt.Errorf("set %q: %s is not an element", path, name)
		}
		current = child
	}
	return nil
}
