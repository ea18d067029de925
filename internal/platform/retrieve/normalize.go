package retrieve

import (
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// Normalize flattens a coded value into canonical codes. It accepts a
// CodeableConcept (one code per coding), a Coding, a Medication (its code),
// a plain code string and arbitrarily nested collections of those. An
// unresolved Reference yields no codes.
func Normalize(v interface{}) ([]terminology.Code, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []terminology.Code{{Code: val}}, nil
	case terminology.Code:
		return []terminology.Code{val}, nil
	case []terminology.Code:
		return val, nil
	case []interface{}:
		var out []terminology.Code
		for _, item := range val {
			codes, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, codes...)
		}
		return out, nil
	case []fhir.Resource:
		var out []terminology.Code
		for _, item := range val {
			codes, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, codes...)
		}
		return out, nil
	case map[string]interface{}:
		return normalizeElement(val)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedCodeShape, v)
}

func normalizeElement(m map[string]interface{}) ([]terminology.Code, error) {
	switch {
	case fhir.ResourceType(m) == "Medication":
		code, ok := m["code"]
		if !ok {
			return nil, nil
		}
		return Normalize(code)
	case m["coding"] != nil:
		return Normalize(m["coding"])
	case m["reference"] != nil:
		return nil, nil
	case isCoding(m):
		return []terminology.Code{codingToCode(m)}, nil
	case isUncodedConcept(m):
		return nil, nil
	}
	return nil, fmt.Errorf("%w: object with fields %v", ErrUnsupportedCodeShape, keys(m))
}

func codingToCode(m map[string]interface{}) terminology.Code {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	return terminology.Code{
		System:  str("system"),
		Code:    str("code"),
		Display: str("display"),
		Version: str("version"),
	}
}

var codingFields = []string{"system", "code", "display", "version"}

// isCoding reports whether m carries any Coding field. A Coding without a
// code is valid and yields a code that never matches.
func isCoding(m map[string]interface{}) bool {
	for _, f := range codingFields {
		if isString(m[f]) {
			return true
		}
	}
	return false
}

// isUncodedConcept matches a CodeableConcept that only has text, id or
// extensions.
func isUncodedConcept(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		switch k {
		case "text", "id", "extension":
		default:
			return false
		}
	}
	return true
}

func isString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Membership reports whether any candidate is compatible with any code of
// the pool. Candidates are the codes found on a resource; pool is the filter.
func Membership(candidates, pool []terminology.Code) bool {
	for _, c := range candidates {
		for _, t := range pool {
			if c.Compatible(t) {
				return true
			}
		}
	}
	return false
}
