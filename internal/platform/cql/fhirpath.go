package cql

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
)

var compiled = struct {
	sync.RWMutex
	exprs map[string]*fhirpath.Expression
}{exprs: make(map[string]*fhirpath.Expression)}

// compile returns the cached compilation of expr.
func compile(expr string) (*fhirpath.Expression, error) {
	compiled.RLock()
	c, ok := compiled.exprs[expr]
	compiled.RUnlock()
	if ok {
		return c, nil
	}

	c, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}

	compiled.Lock()
	compiled.exprs[expr] = c
	compiled.Unlock()
	return c, nil
}

func evaluateFHIRPath(expr string, subject interface{}) (interface{}, error) {
	c, err := compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile FHIRPath %q: %w", expr, err)
	}
	doc, err := json.Marshal(subject)
	if err != nil {
		return nil, fmt.Errorf("encode subject: %w", err)
	}
	result, err := c.Evaluate(doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate FHIRPath %q: %w", expr, err)
	}
	return fromCollection(result), nil
}

// fromCollection converts a FHIRPath result to a plain value: nil for an
// empty collection, the single item for a singleton and a slice otherwise.
// Booleans become bool and other primitives their string form.
func fromCollection(result fhirpath.Collection) interface{} {
	if result.Empty() {
		return nil
	}
	if len(result) == 1 {
		return fromValue(result[0])
	}
	out := make([]interface{}, 0, len(result))
	for _, v := range result {
		out = append(out, fromValue(v))
	}
	return out
}

func fromValue(v interface{}) interface{} {
	if b, ok := v.(types.Boolean); ok {
		return b.Bool()
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v)
}
