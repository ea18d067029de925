package cds

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/retrieve"
)

// stubInterpreter answers expressions from a fixed table.
type stubInterpreter struct {
	values map[string]interface{}
	errs   map[string]error
	calls  []string
}

func newStubInterpreter(values map[string]interface{}) *stubInterpreter {
	return &stubInterpreter{values: values, errs: map[string]error{}}
}

func (s *stubInterpreter) Evaluate(_ context.Context, name string) (interface{}, error) {
	s.calls = append(s.calls, name)
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cql.ErrUnknownExpression, name)
	}
	return v, nil
}

func (s *stubInterpreter) RegisterDataSource(string, retrieve.Provider) {}
func (s *stubInterpreter) SetContextValue(string, string)              {}
func (s *stubInterpreter) SetParameter(string, interface{})            {}

func when(expr string) ActionCondition {
	return ActionCondition{Kind: "applicability", Expression: &Expression{Language: "text/cql", Expression: expr}}
}

func dynamic(path, expr string) DynamicValue {
	return DynamicValue{Path: path, Expression: &Expression{Language: "text/cql", Expression: expr}}
}

func doc(display string) []RelatedArtifact {
	return []RelatedArtifact{{Type: "documentation", Display: display, URL: "http://example.org/guideline"}}
}

const (
	diabetesVS     = "http://example.org/fhir/ValueSet/diabetes"
	metforminCanon = "http://example.org/fhir/ActivityDefinition/metformin"
)

// diabetesLogic flags patients with a diabetes condition on record.
const diabetesLogic = `{
  "definitions": [
    {"name": "Diabetes", "retrieve": {"dataType": "Condition", "codePath": "code", "valueSet": "` + diabetesVS + `"}},
    {"name": "Has Diabetes", "source": "Diabetes", "expression": "entry.exists()"},
    {"name": "Summary", "value": "Diabetes on record"},
    {"name": "Urgency", "value": "warn"}
  ]
}`

func diabetesLibrary() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Library",
		"id":           "diabetes",
		"url":          "http://example.org/fhir/Library/diabetes",
		"name":         "Diabetes",
		"version":      "1.0.0",
		"dataRequirement": []interface{}{
			map[string]interface{}{"type": "Patient"},
			map[string]interface{}{
				"type": "Condition",
				"codeFilter": []interface{}{
					map[string]interface{}{"path": "code", "valueSet": diabetesVS},
				},
			},
		},
		"content": []interface{}{
			map[string]interface{}{"contentType": cql.LogicContentType, "data": base64.StdEncoding.EncodeToString([]byte(diabetesLogic))},
		},
	}
}

func metforminActivity() fhir.Resource {
	return fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "metformin",
		"url":          metforminCanon,
		"kind":         "MedicationRequest",
		"productCodeableConcept": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "860975"}},
		},
	}
}

func diabetesPlan(hook string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "diabetes-review",
		"name":         "DiabetesReview",
		"title":        "Diabetes review",
		"description":  "Suggests metformin for diabetic patients",
		"type": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": ECARuleType}},
		},
		"library": []interface{}{"http://example.org/fhir/Library/diabetes"},
		"action": []interface{}{
			map[string]interface{}{
				"title":         "Review diabetes treatment",
				"description":   "Patient has diabetes",
				"trigger":       []interface{}{map[string]interface{}{"type": "named-event", "name": hook}},
				"documentation": []interface{}{map[string]interface{}{"type": "documentation", "display": "ADA guideline", "url": "http://example.org/ada"}},
				"condition": []interface{}{
					map[string]interface{}{"kind": "applicability", "expression": map[string]interface{}{"language": "text/cql", "expression": "Has Diabetes"}},
				},
				"dynamicValue": []interface{}{
					map[string]interface{}{"path": "action.title", "expression": map[string]interface{}{"language": "text/cql", "expression": "Summary"}},
					map[string]interface{}{"path": "action.extension", "expression": map[string]interface{}{"language": "text/cql", "expression": "Urgency"}},
				},
				"action": []interface{}{
					map[string]interface{}{
						"title":               "Start metformin",
						"description":         "Order metformin 500 mg",
						"definitionCanonical": metforminCanon,
						"condition": []interface{}{
							map[string]interface{}{"kind": "applicability", "expression": map[string]interface{}{"language": "text/cql", "expression": "Has Diabetes"}},
						},
					},
				},
			},
		},
	}
}

func diabeticCondition(patientID string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Condition",
		"id":           "c1",
		"subject":      map[string]interface{}{"reference": "Patient/" + patientID},
		"code": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"system": "http://snomed.info/sct", "code": "44054006"}},
		},
	}
}
