package fhir

import "testing"

func TestDefaultRegistry_KnowsR4Types(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{"Patient", "MedicationRequest", "PlanDefinition", "ActivityDefinition", "Bundle"} {
		if !r.Known(name) {
			t.Errorf("expected %s to be known", name)
		}
	}
	if r.Known("Medicine") {
		t.Error("expected Medicine to be unknown")
	}
	if DefaultRegistry() != r {
		t.Error("expected the default registry to be shared")
	}
}

func TestRegistry_TypeOf(t *testing.T) {
	r := NewRegistry("Condition")

	if rt, ok := r.TypeOf(Resource{"resourceType": "Condition"}); !ok || rt != "Condition" {
		t.Errorf("expected known Condition, got %q %v", rt, ok)
	}
	if rt, ok := r.TypeOf(Resource{"resourceType": "Observation"}); ok || rt != "Observation" {
		t.Errorf("expected unknown Observation, got %q %v", rt, ok)
	}
	if _, ok := r.TypeOf(Resource{"id": "x"}); ok {
		t.Error("expected resource without type to be unknown")
	}

	r.Register("Observation")
	if !r.Known("Observation") {
		t.Error("expected Register to add the type")
	}
	if got := r.Types(); len(got) != 2 || got[0] != "Condition" || got[1] != "Observation" {
		t.Errorf("expected sorted [Condition Observation], got %v", got)
	}
}
