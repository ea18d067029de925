package cds

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

func TestStoredRulesFrom(t *testing.T) {
	bare := fhir.Resource{"resourceType": "PlanDefinition", "id": "bare", "name": "Bare"}
	resources := []fhir.Resource{diabetesPlan("patient-view"), bare, diabetesLibrary(), metforminActivity()}

	stored, err := StoredRulesFrom(resources)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored rules, got %d", len(stored))
	}

	diabetes := stored[0]
	if diabetes.ID != "diabetes-review" || !diabetes.Active {
		t.Errorf("unexpected rule %s active=%v", diabetes.ID, diabetes.Active)
	}
	if len(diabetes.Library) == 0 {
		t.Error("expected primary library to be stored with the plan")
	}
	var defs []fhir.Resource
	if err := json.Unmarshal(diabetes.Activities, &defs); err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(defs) != 1 || defs[0]["id"] != "metformin" {
		t.Errorf("expected metformin activity, got %v", defs)
	}

	if len(stored[1].Library) != 0 || len(stored[1].Activities) != 0 {
		t.Errorf("expected bare plan without dependencies, got %s %s", stored[1].Library, stored[1].Activities)
	}
}

func TestStoredRulesFrom_BindsAfterRoundTrip(t *testing.T) {
	stored, err := StoredRulesFrom([]fhir.Resource{diabetesLibrary(), metforminActivity(), diabetesPlan("patient-view")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	plan, lib, activities, err := stored[0].Resources()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rules, err := BindRules(append([]fhir.Resource{plan, lib}, activities...), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(rules) != 1 || rules[0].Library == nil {
		t.Fatalf("expected one rule bound to its library, got %+v", rules)
	}
	if _, ok := rules[0].Activities.Lookup(metforminCanon); !ok {
		t.Error("expected metformin in the rule's activity catalog")
	}
}

func TestStoredRulesFrom_PlanWithoutID(t *testing.T) {
	_, err := StoredRulesFrom([]fhir.Resource{{"resourceType": "PlanDefinition", "name": "NoID"}})
	if !errors.Is(err, ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
}
