package cds

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

func evaluate(t *testing.T, policy ConditionPolicy, actions []PlanAction, interp *stubInterpreter, resolver ActivityResolver) ([]OutputAction, error) {
	t.Helper()
	return NewEvaluator(policy, zerolog.Nop()).Evaluate(context.Background(), NewActionTree(actions), interp, resolver)
}

func TestEvaluator_FalseChildrenDoNotFire(t *testing.T) {
	actions := []PlanAction{{
		Title:     "parent",
		Condition: []ActionCondition{when("Yes")},
		Action: []PlanAction{
			{Title: "c1", Condition: []ActionCondition{when("No")}},
			{Title: "c2", Condition: []ActionCondition{when("No")}},
		},
	}}
	interp := newStubInterpreter(map[string]interface{}{"Yes": true, "No": false})

	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 action, got %d", len(out))
	}
	if out[0].Title != "parent" || out[0].Parent != -1 {
		t.Errorf("unexpected output %+v", out[0])
	}
}

func TestEvaluator_PreOrderWithParents(t *testing.T) {
	actions := []PlanAction{
		{Title: "a", Condition: []ActionCondition{when("Yes")}, Action: []PlanAction{
			{Title: "a1", Condition: []ActionCondition{when("Yes")}},
		}},
		{Title: "b", Condition: []ActionCondition{when("Yes")}},
	}
	interp := newStubInterpreter(map[string]interface{}{"Yes": true})

	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []struct {
		title  string
		parent int
	}{{"a", -1}, {"a1", 0}, {"b", -1}}
	if len(out) != len(want) {
		t.Fatalf("expected %d actions, got %d", len(want), len(out))
	}
	for i, w := range want {
		if out[i].Title != w.title || out[i].Parent != w.parent {
			t.Errorf("output %d: expected %s/%d, got %s/%d", i, w.title, w.parent, out[i].Title, out[i].Parent)
		}
	}
}

func TestEvaluator_ConditionPolicies(t *testing.T) {
	interp := func() *stubInterpreter {
		return newStubInterpreter(map[string]interface{}{"Yes": true, "No": false})
	}
	tests := []struct {
		name       string
		policy     ConditionPolicy
		conditions []ActionCondition
		want       int
	}{
		{"per condition fires for each true guard", AppendPerCondition, []ActionCondition{when("Yes"), when("No"), when("Yes")}, 2},
		{"per condition without guards", AppendPerCondition, nil, 0},
		{"require all with a false guard", RequireAll, []ActionCondition{when("Yes"), when("No")}, 0},
		{"require all with true guards", RequireAll, []ActionCondition{when("Yes"), when("Yes")}, 1},
		{"require all without guards", RequireAll, nil, 0},
		{"non applicability kinds are ignored", AppendPerCondition, []ActionCondition{{Kind: "start", Expression: &Expression{Expression: "Yes"}}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evaluate(t, tt.policy, []PlanAction{{Title: "a", Condition: tt.conditions}}, interp(), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(out) != tt.want {
				t.Errorf("expected %d actions, got %d", tt.want, len(out))
			}
		})
	}
}

func TestEvaluator_NonBooleanGuardIsFalse(t *testing.T) {
	interp := newStubInterpreter(map[string]interface{}{"Count": 3, "Missing": nil})
	actions := []PlanAction{
		{Title: "a", Condition: []ActionCondition{when("Count")}},
		{Title: "b", Condition: []ActionCondition{when("Missing")}},
		{Title: "c", Condition: []ActionCondition{{Kind: "applicability"}}},
	}
	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no actions, got %d", len(out))
	}
}

func TestEvaluator_DynamicValues(t *testing.T) {
	interp := newStubInterpreter(map[string]interface{}{
		"Yes":     true,
		"Title":   "Dynamic title",
		"Detail":  "Dynamic detail",
		"Warn":    "warn",
		"Dose":    "twice daily",
		"Unknown": "loud",
	})
	actions := []PlanAction{{
		Title:     "static",
		Condition: []ActionCondition{when("Yes")},
		DynamicValue: []DynamicValue{
			dynamic("action.title", "Title"),
			dynamic("action.description", "Detail"),
			dynamic("action.extension", "Warn"),
		},
	}}

	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Title != "Dynamic title" || out[0].Description != "Dynamic detail" {
		t.Errorf("unexpected text %q / %q", out[0].Title, out[0].Description)
	}
	if out[0].Indicator != IndicatorWarning {
		t.Errorf("expected warning, got %q", out[0].Indicator)
	}

	actions[0].DynamicValue = []DynamicValue{dynamic("action.extension", "Unknown")}
	if _, err := evaluate(t, AppendPerCondition, actions, interp, nil); !errors.Is(err, ErrInvalidIndicatorCode) {
		t.Errorf("expected ErrInvalidIndicatorCode, got %v", err)
	}
}

func TestEvaluator_DynamicValueMutatesResource(t *testing.T) {
	interp := newStubInterpreter(map[string]interface{}{"Yes": true, "Dose": "twice daily"})
	resolver := NewActivityResolver(NewActivityCatalog(metforminActivity()), "P1")
	actions := []PlanAction{{
		Title:               "metformin",
		Condition:           []ActionCondition{when("Yes")},
		DefinitionCanonical: metforminCanon,
		DynamicValue:        []DynamicValue{dynamic("dosageInstruction.text", "Dose")},
	}}

	out, err := evaluate(t, AppendPerCondition, actions, interp, resolver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := out[0].ResourceTarget
	if fhir.ResourceType(res) != "MedicationRequest" {
		t.Fatalf("expected MedicationRequest, got %v", res)
	}
	if out[0].ResourceRef != fhir.ReferenceTo(res) {
		t.Errorf("expected ref %s, got %s", fhir.ReferenceTo(res), out[0].ResourceRef)
	}
	dosage, _ := res["dosageInstruction"].(map[string]interface{})
	if dosage == nil || dosage["text"] != "twice daily" {
		t.Errorf("expected dosage text to be set, got %v", res["dosageInstruction"])
	}
}

func TestEvaluator_DynamicValueWithoutResourceIsIgnored(t *testing.T) {
	interp := newStubInterpreter(map[string]interface{}{"Yes": true, "Dose": "daily"})
	actions := []PlanAction{{
		Title:        "a",
		Condition:    []ActionCondition{when("Yes")},
		DynamicValue: []DynamicValue{dynamic("dosageInstruction.text", "Dose")},
	}}
	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].ResourceTarget != nil {
		t.Errorf("expected no resource, got %v", out[0].ResourceTarget)
	}
}

func TestEvaluator_ExpressionErrorAborts(t *testing.T) {
	interp := newStubInterpreter(map[string]interface{}{"Yes": true})
	actions := []PlanAction{
		{Title: "a", Condition: []ActionCondition{when("Yes")}},
		{Title: "b", Condition: []ActionCondition{when("Nope")}},
	}
	out, err := evaluate(t, AppendPerCondition, actions, interp, nil)
	if !errors.Is(err, cql.ErrUnknownExpression) {
		t.Fatalf("expected ErrUnknownExpression, got %v", err)
	}
	if out != nil {
		t.Errorf("expected no partial output, got %d actions", len(out))
	}
}

func TestParseIndicator(t *testing.T) {
	tests := map[string]Indicator{
		"info":      IndicatorInfo,
		"warn":      IndicatorWarning,
		"warning":   IndicatorWarning,
		"critical":  IndicatorCritical,
		"hard-stop": IndicatorHardStop,
	}
	for code, want := range tests {
		got, err := ParseIndicator(code)
		if err != nil || got != want {
			t.Errorf("ParseIndicator(%q) = %q, %v; want %q", code, got, err, want)
		}
	}
	if _, err := ParseIndicator("Warning"); !errors.Is(err, ErrInvalidIndicatorCode) {
		t.Errorf("expected ErrInvalidIndicatorCode, got %v", err)
	}
}

func TestParseConditionPolicy(t *testing.T) {
	if p, err := ParseConditionPolicy(""); err != nil || p != AppendPerCondition {
		t.Errorf("expected per-condition default, got %v %v", p, err)
	}
	if p, err := ParseConditionPolicy("require-all"); err != nil || p != RequireAll {
		t.Errorf("expected require-all, got %v %v", p, err)
	}
	if _, err := ParseConditionPolicy("any"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
