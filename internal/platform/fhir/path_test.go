package fhir

import (
	"testing"
)

func TestGetPath_ChoiceAndCast(t *testing.T) {
	cond := Resource{
		"resourceType":  "Condition",
		"onsetDateTime": "2024-01-01",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://snomed.info/sct", "code": "44054006"},
				map[string]interface{}{"system": "http://hl7.org/fhir/sid/icd-10", "code": "E11"},
			},
		},
	}

	if got := GetPath(cond, "onset", nil); len(got) != 1 || got[0] != "2024-01-01" {
		t.Errorf("expected choice lookup to find onsetDateTime, got %v", got)
	}
	if got := GetPath(cond, "Condition.onset.as(dateTime)", nil); len(got) != 1 {
		t.Errorf("expected cast lookup to find onsetDateTime, got %v", got)
	}
	if got := GetPath(cond, "onset as Period", nil); got != nil {
		t.Errorf("expected no Period onset, got %v", got)
	}
	if got := GetPath(cond, "code.coding", nil); len(got) != 2 {
		t.Errorf("expected 2 codings, got %d", len(got))
	}
	if got := GetPath(cond, "code.coding[1].code", nil); len(got) != 1 || got[0] != "E11" {
		t.Errorf("expected indexed lookup E11, got %v", got)
	}
	if got := GetPath(cond, "severity", nil); got != nil {
		t.Errorf("expected nil for missing element, got %v", got)
	}
}

func TestGetPath_ChoiceNeedsTypeSuffix(t *testing.T) {
	medReq := Resource{
		"resourceType":      "MedicationRequest",
		"dosageInstruction": []interface{}{map[string]interface{}{"text": "once daily"}},
	}
	if got := GetPath(medReq, "dosage", nil); got != nil {
		t.Errorf("expected dosage not to match dosageInstruction, got %v", got)
	}

	svcReq := Resource{
		"resourceType":  "ServiceRequest",
		"performerType": map[string]interface{}{"text": "nurse"},
	}
	if got := GetPath(svcReq, "performer", nil); got != nil {
		t.Errorf("expected performer not to match performerType, got %v", got)
	}

	obs := Resource{
		"resourceType":  "Observation",
		"effectiveDate": "2024-02-01",
		"valueQuantity": map[string]interface{}{"value": 7.1},
	}
	if got := GetPath(obs, "effective", nil); len(got) != 1 || got[0] != "2024-02-01" {
		t.Errorf("expected effectiveDate, got %v", got)
	}
	if got := GetPath(obs, "value", nil); len(got) != 1 {
		t.Errorf("expected valueQuantity, got %v", got)
	}
}

func TestGetPath_FollowsReferences(t *testing.T) {
	med := Resource{"resourceType": "Medication", "id": "med-1"}
	mr := Resource{
		"resourceType":        "MedicationRequest",
		"medicationReference": map[string]interface{}{"reference": "Medication/med-1"},
	}
	resolver := ReferenceResolverFunc(func(ref string) (Resource, bool) {
		if ReferenceID(ref) == "med-1" {
			return med, true
		}
		return nil, false
	})

	got := GetPath(mr, "medication", resolver)
	if len(got) != 1 {
		t.Fatalf("expected 1 value, got %d", len(got))
	}
	if ResourceType(got[0].(map[string]interface{})) != "Medication" {
		t.Errorf("expected resolved Medication, got %v", got[0])
	}

	unresolved := GetPath(mr, "medication", ReferenceResolverFunc(func(string) (Resource, bool) { return nil, false }))
	if _, ok := unresolved[0].(map[string]interface{})["reference"]; !ok {
		t.Errorf("expected unresolved reference to pass through, got %v", unresolved[0])
	}
}

func TestSetPath(t *testing.T) {
	r := Resource{"resourceType": "MedicationRequest"}

	if err := SetPath(r, "MedicationRequest.dosageInstruction.text", "twice daily"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}
	if err := SetPath(r, "note[1].text", "second"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}
	if err := SetPath(r, "priority", "urgent"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}

	di, ok := r["dosageInstruction"].(map[string]interface{})
	if !ok || di["text"] != "twice daily" {
		t.Errorf("unexpected dosageInstruction: %v", r["dosageInstruction"])
	}
	notes, ok := r["note"].([]interface{})
	if !ok || len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %v", r["note"])
	}
	if notes[1].(map[string]interface{})["text"] != "second" {
		t.Errorf("unexpected note: %v", notes[1])
	}
	if r["priority"] != "urgent" {
		t.Errorf("expected priority urgent, got %v", r["priority"])
	}

	if err := SetPath(r, "priority.code", "x"); err == nil {
		t.Error("expected error when descending into a scalar")
	}
	if err := SetPath(r, "", "x"); err == nil {
		t.Error("expected error for empty path")
	}
}
