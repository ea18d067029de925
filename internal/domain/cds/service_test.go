package cds

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

type memFeedbackRepo struct {
	mu      sync.Mutex
	records []*FeedbackRecord
	err     error
}

func (m *memFeedbackRepo) Create(_ context.Context, f *FeedbackRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, f)
	return nil
}

func (m *memFeedbackRepo) ListByService(_ context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FeedbackRecord
	for _, r := range m.records {
		if r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// draftLogic fires when the hook carries at least one draft order.
const draftLogic = `{
  "definitions": [
    {"name": "Has Drafts", "source": "Drafts", "expression": "entry.exists()"},
    {"name": "Urgency", "value": "info"},
    {"name": "Broken", "source": "Drafts", "expression": "entry.where("}
  ]
}`

func draftLibrary() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Library",
		"id":           "drafts",
		"url":          "http://example.org/fhir/Library/drafts",
		"name":         "Drafts",
		"parameter": []interface{}{
			map[string]interface{}{"name": "Drafts", "use": "in", "min": 0, "max": "*", "type": "Resource"},
		},
		"content": []interface{}{
			map[string]interface{}{"contentType": cql.LogicContentType, "data": base64.StdEncoding.EncodeToString([]byte(draftLogic))},
		},
	}
}

func draftPlan(id, guard string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           id,
		"name":         "DraftCheck",
		"type":         map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": ECARuleType}}},
		"library":      []interface{}{"http://example.org/fhir/Library/drafts"},
		"action": []interface{}{
			map[string]interface{}{
				"title":         "Draft orders present",
				"trigger":       []interface{}{map[string]interface{}{"type": "named-event", "name": HookOrderSign}},
				"documentation": []interface{}{map[string]interface{}{"display": "Pharmacy"}},
				"condition": []interface{}{
					map[string]interface{}{"kind": "applicability", "expression": map[string]interface{}{"expression": guard}},
				},
				"dynamicValue": []interface{}{
					map[string]interface{}{"path": "action.extension", "expression": map[string]interface{}{"expression": "Urgency"}},
				},
			},
		},
	}
}

func newTestService(t *testing.T, feedback FeedbackRepository) *Service {
	t.Helper()
	rules, err := BindRules([]fhir.Resource{
		diabetesPlan(HookPatientView),
		diabetesLibrary(),
		metforminActivity(),
		draftPlan("draft-check", "Has Drafts"),
		draftPlan("draft-broken", "Broken"),
		draftLibrary(),
	}, cql.NewLibraryCache(), zerolog.Nop())
	if err != nil {
		t.Fatalf("bind rules: %v", err)
	}
	vs := terminology.NewInMemoryProvider()
	vs.Add(diabetesVS, terminology.Code{System: "http://snomed.info/sct", Code: "44054006"})
	return NewService(NewStaticRuleSet(rules...), feedback, Config{Expander: vs}, zerolog.Nop())
}

func patientViewRequest(prefetch ...fhir.Resource) *fhir.CDSHookRequest {
	req := hookRequest(HookPatientView, map[string]interface{}{"userId": "Practitioner/1", "patientId": "P1"})
	if len(prefetch) > 0 {
		req.Prefetch = fhir.NewPrefetch()
		req.Prefetch.Set("item1", fhir.Resource{"resourceType": "Patient", "id": "P1"})
		req.Prefetch.Set("item2", fhir.NewCollectionBundle(prefetch))
	}
	return req
}

func TestService_EvaluateProducesCard(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.Evaluate(context.Background(), "diabetes-review", patientViewRequest(diabeticCondition("P1")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(resp.Cards))
	}
	card := resp.Cards[0]
	if card.Summary != "Diabetes on record" || card.Indicator != "warning" {
		t.Errorf("unexpected card %q/%q", card.Summary, card.Indicator)
	}
	if card.Source.Label != "ADA guideline" {
		t.Errorf("unexpected source %+v", card.Source)
	}
	if len(card.Suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(card.Suggestions))
	}
	act := card.Suggestions[0].Actions[0]
	if act.Type != "create" || fhir.ResourceType(act.Resource) != "MedicationRequest" {
		t.Errorf("unexpected action %+v", act)
	}
	subject, _ := act.Resource["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/P1" {
		t.Errorf("expected draft for Patient/P1, got %v", act.Resource["subject"])
	}
}

func TestService_EvaluateWithoutMatchingData(t *testing.T) {
	svc := newTestService(t, nil)

	resp, err := svc.Evaluate(context.Background(), "diabetes-review", patientViewRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Cards == nil || len(resp.Cards) != 0 {
		t.Errorf("expected an empty card list, got %v", resp.Cards)
	}
}

func TestService_ContextResourcesBindListParameters(t *testing.T) {
	svc := newTestService(t, nil)
	req := hookRequest(HookOrderSign, map[string]interface{}{
		"patientId": "P1",
		"draftOrders": map[string]interface{}{
			"resourceType": "Bundle",
			"entry": []interface{}{
				map[string]interface{}{"resource": map[string]interface{}{"resourceType": "MedicationRequest", "id": "mr1"}},
			},
		},
	})

	resp, err := svc.Evaluate(context.Background(), "draft-check", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Cards) != 1 || resp.Cards[0].Indicator != "info" {
		t.Fatalf("expected one info card, got %+v", resp.Cards)
	}

	req.Context["draftOrders"] = nil
	resp, err = svc.Evaluate(context.Background(), "draft-check", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Cards) != 0 {
		t.Errorf("expected no cards without drafts, got %d", len(resp.Cards))
	}
}

func TestService_EvaluateErrors(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Evaluate(ctx, "nope", patientViewRequest()); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}

	req := patientViewRequest()
	req.Hook = HookOrderSign
	if _, err := svc.Evaluate(ctx, "diabetes-review", req); !errors.Is(err, ErrHookMismatch) {
		t.Errorf("expected ErrHookMismatch, got %v", err)
	}

	req = hookRequest(HookPatientView, map[string]interface{}{"userId": "Practitioner/1"})
	if _, err := svc.Evaluate(ctx, "diabetes-review", req); !errors.Is(err, ErrInvalidHookContext) {
		t.Errorf("expected ErrInvalidHookContext, got %v", err)
	}

	req = hookRequest(HookOrderSign, map[string]interface{}{"patientId": "P1"})
	_, err := svc.Evaluate(ctx, "draft-broken", req)
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation, got %v", err)
	}
	if strings.Contains(err.Error(), "entry.where") {
		t.Errorf("expected evaluation cause to stay internal, got %q", err.Error())
	}
}

func TestService_Discovery(t *testing.T) {
	svc := newTestService(t, nil)
	resp := svc.Discovery(context.Background())
	if len(resp.Services) != 3 {
		t.Fatalf("expected 3 services, got %d", len(resp.Services))
	}
	var review *fhir.CDSService
	for i := range resp.Services {
		if resp.Services[i].ID == "diabetes-review" {
			review = &resp.Services[i]
		}
	}
	if review == nil {
		t.Fatal("expected diabetes-review service")
	}
	want := "Condition?patient=Patient/{{context.patientId}}&code=http://snomed.info/sct|44054006"
	if review.Prefetch["item3"] != want {
		t.Errorf("expected item3 %q, got %q", want, review.Prefetch["item3"])
	}
}

func TestService_RecordFeedback(t *testing.T) {
	repo := &memFeedbackRepo{}
	svc := newTestService(t, repo)
	ctx := context.Background()

	n, err := svc.RecordFeedback(ctx, "diabetes-review", &fhir.CDSFeedbackRequest{Feedback: []fhir.CDSFeedback{
		{Card: "c1", Outcome: OutcomeAccepted, OutcomeTimestamp: "2024-03-01T10:00:00Z", AcceptedSuggestions: []fhir.CDSAcceptedSuggestion{{ID: "s1"}}},
		{Card: "c2", Outcome: OutcomeOverridden, OutcomeTimestamp: "2024-03-01T10:05:00Z"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored, got %d", n)
	}
	stored, total, _ := repo.ListByService(ctx, "diabetes-review", 10, 0)
	if total != 2 || stored[0].CardID != "c1" {
		t.Errorf("unexpected stored feedback %+v", stored)
	}

	_, err = svc.RecordFeedback(ctx, "diabetes-review", &fhir.CDSFeedbackRequest{Feedback: []fhir.CDSFeedback{
		{Card: "c3", Outcome: OutcomeAccepted, OutcomeTimestamp: "2024-03-01T10:00:00Z"},
		{Card: "c4", Outcome: "maybe", OutcomeTimestamp: "2024-03-01T10:00:00Z"},
	}})
	if !errors.Is(err, ErrInvalidFeedback) {
		t.Fatalf("expected ErrInvalidFeedback, got %v", err)
	}
	if _, total, _ := repo.ListByService(ctx, "diabetes-review", 10, 0); total != 2 {
		t.Errorf("expected a rejected batch to store nothing, got %d", total)
	}

	if _, err := svc.RecordFeedback(ctx, "nope", &fhir.CDSFeedbackRequest{}); !errors.Is(err, ErrUnknownService) {
		t.Errorf("expected ErrUnknownService, got %v", err)
	}
}

func TestService_RecordFeedbackWithoutRepository(t *testing.T) {
	svc := newTestService(t, nil)
	n, err := svc.RecordFeedback(context.Background(), "diabetes-review", &fhir.CDSFeedbackRequest{Feedback: []fhir.CDSFeedback{
		{Card: "c1", Outcome: OutcomeAccepted, OutcomeTimestamp: "2024-03-01T10:00:00Z"},
	}})
	if err != nil || n != 1 {
		t.Errorf("expected feedback to be logged, got %d %v", n, err)
	}
}
