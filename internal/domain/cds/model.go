package cds

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

var (
	// ErrInvalidRule is returned when a plan definition cannot be served.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidFeedback is returned for malformed card feedback.
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// Rule is a servable plan definition bound to its primary library and the
// activity definitions its actions reference. A Rule is immutable after
// NewRule and shared between concurrent evaluations.
type Rule struct {
	ID         string
	Plan       *PlanDefinition
	Library    *cql.Library
	Activities *ActivityCatalog
	tree       *ActionTree
}

// NewRule validates plan and flattens its action tree.
func NewRule(plan *PlanDefinition, lib *cql.Library, activities *ActivityCatalog) (*Rule, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan definition", ErrInvalidRule)
	}
	if plan.ID == "" {
		return nil, fmt.Errorf("%w: plan definition %q has no id", ErrInvalidRule, plan.Name)
	}
	if activities == nil {
		activities = NewActivityCatalog()
	}
	return &Rule{
		ID:         plan.ID,
		Plan:       plan,
		Library:    lib,
		Activities: activities,
		tree:       NewActionTree(plan.Action),
	}, nil
}

// Tree returns the flattened action tree.
func (r *Rule) Tree() *ActionTree { return r.tree }

// Hook returns the hook kind the rule is triggered by.
func (r *Rule) Hook() string { return r.Plan.Hook() }

// DataRequirements returns the library's declared data requirements.
func (r *Rule) DataRequirements() []cql.DataRequirement {
	if r.Library == nil {
		return nil
	}
	return r.Library.DataRequirements
}

// StoredRule maps to the cds_rules table.
type StoredRule struct {
	ID             string          `db:"id" json:"id"`
	PlanDefinition json.RawMessage `db:"plan_definition" json:"plan_definition"`
	Library        json.RawMessage `db:"library" json:"library"`
	Activities     json.RawMessage `db:"activities" json:"activities,omitempty"`
	Active         bool            `db:"active" json:"active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Resources decodes the stored documents into generic resources.
func (s *StoredRule) Resources() (plan, library fhir.Resource, activities []fhir.Resource, err error) {
	if err = json.Unmarshal(s.PlanDefinition, &plan); err != nil {
		return nil, nil, nil, fmt.Errorf("rule %s: plan definition: %w", s.ID, err)
	}
	if len(s.Library) > 0 && string(s.Library) != "null" {
		if err = json.Unmarshal(s.Library, &library); err != nil {
			return nil, nil, nil, fmt.Errorf("rule %s: library: %w", s.ID, err)
		}
	}
	if len(s.Activities) > 0 && string(s.Activities) != "null" {
		if err = json.Unmarshal(s.Activities, &activities); err != nil {
			return nil, nil, nil, fmt.Errorf("rule %s: activities: %w", s.ID, err)
		}
	}
	return plan, library, activities, nil
}

// FeedbackRecord maps to the cds_feedback table.
type FeedbackRecord struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	ServiceID           string          `db:"service_id" json:"service_id"`
	CardID              string          `db:"card_id" json:"card_id"`
	Outcome             string          `db:"outcome" json:"outcome"`
	AcceptedSuggestions []string        `db:"accepted_suggestions" json:"accepted_suggestions,omitempty"`
	OverrideReason      json.RawMessage `db:"override_reason" json:"override_reason,omitempty"`
	OutcomeTimestamp    time.Time       `db:"outcome_timestamp" json:"outcome_timestamp"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// Feedback outcomes defined by CDS Hooks 2.0.
const (
	OutcomeAccepted   = "accepted"
	OutcomeOverridden = "overridden"
)

// NewFeedbackRecord validates one feedback entry for serviceID.
func NewFeedbackRecord(serviceID string, fb fhir.CDSFeedback) (*FeedbackRecord, error) {
	if fb.Card == "" {
		return nil, fmt.Errorf("%w: card is required", ErrInvalidFeedback)
	}
	if fb.Outcome != OutcomeAccepted && fb.Outcome != OutcomeOverridden {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidFeedback, fb.Outcome)
	}
	ts, err := fhir.ParseDateTime(fb.OutcomeTimestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: outcomeTimestamp: %v", ErrInvalidFeedback, err)
	}

	rec := &FeedbackRecord{
		ServiceID:        serviceID,
		CardID:           fb.Card,
		Outcome:          fb.Outcome,
		OutcomeTimestamp: ts,
	}
	for _, s := range fb.AcceptedSuggestions {
		rec.AcceptedSuggestions = append(rec.AcceptedSuggestions, s.ID)
	}
	if fb.OverrideReason != nil {
		raw, err := json.Marshal(fb.OverrideReason)
		if err != nil {
			return nil, fmt.Errorf("feedback: override reason: %w", err)
		}
		rec.OverrideReason = raw
	}
	return rec, nil
}
