package cds

import (
	"context"
	"errors"
)

// ErrRuleNotFound is returned when no stored rule has the requested id.
var ErrRuleNotFound = errors.New("rule not found")

type RuleRepository interface {
	Upsert(ctx context.Context, r *StoredRule) error
	GetByID(ctx context.Context, id string) (*StoredRule, error)
	ListActive(ctx context.Context) ([]*StoredRule, error)
	SetActive(ctx context.Context, id string, active bool) error
}

type FeedbackRepository interface {
	Create(ctx context.Context, f *FeedbackRecord) error
	ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error)
}
