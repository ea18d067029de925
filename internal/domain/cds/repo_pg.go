package cds

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/cdshooks/internal/platform/db"
)

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool db.Querier }

func NewRuleRepoPG(pool db.Querier) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const ruleCols = `id, plan_definition, library, activities, active, created_at, updated_at`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*StoredRule, error) {
	var sr StoredRule
	err := row.Scan(&sr.ID, &sr.PlanDefinition, &sr.Library, &sr.Activities, &sr.Active, &sr.CreatedAt, &sr.UpdatedAt)
	return &sr, err
}

func (r *ruleRepoPG) Upsert(ctx context.Context, sr *StoredRule) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cds_rules (id, plan_definition, library, activities, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET plan_definition=EXCLUDED.plan_definition,
			library=EXCLUDED.library, activities=EXCLUDED.activities,
			active=EXCLUDED.active, updated_at=NOW()`,
		sr.ID, sr.PlanDefinition, sr.Library, sr.Activities, sr.Active)
	return err
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id string) (*StoredRule, error) {
	sr, err := r.scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM cds_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return sr, err
}

func (r *ruleRepoPG) ListActive(ctx context.Context) ([]*StoredRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM cds_rules WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StoredRule
	for rows.Next() {
		sr, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sr)
	}
	return items, rows.Err()
}

func (r *ruleRepoPG) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE cds_rules SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// =========== Feedback Repository ===========

type feedbackRepoPG struct{ pool db.Querier }

func NewFeedbackRepoPG(pool db.Querier) FeedbackRepository { return &feedbackRepoPG{pool: pool} }

func (r *feedbackRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const feedbackCols = `id, service_id, card_id, outcome, accepted_suggestions, override_reason, outcome_timestamp, created_at`

func (r *feedbackRepoPG) scanFeedback(row pgx.Row) (*FeedbackRecord, error) {
	var f FeedbackRecord
	err := row.Scan(&f.ID, &f.ServiceID, &f.CardID, &f.Outcome, &f.AcceptedSuggestions, &f.OverrideReason, &f.OutcomeTimestamp, &f.CreatedAt)
	return &f, err
}

func (r *feedbackRepoPG) Create(ctx context.Context, f *FeedbackRecord) error {
	f.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cds_feedback (id, service_id, card_id, outcome, accepted_suggestions, override_reason, outcome_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		f.ID, f.ServiceID, f.CardID, f.Outcome, f.AcceptedSuggestions, f.OverrideReason, f.OutcomeTimestamp)
	return err
}

func (r *feedbackRepoPG) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cds_feedback WHERE service_id = $1`, serviceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+feedbackCols+` FROM cds_feedback WHERE service_id = $1 ORDER BY outcome_timestamp DESC LIMIT $2 OFFSET $3`, serviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*FeedbackRecord
	for rows.Next() {
		f, err := r.scanFeedback(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}
