package cds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/retrieve"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrHookMismatch   = errors.New("hook does not match service")
	// ErrEvaluation is returned for any failure while running a rule. The
	// cause is logged, never returned to the caller.
	ErrEvaluation = errors.New("rule evaluation failed")
	// ErrNoFeedbackStore is returned when feedback is only logged.
	ErrNoFeedbackStore = errors.New("feedback store not configured")
)

// Config holds the evaluation settings of a Service.
type Config struct {
	Policy       ConditionPolicy
	Registry     *fhir.Registry
	Expander     terminology.Provider
	MaxURILength int
	Metrics      *telemetry.Metrics
}

type Service struct {
	rules     *RuleSet
	feedback  FeedbackRepository
	registry  *fhir.Registry
	expander  terminology.Provider
	evaluator *Evaluator
	maxURI    int
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewService creates the hook service. feedback may be nil, in which case
// feedback is only logged.
func NewService(rules *RuleSet, feedback FeedbackRepository, cfg Config, logger zerolog.Logger) *Service {
	registry := cfg.Registry
	if registry == nil {
		registry = fhir.DefaultRegistry()
	}
	logger = logger.With().Str("component", "cds").Logger()
	return &Service{
		rules:     rules,
		feedback:  feedback,
		registry:  registry,
		expander:  cfg.Expander,
		evaluator: NewEvaluator(cfg.Policy, logger),
		maxURI:    cfg.MaxURILength,
		metrics:   cfg.Metrics,
		tracer:    telemetry.Tracer("cds"),
		logger:    logger,
	}
}

// Reload refreshes the rule set from its source.
func (s *Service) Reload(ctx context.Context) error {
	return s.rules.Reload(ctx)
}

// Discovery lists the services backed by the loaded rules.
func (s *Service) Discovery(ctx context.Context) fhir.CDSDiscoveryResponse {
	return Discover(ctx, s.rules.All(), DiscoveryConfig{
		MaxURILength: s.maxURI,
		Expander:     s.expander,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
}

// Evaluate runs the rule behind serviceID against a hook request.
func (s *Service) Evaluate(ctx context.Context, serviceID string, req *fhir.CDSHookRequest) (*fhir.CDSHookResponse, error) {
	start := time.Now()
	rule, ok := s.rules.Get(serviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	if req.Hook != rule.Hook() {
		return nil, fmt.Errorf("%w: service %s handles %q, got %q", ErrHookMismatch, serviceID, rule.Hook(), req.Hook)
	}
	hook, err := DecodeHook(req)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "cds.evaluate", trace.WithAttributes(
		attribute.String("cds.service", serviceID),
		attribute.String("cds.hook", hook.Kind()),
		attribute.String("cds.hook_instance", hook.Instance()),
	))
	defer span.End()

	cards, err := s.run(ctx, rule, hook, req.Prefetch)
	if err != nil {
		s.logger.Error().Err(err).
			Str("service_id", serviceID).
			Str("hook", hook.Kind()).
			Str("hook_instance", hook.Instance()).
			Msg("hook evaluation failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		s.metrics.ObserveEvaluation(serviceID, hook.Kind(), "error", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrEvaluation, serviceID)
	}

	for _, c := range cards {
		s.metrics.ObserveCard(serviceID, c.Indicator)
	}
	span.SetAttributes(attribute.Int("cds.cards", len(cards)))
	s.metrics.ObserveEvaluation(serviceID, hook.Kind(), "ok", time.Since(start))
	s.logger.Debug().
		Str("service_id", serviceID).
		Str("hook_instance", hook.Instance()).
		Int("cards", len(cards)).
		Dur("elapsed", time.Since(start)).
		Msg("hook evaluated")
	return &fhir.CDSHookResponse{Cards: cards}, nil
}

// run builds the per-request data sources, walks the action tree and
// projects the fired actions to cards.
func (s *Service) run(ctx context.Context, rule *Rule, hook Hook, prefetch *fhir.Prefetch) ([]fhir.CDSCard, error) {
	contextResources := hook.ContextResources()
	contextIndex := retrieve.NewPrefetchIndex(contextResources, s.registry, s.expander)
	prefetchIndex := retrieve.NewPrefetchIndex(prefetch.Resources(), s.registry, s.expander)
	provider := retrieve.NewPriorityProvider(contextIndex, prefetchIndex)

	lib := rule.Library
	if lib == nil {
		lib = &cql.Library{}
	}
	engine := cql.NewEngine(lib)
	engine.RegisterDataSource(cql.FHIRModel, provider)
	engine.SetContextValue("Patient", hook.Base().PatientID)

	if hook.Kind() != HookPatientView {
		for _, p := range lib.Parameters {
			if p.List && p.Use != "out" {
				engine.SetParameter(p.Name, contextResources)
			}
		}
	}

	resolver := NewActivityResolver(rule.Activities, hook.Base().PatientID)
	actions, err := s.evaluator.Evaluate(ctx, rule.Tree(), engine, resolver)
	if err != nil {
		return nil, err
	}
	cards, err := BuildCards(actions, rule.Plan)
	if err != nil {
		return nil, err
	}
	if cards == nil {
		cards = []fhir.CDSCard{}
	}
	return cards, nil
}

// RecordFeedback validates and stores the feedback entries for serviceID.
// It returns the number of entries stored.
func (s *Service) RecordFeedback(ctx context.Context, serviceID string, req *fhir.CDSFeedbackRequest) (int, error) {
	if _, ok := s.rules.Get(serviceID); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	records := make([]*FeedbackRecord, 0, len(req.Feedback))
	for _, fb := range req.Feedback {
		rec, err := NewFeedbackRecord(serviceID, fb)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if s.feedback == nil {
			s.logger.Info().
				Str("service_id", serviceID).
				Str("card", rec.CardID).
				Str("outcome", rec.Outcome).
				Strs("accepted_suggestions", rec.AcceptedSuggestions).
				Msg("card feedback")
			continue
		}
		if err := s.feedback.Create(ctx, rec); err != nil {
			return 0, fmt.Errorf("store feedback for card %s: %w", rec.CardID, err)
		}
	}
	return len(records), nil
}

// ListFeedback returns one page of stored feedback for serviceID and the
// total number of entries.
func (s *Service) ListFeedback(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	if s.feedback == nil {
		return nil, 0, ErrNoFeedbackStore
	}
	return s.feedback.ListByService(ctx, serviceID, limit, offset)
}
