package cds

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// ErrInvalidIndicatorCode is returned when a dynamic value sets an indicator
// outside the known set.
var ErrInvalidIndicatorCode = errors.New("invalid indicator code")

const applicability = "applicability"

// ConditionPolicy decides how an action's applicability conditions gate it.
type ConditionPolicy int

const (
	// AppendPerCondition fires the action once for every applicability
	// condition that evaluates true.
	AppendPerCondition ConditionPolicy = iota
	// RequireAll fires the action once when it has at least one
	// applicability condition and all of them evaluate true.
	RequireAll
)

// ParseConditionPolicy reads "per-condition" (or "") and "require-all".
func ParseConditionPolicy(s string) (ConditionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per-condition":
		return AppendPerCondition, nil
	case "require-all":
		return RequireAll, nil
	}
	return AppendPerCondition, fmt.Errorf("unknown condition policy %q", s)
}

func (p ConditionPolicy) String() string {
	if p == RequireAll {
		return "require-all"
	}
	return "per-condition"
}

// Indicator is the urgency of a card.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
	IndicatorHardStop Indicator = "hard-stop"
)

// ParseIndicator maps an indicator code to an Indicator; "warn" is accepted
// for warning.
func ParseIndicator(s string) (Indicator, error) {
	switch s {
	case "info":
		return IndicatorInfo, nil
	case "warn", "warning":
		return IndicatorWarning, nil
	case "critical":
		return IndicatorCritical, nil
	case "hard-stop":
		return IndicatorHardStop, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidIndicatorCode, s)
}

// OutputAction is one fired action. Outputs of a walk form a flat pre-order
// list; Parent is the index of the enclosing fired action or -1.
type OutputAction struct {
	Node              int
	Parent            int
	Title             string
	Description       string
	Prefix            string
	Type              string
	SelectionBehavior string
	Documentation     *RelatedArtifact
	Indicator         Indicator
	ResourceRef       string
	ResourceTarget    fhir.Resource
}

// ActivityResolver produces the resource an action's definition describes,
// or nil when the definition is unknown.
type ActivityResolver interface {
	Apply(ctx context.Context, canonical string) (fhir.Resource, error)
}

// Evaluator walks action trees.
type Evaluator struct {
	policy ConditionPolicy
	log    zerolog.Logger
}

func NewEvaluator(policy ConditionPolicy, logger zerolog.Logger) *Evaluator {
	return &Evaluator{policy: policy, log: logger}
}

// Evaluate walks tree depth-first, evaluating guards and dynamic values
// through interp. resolver may be nil when no action carries a definition.
// Any evaluation failure aborts the walk.
func (e *Evaluator) Evaluate(ctx context.Context, tree *ActionTree, interp cql.Interpreter, resolver ActivityResolver) ([]OutputAction, error) {
	w := &walk{
		tree:     tree,
		interp:   interp,
		resolver: resolver,
		policy:   e.policy,
		out:      make([]OutputAction, 0, tree.Len()),
	}
	for _, i := range tree.Roots() {
		if err := w.visit(ctx, i, -1); err != nil {
			return nil, err
		}
	}
	e.log.Debug().Int("fired", len(w.out)).Str("policy", e.policy.String()).Msg("action tree evaluated")
	return w.out, nil
}

type walk struct {
	tree     *ActionTree
	interp   cql.Interpreter
	resolver ActivityResolver
	policy   ConditionPolicy
	out      []OutputAction
}

func (w *walk) visit(ctx context.Context, i, parent int) error {
	action := w.tree.Action(i)

	if w.policy == RequireAll {
		guards := 0
		for _, cond := range action.Condition {
			if cond.Kind != applicability {
				continue
			}
			guards++
			ok, err := w.guard(ctx, cond)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if guards == 0 {
			return nil
		}
		return w.fire(ctx, i, parent)
	}

	for _, cond := range action.Condition {
		if cond.Kind != applicability {
			continue
		}
		ok, err := w.guard(ctx, cond)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := w.fire(ctx, i, parent); err != nil {
			return err
		}
	}
	return nil
}

// guard evaluates an applicability condition. Conditions without an
// expression and non-boolean results count as false.
func (w *walk) guard(ctx context.Context, cond ActionCondition) (bool, error) {
	if cond.Expression == nil || cond.Expression.Expression == "" {
		return false, nil
	}
	v, err := w.interp.Evaluate(ctx, cond.Expression.Expression)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond.Expression.Expression, err)
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func (w *walk) fire(ctx context.Context, i, parent int) error {
	action := w.tree.Action(i)
	out := OutputAction{
		Node:              i,
		Parent:            parent,
		Title:             action.Title,
		Description:       action.Description,
		Prefix:            action.Prefix,
		Type:              action.Type.FirstCode(),
		SelectionBehavior: action.SelectionBehavior,
	}
	if len(action.Documentation) > 0 {
		doc := action.Documentation[0]
		out.Documentation = &doc
	}

	var resource fhir.Resource
	if action.DefinitionCanonical != "" && w.resolver != nil {
		r, err := w.resolver.Apply(ctx, action.DefinitionCanonical)
		if err != nil {
			return fmt.Errorf("apply %s: %w", action.DefinitionCanonical, err)
		}
		if r != nil {
			resource = r
			out.ResourceTarget = r
			out.ResourceRef = fhir.ReferenceTo(r)
		}
	}

	for _, dv := range action.DynamicValue {
		if dv.Path == "" || dv.Expression == nil || dv.Expression.Expression == "" {
			continue
		}
		if err := w.applyDynamicValue(ctx, &out, resource, dv); err != nil {
			return err
		}
	}

	idx := len(w.out)
	w.out = append(w.out, out)

	for _, c := range w.tree.Children(i) {
		if err := w.visit(ctx, c, idx); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) applyDynamicValue(ctx context.Context, out *OutputAction, resource fhir.Resource, dv DynamicValue) error {
	v, err := w.interp.Evaluate(ctx, dv.Expression.Expression)
	if err != nil {
		return fmt.Errorf("dynamic value %s: %w", dv.Path, err)
	}

	switch {
	case strings.HasSuffix(dv.Path, "title"):
		out.Title = valueString(v)
	case strings.HasSuffix(dv.Path, "description"):
		out.Description = valueString(v)
	case strings.HasSuffix(dv.Path, "extension"):
		ind, err := ParseIndicator(valueString(v))
		if err != nil {
			return fmt.Errorf("dynamic value %s: %w", dv.Path, err)
		}
		out.Indicator = ind
	default:
		if resource == nil {
			return nil
		}
		if err := fhir.SetPath(resource, dv.Path, v); err != nil {
			return fmt.Errorf("dynamic value %s: %w", dv.Path, err)
		}
		out.ResourceTarget = resource
		out.ResourceRef = fhir.ReferenceTo(resource)
	}
	return nil
}

func valueString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}
