package cql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/retrieve"
)

// FHIRModel is the data source name retrieves use when they name no model.
const FHIRModel = "http://hl7.org/fhir"

// Interpreter evaluates named expressions of one library for one subject.
type Interpreter interface {
	Evaluate(ctx context.Context, name string) (interface{}, error)
	RegisterDataSource(name string, provider retrieve.Provider)
	SetContextValue(contextType, id string)
	SetParameter(name string, value interface{})
}

// Engine is the default Interpreter. An Engine is confined to a single
// evaluation: results are memoized until the context value changes.
type Engine struct {
	lib         *Library
	sources     map[string]retrieve.Provider
	params      map[string]interface{}
	contextType string
	contextID   string
	memo        map[string]interface{}
	inProgress  map[string]bool
	now         func() time.Time
	tracer      trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for lookback date filters.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for lib.
func NewEngine(lib *Library, opts ...Option) *Engine {
	e := &Engine{
		lib:        lib,
		sources:    make(map[string]retrieve.Provider),
		params:     make(map[string]interface{}),
		memo:       make(map[string]interface{}),
		inProgress: make(map[string]bool),
		now:        time.Now,
		tracer:     otel.Tracer("cds/cql"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Interpreter = (*Engine)(nil)

func (e *Engine) RegisterDataSource(name string, provider retrieve.Provider) {
	e.sources[name] = provider
	e.reset()
}

func (e *Engine) SetContextValue(contextType, id string) {
	e.contextType = contextType
	e.contextID = id
	e.reset()
}

func (e *Engine) SetParameter(name string, value interface{}) {
	e.params[name] = value
	e.reset()
}

func (e *Engine) reset() {
	e.memo = make(map[string]interface{})
}

// Evaluate returns the value of the named definition or parameter.
// Unknown names fail with ErrUnknownExpression.
func (e *Engine) Evaluate(ctx context.Context, name string) (interface{}, error) {
	if v, ok := e.params[name]; ok {
		return v, nil
	}
	if v, ok := e.memo[name]; ok {
		return v, nil
	}
	def, ok := e.lib.Definitions[name]
	if !ok {
		if e.declaresParameter(name) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q in library %s", ErrUnknownExpression, name, e.lib.Key())
	}
	if e.inProgress[name] {
		return nil, fmt.Errorf("definition %q refers to itself", name)
	}
	e.inProgress[name] = true
	defer delete(e.inProgress, name)

	ctx, span := e.tracer.Start(ctx, "cql.evaluate", trace.WithAttributes(
		attribute.String("cql.library", e.lib.Key()),
		attribute.String("cql.definition", name),
	))
	defer span.End()

	var (
		v   interface{}
		err error
	)
	switch {
	case def.Retrieve != nil:
		v, err = e.retrieve(ctx, def.Retrieve)
	case def.Expression != "":
		v, err = e.expression(ctx, def)
	default:
		err = json.Unmarshal(def.Value, &v)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("evaluate %q: %w", name, err)
	}
	e.memo[name] = v
	return v, nil
}

func (e *Engine) declaresParameter(name string) bool {
	for _, p := range e.lib.Parameters {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) source(model string) (retrieve.Provider, error) {
	if model == "" {
		model = FHIRModel
	}
	p, ok := e.sources[model]
	if !ok {
		return nil, fmt.Errorf("no data source registered for model %s", model)
	}
	return p, nil
}

func (e *Engine) retrieve(ctx context.Context, def *RetrieveDef) ([]fhir.Resource, error) {
	provider, err := e.source(def.Model)
	if err != nil {
		return nil, err
	}
	q := retrieve.Query{
		Context:    e.contextType,
		DataType:   def.DataType,
		TemplateID: def.TemplateID,
		CodePath:   def.CodePath,
		Codes:      def.Codes,
		ValueSet:   def.ValueSet,
	}
	if e.contextType == "Patient" {
		q.ContextPath = patientContextPath(def.DataType)
		if e.contextID != "" {
			q.ContextValue = e.contextID
		}
	}
	if def.DateFilter != nil {
		rng, err := e.dateRange(def.DateFilter)
		if err != nil {
			return nil, err
		}
		q.DatePath = def.DateFilter.Path
		q.DateLowPath = def.DateFilter.LowPath
		q.DateHighPath = def.DateFilter.HighPath
		q.DateRange = rng
	}

	res, err := provider.Retrieve(ctx, q)
	if errors.Is(err, retrieve.ErrNotApplicable) {
		return []fhir.Resource{}, nil
	}
	return res, err
}

// patientContextPath returns the element linking dataType to its patient,
// derived from the patient compartment.
func patientContextPath(dataType string) string {
	if dataType == "Patient" {
		return "id"
	}
	return fhir.GetCompartmentParam(&fhir.PatientCompartment, dataType)
}

func (e *Engine) dateRange(f *DateFilter) (*retrieve.Interval, error) {
	var rng retrieve.Interval
	if f.Lookback != "" {
		d, err := time.ParseDuration(f.Lookback)
		if err != nil {
			return nil, fmt.Errorf("date filter lookback: %w", err)
		}
		rng.Low = e.now().Add(-d)
	}
	if f.Start != "" {
		t, err := fhir.ParseDateTime(f.Start)
		if err != nil {
			return nil, fmt.Errorf("date filter start: %w", err)
		}
		rng.Low = t
	}
	if f.End != "" {
		_, high, ok := fhir.TimeRange(f.End)
		if !ok {
			return nil, fmt.Errorf("date filter end: cannot parse %q", f.End)
		}
		rng.High = high
	}
	return &rng, nil
}

func (e *Engine) expression(ctx context.Context, def Definition) (interface{}, error) {
	var input interface{}
	if def.Source != "" {
		v, err := e.Evaluate(ctx, def.Source)
		if err != nil {
			return nil, err
		}
		input = v
	} else {
		patient, err := e.contextPatient(ctx)
		if err != nil {
			return nil, err
		}
		if patient != nil {
			input = patient
		}
	}
	return evaluateFHIRPath(def.Expression, subjectDocument(input))
}

// contextPatient returns the Patient in context, or nil when no data source
// or no matching Patient is available.
func (e *Engine) contextPatient(ctx context.Context) (fhir.Resource, error) {
	if e.contextType != "Patient" {
		return nil, nil
	}
	if _, err := e.source(""); err != nil {
		return nil, nil
	}
	patients, err := e.retrieve(ctx, &RetrieveDef{DataType: "Patient"})
	if err != nil {
		return nil, err
	}
	for _, p := range patients {
		if e.contextID == "" || fhir.ResourceID(p) == e.contextID {
			return p, nil
		}
	}
	return nil, nil
}

// subjectDocument shapes an input value into the JSON document an
// expression runs against. Collections become a collection Bundle.
func subjectDocument(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return fhir.NewCollectionBundle(nil)
	case map[string]interface{}:
		return val
	case []fhir.Resource:
		return fhir.NewCollectionBundle(val)
	case []interface{}:
		return fhir.NewCollectionBundle(fhir.ExpandResources(val))
	}
	return v
}
