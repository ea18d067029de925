// Package retrieve answers typed clinical data queries against in-memory
// resource collections and composes several sources by priority.
package retrieve

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

var (
	// ErrMissingCodePath is returned when codes or a value set are given without a code path.
	ErrMissingCodePath = errors.New("a code path must be provided when filtering on codes or a value set")
	// ErrMissingDataType is returned when a query names no data type.
	ErrMissingDataType = errors.New("a data type must be specified for clinical data retrieval")
	// ErrUnsupportedCodeShape is returned when a value cannot be read as codes.
	ErrUnsupportedCodeShape = errors.New("unsupported code shape")
	// ErrNotApplicable signals that a provider cannot answer the query and the
	// caller should defer to the next source. It is not a failure.
	ErrNotApplicable = errors.New("query not applicable to this source")
)

// Interval is a closed date range. A zero bound is open.
type Interval struct {
	Low  time.Time
	High time.Time
}

// Overlaps reports whether [low, high] intersects the interval.
func (i Interval) Overlaps(low, high time.Time) bool {
	if !i.High.IsZero() && !low.IsZero() && low.After(i.High) {
		return false
	}
	if !i.Low.IsZero() && !high.IsZero() && high.Before(i.Low) {
		return false
	}
	return true
}

// Query is one typed retrieval request issued by the expression interpreter.
type Query struct {
	Context      string
	ContextPath  string
	ContextValue interface{}
	DataType     string
	TemplateID   string
	CodePath     string
	Codes        []terminology.Code
	ValueSet     string
	DatePath     string
	DateLowPath  string
	DateHighPath string
	DateRange    *Interval
}

func (q Query) hasCodeFilter() bool {
	return q.Codes != nil || q.ValueSet != ""
}

// Validate checks the preconditions shared by every provider.
func (q Query) Validate() error {
	if q.CodePath == "" && q.hasCodeFilter() {
		return ErrMissingCodePath
	}
	if q.DataType == "" {
		return ErrMissingDataType
	}
	return nil
}

// Provider answers retrieval queries against one data source.
type Provider interface {
	Retrieve(ctx context.Context, q Query) ([]fhir.Resource, error)
}
