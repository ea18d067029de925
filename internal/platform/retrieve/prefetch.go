package retrieve

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// PrefetchIndex is a Provider over a fixed resource collection, grouped by
// resource type in insertion order. It borrows the resources it indexes and
// is immutable after construction.
type PrefetchIndex struct {
	byType   map[string][]fhir.Resource
	byRef    map[string]fhir.Resource
	targets  map[string]fhir.Resource
	expander terminology.Provider
}

// NewPrefetchIndex indexes resources, expanding bundles into their entries.
// Types unknown to registry are not indexed. A MedicationRequest whose
// medicationReference points to a Medication in the same collection is
// linked to it; unresolved references are left as they are. expander may
// be nil when no query uses value sets.
func NewPrefetchIndex(resources []fhir.Resource, registry *fhir.Registry, expander terminology.Provider) *PrefetchIndex {
	if registry == nil {
		registry = fhir.DefaultRegistry()
	}
	idx := &PrefetchIndex{
		byType:   make(map[string][]fhir.Resource),
		byRef:    make(map[string]fhir.Resource),
		targets:  make(map[string]fhir.Resource),
		expander: expander,
	}

	flat := fhir.ExpandResources(resources)
	for _, r := range flat {
		rt, ok := registry.TypeOf(r)
		if !ok {
			continue
		}
		idx.byType[rt] = append(idx.byType[rt], r)
		if id := fhir.ResourceID(r); id != "" {
			idx.byRef[fhir.FormatReference(rt, id)] = r
		}
	}

	for _, mr := range idx.byType["MedicationRequest"] {
		ref := medicationReference(mr)
		if ref == "" {
			continue
		}
		medID := fhir.ReferenceID(ref)
		for _, candidate := range flat {
			if fhir.ResourceID(candidate) == medID && fhir.ResourceType(candidate) == "Medication" {
				idx.targets[ref] = candidate
			}
		}
	}
	return idx
}

func medicationReference(mr fhir.Resource) string {
	ref, ok := mr["medicationReference"].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := ref["reference"].(string)
	return s
}

// Resolve implements fhir.ReferenceResolver over the indexed collection.
func (idx *PrefetchIndex) Resolve(reference string) (fhir.Resource, bool) {
	if r, ok := idx.targets[reference]; ok {
		return r, true
	}
	if r, ok := idx.byRef[reference]; ok {
		return r, true
	}
	return nil, false
}

// ResolvedMedication returns the in-collection Medication linked to a
// MedicationRequest, if any.
func (idx *PrefetchIndex) ResolvedMedication(mr fhir.Resource) (fhir.Resource, bool) {
	ref := medicationReference(mr)
	if ref == "" {
		return nil, false
	}
	r, ok := idx.targets[ref]
	return r, ok
}

// Types returns the number of resources indexed per type.
func (idx *PrefetchIndex) Types() map[string]int {
	out := make(map[string]int, len(idx.byType))
	for t, rs := range idx.byType {
		out[t] = len(rs)
	}
	return out
}

// Retrieve filters the indexed resources of q.DataType by code membership
// and date range. A Patient-context query without a context path returns
// ErrNotApplicable.
func (idx *PrefetchIndex) Retrieve(ctx context.Context, q Query) ([]fhir.Resource, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Context == "Patient" && q.ContextPath == "" {
		return nil, ErrNotApplicable
	}

	candidates, ok := idx.byType[q.DataType]
	if !ok || len(candidates) == 0 {
		return []fhir.Resource{}, nil
	}
	if q.DateRange == nil && q.CodePath == "" {
		return candidates, nil
	}

	var pool []terminology.Code
	filterCodes := q.CodePath != "" && q.hasCodeFilter()
	if filterCodes {
		pool = q.Codes
		if q.ValueSet != "" {
			if idx.expander == nil {
				return nil, fmt.Errorf("retrieve %s: value set %s requested without a terminology provider", q.DataType, q.ValueSet)
			}
			expanded, err := idx.expander.Expand(ctx, terminology.NormalizeValueSetID(q.ValueSet))
			if err != nil {
				return nil, fmt.Errorf("retrieve %s: %w", q.DataType, err)
			}
			pool = expanded
		}
	}

	out := make([]fhir.Resource, 0, len(candidates))
	for _, r := range candidates {
		if filterCodes {
			keep, err := idx.matchesCodes(r, q.CodePath, pool)
			if err != nil {
				return nil, fmt.Errorf("retrieve %s/%s: %w", q.DataType, fhir.ResourceID(r), err)
			}
			if !keep {
				continue
			}
		}
		if q.DateRange != nil && !idx.matchesDates(r, q) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (idx *PrefetchIndex) matchesCodes(r fhir.Resource, codePath string, pool []terminology.Code) (bool, error) {
	values := fhir.GetPath(r, codePath, idx)
	if len(values) == 0 {
		return false, nil
	}
	codes, err := Normalize(values)
	if err != nil {
		return false, err
	}
	return Membership(codes, pool), nil
}

// matchesDates keeps a resource when any value at the date path, or the
// period formed by the low and high paths, overlaps the query range.
func (idx *PrefetchIndex) matchesDates(r fhir.Resource, q Query) bool {
	if q.DatePath != "" {
		for _, v := range fhir.GetPath(r, q.DatePath, nil) {
			low, high, ok := fhir.TimeRange(v)
			if ok && q.DateRange.Overlaps(low, high) {
				return true
			}
		}
		return false
	}
	if q.DateLowPath == "" && q.DateHighPath == "" {
		return true
	}

	var low, high time.Time
	found := false
	if q.DateLowPath != "" {
		for _, v := range fhir.GetPath(r, q.DateLowPath, nil) {
			if l, _, ok := fhir.TimeRange(v); ok {
				low, found = l, true
				break
			}
		}
	}
	if q.DateHighPath != "" {
		for _, v := range fhir.GetPath(r, q.DateHighPath, nil) {
			if _, h, ok := fhir.TimeRange(v); ok {
				high, found = h, true
				break
			}
		}
	}
	return found && q.DateRange.Overlaps(low, high)
}
