package retrieve

import (
	"context"
	"errors"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// PriorityProvider queries providers in order and returns the first
// non-empty result. When every provider comes back empty or not applicable,
// the last provider's result is returned, with not-applicable reported as an
// empty result.
type PriorityProvider struct {
	providers []Provider
}

// NewPriorityProvider composes providers, highest priority first.
func NewPriorityProvider(providers ...Provider) *PriorityProvider {
	return &PriorityProvider{providers: providers}
}

func (p *PriorityProvider) Retrieve(ctx context.Context, q Query) ([]fhir.Resource, error) {
	var last []fhir.Resource
	for _, provider := range p.providers {
		res, err := provider.Retrieve(ctx, q)
		if err != nil && !errors.Is(err, ErrNotApplicable) {
			return nil, err
		}
		if len(res) > 0 {
			return res, nil
		}
		last = res
	}
	if last == nil {
		last = []fhir.Resource{}
	}
	return last, nil
}
