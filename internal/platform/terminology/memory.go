package terminology

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofhir/fhir/r4"
)

// InMemoryProvider serves expansions from value sets loaded at startup.
type InMemoryProvider struct {
	mu        sync.RWMutex
	valueSets map[string][]Code
}

// NewInMemoryProvider creates an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{valueSets: make(map[string][]Code)}
}

// Add registers codes under a value set identifier, replacing any previous entry.
func (p *InMemoryProvider) Add(valueSet string, codes ...Code) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valueSets[NormalizeValueSetID(valueSet)] = append([]Code(nil), codes...)
}

// LoadR4ValueSet registers a ValueSet resource. The expansion is used when
// present, otherwise explicitly enumerated compose concepts.
func (p *InMemoryProvider) LoadR4ValueSet(vs *r4.ValueSet) error {
	if vs == nil || vs.Url == nil {
		return fmt.Errorf("value set has no url")
	}
	codes := CodesFromValueSet(vs)
	p.Add(*vs.Url, codes...)
	return nil
}

func (p *InMemoryProvider) Expand(_ context.Context, valueSet string) ([]Code, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	codes, ok := p.valueSets[NormalizeValueSetID(valueSet)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrValueSetNotFound, valueSet)
	}
	return append([]Code(nil), codes...), nil
}

// CodesFromValueSet flattens a ValueSet's expansion.contains tree, falling
// back to compose.include concepts when no expansion is present.
func CodesFromValueSet(vs *r4.ValueSet) []Code {
	var codes []Code
	if vs.Expansion != nil && len(vs.Expansion.Contains) > 0 {
		for i := range vs.Expansion.Contains {
			codes = appendContains(codes, &vs.Expansion.Contains[i])
		}
		return codes
	}
	if vs.Compose == nil {
		return nil
	}
	for i := range vs.Compose.Include {
		include := &vs.Compose.Include[i]
		system := deref(include.System)
		for j := range include.Concept {
			concept := &include.Concept[j]
			if concept.Code == nil {
				continue
			}
			codes = append(codes, Code{
				System:  system,
				Code:    *concept.Code,
				Display: deref(concept.Display),
			})
		}
	}
	return codes
}

func appendContains(codes []Code, contains *r4.ValueSetExpansionContains) []Code {
	if contains.Code != nil {
		codes = append(codes, Code{
			System:  deref(contains.System),
			Code:    *contains.Code,
			Display: deref(contains.Display),
		})
	}
	for i := range contains.Contains {
		codes = appendContains(codes, &contains.Contains[i])
	}
	return codes
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
