package cds

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// StoredRulesFrom groups each PlanDefinition in resources with its primary
// Library and the ActivityDefinitions its actions reference, producing rows
// for the rule store. Plans whose dependencies are absent are stored without
// them. Every returned rule is active.
func StoredRulesFrom(resources []fhir.Resource) ([]*StoredRule, error) {
	libs := make(map[string]fhir.Resource)
	catalog := NewActivityCatalog()
	var plans []fhir.Resource

	for _, res := range resources {
		switch fhir.ResourceType(res) {
		case "Library":
			for _, k := range libraryRefs(res) {
				libs[k] = res
			}
		case "ActivityDefinition":
			catalog.Add(res)
		case "PlanDefinition":
			plans = append(plans, res)
		}
	}

	out := make([]*StoredRule, 0, len(plans))
	for _, raw := range plans {
		pd, err := DecodePlanDefinition(raw)
		if err != nil {
			return nil, err
		}
		if pd.ID == "" {
			return nil, fmt.Errorf("%w: plan definition %q has no id", ErrInvalidRule, pd.Name)
		}
		sr := &StoredRule{ID: pd.ID, Active: true}
		if sr.PlanDefinition, err = json.Marshal(raw); err != nil {
			return nil, fmt.Errorf("rule %s: encode plan definition: %w", pd.ID, err)
		}
		if lib, ok := libs[pd.PrimaryLibrary()]; ok {
			if sr.Library, err = json.Marshal(lib); err != nil {
				return nil, fmt.Errorf("rule %s: encode library: %w", pd.ID, err)
			}
		}

		var defs []fhir.Resource
		seen := make(map[string]bool)
		for _, canonical := range definitionCanonicals(pd.Action) {
			def, ok := catalog.Lookup(canonical)
			if !ok {
				continue
			}
			key := fhir.ReferenceTo(def)
			if key == "" {
				key = canonical
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			defs = append(defs, def)
		}
		if len(defs) > 0 {
			if sr.Activities, err = json.Marshal(defs); err != nil {
				return nil, fmt.Errorf("rule %s: encode activities: %w", pd.ID, err)
			}
		}
		out = append(out, sr)
	}
	return out, nil
}

func definitionCanonicals(actions []PlanAction) []string {
	var out []string
	for i := range actions {
		if c := actions[i].DefinitionCanonical; c != "" {
			out = append(out, c)
		}
		out = append(out, definitionCanonicals(actions[i].Action)...)
	}
	return out
}
