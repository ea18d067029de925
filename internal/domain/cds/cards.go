package cds

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// ErrInvalidActionShape is returned when a fired action lacks a field its
// card needs.
var ErrInvalidActionShape = errors.New("invalid action shape")

const defaultLinkType = "absolute"

// BuildCards projects fired actions onto cards: one card per top-level
// action carrying documentation. An action's own resource (when it has a
// prefix) and the resources of its direct children become suggestions.
// Rule-level related artifacts become links on every card.
func BuildCards(actions []OutputAction, plan *PlanDefinition) ([]fhir.CDSCard, error) {
	links, err := buildLinks(plan)
	if err != nil {
		return nil, err
	}

	cards := make([]fhir.CDSCard, 0)
	for i, a := range actions {
		if a.Parent != -1 || a.Documentation == nil {
			continue
		}
		card, err := buildCard(a)
		if err != nil {
			return nil, err
		}

		if a.Prefix != "" && a.ResourceTarget != nil {
			s, err := buildSuggestion(a.Prefix, a)
			if err != nil {
				return nil, err
			}
			card.Suggestions = append(card.Suggestions, s)
		}
		for _, child := range actions[i+1:] {
			if child.Parent != i || child.ResourceTarget == nil {
				continue
			}
			label := child.Prefix
			if label == "" {
				label = child.Title
			}
			s, err := buildSuggestion(label, child)
			if err != nil {
				return nil, err
			}
			card.Suggestions = append(card.Suggestions, s)
		}
		if len(links) > 0 {
			card.Links = append([]fhir.CDSLink(nil), links...)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func buildCard(a OutputAction) (fhir.CDSCard, error) {
	if a.Title == "" {
		return fhir.CDSCard{}, fmt.Errorf("%w: action %d has no title", ErrInvalidActionShape, a.Node)
	}
	if a.Indicator == "" {
		return fhir.CDSCard{}, fmt.Errorf("%w: action %q has no indicator", ErrInvalidActionShape, a.Title)
	}
	if a.Documentation.Display == "" {
		return fhir.CDSCard{}, fmt.Errorf("%w: action %q documentation has no display", ErrInvalidActionShape, a.Title)
	}

	source := fhir.CDSSource{Label: a.Documentation.Display, URL: a.Documentation.URL}
	if a.Documentation.Document != nil {
		source.Icon = a.Documentation.Document.URL
	}
	return fhir.CDSCard{
		UUID:              uuid.NewString(),
		Summary:           a.Title,
		Detail:            a.Description,
		Indicator:         string(a.Indicator),
		Source:            source,
		SelectionBehavior: a.SelectionBehavior,
	}, nil
}

func buildSuggestion(label string, a OutputAction) (fhir.CDSSuggestion, error) {
	if label == "" {
		return fhir.CDSSuggestion{}, fmt.Errorf("%w: suggestion for action %d has no label", ErrInvalidActionShape, a.Node)
	}
	if a.Description == "" {
		return fhir.CDSSuggestion{}, fmt.Errorf("%w: suggestion %q has no description", ErrInvalidActionShape, label)
	}
	actionType, err := cdsActionType(a.Type)
	if err != nil {
		return fhir.CDSSuggestion{}, err
	}
	act := fhir.CDSAction{
		Type:        actionType,
		Description: a.Description,
		Resource:    a.ResourceTarget,
	}
	if actionType == "delete" {
		act.Resource = nil
		act.ResourceID = a.ResourceRef
	}
	return fhir.CDSSuggestion{
		Label:   label,
		UUID:    uuid.NewString(),
		Actions: []fhir.CDSAction{act},
	}, nil
}

// cdsActionType maps an action type code to a CDS Hooks action type.
func cdsActionType(code string) (string, error) {
	switch code {
	case "", "create":
		return "create", nil
	case "update":
		return "update", nil
	case "remove", "delete":
		return "delete", nil
	}
	return "", fmt.Errorf("%w: unsupported action type %q", ErrInvalidActionShape, code)
}

func buildLinks(plan *PlanDefinition) ([]fhir.CDSLink, error) {
	if plan == nil {
		return nil, nil
	}
	var links []fhir.CDSLink
	for _, ra := range plan.RelatedArtifact {
		if ra.Display == "" || ra.URL == "" {
			return nil, fmt.Errorf("%w: related artifact needs display and url", ErrInvalidActionShape)
		}
		linkType := defaultLinkType
		if len(ra.Extension) > 0 && ra.Extension[0].ValueString != "" {
			linkType = ra.Extension[0].ValueString
		}
		links = append(links, fhir.CDSLink{Label: ra.Display, URL: ra.URL, Type: linkType})
	}
	return links, nil
}
