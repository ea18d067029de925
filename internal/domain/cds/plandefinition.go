package cds

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// ECARuleType is the PlanDefinition.type code of rules advertised as services.
const ECARuleType = "eca-rule"

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the code of the first coding, or "".
func (c *CodeableConcept) FirstCode() string {
	if c == nil || len(c.Coding) == 0 {
		return ""
	}
	return c.Coding[0].Code
}

type Extension struct {
	URL         string `json:"url,omitempty"`
	ValueString string `json:"valueString,omitempty"`
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// RelatedArtifact is used both for action documentation (card source) and
// for rule-level links.
type RelatedArtifact struct {
	Type      string      `json:"type,omitempty"`
	Display   string      `json:"display,omitempty"`
	URL       string      `json:"url,omitempty"`
	Document  *Attachment `json:"document,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// Expression references a named library definition.
type Expression struct {
	Language   string `json:"language,omitempty"`
	Expression string `json:"expression,omitempty"`
}

type TriggerDefinition struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

type ActionCondition struct {
	Kind       string      `json:"kind"`
	Expression *Expression `json:"expression,omitempty"`
}

type DynamicValue struct {
	Path       string      `json:"path,omitempty"`
	Expression *Expression `json:"expression,omitempty"`
}

// PlanAction is one node of a rule's action tree.
type PlanAction struct {
	ID                  string              `json:"id,omitempty"`
	Title               string              `json:"title,omitempty"`
	Description         string              `json:"description,omitempty"`
	Prefix              string              `json:"prefix,omitempty"`
	Type                *CodeableConcept    `json:"type,omitempty"`
	SelectionBehavior   string              `json:"selectionBehavior,omitempty"`
	Documentation       []RelatedArtifact   `json:"documentation,omitempty"`
	Trigger             []TriggerDefinition `json:"trigger,omitempty"`
	Condition           []ActionCondition   `json:"condition,omitempty"`
	DynamicValue        []DynamicValue      `json:"dynamicValue,omitempty"`
	DefinitionCanonical string              `json:"definitionCanonical,omitempty"`
	Action              []PlanAction        `json:"action,omitempty"`
}

// PlanDefinition is the subset of a FHIR R4 PlanDefinition used to run a rule.
type PlanDefinition struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	URL             string            `json:"url,omitempty"`
	Version         string            `json:"version,omitempty"`
	Name            string            `json:"name,omitempty"`
	Title           string            `json:"title,omitempty"`
	Description     string            `json:"description,omitempty"`
	Status          string            `json:"status,omitempty"`
	Type            *CodeableConcept  `json:"type,omitempty"`
	Library         []string          `json:"library,omitempty"`
	RelatedArtifact []RelatedArtifact `json:"relatedArtifact,omitempty"`
	Action          []PlanAction      `json:"action,omitempty"`
}

// DecodePlanDefinition converts a generic resource into a PlanDefinition.
func DecodePlanDefinition(res fhir.Resource) (*PlanDefinition, error) {
	if rt := fhir.ResourceType(res); rt != "PlanDefinition" {
		return nil, fmt.Errorf("expected PlanDefinition, got %q", rt)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode plan definition: %w", err)
	}
	var pd PlanDefinition
	if err := json.Unmarshal(raw, &pd); err != nil {
		return nil, fmt.Errorf("decode plan definition %s: %w", fhir.ResourceID(res), err)
	}
	return &pd, nil
}

// IsECARule reports whether the plan is an event-condition-action rule.
func (pd *PlanDefinition) IsECARule() bool {
	return pd.Type.FirstCode() == ECARuleType
}

// Hook returns the trigger name of the first action's first trigger.
func (pd *PlanDefinition) Hook() string {
	if len(pd.Action) == 0 || len(pd.Action[0].Trigger) == 0 {
		return ""
	}
	return pd.Action[0].Trigger[0].Name
}

// PrimaryLibrary returns the canonical of the first referenced library.
func (pd *PlanDefinition) PrimaryLibrary() string {
	if len(pd.Library) == 0 {
		return ""
	}
	return pd.Library[0]
}
