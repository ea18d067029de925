package cds

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// ActivityCatalog indexes ActivityDefinitions by canonical url and by
// "ActivityDefinition/id".
type ActivityCatalog struct {
	defs map[string]fhir.Resource
}

func NewActivityCatalog(defs ...fhir.Resource) *ActivityCatalog {
	c := &ActivityCatalog{defs: make(map[string]fhir.Resource)}
	for _, d := range defs {
		c.Add(d)
	}
	return c
}

// Add registers an ActivityDefinition. Other resource types are ignored.
func (c *ActivityCatalog) Add(def fhir.Resource) {
	if fhir.ResourceType(def) != "ActivityDefinition" {
		return
	}
	if url, _ := def["url"].(string); url != "" {
		c.defs[url] = def
		if version, _ := def["version"].(string); version != "" {
			c.defs[url+"|"+version] = def
		}
	}
	if ref := fhir.ReferenceTo(def); ref != "" {
		c.defs[ref] = def
	}
}

// Lookup finds the definition a canonical points at.
func (c *ActivityCatalog) Lookup(canonical string) (fhir.Resource, bool) {
	if c == nil {
		return nil, false
	}
	if d, ok := c.defs[canonical]; ok {
		return d, true
	}
	if i := strings.LastIndexByte(canonical, '|'); i > 0 {
		if d, ok := c.defs[canonical[:i]]; ok {
			return d, true
		}
	}
	if id := fhir.ReferenceID(canonical); id != "" {
		d, ok := c.defs[fhir.FormatReference("ActivityDefinition", id)]
		return d, ok
	}
	return nil, false
}

// Len returns the number of distinct lookup keys.
func (c *ActivityCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.defs)
}

// activityApplier applies ActivityDefinitions to the patient in context.
type activityApplier struct {
	catalog   *ActivityCatalog
	patientID string
	newID     func() string
}

// NewActivityResolver returns a resolver that turns ActivityDefinitions from
// catalog into draft request resources for patientID.
func NewActivityResolver(catalog *ActivityCatalog, patientID string) ActivityResolver {
	return &activityApplier{catalog: catalog, patientID: patientID, newID: uuid.NewString}
}

func (a *activityApplier) Apply(_ context.Context, canonical string) (fhir.Resource, error) {
	if !strings.Contains(canonical, "ActivityDefinition") {
		return nil, nil
	}
	def, ok := a.catalog.Lookup(canonical)
	if !ok {
		return nil, nil
	}
	return applyActivityDefinition(def, a.patientID, a.newID()), nil
}

// applyActivityDefinition builds the draft request a definition describes.
func applyActivityDefinition(def fhir.Resource, patientID, id string) fhir.Resource {
	kind, _ := def["kind"].(string)
	subject := map[string]interface{}{"reference": fhir.FormatReference("Patient", patientID)}
	res := fhir.Resource{
		"resourceType": kind,
		"id":           id,
		"status":       "draft",
	}
	if canonical, _ := def["url"].(string); canonical != "" {
		res["instantiatesCanonical"] = []interface{}{canonical}
	}

	code := def["code"]
	switch kind {
	case "MedicationRequest":
		res["intent"] = intentOf(def, "proposal")
		res["subject"] = subject
		if product, ok := def["productCodeableConcept"]; ok {
			res["medicationCodeableConcept"] = copyValue(product)
		} else if product, ok := def["productReference"]; ok {
			res["medicationReference"] = copyValue(product)
		} else if code != nil {
			res["medicationCodeableConcept"] = copyValue(code)
		}
		if dosage, ok := def["dosage"]; ok {
			res["dosageInstruction"] = copyValue(dosage)
		}
	case "ServiceRequest", "DeviceRequest", "NutritionOrder", "SupplyRequest":
		res["intent"] = intentOf(def, "proposal")
		if kind == "NutritionOrder" {
			res["patient"] = subject
		} else {
			res["subject"] = subject
		}
		if code != nil {
			res["code"] = copyValue(code)
		}
	case "Task":
		res["intent"] = intentOf(def, "proposal")
		res["for"] = subject
		if code != nil {
			res["code"] = copyValue(code)
		}
	case "CommunicationRequest":
		res["subject"] = subject
		if code != nil {
			res["reasonCode"] = []interface{}{copyValue(code)}
		}
	default:
		if kind == "" {
			res["resourceType"] = "Task"
			res["intent"] = "proposal"
			res["for"] = subject
		} else {
			res["subject"] = subject
		}
		if code != nil {
			res["code"] = copyValue(code)
		}
	}

	if desc, ok := def["description"].(string); ok && desc != "" {
		res["note"] = []interface{}{map[string]interface{}{"text": desc}}
	} else if title, ok := def["title"].(string); ok && title != "" {
		res["note"] = []interface{}{map[string]interface{}{"text": title}}
	}
	return res
}

func intentOf(def fhir.Resource, fallback string) string {
	if intent, ok := def["intent"].(string); ok && intent != "" {
		return intent
	}
	return fallback
}

func copyValue(v interface{}) interface{} {
	return fhir.Clone(map[string]interface{}{"v": v})["v"]
}
