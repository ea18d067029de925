package fhir

import (
	"fmt"
	"strings"
)

// Resource is a FHIR resource in its generic JSON object form.
type Resource = map[string]interface{}

// ResourceType returns the resourceType of r, or "" when absent.
func ResourceType(r Resource) string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// ResourceID returns the logical id of r, or "" when absent.
func ResourceID(r Resource) string {
	id, _ := r["id"].(string)
	return id
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ReferenceTo returns the relative reference "Type/id" for r, or "" when
// either part is missing.
func ReferenceTo(r Resource) string {
	rt, id := ResourceType(r), ResourceID(r)
	if rt == "" || id == "" {
		return ""
	}
	return FormatReference(rt, id)
}

// ReferenceID extracts the id portion of a reference string. Both relative
// ("Medication/123"), absolute ("http://x/fhir/Medication/123") and
// contained ("#123") forms are accepted. History suffixes are ignored.
func ReferenceID(ref string) string {
	if ref == "" {
		return ""
	}
	if ref[0] == '#' {
		return ref[1:]
	}
	parts := strings.FieldsFunc(ref, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return ""
	}
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == "_history" && i >= 1 {
			return parts[i-1]
		}
	}
	return parts[len(parts)-1]
}

// Clone returns a deep copy of r. Nested objects and arrays are copied;
// scalar values are shared.
func Clone(r Resource) Resource {
	if r == nil {
		return nil
	}
	return cloneValue(r).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}
