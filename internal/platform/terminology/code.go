// Package terminology expands value sets into codes for membership tests
// and prefetch template generation.
package terminology

import (
	"context"
	"errors"
	"strings"
)

// Code is a canonical coded value.
type Code struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
	Version string `json:"version,omitempty"`
}

// Compatible reports whether candidate matches target: the codes are equal
// and either candidate carries no system or both systems are equal. The
// relation is deliberately one-sided; a target without a system does not
// match a candidate that has one.
func (candidate Code) Compatible(target Code) bool {
	if candidate.Code == "" || candidate.Code != target.Code {
		return false
	}
	return candidate.System == "" || candidate.System == target.System
}

// Token renders the code as a FHIR token search value "system|code".
func (c Code) Token() string {
	return c.System + "|" + c.Code
}

// ErrValueSetNotFound is returned when a provider does not know a value set.
var ErrValueSetNotFound = errors.New("value set not found")

// Provider expands a value set identifier into its codes.
type Provider interface {
	Expand(ctx context.Context, valueSet string) ([]Code, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, valueSet string) ([]Code, error)

func (f ProviderFunc) Expand(ctx context.Context, valueSet string) ([]Code, error) {
	return f(ctx, valueSet)
}

const oidPrefix = "urn:oid:"

// NormalizeValueSetID strips the legacy urn:oid: scheme from a value set
// identifier.
func NormalizeValueSetID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), oidPrefix)
}
