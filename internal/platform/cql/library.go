// Package cql evaluates the named logic definitions of a rule library. A
// library is a FHIR Library resource whose JSON logic content declares
// retrieves against the registered data source and FHIRPath expressions
// over their results.
package cql

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// LogicContentType is the attachment content type holding library logic.
const LogicContentType = "application/json"

var (
	// ErrUnknownExpression is returned when a name matches no definition or parameter.
	ErrUnknownExpression = errors.New("unknown expression")
	// ErrInvalidLibrary is returned when a Library resource cannot be parsed.
	ErrInvalidLibrary = errors.New("invalid library")
)

// Parameter is an input parameter declared by a library.
type Parameter struct {
	Name string
	Use  string
	Type string
	// List is set when the parameter accepts more than one value (max "*" or > 1).
	List bool
}

// CodeFilter narrows a data requirement to a value set or explicit codes on
// the element at Path.
type CodeFilter struct {
	Path     string
	ValueSet string
	Codes    []terminology.Code
}

// DataRequirement declares a resource type the library reads, used to
// advertise prefetch templates.
type DataRequirement struct {
	Type       string
	CodeFilter []CodeFilter
}

// DateFilter restricts a retrieve to resources dated within a window.
// Lookback is a Go duration ("8760h") counted back from evaluation time;
// Start and End are FHIR date literals. Any bound may be omitted.
type DateFilter struct {
	Path     string `json:"path,omitempty"`
	LowPath  string `json:"lowPath,omitempty"`
	HighPath string `json:"highPath,omitempty"`
	Lookback string `json:"lookback,omitempty"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
}

// RetrieveDef is a typed clinical data request.
type RetrieveDef struct {
	Model      string             `json:"model,omitempty"`
	DataType   string             `json:"dataType"`
	TemplateID string             `json:"templateId,omitempty"`
	CodePath   string             `json:"codePath,omitempty"`
	Codes      []terminology.Code `json:"codes,omitempty"`
	ValueSet   string             `json:"valueSet,omitempty"`
	DateFilter *DateFilter        `json:"dateFilter,omitempty"`
}

// Definition is one named statement of a library. Exactly one of Retrieve,
// Expression or Value is set. Expression is FHIRPath, evaluated against the
// result of Source when given (a collection is wrapped in a Bundle) or
// against the Patient in context otherwise.
type Definition struct {
	Name       string          `json:"name"`
	Retrieve   *RetrieveDef    `json:"retrieve,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Source     string          `json:"source,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// Library is a parsed rule library. It is immutable once returned by
// ParseLibrary and may be shared between evaluations.
type Library struct {
	URL              string
	Name             string
	Version          string
	Parameters       []Parameter
	DataRequirements []DataRequirement
	Definitions      map[string]Definition
	order            []string
}

// DefinitionNames returns definition names in declaration order.
func (l *Library) DefinitionNames() []string {
	return append([]string(nil), l.order...)
}

// Key identifies the library for caching.
func (l *Library) Key() string {
	return libraryKey(l.URL, l.Name, l.Version)
}

func libraryKey(url, name, version string) string {
	id := url
	if id == "" {
		id = name
	}
	if version == "" {
		return id
	}
	return id + "|" + version
}

type libraryWire struct {
	ResourceType    string `json:"resourceType"`
	URL             string `json:"url"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Parameter       []struct {
		Name string `json:"name"`
		Use  string `json:"use"`
		Max  string `json:"max"`
		Type string `json:"type"`
	} `json:"parameter"`
	DataRequirement []struct {
		Type       string `json:"type"`
		CodeFilter []struct {
			Path     string `json:"path"`
			ValueSet string `json:"valueSet"`
			Code     []struct {
				System  string `json:"system"`
				Code    string `json:"code"`
				Display string `json:"display"`
				Version string `json:"version"`
			} `json:"code"`
		} `json:"codeFilter"`
	} `json:"dataRequirement"`
	Content []struct {
		ContentType string `json:"contentType"`
		Data        []byte `json:"data"`
	} `json:"content"`
}

type logicContent struct {
	Definitions []Definition `json:"definitions"`
}

// ParseLibrary reads a FHIR Library resource. Logic is taken from the first
// content attachment of LogicContentType; a library without logic content
// has parameters and data requirements only.
func ParseLibrary(res fhir.Resource) (*Library, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}
	var wire libraryWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}
	if wire.ResourceType != "Library" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrInvalidLibrary, wire.ResourceType)
	}

	lib := &Library{
		URL:         wire.URL,
		Name:        wire.Name,
		Version:     wire.Version,
		Definitions: make(map[string]Definition),
	}
	for _, p := range wire.Parameter {
		lib.Parameters = append(lib.Parameters, Parameter{
			Name: p.Name,
			Use:  p.Use,
			Type: p.Type,
			List: p.Max == "*" || (p.Max != "" && p.Max != "0" && p.Max != "1"),
		})
	}
	for _, dr := range wire.DataRequirement {
		req := DataRequirement{Type: dr.Type}
		for _, cf := range dr.CodeFilter {
			filter := CodeFilter{Path: cf.Path, ValueSet: cf.ValueSet}
			for _, c := range cf.Code {
				filter.Codes = append(filter.Codes, terminology.Code{
					System: c.System, Code: c.Code, Display: c.Display, Version: c.Version,
				})
			}
			req.CodeFilter = append(req.CodeFilter, filter)
		}
		lib.DataRequirements = append(lib.DataRequirements, req)
	}

	for _, c := range wire.Content {
		if !strings.HasPrefix(c.ContentType, LogicContentType) {
			continue
		}
		var logic logicContent
		if err := json.Unmarshal(c.Data, &logic); err != nil {
			return nil, fmt.Errorf("%w: library %s logic: %v", ErrInvalidLibrary, lib.Key(), err)
		}
		for _, def := range logic.Definitions {
			if err := def.validate(); err != nil {
				return nil, fmt.Errorf("%w: library %s: %v", ErrInvalidLibrary, lib.Key(), err)
			}
			if _, dup := lib.Definitions[def.Name]; dup {
				return nil, fmt.Errorf("%w: library %s: duplicate definition %q", ErrInvalidLibrary, lib.Key(), def.Name)
			}
			lib.Definitions[def.Name] = def
			lib.order = append(lib.order, def.Name)
		}
		break
	}
	return lib, nil
}

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("definition without a name")
	}
	kinds := 0
	if d.Retrieve != nil {
		kinds++
		if d.Retrieve.DataType == "" {
			return fmt.Errorf("definition %q: retrieve without dataType", d.Name)
		}
	}
	if d.Expression != "" {
		kinds++
	}
	if len(d.Value) > 0 {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("definition %q: exactly one of retrieve, expression or value is required", d.Name)
	}
	if d.Source != "" && d.Expression == "" {
		return fmt.Errorf("definition %q: source requires an expression", d.Name)
	}
	return nil
}

// LibraryCache holds parsed libraries for the life of the process, keyed by
// canonical url and version.
type LibraryCache struct {
	mu   sync.RWMutex
	libs map[string]*Library
}

func NewLibraryCache() *LibraryCache {
	return &LibraryCache{libs: make(map[string]*Library)}
}

// Load returns the cached parse of res, parsing it on first use.
func (c *LibraryCache) Load(res fhir.Resource) (*Library, error) {
	url, _ := res["url"].(string)
	name, _ := res["name"].(string)
	version, _ := res["version"].(string)
	key := libraryKey(url, name, version)

	c.mu.RLock()
	lib, ok := c.libs[key]
	c.mu.RUnlock()
	if ok {
		return lib, nil
	}

	lib, err := ParseLibrary(res)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.libs[key]; ok {
		return existing, nil
	}
	c.libs[key] = lib
	return lib, nil
}

// Get returns a previously loaded library.
func (c *LibraryCache) Get(url, version string) (*Library, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lib, ok := c.libs[libraryKey(url, "", version)]
	return lib, ok
}

// Reset drops every cached library.
func (c *LibraryCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.libs = make(map[string]*Library)
}
