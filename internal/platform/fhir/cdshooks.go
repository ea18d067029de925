package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// HL7 CDS Hooks 2.0 wire types.
// ---------------------------------------------------------------------------

// CDSService describes a single CDS service returned in discovery.
type CDSService struct {
	Hook              string            `json:"hook"`
	Name              string            `json:"name"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	ID                string            `json:"id"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`
}

// CDSDiscoveryResponse is the body of GET /cds-services.
type CDSDiscoveryResponse struct {
	Services []CDSService `json:"services"`
}

// CDSHookRequest is the payload POSTed to invoke a hook.
type CDSHookRequest struct {
	Hook         string                 `json:"hook"`
	HookInstance string                 `json:"hookInstance"`
	FHIRServer   string                 `json:"fhirServer,omitempty"`
	FHIRAuth     *CDSFHIRAuth           `json:"fhirAuthorization,omitempty"`
	Context      map[string]interface{} `json:"context"`
	Prefetch     *Prefetch              `json:"prefetch,omitempty"`
}

// CDSFHIRAuth carries FHIR authorization details from the EHR.
type CDSFHIRAuth struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject"`
}

// Prefetch holds the prefetch object of a hook request. Keys keep the order
// in which they appeared in the request body.
type Prefetch struct {
	keys   []string
	values map[string]interface{}
}

// NewPrefetch builds a Prefetch from key/value pairs in order.
func NewPrefetch() *Prefetch {
	return &Prefetch{values: make(map[string]interface{})}
}

// Set adds or replaces a prefetch entry.
func (p *Prefetch) Set(key string, value interface{}) {
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the raw prefetch value for key.
func (p *Prefetch) Get(key string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the prefetch keys in request order.
func (p *Prefetch) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Resources returns every prefetched resource in key order with bundles
// expanded into their entries. Null entries are skipped.
func (p *Prefetch) Resources() []Resource {
	if p == nil {
		return nil
	}
	var out []Resource
	for _, k := range p.keys {
		out = append(out, ExpandResources(p.values[k])...)
	}
	return out
}

func (p *Prefetch) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]interface{})
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("prefetch must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("prefetch key must be a string")
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("prefetch %q: %w", key, err)
		}
		p.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

func (p Prefetch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CDSCard is a single card in the hook response.
type CDSCard struct {
	UUID              string          `json:"uuid,omitempty"`
	Summary           string          `json:"summary"`
	Detail            string          `json:"detail,omitempty"`
	Indicator         string          `json:"indicator"`
	Source            CDSSource       `json:"source"`
	Suggestions       []CDSSuggestion `json:"suggestions,omitempty"`
	Links             []CDSLink       `json:"links,omitempty"`
	OverrideReasons   []CDSCoding     `json:"overrideReasons,omitempty"`
	SelectionBehavior string          `json:"selectionBehavior,omitempty"`
}

// CDSSource identifies the source of a card.
type CDSSource struct {
	Label string     `json:"label"`
	URL   string     `json:"url,omitempty"`
	Icon  string     `json:"icon,omitempty"`
	Topic *CDSCoding `json:"topic,omitempty"`
}

// CDSSuggestion is a suggested action within a card.
type CDSSuggestion struct {
	Label         string      `json:"label"`
	UUID          string      `json:"uuid,omitempty"`
	IsRecommended bool        `json:"isRecommended,omitempty"`
	Actions       []CDSAction `json:"actions,omitempty"`
}

// CDSAction is an individual action within a suggestion.
type CDSAction struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Resource    Resource `json:"resource,omitempty"`
	ResourceID  string   `json:"resourceId,omitempty"`
}

// CDSLink is an external link within a card.
type CDSLink struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	AppContext string `json:"appContext,omitempty"`
}

// CDSCoding is a code/system/display triple used in CDS Hooks.
type CDSCoding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// CDSHookResponse is returned from hook invocation.
type CDSHookResponse struct {
	Cards         []CDSCard   `json:"cards"`
	SystemActions []CDSAction `json:"systemActions,omitempty"`
}

// CDSFeedbackRequest is the body of POST /cds-services/{id}/feedback.
type CDSFeedbackRequest struct {
	Feedback []CDSFeedback `json:"feedback"`
}

// CDSFeedback records what the user did with a single card.
type CDSFeedback struct {
	Card                string                  `json:"card"`
	Outcome             string                  `json:"outcome"`
	AcceptedSuggestions []CDSAcceptedSuggestion `json:"acceptedSuggestions,omitempty"`
	OverrideReason      *CDSOverrideReason      `json:"overrideReason,omitempty"`
	OutcomeTimestamp    string                  `json:"outcomeTimestamp"`
}

type CDSAcceptedSuggestion struct {
	ID string `json:"id"`
}

type CDSOverrideReason struct {
	Reason      *CDSCoding `json:"reason,omitempty"`
	UserComment string     `json:"userComment,omitempty"`
}
