// Package fhirclient reads and searches resources on a remote FHIR R4 server.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/cdshooks/internal/platform/breaker"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
)

// ErrNotFound is returned when the server answers 404 or 410.
var ErrNotFound = errors.New("resource not found")

// maxPages bounds how many next links a search follows.
const maxPages = 50

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is a minimal FHIR REST client.
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *breaker.Breaker
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// New creates a client. b may be nil.
func New(cfg Config, b *breaker.Breaker, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: b,
		tracer:  telemetry.Tracer("fhirclient"),
		logger:  logger.With().Str("component", "fhirclient").Logger(),
	}
}

// Read fetches resourceType/id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	endpoint := c.base + "/" + resourceType + "/" + url.PathEscape(id)
	var res fhir.Resource
	if err := c.do(ctx, "fhir.read", endpoint, &res); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	return res, nil
}

// Search runs a type-level search and returns the matched resources of all
// pages. Included resources are returned as well.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]fhir.Resource, error) {
	endpoint := c.base + "/" + resourceType
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var out []fhir.Resource
	for page := 0; endpoint != "" && page < maxPages; page++ {
		var bundle searchBundle
		if err := c.do(ctx, "fhir.search", endpoint, &bundle); err != nil {
			return nil, fmt.Errorf("search %s: %w", resourceType, err)
		}
		for _, e := range bundle.Entry {
			if e.Resource != nil {
				out = append(out, e.Resource)
			}
		}
		endpoint = bundle.next()
	}
	c.logger.Debug().Str("type", resourceType).Int("count", len(out)).Msg("search completed")
	return out, nil
}

// ReadCanonical resolves a canonical url, optionally suffixed with |version,
// to a single resource. A relative "Type/id" reference is read directly.
func (c *Client) ReadCanonical(ctx context.Context, resourceType, canonical string) (fhir.Resource, error) {
	if ref := strings.TrimPrefix(canonical, resourceType+"/"); ref != canonical && !strings.Contains(ref, "/") {
		return c.Read(ctx, resourceType, ref)
	}
	u, version, _ := strings.Cut(canonical, "|")
	params := url.Values{"url": {u}}
	if version != "" {
		params.Set("version", version)
	}
	found, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	for _, r := range found {
		if fhir.ResourceType(r) == resourceType {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", resourceType, canonical, ErrNotFound)
}

type searchBundle struct {
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource fhir.Resource `json:"resource"`
	} `json:"entry"`
}

func (b *searchBundle) next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, op, endpoint string, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", endpoint)))
	defer span.End()

	call := func(ctx context.Context) error { return c.get(ctx, endpoint, out) }
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, op, call)
	} else {
		err = call(ctx)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fhir server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsClientError reports errors that say nothing about upstream health.
func IsClientError(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}
