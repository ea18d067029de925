package terminology

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

	"github.com/gofhir/fhir/r4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/breaker"
)

// ClientConfig configures the REST terminology client.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client expands value sets with the FHIR ValueSet/$expand operation.
type Client struct {
	base    string
	user    string
	pass    string
	http    *http.Client
	breaker *breaker.Breaker
	logger  zerolog.Logger
}

// NewClient creates a terminology client. b may be nil to call the server
// without a circuit breaker.
func NewClient(cfg ClientConfig, b *breaker.Breaker, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		user:    cfg.Username,
		pass:    cfg.Password,
		http:    &http.Client{Timeout: timeout},
		breaker: b,
		logger:  logger.With().Str("component", "terminology").Logger(),
	}
}

// IsClientError reports errors that say nothing about upstream health.
func IsClientError(err error) bool {
	return err == nil || errors.Is(err, ErrValueSetNotFound)
}

// Expand calls $expand. Canonical urls are passed as the url parameter;
// bare identifiers (such as OIDs) address the instance-level operation.
func (c *Client) Expand(ctx context.Context, valueSet string) ([]Code, error) {
	id := NormalizeValueSetID(valueSet)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrValueSetNotFound)
	}

	var endpoint string
	if strings.Contains(id, "://") {
		endpoint = c.base + "/ValueSet/$expand?url=" + url.QueryEscape(id)
	} else {
		endpoint = c.base + "/ValueSet/" + url.PathEscape(id) + "/$expand"
	}

	var vs r4.ValueSet
	call := func(ctx context.Context) error {
		return c.get(ctx, endpoint, &vs)
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, "terminology.expand", call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", id, err)
	}

	codes := CodesFromValueSet(&vs)
	c.logger.Debug().Str("value_set", id).Int("codes", len(codes)).Msg("value set expanded")
	return codes, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrValueSetNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("terminology server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ValueSet: %w", err)
	}
	return nil
}
