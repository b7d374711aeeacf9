// Package crm provides OData access to a Dynamics-style CRM with
// client-credentials authentication handled per tenant.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Query narrows an entity listing with OData options.
type Query struct {
	Filter string
	Select []string
	Top    int
}

// Client defines the CRM operations used by the pipeline. Credentials are
// passed per call so a tenant's rotated secret takes effect on the next
// attempt without restarting anything.
type Client interface {
	CreateEntity(ctx context.Context, creds Credentials, entitySet string, payload map[string]any) (string, error)
	GetEntity(ctx context.Context, creds Credentials, entitySet, id string) (map[string]any, error)
	QueryEntities(ctx context.Context, creds Credentials, entitySet string, q Query) ([]map[string]any, error)
}

// ClientOption configures the CRM client.
type ClientOption func(*odataClient)

// WithRateLimit sets a per-second rate limit for CRM API calls.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) ClientOption {
	return func(c *odataClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *odataClient) {
		c.client = hc
	}
}

type odataClient struct {
	tokens     *TokenCache
	apiVersion string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a CRM client that authenticates through the given
// token cache.
func NewClient(tokens *TokenCache, apiVersion string, opts ...ClientOption) Client {
	if apiVersion == "" {
		apiVersion = "v9.2"
	}
	c := &odataClient{
		tokens:     tokens,
		apiVersion: apiVersion,
		client:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *odataClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *odataClient) entityURL(creds Credentials, entitySet string) string {
	return strings.TrimSuffix(creds.BaseURL, "/") + "/api/data/" + c.apiVersion + "/" + entitySet
}

func (c *odataClient) CreateEntity(ctx context.Context, creds Credentials, entitySet string, payload map[string]any) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", eris.Wrap(err, "crm: rate limit")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "crm: marshal payload")
	}

	respBody, header, err := c.do(ctx, creds, http.MethodPost, c.entityURL(creds, entitySet), body)
	if err != nil {
		return "", err
	}

	id := recordID(respBody, header)
	if id == "" {
		return "", eris.Errorf("crm: create %s returned no record id", entitySet)
	}
	return id, nil
}

func (c *odataClient) GetEntity(ctx context.Context, creds Credentials, entitySet, id string) (map[string]any, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "crm: rate limit")
	}

	respBody, _, err := c.do(ctx, creds, http.MethodGet, c.entityURL(creds, entitySet)+"("+id+")", nil)
	if err != nil {
		return nil, err
	}

	var record map[string]any
	if err := json.Unmarshal(respBody, &record); err != nil {
		return nil, eris.Wrap(err, "crm: unmarshal entity")
	}
	return record, nil
}

func (c *odataClient) QueryEntities(ctx context.Context, creds Credentials, entitySet string, q Query) ([]map[string]any, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "crm: rate limit")
	}

	params := url.Values{}
	if q.Filter != "" {
		params.Set("$filter", q.Filter)
	}
	if len(q.Select) > 0 {
		params.Set("$select", strings.Join(q.Select, ","))
	}
	if q.Top > 0 {
		params.Set("$top", strconv.Itoa(q.Top))
	}

	reqURL := c.entityURL(creds, entitySet)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	respBody, _, err := c.do(ctx, creds, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, eris.Wrap(err, "crm: unmarshal query page")
	}
	return page.Value, nil
}

// do runs one authenticated OData request and returns the response body and
// headers. Auth rejections invalidate the cached token before reporting.
func (c *odataClient) do(ctx context.Context, creds Credentials, method, reqURL string, body []byte) ([]byte, http.Header, error) {
	token, err := c.tokens.Token(ctx, creds)
	if err != nil {
		return nil, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, nil, eris.Wrap(err, "crm: create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("OData-MaxVersion", "4.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(err, "crm: API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(err, "crm: read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.tokens.Invalidate(creds)
		return nil, nil, &AuthError{Status: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, nil, &RemoteError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, resp.Header, nil
}

// recordID extracts the created record's id from the response body, falling
// back to the OData-EntityId header, which looks like
// https://org.crm.dynamics.com/api/data/v9.2/cr_records(<guid>).
func recordID(body []byte, header http.Header) string {
	var record map[string]any
	if err := json.Unmarshal(body, &record); err == nil {
		if id, ok := record["id"].(string); ok && id != "" {
			return id
		}
	}

	entityID := header.Get("OData-EntityId")
	start := strings.LastIndex(entityID, "(")
	end := strings.LastIndex(entityID, ")")
	if start >= 0 && end > start {
		return entityID[start+1 : end]
	}
	return ""
}
