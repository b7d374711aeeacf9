package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"
)

// Credentials identify one tenant's CRM environment and the OAuth2 client
// allowed to write to it.
type Credentials struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TenantID     string // identity provider directory
}

func (c Credentials) cacheKey() string {
	return c.TenantID + "|" + c.ClientID
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenCache acquires and caches client-credentials tokens per tenant.
// A token is reused until it is within the refresh margin of its declared
// expiry; concurrent refreshes for the same tenant collapse into one
// request, and tenants never block each other.
type TokenCache struct {
	identityBaseURL string
	margin          time.Duration
	client          *http.Client

	mu     sync.RWMutex
	tokens map[string]cachedToken
	group  singleflight.Group
}

// NewTokenCache creates a TokenCache against the given identity provider.
func NewTokenCache(identityBaseURL string, margin time.Duration) *TokenCache {
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &TokenCache{
		identityBaseURL: strings.TrimSuffix(identityBaseURL, "/"),
		margin:          margin,
		client:          &http.Client{},
		tokens:          make(map[string]cachedToken),
	}
}

// Token returns a valid access token for the credentials, fetching a fresh
// one when the cached token is absent or inside the refresh margin.
func (tc *TokenCache) Token(ctx context.Context, creds Credentials) (string, error) {
	key := creds.cacheKey()

	if token, ok := tc.cached(key); ok {
		return token, nil
	}

	v, err, _ := tc.group.Do(key, func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if token, ok := tc.cached(key); ok {
			return token, nil
		}

		token, expiry, err := tc.fetch(ctx, creds)
		if err != nil {
			return "", err
		}

		tc.mu.Lock()
		tc.tokens[key] = cachedToken{token: token, expiry: expiry}
		tc.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Invalidate drops the cached token for the credentials. Called after the
// CRM rejects a request as unauthorized so the next attempt starts clean.
func (tc *TokenCache) Invalidate(creds Credentials) {
	tc.mu.Lock()
	delete(tc.tokens, creds.cacheKey())
	tc.mu.Unlock()
}

func (tc *TokenCache) cached(key string) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	ct, ok := tc.tokens[key]
	if !ok || time.Until(ct.expiry) <= tc.margin {
		return "", false
	}
	return ct.token, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// fetch performs the client-credentials grant against the identity provider.
func (tc *TokenCache) fetch(ctx context.Context, creds Credentials) (string, time.Time, error) {
	tokenURL := tc.identityBaseURL + "/" + creds.TenantID + "/oauth2/v2.0/token"

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("scope", strings.TrimSuffix(creds.BaseURL, "/")+"/.default")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, eris.Wrap(err, "crm: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", time.Time{}, eris.Wrap(err, "crm: token request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, eris.Wrap(err, "crm: read token response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, eris.Wrap(err, "crm: unmarshal token response")
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, &AuthError{Status: resp.StatusCode, Body: "token response missing access_token"}
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return tr.AccessToken, expiry, nil
}
