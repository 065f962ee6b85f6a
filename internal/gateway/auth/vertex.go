package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	CloudPlatform   = "https://www.googleapis.com/auth/cloud-platform"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	// tokens this close to expiry are refreshed instead of reused
	expiryMargin = 60 * time.Second
)

// ServiceAccount is the subset of a Google service-account key file the
// gateway needs.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id,omitempty"`
}

// ParseServiceAccount parses the JSON key stored on a Vertex channel.
func ParseServiceAccount(raw string) (ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal([]byte(raw), &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("%w: service account: %v", ErrInvalidCredential, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, fmt.Errorf("%w: service account needs client_email and private_key", ErrInvalidCredential)
	}
	return sa, nil
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// TokenCache holds access tokens keyed by service-account email.
type TokenCache struct {
	tokens sync.Map
}

// NewTokenCache returns an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{}
}

func (c *TokenCache) get(email string, now time.Time) (string, bool) {
	v, ok := c.tokens.Load(email)
	if !ok {
		return "", false
	}
	t := v.(cachedToken)
	if !t.expiresAt.After(now.Add(expiryMargin)) {
		return "", false
	}
	return t.accessToken, true
}

func (c *TokenCache) put(email string, t cachedToken) {
	c.tokens.Store(email, t)
}

// TokenSource exchanges signed JWT assertions for OAuth access tokens.
type TokenSource struct {
	tokenURL   string
	httpClient *http.Client
	cache      *TokenCache
	now        func() time.Time
}

// NewTokenSource creates a token source. An empty tokenURL uses Google's
// OAuth endpoint.
func NewTokenSource(tokenURL string, httpClient *http.Client, cache *TokenCache) *TokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cache == nil {
		cache = NewTokenCache()
	}
	return &TokenSource{tokenURL: tokenURL, httpClient: httpClient, cache: cache, now: time.Now}
}

// WithClock replaces the token source's time source.
func (ts *TokenSource) WithClock(now func() time.Time) *TokenSource {
	ts.now = now
	return ts
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a bearer token for sa, reusing a cached one while it has more
// than a minute left.
func (ts *TokenSource) Token(ctx context.Context, sa ServiceAccount) (string, error) {
	now := ts.now()
	if tok, ok := ts.cache.get(sa.ClientEmail, now); ok {
		return tok, nil
	}

	assertion, err := ts.assertion(sa, now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}

	ts.cache.put(sa.ClientEmail, cachedToken{
		accessToken: tr.AccessToken,
		expiresAt:   now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	})
	return tr.AccessToken, nil
}

func (ts *TokenSource) assertion(sa ServiceAccount, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: private key: %v", ErrInvalidCredential, err)
	}
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": CloudPlatform,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
