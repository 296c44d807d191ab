// Package upstream implements the client for the provider's OAuth token
// endpoint. It speaks RFC 6749 refresh_token grant only; the initial
// authorization-code exchange happens elsewhere.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tokenkeeper/internal/executor"
)

// TokenResponse maps the RFC 6749 token response fields.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenPair is a refreshed credential pair with its computed expiry.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Config holds the provider settings.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// DefaultLifetime is assumed when the provider reports no expires_in and
	// the access token carries no exp claim
	DefaultLifetime time.Duration
}

// Client calls the provider's token endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a token endpoint client.
func NewClient(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if config.DefaultLifetime <= 0 {
		config.DefaultLifetime = time.Hour
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Refresh exchanges a refresh token for a new token pair. Non-2xx responses
// come back as *executor.HTTPError so the executor can classify them; the
// provider invalidates the old refresh token on success, which is why callers
// must hold the account's refresh lock.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.config.ClientID)
	data.Set("client_secret", c.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.httpError(resp, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response contained no access token")
	}

	pair := &TokenPair{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Expiry:       c.computeExpiry(tokenResp),
	}

	// Providers that do not rotate the refresh token expect the old one to
	// keep being used
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	return pair, nil
}

func (c *Client) httpError(resp *http.Response, body []byte) error {
	httpErr := &executor.HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Body:       string(body),
	}

	var errResp struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		httpErr.OAuthError = errResp.Error
	}

	return httpErr
}

// computeExpiry prefers the reported expires_in, then the access token's exp
// claim, then the configured default lifetime.
func (c *Client) computeExpiry(tokenResp TokenResponse) time.Time {
	now := time.Now()

	if tokenResp.ExpiresIn > 0 {
		return now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	if exp, ok := jwtExpiry(tokenResp.AccessToken); ok && exp.After(now) {
		return exp
	}

	return now.Add(c.config.DefaultLifetime)
}

// jwtExpiry extracts the exp claim from a JWT-shaped access token without
// verifying the signature; only the provider's reported lifetime is trusted,
// this is just a fallback hint.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}

	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}
