package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rovermatic/fieldsync/internal/config"
)

// ErrUnauthorized is returned after a request still fails with 401 following
// a token refresh. Callers must halt the sync cycle and ask the user to sign
// in again.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response from the server
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed: HTTP %d, response: %s", e.Path, e.Code, e.Body)
}

// proactive refresh margin before token expiry
const expiryMargin = 30 * time.Second

// TokenSource holds the bearer token pair and refreshes it against the
// server's refresh endpoint.
type TokenSource struct {
	mu           sync.Mutex
	token        string
	refreshToken string
	refreshURL   string
	client       *http.Client
}

// NewTokenSource creates a token source from the agent's auth config
func NewTokenSource(cfg config.AuthConfig) *TokenSource {
	return &TokenSource{
		token:        cfg.Token,
		refreshToken: cfg.RefreshToken,
		refreshURL:   cfg.RefreshURL,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns the current bearer token, refreshing proactively when it is
// about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	token := ts.token
	ts.mu.Unlock()

	if token != "" && !aboutToExpire(token) {
		return token, nil
	}
	return ts.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new token pair
func (ts *TokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token available", ErrUnauthorized)
	}

	body, err := json.Marshal(map[string]string{"refreshToken": ts.refreshToken})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: refresh token rejected", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token refresh failed: HTTP %d, response: %s", resp.StatusCode, string(payload))
	}

	var result struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}

	ts.token = result.Token
	if result.RefreshToken != "" {
		ts.refreshToken = result.RefreshToken
	}
	log.Println("🔑 Access token refreshed")
	return ts.token, nil
}

// aboutToExpire inspects the token's exp claim without verifying the
// signature; verification is the server's job.
func aboutToExpire(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque token, let the server decide
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < expiryMargin
}

// Client is an authenticated JSON-over-HTTP transport: bearer token on every
// request, one automatic refresh-and-retry on 401.
type Client struct {
	BaseURL string
	Tokens  *TokenSource
	HTTP    *http.Client
}

// NewClient creates an authenticated transport against the sync server
func NewClient(baseURL string, tokens *TokenSource, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// PostJSON issues an authenticated POST and decodes the JSON response into out
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(ctx, path, payload, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, retried bool) (*http.Response, error) {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if retried {
			return nil, fmt.Errorf("%w: %s rejected after token refresh", ErrUnauthorized, path)
		}
		if _, err := c.Tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		return c.post(ctx, path, payload, true)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &StatusError{Path: path, Code: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}
