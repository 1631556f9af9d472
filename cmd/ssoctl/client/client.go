// Package client talks to the tenant-sso HTTP API.
package client

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

	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/config"
	"github.com/pilab-dev/tenant-sso/middleware"
)


var ErrNoEndpoint = errors.New("context has no server endpoint")

// APIError is a non-2xx response. It carries both the OAuth error fields and the request error
// fields since the server renders whichever applies.
type APIError struct {
	Status      int               `json:"-"`
	OAuthCode   string            `json:"error,omitempty"`
	Description string            `json:"error_description,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Data        map[string]any    `json:"data,omitempty"`
}

func (e *APIError) Error() string {
	switch {
	case e.OAuthCode != "" && e.Description != "":
		return fmt.Sprintf("%d %s: %s", e.Status, e.OAuthCode, e.Description)
	case e.OAuthCode != "":
		return fmt.Sprintf("%d %s", e.Status, e.OAuthCode)
	case e.Message != "":
		return fmt.Sprintf("%d %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
}

// Me is the authorization context reported by GET /api/me.
type Me struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	Scopes []string `json:"scopes"`
}

// RefreshRequest is a refresh_token grant request.
type RefreshRequest struct {
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	Scope          string
	OrganizationID string
	Resource       []string
}

// TokenResponse is the token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	ExpiresIn    int    `json:"expires_in" yaml:"expires_in"`
	IDToken      string `json:"id_token,omitempty" yaml:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	Scope        string `json:"scope" yaml:"scope"`
	TokenType    string `json:"token_type" yaml:"token_type"`
}

// Client is bound to one ssoctl context.
type Client struct {
	endpoint string
	token    string
	devUser  string
	http     *http.Client
}

// New creates a client for the context. A nil httpClient uses a client with a 30s timeout.
func New(cfg *config.Context, httpClient *http.Client) (*Client, error) {
	if cfg == nil || cfg.ServerEndpoint == "" {
		return nil, ErrNoEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.ServerEndpoint, "/"),
		token:    cfg.AccessToken,
		devUser:  cfg.DevelopmentUserID,
		http:     httpClient,
	}, nil
}

// Me returns the caller's authorization context.
func (c *Client) Me(ctx context.Context) (*Me, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/me", nil)
	if err != nil {
		return nil, err
	}
	var me Me
	if err := c.do(req, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// RevokeGrant revokes a grant and every token issued under it.
func (c *Client) RevokeGrant(ctx context.Context, grantID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/grants/"+url.PathEscape(grantID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// JWKS returns the published key set as raw JSON.
func (c *Client) JWKS(ctx context.Context) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/oidc/jwks", nil)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Refresh runs the refresh_token grant. Confidential clients authenticate with
// client_secret_basic.
func (c *Client) Refresh(ctx context.Context, r RefreshRequest) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {r.RefreshToken},
	}
	if r.Scope != "" {
		form.Set("scope", r.Scope)
	}
	if r.OrganizationID != "" {
		form.Set("organization_id", r.OrganizationID)
	}
	for _, res := range r.Resource {
		form.Add("resource", res)
	}
	if r.ClientSecret == "" {
		form.Set("client_id", r.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/oidc/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if r.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(r.ClientID), url.QueryEscape(r.ClientSecret))
	}

	var resp TokenResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.devUser != "" {
		req.Header.Set(middleware.DevelopmentUserIDHeader, c.devUser)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		// the body is optional, e.g. a bare 401 from a proxy
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
