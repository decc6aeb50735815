package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// expiredGrantTexts are provider error descriptions that mean the
// grant is permanently dead even when the error code is not the
// standard invalid_grant. Matching is case sensitive; the texts are
// stable provider strings.
var expiredGrantTexts = []string{
	"Token has been expired or revoked",
}

// Provider speaks one OAuth provider's token protocol. It is stateless
// and safe for concurrent use; per-instance client credentials arrive
// with each call.
type Provider struct {
	name       string
	endpoints  Endpoints
	httpClient *http.Client
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = client }
}

// WithEndpoints overrides the provider's wire surface. Tests point
// this at a local server.
func WithEndpoints(e Endpoints) ProviderOption {
	return func(p *Provider) { p.endpoints = e }
}

// NewProvider creates a provider for a built-in name.
func NewProvider(name string, opts ...ProviderOption) (*Provider, error) {
	endpoints, ok := LookupEndpoints(name)
	p := &Provider{
		name:       name,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if !ok && p.endpoints.TokenURL == "" {
		return nil, fmt.Errorf("credentials: unknown oauth provider %q", name)
	}
	return p, nil
}

// Name returns the provider's catalog name.
func (p *Provider) Name() string { return p.name }

// TokenResponse represents the OAuth token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// tokenEnvelope covers providers that return errors with HTTP 200
// (GitHub does) alongside the success fields.
type tokenEnvelope struct {
	TokenResponse
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// AuthURL builds the user-facing authorization URL.
func (p *Provider) AuthURL(clientID, redirectURI, state string, scopes []string) string {
	params := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	if p.endpoints.OfflineAccess {
		params.Set("access_type", "offline")
		params.Set("prompt", "consent")
	}
	return p.endpoints.AuthorizeURL + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	data := url.Values{
		"code":         {code},
		"redirect_uri": {redirectURI},
		"grant_type":   {"authorization_code"},
	}
	envelope, err := p.postToken(ctx, clientID, clientSecret, data)
	if err != nil {
		return nil, fmt.Errorf("credentials: %s code exchange failed: %w", p.name, err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("credentials: %s code exchange failed: %s: %s",
			p.name, envelope.Error, envelope.ErrorDescription)
	}
	return &envelope.TokenResponse, nil
}

// Refresh trades a refresh token for a new access token. A dead grant
// comes back as *AuthInvalidError; anything else is *RefreshFailedError.
func (p *Provider) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	envelope, err := p.postToken(ctx, clientID, clientSecret, data)
	if err != nil {
		return nil, err
	}
	if envelope.Error != "" {
		if p.isExpiredGrant(envelope.Error, envelope.ErrorDescription) {
			return nil, &AuthInvalidError{Provider: p.name, Code: envelope.Error, Detail: envelope.ErrorDescription}
		}
		return nil, &RefreshFailedError{
			Provider: p.name,
			Detail:   fmt.Sprintf("%s: %s", envelope.Error, envelope.ErrorDescription),
		}
	}
	if envelope.AccessToken == "" {
		return nil, &RefreshFailedError{Provider: p.name, Detail: "empty access token in response"}
	}
	return &envelope.TokenResponse, nil
}

// Revoke invalidates a token upstream. Providers without a revocation
// endpoint make this a no-op; an already-revoked token is success.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if p.endpoints.RevokeURL == "" {
		return nil
	}
	data := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.RevokeURL, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return fmt.Errorf("credentials: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credentials: %s revoke failed: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 200 = success, 400 = already revoked (both are okay)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("credentials: %s revoke failed with status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) postToken(ctx context.Context, clientID, clientSecret string, data url.Values) (*tokenEnvelope, error) {
	if p.endpoints.AuthStyle == AuthStyleForm {
		data.Set("client_id", clientID)
		data.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.TokenURL, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return nil, &RefreshFailedError{Provider: p.name, Detail: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.endpoints.AuthStyle == AuthStyleBasic {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshFailedError{Provider: p.name, Detail: "token endpoint unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RefreshFailedError{Provider: p.name, Detail: "failed to read response", Err: err}
	}

	var envelope tokenEnvelope
	if resp.StatusCode != http.StatusOK {
		// Error bodies are JSON when we are lucky, free text when we
		// are not. Classify either way.
		_ = json.Unmarshal(body, &envelope)
		if p.isExpiredGrant(envelope.Error, envelope.ErrorDescription) || p.isExpiredGrant("", string(body)) {
			code := envelope.Error
			if code == "" {
				code = fmt.Sprintf("http_%d", resp.StatusCode)
			}
			return nil, &AuthInvalidError{Provider: p.name, Code: code, Detail: envelope.ErrorDescription}
		}
		return nil, &RefreshFailedError{
			Provider: p.name,
			Detail:   fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 256)),
		}
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RefreshFailedError{Provider: p.name, Detail: "failed to decode token response", Err: err}
	}
	return &envelope, nil
}

func (p *Provider) isExpiredGrant(code, description string) bool {
	if code == "invalid_grant" {
		return true
	}
	for _, text := range expiredGrantTexts {
		if strings.Contains(description, text) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
