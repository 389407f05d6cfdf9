package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mytestdev/gallery-auth/internal/models"
)

// HTTPClient implements Refresher and Revoker against a remote provider. The
// token and revocation endpoints are located through the provider's discovery
// document, fetched once and cached for the client lifetime.
type HTTPClient struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string

	// Client defaults to a 10 second timeout http.Client.
	Client *http.Client

	mu        sync.Mutex
	endpoints *discoveryDocument
}

type discoveryDocument struct {
	TokenEndpoint      string `json:"token_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// NewHTTPClient builds a provider client for the given issuer.
func NewHTTPClient(issuerURL, clientID, clientSecret string) *HTTPClient {
	return &HTTPClient{
		IssuerURL:    issuerURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// discover fetches and caches the provider's discovery document.
func (c *HTTPClient) discover(ctx context.Context) (*discoveryDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints != nil {
		return c.endpoints, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.IssuerURL, "/")+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching discovery document: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: discovery document returned %d", models.ErrUnavailable, resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decoding discovery document: %v", models.ErrUnavailable, err)
	}
	if doc.TokenEndpoint == "" || doc.RevocationEndpoint == "" {
		return nil, fmt.Errorf("%w: discovery document missing endpoints", models.ErrUnavailable)
	}

	c.endpoints = &doc
	return c.endpoints, nil
}

func (c *HTTPClient) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.ClientID, c.ClientSecret)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return resp, nil
}

// Refresh exchanges the refresh token at the provider's token endpoint. A
// rejected token surfaces ErrInvalidGrant so the manager terminates the
// session; transport and server failures surface ErrUnavailable so the
// manager can keep a still-valid access token.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	endpoints, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.postForm(ctx, endpoints.TokenEndpoint, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: token endpoint returned %d", models.ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: token endpoint returned %d", models.ErrInvalidGrant, resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %v", models.ErrUnavailable, err)
	}

	return &Tokens{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		IDToken:      payload.IDToken,
		Expiry:       time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// Revoke submits the token to the provider's revocation endpoint (RFC 7009).
func (c *HTTPClient) Revoke(ctx context.Context, tok string) error {
	endpoints, err := c.discover(ctx)
	if err != nil {
		return err
	}

	resp, err := c.postForm(ctx, endpoints.RevocationEndpoint, url.Values{"token": {tok}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return models.ErrInvalidClient
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: revocation endpoint returned %d", models.ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
}
