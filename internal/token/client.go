// Package token talks to the credential-issuance endpoint. It never
// persists anything; callers decide what to do with a Grant.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dayboard/internal/apperr"
	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

const (
	defaultExpiresIn   = 3600 * time.Second
	maxErrorBody       = int64(1 << 20)
	configurationCode  = "configuration_error"
	defaultHTTPTimeout = 15 * time.Second
)

// Grant is the outcome of a successful exchange.
type Grant struct {
	AccessToken string
	ExpiresIn   time.Duration
	// RefreshToken is empty when none was issued.
	RefreshToken string
}

// Session builds the session to persist. A refresh grant usually carries no
// refresh token, in which case previousRefresh is kept.
func (g Grant) Session(now time.Time, previousRefresh string) model.Session {
	refresh := g.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return model.Session{
		AccessToken:       g.AccessToken,
		AccessTokenExpiry: now.Add(g.ExpiresIn),
		RefreshToken:      refresh,
		Authenticated:     true,
	}
}

// Service is what the coordinator needs from the token endpoint.
type Service interface {
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (Grant, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (Grant, error)
}

// Client calls POST {base}/auth and POST {base}/refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

type authRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type grantResponse struct {
	AccessToken  string  `json:"access_token"`
	ExpiresIn    *int64  `json:"expires_in"`
	RefreshToken *string `json:"refresh_token"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// rejection is an endpoint answer other than 2xx.
type rejection struct {
	status      int
	description string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("http %d: %s", r.status, r.description)
}

func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI string) (Grant, error) {
	g, err := c.post(ctx, "/auth", authRequest{Code: code, RedirectURI: redirectURI})
	if err != nil {
		var cfgErr *apperr.ConfigurationError
		if errors.As(err, &cfgErr) {
			return Grant{}, err
		}
		out := &apperr.TokenExchangeError{Err: err}
		var rej *rejection
		if errors.As(err, &rej) {
			out.Status, out.Description = rej.status, rej.description
		}
		appLog.Error("token: code exchange failed", err, "status", out.Status)
		return Grant{}, out
	}
	appLog.Info("token: code exchanged", "expires_in", g.ExpiresIn.String(), "has_refresh", g.RefreshToken != "")
	return g, nil
}

func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (Grant, error) {
	if refreshToken == "" {
		return Grant{}, &apperr.TokenRefreshError{Description: "no refresh token"}
	}
	g, err := c.post(ctx, "/refresh", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		var cfgErr *apperr.ConfigurationError
		if errors.As(err, &cfgErr) {
			return Grant{}, err
		}
		out := &apperr.TokenRefreshError{Err: err}
		var rej *rejection
		if errors.As(err, &rej) {
			out.Status, out.Description = rej.status, rej.description
		}
		appLog.Error("token: refresh failed", err, "status", out.Status)
		return Grant{}, out
	}
	appLog.Info("token: access token refreshed", "expires_in", g.ExpiresIn.String())
	return g, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (Grant, error) {
	if c.baseURL == "" {
		return Grant{}, &apperr.ConfigurationError{Message: "token endpoint is not configured"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Grant{}, &apperr.NetworkError{Op: "token" + path, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return Grant{}, &apperr.NetworkError{Op: "token" + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		if e.Code == configurationCode {
			return Grant{}, &apperr.ConfigurationError{Message: e.Error}
		}
		desc := strings.TrimSpace(e.Error)
		if desc == "" {
			desc = strings.TrimSpace(string(data))
		}
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return Grant{}, &rejection{status: resp.StatusCode, description: desc}
	}

	var g grantResponse
	if err := json.Unmarshal(data, &g); err != nil {
		return Grant{}, fmt.Errorf("decode token response: %w", err)
	}
	if g.AccessToken == "" {
		return Grant{}, errors.New("token response missing access_token")
	}

	out := Grant{AccessToken: g.AccessToken, ExpiresIn: defaultExpiresIn}
	if g.ExpiresIn != nil && *g.ExpiresIn > 0 {
		out.ExpiresIn = time.Duration(*g.ExpiresIn) * time.Second
	}
	if g.RefreshToken != nil {
		out.RefreshToken = *g.RefreshToken
	}
	return out, nil
}

var _ Service = (*Client)(nil)
