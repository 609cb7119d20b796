package session

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// HTTPIdentityProvider obtains tokens with the OAuth client-credentials grant.
type HTTPIdentityProvider struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	now          func() time.Time
}

// NewHTTPIdentityProvider constructs a provider posting to tokenURL.
func NewHTTPIdentityProvider(tokenURL, clientID, clientSecret, scope string, timeout time.Duration) *HTTPIdentityProvider {
	return &HTTPIdentityProvider{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

// RefreshCredential implements IdentityProvider.
func (p *HTTPIdentityProvider) RefreshCredential(ctx context.Context) (Credential, error) {
	if p.tokenURL == "" {
		return Credential{}, &models.AuthError{Err: errors.New("identity token URL not configured")}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if p.scope != "" {
		form.Set("scope", p.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &retry.StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return Credential{}, &models.AuthError{Err: statusErr}
		}
		return Credential{}, statusErr
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Credential{}, errors.New("token response missing access_token")
	}

	expiresAt, err := p.expiry(payload)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: payload.AccessToken, ExpiresAt: expiresAt}, nil
}

func (p *HTTPIdentityProvider) expiry(payload tokenResponse) (time.Time, error) {
	if payload.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, payload.ExpiresAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse expires_at: %w", err)
		}
		return t, nil
	}
	if payload.ExpiresIn > 0 {
		return p.now().Add(time.Duration(payload.ExpiresIn) * time.Second), nil
	}
	return TokenExpiry(payload.AccessToken)
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The identity provider is trusted; only the lifetime is needed here.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("token carries no expiry and is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
