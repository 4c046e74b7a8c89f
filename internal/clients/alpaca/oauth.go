package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/users"
)

// OAuthClient exchanges refresh tokens for fresh access tokens. It is
// the Refresher behind the token manager; nothing else calls it.
type OAuthClient struct {
	http         *resty.Client
	log          zerolog.Logger
	clientID     string
	clientSecret string
}

// NewOAuthClient creates the token refresher against the broker's
// OAuth endpoint. clientID and clientSecret identify this engine, not
// a user.
func NewOAuthClient(baseURL, clientID, clientSecret string, log zerolog.Logger) *OAuthClient {
	return &OAuthClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
		log:          log.With().Str("component", "broker_oauth").Logger(),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken implements users.Refresher with the refresh_token
// grant. The broker rotates the refresh token on every exchange, so
// the caller must persist the returned pair before using it.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*users.TokenPair, error) {
	var payload tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
		}).
		SetResult(&payload).
		Post("/oauth/token")
	if err != nil {
		return nil, domain.Wrap(domain.KindBrokerUnreachable, fmt.Errorf("token refresh: %w", err))
	}
	if resp.IsError() {
		message := apiMessage(resp.Body())
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusBadRequest {
			return nil, domain.E(domain.KindBrokerAuth, "token refresh rejected: %s", message)
		}
		return nil, domain.E(domain.KindBrokerUnreachable, "token refresh returned status %d: %s", resp.StatusCode(), message)
	}
	if payload.AccessToken == "" {
		return nil, domain.E(domain.KindBrokerAuth, "token refresh returned no access token")
	}
	if payload.RefreshToken == "" {
		// Some grants keep the old refresh token alive instead of
		// rotating it.
		payload.RefreshToken = refreshToken
	}
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &users.TokenPair{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
