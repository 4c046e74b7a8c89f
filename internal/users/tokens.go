package users

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

// refreshLeeway is how close to expiry a token may get before it is
// refreshed. The window runs for minutes, so a token that expires in
// under a minute would die mid-execution.
const refreshLeeway = 60 * time.Second

// TokenPair is the result of a refresh grant.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for a new token pair. The broker
// OAuth client implements this.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// TokenManager hands out valid broker access tokens, refreshing them
// through the OAuth refresh grant when they are about to expire. A
// refresh rotates the refresh token too, so concurrent refreshes for
// one user would invalidate each other; the manager serializes them
// per user.
type TokenManager struct {
	repo      *Repository
	refresher Refresher
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokenManager creates a token manager.
func NewTokenManager(repo *Repository, refresher Refresher, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		repo:      repo,
		refresher: refresher,
		log:       log.With().Str("component", "token_manager").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// EnsureFresh returns an access token for the user that is good for at
// least another minute, refreshing and persisting a new pair if the
// stored one is too close to expiry. The passed user's token fields are
// updated in place on refresh.
func (m *TokenManager) EnsureFresh(ctx context.Context, user *domain.User) (string, error) {
	if user.BrokerRefreshToken == "" {
		return "", domain.E(domain.KindBrokerAuth, "user %s has no broker credentials", user.ID)
	}
	if fresh(user.TokenExpiresAt) {
		return user.BrokerAccessToken, nil
	}

	lock := m.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	// Re-read the stored row rather than trusting the stale struct.
	stored, err := m.repo.Get(user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload user %s: %w", user.ID, err)
	}
	if stored == nil {
		return "", fmt.Errorf("user %s not found", user.ID)
	}
	if fresh(stored.TokenExpiresAt) {
		user.BrokerAccessToken = stored.BrokerAccessToken
		user.BrokerRefreshToken = stored.BrokerRefreshToken
		user.TokenExpiresAt = stored.TokenExpiresAt
		return stored.BrokerAccessToken, nil
	}

	pair, err := m.refresher.RefreshToken(ctx, stored.BrokerRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token for user %s: %w", user.ID, err)
	}
	if err := m.repo.UpdateTokens(user.ID, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt); err != nil {
		return "", err
	}

	user.BrokerAccessToken = pair.AccessToken
	user.BrokerRefreshToken = pair.RefreshToken
	user.TokenExpiresAt = pair.ExpiresAt
	m.log.Info().
		Str("user_id", user.ID).
		Time("expires_at", pair.ExpiresAt).
		Msg("Broker token refreshed")
	return pair.AccessToken, nil
}

func (m *TokenManager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

func fresh(expiresAt time.Time) bool {
	return time.Until(expiresAt) > refreshLeeway
}
