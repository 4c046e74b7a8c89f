// Package users stores account holders and keeps their broker OAuth
// tokens fresh. Every symphony belongs to a user; the execution window
// asks this package for a working access token before it touches the
// broker.
package users

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

const userColumns = `id, email, broker_account_id, broker_access_token, broker_refresh_token,
token_expires_at, active, created_at, updated_at`

// Repository stores users in sqlite.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a user repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "users").Logger(),
	}
}

// InitSchema creates the users table.
func (r *Repository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		broker_account_id TEXT NOT NULL DEFAULT '',
		broker_access_token TEXT NOT NULL DEFAULT '',
		broker_refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_active ON users(active);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create users schema: %w", err)
	}
	return nil
}

// Create stores a new user.
func (r *Repository) Create(u *domain.User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO users (id, email, broker_account_id, broker_access_token,
			broker_refresh_token, token_expires_at, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.BrokerAccountID, u.BrokerAccessToken, u.BrokerRefreshToken,
		u.TokenExpiresAt.Unix(), boolToInt(u.Active), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.CreatedAt = time.Unix(now, 0)
	u.UpdatedAt = time.Unix(now, 0)
	r.log.Info().Str("user_id", u.ID).Msg("User created")
	return nil
}

// Get returns a user by id, or nil when unknown.
func (r *Repository) Get(id string) (*domain.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = ?"

	rows, err := r.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	u, err := scanUser(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// ListActive returns active users with broker credentials, ordered by
// id so window enumeration stays stable.
func (r *Repository) ListActive() ([]*domain.User, error) {
	query := "SELECT " + userColumns + ` FROM users
		WHERE active = 1 AND broker_access_token != '' ORDER BY id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return out, nil
}

// UpdateTokens stores a refreshed token set.
func (r *Repository) UpdateTokens(id, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := r.db.Exec(`
		UPDATE users SET broker_access_token = ?, broker_refresh_token = ?,
			token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, expiresAt.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %s not found", id)
	}
	return nil
}

// SetActive flips a user's active flag.
func (r *Repository) SetActive(id string, active bool) error {
	result, err := r.db.Exec(
		"UPDATE users SET active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set user active: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %s not found", id)
	}
	r.log.Info().Str("user_id", id).Bool("active", active).Msg("User active flag changed")
	return nil
}

func scanUser(rows *sql.Rows) (*domain.User, error) {
	var (
		u         domain.User
		expiresAt int64
		active    int
		createdAt int64
		updatedAt int64
	)
	err := rows.Scan(&u.ID, &u.Email, &u.BrokerAccountID, &u.BrokerAccessToken,
		&u.BrokerRefreshToken, &expiresAt, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.TokenExpiresAt = time.Unix(expiresAt, 0)
	u.Active = active != 0
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
