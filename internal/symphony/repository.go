package symphony

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
)

// MaxPerUser caps how many symphonies a single user may store.
const MaxPerUser = 40

// symphonyColumns is the column list for the symphonies table. Kept in
// one place so scans never drift from the schema.
const symphonyColumns = `id, user_id, name, tree_json, rebalance_frequency, rebalance_corridor,
status, last_executed_at, execution_count, last_error, created_at, updated_at`

// Repository stores symphonies in sqlite.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a symphony repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "symphony").Logger(),
	}
}

// InitSchema creates the symphonies table and its indexes.
func (r *Repository) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS symphonies (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		tree_json TEXT NOT NULL,
		rebalance_frequency TEXT NOT NULL,
		rebalance_corridor REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		last_executed_at INTEGER,
		execution_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_symphonies_user ON symphonies(user_id);
	CREATE INDEX IF NOT EXISTS idx_symphonies_status ON symphonies(status);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create symphonies schema: %w", err)
	}
	return nil
}

// Create stores a new symphony, enforcing the per-user cap. The caller
// is expected to have validated the tree already.
func (r *Repository) Create(s *domain.Symphony) error {
	if s.ID == "" {
		return fmt.Errorf("symphony id is required")
	}
	if s.Status == "" {
		s.Status = domain.SymphonyActive
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRow(
		"SELECT COUNT(*) FROM symphonies WHERE user_id = ? AND deleted_at IS NULL", s.UserID,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count user symphonies: %w", err)
	}
	if count >= MaxPerUser {
		return domain.E(domain.KindBounds, "user %s already has %d symphonies, limit is %d", s.UserID, count, MaxPerUser)
	}

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO symphonies (id, user_id, name, tree_json, rebalance_frequency, rebalance_corridor,
			status, execution_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		s.ID, s.UserID, s.Name, string(s.TreeJSON),
		string(s.Rebalance.Frequency), s.Rebalance.Corridor,
		string(s.Status), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert symphony: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit symphony insert: %w", err)
	}

	s.CreatedAt = time.Unix(now, 0)
	s.UpdatedAt = time.Unix(now, 0)
	r.log.Info().Str("symphony_id", s.ID).Str("user_id", s.UserID).Msg("Symphony created")
	return nil
}

// Get returns a symphony by id, or nil when it does not exist or was
// soft deleted.
func (r *Repository) Get(id string) (*domain.Symphony, error) {
	query := "SELECT " + symphonyColumns + " FROM symphonies WHERE id = ? AND deleted_at IS NULL"

	rows, err := r.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query symphony: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	s, err := scanSymphony(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan symphony: %w", err)
	}
	return s, nil
}

// ListByUser returns the user's symphonies, newest first.
func (r *Repository) ListByUser(userID string) ([]*domain.Symphony, error) {
	query := "SELECT " + symphonyColumns + " FROM symphonies WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at DESC, id DESC"

	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user symphonies: %w", err)
	}
	defer rows.Close()

	return collectSymphonies(rows)
}

// ListActive returns every active symphony ordered by id. The stable
// order keeps the execution window deterministic.
func (r *Repository) ListActive() ([]*domain.Symphony, error) {
	query := "SELECT " + symphonyColumns + " FROM symphonies WHERE status = ? AND deleted_at IS NULL ORDER BY id"

	rows, err := r.db.Query(query, string(domain.SymphonyActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active symphonies: %w", err)
	}
	defer rows.Close()

	return collectSymphonies(rows)
}

// ListAll returns every stored symphony regardless of status, ordered
// by id. Used by the nightly revalidation job.
func (r *Repository) ListAll() ([]*domain.Symphony, error) {
	query := "SELECT " + symphonyColumns + " FROM symphonies WHERE deleted_at IS NULL ORDER BY id"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query symphonies: %w", err)
	}
	defer rows.Close()

	return collectSymphonies(rows)
}

// Update rewrites the mutable fields of a symphony: name, tree,
// rebalance policy, and status.
func (r *Repository) Update(s *domain.Symphony) error {
	now := time.Now().Unix()
	result, err := r.db.Exec(`
		UPDATE symphonies
		SET name = ?, tree_json = ?, rebalance_frequency = ?, rebalance_corridor = ?,
			status = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		s.Name, string(s.TreeJSON), string(s.Rebalance.Frequency), s.Rebalance.Corridor,
		string(s.Status), now, s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update symphony: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("symphony %s not found", s.ID)
	}
	s.UpdatedAt = time.Unix(now, 0)
	return nil
}

// SetStatus transitions a symphony's lifecycle state and records the
// reason in last_error (empty clears it).
func (r *Repository) SetStatus(id string, status domain.SymphonyStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown symphony status %q", status)
	}
	result, err := r.db.Exec(`
		UPDATE symphonies SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(status), reason, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set symphony status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("symphony %s not found", id)
	}
	r.log.Info().Str("symphony_id", id).Str("status", string(status)).Msg("Symphony status changed")
	return nil
}

// RecordExecution bumps the execution bookkeeping after a completed run
// and clears any previous error.
func (r *Repository) RecordExecution(id string, executedAt time.Time) error {
	_, err := r.db.Exec(`
		UPDATE symphonies
		SET last_executed_at = ?, execution_count = execution_count + 1, last_error = '', updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		executedAt.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// RecordError stores the latest failure on the symphony without
// changing its status.
func (r *Repository) RecordError(id string, detail string) error {
	_, err := r.db.Exec(`
		UPDATE symphonies SET last_error = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		detail, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record symphony error: %w", err)
	}
	return nil
}

// Delete soft deletes a symphony. The row stays for audit joins.
func (r *Repository) Delete(id string) error {
	result, err := r.db.Exec(
		"UPDATE symphonies SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now().Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete symphony: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("symphony %s not found", id)
	}
	r.log.Info().Str("symphony_id", id).Msg("Symphony deleted")
	return nil
}

// CountByUser returns how many live symphonies the user has.
func (r *Repository) CountByUser(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM symphonies WHERE user_id = ? AND deleted_at IS NULL", userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user symphonies: %w", err)
	}
	return count, nil
}

func collectSymphonies(rows *sql.Rows) ([]*domain.Symphony, error) {
	var out []*domain.Symphony
	for rows.Next() {
		s, err := scanSymphony(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan symphony: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symphonies: %w", err)
	}
	return out, nil
}

func scanSymphony(rows *sql.Rows) (*domain.Symphony, error) {
	var (
		s         domain.Symphony
		tree      string
		frequency string
		status    string
		lastExec  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := rows.Scan(
		&s.ID, &s.UserID, &s.Name, &tree, &frequency, &s.Rebalance.Corridor,
		&status, &lastExec, &s.ExecutionCount, &s.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.TreeJSON = []byte(tree)
	s.Rebalance.Frequency = domain.RebalanceFrequency(strings.TrimSpace(frequency))
	s.Status = domain.SymphonyStatus(status)
	if lastExec.Valid {
		t := time.Unix(lastExec.Int64, 0)
		s.LastExecutedAt = &t
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}
