package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/origamihq/conductor/internal/domain"
)

// BarArchive persists whole bar series to the cache database so a
// process restart inside the evaluation window does not force a full
// refetch. One row per (symbol, interval), bars packed as msgpack.
type BarArchive struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBarArchive creates an archive over the given cache database.
func NewBarArchive(db *sql.DB, log zerolog.Logger) *BarArchive {
	return &BarArchive{
		db:  db,
		log: log.With().Str("repo", "bar_archive").Logger(),
	}
}

// InitSchema creates the archive table if it does not exist.
func (a *BarArchive) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bar_archive (
		symbol     TEXT NOT NULL,
		interval   TEXT NOT NULL,
		bars       BLOB NOT NULL,
		bar_count  INTEGER NOT NULL,
		stored_at  INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (symbol, interval)
	);
	CREATE INDEX IF NOT EXISTS idx_bar_archive_expires ON bar_archive(expires_at);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create bar_archive schema: %w", err)
	}
	return nil
}

// Store replaces the archived series for (symbol, interval).
func (a *BarArchive) Store(symbol, interval string, bars []domain.Bar, ttl time.Duration) error {
	packed, err := msgpack.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to pack bars for %s: %w", symbol, err)
	}

	now := time.Now()
	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO bar_archive (symbol, interval, bars, bar_count, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		symbol, interval, packed, len(bars), now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive bars for %s: %w", symbol, err)
	}

	a.log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("bars", len(bars)).
		Msg("Archived bar series")
	return nil
}

// Load returns the archived series for (symbol, interval). Expired or
// missing rows report ok=false with no error.
func (a *BarArchive) Load(symbol, interval string) ([]domain.Bar, bool, error) {
	var packed []byte
	var expiresAt int64
	err := a.db.QueryRow(`
		SELECT bars, expires_at FROM bar_archive
		WHERE symbol = ? AND interval = ?`,
		symbol, interval,
	).Scan(&packed, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load archived bars for %s: %w", symbol, err)
	}
	if time.Now().Unix() >= expiresAt {
		return nil, false, nil
	}

	var bars []domain.Bar
	if err := msgpack.Unmarshal(packed, &bars); err != nil {
		return nil, false, fmt.Errorf("failed to unpack archived bars for %s: %w", symbol, err)
	}
	return bars, true, nil
}

// Cleanup deletes expired rows and reports how many were removed.
func (a *BarArchive) Cleanup() (int64, error) {
	res, err := a.db.Exec(`DELETE FROM bar_archive WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clean bar archive: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		a.log.Info().Int64("rows", removed).Msg("Purged expired bar archives")
	}
	return removed, nil
}

// Count reports the number of archived series, expired rows included.
func (a *BarArchive) Count() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM bar_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bar archives: %w", err)
	}
	return n, nil
}
