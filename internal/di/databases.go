package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/database"
)

// InitializeDatabases opens both stores under the data directory.
// conductor.db runs the ledger profile because it is the book of
// record; cache.db runs the cache profile because every row in it can
// be refetched.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	conductorDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "conductor.db"),
		Profile: database.ProfileLedger,
		Name:    "conductor",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize conductor database: %w", err)
	}

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		conductorDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}

	log.Info().Str("dir", cfg.DataDir).Msg("Databases opened")
	return &Container{ConductorDB: conductorDB, CacheDB: cacheDB}, nil
}
