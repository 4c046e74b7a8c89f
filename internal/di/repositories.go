package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/internal/users"
)

// InitializeRepositories creates every store and applies its schema.
// Each repository owns its tables, so schema application is just
// walking the list.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	db := container.ConductorDB.Conn()
	container.Symphonies = symphony.NewRepository(db, log)
	container.Users = users.NewRepository(db, log)
	container.Orders = portfolio.NewOrderRepository(db, log)
	container.Positions = portfolio.NewPositionRepository(db, log)
	container.Trades = portfolio.NewTradeRepository(db, log)
	container.Executions = audit.NewExecutionRepository(db, log)
	container.Performance = audit.NewPerformanceRepository(db, log)
	container.Backtests = audit.NewBacktestRepository(db, log)
	container.Liquidations = audit.NewLiquidationRepository(db, log)

	// The bar archive is the one store on cache.db.
	container.Archive = marketdata.NewBarArchive(container.CacheDB.Conn(), log)

	stores := []struct {
		name  string
		store interface{ InitSchema() error }
	}{
		{"symphonies", container.Symphonies},
		{"users", container.Users},
		{"orders", container.Orders},
		{"positions", container.Positions},
		{"trades", container.Trades},
		{"executions", container.Executions},
		{"performance", container.Performance},
		{"backtests", container.Backtests},
		{"liquidations", container.Liquidations},
		{"bar archive", container.Archive},
	}
	for _, s := range stores {
		if err := s.store.InitSchema(); err != nil {
			return fmt.Errorf("failed to apply %s schema: %w", s.name, err)
		}
	}

	log.Info().Msg("All repositories initialized")
	return nil
}
