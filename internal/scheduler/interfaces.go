package scheduler

import (
	"context"
	"time"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/marketdata"
)

// The runner depends on narrow views of its collaborators so tests can
// substitute scripted implementations. The market data service, the
// token manager, and the database wrapper satisfy these as-is.

// MarketData is the slice of the market data facade the window uses.
type MarketData interface {
	MarketStatus(now time.Time) marketdata.MarketStatus
	Warmup(ctx context.Context, symbols []string) (int, error)
	BatchQuotes(ctx context.Context, symbols []string) (map[string]*domain.Quote, []string, error)
	Historical(ctx context.Context, symbol string, start, end time.Time, interval marketdata.Interval) ([]domain.Bar, error)
	Fundamentals(ctx context.Context, symbol string) (*domain.Fundamentals, error)
}

// TokenSource produces a working broker access token for a user,
// refreshing it first when it is about to expire.
type TokenSource interface {
	EnsureFresh(ctx context.Context, user *domain.User) (string, error)
}

// BrokerFactory binds a broker client to one user's access token.
type BrokerFactory func(accessToken string) domain.BrokerClient

// ArchiveCleaner removes expired rows from the bar archive.
type ArchiveCleaner interface {
	Cleanup() (int64, error)
}

// Checkpointer is a database that can compact its write-ahead log.
type Checkpointer interface {
	Name() string
	WALCheckpoint(mode string) error
}

// Backupper runs one backup cycle. Nil disables the nightly backup.
type Backupper interface {
	Run(ctx context.Context) error
}
