package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/backup"
	"github.com/origamihq/conductor/internal/calendar"
	"github.com/origamihq/conductor/internal/clients/alpaca"
	"github.com/origamihq/conductor/internal/clients/alphavantage"
	"github.com/origamihq/conductor/internal/clients/eodhd"
	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/evaluator"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/rebalance"
	"github.com/origamihq/conductor/internal/recovery"
	"github.com/origamihq/conductor/internal/scheduler"
	"github.com/origamihq/conductor/internal/users"
)

// InitializeServices builds the clients and the engine over the
// repositories. Construction makes no upstream calls except an eager
// redis ping, which falls back to the in-memory cache on failure.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.Bus = events.NewBus()
	container.Events = events.NewManager(container.Bus, log)
	container.Calendar = calendar.New(cfg.Location())

	providers, streamer, err := buildProviders(cfg, log)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		log.Warn().Msg("No market data provider configured; data requests will fail until one is")
	}

	container.Data = marketdata.NewService(providers, buildResponseCache(cfg, log), container.Calendar, cfg, log).
		WithArchive(container.Archive)
	if streamer != nil {
		container.Data.WithStreamer(streamer)
	}

	// The base broker client carries the service credentials. Per-user
	// clients are derived from it token by token.
	container.Broker = alpaca.NewClient(
		cfg.Broker.BaseURL,
		cfg.Broker.APIKey,
		cfg.Broker.APISecret,
		time.Duration(cfg.Broker.TimeoutSec)*time.Second,
		log,
	)
	oauth := alpaca.NewOAuthClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.APISecret, log)
	container.Tokens = users.NewTokenManager(container.Users, oauth, log)
	container.ResolveBroker = brokerResolver(container)

	container.Evaluator = evaluator.New(cfg.Allocation, log)
	container.Planner = planner.New(cfg.Planner, log)
	container.Executor = executor.New(
		container.Orders,
		container.Positions,
		container.Trades,
		container.Planner,
		container.Events,
		cfg.Window,
		log,
	)
	container.Reconciler = portfolio.NewReconciler(container.Positions, container.Symphonies, log)
	container.Arbiter = rebalance.NewArbiter(container.Calendar, cfg.Allocation, log)
	container.Recovery = recovery.NewHandler(
		container.Symphonies,
		container.Orders,
		container.Positions,
		container.Liquidations,
		container.Executor,
		container.Events,
		log,
	)

	if cfg.Backup.Enabled() {
		store, err := backup.NewS3Store(cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup storage: %w", err)
		}
		sources := []backup.Source{container.ConductorDB, container.CacheDB}
		container.Backup = backup.New(store, sources, cfg.DataDir, cfg.Backup.RetentionDays, container.Events, log)
	} else {
		log.Info().Msg("Backup storage not configured, nightly backup disabled")
	}

	container.Runner = scheduler.NewWindowRunner(scheduler.WindowDeps{
		Symphonies:  container.Symphonies,
		Users:       container.Users,
		Positions:   container.Positions,
		Executions:  container.Executions,
		Performance: container.Performance,
		Reconciler:  container.Reconciler,
		Arbiter:     container.Arbiter,
		Evaluator:   container.Evaluator,
		Planner:     container.Planner,
		Executor:    container.Executor,
		Recovery:    container.Recovery,
		Data:        container.Data,
		Tokens:      container.Tokens,
		Brokers:     func(accessToken string) domain.BrokerClient { return container.Broker.ForUser(accessToken) },
		Events:      container.Events,
	}, cfg.Window, log)

	log.Info().Msg("All services initialized")
	return nil
}

// buildProviders constructs the market data failover list in the
// configured priority order. A provider without credentials is dropped
// with a warning rather than failing startup; the facade degrades to
// whatever remains. The Alpha Vantage client doubles as the quote
// streamer when a stream endpoint is configured.
func buildProviders(cfg *config.Config, log zerolog.Logger) ([]marketdata.Provider, marketdata.Streamer, error) {
	var providers []marketdata.Provider
	var streamer marketdata.Streamer

	for _, name := range cfg.Providers.Priority {
		switch name {
		case "eodhd":
			if cfg.Providers.EODHDAPIKey == "" {
				log.Warn().Msg("EODHD API key not set, provider disabled")
				continue
			}
			providers = append(providers, eodhd.NewClient(cfg.Providers.EODHDBaseURL, cfg.Providers.EODHDAPIKey, log))

		case "alphavantage":
			if cfg.Providers.AlphaVantageAPIKey == "" {
				log.Warn().Msg("Alpha Vantage API key not set, provider disabled")
				continue
			}
			av := alphavantage.NewClient(cfg.Providers.AlphaVantageAPIKey, log).
				SetBaseURL(cfg.Providers.AlphaVantageBaseURL).
				SetStreamURL(cfg.Providers.AlphaVantageStreamURL)
			providers = append(providers, av)
			if cfg.Providers.AlphaVantageStreamURL != "" {
				streamer = av
			}

		default:
			return nil, nil, fmt.Errorf("unknown market data provider %q", name)
		}
	}
	return providers, streamer, nil
}

// buildResponseCache selects redis when an address is configured and it
// answers a ping, the in-memory cache otherwise. A dead redis at boot
// must not keep the engine from trading.
func buildResponseCache(cfg *config.Config, log zerolog.Logger) marketdata.Cache {
	if cfg.Cache.RedisAddr == "" {
		return marketdata.NewMemoryCache()
	}

	redisCache := marketdata.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisCache.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("Redis unreachable, using in-memory cache")
		return marketdata.NewMemoryCache()
	}
	log.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Response cache on redis")
	return redisCache
}

// brokerResolver produces a broker client bound to one user's access
// token, refreshing the token first when it is near expiry. The window
// runner resolves brokers itself; this closure serves startup redrive
// and the reconcile command.
func brokerResolver(container *Container) recovery.BrokerResolver {
	return func(ctx context.Context, userID string) (domain.BrokerClient, error) {
		user, err := container.Users.Get(userID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, domain.E(domain.KindBrokerAuth, "user %s not found", userID)
		}
		if !user.Active {
			return nil, domain.E(domain.KindBrokerAuth, "user %s is deactivated", userID)
		}
		token, err := container.Tokens.EnsureFresh(ctx, user)
		if err != nil {
			return nil, err
		}
		return container.Broker.ForUser(token), nil
	}
}
