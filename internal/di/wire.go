// Package di wires the engine. Wire runs four phases in order:
// databases, repositories, services, jobs. Each phase only reads what
// earlier phases put on the container, so the build order is the
// dependency order.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/config"
)

// Wire initializes every dependency and returns the loaded container.
// On failure the databases opened so far are closed before returning.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeRepositories(container, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	return container, nil
}
