package cli

import (
	"context"

	"github.com/fieldtofork/platform/experiment-engine/internal/config"
	"github.com/fieldtofork/platform/experiment-engine/internal/logging"
	"github.com/fieldtofork/platform/experiment-engine/internal/service"
)

// openRuntime builds the engine from the environment. The returned Runtime
// owns the logger; Close flushes it.
func openRuntime(ctx context.Context) (*service.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	rt, err := service.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return rt, nil
}
