package commands

import (
	"fmt"

	"github.com/marmos91/cloudcached/internal/logger"
	"github.com/marmos91/cloudcached/pkg/config"
)

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	return nil
}
