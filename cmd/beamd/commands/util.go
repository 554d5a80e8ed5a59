package commands

import (
	"fmt"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/config"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// getConfigSource describes where the configuration came from, for startup
// logging.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	return "defaults + environment (" + config.GetDefaultConfigPath() + " if present)"
}
