package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural and cross-field errors.
// Call ApplyDefaults first so optional fields are populated.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", formatValidationErrors(verrs))
		}
		return err
	}

	return validateCrossField(cfg)
}

// validateCrossField enforces constraints spanning multiple sections.
func validateCrossField(cfg *Config) error {
	if cfg.Cluster.Enabled && cfg.Storage.Backend != BackendRedis {
		return fmt.Errorf("cluster mode requires the redis storage backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Cluster.LockTTL <= cfg.Cluster.ElectionInterval {
		return fmt.Errorf("cluster lock_ttl (%s) must exceed election_interval (%s)",
			cfg.Cluster.LockTTL, cfg.Cluster.ElectionInterval)
	}
	if cfg.Storage.Backend == BackendBadger && cfg.Storage.Path == "" {
		return errors.New("badger storage backend requires a data path")
	}
	if cfg.Transfer.ChunkSize > cfg.Transfer.MaxFileSize {
		return fmt.Errorf("transfer chunk_size (%s) exceeds max_file_size (%s)",
			cfg.Transfer.ChunkSize, cfg.Transfer.MaxFileSize)
	}
	if cfg.Transfer.ScanInterval > cfg.Transfer.AckTimeout {
		return fmt.Errorf("transfer scan_interval (%s) exceeds ack_timeout (%s), retries would lag",
			cfg.Transfer.ScanInterval, cfg.Transfer.AckTimeout)
	}
	return nil
}

// formatValidationErrors renders validator errors with config field paths
// instead of Go struct paths.
func formatValidationErrors(verrs validator.ValidationErrors) error {
	var msgs []error
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("field %s failed %q validation (value: %v)",
			fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(msgs...)
}
