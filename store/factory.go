package store

import (
	"fmt"

	"gorm.io/gorm"
)

// Config selects and configures the repository backends.
type Config struct {
	// Backend selects the primary backend for all repositories.
	Backend Backend `json:"backend" yaml:"backend"`

	// StateBackend optionally overrides the backend for state only,
	// so task/log/history rows can live in SQL while hot state lives
	// in Redis. Empty means "same as Backend".
	StateBackend Backend `json:"state_backend" yaml:"state_backend"`

	// Redis configuration (used when a backend is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		Redis:   DefaultRedisConfig(),
	}
}

// Open builds the repository bundle for the configuration. The GORM
// handle is required only when a backend is "database"; the caller
// keeps ownership of it and of its lifecycle.
func Open(cfg Config, db *gorm.DB) (*Stores, error) {
	var stores *Stores

	switch cfg.Backend {
	case BackendMemory, "":
		stores = NewMemoryStores()
	case BackendDatabase:
		if db == nil {
			return nil, fmt.Errorf("backend %q requires a database handle", cfg.Backend)
		}
		if err := AutoMigrate(db); err != nil {
			return nil, err
		}
		stores = NewGormStores(db)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}

	stateBackend := cfg.StateBackend
	if stateBackend == "" {
		stateBackend = cfg.Backend
	}
	if stateBackend == BackendRedis {
		state, err := NewRedisStateRepository(cfg.Redis)
		if err != nil {
			return nil, err
		}
		stores.State = state
		stores.closers = append(stores.closers, state.Close)
	}

	return stores, nil
}
