package store

import (
	"log/slog"

	"github.com/KafClaw/engram/internal/config"
)

// Open constructs the Store selected by cfg.Backend, validating the field
// combinations the chosen backend actually uses. Callers are responsible
// for calling Close on the returned Store when it implements io.Closer.
func Open(cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendEmbedded:
		if cfg.DSN != "" {
			return nil, InvalidInput("embedded backend does not accept a dsn")
		}
		if cfg.InMemory {
			return OpenSQLite("", true, log)
		}
		if cfg.Path == "" {
			return nil, InvalidInput("embedded backend requires a path when in_memory is false")
		}
		return OpenSQLite(cfg.Path, false, log)

	case config.BackendPostgres:
		if cfg.InMemory {
			return nil, InvalidInput("postgres backend does not support in_memory")
		}
		if cfg.DSN == "" {
			return nil, InvalidInput("postgres backend requires a dsn")
		}
		return OpenPostgres(cfg.DSN, cfg.Database, cfg.MaxOpenConns, cfg.MaxIdleConns, log)

	case config.BackendMySQL:
		if cfg.InMemory {
			return nil, InvalidInput("mysql backend does not support in_memory")
		}
		if cfg.DSN == "" {
			return nil, InvalidInput("mysql backend requires a dsn")
		}
		return OpenMySQL(cfg.DSN, cfg.Database, cfg.MaxOpenConns, cfg.MaxIdleConns, log)

	default:
		return nil, InvalidInput("unknown store backend: " + string(cfg.Backend))
	}
}
