package evidence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
)

// OpenConfig selects and locates a store.
type OpenConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`  // postgres connection string
	Path   string `mapstructure:"path"` // pebble directory
}

// Opened is a store plus the resources backing it. Pool is nil unless the
// driver is postgres; callers reuse it for the journal and receipts.
type Opened struct {
	Store Store
	Pool  *pgxpool.Pool
	close func()
}

// Close releases the store's resources.
func (o *Opened) Close() {
	if o.close != nil {
		o.close()
	}
}

// Open connects to the configured store.
func Open(ctx context.Context, cfg OpenConfig, logger *zap.Logger) (*Opened, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		db, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &Opened{Store: NewPostgresStore(db, logger), Pool: db, close: db.Close}, nil

	case DriverPebble:
		s, err := OpenPebbleStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened pebble store", zap.String("path", cfg.Path))
		return &Opened{Store: s, close: func() {
			if err := s.Close(); err != nil {
				logger.Warn("close pebble store", zap.Error(err))
			}
		}}, nil

	case DriverMemory:
		logger.Warn("using in-memory store; records are lost on exit")
		return &Opened{Store: NewMemoryStore()}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
