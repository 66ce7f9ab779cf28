package visit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store drivers accepted by Open
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// OpenConfig selects and addresses the backing store
type OpenConfig struct {
	Driver        string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// Opened is a connected store plus its lifecycle hooks
type Opened struct {
	Store Store
	Ping  func(ctx context.Context) error
	Close func()
}

// Open connects to the configured driver and verifies connectivity
func Open(ctx context.Context, cfg OpenConfig, logger *zap.Logger) (*Opened, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to database", zap.String("driver", cfg.Driver))
		return &Opened{
			Store: NewPostgresStore(pool, logger),
			Ping:  pool.Ping,
			Close: pool.Close,
		}, nil

	case DriverMongo:
		db, err := ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to database",
			zap.String("driver", cfg.Driver),
			zap.String("database", cfg.MongoDatabase))
		client := db.Client()
		return &Opened{
			Store: NewMongoStore(db, logger),
			Ping:  func(ctx context.Context) error { return client.Ping(ctx, nil) },
			Close: func() {
				if err := client.Disconnect(context.Background()); err != nil {
					logger.Warn("mongo disconnect failed", zap.Error(err))
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
