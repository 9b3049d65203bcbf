package remote

import (
	"context"
	"fmt"
	"log/slog"

	"offline-sync/internal/config"
)

// Open connects the backend named by cfg.RemoteBackend, wraps it with the
// configured per-call timeout, and returns a closer for the connection.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		svc    Service
		closer = func() {}
	)
	switch cfg.RemoteBackend {
	case "", "memory":
		logger.Warn("using in-memory remote service; data is not durable")
		svc = NewMemory()
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		svc, closer = pg, pg.Close
	case "mongo":
		m, err := ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		svc, closer = m, func() { _ = m.Close(context.Background()) }
	default:
		return nil, nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
	return WithTimeout(svc, cfg.RemoteTimeout), closer, nil
}
