package persist

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"offline-sync/internal/config"
)

// Open builds the adapter named by cfg.PersistBackend. When the backend
// cannot be reached it logs and falls back to Memory, so the queue keeps
// working without durability. The returned closer is never nil.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Adapter, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	a, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Warn("persistence backend unavailable, using memory", "backend", cfg.PersistBackend, "err", err)
		a = NewMemory()
	}
	closer := func() error { return nil }
	if c, ok := a.(io.Closer); ok {
		closer = c.Close
	}
	if cfg.PersistCompress {
		a = NewCompressed(a)
	}
	return a, closer
}

func openBackend(ctx context.Context, cfg config.Config) (Adapter, error) {
	switch cfg.PersistBackend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		r := NewRedis(cfg)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return r, nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistBackend)
	}
}
