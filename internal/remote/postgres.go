package remote

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"offline-sync/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres applies mutations to one table per entity type.
type Postgres struct {
	pool *pgxpool.Pool
	db   execer
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, db: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := p.db.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func tableFor(t models.EntityType) (string, error) {
	switch t {
	case models.EntityTransaction:
		return "transactions", nil
	case models.EntityLocation:
		return "rider_locations", nil
	case models.EntityCheckpoint:
		return "checkpoints", nil
	case models.EntityStockMovement:
		return "stock_movements", nil
	case models.EntityAttendance:
		return "attendance", nil
	case models.EntityOrderUpdate:
		return "order_updates", nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnknownEntityType, t)
	}
}

// Apply runs the mutation. Inserts use ON CONFLICT DO NOTHING and report
// ErrAlreadyExists when the row was there; keyed streams are upserted only
// when newer than the stored row.
func (p *Postgres) Apply(ctx context.Context, m Mutation) error {
	table, err := tableFor(m.EntityType)
	if err != nil {
		return Rejected(err)
	}
	if m.Payload == nil {
		return Rejected(fmt.Errorf("%s: empty payload", m.ID))
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return Rejected(fmt.Errorf("marshal payload: %w", err))
	}
	key := m.Payload.RecordKey()

	if sk, ok := m.Payload.(models.StreamKeyed); ok && m.Operation != models.OpDelete {
		_, err := p.db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, mutation_id, data, recorded_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (id) DO UPDATE
			SET mutation_id = EXCLUDED.mutation_id, data = EXCLUDED.data, recorded_at = EXCLUDED.recorded_at, updated_at = NOW()
			WHERE %s.recorded_at < EXCLUDED.recorded_at
		`, table, table), key, m.ID, data, sk.StreamTime())
		// zero rows means a newer position is already stored
		return classifyPG(err)
	}

	switch m.Operation {
	case models.OpInsert:
		tag, err := p.db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, mutation_id, data, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (id) DO NOTHING
		`, table), key, m.ID, data)
		if err != nil {
			return classifyPG(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyExists
		}
		return nil
	case models.OpUpdate:
		tag, err := p.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET mutation_id = $2, data = $3, updated_at = NOW() WHERE id = $1
		`, table), key, m.ID, data)
		if err != nil {
			return classifyPG(err)
		}
		if tag.RowsAffected() == 0 {
			return Rejected(fmt.Errorf("%s %s: %w", m.EntityType, key, ErrNotFound))
		}
		return nil
	case models.OpDelete:
		_, err := p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), key)
		return classifyPG(err)
	default:
		return Rejected(fmt.Errorf("%w: %q", models.ErrInvalidOperation, m.Operation))
	}
}

// classifyPG maps data, integrity and syntax errors (SQLSTATE classes 22, 23
// and 42) to rejections; everything else is worth retrying.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 {
		if pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return Rejected(err)
		}
	}
	return Transient(err)
}
