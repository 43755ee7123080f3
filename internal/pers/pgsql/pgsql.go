// Package pgsql is the PostgreSQL persistence back end: one JSONB blob
// per entity, keyed by TSID.
package pgsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ElevenGiants/eleven-server-sub000/internal/pers/pgsql/migrations"
)

// Store implements pers.Backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate runs the embedded goose migrations on the given DSN.
func Migrate(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, tsid string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM objects WHERE tsid = $1`, tsid,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying object %s: %w", tsid, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", tsid, err)
	}
	return body, nil
}

func (s *Store) Write(ctx context.Context, body map[string]any, soft bool) error {
	tsid, ok := body["tsid"].(string)
	if !ok || tsid == "" {
		return fmt.Errorf("body without tsid")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding object %s: %w", tsid, err)
	}
	if soft {
		// Fire-and-forget: low-priority writes do not hold up the
		// commit phase; failures are logged only.
		go func() {
			if err := s.upsert(context.Background(), tsid, raw); err != nil {
				slog.Warn("soft write failed", "tsid", tsid, "error", err)
			}
		}()
		return nil
	}
	return s.upsert(ctx, tsid, raw)
}

func (s *Store) upsert(ctx context.Context, tsid string, raw []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO objects (tsid, body, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tsid) DO UPDATE SET body = $2, updated_at = now()`,
		tsid, raw,
	)
	if err != nil {
		return fmt.Errorf("upserting object %s: %w", tsid, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, tsid string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE tsid = $1`, tsid)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", tsid, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
