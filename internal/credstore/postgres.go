package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool used by PGStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS gateway_documents (
	name       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PGStore keeps T as a JSONB document row, one row per name.
type PGStore[T any] struct {
	db   DB
	name string
}

func NewPGStore[T any](db DB, name string) *PGStore[T] {
	return &PGStore[T]{db: db, name: name}
}

// EnsureSchema creates the documents table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: create schema: %w", ErrStoreIO, err)
	}
	return nil
}

func (s *PGStore[T]) Load(ctx context.Context) (T, error) {
	var v T
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM gateway_documents WHERE name = $1`, s.name).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return v, ErrNotFound
		}
		return v, fmt.Errorf("%w: select %s: %w", ErrStoreIO, s.name, err)
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("%w: decode %s: %w", ErrStoreIO, s.name, err)
	}
	return v, nil
}

func (s *PGStore[T]) Save(ctx context.Context, v T) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreIO, s.name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO gateway_documents (name, doc, updated_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (name)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		s.name, string(doc), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrStoreIO, s.name, err)
	}
	return nil
}

func (s *PGStore[T]) Delete(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM gateway_documents WHERE name = $1`, s.name); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreIO, s.name, err)
	}
	return nil
}

func (s *PGStore[T]) HealthCheck(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

// PGPoolConfig tunes the pool opened by NewPool.
type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool opens a pgx pool and makes sure the documents table exists.
func NewPool(ctx context.Context, url string, pc PGPoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pc.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
