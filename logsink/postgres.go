package logsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createStreamLogsTable = `CREATE TABLE IF NOT EXISTS stream_logs (
	id BIGSERIAL PRIMARY KEY,
	stream_id TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`
	insertStreamLog = `INSERT INTO stream_logs (stream_id, level, message, created_at) VALUES ($1, $2, $3, $4)`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Postgres appends entries to the stream_logs table.
type Postgres struct {
	db execer
}

func NewPostgres(db execer) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects a pool and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createStreamLogsTable); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create stream_logs table: %w", err)
	}
	return NewPostgres(pool), pool, nil
}

func (p *Postgres) Append(ctx context.Context, entry Entry) error {
	if _, err := p.db.Exec(ctx, insertStreamLog, string(entry.StreamId), string(entry.Level), entry.Message, entry.Time); err != nil {
		return fmt.Errorf("insert stream log: %w", err)
	}
	return nil
}
