package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_entries_client_created ON transcript_entries (client_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	entry = normalize(entry)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_entries (id, client_id, kind, text, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID,
		entry.ClientID,
		string(entry.Kind),
		entry.Text,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, clientID string, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, client_id, kind, text, created_at
			 FROM transcript_entries WHERE client_id=$1 ORDER BY created_at DESC LIMIT $2`,
			clientID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, client_id, kind, text, created_at
			 FROM transcript_entries WHERE client_id=$1 AND kind=$2 ORDER BY created_at DESC LIMIT $3`,
			clientID, string(kind), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e Entry
			k string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &k, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.Kind = Kind(k)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
