// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapeline/scrapeline/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for article rows.
type Config struct {
	DSN             string
	ArticlesTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store persists articles and their related entities in Postgres.
type Store struct {
	pool  txPool
	ids   ingest.IDGenerator
	clock ingest.Clock
	table string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config, ids ingest.IDGenerator, clock ingest.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.ArticlesTable, ids, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool txPool, table string, ids ingest.IDGenerator, clock ingest.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = "articles"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, ids: ids, clock: clock, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertArticle writes one candidate keyed by canonical URL inside a single
// transaction. The WHERE clause on the conflict update makes a same-hash
// write a no-op, which surfaces as LoadUnchanged via ErrNoRows.
func (s *Store) UpsertArticle(ctx context.Context, candidate ingest.ArticleCandidate) (ingest.LoadOutcome, error) {
	if candidate.CanonicalURL == "" {
		return ingest.LoadError, fmt.Errorf("canonical url is required")
	}

	newID, err := s.ids.NewID()
	if err != nil {
		return ingest.LoadError, fmt.Errorf("generate article id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		// Failing to even open a transaction is a connection-level fault,
		// not a row-level one.
		return ingest.LoadError, fmt.Errorf("begin upsert: %w: %w", ingest.ErrStorageUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := s.clock.Now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	canonical_url,
	title,
	body_text,
	content_hash,
	author_id,
	fetched_at,
	created_at,
	modified_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$8
)
ON CONFLICT (canonical_url) DO UPDATE SET
	title = EXCLUDED.title,
	body_text = EXCLUDED.body_text,
	content_hash = EXCLUDED.content_hash,
	author_id = EXCLUDED.author_id,
	fetched_at = EXCLUDED.fetched_at,
	modified_at = EXCLUDED.modified_at
WHERE %s.content_hash <> EXCLUDED.content_hash
RETURNING id, (xmax = 0) AS inserted`, s.table, s.table)

	var (
		articleID string
		inserted  bool
	)
	err = tx.QueryRow(ctx, query,
		newID,
		candidate.CanonicalURL,
		candidate.Title,
		candidate.Text,
		candidate.ContentHash,
		nullable(candidate.AuthorID),
		candidate.FetchedAt,
		now,
	).Scan(&articleID, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return ingest.LoadError, fmt.Errorf("commit upsert: %w", err)
		}
		return ingest.LoadUnchanged, nil
	}
	if err != nil {
		return ingest.LoadError, fmt.Errorf("upsert article: %w", translateConflict(err))
	}

	if err := s.replaceTags(ctx, tx, articleID, candidate.TagIDs); err != nil {
		return ingest.LoadError, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.LoadError, fmt.Errorf("commit upsert: %w", err)
	}
	if inserted {
		return ingest.LoadAdded, nil
	}
	return ingest.LoadUpdated, nil
}

func (s *Store) replaceTags(ctx context.Context, tx pgx.Tx, articleID string, tagIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM article_tags WHERE article_id = $1`, articleID); err != nil {
		return fmt.Errorf("clear article tags: %w", err)
	}
	for _, tagID := range tagIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO article_tags (article_id, related_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			articleID, tagID)
		if err != nil {
			return fmt.Errorf("attach tag %s: %w", tagID, err)
		}
	}
	return nil
}

// FindOrCreateRelated resolves a (kind, natural key) pair to a stable id,
// creating the row on first sight. The insert-or-select runs as one
// statement so concurrent callers converge on the same id.
func (s *Store) FindOrCreateRelated(ctx context.Context, kind ingest.RelatedKind, naturalKey string) (string, error) {
	if naturalKey == "" {
		return "", fmt.Errorf("natural key is required")
	}
	newID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate related id: %w", err)
	}
	query := `
WITH ins AS (
	INSERT INTO related_entities (id, kind, natural_key)
	VALUES ($1, $2, $3)
	ON CONFLICT (kind, natural_key) DO NOTHING
	RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM related_entities WHERE kind = $2 AND natural_key = $3
LIMIT 1`

	var id string
	err = s.pool.QueryRow(ctx, query, newID, string(kind), naturalKey).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("find or create %s %q: %w", kind, naturalKey, err)
	}
	return id, nil
}

// translateConflict maps serialization and deadlock failures, which only
// happen when two writers race on the same row, onto ErrLoadConflict.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ingest.ErrLoadConflict, pgErr.Message)
		}
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
