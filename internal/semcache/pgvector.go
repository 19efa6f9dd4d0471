package semcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorIndex stores entries in Postgres and searches with the pgvector
// cosine distance operator.
type PGVectorIndex struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewPGVectorIndex creates an index over the semantic_cache table.
func NewPGVectorIndex(pool *pgxpool.Pool, dimension int) *PGVectorIndex {
	return &PGVectorIndex{pool: pool, dimension: dimension}
}

// EnsureSchema creates the extension, table and ANN index if missing.
func (p *PGVectorIndex) EnsureSchema(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("pgvector index: no database pool")
	}
	if p.dimension <= 0 {
		return fmt.Errorf("pgvector index: dimension must be positive, got %d", p.dimension)
	}
	schema := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS semantic_cache (
		id          BIGSERIAL PRIMARY KEY,
		query_text  TEXT NOT NULL,
		embedding   vector(%d) NOT NULL,
		response    TEXT NOT NULL,
		model       TEXT NOT NULL,
		cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		metadata    JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_semantic_cache_embedding
		ON semantic_cache USING hnsw (embedding vector_cosine_ops);
	`, p.dimension)

	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating semantic cache schema: %w", err)
	}
	return nil
}

// Add inserts an entry.
func (p *PGVectorIndex) Add(ctx context.Context, e Entry) error {
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if e.Metadata == nil {
		md = []byte("{}")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO semantic_cache (query_text, embedding, response, model, cost_usd, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.QueryText, pgvector.NewVector(e.Embedding), e.Response, e.Model, e.Cost, string(md), e.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting cache entry: %w", err)
	}
	return nil
}

// Nearest returns the closest entry by cosine distance.
func (p *PGVectorIndex) Nearest(ctx context.Context, vec []float32) (Match, bool, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT query_text, response, model, cost_usd, metadata::text, created_at,
		       embedding <=> $1 AS distance
		FROM semantic_cache
		ORDER BY embedding <=> $1
		LIMIT 1
	`, pgvector.NewVector(vec))
	if err != nil {
		return Match{}, false, fmt.Errorf("querying nearest entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Match{}, false, rows.Err()
	}

	var (
		e        Entry
		rawMeta  string
		distance float64
	)
	if err := rows.Scan(&e.QueryText, &e.Response, &e.Model, &e.Cost, &rawMeta, &e.Timestamp, &distance); err != nil {
		return Match{}, false, fmt.Errorf("scanning nearest entry: %w", err)
	}
	if rawMeta != "" && rawMeta != "{}" {
		if err := json.Unmarshal([]byte(rawMeta), &e.Metadata); err != nil {
			return Match{}, false, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return Match{Entry: e, Similarity: similarityFromDistance(distance)}, true, rows.Err()
}

// Len counts stored entries.
func (p *PGVectorIndex) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM semantic_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

// Trim deletes everything but the newest max entries.
func (p *PGVectorIndex) Trim(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM semantic_cache
		WHERE id IN (SELECT id FROM semantic_cache ORDER BY id DESC OFFSET $1)
	`, max)
	if err != nil {
		return 0, fmt.Errorf("trimming cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Reset removes every entry.
func (p *PGVectorIndex) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE semantic_cache`); err != nil {
		return fmt.Errorf("truncating semantic cache: %w", err)
	}
	return nil
}
