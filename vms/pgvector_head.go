package vms

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	memory "github.com/mira-labs/mira-memory"
)

// PgvectorHead stores one head's embeddings in a dedicated Postgres table
// with a pgvector column, generalizing the teacher's agent_messages.embedding
// column (supabase.go) into a per-head table so each head can have its own
// fixed dimension.
type PgvectorHead struct {
	db    *pgxpool.Pool
	table string
	dim   int
}

// NewPgvectorHead creates (or reuses) a table for one head. It fails with
// memory.ErrIncompatibleDim if the table already exists with a different
// vector dimension.
func NewPgvectorHead(ctx context.Context, db *pgxpool.Pool, headName string, dim int) (*PgvectorHead, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dim must be positive", memory.ErrInvalidInput)
	}
	table := "vms_head_" + headName

	var existingDim int
	err := db.QueryRow(ctx, `
		SELECT atttypmod - 4 FROM pg_attribute
		JOIN pg_class ON pg_class.oid = pg_attribute.attrelid
		WHERE pg_class.relname = $1 AND attname = 'embedding'
	`, table).Scan(&existingDim)
	if err == nil && existingDim > 0 && existingDim != dim {
		return nil, fmt.Errorf("%w: head %q has dim %d, requested %d", memory.ErrIncompatibleDim, headName, existingDim, dim)
	}

	schema := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %[1]s (
			entry_id BIGINT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			tags TEXT[],
			embedding vector(%[2]d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_session ON %[1]s (session_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding ON %[1]s
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64);
	`, table, dim)
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("%w: ensure head table: %v", memory.ErrVectorUnavailable, err)
	}

	return &PgvectorHead{db: db, table: table, dim: dim}, nil
}

// Dim implements Head.
func (h *PgvectorHead) Dim() int { return h.dim }

// Upsert implements Head.
func (h *PgvectorHead) Upsert(ctx context.Context, entryID int64, vector []float32, payload Payload) error {
	if len(vector) != h.dim {
		return fmt.Errorf("%w: vector has %d dims, head wants %d", memory.ErrInvalidInput, len(vector), h.dim)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (entry_id, session_id, role, tags, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entry_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			role = EXCLUDED.role,
			tags = EXCLUDED.tags,
			embedding = EXCLUDED.embedding
	`, h.table)
	_, err := h.db.Exec(ctx, query, entryID, payload.SessionID, payload.Role, payload.Tags, pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// Search implements Head.
func (h *PgvectorHead) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	query := fmt.Sprintf(`
		SELECT entry_id, session_id, role, tags, (2 - (embedding <=> $1::vector)) / 2 as score
		FROM %s
		WHERE ($2 = '' OR session_id = $2)
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, h.table)

	rows, err := h.db.Query(ctx, query, pgvector.NewVector(vector), filter.SessionID, k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", memory.ErrVectorUnavailable, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var role string
		if err := rows.Scan(&hit.EntryID, &hit.Payload.SessionID, &role, &hit.Payload.Tags, &hit.Score); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", memory.ErrVectorUnavailable, err)
		}
		hit.Payload.Role = memory.Role(role)
		hit.Payload.EntryID = hit.EntryID
		if matchesTags(hit.Payload.Tags, filter.AnyTags) {
			hits = append(hits, hit)
		}
	}
	SortHits(hits)
	return hits, rows.Err()
}

func matchesTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Delete implements Head.
func (h *PgvectorHead) Delete(ctx context.Context, entryID int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE entry_id = $1`, h.table)
	_, err := h.db.Exec(ctx, query, entryID)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// HealthCheck implements Head.
func (h *PgvectorHead) HealthCheck(ctx context.Context) error {
	if err := h.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// Close implements Head. The pool is shared across heads built on the same
// *pgxpool.Pool, so this is a no-op; the RLS PostgresStore (or whoever
// created the pool) owns its lifecycle.
func (h *PgvectorHead) Close() error { return nil }

var _ Head = (*PgvectorHead)(nil)
