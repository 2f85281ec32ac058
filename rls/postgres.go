package rls

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	memory "github.com/mira-labs/mira-memory"
)

// PostgresStore is the RLS backend used in production, generalized from the
// teacher's SupabaseMemory schema (agent_messages/agent_summaries) into
// memory_entries/summaries/session_cursors.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, memory.NewOpError("rls.NewPostgresStore", "parse database url", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", memory.ErrStorageUnavailable, err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, memory.NewOpError("rls.NewPostgresStore", "init schema", err)
	}
	return s, nil
}

// Pool exposes the underlying connection pool so other components (namely
// vms.PgvectorHead) can share it instead of opening a second pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.db }

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			salience DOUBLE PRECISION,
			tags TEXT[],
			summary TEXT,
			memory_type TEXT,
			routed_heads TEXT[],
			analysis_state TEXT NOT NULL DEFAULT 'pending',
			language TEXT,
			programming_lang TEXT,
			error_type TEXT,
			error_severity TEXT,
			moderated BOOLEAN NOT NULL DEFAULT FALSE,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			error_kind TEXT,
			UNIQUE (session_id, timestamp, role, content_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_entries_session_ts ON memory_entries (session_id, timestamp DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_pending ON memory_entries (analysis_state, timestamp);

		CREATE TABLE IF NOT EXISTS summaries (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			window_end BIGINT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries (session_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS session_cursors (
			session_id TEXT PRIMARY KEY,
			last_analyzed_timestamp TIMESTAMPTZ,
			messages_since_last_rolling_summary INT NOT NULL DEFAULT 0,
			last_rolling_summary_window_end_id BIGINT NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, entry *memory.MemoryEntry) (int64, error) {
	if entry.Content == "" {
		return 0, fmt.Errorf("%w: content must be non-empty", memory.ErrInvalidInput)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ContentHash = contentHash(entry.Content)
	if entry.AnalysisState == "" {
		entry.AnalysisState = memory.AnalysisPending
	}

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO memory_entries (session_id, role, content, content_hash, timestamp, analysis_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.SessionID, entry.Role, entry.Content, entry.ContentHash, entry.Timestamp, entry.AnalysisState).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return 0, memory.ErrConflict
		}
		return 0, fmt.Errorf("%w: append: %v", memory.ErrStorageUnavailable, err)
	}

	entry.ID = id
	return id, nil
}

func scanEntry(row pgx.Row) (memory.MemoryEntry, error) {
	var e memory.MemoryEntry
	var tags, routedHeads []string
	var salience *float64
	var memType, lang, progLang, errType, errSev, claimedBy, errKind *string
	var claimedAt *time.Time

	err := row.Scan(
		&e.ID, &e.SessionID, &e.Role, &e.Content, &e.ContentHash, &e.Timestamp,
		&salience, &tags, &e.Summary, &memType, &routedHeads, &e.AnalysisState,
		&lang, &progLang, &errType, &errSev, &e.Moderated,
		&claimedBy, &claimedAt, &errKind,
	)
	if err != nil {
		return e, err
	}

	e.Salience = salience
	e.Tags = tags
	if memType != nil {
		e.MemoryType = memory.MemoryType(*memType)
	}
	for _, h := range routedHeads {
		e.RoutedHeads = append(e.RoutedHeads, memory.Head(h))
	}
	if lang != nil {
		e.Language = *lang
	}
	if progLang != nil {
		e.ProgrammingLang = *progLang
	}
	if errType != nil {
		e.ErrorType = *errType
	}
	if errSev != nil {
		e.ErrorSeverity = *errSev
	}
	if claimedBy != nil {
		e.ClaimedBy = *claimedBy
	}
	e.ClaimedAt = claimedAt
	if errKind != nil {
		e.ErrorKind = *errKind
	}
	return e, nil
}

const selectCols = `
	id, session_id, role, content, content_hash, timestamp,
	salience, tags, summary, memory_type, routed_heads, analysis_state,
	language, programming_lang, error_type, error_severity, moderated,
	claimed_by, claimed_at, error_kind
`

// LoadRecent implements Store.
func (s *PostgresStore) LoadRecent(ctx context.Context, sessionID string, n int) ([]memory.MemoryEntry, error) {
	if n <= 0 {
		return []memory.MemoryEntry{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+selectCols+`
		FROM memory_entries
		WHERE session_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: load_recent: %v", memory.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []memory.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: load_recent scan: %v", memory.ErrStorageUnavailable, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadPending implements Store.
func (s *PostgresStore) LoadPending(ctx context.Context, limit int) ([]memory.MemoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectCols+`
		FROM memory_entries
		WHERE analysis_state = $1
		ORDER BY timestamp ASC
		LIMIT $2
	`, memory.AnalysisPending, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load_pending: %v", memory.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []memory.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: load_pending scan: %v", memory.ErrStorageUnavailable, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadAnalyzed implements Store.
func (s *PostgresStore) LoadAnalyzed(ctx context.Context, limit int) ([]memory.MemoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+selectCols+`
		FROM memory_entries
		WHERE analysis_state = $1
		ORDER BY timestamp ASC
		LIMIT $2
	`, memory.AnalysisAnalyzed, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load_analyzed: %v", memory.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []memory.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: load_analyzed scan: %v", memory.ErrStorageUnavailable, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimPending implements Store: claims pending entries, plus any in_progress
// entries whose claim has gone stale, in one transaction.
func (s *PostgresStore) ClaimPending(ctx context.Context, owner string, limit int, staleAfter time.Duration) ([]memory.MemoryEntry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: claim begin: %v", memory.ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	staleCutoff := time.Now().Add(-staleAfter)

	rows, err := tx.Query(ctx, `
		SELECT id FROM memory_entries
		WHERE analysis_state = $1
		   OR (analysis_state = $2 AND claimed_at < $3)
		ORDER BY timestamp ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, memory.AnalysisPending, memory.AnalysisInProgress, staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim select: %v", memory.ErrStorageUnavailable, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE memory_entries
		SET analysis_state = $1, claimed_by = $2, claimed_at = $3
		WHERE id = ANY($4)
	`, memory.AnalysisInProgress, owner, now, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: claim update: %v", memory.ErrStorageUnavailable, err)
	}

	claimedRows, err := tx.Query(ctx, `SELECT `+selectCols+` FROM memory_entries WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	var out []memory.MemoryEntry
	for claimedRows.Next() {
		e, err := scanEntry(claimedRows)
		if err != nil {
			claimedRows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	claimedRows.Close()
	if err := claimedRows.Err(); err != nil {
		return nil, err
	}

	return out, tx.Commit(ctx)
}

// UpdateMetadata implements Store.
func (s *PostgresStore) UpdateMetadata(ctx context.Context, id int64, patch Patch) (memory.MemoryEntry, error) {
	if patch.Salience != nil && (*patch.Salience < 0 || *patch.Salience > 1) {
		return memory.MemoryEntry{}, fmt.Errorf("%w: salience %v out of [0,1]", memory.ErrInvalidInput, *patch.Salience)
	}

	sets := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.AnalysisState != nil {
		sets = append(sets, "analysis_state = "+arg(*patch.AnalysisState))
	}
	if patch.Salience != nil {
		sets = append(sets, "salience = "+arg(*patch.Salience))
	}
	if patch.Tags != nil {
		sets = append(sets, "tags = "+arg(patch.Tags))
	}
	if patch.Summary != nil {
		sets = append(sets, "summary = "+arg(*patch.Summary))
	}
	if patch.MemoryType != nil {
		sets = append(sets, "memory_type = "+arg(*patch.MemoryType))
	}
	if patch.RoutedHeads != nil {
		heads := make([]string, len(patch.RoutedHeads))
		for i, h := range patch.RoutedHeads {
			heads[i] = string(h)
		}
		sets = append(sets, "routed_heads = "+arg(heads))
	}
	if patch.Language != nil {
		sets = append(sets, "language = "+arg(*patch.Language))
	}
	if patch.ProgrammingLang != nil {
		sets = append(sets, "programming_lang = "+arg(*patch.ProgrammingLang))
	}
	if patch.ErrorType != nil {
		sets = append(sets, "error_type = "+arg(*patch.ErrorType))
	}
	if patch.ErrorSeverity != nil {
		sets = append(sets, "error_severity = "+arg(*patch.ErrorSeverity))
	}
	if patch.Moderated != nil {
		sets = append(sets, "moderated = "+arg(*patch.Moderated))
	}
	if patch.ErrorKind != nil {
		sets = append(sets, "error_kind = "+arg(*patch.ErrorKind))
	}
	if patch.ClearClaim {
		sets = append(sets, "claimed_by = NULL", "claimed_at = NULL")
	} else if patch.ClaimedBy != "" {
		sets = append(sets, "claimed_by = "+arg(patch.ClaimedBy))
		sets = append(sets, "claimed_at = "+arg(patch.ClaimedAt))
	}

	if len(sets) == 0 {
		e, err := s.getByID(ctx, id)
		return e, err
	}

	query := "UPDATE memory_entries SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = " + arg(id)

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return memory.MemoryEntry{}, fmt.Errorf("%w: update_metadata: %v", memory.ErrStorageUnavailable, err)
	}

	return s.getByID(ctx, id)
}

// GetByID returns a single entry by id, used by the recall engine to hydrate
// VMS hits (which only carry a thin Payload) back into full MemoryEntry rows.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (memory.MemoryEntry, error) {
	return s.getByID(ctx, id)
}

func (s *PostgresStore) getByID(ctx context.Context, id int64) (memory.MemoryEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectCols+` FROM memory_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, memory.ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("%w: get_by_id: %v", memory.ErrStorageUnavailable, err)
	}
	return e, nil
}

// ResetFailed implements Store.
func (s *PostgresStore) ResetFailed(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE memory_entries
		SET analysis_state = $1, claimed_by = NULL, claimed_at = NULL, error_kind = NULL
		WHERE id = $2 AND analysis_state = $3
	`, memory.AnalysisPending, id, memory.AnalysisFailed)
	if err != nil {
		return fmt.Errorf("%w: reset_failed: %v", memory.ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM memory_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", memory.ErrStorageUnavailable, err)
	}
	return nil
}

// DecayTick implements Store: applies exponential salience decay and evicts
// entries below the floor whose timestamp is older than the grace period, in
// one transaction (§4.5). Time spent below the floor is not tracked.
func (s *PostgresStore) DecayTick(ctx context.Context, rule DecayRule) (DecayStats, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return DecayStats{}, fmt.Errorf("%w: decay begin: %v", memory.ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	now := rule.Now
	if now.IsZero() {
		now = time.Now()
	}

	// salience_new = salience_old * exp(-dt_hours / tau), clamped [0,1].
	updateTag, err := tx.Exec(ctx, `
		UPDATE memory_entries
		SET salience = GREATEST(0, LEAST(1,
			salience * EXP(-EXTRACT(EPOCH FROM ($1 - timestamp)) / 3600.0 / $2)
		))
		WHERE salience IS NOT NULL AND analysis_state = $3
	`, now, rule.TauHours, memory.AnalysisAnalyzed)
	if err != nil {
		return DecayStats{}, fmt.Errorf("%w: decay update: %v", memory.ErrStorageUnavailable, err)
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM memory_entries
		WHERE salience IS NOT NULL
		  AND salience < $1
		  AND timestamp < $2
		RETURNING id
	`, rule.SalienceFloor, now.Add(-time.Duration(rule.EvictGraceHours*float64(time.Hour))))
	if err != nil {
		return DecayStats{}, fmt.Errorf("%w: decay evict: %v", memory.ErrStorageUnavailable, err)
	}
	var evictedIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return DecayStats{}, fmt.Errorf("%w: decay evict scan: %v", memory.ErrStorageUnavailable, err)
		}
		evictedIDs = append(evictedIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DecayStats{}, fmt.Errorf("%w: decay evict rows: %v", memory.ErrStorageUnavailable, err)
	}

	stats := DecayStats{
		RowsUpdated: int(updateTag.RowsAffected()),
		RowsEvicted: len(evictedIDs),
		EvictedIDs:  evictedIDs,
	}
	if err := tx.Commit(ctx); err != nil {
		return DecayStats{}, fmt.Errorf("%w: decay commit: %v", memory.ErrStorageUnavailable, err)
	}
	log.Debug().Int("rows_updated", stats.RowsUpdated).Int("rows_evicted", stats.RowsEvicted).Msg("rls: decay tick complete")
	return stats, nil
}

// AppendSummary implements Store.
func (s *PostgresStore) AppendSummary(ctx context.Context, sr *memory.SummaryRecord) (int64, error) {
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO summaries (session_id, kind, window_start, window_end, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sr.SessionID, sr.Kind, sr.WindowStart, sr.WindowEnd, sr.Content, sr.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: append_summary: %v", memory.ErrStorageUnavailable, err)
	}
	sr.ID = id
	return id, nil
}

// LoadSummaries implements Store.
func (s *PostgresStore) LoadSummaries(ctx context.Context, sessionID string, kind memory.SummaryKind, limit int) ([]memory.SummaryRecord, error) {
	query := `SELECT id, session_id, kind, window_start, window_end, content, created_at FROM summaries WHERE session_id = $1`
	args := []any{sessionID}
	if kind != "" {
		query += " AND kind = $2"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: load_summaries: %v", memory.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []memory.SummaryRecord
	for rows.Next() {
		var sr memory.SummaryRecord
		if err := rows.Scan(&sr.ID, &sr.SessionID, &sr.Kind, &sr.WindowStart, &sr.WindowEnd, &sr.Content, &sr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetCursor implements Store.
func (s *PostgresStore) GetCursor(ctx context.Context, sessionID string) (memory.SessionCursor, error) {
	var c memory.SessionCursor
	c.SessionID = sessionID
	err := s.db.QueryRow(ctx, `
		SELECT last_analyzed_timestamp, messages_since_last_rolling_summary, last_rolling_summary_window_end_id
		FROM session_cursors WHERE session_id = $1
	`, sessionID).Scan(&c.LastAnalyzedTimestamp, &c.MessagesSinceLastRollingSumm, &c.LastRollingSummaryWindowEndID)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: get_cursor: %v", memory.ErrStorageUnavailable, err)
	}
	return c, nil
}

// SaveCursor implements Store.
func (s *PostgresStore) SaveCursor(ctx context.Context, c memory.SessionCursor) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_cursors (session_id, last_analyzed_timestamp, messages_since_last_rolling_summary, last_rolling_summary_window_end_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			last_analyzed_timestamp = EXCLUDED.last_analyzed_timestamp,
			messages_since_last_rolling_summary = EXCLUDED.messages_since_last_rolling_summary,
			last_rolling_summary_window_end_id = EXCLUDED.last_rolling_summary_window_end_id
	`, c.SessionID, c.LastAnalyzedTimestamp, c.MessagesSinceLastRollingSumm, c.LastRollingSummaryWindowEndID)
	if err != nil {
		return fmt.Errorf("%w: save_cursor: %v", memory.ErrStorageUnavailable, err)
	}
	return nil
}

// HealthCheck implements Store.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
