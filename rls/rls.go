// Package rls implements the Relational Log Store (§4.1): the durable,
// ordered record of every memory entry and summary, and the sole source of
// truth for ordering, pagination, and metadata reads.
package rls

import (
	"context"
	"time"

	memory "github.com/mira-labs/mira-memory"
)

// Patch is a partial update applied atomically by UpdateMetadata. Only
// non-nil fields are written.
type Patch struct {
	AnalysisState *memory.AnalysisState
	Salience      *float64
	Tags          []string
	Summary       *string
	MemoryType    *memory.MemoryType
	RoutedHeads   []memory.Head

	Language        *string
	ProgrammingLang *string
	ErrorType       *string
	ErrorSeverity   *string
	Moderated       *bool

	ClaimedBy string
	ClaimedAt *time.Time
	ErrorKind *string

	// ClearClaim removes ClaimedBy/ClaimedAt when true (used after an entry
	// finishes analysis or its claim is reclaimed).
	ClearClaim bool
}

// DecayRule parameterizes one decay_tick pass (§4.5).
type DecayRule struct {
	TauHours        float64
	SalienceFloor   float64
	EvictGraceHours float64
	Now             time.Time
}

// DecayStats is the result of one decay_tick.
type DecayStats struct {
	RowsUpdated int
	RowsEvicted int
	EvictedIDs  []int64 // ids deleted from RLS this pass; callers must also purge these from VMS
}

// Store is the capability set every RLS backend implements (§9: "trait-based
// store polymorphism ... specify each store as a capability set").
type Store interface {
	// Append persists a new entry and assigns its id. Requires non-empty
	// content; fails with memory.ErrConflict on logical-key duplicates
	// (session_id, timestamp, role, content_hash).
	Append(ctx context.Context, entry *memory.MemoryEntry) (int64, error)

	// LoadRecent returns the last n entries for a session ordered by
	// (timestamp, id) descending.
	LoadRecent(ctx context.Context, sessionID string, n int) ([]memory.MemoryEntry, error)

	// LoadPending returns up to limit entries with AnalysisState pending,
	// oldest first. This is MP's work queue.
	LoadPending(ctx context.Context, limit int) ([]memory.MemoryEntry, error)

	// LoadAnalyzed returns up to limit entries with AnalysisState analyzed,
	// oldest first. MP's head-retry pass uses this to find entries whose
	// RoutedHeads may be incomplete from a prior embed outage, re-deriving
	// routing from each entry's own persisted fields rather than any
	// in-memory record of the original analysis.
	LoadAnalyzed(ctx context.Context, limit int) ([]memory.MemoryEntry, error)

	// ClaimPending atomically marks up to limit pending (or stalled
	// in_progress) entries as claimed by owner, returning the claimed rows.
	// A claim older than staleAfter is reclaimable.
	ClaimPending(ctx context.Context, owner string, limit int, staleAfter time.Duration) ([]memory.MemoryEntry, error)

	// UpdateMetadata atomically applies patch to entry id and returns the
	// updated entry. Rejects writes that would violate salience bounds.
	UpdateMetadata(ctx context.Context, id int64, patch Patch) (memory.MemoryEntry, error)

	// ResetFailed resets a failed entry back to pending (operator action,
	// §4.5 state machine).
	ResetFailed(ctx context.Context, id int64) error

	// Delete hard-deletes an entry. Callers must delete vectors first.
	Delete(ctx context.Context, id int64) error

	// DecayTick applies a bulk salience update and evicts entries whose
	// decayed salience is below the floor and whose timestamp is older than
	// the grace period, in a single transaction. How long an entry has been
	// below the floor is not tracked; the grace period is measured from the
	// entry's timestamp. The evicted rows' ids are returned so callers can purge
	// the corresponding vectors from VMS; DecayTick itself only touches RLS.
	DecayTick(ctx context.Context, rule DecayRule) (DecayStats, error)

	// AppendSummary persists a SummaryRecord.
	AppendSummary(ctx context.Context, s *memory.SummaryRecord) (int64, error)

	// LoadSummaries returns summaries for a session, newest first.
	LoadSummaries(ctx context.Context, sessionID string, kind memory.SummaryKind, limit int) ([]memory.SummaryRecord, error)

	// GetCursor returns the session cursor, creating a zero-value one if
	// absent.
	GetCursor(ctx context.Context, sessionID string) (memory.SessionCursor, error)

	// SaveCursor persists the session cursor.
	SaveCursor(ctx context.Context, cursor memory.SessionCursor) error

	// HealthCheck is a cheap probe.
	HealthCheck(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
