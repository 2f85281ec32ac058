package rls

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	memory "github.com/mira-labs/mira-memory"
)

// MemStore is an in-process Store used by tests and by session-only
// deployments, generalizing the teacher's SessionOnlyMemory to the full RLS
// capability set (§9: "tests use in-process stubs").
type MemStore struct {
	mu        sync.Mutex
	nextID    int64
	entries   map[int64]*memory.MemoryEntry
	summaries []memory.SummaryRecord
	nextSumID int64
	cursors   map[string]memory.SessionCursor
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[int64]*memory.MemoryEntry),
		cursors: make(map[string]memory.SessionCursor),
	}
}

func (m *MemStore) logicalKey(e *memory.MemoryEntry) string {
	return fmt.Sprintf("%s|%d|%s|%s", e.SessionID, e.Timestamp.UnixNano(), e.Role, e.ContentHash)
}

// Append implements Store.
func (m *MemStore) Append(ctx context.Context, entry *memory.MemoryEntry) (int64, error) {
	if entry.Content == "" {
		return 0, fmt.Errorf("%w: content must be non-empty", memory.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ContentHash = contentHash(entry.Content)
	key := m.logicalKey(entry)
	for _, e := range m.entries {
		if m.logicalKey(e) == key {
			return 0, memory.ErrConflict
		}
	}

	m.nextID++
	entry.ID = m.nextID
	if entry.AnalysisState == "" {
		entry.AnalysisState = memory.AnalysisPending
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return entry.ID, nil
}

// LoadRecent implements Store.
func (m *MemStore) LoadRecent(ctx context.Context, sessionID string, n int) ([]memory.MemoryEntry, error) {
	if n <= 0 {
		return []memory.MemoryEntry{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []memory.MemoryEntry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			matched = append(matched, *e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > n {
		matched = matched[:n]
	}
	return matched, nil
}

// LoadPending implements Store.
func (m *MemStore) LoadPending(ctx context.Context, limit int) ([]memory.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []memory.MemoryEntry
	for _, e := range m.entries {
		if e.AnalysisState == memory.AnalysisPending {
			matched = append(matched, *e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// LoadAnalyzed implements Store.
func (m *MemStore) LoadAnalyzed(ctx context.Context, limit int) ([]memory.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []memory.MemoryEntry
	for _, e := range m.entries {
		if e.AnalysisState == memory.AnalysisAnalyzed {
			matched = append(matched, *e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ClaimPending implements Store.
func (m *MemStore) ClaimPending(ctx context.Context, owner string, limit int, staleAfter time.Duration) ([]memory.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	staleCutoff := time.Now().Add(-staleAfter)
	var candidates []*memory.MemoryEntry
	for _, e := range m.entries {
		if e.AnalysisState == memory.AnalysisPending {
			candidates = append(candidates, e)
		} else if e.AnalysisState == memory.AnalysisInProgress && e.ClaimedAt != nil && e.ClaimedAt.Before(staleCutoff) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now()
	var out []memory.MemoryEntry
	for _, e := range candidates {
		e.AnalysisState = memory.AnalysisInProgress
		e.ClaimedBy = owner
		e.ClaimedAt = &now
		out = append(out, *e)
	}
	return out, nil
}

// UpdateMetadata implements Store.
func (m *MemStore) UpdateMetadata(ctx context.Context, id int64, patch Patch) (memory.MemoryEntry, error) {
	if patch.Salience != nil && (*patch.Salience < 0 || *patch.Salience > 1) {
		return memory.MemoryEntry{}, fmt.Errorf("%w: salience out of [0,1]", memory.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return memory.MemoryEntry{}, memory.ErrNotFound
	}

	if patch.AnalysisState != nil {
		e.AnalysisState = *patch.AnalysisState
	}
	if patch.Salience != nil {
		e.Salience = patch.Salience
	}
	if patch.Tags != nil {
		e.Tags = patch.Tags
	}
	if patch.Summary != nil {
		e.Summary = *patch.Summary
	}
	if patch.MemoryType != nil {
		e.MemoryType = *patch.MemoryType
	}
	if patch.RoutedHeads != nil {
		e.RoutedHeads = patch.RoutedHeads
	}
	if patch.Language != nil {
		e.Language = *patch.Language
	}
	if patch.ProgrammingLang != nil {
		e.ProgrammingLang = *patch.ProgrammingLang
	}
	if patch.ErrorType != nil {
		e.ErrorType = *patch.ErrorType
	}
	if patch.ErrorSeverity != nil {
		e.ErrorSeverity = *patch.ErrorSeverity
	}
	if patch.Moderated != nil {
		e.Moderated = *patch.Moderated
	}
	if patch.ErrorKind != nil {
		e.ErrorKind = *patch.ErrorKind
	}
	if patch.ClearClaim {
		e.ClaimedBy = ""
		e.ClaimedAt = nil
	} else if patch.ClaimedBy != "" {
		e.ClaimedBy = patch.ClaimedBy
		e.ClaimedAt = patch.ClaimedAt
	}

	return *e, nil
}

// GetByID returns a single entry by id, used by the recall engine to hydrate
// VMS hits back into full MemoryEntry rows.
func (m *MemStore) GetByID(ctx context.Context, id int64) (memory.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return memory.MemoryEntry{}, memory.ErrNotFound
	}
	return *e, nil
}

// ResetFailed implements Store.
func (m *MemStore) ResetFailed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.AnalysisState != memory.AnalysisFailed {
		return memory.ErrNotFound
	}
	e.AnalysisState = memory.AnalysisPending
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.ErrorKind = ""
	return nil
}

// Delete implements Store.
func (m *MemStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// DecayTick implements Store.
func (m *MemStore) DecayTick(ctx context.Context, rule DecayRule) (DecayStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := rule.Now
	if now.IsZero() {
		now = time.Now()
	}

	stats := DecayStats{}
	var evictIDs []int64
	for id, e := range m.entries {
		if e.Salience == nil || e.AnalysisState != memory.AnalysisAnalyzed {
			continue
		}
		dtHours := now.Sub(e.Timestamp).Hours()
		decayed := *e.Salience * expDecay(dtHours, rule.TauHours)
		if decayed < 0 {
			decayed = 0
		}
		if decayed > 1 {
			decayed = 1
		}
		e.Salience = &decayed
		stats.RowsUpdated++

		if decayed < rule.SalienceFloor && now.Sub(e.Timestamp).Hours() > rule.EvictGraceHours {
			evictIDs = append(evictIDs, id)
		}
	}
	for _, id := range evictIDs {
		delete(m.entries, id)
		stats.RowsEvicted++
	}
	stats.EvictedIDs = evictIDs
	return stats, nil
}

func expDecay(dtHours, tauHours float64) float64 {
	if tauHours <= 0 {
		return 0
	}
	return math.Exp(-dtHours / tauHours)
}

// AppendSummary implements Store.
func (m *MemStore) AppendSummary(ctx context.Context, s *memory.SummaryRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSumID++
	s.ID = m.nextSumID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.summaries = append(m.summaries, *s)
	return s.ID, nil
}

// LoadSummaries implements Store.
func (m *MemStore) LoadSummaries(ctx context.Context, sessionID string, kind memory.SummaryKind, limit int) ([]memory.SummaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []memory.SummaryRecord
	for _, s := range m.summaries {
		if s.SessionID != sessionID {
			continue
		}
		if kind != "" && s.Kind != kind {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetCursor implements Store.
func (m *MemStore) GetCursor(ctx context.Context, sessionID string) (memory.SessionCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[sessionID]; ok {
		return c, nil
	}
	return memory.SessionCursor{SessionID: sessionID}, nil
}

// SaveCursor implements Store.
func (m *MemStore) SaveCursor(ctx context.Context, c memory.SessionCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[c.SessionID] = c
	return nil
}

// HealthCheck implements Store.
func (m *MemStore) HealthCheck(ctx context.Context) error { return nil }

// Close implements Store.
func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
