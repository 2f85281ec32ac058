package rls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memory "github.com/mira-labs/mira-memory"
)

func TestAppendRejectsDuplicateLogicalKey(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	ts := time.Now()

	_, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "hello", Timestamp: ts})
	require.NoError(t, err)

	_, err = m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "hello", Timestamp: ts})
	assert.ErrorIs(t, err, memory.ErrConflict)
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	m := NewMemStore()
	_, err := m.Append(context.Background(), &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: ""})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestClaimPendingMovesEntriesToInProgress(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	id, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "a", Timestamp: time.Now()})
	require.NoError(t, err)

	claimed, err := m.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, memory.AnalysisInProgress, claimed[0].AnalysisState)
	assert.Equal(t, "worker-1", claimed[0].ClaimedBy)

	// a second claim sees nothing new: the entry is no longer pending and
	// hasn't gone stale yet.
	again, err := m.ClaimPending(ctx, "worker-2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimPendingReclaimsStaleInProgressEntries(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	_, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "a", Timestamp: time.Now()})
	require.NoError(t, err)

	_, err = m.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)

	// staleAfter=0 makes every in-progress entry immediately reclaimable.
	reclaimed, err := m.ClaimPending(ctx, "worker-2", 10, 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "worker-2", reclaimed[0].ClaimedBy)
}

func TestUpdateMetadataRejectsSalienceOutOfRange(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	id, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "a", Timestamp: time.Now()})
	require.NoError(t, err)

	bad := 1.5
	_, err = m.UpdateMetadata(ctx, id, Patch{Salience: &bad})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestResetFailedReturnsEntryToPending(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	id, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "a", Timestamp: time.Now()})
	require.NoError(t, err)

	failed := memory.AnalysisFailed
	_, err = m.UpdateMetadata(ctx, id, Patch{AnalysisState: &failed})
	require.NoError(t, err)

	require.NoError(t, m.ResetFailed(ctx, id))

	e, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, memory.AnalysisPending, e.AnalysisState)
	assert.Empty(t, e.ClaimedBy)
}

func TestDecayTickAppliesExponentialDecayAndEvictsBelowFloor(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	old := time.Now().Add(-1000 * time.Hour)
	id, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "stale fact", Timestamp: old})
	require.NoError(t, err)

	s := 0.5
	analyzed := memory.AnalysisAnalyzed
	_, err = m.UpdateMetadata(ctx, id, Patch{Salience: &s, AnalysisState: &analyzed})
	require.NoError(t, err)

	stats, err := m.DecayTick(ctx, DecayRule{TauHours: 1, SalienceFloor: 0.1, EvictGraceHours: 1, Now: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RowsUpdated)
	assert.Equal(t, 1, stats.RowsEvicted)

	_, err = m.GetByID(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestDecayTickSkipsEntriesWithoutSalience(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	_, err := m.Append(ctx, &memory.MemoryEntry{SessionID: "s1", Role: memory.RoleUser, Content: "pending fact", Timestamp: time.Now()})
	require.NoError(t, err)

	stats, err := m.DecayTick(ctx, DecayRule{TauHours: 1, SalienceFloor: 0.1, EvictGraceHours: 1, Now: time.Now()})
	require.NoError(t, err)
	assert.Zero(t, stats.RowsUpdated)
	assert.Zero(t, stats.RowsEvicted)
}

func TestCursorRoundTrip(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	c, err := m.GetCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, c.MessagesSinceLastRollingSumm)

	c.MessagesSinceLastRollingSumm = 42
	require.NoError(t, m.SaveCursor(ctx, c))

	got, err := m.GetCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 42, got.MessagesSinceLastRollingSumm)
}
