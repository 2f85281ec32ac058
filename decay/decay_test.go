package decay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/sessionlock"
	"github.com/mira-labs/mira-memory/vms"

	memory "github.com/mira-labs/mira-memory"
)

func newTestScheduler(t *testing.T, window int) (*Scheduler, *rls.MemStore) {
	t.Helper()
	store := rls.NewMemStore()
	multi := vms.NewMultiStore()
	multi.EnsureHead(memory.HeadSummary, vms.NewMemHead(8))
	opts := DefaultOptions()
	opts.RollingWindow = window
	s := New(store, multi, &llm.StubSummarizer{}, llm.NewStubEmbedder(8), sessionlock.New(), opts)
	return s, store
}

func TestNoteAppendedTriggersRollingSummaryAtWindow(t *testing.T) {
	s, store := newTestScheduler(t, 3)
	ctx := context.Background()
	now := time.Now()

	var lastID int64
	for i := 0; i < 3; i++ {
		id, err := store.Append(ctx, &memory.MemoryEntry{
			SessionID: "s1",
			Role:      memory.RoleUser,
			Content:   "message content",
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		lastID = id
		require.NoError(t, s.NoteAppended(ctx, "s1", id))
	}
	_ = lastID

	summaries, err := store.LoadSummaries(ctx, "s1", memory.SummaryRolling, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	cursor, err := store.GetCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, cursor.MessagesSinceLastRollingSumm)
}

func TestNoteAppendedDoesNotTriggerBelowWindow(t *testing.T) {
	s, store := newTestScheduler(t, 100)
	ctx := context.Background()

	id, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   "one message",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.NoteAppended(ctx, "s1", id))

	summaries, err := store.LoadSummaries(ctx, "s1", memory.SummaryRolling, 10)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestTriggerSnapshotDoesNotAdvanceRollingCursor(t *testing.T) {
	s, store := newTestScheduler(t, 100)
	ctx := context.Background()

	id, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   "a message for the snapshot",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.NoteAppended(ctx, "s1", id))

	cursorBefore, err := store.GetCursor(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.TriggerSnapshot(ctx, "s1"))

	snapshots, err := store.LoadSummaries(ctx, "s1", memory.SummarySnapshot, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	cursorAfter, err := store.GetCursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, cursorBefore.MessagesSinceLastRollingSumm, cursorAfter.MessagesSinceLastRollingSumm)
}

func TestRunDecayOnceAppliesExponentialDecayAndEvicts(t *testing.T) {
	store := rls.NewMemStore()
	multi := vms.NewMultiStore()
	multi.EnsureHead(memory.HeadSummary, vms.NewMemHead(8))
	opts := DefaultOptions()
	opts.TauHours = 1
	opts.SalienceFloor = 0.5
	opts.EvictGraceHours = 0
	s := New(store, multi, &llm.StubSummarizer{}, llm.NewStubEmbedder(8), sessionlock.New(), opts)

	ctx := context.Background()
	old := time.Now().Add(-10 * time.Hour)
	id, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID:     "s1",
		Role:          memory.RoleUser,
		Content:       "stale entry",
		Timestamp:     old,
		AnalysisState: memory.AnalysisAnalyzed,
	})
	require.NoError(t, err)
	salience := 0.9
	_, err = store.UpdateMetadata(ctx, id, rls.Patch{Salience: &salience})
	require.NoError(t, err)

	vec := make([]float32, 8)
	vec[0] = 1
	require.NoError(t, multi.Upsert(ctx, memory.HeadSummary, id, vec, vms.Payload{EntryID: id, SessionID: "s1"}))
	hitsBefore, err := multi.Search(ctx, memory.HeadSummary, vec, 5, vms.Filter{})
	require.NoError(t, err)
	require.Len(t, hitsBefore, 1)

	stats, err := s.RunDecayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RowsUpdated)
	assert.Equal(t, 1, stats.RowsEvicted)
	assert.Equal(t, []int64{id}, stats.EvictedIDs)

	_, err = store.GetByID(ctx, id)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	hitsAfter, err := multi.Search(ctx, memory.HeadSummary, vec, 5, vms.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hitsAfter, "evicted entry's vector must be purged from VMS (§8 scenario: its vectors are absent from VMS)")
}
