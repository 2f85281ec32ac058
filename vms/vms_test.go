package vms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memory "github.com/mira-labs/mira-memory"
)

func TestMultiStoreUpsertAndSearchRoutesToNamedHead(t *testing.T) {
	m := NewMultiStore()
	m.EnsureHead(memory.HeadSemantic, NewMemHead(4))
	m.EnsureHead(memory.HeadCode, NewMemHead(4))
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, memory.HeadSemantic, 1, []float32{1, 0, 0, 0}, Payload{SessionID: "s1"}))

	hits, err := m.Search(ctx, memory.HeadSemantic, []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].EntryID)

	hits, err = m.Search(ctx, memory.HeadCode, []float32{1, 0, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMultiStoreSearchUnknownHeadReturnsNotFound(t *testing.T) {
	m := NewMultiStore()
	_, err := m.Search(context.Background(), memory.HeadSemantic, []float32{1}, 5, Filter{})
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestMultiStoreDeleteSweepsEveryHead(t *testing.T) {
	m := NewMultiStore()
	h1 := NewMemHead(4)
	h2 := NewMemHead(4)
	m.EnsureHead(memory.HeadSemantic, h1)
	m.EnsureHead(memory.HeadCode, h2)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, memory.HeadSemantic, 1, []float32{1, 0, 0, 0}, Payload{}))
	require.NoError(t, m.Upsert(ctx, memory.HeadCode, 1, []float32{0, 1, 0, 0}, Payload{}))

	require.NoError(t, m.Delete(ctx, 1))

	hits, _ := m.Search(ctx, memory.HeadSemantic, []float32{1, 0, 0, 0}, 5, Filter{})
	assert.Empty(t, hits)
	hits, _ = m.Search(ctx, memory.HeadCode, []float32{0, 1, 0, 0}, 5, Filter{})
	assert.Empty(t, hits)
}

func TestMultiStoreHealthCheckReportsFirstDownHead(t *testing.T) {
	m := NewMultiStore()
	h := NewMemHead(4)
	h.SetDown(true)
	m.EnsureHead(memory.HeadSemantic, h)

	err := m.HealthCheck(context.Background())
	assert.ErrorIs(t, err, memory.ErrVectorUnavailable)
}

func TestMemHeadSearchFiltersBySessionAndTags(t *testing.T) {
	h := NewMemHead(4)
	ctx := context.Background()

	require.NoError(t, h.Upsert(ctx, 1, []float32{1, 0, 0, 0}, Payload{SessionID: "s1", Tags: []string{"billing"}}))
	require.NoError(t, h.Upsert(ctx, 2, []float32{1, 0, 0, 0}, Payload{SessionID: "s2", Tags: []string{"travel"}}))

	hits, err := h.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].EntryID)

	hits, err = h.Search(ctx, []float32{1, 0, 0, 0}, 5, Filter{AnyTags: []string{"travel"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].EntryID)
}

func TestMemHeadUpsertRejectsWrongDimension(t *testing.T) {
	h := NewMemHead(4)
	err := h.Upsert(context.Background(), 1, []float32{1, 0}, Payload{})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestSortHitsOrdersByScoreThenEntryID(t *testing.T) {
	hits := []Hit{
		{EntryID: 3, Score: 0.5},
		{EntryID: 1, Score: 0.9},
		{EntryID: 2, Score: 0.9},
	}
	SortHits(hits)
	require.Len(t, hits, 3)
	assert.Equal(t, int64(1), hits[0].EntryID)
	assert.Equal(t, int64(2), hits[1].EntryID)
	assert.Equal(t, int64(3), hits[2].EntryID)
}
