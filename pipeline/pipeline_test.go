package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/vms"

	memory "github.com/mira-labs/mira-memory"
)

func newTestCoordinator(t *testing.T, classifier llm.Classifier, embedder llm.Embedder) (*Coordinator, *rls.MemStore, *vms.MultiStore) {
	t.Helper()
	store := rls.NewMemStore()
	multi := vms.NewMultiStore()
	multi.EnsureHead(memory.HeadSemantic, vms.NewMemHead(8))
	multi.EnsureHead(memory.HeadCode, vms.NewMemHead(8))
	multi.EnsureHead(memory.HeadSummary, vms.NewMemHead(8))

	opts := DefaultOptions()
	opts.PollPeriod = 10 * time.Millisecond
	c := New(store, multi, classifier, embedder, opts)
	return c, store, multi
}

func TestTickClassifiesAndEmbedsPendingEntries(t *testing.T) {
	c, store, multi := newTestCoordinator(t, &llm.StubClassifier{}, llm.NewStubEmbedder(8))
	ctx := context.Background()

	id, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   "I promise to finish the migration by Friday",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Tick(ctx))

	entries, err := store.LoadRecent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memory.AnalysisAnalyzed, entries[0].AnalysisState)
	assert.Equal(t, memory.MemoryTypePromise, entries[0].MemoryType)
	assert.NotEmpty(t, entries[0].RoutedHeads)
	assert.Contains(t, entries[0].RoutedHeads, memory.HeadSummary)

	vec, err := llm.NewStubEmbedder(8).Embed(ctx, memory.HeadSemantic, entries[0].Content)
	require.NoError(t, err)
	hits, err := multi.Search(ctx, memory.HeadSemantic, vec, 5, vms.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].EntryID)
}

func TestTickMarksClassifierFailureAsFailed(t *testing.T) {
	c, store, _ := newTestCoordinator(t, &llm.StubClassifier{Fail: true}, llm.NewStubEmbedder(8))
	ctx := context.Background()
	c.opts.MaxRetries = 1

	_, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   "hello there",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Tick(ctx))

	entries, err := store.LoadRecent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memory.AnalysisFailed, entries[0].AnalysisState)
	assert.NotEmpty(t, entries[0].ErrorKind)
}

func TestTickPreservesPerSessionCommitOrder(t *testing.T) {
	c, store, _ := newTestCoordinator(t, &llm.StubClassifier{}, llm.NewStubEmbedder(8))
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, &memory.MemoryEntry{
			SessionID: "ordered",
			Role:      memory.RoleUser,
			Content:   "message number content long enough to embed",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.Tick(ctx))

	entries, err := store.LoadRecent(ctx, "ordered", 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.Equal(t, memory.AnalysisAnalyzed, e.AnalysisState)
	}
}

func TestRouteHeadsSkipsShortContent(t *testing.T) {
	params := DefaultRoutingParams()
	heads := RouteHeads("hi", memory.RoleUser, memory.UnifiedAnalysis{Salience: 0.9}, params)
	assert.Empty(t, heads)
}

func TestRouteHeadsIncludesCodeAndSummary(t *testing.T) {
	params := DefaultRoutingParams()
	analysis := memory.UnifiedAnalysis{
		Salience:     0.8,
		ContainsCode: true,
		MemoryType:   memory.MemoryTypeFact,
	}
	heads := RouteHeads("here's a snippet: func main() {}", memory.RoleAssistant, analysis, params)
	assert.Contains(t, heads, memory.HeadSemantic)
	assert.Contains(t, heads, memory.HeadCode)
	assert.Contains(t, heads, memory.HeadSummary)
}

func TestRouteHeadsExcludesSemanticForLargeCodeBlock(t *testing.T) {
	params := DefaultRoutingParams()
	params.CodeBlockSizeThreshold = 10
	content := "```\n" + stringsRepeat("x", 50) + "\n```"
	analysis := memory.UnifiedAnalysis{ContainsCode: true, Salience: 0.1}
	heads := RouteHeads(content, memory.RoleAssistant, analysis, params)
	assert.NotContains(t, heads, memory.HeadSemantic)
	assert.Contains(t, heads, memory.HeadCode)
}

type flakyEmbedder struct {
	inner     llm.Embedder
	failUntil int
	calls     int
}

func (f *flakyEmbedder) Embed(ctx context.Context, head memory.Head, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return nil, memory.ErrEmbedderUnavailable
	}
	return f.inner.Embed(ctx, head, text)
}

func (f *flakyEmbedder) Dim(head memory.Head) int { return f.inner.Dim(head) }

func TestEmbedderOutageLeavesEntryAnalyzedWithNoRoutedHeadsUntilRetried(t *testing.T) {
	embedder := &flakyEmbedder{inner: llm.NewStubEmbedder(8), failUntil: 100}
	c, store, _ := newTestCoordinator(t, &llm.StubClassifier{}, embedder)
	ctx := context.Background()

	_, err := store.Append(ctx, &memory.MemoryEntry{
		SessionID: "s1",
		Role:      memory.RoleUser,
		Content:   "the quarterly report is due next Friday afternoon",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Tick(ctx))

	entries, err := store.LoadRecent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memory.AnalysisAnalyzed, entries[0].AnalysisState)
	assert.Empty(t, entries[0].RoutedHeads)

	embedder.failUntil = 0 // embedder recovers
	c.RetryMissingHeads(ctx, entries)

	retried, err := store.LoadRecent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.NotEmpty(t, retried[0].RoutedHeads)
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
