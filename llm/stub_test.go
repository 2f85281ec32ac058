package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memory "github.com/mira-labs/mira-memory"
)

func TestStubClassifierDetectsPromiseAndCode(t *testing.T) {
	c := &StubClassifier{}
	a, err := c.Classify(context.Background(), "I promise to ship the fix, here's a snippet: ```go\nfunc main(){}\n```", memory.RoleAssistant, "en")
	require.NoError(t, err)
	assert.Equal(t, memory.MemoryTypePromise, a.MemoryType)
	assert.True(t, a.ContainsCode)
	assert.Equal(t, "go", a.ProgrammingLang)
}

func TestStubClassifierDetectsErrorContent(t *testing.T) {
	c := &StubClassifier{}
	a, err := c.Classify(context.Background(), "got a panic in the worker pool", memory.RoleUser, "en")
	require.NoError(t, err)
	assert.True(t, a.ContainsError)
	assert.NotEmpty(t, a.ErrorType)
}

func TestStubClassifierFailFlagReturnsSentinelError(t *testing.T) {
	c := &StubClassifier{Fail: true}
	_, err := c.Classify(context.Background(), "anything", memory.RoleUser, "en")
	assert.ErrorIs(t, err, memory.ErrClassifierUnavailable)
}

func TestStubEmbedderIsDeterministic(t *testing.T) {
	e := NewStubEmbedder(16)
	v1, err := e.Embed(context.Background(), memory.HeadSemantic, "the quick brown fox")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), memory.HeadSemantic, "the quick brown fox")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)
}

func TestStubEmbedderDiffersForDifferentText(t *testing.T) {
	e := NewStubEmbedder(16)
	v1, err := e.Embed(context.Background(), memory.HeadSemantic, "alpha")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), memory.HeadSemantic, "omega delta gamma")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestStubSummarizerFailFlag(t *testing.T) {
	s := &StubSummarizer{Fail: true}
	_, err := s.Summarize(context.Background(), []OrderedMessage{{Role: memory.RoleUser, Content: "hi"}}, SummarizeRolling)
	assert.ErrorIs(t, err, memory.ErrSummarizerUnavailable)
}

func TestStubSummarizerProducesNonEmptyOutput(t *testing.T) {
	s := &StubSummarizer{}
	out, err := s.Summarize(context.Background(), []OrderedMessage{
		{Role: memory.RoleUser, Content: "what's the weather"},
		{Role: memory.RoleAssistant, Content: "sunny today"},
	}, SummarizeSnapshot)
	require.NoError(t, err)
	assert.Contains(t, out, "snapshot")
}

func TestStubSummarizerEmptyMessagesReturnsEmptyString(t *testing.T) {
	s := &StubSummarizer{}
	out, err := s.Summarize(context.Background(), nil, SummarizeRolling)
	require.NoError(t, err)
	assert.Empty(t, out)
}
