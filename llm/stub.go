package llm

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"

	memory "github.com/mira-labs/mira-memory"
)

// StubClassifier is a deterministic, in-process Classifier for tests (§9:
// "tests use in-process stubs"). It derives salience from content length and
// flags code/errors from simple substring rules, rather than calling out to
// an LLM.
type StubClassifier struct {
	mu   sync.Mutex
	Fail bool // when true, every call returns ErrClassifierUnavailable
}

// Classify implements Classifier.
func (c *StubClassifier) Classify(ctx context.Context, content string, role memory.Role, language string) (memory.UnifiedAnalysis, error) {
	c.mu.Lock()
	fail := c.Fail
	c.mu.Unlock()
	if fail {
		return memory.UnifiedAnalysis{}, memory.ErrClassifierUnavailable
	}

	analysis := memory.UnifiedAnalysis{
		Salience:    salienceFromLength(content),
		Topics:      topicsFromContent(content),
		Language:    "en",
		MemoryType:  memory.MemoryTypeOther,
		ContainsCode: strings.Contains(content, "```") || role == memory.RoleCode,
	}
	if analysis.ContainsCode {
		analysis.ProgrammingLang = "go"
	}
	if strings.Contains(strings.ToLower(content), "error") || strings.Contains(strings.ToLower(content), "panic") {
		analysis.ContainsError = true
		analysis.ErrorType = "runtime"
	}
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "i promise") || strings.Contains(lower, "will do"):
		analysis.MemoryType = memory.MemoryTypePromise
	case strings.Contains(lower, "flight") || strings.Contains(lower, "meeting") || strings.Contains(lower, "appointment"):
		analysis.MemoryType = memory.MemoryTypeEvent
	}
	return analysis, nil
}

func salienceFromLength(content string) float64 {
	n := len(content)
	switch {
	case n > 200:
		return 0.8
	case n > 80:
		return 0.6
	case n > 20:
		return 0.4
	default:
		return 0.2
	}
}

func topicsFromContent(content string) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return []string{"general"}
	}
	n := 3
	if len(words) < n {
		n = len(words)
	}
	return words[:n]
}

// StubEmbedder is a deterministic, in-process Embedder for tests: it hashes
// text into a fixed-dimension vector so identical text always yields
// identical embeddings, without calling out to a real embedding provider.
// Different text generally yields different vectors, but every component is
// non-negative, so unrelated texts still have a clearly positive cosine
// similarity rather than being near-orthogonal.
type StubEmbedder struct {
	dim int
}

// NewStubEmbedder constructs a deterministic embedder of the given dimension.
func NewStubEmbedder(dim int) *StubEmbedder {
	return &StubEmbedder{dim: dim}
}

// Embed implements Embedder.
func (e *StubEmbedder) Embed(ctx context.Context, head memory.Head, text string) ([]float32, error) {
	return hashEmbed(text, e.dim), nil
}

// Dim implements Embedder.
func (e *StubEmbedder) Dim(head memory.Head) int { return e.dim }

func hashEmbed(text string, dim int) []float32 {
	out := make([]float32, dim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{""}
	}
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		for i := 0; i < dim; i++ {
			out[i] += float32(sum[i%len(sum)]) / 255.0
		}
	}
	// Scale down by powers of two until the squared norm is at most 1; the
	// result is not unit length, which cosine similarity does not need.
	var norm float32
	for _, v := range out {
		norm += v * v
	}
	if norm == 0 {
		return out
	}
	normF := float32(1.0)
	for normF*normF*norm > 1 {
		normF /= 2
	}
	for i := range out {
		out[i] *= normF
	}
	return out
}

// StubSummarizer is a deterministic, in-process Summarizer for tests.
type StubSummarizer struct {
	Fail bool
}

// Summarize implements Summarizer.
func (s *StubSummarizer) Summarize(ctx context.Context, messages []OrderedMessage, mode SummarizeMode) (string, error) {
	if s.Fail {
		return "", memory.ErrSummarizerUnavailable
	}
	if len(messages) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("summary(")
	b.WriteString(string(mode))
	b.WriteString("): ")
	for i, m := range messages {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		if len(m.Content) > 40 {
			b.WriteString(m.Content[:40])
		} else {
			b.WriteString(m.Content)
		}
	}
	return b.String(), nil
}

var (
	_ Classifier = (*StubClassifier)(nil)
	_ Embedder   = (*StubEmbedder)(nil)
	_ Summarizer = (*StubSummarizer)(nil)
)
