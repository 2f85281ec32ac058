// Package llm defines the out-of-band collaborator contracts (§6): the
// classifier, embedder, and summarizer the core calls out to, but never
// implements the wire format of.
package llm

import (
	"context"

	memory "github.com/mira-labs/mira-memory"
)

// Classifier turns raw content into a UnifiedAnalysis (§4.3, §6).
type Classifier interface {
	Classify(ctx context.Context, content string, role memory.Role, language string) (memory.UnifiedAnalysis, error)
}

// Embedder produces a fixed-dimension vector for one head's semantic view of
// a piece of text (§6).
type Embedder interface {
	Embed(ctx context.Context, head memory.Head, text string) ([]float32, error)
	Dim(head memory.Head) int
}

// OrderedMessage is one message in a summarization window, in chronological
// order.
type OrderedMessage struct {
	Role    memory.Role
	Content string
}

// SummarizeMode distinguishes rolling-window from on-demand summaries so the
// collaborator can adjust its prompt/length target.
type SummarizeMode string

// Summarize modes.
const (
	SummarizeRolling  SummarizeMode = "rolling"
	SummarizeSnapshot SummarizeMode = "snapshot"
)

// Summarizer condenses an ordered window of messages into prose (§4.5, §6).
type Summarizer interface {
	Summarize(ctx context.Context, messages []OrderedMessage, mode SummarizeMode) (string, error)
}
