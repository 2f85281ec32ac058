package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	memory "github.com/mira-labs/mira-memory"
)

// codeFence is a crude signal that content contains a code block. Classify
// uses it only to log when the model's contains_code disagrees with it;
// routing rule 1 in the pipeline package checks for fences on its own.
const codeFence = "```"

// OpenAIClassifier classifies content by asking a chat model to return a
// small JSON object, generalizing the teacher's use of go-openai for
// generation into a structured-analysis call.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIClassifier constructs a classifier using the given API key and
// chat model (default "gpt-4o-mini").
func NewOpenAIClassifier(apiKey, model string) *OpenAIClassifier {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClassifier{client: openai.NewClient(apiKey), model: model}
}

const classifierSystemPrompt = `You analyze one message from a coding assistant conversation and return a
single JSON object with fields: salience (0..1 float), topics (array of short
strings, non-empty), contains_code (bool), language (ISO 639-1 code, default
"en"), mood, intent, summary, relationship_impact (all optional strings),
programming_lang (string, required if contains_code), contains_error (bool),
error_type (string, required if contains_error), memory_type (one of fact,
feeling, joke, promise, event, other). Return JSON only, no prose.`

type classifierResponse struct {
	Salience            float64  `json:"salience"`
	Topics              []string `json:"topics"`
	ContainsCode        bool     `json:"contains_code"`
	Language            string   `json:"language"`
	Mood                string   `json:"mood"`
	Intent              string   `json:"intent"`
	Summary             string   `json:"summary"`
	RelationshipImpact  string   `json:"relationship_impact"`
	ProgrammingLang     string   `json:"programming_lang"`
	ContainsError       bool     `json:"contains_error"`
	ErrorType           string   `json:"error_type"`
	MemoryType          string   `json:"memory_type"`
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, content string, role memory.Role, language string) (memory.UnifiedAnalysis, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("role=%s\n\n%s", role, content)},
		},
		Temperature: 0,
		MaxTokens:   300,
	})
	if err != nil {
		return memory.UnifiedAnalysis{}, fmt.Errorf("%w: %v", memory.ErrClassifierUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return memory.UnifiedAnalysis{}, fmt.Errorf("%w: no choices returned", memory.ErrClassifierUnavailable)
	}

	var parsed classifierResponse
	raw := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return memory.UnifiedAnalysis{}, fmt.Errorf("%w: unparsable classifier output: %v", memory.ErrInvalidAnalysis, err)
	}

	analysis := memory.UnifiedAnalysis{
		Salience:           clamp01(parsed.Salience),
		Topics:             parsed.Topics,
		ContainsCode:       parsed.ContainsCode,
		Language:           parsed.Language,
		Mood:               parsed.Mood,
		Intent:             parsed.Intent,
		Summary:            parsed.Summary,
		RelationshipImpact: parsed.RelationshipImpact,
		ProgrammingLang:    parsed.ProgrammingLang,
		ContainsError:      parsed.ContainsError,
		ErrorType:          parsed.ErrorType,
		MemoryType:         memory.MemoryType(parsed.MemoryType),
	}
	if analysis.Language == "" {
		analysis.Language = "en"
	}
	if len(analysis.Topics) == 0 {
		return analysis, fmt.Errorf("%w: topics must be non-empty", memory.ErrInvalidAnalysis)
	}
	if analysis.ContainsCode && analysis.ProgrammingLang == "" {
		analysis.ProgrammingLang = "unknown"
	}
	if analysis.ContainsError && analysis.ErrorType == "" {
		analysis.ErrorType = "unknown"
	}
	if analysis.MemoryType == "" {
		analysis.MemoryType = memory.MemoryTypeOther
	}
	if !analysis.ContainsCode && strings.Contains(content, codeFence) {
		log.Debug().Msg("llm: content has a code fence but classifier said contains_code=false")
	}

	return analysis, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// OpenAIEmbedder embeds text with an OpenAI embedding model, generalizing the
// teacher's generateEmbedding (supabase.go) from one fixed head to any head
// name (all heads share one encoder by default, which is the common case;
// per-head model overrides are a straightforward extension point).
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbedder constructs an embedder. modelName maps to the OpenAI
// SDK's embedding model constants the same way the teacher's
// generateEmbedding switch does.
func NewOpenAIEmbedder(apiKey, modelName string, dim int) *OpenAIEmbedder {
	var model openai.EmbeddingModel
	switch modelName {
	case "text-embedding-3-large":
		model = openai.LargeEmbedding3
	case "text-embedding-ada-002":
		model = openai.AdaEmbeddingV2
	default:
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: model, dim: dim}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, head memory.Head, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbedderUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", memory.ErrEmbedderUnavailable)
	}

	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// Dim implements Embedder; every head shares the configured dimension.
func (e *OpenAIEmbedder) Dim(head memory.Head) int { return e.dim }

// OpenAISummarizer produces rolling/snapshot summaries via chat completion,
// generalizing the teacher's Summarize (supabase.go).
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewOpenAISummarizer constructs a summarizer.
func NewOpenAISummarizer(apiKey, model string) *OpenAISummarizer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAISummarizer{client: openai.NewClient(apiKey), model: model}
}

// Summarize implements Summarizer.
func (s *OpenAISummarizer) Summarize(ctx context.Context, messages []OrderedMessage, mode SummarizeMode) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var convo strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&convo, "%s: %s\n", m.Role, m.Content)
	}

	instruction := "Summarize the following conversation window concisely, preserving key facts, promises, and events:"
	if mode == SummarizeSnapshot {
		instruction = "Summarize everything below into a single point-in-time snapshot, preserving key facts, promises, and events:"
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: convo.String()},
		},
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", memory.ErrSummarizerUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no summary generated", memory.ErrSummarizerUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

var (
	_ Classifier = (*OpenAIClassifier)(nil)
	_ Embedder   = (*OpenAIEmbedder)(nil)
	_ Summarizer = (*OpenAISummarizer)(nil)
)
