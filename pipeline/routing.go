package pipeline

import (
	"strings"

	memory "github.com/mira-labs/mira-memory"
)

// RoutingParams carries the configured thresholds routing decisions depend
// on (§4.3 routing rules 1-5).
type RoutingParams struct {
	SalienceSummaryThreshold float64
	EmbedMinChars            int
	AlwaysEmbedUser          bool
	AlwaysEmbedAssistant     bool
	CodeBlockSizeThreshold   int // chars; an exclusively-code entry above this skips `semantic`
}

// DefaultRoutingParams mirrors original_source's MemoryConfig defaults
// (backend/src/memory/core/config.rs): embed_min_chars=6,
// salience_min_for_embed=0.6.
func DefaultRoutingParams() RoutingParams {
	return RoutingParams{
		SalienceSummaryThreshold: 0.6,
		EmbedMinChars:            6,
		AlwaysEmbedUser:          false,
		AlwaysEmbedAssistant:     false,
		CodeBlockSizeThreshold:   200,
	}
}

// RouteHeads applies the five deterministic routing rules in §4.3, in order,
// to decide which heads an analyzed entry should be embedded into.
func RouteHeads(content string, role memory.Role, analysis memory.UnifiedAnalysis, p RoutingParams) []memory.Head {
	alwaysEmbed := (role == memory.RoleUser && p.AlwaysEmbedUser) ||
		(role == memory.RoleAssistant && p.AlwaysEmbedAssistant)

	// Rule 5: skip all embedding below the minimum length, unless forced.
	if len(content) < p.EmbedMinChars && !alwaysEmbed {
		return nil
	}

	var heads []memory.Head

	// Rule 1: always include semantic, unless the entry is exclusively a
	// large code block.
	exclusivelyCode := analysis.ContainsCode && isExclusivelyCode(content) && len(content) > p.CodeBlockSizeThreshold
	if !exclusivelyCode {
		heads = append(heads, memory.HeadSemantic)
	}

	// Rule 2: include code iff contains_code.
	if analysis.ContainsCode {
		heads = append(heads, memory.HeadCode)
	}

	// Rule 3: include summary iff salience >= threshold or memory_type in
	// {promise, event}.
	if analysis.Salience >= p.SalienceSummaryThreshold ||
		analysis.MemoryType == memory.MemoryTypePromise ||
		analysis.MemoryType == memory.MemoryTypeEvent {
		heads = append(heads, memory.HeadSummary)
	}

	// Rule 4: include documents iff the entry originates from a
	// document-ingest role. This repo treats RoleTool content tagged as a
	// document ingest the same way; plain tool output doesn't qualify.
	if role == memory.RoleTool && strings.Contains(strings.ToLower(content), "document:") {
		heads = append(heads, memory.HeadDocuments)
	}

	return heads
}

func isExclusivelyCode(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```")
}
