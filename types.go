// Package memory is the entry point for Mira's memory subsystem: ingestion,
// hybrid storage, recall, summarization, and time-decay maintenance.
package memory

import "time"

// Role identifies who produced a MemoryEntry.
type Role string

// Roles a MemoryEntry can carry.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleCode      Role = "code"
)

// MemoryType classifies the semantic kind of an entry, as assigned by the
// classifier collaborator.
type MemoryType string

// Memory type constants.
const (
	MemoryTypeFact    MemoryType = "fact"
	MemoryTypeFeeling MemoryType = "feeling"
	MemoryTypeJoke    MemoryType = "joke"
	MemoryTypePromise MemoryType = "promise"
	MemoryTypeEvent   MemoryType = "event"
	MemoryTypeOther   MemoryType = "other"
)

// AnalysisState tracks an entry's position in the pipeline state machine:
//
//	pending -> in_progress -> analyzed -> (decaying)* -> evicted
//	                      \-> failed
type AnalysisState string

// Analysis state constants.
const (
	AnalysisPending    AnalysisState = "pending"
	AnalysisInProgress AnalysisState = "in_progress"
	AnalysisAnalyzed   AnalysisState = "analyzed"
	AnalysisFailed     AnalysisState = "failed"
)

// Head names the semantic views a MemoryEntry can be embedded into.
type Head string

// Standard head names.
const (
	HeadSemantic  Head = "semantic"
	HeadCode      Head = "code"
	HeadSummary   Head = "summary"
	HeadDocuments Head = "documents"
)

// MemoryEntry is the atomic unit of Mira's memory: one conversational turn or
// code event, with classification metadata filled in asynchronously by the
// message pipeline.
type MemoryEntry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	// ContentHash is a stable hash of Content, part of the logical key used
	// to detect duplicate submissions.
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`

	Salience *float64 `json:"salience,omitempty"` // nil until analyzed
	Tags     []string `json:"tags,omitempty"`
	Summary  string   `json:"summary,omitempty"`

	MemoryType    MemoryType    `json:"memory_type,omitempty"`
	RoutedHeads   []Head        `json:"routed_heads,omitempty"`
	AnalysisState AnalysisState `json:"analysis_state"`

	Language        string `json:"language,omitempty"`
	ProgrammingLang string `json:"programming_lang,omitempty"`

	ErrorType     string `json:"error_type,omitempty"`
	ErrorSeverity string `json:"error_severity,omitempty"`
	Moderated     bool   `json:"moderated,omitempty"`

	// ClaimedBy/ClaimedAt back the message pipeline's at-most-one-analysis
	// claim protocol (§4.3); a claim older than T_claim is reclaimable.
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
}

// HasHead reports whether h is among the entry's routed heads.
func (e *MemoryEntry) HasHead(h Head) bool {
	for _, rh := range e.RoutedHeads {
		if rh == h {
			return true
		}
	}
	return false
}

// SalienceOrDefault returns the entry's salience, or def if unset.
func (e *MemoryEntry) SalienceOrDefault(def float64) float64 {
	if e.Salience == nil {
		return def
	}
	return *e.Salience
}

// SummaryKind distinguishes rolling window summaries from on-demand snapshots.
type SummaryKind string

// Summary kind constants.
const (
	SummaryRolling  SummaryKind = "rolling"
	SummarySnapshot SummaryKind = "snapshot"
)

// SummaryRecord is a produced summary over some span of a session's messages.
type SummaryRecord struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id"`
	Kind        SummaryKind `json:"kind"`
	WindowStart int64       `json:"window_start"` // entry id, inclusive
	WindowEnd   int64       `json:"window_end"`   // entry id, inclusive
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SessionCursor is per-session bookkeeping jointly owned by SD and MP.
type SessionCursor struct {
	SessionID                     string    `json:"session_id"`
	LastAnalyzedTimestamp         time.Time `json:"last_analyzed_timestamp"`
	MessagesSinceLastRollingSumm  int       `json:"messages_since_last_rolling_summary"`
	LastRollingSummaryWindowEndID int64     `json:"last_rolling_summary_window_end_id"`
}

// EntryDraft is the input to Submit: the caller-supplied portion of a
// MemoryEntry before defaults and analysis are applied.
type EntryDraft struct {
	SessionID string
	Role      Role
	Content   string
	Timestamp time.Time // zero means "now"
	Metadata  map[string]string
}

// UnifiedAnalysis is the classifier's output for one entry (§4.3).
type UnifiedAnalysis struct {
	Salience    float64  // in [0,1]
	Topics      []string // non-empty
	ContainsCode bool
	RoutedHeads []Head // non-empty subset of {semantic, code, summary, documents}
	Language    string // default "en"

	Mood                string
	Intent              string
	Summary             string
	RelationshipImpact  string

	ProgrammingLang string // required iff ContainsCode
	ContainsError   bool
	ErrorType       string // required iff ContainsError

	MemoryType MemoryType
}

// ScoredMemory is one entry plus the recall engine's composite score
// breakdown (§4.4).
type ScoredMemory struct {
	Entry           MemoryEntry
	FinalScore      float64
	RecencyScore    float64
	SimilarityScore float64
	SalienceScore   float64
}

// RecallContext is the bounded slice of memory assembled for one query.
type RecallContext struct {
	Recent               []MemoryEntry
	Semantic             []ScoredMemory
	Summaries            []SummaryRecord
	QueryEmbeddingPresent bool
	Stats                 RecallStats
}

// RecallStats records degradation and diagnostic counters for one recall call.
type RecallStats struct {
	VMSDegraded    bool
	DegradedHeads  []Head
	RecentCount    int
	SemanticCount  int
	DedupedCount   int
	ElapsedMillis  int64
}

// SearchMode selects a recall strategy (§4.4, §9 "pluggable search strategies").
type SearchMode string

// Recall strategies.
const (
	ModeRecent    SearchMode = "recent"
	ModeSemantic  SearchMode = "semantic"
	ModeHybrid    SearchMode = "hybrid"
	ModeMultiHead SearchMode = "multi_head"
)

// RecallWeights are the composite-score weights; they must sum to 1.
type RecallWeights struct {
	Recency   float64 // alpha_rec
	Similarity float64 // alpha_sim
	Salience  float64 // alpha_sal
}

// RecallConfig controls one recall() call (§4.4).
type RecallConfig struct {
	RecentCount   int
	SemanticCount int
	Mode          SearchMode
	Weights       RecallWeights

	DecayTauHours  float64
	MinFinalScore  float64
	PerHeadK       map[Head]int
	HeadWeights    map[Head]float64 // supplemental: per-head weight for MultiHead
	DedupSimThreshold float64
	IncludeSummaries  bool

	// PinnedBonus is added to entries whose MemoryType is "promise", capped
	// so the final score never exceeds 1.0.
	PinnedBonus float64

	// DefaultHead is the head queried in Semantic mode.
	DefaultHead Head
}

// DefaultRecallConfig returns the Hybrid-mode defaults described in §4.4.
func DefaultRecallConfig() RecallConfig {
	return RecallConfig{
		RecentCount:       5,
		SemanticCount:     5,
		Mode:              ModeHybrid,
		Weights:           RecallWeights{Recency: 0.3, Similarity: 0.5, Salience: 0.2},
		DecayTauHours:     72,
		MinFinalScore:     0.05,
		PerHeadK:          map[Head]int{HeadSemantic: 5, HeadCode: 5, HeadSummary: 3, HeadDocuments: 3},
		HeadWeights:       map[Head]float64{HeadSemantic: 1.0, HeadCode: 1.0, HeadSummary: 0.8, HeadDocuments: 0.8},
		DedupSimThreshold: 0.97,
		IncludeSummaries:  false,
		PinnedBonus:       0.1,
		DefaultHead:       HeadSemantic,
	}
}

// HealthStatus is the result of the Health() probe.
type HealthStatus struct {
	RLS             string // "ok" | "down"
	VMS             string // "ok" | "down"
	PendingCount    int
	PoolUtilization float64
}
