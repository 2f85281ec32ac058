// Package recall implements the Recall Engine (§4.4): building a bounded
// RecallContext for a session under a RecallConfig, across four pluggable
// search strategies.
package recall

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/vms"

	memory "github.com/mira-labs/mira-memory"
)

// Engine builds RecallContexts. It is stateless and reentrant (§4.4); every
// field is a read-only collaborator handle.
type Engine struct {
	store    rls.Store
	vectors  *vms.MultiStore
	embedder llm.Embedder
}

// New constructs an Engine.
func New(store rls.Store, vectors *vms.MultiStore, embedder llm.Embedder) *Engine {
	return &Engine{store: store, vectors: vectors, embedder: embedder}
}

// Query is the input to Recall: a session plus an optional free-text query.
type Query struct {
	SessionID string
	Text      string // empty means no query; Semantic/MultiHead require it, Hybrid then runs only its Recent leg
	Now       time.Time
}

// Recall builds a RecallContext per the configured strategy (§4.4). It
// returns promptly on ctx cancellation, propagating cancellation into every
// outstanding sub-query.
func (e *Engine) Recall(ctx context.Context, q Query, cfg memory.RecallConfig) (memory.RecallContext, error) {
	start := time.Now()
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var rc memory.RecallContext
	var err error

	switch cfg.Mode {
	case memory.ModeRecent:
		rc, err = e.recallRecent(ctx, q, cfg, now)
	case memory.ModeSemantic:
		rc, err = e.recallSemantic(ctx, q, cfg, now)
	case memory.ModeMultiHead:
		rc, err = e.recallMultiHead(ctx, q, cfg, now)
	default:
		rc, err = e.recallHybrid(ctx, q, cfg, now)
	}
	if err != nil {
		return memory.RecallContext{}, err
	}

	if cfg.IncludeSummaries {
		summaries, serr := e.store.LoadSummaries(ctx, q.SessionID, "", 5)
		if serr == nil {
			rc.Summaries = summaries
		} else {
			rc.Stats.VMSDegraded = true
		}
	}

	rc.Stats.ElapsedMillis = time.Since(start).Milliseconds()
	return rc, nil
}

func (e *Engine) recallRecent(ctx context.Context, q Query, cfg memory.RecallConfig, now time.Time) (memory.RecallContext, error) {
	recent, err := e.store.LoadRecent(ctx, q.SessionID, cfg.RecentCount)
	if err != nil {
		return memory.RecallContext{}, err
	}
	return memory.RecallContext{
		Recent: recent,
		Stats:  memory.RecallStats{RecentCount: len(recent)},
	}, nil
}

func (e *Engine) recallSemantic(ctx context.Context, q Query, cfg memory.RecallConfig, now time.Time) (memory.RecallContext, error) {
	if q.Text == "" {
		return memory.RecallContext{}, memory.NewOpError("recall.Semantic", "query text required", memory.ErrInvalidInput)
	}
	scored, degraded, err := e.semanticSearch(ctx, q, cfg, now, cfg.DefaultHead, cfg.SemanticCount, 1.0)
	if err != nil {
		return memory.RecallContext{}, err
	}
	scored = finalize(scored, cfg)
	return memory.RecallContext{
		Semantic:              scored,
		QueryEmbeddingPresent: true,
		Stats:                 memory.RecallStats{SemanticCount: len(scored), VMSDegraded: degraded},
	}, nil
}

func (e *Engine) recallHybrid(ctx context.Context, q Query, cfg memory.RecallConfig, now time.Time) (memory.RecallContext, error) {
	g, gctx := errgroup.WithContext(ctx)

	var recent []memory.MemoryEntry
	var semantic []memory.ScoredMemory
	var degraded bool

	g.Go(func() error {
		r, err := e.store.LoadRecent(gctx, q.SessionID, cfg.RecentCount)
		if err != nil {
			return err
		}
		recent = r
		return nil
	})

	if q.Text != "" {
		g.Go(func() error {
			s, d, err := e.semanticSearch(gctx, q, cfg, now, cfg.DefaultHead, cfg.SemanticCount, 1.0)
			if err != nil {
				return err
			}
			semantic = s
			degraded = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return memory.RecallContext{}, err
	}

	// §8 Degradation: when the VMS head is unreachable there is nothing to
	// union recent against, so semantic stays empty rather than silently
	// reappearing as unscored recent entries.
	var union []memory.ScoredMemory
	if !degraded {
		union = unionEntries(recent, semantic, cfg, now)
		union = dedup(union, cfg)

		limit := cfg.RecentCount + cfg.SemanticCount
		if limit > 0 && len(union) > limit {
			union = union[:limit]
		}
	}

	return memory.RecallContext{
		Recent:                recent,
		Semantic:              union,
		QueryEmbeddingPresent: q.Text != "",
		Stats: memory.RecallStats{
			RecentCount:   len(recent),
			SemanticCount: len(semantic),
			DedupedCount:  len(union),
			VMSDegraded:   degraded,
		},
	}, nil
}

func (e *Engine) recallMultiHead(ctx context.Context, q Query, cfg memory.RecallConfig, now time.Time) (memory.RecallContext, error) {
	if q.Text == "" {
		return memory.RecallContext{}, memory.NewOpError("recall.MultiHead", "query text required", memory.ErrInvalidInput)
	}

	heads := make([]memory.Head, 0, len(cfg.PerHeadK))
	for h := range cfg.PerHeadK {
		heads = append(heads, h)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })

	g, gctx := errgroup.WithContext(ctx)
	perHead := make([][]memory.ScoredMemory, len(heads))
	degradedHeads := make([]bool, len(heads))

	for i, h := range heads {
		i, h := i, h
		g.Go(func() error {
			k := cfg.PerHeadK[h]
			weight := cfg.HeadWeights[h]
			if weight == 0 {
				weight = 1.0
			}
			scored, degraded, err := e.semanticSearch(gctx, q, cfg, now, h, k, weight)
			if err != nil {
				degradedHeads[i] = true
				return nil
			}
			perHead[i] = scored
			degradedHeads[i] = degraded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return memory.RecallContext{}, err
	}

	var union []memory.ScoredMemory
	var degradedList []memory.Head
	for i, h := range heads {
		union = append(union, perHead[i]...)
		if degradedHeads[i] {
			degradedList = append(degradedList, h)
		}
	}
	union = mergeByEntry(union)
	union = finalize(union, cfg)
	union = dedup(union, cfg)

	return memory.RecallContext{
		Semantic:              union,
		QueryEmbeddingPresent: true,
		Stats: memory.RecallStats{
			SemanticCount: len(union),
			VMSDegraded:   len(degradedList) > 0,
			DegradedHeads: degradedList,
		},
	}, nil
}

// semanticSearch embeds q.Text, searches one head, and loads the
// corresponding RLS rows to fill entry data (VMS only stores a thin
// Payload). Returns degraded=true if the head itself is unreachable,
// matching §7's "VMS outage degrades recall to Recent-only" contract at the
// call-site level (callers decide whether to fall back further). weight
// scales the head's similarity before composite scoring (§4.4: "weighting
// each head's contribution by a configured per-head weight before composite
// scoring"), so FinalScore always reflects the weighted similarity rather
// than being adjusted after the fact.
func (e *Engine) semanticSearch(ctx context.Context, q Query, cfg memory.RecallConfig, now time.Time, head memory.Head, k int, weight float64) ([]memory.ScoredMemory, bool, error) {
	vector, err := e.embedder.Embed(ctx, head, q.Text)
	if err != nil {
		return nil, true, nil
	}

	hits, err := e.vectors.Search(ctx, head, vector, k, vms.Filter{SessionID: q.SessionID})
	if err != nil {
		return nil, true, nil
	}

	scored := make([]memory.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		entry, ok := e.lookupEntry(ctx, h.EntryID)
		if !ok {
			continue
		}
		sm := score(entry, h.Score*weight, cfg, now)
		scored = append(scored, sm)
	}
	return scored, false, nil
}

func (e *Engine) lookupEntry(ctx context.Context, id int64) (memory.MemoryEntry, bool) {
	// RLS doesn't expose a by-id getter on the public Store interface by
	// design (§9: callers page via LoadRecent); however recall needs one, so
	// optional narrowing interfaces are checked here rather than widening
	// Store for every backend.
	type byID interface {
		GetByID(ctx context.Context, id int64) (memory.MemoryEntry, error)
	}
	if g, ok := e.store.(byID); ok {
		entry, err := g.GetByID(ctx, id)
		if err != nil {
			return memory.MemoryEntry{}, false
		}
		return entry, true
	}
	return memory.MemoryEntry{}, false
}

func score(entry memory.MemoryEntry, similarity float64, cfg memory.RecallConfig, now time.Time) memory.ScoredMemory {
	ageHours := now.Sub(entry.Timestamp).Hours()
	recency := recencyScore(ageHours, cfg.DecayTauHours)
	salience := entry.SalienceOrDefault(0.5)

	final := cfg.Weights.Recency*recency + cfg.Weights.Similarity*similarity + cfg.Weights.Salience*salience
	if entry.MemoryType == memory.MemoryTypePromise {
		final += cfg.PinnedBonus
	}
	if final > 1 {
		final = 1
	}
	if final < 0 {
		final = 0
	}

	return memory.ScoredMemory{
		Entry:           entry,
		FinalScore:      final,
		RecencyScore:    recency,
		SimilarityScore: similarity,
		SalienceScore:   salience,
	}
}

func recencyScore(ageHours, tauHours float64) float64 {
	if tauHours <= 0 {
		return 0
	}
	return math.Exp(-ageHours / tauHours)
}

// unionEntries scores the Recent set (similarity=0, since it has no VMS hit)
// and merges it with the already-scored Semantic set, by entry id.
func unionEntries(recent []memory.MemoryEntry, semantic []memory.ScoredMemory, cfg memory.RecallConfig, now time.Time) []memory.ScoredMemory {
	byID := make(map[int64]memory.ScoredMemory, len(recent)+len(semantic))
	for _, e := range recent {
		byID[e.ID] = score(e, 0, cfg, now)
	}
	for _, s := range semantic {
		if existing, ok := byID[s.Entry.ID]; ok {
			// Prefer the semantic hit's similarity, keep the higher final score.
			if s.FinalScore > existing.FinalScore {
				byID[s.Entry.ID] = s
			}
			continue
		}
		byID[s.Entry.ID] = s
	}

	out := make([]memory.ScoredMemory, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortScored(out)
	return out
}

func mergeByEntry(in []memory.ScoredMemory) []memory.ScoredMemory {
	byID := make(map[int64]memory.ScoredMemory, len(in))
	for _, s := range in {
		if existing, ok := byID[s.Entry.ID]; !ok || s.SimilarityScore > existing.SimilarityScore {
			byID[s.Entry.ID] = s
		}
	}
	out := make([]memory.ScoredMemory, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

func finalize(in []memory.ScoredMemory, cfg memory.RecallConfig) []memory.ScoredMemory {
	out := in[:0:0]
	for _, s := range in {
		if s.FinalScore < cfg.MinFinalScore {
			continue
		}
		out = append(out, s)
	}
	sortScored(out)
	return out
}

// sortScored orders by descending final score, ties by newer timestamp then
// higher entry id (§4.4).
func sortScored(in []memory.ScoredMemory) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].FinalScore != in[j].FinalScore {
			return in[i].FinalScore > in[j].FinalScore
		}
		if !in[i].Entry.Timestamp.Equal(in[j].Entry.Timestamp) {
			return in[i].Entry.Timestamp.After(in[j].Entry.Timestamp)
		}
		return in[i].Entry.ID > in[j].Entry.ID
	})
}

// dedup drops the lower-scoring of any two entries with equal content
// hashes, keeping the first in the input's order (§4.4's fallback for when
// embeddings are unavailable; the recall package never has them). Embedding
// similarity is not compared: DedupSimThreshold only switches dedup off when
// it is <= 0.
func dedup(in []memory.ScoredMemory, cfg memory.RecallConfig) []memory.ScoredMemory {
	if cfg.DedupSimThreshold <= 0 {
		return in
	}
	seenHashes := make(map[string]bool, len(in))
	out := make([]memory.ScoredMemory, 0, len(in))
	for _, s := range in {
		if seenHashes[s.Entry.ContentHash] {
			continue
		}
		seenHashes[s.Entry.ContentHash] = true
		out = append(out, s)
	}
	return out
}
