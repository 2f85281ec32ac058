// Package pipeline implements the Message Pipeline (§4.3): a bounded-
// concurrency background consumer that classifies pending entries and routes
// them into the vector multi-store's heads.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/vms"

	memory "github.com/mira-labs/mira-memory"
)

// Options configures a Coordinator.
type Options struct {
	BatchSize        int
	PoolSize         int
	PollPeriod       time.Duration
	ClaimTimeout     time.Duration
	MaxRetries       int
	Routing          RoutingParams
	RetryHeadsPeriod time.Duration // how often Run scans analyzed entries for missing heads
	RetryHeadsBatch  int
}

// DefaultOptions mirrors the teacher's default-filling conventions.
func DefaultOptions() Options {
	return Options{
		BatchSize:        32,
		PoolSize:         4,
		PollPeriod:       500 * time.Millisecond,
		ClaimTimeout:     2 * time.Minute,
		MaxRetries:       3,
		Routing:          DefaultRoutingParams(),
		RetryHeadsPeriod: 5 * time.Minute,
		RetryHeadsBatch:  100,
	}
}

// Coordinator polls RLS for pending entries and dispatches them to a bounded
// worker pool, matching §4.3's execution model and §9's "bounded worker pool
// with a bounded in-memory dispatch queue seeded from load_pending".
type Coordinator struct {
	store      rls.Store
	vectors    *vms.MultiStore
	classifier llm.Classifier
	embedder   llm.Embedder
	opts       Options

	ownerID string
}

// New constructs a Coordinator.
func New(store rls.Store, vectors *vms.MultiStore, classifier llm.Classifier, embedder llm.Embedder, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultOptions().PoolSize
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = DefaultOptions().PollPeriod
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultOptions().ClaimTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.RetryHeadsPeriod <= 0 {
		opts.RetryHeadsPeriod = DefaultOptions().RetryHeadsPeriod
	}
	if opts.RetryHeadsBatch <= 0 {
		opts.RetryHeadsBatch = DefaultOptions().RetryHeadsBatch
	}
	return &Coordinator{
		store:      store,
		vectors:    vectors,
		classifier: classifier,
		embedder:   embedder,
		opts:       opts,
		ownerID:    uuid.NewString(),
	}
}

// Run polls on Options.PollPeriod until ctx is cancelled. Each tick claims up
// to BatchSize pending (or stalled) entries and processes them through a
// pool of at most PoolSize concurrent workers. A second, slower ticker scans
// already-analyzed entries for heads an earlier embed outage left missing
// and retries them (§4.3: "missing heads are recorded … and retried in a
// later pass").
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollPeriod)
	defer ticker.Stop()

	retryTicker := time.NewTicker(c.opts.RetryHeadsPeriod)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("pipeline: tick failed")
			}
		case <-retryTicker.C:
			if err := c.RetryMissingHeadsPass(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("pipeline: retry-missing-heads pass failed")
			}
		}
	}
}

// Tick runs one poll-claim-dispatch cycle and returns once every claimed
// entry has been processed (or the context is cancelled).
func (c *Coordinator) Tick(ctx context.Context) error {
	claimed, err := c.store.ClaimPending(ctx, c.ownerID, c.opts.BatchSize, c.opts.ClaimTimeout)
	if err != nil {
		return fmt.Errorf("%w: claim pending: %v", memory.ErrStorageUnavailable, err)
	}
	if len(claimed) == 0 {
		return nil
	}

	bySession := groupBySession(claimed)

	sem := semaphore.NewWeighted(int64(c.opts.PoolSize))
	g, gctx := errgroup.WithContext(ctx)

	for _, group := range bySession {
		group := group
		if err := sem.Acquire(ctx, 1); err != nil {
			break // ctx cancelled
		}
		g.Go(func() error {
			defer sem.Release(1)
			c.processSessionGroup(gctx, group)
			return nil
		})
	}

	return g.Wait()
}

func groupBySession(entries []memory.MemoryEntry) [][]memory.MemoryEntry {
	bySession := make(map[string][]memory.MemoryEntry)
	for _, e := range entries {
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}
	groups := make([][]memory.MemoryEntry, 0, len(bySession))
	for _, g := range bySession {
		sort.Slice(g, func(i, j int) bool { return g[i].Timestamp.Before(g[j].Timestamp) })
		groups = append(groups, g)
	}
	return groups
}

// processSessionGroup processes one session's claimed entries strictly in
// timestamp order, so embeddings commit to VMS in the same order their
// entries were written (§4.3: "MP preserves commit order for embeddings").
func (c *Coordinator) processSessionGroup(ctx context.Context, entries []memory.MemoryEntry) {
	for i := range entries {
		c.processEntry(ctx, &entries[i])
	}
}

func (c *Coordinator) processEntry(ctx context.Context, entry *memory.MemoryEntry) {
	analysis, err := c.classifyWithRetry(ctx, entry)
	if err != nil {
		kind := err.Error()
		failed := memory.AnalysisFailed
		_, uerr := c.store.UpdateMetadata(ctx, entry.ID, rls.Patch{
			AnalysisState: &failed,
			ErrorKind:     &kind,
			ClearClaim:    true,
		})
		if uerr != nil {
			log.Error().Err(uerr).Int64("entry_id", entry.ID).Msg("pipeline: failed to record classification failure")
		}
		return
	}

	heads := RouteHeads(entry.Content, entry.Role, analysis, c.opts.Routing)
	routed := c.embedHeads(ctx, entry, heads)

	analyzed := memory.AnalysisAnalyzed
	salience := analysis.Salience
	summary := analysis.Summary
	memType := analysis.MemoryType
	lang := analysis.Language
	patch := rls.Patch{
		AnalysisState: &analyzed,
		Salience:      &salience,
		Summary:       &summary,
		MemoryType:    &memType,
		RoutedHeads:   routed,
		Language:      &lang,
		ClearClaim:    true,
	}
	if analysis.ContainsCode {
		patch.ProgrammingLang = &analysis.ProgrammingLang
	}
	if analysis.ContainsError {
		patch.ErrorType = &analysis.ErrorType
	}
	if len(analysis.Topics) > 0 {
		patch.Tags = analysis.Topics
	}

	if _, err := c.store.UpdateMetadata(ctx, entry.ID, patch); err != nil {
		log.Error().Err(err).Int64("entry_id", entry.ID).Msg("pipeline: failed to record analysis")
	}
}

// classifyWithRetry retries transient classifier failures with exponential
// backoff up to MaxRetries (§4.3, §7).
func (c *Coordinator) classifyWithRetry(ctx context.Context, entry *memory.MemoryEntry) (memory.UnifiedAnalysis, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return memory.UnifiedAnalysis{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		analysis, err := c.classifier.Classify(ctx, entry.Content, entry.Role, entry.Language)
		if err == nil {
			return analysis, nil
		}
		lastErr = err
		log.Warn().Err(err).Int64("entry_id", entry.ID).Int("attempt", attempt).Msg("pipeline: classify attempt failed")
	}
	return memory.UnifiedAnalysis{}, lastErr
}

// embedHeads embeds entry's content into each requested head. A failure on
// one head doesn't block the others; heads that fail are omitted from the
// returned slice and left for a later retry pass (§4.3).
func (c *Coordinator) embedHeads(ctx context.Context, entry *memory.MemoryEntry, heads []memory.Head) []memory.Head {
	if len(heads) == 0 {
		return nil
	}

	var routed []memory.Head
	for _, h := range heads {
		vector, err := c.embedder.Embed(ctx, h, entry.Content)
		if err != nil {
			log.Warn().Err(err).Int64("entry_id", entry.ID).Str("head", string(h)).Msg("pipeline: embed failed, will retry later")
			continue
		}
		payload := vms.Payload{EntryID: entry.ID, SessionID: entry.SessionID, Role: entry.Role, Tags: entry.Tags}
		if err := c.vectors.Upsert(ctx, h, entry.ID, vector, payload); err != nil {
			log.Warn().Err(err).Int64("entry_id", entry.ID).Str("head", string(h)).Msg("pipeline: vms upsert failed, will retry later")
			continue
		}
		routed = append(routed, h)
	}
	return routed
}

// RetryMissingHeadsPass loads a batch of already-analyzed entries and runs
// RetryMissingHeads over them. This is the "later pass" §4.3 refers to for
// heads that failed to embed the first time, wired into Run on
// Options.RetryHeadsPeriod.
func (c *Coordinator) RetryMissingHeadsPass(ctx context.Context) error {
	entries, err := c.store.LoadAnalyzed(ctx, c.opts.RetryHeadsBatch)
	if err != nil {
		return fmt.Errorf("%w: load analyzed: %v", memory.ErrStorageUnavailable, err)
	}
	c.RetryMissingHeads(ctx, entries)
	return nil
}

// RetryMissingHeads re-examines analyzed entries whose RoutedHeads doesn't
// yet cover every head RouteHeads would pick, and attempts to embed the
// missing ones. The routing analysis is re-derived entirely from each
// entry's own persisted fields (salience, memory_type, programming_lang) —
// nothing about the original classification needs to be held in memory
// between the first pass and this one.
func (c *Coordinator) RetryMissingHeads(ctx context.Context, entries []memory.MemoryEntry) {
	for _, e := range entries {
		analysis := analysisFromEntry(e)
		wanted := RouteHeads(e.Content, e.Role, analysis, c.opts.Routing)
		missing := diffHeads(wanted, e.RoutedHeads)
		if len(missing) == 0 {
			continue
		}
		newlyRouted := c.embedHeads(ctx, &e, missing)
		if len(newlyRouted) == 0 {
			continue
		}
		merged := append(append([]memory.Head{}, e.RoutedHeads...), newlyRouted...)
		if _, err := c.store.UpdateMetadata(ctx, e.ID, rls.Patch{RoutedHeads: merged}); err != nil {
			log.Error().Err(err).Int64("entry_id", e.ID).Msg("pipeline: failed to record retried heads")
		}
	}
}

// analysisFromEntry reconstructs just enough of a UnifiedAnalysis for
// RouteHeads to reproduce its original routing decision, using only fields
// UpdateMetadata already persisted during the first classify pass.
func analysisFromEntry(e memory.MemoryEntry) memory.UnifiedAnalysis {
	return memory.UnifiedAnalysis{
		Salience:     e.SalienceOrDefault(0),
		MemoryType:   e.MemoryType,
		ContainsCode: e.ProgrammingLang != "",
	}
}

func diffHeads(wanted, have []memory.Head) []memory.Head {
	haveSet := make(map[memory.Head]struct{}, len(have))
	for _, h := range have {
		haveSet[h] = struct{}{}
	}
	var missing []memory.Head
	for _, h := range wanted {
		if _, ok := haveSet[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}
