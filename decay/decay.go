// Package decay implements Summarization & Decay (§4.5): rolling/snapshot
// summaries and periodic salience decay with eviction, plus the SessionCursor
// bookkeeping MP and SD jointly own.
package decay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/sessionlock"
	"github.com/mira-labs/mira-memory/vms"

	memory "github.com/mira-labs/mira-memory"
)

// Options configures a Scheduler.
type Options struct {
	RollingWindow   int           // messages between rolling summaries (default 100)
	TauHours        float64       // decay half-life-like parameter
	SalienceFloor   float64       // eviction threshold
	EvictGraceHours float64       // grace period below floor before eviction
	TickPeriod      time.Duration // how often Run ticks DecayTick
}

// DefaultOptions mirrors original_source's background_triggers.rs (rolling
// summary every 100 messages) and the teacher's default-filling convention.
func DefaultOptions() Options {
	return Options{
		RollingWindow:   100,
		TauHours:        72,
		SalienceFloor:   0.05,
		EvictGraceHours: 24 * 7,
		TickPeriod:      10 * time.Minute,
	}
}

// Scheduler owns rolling/snapshot summarization and salience decay.
type Scheduler struct {
	store       rls.Store
	vectors     *vms.MultiStore
	summarizer  llm.Summarizer
	embedder    llm.Embedder
	sessionLock *sessionlock.Map
	opts        Options
}

// New constructs a Scheduler.
func New(store rls.Store, vectors *vms.MultiStore, summarizer llm.Summarizer, embedder llm.Embedder, sessionLock *sessionlock.Map, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.RollingWindow <= 0 {
		opts.RollingWindow = def.RollingWindow
	}
	if opts.TauHours <= 0 {
		opts.TauHours = def.TauHours
	}
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = def.TickPeriod
	}
	return &Scheduler{store: store, vectors: vectors, summarizer: summarizer, embedder: embedder, sessionLock: sessionLock, opts: opts}
}

// Run ticks RunDecayOnce on Options.TickPeriod until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunDecayOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("decay: tick failed, will retry next cycle")
			}
		}
	}
}

// NoteAppended is called by Mira.Submit right after an entry is appended; it
// advances the session's message counter and triggers a rolling summary once
// the configured window is reached (§4.5). When the window is reached the
// rolling summary runs synchronously inside this call; an error returned here
// is logged by Submit and does not fail the submission.
func (s *Scheduler) NoteAppended(ctx context.Context, sessionID string, entryID int64) error {
	unlock := s.sessionLock.Lock(sessionID)
	cursor, err := s.store.GetCursor(ctx, sessionID)
	if err != nil {
		unlock()
		return fmt.Errorf("%w: get cursor: %v", memory.ErrStorageUnavailable, err)
	}
	cursor.MessagesSinceLastRollingSumm++
	shouldRoll := cursor.MessagesSinceLastRollingSumm >= s.opts.RollingWindow
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		unlock()
		return fmt.Errorf("%w: save cursor: %v", memory.ErrStorageUnavailable, err)
	}
	unlock()

	if !shouldRoll {
		return nil
	}
	return s.TriggerRollingSummary(ctx, sessionID)
}

// TriggerRollingSummary collects the unsummarized window in chronological
// order, asks the summarizer for a rolling summary, appends it, and resets
// the cursor (§4.5). A summarizer failure is logged and left for the next
// tick/call rather than blocking the caller.
func (s *Scheduler) TriggerRollingSummary(ctx context.Context, sessionID string) error {
	unlock := s.sessionLock.Lock(sessionID)
	defer unlock()

	cursor, err := s.store.GetCursor(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: get cursor: %v", memory.ErrStorageUnavailable, err)
	}

	window, err := s.store.LoadRecent(ctx, sessionID, s.opts.RollingWindow)
	if err != nil {
		return fmt.Errorf("%w: load window: %v", memory.ErrStorageUnavailable, err)
	}
	unsummarized := window[:0]
	for _, e := range window {
		if e.ID > cursor.LastRollingSummaryWindowEndID {
			unsummarized = append(unsummarized, e)
		}
	}
	if len(unsummarized) == 0 {
		return nil
	}
	chronological := reverse(unsummarized)

	text, err := s.summarizer.Summarize(ctx, toOrdered(chronological), llm.SummarizeRolling)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("decay: rolling summary failed, retrying next tick")
		return nil
	}

	record := &memory.SummaryRecord{
		SessionID:   sessionID,
		Kind:        memory.SummaryRolling,
		WindowStart: chronological[0].ID,
		WindowEnd:   chronological[len(chronological)-1].ID,
		Content:     text,
	}
	if _, err := s.store.AppendSummary(ctx, record); err != nil {
		return fmt.Errorf("%w: append summary: %v", memory.ErrStorageUnavailable, err)
	}

	s.embedSummary(ctx, record)

	cursor.MessagesSinceLastRollingSumm = 0
	cursor.LastRollingSummaryWindowEndID = record.WindowEnd
	cursor.LastAnalyzedTimestamp = chronological[len(chronological)-1].Timestamp
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("%w: save cursor: %v", memory.ErrStorageUnavailable, err)
	}
	return nil
}

// TriggerSnapshot summarizes everything since the last snapshot without
// advancing the rolling cursor (§4.5).
func (s *Scheduler) TriggerSnapshot(ctx context.Context, sessionID string) error {
	unlock := s.sessionLock.Lock(sessionID)
	defer unlock()

	window, err := s.store.LoadRecent(ctx, sessionID, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("%w: load window: %v", memory.ErrStorageUnavailable, err)
	}
	prev, err := s.store.LoadSummaries(ctx, sessionID, memory.SummarySnapshot, 1)
	if err != nil {
		return fmt.Errorf("%w: load snapshots: %v", memory.ErrStorageUnavailable, err)
	}
	since := window[:0]
	for _, e := range window {
		if len(prev) == 0 || e.ID > prev[0].WindowEnd {
			since = append(since, e)
		}
	}
	if len(since) == 0 {
		return nil
	}
	chronological := reverse(since)

	text, err := s.summarizer.Summarize(ctx, toOrdered(chronological), llm.SummarizeSnapshot)
	if err != nil {
		return fmt.Errorf("%w: summarize: %v", memory.ErrSummarizerUnavailable, err)
	}

	record := &memory.SummaryRecord{
		SessionID:   sessionID,
		Kind:        memory.SummarySnapshot,
		WindowStart: chronological[0].ID,
		WindowEnd:   chronological[len(chronological)-1].ID,
		Content:     text,
	}
	if _, err := s.store.AppendSummary(ctx, record); err != nil {
		return fmt.Errorf("%w: append summary: %v", memory.ErrStorageUnavailable, err)
	}
	s.embedSummary(ctx, record)
	return nil
}

// embedSummary embeds a produced summary into the summary head for later
// semantic retrieval (§4.5: "summaries may be embedded in the summary head").
// Best-effort: a failure here never fails the summarization call itself.
func (s *Scheduler) embedSummary(ctx context.Context, record *memory.SummaryRecord) {
	if _, ok := s.vectors.Head(memory.HeadSummary); !ok {
		return
	}
	vector, err := s.embedder.Embed(ctx, memory.HeadSummary, record.Content)
	if err != nil {
		log.Warn().Err(err).Str("session_id", record.SessionID).Msg("decay: summary embed failed")
		return
	}
	payload := vms.Payload{EntryID: record.WindowEnd, SessionID: record.SessionID}
	if err := s.vectors.Upsert(ctx, memory.HeadSummary, record.WindowEnd, vector, payload); err != nil {
		log.Warn().Err(err).Str("session_id", record.SessionID).Msg("decay: summary upsert failed")
	}
}

// RunDecayOnce applies one salience-decay pass over RLS and evicts entries
// past their grace period, removing them from VMS too (§4.5). It is exposed
// directly as the `run_decay_once` maintenance operation (§6).
func (s *Scheduler) RunDecayOnce(ctx context.Context) (rls.DecayStats, error) {
	rule := rls.DecayRule{
		TauHours:        s.opts.TauHours,
		SalienceFloor:   s.opts.SalienceFloor,
		EvictGraceHours: s.opts.EvictGraceHours,
		Now:             time.Now(),
	}
	stats, err := s.store.DecayTick(ctx, rule)
	if err != nil {
		return rls.DecayStats{}, fmt.Errorf("%w: decay tick: %v", memory.ErrStorageUnavailable, err)
	}

	for _, id := range stats.EvictedIDs {
		if err := s.vectors.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Int64("entry_id", id).Msg("decay: vms delete failed for evicted entry")
		}
	}
	return stats, nil
}

func reverse(in []memory.MemoryEntry) []memory.MemoryEntry {
	out := make([]memory.MemoryEntry, len(in))
	for i, e := range in {
		out[len(in)-1-i] = e
	}
	return out
}

func toOrdered(in []memory.MemoryEntry) []llm.OrderedMessage {
	out := make([]llm.OrderedMessage, len(in))
	for i, e := range in {
		out[i] = llm.OrderedMessage{Role: e.Role, Content: e.Content}
	}
	return out
}
