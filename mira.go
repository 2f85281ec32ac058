package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mira-labs/mira-memory/decay"
	"github.com/mira-labs/mira-memory/llm"
	"github.com/mira-labs/mira-memory/pipeline"
	"github.com/mira-labs/mira-memory/recall"
	"github.com/mira-labs/mira-memory/rls"
	"github.com/mira-labs/mira-memory/sessionlock"
	"github.com/mira-labs/mira-memory/vms"
)

// Mira is the facade wiring RLS, VMS, MP, RE, and SD into the external
// interface surface described in §6: submit, recall, the maintenance
// operations, and health. Construct one with New or WireFromConfig; callers never talk
// to the subpackages directly.
type Mira struct {
	store       rls.Store
	vectors     *vms.MultiStore
	pipeline    *pipeline.Coordinator
	recall      *recall.Engine
	decay       *decay.Scheduler
	sessionLock *sessionlock.Map

	cancel context.CancelFunc
}

// Deps bundles the collaborators and backends New wires together. Callers
// assemble these explicitly (production collaborators, or in-process stubs
// for tests) rather than Mira constructing them from Config directly, so
// that swapping one backend doesn't require touching the facade.
type Deps struct {
	Store       rls.Store
	Vectors     *vms.MultiStore
	Classifier  llm.Classifier
	Embedder    llm.Embedder
	Summarizer  llm.Summarizer
	PipelineOpt pipeline.Options
	DecayOpt    decay.Options
}

// New wires a Mira instance from explicit collaborators (§9: "core is a
// library-style module", no global state).
func New(deps Deps) *Mira {
	sessionLock := sessionlock.New()
	return &Mira{
		store:       deps.Store,
		vectors:     deps.Vectors,
		pipeline:    pipeline.New(deps.Store, deps.Vectors, deps.Classifier, deps.Embedder, deps.PipelineOpt),
		recall:      recall.New(deps.Store, deps.Vectors, deps.Embedder),
		decay:       decay.New(deps.Store, deps.Vectors, deps.Summarizer, deps.Embedder, sessionLock, deps.DecayOpt),
		sessionLock: sessionLock,
	}
}

// WireFromConfig builds the production Deps (Postgres + optional Redis
// cache, pgvector or Qdrant per cfg.VectorBackend, OpenAI collaborators) and
// returns a ready Mira, generalizing the teacher's NewWithConfig
// default-filling across the full component set.
func WireFromConfig(ctx context.Context, cfg Config) (*Mira, error) {
	pg, err := rls.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("wire rls: %w", err)
	}

	var store rls.Store = pg
	if cfg.RedisAddr != "" {
		cached, err := rls.NewCachingStore(pg, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 50, 24*time.Hour)
		if err != nil {
			log.Warn().Err(err).Msg("mira: redis cache unavailable, continuing without it")
		} else {
			store = cached
		}
	}

	multi := vms.NewMultiStore()
	for _, h := range []Head{HeadSemantic, HeadCode, HeadSummary, HeadDocuments} {
		head, err := newVectorHead(ctx, cfg, pg, h)
		if err != nil {
			return nil, fmt.Errorf("wire vms head %s: %w", h, err)
		}
		multi.EnsureHead(h, head)
	}

	classifier := llm.NewOpenAIClassifier(cfg.OpenAIKey, cfg.ClassifierModel)
	embedder := llm.NewOpenAIEmbedder(cfg.OpenAIKey, cfg.EmbeddingModel, cfg.VectorDimension)
	summarizer := llm.NewOpenAISummarizer(cfg.OpenAIKey, cfg.SummarizerModel)

	deps := Deps{
		Store:      store,
		Vectors:    multi,
		Classifier: classifier,
		Embedder:   embedder,
		Summarizer: summarizer,
		PipelineOpt: pipeline.Options{
			BatchSize:    cfg.PipelineBatchSize,
			PoolSize:     cfg.PipelinePoolSize,
			PollPeriod:   cfg.PipelinePollPeriod,
			ClaimTimeout: cfg.ClaimTimeout,
			MaxRetries:   cfg.MaxRetries,
			Routing: pipeline.RoutingParams{
				SalienceSummaryThreshold: cfg.SalienceSummaryThreshold,
				EmbedMinChars:            cfg.EmbedMinChars,
				AlwaysEmbedUser:          cfg.AlwaysEmbedUser,
				AlwaysEmbedAssistant:     cfg.AlwaysEmbedAssistant,
				CodeBlockSizeThreshold:   200,
			},
		},
		DecayOpt: decay.Options{
			RollingWindow:   cfg.RollingSummaryWindow,
			TauHours:        cfg.DecayTauHours,
			SalienceFloor:   cfg.SalienceFloor,
			EvictGraceHours: cfg.EvictGraceHours,
			TickPeriod:      cfg.DecayTickPeriod,
		},
	}
	return New(deps), nil
}

func newVectorHead(ctx context.Context, cfg Config, pg *rls.PostgresStore, h Head) (vms.Head, error) {
	switch cfg.VectorBackend {
	case VectorBackendQdrant:
		return vms.NewQdrantHead(ctx, cfg.QdrantAddr, cfg.QdrantAPIKey, string(h), cfg.VectorDimension)
	default:
		return vms.NewPgvectorHead(ctx, pg.Pool(), string(h), cfg.VectorDimension)
	}
}

// StartBackground launches the pipeline coordinator and decay scheduler as
// background tasks, stopped by Close. Callers that only need Submit/Recall
// synchronously (e.g. tests) can skip this and drive Tick/RunDecayOnce
// directly.
func (m *Mira) StartBackground(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		if err := m.pipeline.Run(bgCtx); err != nil {
			log.Error().Err(err).Msg("mira: pipeline coordinator exited")
		}
	}()
	go func() {
		if err := m.decay.Run(bgCtx); err != nil {
			log.Error().Err(err).Msg("mira: decay scheduler exited")
		}
	}()
}

// Close stops background tasks and releases backend resources.
func (m *Mira) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	if err := m.vectors.Close(); err != nil {
		log.Warn().Err(err).Msg("mira: vms close failed")
	}
	return m.store.Close()
}

// Submit is the ingress operation (§6): persists entry_draft durably and
// returns its id immediately. Analysis happens asynchronously via the
// pipeline; the entry is visible in Recent queries right away with
// analysis_state=pending.
func (m *Mira) Submit(ctx context.Context, draft EntryDraft) (int64, error) {
	if draft.Content == "" {
		return 0, fmt.Errorf("%w: content must be non-empty", ErrInvalidInput)
	}
	entry := &MemoryEntry{
		SessionID: draft.SessionID,
		Role:      draft.Role,
		Content:   draft.Content,
		Timestamp: draft.Timestamp,
	}
	id, err := m.store.Append(ctx, entry)
	if err != nil {
		return 0, err
	}

	if err := m.decay.NoteAppended(ctx, draft.SessionID, id); err != nil {
		log.Warn().Err(err).Int64("entry_id", id).Msg("mira: cursor update failed, rolling summary may lag")
	}

	return id, nil
}

// Recall is the query operation (§6): builds a RecallContext for a session
// under cfg. Pass a zero RecallConfig to use DefaultRecallConfig.
func (m *Mira) Recall(ctx context.Context, sessionID, query string, cfg RecallConfig) (RecallContext, error) {
	if cfg.Mode == "" {
		cfg = DefaultRecallConfig()
	}
	return m.recall.Recall(ctx, recall.Query{SessionID: sessionID, Text: query}, cfg)
}

// TriggerRollingSummary forces SD's rolling-window summarizer for a session
// (§6), independent of whether the window has been reached.
func (m *Mira) TriggerRollingSummary(ctx context.Context, sessionID string) error {
	return m.decay.TriggerRollingSummary(ctx, sessionID)
}

// TriggerSnapshot produces an on-demand snapshot summary (§6).
func (m *Mira) TriggerSnapshot(ctx context.Context, sessionID string) error {
	return m.decay.TriggerSnapshot(ctx, sessionID)
}

// RunDecayOnce runs one salience-decay and eviction pass (§6).
func (m *Mira) RunDecayOnce(ctx context.Context) (rls.DecayStats, error) {
	return m.decay.RunDecayOnce(ctx)
}

// Tick runs one pipeline poll-claim-dispatch cycle synchronously, for
// callers (and tests) that don't use StartBackground.
func (m *Mira) Tick(ctx context.Context) error {
	return m.pipeline.Tick(ctx)
}

// Health reports component status and pipeline load (§6).
func (m *Mira) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{RLS: "ok", VMS: "ok"}
	if err := m.store.HealthCheck(ctx); err != nil {
		status.RLS = "down"
	}
	if err := m.vectors.HealthCheck(ctx); err != nil {
		status.VMS = "down"
	}
	if pending, err := m.store.LoadPending(ctx, 1000); err == nil {
		status.PendingCount = len(pending)
	}
	return status
}
