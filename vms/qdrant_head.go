package vms

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	memory "github.com/mira-labs/mira-memory"
)

// originalIDField stores the caller's int64 entry id in the point payload,
// since Qdrant only accepts UUID or unsigned-integer point ids and we want
// the head's id space to be independent of Qdrant's (mirrors
// intelligencedev-manifold's qdrantVector._original_id convention).
const originalIDField = "_entry_id"

// QdrantHead stores one head's embeddings as a Qdrant collection, grounded on
// intelligencedev-manifold's internal/persistence/databases/qdrant_vector.go
// and on original_source's memory/storage/qdrant backend.
type QdrantHead struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewQdrantHead connects to Qdrant (gRPC, default port 6334) and ensures the
// named collection exists with cosine distance and the given dimension.
func NewQdrantHead(ctx context.Context, addr, apiKey, headName string, dim int) (*QdrantHead, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dim must be positive", memory.ErrInvalidInput)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid qdrant port in %q", memory.ErrInvalidInput, addr)
	}

	cfg := &qdrant.Config{Host: host, Port: port}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create qdrant client: %v", memory.ErrVectorUnavailable, err)
	}

	collection := "mira_head_" + headName
	h := &QdrantHead{client: client, collection: collection, dim: dim}
	if err := h.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return h, nil
}

func (h *QdrantHead) ensureCollection(ctx context.Context) error {
	exists, err := h.client.CollectionExists(ctx, h.collection)
	if err != nil {
		return fmt.Errorf("%w: check collection: %v", memory.ErrVectorUnavailable, err)
	}
	if exists {
		info, err := h.client.GetCollectionInfo(ctx, h.collection)
		if err == nil && info != nil && info.Config != nil && info.Config.Params != nil && info.Config.Params.VectorsConfig != nil {
			if params := info.Config.Params.VectorsConfig.GetParams(); params != nil {
				if existing := int(params.GetSize()); existing != 0 && existing != h.dim {
					return fmt.Errorf("%w: collection %q has dim %d, requested %d", memory.ErrIncompatibleDim, h.collection, existing, h.dim)
				}
			}
		}
		return nil
	}

	return h.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: h.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(h.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func entryUUID(entryID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strconv.FormatInt(entryID, 10))).String()
}

// Dim implements Head.
func (h *QdrantHead) Dim() int { return h.dim }

// Upsert implements Head.
func (h *QdrantHead) Upsert(ctx context.Context, entryID int64, vector []float32, payload Payload) error {
	if len(vector) != h.dim {
		return fmt.Errorf("%w: vector has %d dims, head wants %d", memory.ErrInvalidInput, len(vector), h.dim)
	}

	payloadMap := map[string]any{
		originalIDField: fmt.Sprintf("%d", entryID),
		"session_id":    payload.SessionID,
		"role":          string(payload.Role),
	}
	if len(payload.Tags) > 0 {
		tags := make([]any, len(payload.Tags))
		for i, t := range payload.Tags {
			tags[i] = t
		}
		payloadMap["tags"] = tags
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)

	_, err := h.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: h.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(entryUUID(entryID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payloadMap),
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// Search implements Head.
func (h *QdrantHead) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var qFilter *qdrant.Filter
	if filter.SessionID != "" {
		qFilter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("session_id", filter.SessionID)}}
	}

	limit := uint64(k)
	results, err := h.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: h.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", memory.ErrVectorUnavailable, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		var entryID int64
		var tags []string
		var role string
		var sessionID string
		if r.Payload != nil {
			if v, ok := r.Payload[originalIDField]; ok {
				fmt.Sscanf(v.GetStringValue(), "%d", &entryID)
			}
			if v, ok := r.Payload["session_id"]; ok {
				sessionID = v.GetStringValue()
			}
			if v, ok := r.Payload["role"]; ok {
				role = v.GetStringValue()
			}
			if v, ok := r.Payload["tags"]; ok {
				for _, item := range v.GetListValue().GetValues() {
					tags = append(tags, item.GetStringValue())
				}
			}
		}
		if !matchesTags(tags, filter.AnyTags) {
			continue
		}
		hits = append(hits, Hit{
			EntryID: entryID,
			Score:   (float64(r.Score) + 1) / 2, // raw cosine [-1,1] mapped into [0,1]
			Payload: Payload{EntryID: entryID, SessionID: sessionID, Role: memory.Role(role), Tags: tags},
		})
	}
	SortHits(hits)
	return hits, nil
}

// Delete implements Head.
func (h *QdrantHead) Delete(ctx context.Context, entryID int64) error {
	_, err := h.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: h.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(entryUUID(entryID))),
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// HealthCheck implements Head.
func (h *QdrantHead) HealthCheck(ctx context.Context) error {
	_, err := h.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrVectorUnavailable, err)
	}
	return nil
}

// Close implements Head.
func (h *QdrantHead) Close() error {
	return h.client.Close()
}

var _ Head = (*QdrantHead)(nil)
