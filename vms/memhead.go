package vms

import (
	"context"
	"fmt"
	"math"
	"sync"

	memory "github.com/mira-labs/mira-memory"
)

// MemHead is an in-process Head used by tests, computing exact cosine
// similarity over a small linear scan (§9: "tests use in-process stubs").
type MemHead struct {
	mu      sync.Mutex
	dim     int
	vectors map[int64][]float32
	payload map[int64]Payload
	down    bool
}

// NewMemHead creates an empty in-memory head with a fixed dimension.
func NewMemHead(dim int) *MemHead {
	return &MemHead{dim: dim, vectors: make(map[int64][]float32), payload: make(map[int64]Payload)}
}

// SetDown simulates an outage for testing VMS degradation handling (§7, §8).
func (h *MemHead) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// Dim implements Head.
func (h *MemHead) Dim() int { return h.dim }

// Upsert implements Head.
func (h *MemHead) Upsert(ctx context.Context, entryID int64, vector []float32, payload Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return memory.ErrVectorUnavailable
	}
	if len(vector) != h.dim {
		return fmt.Errorf("%w: vector has %d dims, head wants %d", memory.ErrInvalidInput, len(vector), h.dim)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	h.vectors[entryID] = cp
	payload.EntryID = entryID
	h.payload[entryID] = payload
	return nil
}

// Search implements Head.
func (h *MemHead) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, memory.ErrVectorUnavailable
	}
	if k <= 0 {
		k = 10
	}

	var hits []Hit
	for id, vec := range h.vectors {
		p := h.payload[id]
		if filter.SessionID != "" && p.SessionID != filter.SessionID {
			continue
		}
		if !matchesTags(p.Tags, filter.AnyTags) {
			continue
		}
		hits = append(hits, Hit{EntryID: id, Score: cosineSimilarity(vector, vec), Payload: p})
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete implements Head.
func (h *MemHead) Delete(ctx context.Context, entryID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vectors, entryID)
	delete(h.payload, entryID)
	return nil
}

// HealthCheck implements Head.
func (h *MemHead) HealthCheck(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return memory.ErrVectorUnavailable
	}
	return nil
}

// Close implements Head.
func (h *MemHead) Close() error { return nil }

var _ Head = (*MemHead)(nil)

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Map [-1,1] cosine into [0,1], the same (cos+1)/2 mapping PgvectorHead
	// and QdrantHead apply to their raw cosine scores.
	return (cos + 1) / 2
}
