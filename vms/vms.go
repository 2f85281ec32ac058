// Package vms implements the Vector Multi-Store (§4.2): a set of named heads,
// each an approximate-nearest-neighbor index over one semantic view of
// memory entries.
package vms

import (
	"context"
	"sort"

	memory "github.com/mira-labs/mira-memory"
)

// Payload is the small denormalized record stored alongside a vector so
// searches can filter without joining back to the RLS (§3 "Ownership").
type Payload struct {
	EntryID   int64
	SessionID string
	Role      memory.Role
	Tags      []string
}

// Hit is one search result.
type Hit struct {
	EntryID int64
	Score   float64 // cosine-normalized into [0,1], 1 = identical
	Payload Payload
}

// Filter narrows a search to a session and/or a set of required tags.
type Filter struct {
	SessionID string
	AnyTags   []string // hit must have at least one of these tags, if non-empty
}

// Head is the capability set any vector backend implements for one
// collection (§9: "trait-based store polymorphism ... capability set").
type Head interface {
	// Dim returns the fixed dimension of vectors in this head.
	Dim() int

	// Upsert overwrites the prior vector for entryID in this head.
	// len(vector) must equal Dim().
	Upsert(ctx context.Context, entryID int64, vector []float32, payload Payload) error

	// Search returns up to k hits in descending score order, ties broken by
	// ascending entry id.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// Delete removes the vector for entryID, if present.
	Delete(ctx context.Context, entryID int64) error

	// HealthCheck is a cheap probe.
	HealthCheck(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// MultiStore owns a named map of heads and fans operations out across them
// (§4.2, §3 "One MemoryEntry -> 0..N embeddings across heads").
type MultiStore struct {
	heads map[memory.Head]Head
}

// NewMultiStore creates an empty multi-head store.
func NewMultiStore() *MultiStore {
	return &MultiStore{heads: make(map[memory.Head]Head)}
}

// EnsureHead registers a head implementation under name, replacing any head
// already registered under that name. It makes no dimension check: a head of
// a different Dim() simply replaces the old one. PgvectorHead and QdrantHead
// check their own stored dimension when constructed and fail with
// IncompatibleDim there (§4.2).
func (m *MultiStore) EnsureHead(name memory.Head, h Head) {
	m.heads[name] = h
}

// Head returns the named head, or false if it hasn't been registered.
func (m *MultiStore) Head(name memory.Head) (Head, bool) {
	h, ok := m.heads[name]
	return h, ok
}

// Heads returns the names of all registered heads.
func (m *MultiStore) Heads() []memory.Head {
	out := make([]memory.Head, 0, len(m.heads))
	for name := range m.heads {
		out = append(out, name)
	}
	return out
}

// Upsert writes vector into the named head.
func (m *MultiStore) Upsert(ctx context.Context, name memory.Head, entryID int64, vector []float32, payload Payload) error {
	h, ok := m.heads[name]
	if !ok {
		return memory.NewOpError("vms.Upsert", string(name), memory.ErrNotFound)
	}
	return h.Upsert(ctx, entryID, vector, payload)
}

// Search queries the named head.
func (m *MultiStore) Search(ctx context.Context, name memory.Head, vector []float32, k int, filter Filter) ([]Hit, error) {
	h, ok := m.heads[name]
	if !ok {
		return nil, memory.NewOpError("vms.Search", string(name), memory.ErrNotFound)
	}
	return h.Search(ctx, vector, k, filter)
}

// Delete removes entryID's vector from every registered head. Errors from
// individual heads are collected but do not stop the sweep, matching RLS's
// "callers must first delete vectors" contract, which wants best-effort
// completeness over all-or-nothing.
func (m *MultiStore) Delete(ctx context.Context, entryID int64) error {
	var firstErr error
	for _, h := range m.heads {
		if err := h.Delete(ctx, entryID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthCheck probes every head and returns the first failure, if any.
func (m *MultiStore) HealthCheck(ctx context.Context) error {
	for name, h := range m.heads {
		if err := h.HealthCheck(ctx); err != nil {
			return memory.NewOpError("vms.HealthCheck", string(name), err)
		}
	}
	return nil
}

// Close closes every registered head.
func (m *MultiStore) Close() error {
	var firstErr error
	for _, h := range m.heads {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SortHits orders hits by descending score, ties broken by ascending entry
// id, per §4.2's ordering guarantee.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntryID < hits[j].EntryID
	})
}
