package kernel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/embedding"
	"github.com/noesis-ai/noesis/internal/store"
)

// memStore is an in-memory domain.MemoryStore for kernel tests.
type memStore struct {
	mu       sync.Mutex
	memories map[uuid.UUID]*domain.Memory
	order    []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{memories: make(map[uuid.UUID]*domain.Memory)}
}

var _ domain.MemoryStore = (*memStore)(nil)

func (m *memStore) Create(_ context.Context, mem *domain.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	if mem.Contributors == 0 {
		mem.Contributors = 1
	}
	mem.Version = 1
	now := time.Now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.UpdatedAt.IsZero() {
		mem.UpdatedAt = now
	}
	clone := *mem
	m.memories[mem.ID] = &clone
	m.order = append(m.order, mem.ID)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok || mem.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	clone := *mem
	return &clone, nil
}

func (m *memStore) Update(_ context.Context, mem *domain.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.memories[mem.ID]
	if !ok || existing.DeletedAt != nil {
		return store.ErrNotFound
	}
	if existing.Version != mem.Version {
		return store.ErrConflict
	}
	mem.Version++
	clone := *mem
	m.memories[mem.ID] = &clone
	return nil
}

func (m *memStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok || mem.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	mem.DeletedAt = &now
	return nil
}

func (m *memStore) HardDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.memories, id)
	return nil
}

func (m *memStore) Search(_ context.Context, kind domain.MemoryKind, emb []float32, opts domain.SearchOpts) ([]domain.MemoryHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []domain.MemoryHit
	for _, id := range m.order {
		mem, ok := m.memories[id]
		if !ok || mem.DeletedAt != nil || mem.Kind != kind {
			continue
		}
		if opts.AgentID != "" && mem.AgentID != opts.AgentID && mem.AgentID != "" {
			continue
		}
		if opts.Domain != "" && mem.Domain != opts.Domain {
			continue
		}
		if mem.Degraded && !opts.IncludeDegraded {
			continue
		}
		hit := domain.MemoryHit{
			ID: mem.ID, Kind: mem.Kind, Content: mem.Content,
			Domain: mem.Domain, Concept: mem.Concept, SkillName: mem.SkillName,
			Score: mem.Score, UpdatedAt: mem.UpdatedAt,
		}
		if emb != nil {
			if len(mem.Embedding) == 0 {
				continue
			}
			hit.Similarity = embedding.Cosine(emb, mem.Embedding)
			if hit.Similarity < opts.MinSimilarity {
				continue
			}
		}
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if opts.K > 0 && len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

func (m *memStore) FindNearest(ctx context.Context, kind domain.MemoryKind, agentID string, emb []float32, k int) ([]domain.MemoryHit, error) {
	return m.Search(ctx, kind, emb, domain.SearchOpts{
		AgentID: agentID, K: k, MinSimilarity: -1, IncludeDegraded: true,
	})
}

func (m *memStore) FindByConcept(_ context.Context, dom, concept string) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		mem := m.memories[id]
		if mem != nil && mem.DeletedAt == nil && mem.Kind == domain.KindSemantic &&
			mem.Domain == dom && mem.Concept == concept {
			clone := *mem
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) FindBySkill(_ context.Context, dom, skill string) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		mem := m.memories[id]
		if mem != nil && mem.DeletedAt == nil && mem.Kind == domain.KindProcedural &&
			mem.Domain == dom && mem.SkillName == skill {
			clone := *mem
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CountByDomain(_ context.Context, kind domain.MemoryKind, agentID, dom string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mem := range m.memories {
		if mem.DeletedAt == nil && mem.Kind == kind && mem.AgentID == agentID && mem.Domain == dom {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountByOwner(_ context.Context, kind domain.MemoryKind, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mem := range m.memories {
		if mem.DeletedAt == nil && mem.Kind == kind && mem.AgentID == agentID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) RecordAccess(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if mem, ok := m.memories[id]; ok && mem.DeletedAt == nil {
			mem.AccessCount++
			mem.LastAccessedAt = &now
		}
	}
	return nil
}

func (m *memStore) ListForConsolidation(_ context.Context, agentID string) ([]domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Memory
	for _, id := range m.order {
		mem := m.memories[id]
		if mem != nil && mem.DeletedAt == nil && mem.AgentID == agentID {
			out = append(out, *mem)
		}
	}
	return out, nil
}

func (m *memStore) DistinctAgents(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var agents []string
	for _, id := range m.order {
		mem := m.memories[id]
		if mem != nil && mem.DeletedAt == nil && mem.AgentID != "" && !seen[mem.AgentID] {
			seen[mem.AgentID] = true
			agents = append(agents, mem.AgentID)
		}
	}
	return agents, nil
}

func (m *memStore) Stats(_ context.Context) (*domain.MemoryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.MemoryStats{ByKind: make(map[domain.MemoryKind]int)}
	for _, mem := range m.memories {
		if mem.DeletedAt == nil {
			stats.ByKind[mem.Kind]++
			stats.Total++
		}
	}
	return stats, nil
}

// mockCognitionStore records audit appends in memory.
type mockCognitionStore struct {
	mu      sync.Mutex
	entries []domain.Cognition
}

var _ domain.CognitionStore = (*mockCognitionStore)(nil)

func (s *mockCognitionStore) Append(_ context.Context, c *domain.Cognition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *c)
	return nil
}

func (s *mockCognitionStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Cognition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			clone := s.entries[i]
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockCognitionStore) ListByAgent(_ context.Context, agentID string, limit int) ([]domain.Cognition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Cognition
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AgentID == agentID {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *mockCognitionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
