package service

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

// mockMemoryStore implements domain.MemoryStore in memory for testing.
type mockMemoryStore struct {
	mu       sync.Mutex
	memories map[uuid.UUID]*domain.Memory
	order    []uuid.UUID
}

func newMockMemoryStore() *mockMemoryStore {
	return &mockMemoryStore{memories: make(map[uuid.UUID]*domain.Memory)}
}

func (m *mockMemoryStore) Create(_ context.Context, mem *domain.Memory) error {
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

func (m *mockMemoryStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[id]
	if !ok || mem.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	clone := *mem
	return &clone, nil
}

func (m *mockMemoryStore) Update(_ context.Context, mem *domain.Memory) error {
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
	mem.UpdatedAt = time.Now()
	clone := *mem
	clone.CreatedAt = existing.CreatedAt
	m.memories[mem.ID] = &clone
	return nil
}

func (m *mockMemoryStore) SoftDelete(_ context.Context, id uuid.UUID) error {
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

func (m *mockMemoryStore) HardDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.memories, id)
	return nil
}

func (m *mockMemoryStore) live(kind domain.MemoryKind, agentID, dom string, includeShared bool) []*domain.Memory {
	var out []*domain.Memory
	for _, id := range m.order {
		mem, ok := m.memories[id]
		if !ok || mem.DeletedAt != nil || mem.Kind != kind {
			continue
		}
		if agentID != "" && mem.AgentID != agentID && !(includeShared && mem.AgentID == "") {
			continue
		}
		if dom != "" && mem.Domain != dom {
			continue
		}
		out = append(out, mem)
	}
	return out
}

func (m *mockMemoryStore) Search(_ context.Context, kind domain.MemoryKind, emb []float32, opts domain.SearchOpts) ([]domain.MemoryHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.K <= 0 {
		return nil, nil
	}

	var hits []domain.MemoryHit
	for _, mem := range m.live(kind, opts.AgentID, opts.Domain, true) {
		if mem.Degraded && !opts.IncludeDegraded {
			continue
		}
		hit := domain.MemoryHit{
			ID:        mem.ID,
			Kind:      mem.Kind,
			Content:   mem.Content,
			Domain:    mem.Domain,
			Concept:   mem.Concept,
			SkillName: mem.SkillName,
			Score:     mem.Score,
			UpdatedAt: mem.UpdatedAt,
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

	if emb != nil {
		sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	} else {
		sort.Slice(hits, func(i, j int) bool { return hits[i].UpdatedAt.After(hits[j].UpdatedAt) })
	}
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits, nil
}

func (m *mockMemoryStore) FindNearest(ctx context.Context, kind domain.MemoryKind, agentID string, emb []float32, k int) ([]domain.MemoryHit, error) {
	return m.Search(ctx, kind, emb, domain.SearchOpts{
		AgentID: agentID, K: k, MinSimilarity: -1, IncludeDegraded: true,
	})
}

func (m *mockMemoryStore) FindByConcept(_ context.Context, dom, concept string) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.live(domain.KindSemantic, "", dom, false) {
		if mem.Concept == concept {
			clone := *mem
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockMemoryStore) FindBySkill(_ context.Context, dom, skill string) (*domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.live(domain.KindProcedural, "", dom, false) {
		if mem.SkillName == skill {
			clone := *mem
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockMemoryStore) CountByDomain(_ context.Context, kind domain.MemoryKind, agentID, dom string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mem := range m.live(kind, "", dom, false) {
		if mem.AgentID == agentID {
			count++
		}
	}
	return count, nil
}

func (m *mockMemoryStore) CountByOwner(_ context.Context, kind domain.MemoryKind, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, mem := range m.live(kind, "", "", false) {
		if mem.AgentID == agentID {
			count++
		}
	}
	return count, nil
}

func (m *mockMemoryStore) RecordAccess(_ context.Context, ids []uuid.UUID) error {
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

func (m *mockMemoryStore) ListForConsolidation(_ context.Context, agentID string) ([]domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Memory
	for _, id := range m.order {
		mem, ok := m.memories[id]
		if !ok || mem.DeletedAt != nil || mem.AgentID != agentID {
			continue
		}
		out = append(out, *mem)
	}
	return out, nil
}

func (m *mockMemoryStore) DistinctAgents(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var agents []string
	for _, id := range m.order {
		mem, ok := m.memories[id]
		if !ok || mem.DeletedAt != nil || mem.AgentID == "" {
			continue
		}
		if !seen[mem.AgentID] {
			seen[mem.AgentID] = true
			agents = append(agents, mem.AgentID)
		}
	}
	return agents, nil
}

func (m *mockMemoryStore) Stats(_ context.Context) (*domain.MemoryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.MemoryStats{
		ByKind:       make(map[domain.MemoryKind]int),
		LastActivity: make(map[string]time.Time),
	}
	for _, mem := range m.memories {
		if mem.DeletedAt != nil {
			continue
		}
		stats.ByKind[mem.Kind]++
		stats.Total++
	}
	return stats, nil
}

var _ domain.MemoryStore = (*mockMemoryStore)(nil)

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *mockPublisher) Publish(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *mockPublisher) byType(typ string) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// mockLogStore records consolidation log appends.
type mockLogStore struct {
	mu      sync.Mutex
	appends []domain.ConsolidationSummary
}

func (s *mockLogStore) Append(_ context.Context, _ string, _ time.Time, summary domain.ConsolidationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, summary)
	return nil
}
