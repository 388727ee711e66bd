package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SearchOpts narrows a single-stage vector search inside one kind.
type SearchOpts struct {
	AgentID         string
	Domain          string
	K               int
	MinSimilarity   float32
	IncludeDegraded bool
}

// MemoryStore is the persistence boundary for all three memory kinds.
// Implementations route each kind to its own table.
type MemoryStore interface {
	Create(ctx context.Context, m *Memory) error
	GetByID(ctx context.Context, id uuid.UUID) (*Memory, error)
	// Update applies optimistic concurrency on m.Version and returns a
	// Conflict error when a concurrent writer won.
	Update(ctx context.Context, m *Memory) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	HardDelete(ctx context.Context, id uuid.UUID) error

	// Search returns hits of one kind ordered by descending cosine
	// similarity against embedding. A nil embedding searches by filters
	// only, ordered by recency, with zero similarity.
	Search(ctx context.Context, kind MemoryKind, embedding []float32, opts SearchOpts) ([]MemoryHit, error)
	// FindNearest returns the k nearest records of the same kind and
	// owner scope, for admission-control novelty checks.
	FindNearest(ctx context.Context, kind MemoryKind, agentID string, embedding []float32, k int) ([]MemoryHit, error)

	FindByConcept(ctx context.Context, domain, concept string) (*Memory, error)
	FindBySkill(ctx context.Context, domain, skill string) (*Memory, error)

	CountByDomain(ctx context.Context, kind MemoryKind, agentID, domain string) (int, error)
	CountByOwner(ctx context.Context, kind MemoryKind, agentID string) (int, error)

	// RecordAccess bumps access_count and advances last_accessed_at for
	// every returned hit; counts only ever move forward.
	RecordAccess(ctx context.Context, ids []uuid.UUID) error

	// ListForConsolidation returns live records of one owner scope with
	// embeddings loaded (agentID empty = shared records).
	ListForConsolidation(ctx context.Context, agentID string) ([]Memory, error)

	// DistinctAgents lists every owner id present across the kinds,
	// excluding the shared scope.
	DistinctAgents(ctx context.Context) ([]string, error)

	Stats(ctx context.Context) (*MemoryStats, error)
}

// CognitionStore is the append-only audit log.
type CognitionStore interface {
	Append(ctx context.Context, c *Cognition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Cognition, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]Cognition, error)
}

// AgentStore mirrors the in-memory registry into the agents table.
type AgentStore interface {
	Create(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Agent, error)
}

// ConsolidationLogStore records each consolidation run.
type ConsolidationLogStore interface {
	Append(ctx context.Context, agentID string, ranAt time.Time, summary ConsolidationSummary) error
}

// EmbeddingClient converts text to a fixed-dimension vector.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
