package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/embedding"
	"github.com/noesis-ai/noesis/internal/store"
)

var (
	ErrMemoryNotFound      = errors.New("memory not found")
	ErrInvalidMemoryKind   = errors.New("invalid memory kind")
	ErrInvalidAgentID      = errors.New("invalid agent_id")
	ErrMissingContentField = errors.New("missing required content field")
	ErrMetadataTooLarge    = errors.New("metadata exceeds 10 KB")
	ErrEpisodicNeedsOwner  = errors.New("episodic memories require an agent_id")
	ErrScoreOutOfRange     = errors.New("score field outside [0,1]")
	ErrConflictRetries     = errors.New("update lost version conflict after retries")
)

const (
	// conflictRetries is how many times a losing optimistic writer
	// retries before surfacing Conflict.
	conflictRetries = 3
)

// EventPublisher receives memory lifecycle events (memory.stored,
// memory.evicted) for awaiters and the streaming API.
type EventPublisher interface {
	Publish(ev domain.Event)
}

// MemoryService fronts the three typed stores with validation, the
// admission controller, and uniqueness merging.
type MemoryService struct {
	memoryStore domain.MemoryStore
	embedder    *embedding.Service
	admission   AdmissionConfig
	publisher   EventPublisher
	logger      *zap.Logger
}

func NewMemoryService(ms domain.MemoryStore, embedder *embedding.Service, admission AdmissionConfig, logger *zap.Logger) *MemoryService {
	return &MemoryService{
		memoryStore: ms,
		embedder:    embedder,
		admission:   admission.withDefaults(),
		logger:      logger,
	}
}

// SetPublisher wires the event bus for memory.stored / memory.evicted.
func (s *MemoryService) SetPublisher(p EventPublisher) { s.publisher = p }

func (s *MemoryService) publish(ev domain.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

// requiredFields lists what content must carry per kind. Relations and
// prerequisites default to empty when absent.
var requiredFields = map[domain.MemoryKind][]string{
	domain.KindEpisodic:   {"session_id", "context"},
	domain.KindSemantic:   {"concept", "definition", "domain"},
	domain.KindProcedural: {"skill_name", "domain", "procedure", "steps"},
}

// scoreField names the kind's scoring field inside content.
var scoreField = map[domain.MemoryKind]string{
	domain.KindEpisodic:   "importance",
	domain.KindSemantic:   "confidence",
	domain.KindProcedural: "success_rate",
}

// Store validates, embeds, admits, and persists one memory. Admission
// rejections come back inside the StoreResult, not as errors.
func (s *MemoryService) Store(ctx context.Context, kind domain.MemoryKind, content map[string]any, agentID string, metadata map[string]any) (*domain.StoreResult, error) {
	m, err := buildMemory(kind, content, agentID, metadata)
	if err != nil {
		return nil, err
	}

	// Floor check needs no I/O; run it first.
	if m.Score < s.admission.ScoreFloor {
		return &domain.StoreResult{Rejected: domain.RejectBelowFloor}, nil
	}

	emb, err := s.embedder.Embed(ctx, ProjectText(kind, content))
	if err != nil {
		return nil, domain.NewError(domain.ErrEmbeddingUnavailable, "embedding failed: %v", err)
	}
	m.Embedding = emb.Vector
	m.Degraded = emb.Degraded

	if reason, err := s.admit(ctx, m); err != nil {
		return nil, err
	} else if reason != "" {
		return &domain.StoreResult{Rejected: reason}, nil
	}

	// Uniqueness merging for semantic and procedural records.
	if merged, err := s.mergeExisting(ctx, m); err != nil {
		return nil, err
	} else if merged != nil {
		return merged, nil
	}

	if err := s.memoryStore.Create(ctx, m); err != nil {
		// A concurrent writer may have won the unique index race; the
		// later writer merges and loses its id.
		if merged, mergeErr := s.mergeExisting(ctx, m); mergeErr == nil && merged != nil {
			return merged, nil
		}
		return nil, storageError(err)
	}

	s.publish(domain.Event{
		Type:   "memory.stored",
		Source: "memory",
		Payload: map[string]any{
			"id":       m.ID.String(),
			"kind":     string(m.Kind),
			"agent_id": m.AgentID,
			"domain":   m.Domain,
		},
	})
	return &domain.StoreResult{ID: m.ID}, nil
}

func buildMemory(kind domain.MemoryKind, content map[string]any, agentID string, metadata map[string]any) (*domain.Memory, error) {
	if !domain.ValidMemoryKind(string(kind)) {
		return nil, ErrInvalidMemoryKind
	}
	if agentID != "" && !domain.ValidAgentID(agentID) {
		return nil, ErrInvalidAgentID
	}
	if agentID == "" && kind == domain.KindEpisodic {
		return nil, ErrEpisodicNeedsOwner
	}
	for _, field := range requiredFields[kind] {
		if v, ok := content[field]; !ok || v == nil || v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingContentField, field)
		}
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		if len(raw) > domain.MaxMetadataBytes {
			return nil, ErrMetadataTooLarge
		}
	}

	m := &domain.Memory{
		Kind:     kind,
		AgentID:  agentID,
		Content:  content,
		Metadata: metadata,
		Score:    domain.DefaultScore,
	}
	if v, ok := asFloat(content[scoreField[kind]]); ok {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: %s=%v", ErrScoreOutOfRange, scoreField[kind], v)
		}
		m.Score = float32(v)
	}
	m.Domain, _ = content["domain"].(string)
	m.Concept, _ = content["concept"].(string)
	m.SkillName, _ = content["skill_name"].(string)
	m.SessionID, _ = content["session_id"].(string)
	if v, ok := asFloat(content["usage_count"]); ok {
		m.UsageCount = int(v)
	}
	return m, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ProjectText builds the canonical textual projection of content that
// embeddings are computed over. Kind-specific fields lead; the rest of
// the content follows in key order so the projection is deterministic.
func ProjectText(kind domain.MemoryKind, content map[string]any) string {
	var parts []string
	lead := map[domain.MemoryKind][]string{
		domain.KindEpisodic:   {"session_id", "emotion", "outcome"},
		domain.KindSemantic:   {"concept", "definition", "domain"},
		domain.KindProcedural: {"skill_name", "domain", "procedure"},
	}[kind]

	used := make(map[string]bool)
	for _, key := range lead {
		if v, ok := content[key].(string); ok && v != "" {
			parts = append(parts, v)
			used[key] = true
		}
	}

	rest := make([]string, 0, len(content))
	for key := range content {
		if !used[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		parts = append(parts, flatten(content[key])...)
	}
	return strings.Join(parts, " ")
}

func flatten(v any) []string {
	switch value := v.(type) {
	case string:
		return []string{value}
	case []any:
		var out []string
		for _, item := range value {
			out = append(out, flatten(item)...)
		}
		return out
	case []string:
		return value
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, flatten(value[k])...)
		}
		return out
	default:
		return nil
	}
}

func (s *MemoryService) Get(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	m, err := s.memoryStore.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMemoryNotFound
		}
		return nil, storageError(err)
	}
	return m, nil
}

// Update patches content, metadata and score under optimistic
// concurrency, retrying a losing write up to three times.
func (s *MemoryService) Update(ctx context.Context, id uuid.UUID, patch map[string]any, metadata map[string]any) error {
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		m, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		for k, v := range patch {
			m.Content[k] = v
		}
		if metadata != nil {
			m.Metadata = metadata
		}
		if v, ok := asFloat(m.Content[scoreField[m.Kind]]); ok {
			if v < 0 || v > 1 {
				return fmt.Errorf("%w: %s=%v", ErrScoreOutOfRange, scoreField[m.Kind], v)
			}
			m.Score = float32(v)
		}

		// Content changed, so the embedding must follow it.
		emb, err := s.embedder.Embed(ctx, ProjectText(m.Kind, m.Content))
		if err != nil {
			return domain.NewError(domain.ErrEmbeddingUnavailable, "embedding failed: %v", err)
		}
		m.Embedding = emb.Vector
		m.Degraded = emb.Degraded

		err = s.memoryStore.Update(ctx, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			if errors.Is(err, store.ErrNotFound) {
				return ErrMemoryNotFound
			}
			return storageError(err)
		}
	}
	return domain.NewError(domain.ErrConflict, "update of %s lost to concurrent writers", id)
}

func (s *MemoryService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.memoryStore.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMemoryNotFound
		}
		return storageError(err)
	}
	return nil
}

func (s *MemoryService) Stats(ctx context.Context) (*domain.MemoryStats, error) {
	stats, err := s.memoryStore.Stats(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return stats, nil
}

// storageError keeps store sentinels intact and wraps everything else
// as the retryable StorageUnavailable kind.
func storageError(err error) error {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return domain.NewError(domain.ErrStorageUnavailable, "storage error: %v", err)
}
