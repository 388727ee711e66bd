package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/noesis-ai/noesis/internal/domain"
)

// MemoryStore persists all three memory kinds, one table per kind.
type MemoryStore struct {
	db *pgxpool.Pool
}

func NewMemoryStore(db *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{db: db}
}

func tableFor(kind domain.MemoryKind) string {
	switch kind {
	case domain.KindEpisodic:
		return "episodic_memories"
	case domain.KindSemantic:
		return "semantic_memories"
	default:
		return "procedural_memories"
	}
}

const memoryColumns = `id, agent_id, content, metadata, degraded, domain, concept, skill_name, session_id,
	score, usage_count, contributors, version, access_count, last_accessed_at, created_at, updated_at, deleted_at`

func scanMemory(row pgx.Row, kind domain.MemoryKind) (*domain.Memory, error) {
	m := &domain.Memory{Kind: kind}
	err := row.Scan(
		&m.ID, &m.AgentID, &m.Content, &m.Metadata, &m.Degraded, &m.Domain, &m.Concept,
		&m.SkillName, &m.SessionID, &m.Score, &m.UsageCount, &m.Contributors, &m.Version,
		&m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *MemoryStore) Create(ctx context.Context, m *domain.Memory) error {
	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}
	if m.Contributors == 0 {
		m.Contributors = 1
	}

	return withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO %s (agent_id, content, metadata, embedding, degraded, domain, concept, skill_name, session_id, score, usage_count, contributors)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING id, version, access_count, created_at, updated_at`, tableFor(m.Kind)),
			m.AgentID, m.Content, m.Metadata, embedding, m.Degraded, m.Domain, m.Concept,
			m.SkillName, m.SessionID, m.Score, m.UsageCount, m.Contributors,
		).Scan(&m.ID, &m.Version, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt)
	})
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	for _, kind := range domain.AllKinds() {
		m, err := scanMemory(s.db.QueryRow(ctx, fmt.Sprintf(
			`SELECT %s FROM %s WHERE id = $1 AND deleted_at IS NULL`, memoryColumns, tableFor(kind)),
			id,
		), kind)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Update writes mutable fields under optimistic concurrency: the row
// version must still equal m.Version, and on success m.Version advances.
func (s *MemoryStore) Update(ctx context.Context, m *domain.Memory) error {
	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	tag, err := s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		 SET content = $1, metadata = $2, embedding = COALESCE($3, embedding), degraded = $4,
		     score = $5, usage_count = $6, contributors = $7, version = version + 1, updated_at = NOW()
		 WHERE id = $8 AND version = $9 AND deleted_at IS NULL`, tableFor(m.Kind)),
		m.Content, m.Metadata, embedding, m.Degraded, m.Score, m.UsageCount, m.Contributors, m.ID, m.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the record is gone or a concurrent writer bumped the version.
		if _, getErr := s.GetByID(ctx, m.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	m.Version++
	m.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	for _, kind := range domain.AllKinds() {
		tag, err := s.db.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, tableFor(kind)), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) HardDelete(ctx context.Context, id uuid.UUID) error {
	for _, kind := range domain.AllKinds() {
		tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, tableFor(kind)), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Search(ctx context.Context, kind domain.MemoryKind, embedding []float32, opts domain.SearchOpts) ([]domain.MemoryHit, error) {
	if opts.K <= 0 {
		return nil, nil
	}

	conditions := []string{"deleted_at IS NULL"}
	var args []any

	if opts.AgentID != "" {
		// Owned records plus shared ones (empty agent_id).
		args = append(args, opts.AgentID)
		conditions = append(conditions, fmt.Sprintf("(agent_id = $%d OR agent_id = '')", len(args)))
	}
	if opts.Domain != "" {
		args = append(args, opts.Domain)
		conditions = append(conditions, fmt.Sprintf("domain = $%d", len(args)))
	}
	if !opts.IncludeDegraded {
		conditions = append(conditions, "degraded = FALSE")
	}

	var query string
	if embedding == nil {
		args = append(args, opts.K)
		query = fmt.Sprintf(
			`SELECT id, content, domain, concept, skill_name, score, updated_at, 0::real AS similarity
			 FROM %s
			 WHERE %s
			 ORDER BY updated_at DESC
			 LIMIT $%d`,
			tableFor(kind), strings.Join(conditions, " AND "), len(args),
		)
	} else {
		conditions = append(conditions, "embedding IS NOT NULL")
		args = append(args, pgvector.NewVector(embedding))
		embParam := len(args)
		args = append(args, opts.MinSimilarity)
		minParam := len(args)
		args = append(args, opts.K)
		limitParam := len(args)

		query = fmt.Sprintf(
			`SELECT id, content, domain, concept, skill_name, score, updated_at,
			        1 - (embedding <=> $%d) AS similarity
			 FROM %s
			 WHERE %s AND 1 - (embedding <=> $%d) >= $%d
			 ORDER BY embedding <=> $%d ASC
			 LIMIT $%d`,
			embParam, tableFor(kind), strings.Join(conditions, " AND "), embParam, minParam, embParam, limitParam,
		)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var hits []domain.MemoryHit
	for rows.Next() {
		hit := domain.MemoryHit{Kind: kind}
		if err := rows.Scan(&hit.ID, &hit.Content, &hit.Domain, &hit.Concept, &hit.SkillName, &hit.Score, &hit.UpdatedAt, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *MemoryStore) FindNearest(ctx context.Context, kind domain.MemoryKind, agentID string, embedding []float32, k int) ([]domain.MemoryHit, error) {
	return s.Search(ctx, kind, embedding, domain.SearchOpts{
		AgentID:         agentID,
		K:               k,
		MinSimilarity:   -1,
		IncludeDegraded: true,
	})
}

func (s *MemoryStore) FindByConcept(ctx context.Context, dom, concept string) (*domain.Memory, error) {
	return scanMemory(s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM semantic_memories
		 WHERE concept = $1 AND domain = $2 AND deleted_at IS NULL`,
		concept, dom,
	), domain.KindSemantic)
}

func (s *MemoryStore) FindBySkill(ctx context.Context, dom, skill string) (*domain.Memory, error) {
	return scanMemory(s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM procedural_memories
		 WHERE skill_name = $1 AND domain = $2 AND deleted_at IS NULL`,
		skill, dom,
	), domain.KindProcedural)
}

func (s *MemoryStore) CountByDomain(ctx context.Context, kind domain.MemoryKind, agentID, dom string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE agent_id = $1 AND domain = $2 AND deleted_at IS NULL`, tableFor(kind)),
		agentID, dom,
	).Scan(&count)
	return count, err
}

func (s *MemoryStore) CountByOwner(ctx context.Context, kind domain.MemoryKind, agentID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE agent_id = $1 AND deleted_at IS NULL`, tableFor(kind)),
		agentID,
	).Scan(&count)
	return count, err
}

// RecordAccess bumps access counters across all three tables; ids not
// present in a table are simply skipped there.
func (s *MemoryStore) RecordAccess(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	for _, kind := range domain.AllKinds() {
		_, err := s.db.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET access_count = access_count + 1, last_accessed_at = NOW()
			 WHERE id = ANY($1) AND deleted_at IS NULL`, tableFor(kind)),
			ids,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ListForConsolidation(ctx context.Context, agentID string) ([]domain.Memory, error) {
	var all []domain.Memory
	for _, kind := range domain.AllKinds() {
		rows, err := s.db.Query(ctx, fmt.Sprintf(
			`SELECT %s, embedding FROM %s WHERE agent_id = $1 AND deleted_at IS NULL ORDER BY created_at ASC`,
			memoryColumns, tableFor(kind)),
			agentID,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			m := domain.Memory{Kind: kind}
			var vec *pgvector.Vector
			err := rows.Scan(
				&m.ID, &m.AgentID, &m.Content, &m.Metadata, &m.Degraded, &m.Domain, &m.Concept,
				&m.SkillName, &m.SessionID, &m.Score, &m.UsageCount, &m.Contributors, &m.Version,
				&m.AccessCount, &m.LastAccessedAt, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt, &vec,
			)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if vec != nil {
				m.Embedding = vec.Slice()
			}
			all = append(all, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (s *MemoryStore) DistinctAgents(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var agents []string
	for _, kind := range domain.AllKinds() {
		rows, err := s.db.Query(ctx, fmt.Sprintf(
			`SELECT DISTINCT agent_id FROM %s WHERE agent_id <> '' AND deleted_at IS NULL`, tableFor(kind)),
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[id] {
				seen[id] = true
				agents = append(agents, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*domain.MemoryStats, error) {
	stats := &domain.MemoryStats{
		ByKind:       make(map[domain.MemoryKind]int),
		LastActivity: make(map[string]time.Time),
	}
	for _, kind := range domain.AllKinds() {
		var count int
		if err := s.db.QueryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL`, tableFor(kind)),
		).Scan(&count); err != nil {
			return nil, err
		}
		stats.ByKind[kind] = count
		stats.Total += count

		rows, err := s.db.Query(ctx, fmt.Sprintf(
			`SELECT agent_id, MAX(GREATEST(updated_at, COALESCE(last_accessed_at, updated_at)))
			 FROM %s WHERE deleted_at IS NULL AND agent_id <> '' GROUP BY agent_id`, tableFor(kind)),
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var agentID string
			var last time.Time
			if err := rows.Scan(&agentID, &last); err != nil {
				rows.Close()
				return nil, err
			}
			if prev, ok := stats.LastActivity[agentID]; !ok || last.After(prev) {
				stats.LastActivity[agentID] = last
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
