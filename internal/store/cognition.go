package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noesis-ai/noesis/internal/domain"
)

// CognitionStore is the append-only audit log. The core never deletes
// rows from it.
type CognitionStore struct {
	db *pgxpool.Pool
}

func NewCognitionStore(db *pgxpool.Pool) *CognitionStore {
	return &CognitionStore{db: db}
}

func (s *CognitionStore) Append(ctx context.Context, c *domain.Cognition) error {
	result, err := json.Marshal(c.Result)
	if err != nil {
		// Non-serializable results are audited as their string form.
		result, _ = json.Marshal(map[string]string{"unserializable": err.Error()})
	}
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO cognitions (id, agent_id, il_source, status, result, error_kind, error_message, duration_ms, memory_reads, memory_writes, submitted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, c.AgentID, c.Source, c.Status, result, c.ErrorKind, c.ErrorMsg,
			c.Duration.Milliseconds(), c.MemoryReads, c.MemoryWrites, c.SubmittedAt,
		)
		return err
	})
}

func (s *CognitionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Cognition, error) {
	c := &domain.Cognition{}
	var result []byte
	var durationMS int64
	err := s.db.QueryRow(ctx,
		`SELECT id, agent_id, il_source, status, result, error_kind, error_message, duration_ms, memory_reads, memory_writes, submitted_at
		 FROM cognitions WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.AgentID, &c.Source, &c.Status, &result, &c.ErrorKind, &c.ErrorMsg, &durationMS, &c.MemoryReads, &c.MemoryWrites, &c.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Duration = time.Duration(durationMS) * time.Millisecond
	if len(result) > 0 {
		_ = json.Unmarshal(result, &c.Result)
	}
	return c, nil
}

func (s *CognitionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.Cognition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, agent_id, il_source, status, error_kind, error_message, duration_ms, memory_reads, memory_writes, submitted_at
		 FROM cognitions WHERE agent_id = $1
		 ORDER BY submitted_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cognitions []domain.Cognition
	for rows.Next() {
		var c domain.Cognition
		var durationMS int64
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Source, &c.Status, &c.ErrorKind, &c.ErrorMsg, &durationMS, &c.MemoryReads, &c.MemoryWrites, &c.SubmittedAt); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(durationMS) * time.Millisecond
		cognitions = append(cognitions, c)
	}
	return cognitions, rows.Err()
}
