package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noesis-ai/noesis/internal/domain"
)

// AgentStore mirrors the in-memory agent registry into the agents table
// so registrations survive restart inspection.
type AgentStore struct {
	db *pgxpool.Pool
}

func NewAgentStore(db *pgxpool.Pool) *AgentStore {
	return &AgentStore{db: db}
}

func (s *AgentStore) Create(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO agents (id, capabilities, registered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET capabilities = $2, registered_at = $3`,
		a.ID, a.Capabilities, a.RegisteredAt,
	)
	return err
}

func (s *AgentStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AgentStore) List(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT id, capabilities, registered_at FROM agents ORDER BY registered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.Capabilities, &a.RegisteredAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
