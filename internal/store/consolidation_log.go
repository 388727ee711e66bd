package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noesis-ai/noesis/internal/domain"
)

// ConsolidationLogStore records each consolidation run for auditing.
type ConsolidationLogStore struct {
	db *pgxpool.Pool
}

func NewConsolidationLogStore(db *pgxpool.Pool) *ConsolidationLogStore {
	return &ConsolidationLogStore{db: db}
}

func (s *ConsolidationLogStore) Append(ctx context.Context, agentID string, ranAt time.Time, summary domain.ConsolidationSummary) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO consolidation_log (agent_id, ran_at, scanned, decayed, merged, removed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agentID, ranAt, summary.Scanned, summary.Decayed, summary.Merged, summary.Removed,
	)
	return err
}
