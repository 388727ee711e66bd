package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// memoryTableDDL is instantiated once per memory kind; the three tables
// share one shape so the store can route by kind.
const memoryTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	agent_id         TEXT NOT NULL DEFAULT '',
	content          JSONB NOT NULL,
	metadata         JSONB,
	embedding        vector(%d),
	degraded         BOOLEAN NOT NULL DEFAULT FALSE,
	domain           TEXT NOT NULL DEFAULT '',
	concept          TEXT NOT NULL DEFAULT '',
	skill_name       TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	score            REAL NOT NULL DEFAULT 0.5,
	usage_count      INTEGER NOT NULL DEFAULT 0,
	contributors     INTEGER NOT NULL DEFAULT 1,
	version          INTEGER NOT NULL DEFAULT 1,
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS %s_agent_domain_idx ON %s (agent_id, domain) WHERE deleted_at IS NULL;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cognitions (
	id            UUID PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	il_source     TEXT NOT NULL,
	status        TEXT NOT NULL,
	result        JSONB,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	memory_reads  INTEGER NOT NULL DEFAULT 0,
	memory_writes INTEGER NOT NULL DEFAULT 0,
	submitted_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS cognitions_agent_idx ON cognitions (agent_id, submitted_at DESC);

CREATE TABLE IF NOT EXISTS agents (
	id            TEXT PRIMARY KEY,
	capabilities  JSONB,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS consolidation_log (
	id       BIGSERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL DEFAULT '',
	ran_at   TIMESTAMPTZ NOT NULL,
	scanned  INTEGER NOT NULL,
	decayed  INTEGER NOT NULL,
	merged   INTEGER NOT NULL,
	removed  INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS semantic_concept_domain_idx
	ON semantic_memories (concept, domain) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS procedural_skill_domain_idx
	ON procedural_memories (skill_name, domain) WHERE deleted_at IS NULL;
`

var memoryTables = []string{"episodic_memories", "semantic_memories", "procedural_memories"}

// EnsureSchema creates the tables and indexes if they do not exist.
// Changing the embedding dimension invalidates the vector index; the
// tables must be rebuilt by hand in that case.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool, embeddingDim int) error {
	if _, err := db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	for _, table := range memoryTables {
		ddl := fmt.Sprintf(memoryTableDDL, table, embeddingDim, table, table, table, table)
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
