package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

type MemoryKind string

const (
	KindEpisodic   MemoryKind = "episodic"
	KindSemantic   MemoryKind = "semantic"
	KindProcedural MemoryKind = "procedural"
)

func ValidMemoryKind(k string) bool {
	switch MemoryKind(k) {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// AllKinds lists every memory kind, in the order retrieval searches them
// when no kind filter is given.
func AllKinds() []MemoryKind {
	return []MemoryKind{KindEpisodic, KindSemantic, KindProcedural}
}

// agentIDPattern constrains agent identifiers: opaque, at most 255
// characters, alphanumerics plus underscore and hyphen.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// MaxMetadataBytes caps the serialized size of a memory's metadata map.
const MaxMetadataBytes = 10 * 1024

// DefaultScore is the initial importance/confidence/success_rate when
// the caller supplies none.
const DefaultScore = 0.5

// Memory is one stored unit of knowledge. A single struct carries all
// three kinds; kind-specific fields are populated per Kind and the rest
// stay zero. Each kind persists to its own table.
type Memory struct {
	ID       uuid.UUID      `json:"id"`
	Kind     MemoryKind     `json:"kind"`
	AgentID  string         `json:"agent_id,omitempty"` // empty = globally shared (semantic/procedural only)
	Content  map[string]any `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Embedding []float32 `json:"-"`
	Degraded  bool      `json:"degraded,omitempty"` // embedding came from the hash fallback

	// Kind-specific projections, duplicated out of Content so the store
	// can index and enforce uniqueness on them.
	Domain    string `json:"domain,omitempty"`
	Concept   string `json:"concept,omitempty"`    // semantic
	SkillName string `json:"skill_name,omitempty"` // procedural
	SessionID string `json:"session_id,omitempty"` // episodic

	// Score is importance (episodic), confidence (semantic) or
	// success_rate (procedural); always in [0,1].
	Score        float32 `json:"score"`
	UsageCount   int     `json:"usage_count,omitempty"` // procedural
	Contributors int     `json:"contributors"`          // merge source count

	Version        int        `json:"version"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Pinned reports whether consolidation must never remove this record:
// high importance or heavy procedural use.
func (m *Memory) Pinned() bool {
	return m.Score >= 0.8 || m.UsageCount >= 10
}

// MemoryHit is one retrieval result with its similarity score.
type MemoryHit struct {
	ID         uuid.UUID      `json:"id"`
	Kind       MemoryKind     `json:"kind"`
	Content    map[string]any `json:"content"`
	Domain     string         `json:"domain,omitempty"`
	Concept    string         `json:"concept,omitempty"`
	SkillName  string         `json:"skill_name,omitempty"`
	Score      float32        `json:"score"`           // record's own scoring field
	Similarity float32        `json:"similarity"`      // cosine against the query
	Depth      int            `json:"depth,omitempty"` // connect-mode path depth
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RetrieveMode selects the query planner strategy.
type RetrieveMode string

const (
	ModeStandard RetrieveMode = "standard"
	ModeExplore  RetrieveMode = "explore"
	ModeConnect  RetrieveMode = "connect"
)

func ValidRetrieveMode(m string) bool {
	switch RetrieveMode(m) {
	case ModeStandard, ModeExplore, ModeConnect:
		return true
	}
	return false
}

// RetrieveQuery carries everything a retrieval needs. Text may be empty
// only if at least one filter is set.
type RetrieveQuery struct {
	Text            string       `json:"text"`
	Kinds           []MemoryKind `json:"kinds,omitempty"`
	AgentID         string       `json:"agent_id,omitempty"`
	Domain          string       `json:"domain,omitempty"`
	K               int          `json:"k,omitempty"`
	MinSimilarity   float32      `json:"min_similarity,omitempty"`
	Mode            RetrieveMode `json:"mode,omitempty"`
	IncludeDegraded bool         `json:"include_degraded,omitempty"`
}

// AdmissionReason is a structured rejection from the admission
// controller. Rejections are results, not errors; callers may retry
// with modified content.
type AdmissionReason string

const (
	RejectTooSimilar      AdmissionReason = "too_similar"
	RejectDomainSaturated AdmissionReason = "domain_saturated"
	RejectBelowFloor      AdmissionReason = "below_floor"
)

// StoreResult is the outcome of a memory store: either an admitted id
// (possibly a surviving id after a uniqueness merge) or a rejection.
type StoreResult struct {
	ID       uuid.UUID       `json:"id,omitempty"`
	Merged   bool            `json:"merged,omitempty"`
	Rejected AdmissionReason `json:"rejected,omitempty"`
}

// ConsolidationSummary reports one consolidation run.
type ConsolidationSummary struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Merged  int `json:"merged"`
	Removed int `json:"removed"`
}

// MemoryStats is the per-process view returned by the stats operation.
type MemoryStats struct {
	ByKind       map[MemoryKind]int   `json:"by_kind"`
	Total        int                  `json:"total"`
	LastActivity map[string]time.Time `json:"last_activity"`
}
