package service

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/internal/domain"
)

const (
	// DefaultTopK is the retrieval size when the query names none.
	DefaultTopK = 10

	// exploreSamplePerDomain bounds how many hits each domain cluster
	// contributes in explore mode.
	exploreSamplePerDomain = 3

	// connectFollowUps is how many top hits connect mode expands.
	connectFollowUps = 3
)

// Retrieve plans and executes a retrieval. The mode decides the stages:
// standard is one ranked vector search; explore facets the results by
// domain; connect follows the top hits' concepts into a second hop.
// Returned hits have their access counters bumped.
func (s *MemoryService) Retrieve(ctx context.Context, q domain.RetrieveQuery) ([]domain.MemoryHit, error) {
	if q.Text == "" && q.AgentID == "" && q.Domain == "" && len(q.Kinds) == 0 {
		return nil, domain.NewError(domain.ErrEmptyQuery, "query needs text or at least one filter")
	}
	if q.K < 0 {
		return nil, domain.NewError(domain.ErrArgument, "k must be non-negative, got %d", q.K)
	}
	if q.K == 0 {
		if q.Mode == "" {
			return []domain.MemoryHit{}, nil
		}
		// An explicit mode with k=0 still returns nothing.
		return []domain.MemoryHit{}, nil
	}
	if q.Mode == "" {
		q.Mode = domain.ModeStandard
	}
	if !domain.ValidRetrieveMode(string(q.Mode)) {
		return nil, domain.NewError(domain.ErrArgument, "unknown retrieval mode %q", q.Mode)
	}

	var hits []domain.MemoryHit
	var err error
	switch q.Mode {
	case domain.ModeExplore:
		hits, err = s.retrieveExplore(ctx, q)
	case domain.ModeConnect:
		hits, err = s.retrieveConnect(ctx, q)
	default:
		hits, err = s.retrieveStandard(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	if err := s.memoryStore.RecordAccess(ctx, ids); err != nil {
		return nil, storageError(err)
	}
	return hits, nil
}

// retrieveStandard is the single-stage plan shared by all modes.
func (s *MemoryService) retrieveStandard(ctx context.Context, q domain.RetrieveQuery) ([]domain.MemoryHit, error) {
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = domain.AllKinds()
	}
	k := q.K
	if k <= 0 {
		k = DefaultTopK
	}

	var vector []float32
	if q.Text != "" {
		emb, err := s.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, domain.NewError(domain.ErrEmbeddingUnavailable, "embedding failed: %v", err)
		}
		vector = emb.Vector
	}

	opts := domain.SearchOpts{
		AgentID:         q.AgentID,
		Domain:          q.Domain,
		K:               k,
		MinSimilarity:   q.MinSimilarity,
		IncludeDegraded: q.IncludeDegraded,
	}

	var all []domain.MemoryHit
	for _, kind := range kinds {
		hits, err := s.memoryStore.Search(ctx, kind, vector, opts)
		if err != nil {
			return nil, storageError(err)
		}
		all = append(all, hits...)
	}

	rankHits(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// retrieveExplore clusters the standard results by domain and samples a
// few per cluster, yielding a faceted rather than ranked result.
func (s *MemoryService) retrieveExplore(ctx context.Context, q domain.RetrieveQuery) ([]domain.MemoryHit, error) {
	ranked, err := s.retrieveStandard(ctx, q)
	if err != nil {
		return nil, err
	}

	byDomain := make(map[string][]domain.MemoryHit)
	var order []string
	for _, hit := range ranked {
		if len(byDomain[hit.Domain]) == 0 {
			order = append(order, hit.Domain)
		}
		if len(byDomain[hit.Domain]) < exploreSamplePerDomain {
			byDomain[hit.Domain] = append(byDomain[hit.Domain], hit)
		}
	}

	var faceted []domain.MemoryHit
	for _, dom := range order {
		faceted = append(faceted, byDomain[dom]...)
	}
	return faceted, nil
}

// retrieveConnect follows the top hits one hop: each hit's concept or
// skill name, joined with the intent keywords, seeds a second
// retrieval. Hits carry their path depth.
func (s *MemoryService) retrieveConnect(ctx context.Context, q domain.RetrieveQuery) ([]domain.MemoryHit, error) {
	first, err := s.retrieveStandard(ctx, q)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(first))
	for _, hit := range first {
		seen[hit.ID] = true
	}

	union := first
	follows := first
	if len(follows) > connectFollowUps {
		follows = follows[:connectFollowUps]
	}
	for _, hit := range follows {
		anchor := hit.Concept
		if anchor == "" {
			anchor = hit.SkillName
		}
		if anchor == "" {
			continue
		}
		followQ := q
		followQ.Mode = domain.ModeStandard
		followQ.Text = strings.TrimSpace(anchor + " " + intentKeywords(q.Text))
		second, err := s.retrieveStandard(ctx, followQ)
		if err != nil {
			return nil, err
		}
		for _, followHit := range second {
			if seen[followHit.ID] {
				continue
			}
			seen[followHit.ID] = true
			followHit.Depth = 1
			union = append(union, followHit)
		}
	}
	return union, nil
}

// intentKeywords trims an intent down to its leading words so follow-up
// queries stay anchored to the original ask.
func intentKeywords(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// simBucket coarsens a similarity to its 0.01 bucket. Bucketing (rather
// than a pairwise epsilon) keeps the sort comparator transitive.
func simBucket(sim float32) int {
	return int(math.Floor(float64(sim) * 100))
}

// rankHits orders by similarity bucket, breaking ties within a bucket
// by the record's own score, then recency, then id.
func rankHits(hits []domain.MemoryHit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if ba, bb := simBucket(a.Similarity), simBucket(b.Similarity); ba != bb {
			return ba > bb
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
