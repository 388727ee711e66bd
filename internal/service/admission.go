package service

import (
	"context"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/embedding"
)

// AdmissionConfig tunes the admission controller. Zero values take the
// spec defaults.
type AdmissionConfig struct {
	// NoveltyMin rejects records whose novelty (1 - max similarity to
	// the nearest existing records of the same kind) falls below it.
	NoveltyMin float32
	// SaturationMax rejects low-novelty records once this fraction of
	// the owner's records already sits in the same domain.
	SaturationMax float32
	// SaturationNovelty is the novelty above which saturation no longer
	// rejects.
	SaturationNovelty float32
	// ScoreFloor rejects records with a lower supplied score.
	ScoreFloor float32
	// NoveltyNeighbors is how many nearest records novelty considers.
	NoveltyNeighbors int
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	if c.NoveltyMin == 0 {
		c.NoveltyMin = 0.15
	}
	if c.SaturationMax == 0 {
		c.SaturationMax = 0.80
	}
	if c.SaturationNovelty == 0 {
		c.SaturationNovelty = 0.40
	}
	if c.ScoreFloor == 0 {
		c.ScoreFloor = 0.05
	}
	if c.NoveltyNeighbors == 0 {
		c.NoveltyNeighbors = 5
	}
	return c
}

// admit runs the novelty and domain-saturation signals over a proposed
// record. It returns a rejection reason, or "" to accept. The score
// floor is checked by the caller before embedding.
func (s *MemoryService) admit(ctx context.Context, m *domain.Memory) (domain.AdmissionReason, error) {
	nearest, err := s.memoryStore.FindNearest(ctx, m.Kind, m.AgentID, m.Embedding, s.admission.NoveltyNeighbors)
	if err != nil {
		return "", storageError(err)
	}

	novelty := float32(1)
	for _, hit := range nearest {
		if n := 1 - hit.Similarity; n < novelty {
			novelty = n
		}
	}
	if novelty < s.admission.NoveltyMin {
		return domain.RejectTooSimilar, nil
	}

	if m.Domain != "" && novelty < s.admission.SaturationNovelty {
		inDomain, err := s.memoryStore.CountByDomain(ctx, m.Kind, m.AgentID, m.Domain)
		if err != nil {
			return "", storageError(err)
		}
		total, err := s.memoryStore.CountByOwner(ctx, m.Kind, m.AgentID)
		if err != nil {
			return "", storageError(err)
		}
		if total > 0 && float32(inDomain)/float32(total) > s.admission.SaturationMax {
			return domain.RejectDomainSaturated, nil
		}
	}

	return "", nil
}

// mergeExisting handles the uniqueness constraints: a second semantic
// (concept, domain) averages confidence and counts the contributor; a
// second procedural (skill_name, domain) re-averages success_rate by
// usage and unions prerequisites and steps. The later writer loses its
// id and receives the survivor's.
func (s *MemoryService) mergeExisting(ctx context.Context, m *domain.Memory) (*domain.StoreResult, error) {
	var existing *domain.Memory
	var err error

	switch m.Kind {
	case domain.KindSemantic:
		existing, err = s.memoryStore.FindByConcept(ctx, m.Domain, m.Concept)
	case domain.KindProcedural:
		existing, err = s.memoryStore.FindBySkill(ctx, m.Domain, m.SkillName)
	default:
		return nil, nil
	}
	if err != nil || existing == nil {
		return nil, nil // no survivor to merge into; Create proceeds
	}

	for attempt := 0; attempt <= conflictRetries; attempt++ {
		switch m.Kind {
		case domain.KindSemantic:
			existing.Score = (existing.Score*float32(existing.Contributors) + m.Score) / float32(existing.Contributors+1)
		case domain.KindProcedural:
			totalUses := existing.UsageCount + m.UsageCount
			if totalUses > 0 {
				existing.Score = (existing.Score*float32(existing.UsageCount) + m.Score*float32(m.UsageCount)) / float32(totalUses)
			} else {
				existing.Score = (existing.Score + m.Score) / 2
			}
			existing.UsageCount = totalUses
			existing.Content["prerequisites"] = unionStrings(
				stringSlice(existing.Content["prerequisites"]), stringSlice(m.Content["prerequisites"]))
			existing.Content["steps"] = mergeSteps(
				stringSlice(existing.Content["steps"]), stringSlice(m.Content["steps"]))
		}
		existing.Contributors++
		existing.Metadata = unionMetadata(existing.Metadata, m.Metadata)

		mergeErr := s.memoryStore.Update(ctx, existing)
		if mergeErr == nil {
			return &domain.StoreResult{ID: existing.ID, Merged: true}, nil
		}
		// Reload and retry on a lost race.
		switch m.Kind {
		case domain.KindSemantic:
			existing, err = s.memoryStore.FindByConcept(ctx, m.Domain, m.Concept)
		case domain.KindProcedural:
			existing, err = s.memoryStore.FindBySkill(ctx, m.Domain, m.SkillName)
		}
		if err != nil || existing == nil {
			return nil, nil
		}
	}
	return nil, domain.NewError(domain.ErrConflict, "merge of %s/%s lost to concurrent writers", m.Domain, m.Concept+m.SkillName)
}

func stringSlice(v any) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(a, b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// mergeSteps keeps the longest common prefix of the two step sequences,
// then continues with whichever sequence has more to say past it.
func mergeSteps(a, b []string) []string {
	lcp := 0
	for lcp < len(a) && lcp < len(b) && a[lcp] == b[lcp] {
		lcp++
	}
	if len(a) >= len(b) {
		return a
	}
	out := make([]string, 0, len(b))
	out = append(out, a[:lcp]...)
	out = append(out, b[lcp:]...)
	return out
}

func unionMetadata(a, b map[string]any) map[string]any {
	if a == nil {
		return b
	}
	for k, v := range b {
		if _, ok := a[k]; !ok {
			a[k] = v
		}
	}
	return a
}

// cosine is a convenience for consolidation's duplicate detection.
func cosine(u, v []float32) float32 { return embedding.Cosine(u, v) }
