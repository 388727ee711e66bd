package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/domain"
	"github.com/noesis-ai/noesis/internal/store"
)

const (
	defaultConsolidationInterval = 24 * time.Hour

	// DailyDecay multiplies a record's score once per day since its
	// last update.
	DailyDecay = 0.995

	// RemovalScoreThreshold, RemovalMinAge: a decayed record below the
	// threshold with zero accesses and older than the minimum age is
	// eligible for physical removal, unless pinned.
	RemovalScoreThreshold = 0.2
	RemovalMinAge         = 30 * 24 * time.Hour

	// DuplicateSimilarity merges same-kind, same-owner pairs at or
	// above this cosine similarity, keeping the more-accessed record.
	DuplicateSimilarity = 0.95
)

// ConsolidationService runs the decay / merge / removal pass, both on a
// timer and on demand. Each owner scope consolidates independently.
type ConsolidationService struct {
	memoryStore domain.MemoryStore
	logStore    domain.ConsolidationLogStore
	publisher   EventPublisher
	logger      *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewConsolidationService(ms domain.MemoryStore, ls domain.ConsolidationLogStore, logger *zap.Logger) *ConsolidationService {
	return &ConsolidationService{
		memoryStore: ms,
		logStore:    ls,
		logger:      logger,
		interval:    defaultConsolidationInterval,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

func (s *ConsolidationService) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// SetPublisher wires memory.evicted notifications.
func (s *ConsolidationService) SetPublisher(p EventPublisher) { s.publisher = p }

func (s *ConsolidationService) publishEvicted(m *domain.Memory, reason string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(domain.Event{
		Type:   "memory.evicted",
		Source: "memory",
		Payload: map[string]any{
			"id":       m.ID.String(),
			"kind":     string(m.Kind),
			"agent_id": m.AgentID,
			"reason":   reason,
		},
	})
}

// Start begins the background consolidation worker.
func (s *ConsolidationService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("consolidation worker started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
				if _, err := s.ConsolidateAll(ctx); err != nil {
					s.logger.Error("scheduled consolidation failed", zap.Error(err))
				}
				cancel()
			case <-s.stopCh:
				s.logger.Info("consolidation worker stopped")
				return
			}
		}
	}()
}

// Stop halts the background worker.
func (s *ConsolidationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// ConsolidateAll runs every owner scope plus the shared scope and sums
// the summaries.
func (s *ConsolidationService) ConsolidateAll(ctx context.Context) (*domain.ConsolidationSummary, error) {
	agents, err := s.memoryStore.DistinctAgents(ctx)
	if err != nil {
		return nil, storageError(err)
	}

	total := &domain.ConsolidationSummary{}
	for _, scope := range append(agents, "") {
		summary, err := s.Consolidate(ctx, scope)
		if err != nil {
			s.logger.Error("consolidation failed for scope",
				zap.String("agent_id", scope), zap.Error(err))
			continue
		}
		total.Scanned += summary.Scanned
		total.Decayed += summary.Decayed
		total.Merged += summary.Merged
		total.Removed += summary.Removed
	}
	return total, nil
}

// Consolidate runs one owner scope: decay scores by age, remove cold
// low-score records, merge near-duplicates.
func (s *ConsolidationService) Consolidate(ctx context.Context, agentID string) (*domain.ConsolidationSummary, error) {
	records, err := s.memoryStore.ListForConsolidation(ctx, agentID)
	if err != nil {
		return nil, storageError(err)
	}

	now := s.now()
	summary := &domain.ConsolidationSummary{Scanned: len(records)}
	removed := make(map[int]bool)

	// Stage 1+2: decay, then removal of cold records.
	for i := range records {
		m := &records[i]
		days := now.Sub(m.UpdatedAt).Hours() / 24
		decayed := m.Score
		if days > 0 {
			decayed = m.Score * float32(math.Pow(DailyDecay, days))
		}

		if decayed < RemovalScoreThreshold && m.AccessCount == 0 &&
			now.Sub(m.CreatedAt) > RemovalMinAge && !m.Pinned() {
			if err := s.memoryStore.HardDelete(ctx, m.ID); err != nil {
				s.logger.Warn("failed to remove cold memory", zap.String("id", m.ID.String()), zap.Error(err))
				continue
			}
			s.publishEvicted(m, "decayed")
			removed[i] = true
			summary.Removed++
			continue
		}

		if decayed != m.Score {
			m.Score = decayed
			if err := s.memoryStore.Update(ctx, m); err != nil {
				// A concurrent writer touched it; its updated_at moved, so
				// the next run re-decays from there.
				if !errors.Is(err, store.ErrConflict) {
					s.logger.Warn("failed to decay memory", zap.String("id", m.ID.String()), zap.Error(err))
				}
				continue
			}
			summary.Decayed++
		}
	}

	// Stage 3: merge near-duplicates of the same kind and owner. Keep
	// the record with more accesses.
	for i := range records {
		if removed[i] || len(records[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			if removed[j] || records[i].Kind != records[j].Kind || len(records[j].Embedding) == 0 {
				continue
			}
			if cosine(records[i].Embedding, records[j].Embedding) < DuplicateSimilarity {
				continue
			}

			keep, drop := &records[i], &records[j]
			dropIdx := j
			if drop.AccessCount > keep.AccessCount {
				keep, drop = drop, keep
				dropIdx = i
			}

			keep.Contributors += drop.Contributors
			keep.Metadata = unionMetadata(keep.Metadata, drop.Metadata)
			if err := s.memoryStore.Update(ctx, keep); err != nil {
				s.logger.Warn("failed to merge duplicate", zap.String("id", keep.ID.String()), zap.Error(err))
				continue
			}
			if err := s.memoryStore.HardDelete(ctx, drop.ID); err != nil {
				s.logger.Warn("failed to drop merged duplicate", zap.String("id", drop.ID.String()), zap.Error(err))
				continue
			}
			s.publishEvicted(drop, "merged")
			removed[dropIdx] = true
			summary.Merged++
			if removed[i] {
				break
			}
		}
	}

	if s.logStore != nil {
		if err := s.logStore.Append(ctx, agentID, now, *summary); err != nil {
			s.logger.Warn("failed to log consolidation run", zap.Error(err))
		}
	}

	s.logger.Info("consolidation complete",
		zap.String("agent_id", agentID),
		zap.Int("scanned", summary.Scanned),
		zap.Int("decayed", summary.Decayed),
		zap.Int("merged", summary.Merged),
		zap.Int("removed", summary.Removed))
	return summary, nil
}
