package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noesis-ai/noesis/internal/domain"
)

const (
	// MaxBatchSize bounds one EmbedBatch call.
	MaxBatchSize = 32

	DefaultDim           = 384
	DefaultCacheCapacity = 10000
	DefaultCacheTTL      = time.Hour
)

// Result is one embedding together with its provenance: Degraded marks
// vectors produced by the local hash fallback after the provider failed.
type Result struct {
	Vector   []float32
	Degraded bool
}

// Service wraps an embedding provider with normalization, a content-hash
// LRU cache, batching, and a degraded hash fallback after one retry.
type Service struct {
	client domain.EmbeddingClient
	dim    int
	cache  *cache
	logger *zap.Logger
}

func NewService(client domain.EmbeddingClient, dim, cacheCapacity int, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if dim <= 0 {
		dim = DefaultDim
	}
	if cacheCapacity <= 0 {
		cacheCapacity = DefaultCacheCapacity
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Service{
		client: client,
		dim:    dim,
		cache:  newCache(cacheCapacity, cacheTTL),
		logger: logger,
	}
}

func (s *Service) Dim() int { return s.dim }

// Embed returns the unit vector for text. Identical input within the
// cache TTL returns the identical vector. Provider failure is retried
// once; a second failure falls back to the deterministic hash embedding
// with Degraded set.
func (s *Service) Embed(ctx context.Context, text string) (Result, error) {
	if v, ok := s.cache.get(text); ok {
		return Result{Vector: v}, nil
	}

	v, err := s.client.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("embedding failed, retrying once", zap.Error(err))
		v, err = s.client.Embed(ctx, text)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("embedding failed after retry, using hash fallback", zap.Error(err))
		return Result{Vector: HashEmbedding(text, s.dim), Degraded: true}, nil
	}
	if len(v) != s.dim {
		return Result{}, fmt.Errorf("provider returned %d dimensions, want %d", len(v), s.dim)
	}

	v = Normalize(v)
	s.cache.put(text, v)
	return Result{Vector: v}, nil
}

// EmbedBatch embeds up to MaxBatchSize texts concurrently, preserving
// input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("batch size %d exceeds maximum %d", len(texts), MaxBatchSize)
	}

	results := make([]Result, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, text := range texts {
		g.Go(func() error {
			r, err := s.Embed(ctx, text)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CacheLen reports current cache occupancy, for the health endpoint.
func (s *Service) CacheLen() int { return s.cache.len() }
