// Package semcache implements a response cache keyed by embedding similarity
// rather than exact text.
//
// A lookup embeds the query, finds the nearest stored entry by cosine
// similarity and serves it only when the similarity clears the configured
// threshold. Entries are immutable and evicted oldest-first once the store
// grows past its maximum size.
package semcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/embedding"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

var (
	// ErrNoEmbedder is returned when the cache has no embedding provider.
	ErrNoEmbedder = errors.New("semcache: no embedder configured")
	// ErrDimensionMismatch is returned when a vector does not match the cache dimension.
	ErrDimensionMismatch = errors.New("semcache: embedding dimension mismatch")
)

// Config holds cache tuning.
type Config struct {
	SimilarityThreshold float64
	MaxSize             int
	Dimension           int
}

// DefaultConfig returns the stock cache settings.
func DefaultConfig() Config {
	return Config{SimilarityThreshold: 0.95, MaxSize: 1000, Dimension: 1536}
}

// LookupResult is the outcome of a cache lookup. Embedding carries the query
// vector so a following Add does not embed the same text twice.
type LookupResult struct {
	Hit        bool      `json:"hit"`
	Response   string    `json:"response,omitempty"`
	Model      string    `json:"model,omitempty"`
	Similarity float64   `json:"similarity"`
	CostSaved  float64   `json:"cost_saved"`
	Embedding  []float32 `json:"-"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	CostSaved float64 `json:"cost_saved"`
	Size      int     `json:"size"`
	Evicted   int64   `json:"evicted"`
	Threshold float64 `json:"similarity_threshold"`
}

// Cache is the semantic response cache.
type Cache struct {
	cfg      Config
	embedder embedding.Embedder
	index    Index
	logger   *slog.Logger
	now      func() time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64

	savedMu   sync.Mutex
	costSaved float64
}

// Option configures a Cache.
type Option func(*Cache)

// WithIndex replaces the default in-memory index.
func WithIndex(idx Index) Option {
	return func(c *Cache) {
		if idx != nil {
			c.index = idx
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrDiscard(l) }
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. A nil embedder yields a cache that always misses.
func New(cfg Config, embedder embedding.Embedder, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	c := &Cache{
		cfg:      cfg,
		embedder: embedder,
		index:    NewMemoryIndex(),
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup embeds query and returns the nearest entry when it clears the threshold.
// Errors count as misses; callers are expected to fall through to the model.
func (c *Cache) Lookup(ctx context.Context, query string) (LookupResult, error) {
	if c.embedder == nil {
		c.misses.Add(1)
		return LookupResult{}, ErrNoEmbedder
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.misses.Add(1)
		return LookupResult{}, fmt.Errorf("embedding query: %w", err)
	}
	if c.cfg.Dimension > 0 && len(vec) != c.cfg.Dimension {
		c.misses.Add(1)
		return LookupResult{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.cfg.Dimension)
	}

	match, found, err := c.index.Nearest(ctx, vec)
	if err != nil {
		c.misses.Add(1)
		return LookupResult{Embedding: vec}, fmt.Errorf("searching index: %w", err)
	}
	if !found || match.Similarity < c.cfg.SimilarityThreshold {
		c.misses.Add(1)
		res := LookupResult{Embedding: vec}
		if found {
			res.Similarity = match.Similarity
		}
		return res, nil
	}

	c.hits.Add(1)
	c.savedMu.Lock()
	c.costSaved += match.Entry.Cost
	c.savedMu.Unlock()

	c.logger.Debug("semantic cache hit",
		"similarity", match.Similarity,
		"model", match.Entry.Model,
		"cost_saved", match.Entry.Cost,
	)

	return LookupResult{
		Hit:        true,
		Response:   match.Entry.Response,
		Model:      match.Entry.Model,
		Similarity: match.Similarity,
		CostSaved:  match.Entry.Cost,
		Embedding:  vec,
	}, nil
}

// Add stores a new entry, embedding its query text when no vector is supplied,
// then evicts the oldest entries beyond MaxSize.
func (c *Cache) Add(ctx context.Context, e Entry) error {
	if len(e.Embedding) == 0 {
		if c.embedder == nil {
			return ErrNoEmbedder
		}
		vec, err := c.embedder.Embed(ctx, e.QueryText)
		if err != nil {
			return fmt.Errorf("embedding entry: %w", err)
		}
		e.Embedding = vec
	}
	if c.cfg.Dimension > 0 && len(e.Embedding) != c.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Embedding), c.cfg.Dimension)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	e.Embedding = append([]float32(nil), e.Embedding...)
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}

	if err := c.index.Add(ctx, e); err != nil {
		return fmt.Errorf("adding entry: %w", err)
	}

	dropped, err := c.index.Trim(ctx, c.cfg.MaxSize)
	if err != nil {
		return fmt.Errorf("evicting entries: %w", err)
	}
	if dropped > 0 {
		c.evicted.Add(int64(dropped))
		c.logger.Debug("semantic cache evicted entries", "count", dropped, "max_size", c.cfg.MaxSize)
	}
	return nil
}

// Stats returns hit/miss counters, cumulative savings and current size.
func (c *Cache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	size, err := c.index.Len(ctx)
	if err != nil {
		c.logger.Warn("semantic cache size unavailable", "error", err)
	}

	c.savedMu.Lock()
	saved := c.costSaved
	c.savedMu.Unlock()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		CostSaved: saved,
		Size:      size,
		Evicted:   c.evicted.Load(),
		Threshold: c.cfg.SimilarityThreshold,
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear(ctx context.Context) error {
	return c.index.Reset(ctx)
}
