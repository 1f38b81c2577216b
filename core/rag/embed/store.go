package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/miesc-hq/miesc/core/aggregate"
	"github.com/miesc-hq/miesc/core/finding"
	"github.com/miesc-hq/miesc/core/rag/kb"
)

// Filters narrow a search to documents matching every non-empty field,
// applied post-retrieval over a larger candidate pool per the
// contract (retrieve k = max(n*3, 15), filter, then truncate to n).
type Filters struct {
	Category string
	Severity string
	SWCID    string
}

func (f Filters) matches(d kb.VulnerabilityDocument) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, d.Category) {
		return false
	}
	if f.Severity != "" && !strings.EqualFold(f.Severity, d.Severity) {
		return false
	}
	if f.SWCID != "" && !strings.EqualFold(f.SWCID, d.SWCID) {
		return false
	}
	return true
}

// Result is one ranked knowledge-base hit.
type Result struct {
	Document        kb.VulnerabilityDocument
	SimilarityScore float64
}

// StoreOption configures a Store at construction.
type StoreOption func(*Store)

// WithLogger overrides the default slog.Default() logger the store uses
// for the "RAG backend unavailable" degradation warning.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithCache overrides the default-sized result cache.
func WithCache(capacity int, ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.cache = NewResultCache(capacity, ttl)
	}
}

// WithMaxConcurrency bounds how many embedding/search calls BatchSearch and
// BatchGetContextForFindings issue at once, the way a shared embedding API
// quota must be respected even when many findings need RAG context in one
// run.
func WithMaxConcurrency(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithQueryRateLimit paces Store-issued queries against a remote embedding
// backend's own rate limit using a token-bucket limiter.
func WithQueryRateLimit(queriesPerSecond float64) StoreOption {
	return func(s *Store) {
		if queriesPerSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(queriesPerSecond), 1)
		}
	}
}

// Store is the Embedding RAG engine: it owns the knowledge-base corpus,
// the embedder, the persistent vector index, and the result cache, and
// implements every public embedding-RAG operation: search, batch search,
// finding-driven search, LLM context formatting, and custom-vulnerability
// ingestion.
type Store struct {
	corpus   *kb.Corpus
	embedder Embedder
	index    *Index
	cache    *ResultCache
	logger   *slog.Logger

	maxConcurrency int
	limiter        *rate.Limiter

	mu             sync.Mutex
	degradedWarned bool
}

const defaultMaxConcurrency = 4

// NewStore builds a Store over an existing corpus, embedding every
// document that isn't already present in the vector index (a fresh index
// embeds everything; a reloaded persisted index only embeds additions).
func NewStore(ctx context.Context, corpus *kb.Corpus, embedder Embedder, indexPath string, opts ...StoreOption) (*Store, error) {
	idx, err := NewIndex(embedder.Dimension(), indexPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		corpus:         corpus,
		embedder:       embedder,
		index:          idx,
		cache:          NewResultCache(0, 0),
		logger:         slog.Default(),
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.reindexMissing(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// reindexMissing embeds and inserts every corpus document that the vector
// index doesn't yet have a vector for.
func (s *Store) reindexMissing(ctx context.Context) error {
	docs := s.corpus.All()
	var missing []kb.VulnerabilityDocument
	for _, d := range docs {
		if _, ok := s.index.idToSlot[d.ID]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	texts := make([]string, len(missing))
	for i, d := range missing {
		texts[i] = d.Text()
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return s.degrade("index corpus", err)
	}
	for i, d := range missing {
		if err := s.index.Upsert(d.ID, vectors[i]); err != nil {
			return fmt.Errorf("embed: upsert %s: %w", d.ID, err)
		}
	}
	return s.index.Save()
}

// degrade implements the "missing encoder or vector store backend must not
// crash the system" guarantee: the first failure in a run is logged once
// as a warning and converted into a nil error so callers fall back to an
// empty result set instead of aborting.
func (s *Store) degrade(op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.degradedWarned {
		s.logger.Warn("RAG backend unavailable, degrading to empty results", "op", op, "error", err)
		s.degradedWarned = true
	}
	return nil
}

// Search returns the n highest-scoring documents for query, applying
// Filters post-retrieval over a k = max(n*3, 15) candidate pool, with
// results served from the LRU+TTL cache when available.
func (s *Store) Search(ctx context.Context, query string, n int, filters Filters) ([]Result, error) {
	if n <= 0 {
		n = 5
	}

	key := CacheKey(query, n, filters)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	results, err := s.search(ctx, query, n, filters)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, results)
	return results, nil
}

func (s *Store) search(ctx context.Context, query string, n int, filters Filters) ([]Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed: rate limit wait: %w", err)
		}
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.degrade("embed query", err)
		return nil, nil
	}

	k := n * 3
	if k < 15 {
		k = 15
	}
	candidates, err := s.index.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("embed: search index: %w", err)
	}

	out := make([]Result, 0, n)
	for _, c := range candidates {
		doc, ok := s.corpus.Get(c.DocID)
		if !ok {
			continue
		}
		if !filters.matches(doc) {
			continue
		}
		out = append(out, Result{Document: doc, SimilarityScore: c.Score})
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// BatchSearch runs Search for every query, deduplicating identical query
// strings so the encoder and index are only hit once per unique query
// regardless of how many times it repeats in the batch.
func (s *Store) BatchSearch(ctx context.Context, queries []string, n int, filters Filters) ([][]Result, error) {
	uniqueIdx := make(map[string]int)
	var unique []string
	for _, q := range queries {
		if _, ok := uniqueIdx[q]; !ok {
			uniqueIdx[q] = len(unique)
			unique = append(unique, q)
		}
	}

	uniqueResults := make([][]Result, len(unique))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i, q := range unique {
		i, q := i, q
		g.Go(func() error {
			r, err := s.Search(gCtx, q, n, filters)
			if err != nil {
				return err
			}
			uniqueResults[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]Result, len(queries))
	for i, q := range queries {
		out[i] = uniqueResults[uniqueIdx[q]]
	}
	return out, nil
}

// SearchByFindingQuery builds the query string from a finding's type, message,
// and taxonomy, optionally augmented with a code excerpt, and returns it.
func SearchByFindingQuery(f finding.Finding, codeContext string) string {
	parts := []string{f.Type, f.Message}
	if f.SWCID != "" {
		parts = append(parts, f.SWCID)
	}
	if codeContext != "" {
		parts = append(parts, codeContext)
	}
	return strings.Join(parts, " ")
}

// SearchByFinding searches using the query SearchByFindingQuery derives
// from finding f.
func (s *Store) SearchByFinding(ctx context.Context, f finding.Finding, codeContext string) ([]Result, error) {
	return s.Search(ctx, SearchByFindingQuery(f, codeContext), 5, Filters{})
}

// GetContextForLLM formats the top results for finding f into a
// prompt-ready block.
func (s *Store) GetContextForLLM(ctx context.Context, f finding.Finding, codeContext string) (string, error) {
	results, err := s.SearchByFinding(ctx, f, codeContext)
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

// FormatContext renders search results into the block every LLM adapter's
// prompt assembly expects as its rag_context_block input.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Document.Title)
		if r.Document.SWCID != "" {
			b.WriteString(" (")
			b.WriteString(r.Document.SWCID)
			b.WriteString(")")
		}
		b.WriteString(fmt.Sprintf(" [similarity %.2f]\n", r.SimilarityScore))
		b.WriteString(strings.TrimSpace(r.Document.Description))
		b.WriteString("\n")
	}
	return b.String()
}

// BatchGetContextForFindings groups findings by normalized_type, performs
// one RAG query per distinct type, and reuses the result block for every
// finding in the group; this is the efficiency path batch LLM validation
// depends on.
func (s *Store) BatchGetContextForFindings(ctx context.Context, findings []finding.Finding, codeContext string) (map[string]string, error) {
	groups := make(map[string][]finding.Finding)
	var order []string
	for _, f := range findings {
		norm := aggregate.NormalizedType(f)
		if _, ok := groups[norm]; !ok {
			order = append(order, norm)
		}
		groups[norm] = append(groups[norm], f)
	}

	queries := make([]string, len(order))
	representative := make([]finding.Finding, len(order))
	for i, norm := range order {
		representative[i] = groups[norm][0]
		queries[i] = SearchByFindingQuery(representative[i], codeContext)
	}

	batchResults, err := s.BatchSearch(ctx, queries, 5, Filters{})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for i, norm := range order {
		block := FormatContext(batchResults[i])
		for _, f := range groups[norm] {
			out[f.ID] = block
		}
	}
	return out, nil
}

// AddCustomVulnerability appends doc to the corpus and embeds it into the
// vector index immediately.
func (s *Store) AddCustomVulnerability(ctx context.Context, doc kb.VulnerabilityDocument) error {
	if err := s.corpus.AddCustomVulnerability(doc); err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, doc.Text())
	if err != nil {
		return s.degrade("embed custom vulnerability", err)
	}
	if err := s.index.Upsert(doc.ID, vec); err != nil {
		return err
	}
	return s.index.Save()
}

// CacheStats exposes the result cache's hit/miss counters.
func (s *Store) CacheStats() CacheStats {
	return s.cache.Stats()
}
