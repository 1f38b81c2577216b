// Package hybrid complements the embedding RAG pipeline with a lexical
// BM25 score over the same corpus, fusing the two when a query looks like
// a precise technical lookup rather than a loose semantic one.
package hybrid

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/miesc-hq/miesc/core/rag/embed"
	"github.com/miesc-hq/miesc/core/rag/kb"
)

// EmbedWeight and BM25Weight are the fusion rule's fixed weights:
// final = EmbedWeight*embed + BM25Weight*bm25, both scores in [0, 1]: BM25
// is divided by its maximum, and a negative cosine similarity counts as 0.
const (
	EmbedWeight = 0.7
	BM25Weight  = 0.3
)

// securityVocabulary is the configured technical-token list that gates
// hybrid mode: a query naming at least two of these terms is treated as a
// precise lookup rather than a loose natural-language question.
var securityVocabulary = map[string]bool{
	"delegatecall": true, "reentrancy": true, "selector": true,
	"selfdestruct": true, "calldata": true, "fallback": true,
	"receive": true, "staticcall": true, "flashloan": true,
	"flash-loan": true, "oracle": true, "slippage": true,
	"nonce": true, "ecrecover": true, "keccak256": true,
	"proxy": true, "initializer": true, "tx.origin": true,
	"tx-origin": true, "delegatecall-to-untrusted": true,
	"reentrant": true, "erc4626": true, "erc777": true,
}

// MinVocabularyHits is the threshold of distinct security-vocabulary
// tokens a query must contain for hybrid mode to engage.
const MinVocabularyHits = 2

// usesHybridVocabulary reports whether query contains at least
// MinVocabularyHits distinct tokens from securityVocabulary.
func usesHybridVocabulary(query string) bool {
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:()[]{}\"'")
		if securityVocabulary[tok] {
			seen[tok] = true
		}
	}
	return len(seen) >= MinVocabularyHits
}

// Store layers BM25 lexical scoring on top of an embedding RAG Store. With
// a nil BM25Index, Store returns no error and behaves as if hybrid mode is
// off: every query falls back to pure embedding search.
type Store struct {
	embed *embed.Store
	bm25  *BM25Index
}

// NewStore wraps embedStore with bm25Index. A nil bm25Index is valid and
// makes Search behave identically to the underlying embedding store.
func NewStore(embedStore *embed.Store, bm25Index *BM25Index) *Store {
	return &Store{embed: embedStore, bm25: bm25Index}
}

// Search fuses embedding similarity with BM25 lexical relevance when query
// triggers the security-vocabulary gate and a BM25 index is available;
// otherwise it defers entirely to the embedding store.
func (s *Store) Search(ctx context.Context, query string, n int, filters embed.Filters) ([]embed.Result, error) {
	if n <= 0 {
		n = 5
	}
	if s.bm25 == nil || !usesHybridVocabulary(query) {
		return s.embed.Search(ctx, query, n, filters)
	}

	// Pull a larger embedding candidate pool so BM25 re-ranking has
	// something to work with beyond the top n.
	poolSize := n * 3
	if poolSize < 15 {
		poolSize = 15
	}
	embedResults, err := s.embed.Search(ctx, query, poolSize, filters)
	if err != nil {
		return nil, err
	}
	if len(embedResults) == 0 {
		return embedResults, nil
	}

	bm25Scores := s.bm25.Score(query, documentIDs(embedResults))

	fused := make([]embed.Result, len(embedResults))
	for i, r := range embedResults {
		bm25Score := bm25Scores[r.Document.ID]
		embedScore := r.SimilarityScore
		if embedScore < 0 {
			embedScore = 0
		}
		fused[i] = embed.Result{
			Document:        r.Document,
			SimilarityScore: EmbedWeight*embedScore + BM25Weight*bm25Score,
		}
	}

	sort.Slice(fused, func(i, j int) bool { return fused[i].SimilarityScore > fused[j].SimilarityScore })
	if len(fused) > n {
		fused = fused[:n]
	}
	return fused, nil
}

func documentIDs(results []embed.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Document.ID
	}
	return ids
}

// BM25Index scores documents against a query using Okapi BM25 over the
// same VulnerabilityDocument text the embedder encodes; standard library
// only — no lexical-search library (e.g. Bleve) appears anywhere in the
// retrieved example pack, so BM25's closed-form term-frequency scoring is
// implemented directly rather than fabricating a dependency.
type BM25Index struct {
	docs        map[string]kb.VulnerabilityDocument
	termFreqs   map[string]map[string]int // docID -> term -> frequency
	docLengths  map[string]int
	avgDocLen   float64
	docFreq     map[string]int // term -> number of documents containing it
	totalDocs   int
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// NewBM25Index builds an index over docs. Returns nil if docs is empty,
// signaling "unavailable" to Store the same way a missing backend would.
func NewBM25Index(docs []kb.VulnerabilityDocument) *BM25Index {
	if len(docs) == 0 {
		return nil
	}

	idx := &BM25Index{
		docs:       make(map[string]kb.VulnerabilityDocument, len(docs)),
		termFreqs:  make(map[string]map[string]int, len(docs)),
		docLengths: make(map[string]int, len(docs)),
		docFreq:    make(map[string]int),
		totalDocs:  len(docs),
	}

	var totalLength int
	for _, d := range docs {
		idx.docs[d.ID] = d
		tokens := tokenize(d.Text())
		idx.docLengths[d.ID] = len(tokens)
		totalLength += len(tokens)

		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		idx.termFreqs[d.ID] = freqs
		for term := range freqs {
			idx.docFreq[term]++
		}
	}
	idx.avgDocLen = float64(totalLength) / float64(len(docs))
	return idx
}

// Score returns a BM25 score normalized to [0, 1] (by dividing by the
// maximum raw score among candidateDocIDs) for every candidate document.
// Restricting to candidateDocIDs keeps this an O(candidates) re-ranking
// step rather than a full corpus scan, since the caller already retrieved
// a pool of embedding candidates.
func (idx *BM25Index) Score(query string, candidateDocIDs []string) map[string]float64 {
	queryTerms := tokenize(query)
	raw := make(map[string]float64, len(candidateDocIDs))
	var maxRaw float64

	for _, docID := range candidateDocIDs {
		freqs, ok := idx.termFreqs[docID]
		if !ok {
			continue
		}
		docLen := float64(idx.docLengths[docID])

		var score float64
		for _, term := range queryTerms {
			f := float64(freqs[term])
			if f == 0 {
				continue
			}
			df := idx.docFreq[term]
			idf := math.Log(1 + (float64(idx.totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
			numerator := f * (bm25K1 + 1)
			denominator := f + bm25K1*(1-bm25B+bm25B*docLen/idx.avgDocLen)
			score += idf * numerator / denominator
		}
		raw[docID] = score
		if score > maxRaw {
			maxRaw = score
		}
	}

	normalized := make(map[string]float64, len(raw))
	for docID, score := range raw {
		if maxRaw > 0 {
			normalized[docID] = score / maxRaw
		}
	}
	return normalized
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
