// Package embed implements the Embedding RAG pipeline: a sentence embedder,
// a persistent brute-force cosine-similarity vector index, and the Store
// that wires both to the knowledge base's vulnerability corpus.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// Dimension is the fixed embedding width every Embedder in this package
// must produce; the vector index is built against this dimension.
const Dimension = 384

// Embedder is the narrow sentence-embedding abstraction the Store depends
// on: a named backend that turns text into fixed-width vectors, alone or
// in batch.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HashingEmbedder is a deterministic, dependency-free sentence encoder: it
// feature-hashes whitespace-delimited tokens into a fixed-width vector and
// L2-normalizes the result. It is the local-model backend that needs no
// network access and no bundled model weights. Remote providers (Ollama,
// OpenAI-compatible HTTP endpoints, and similar) are wired in as
// RemoteEmbedder in remote.go.
type HashingEmbedder struct{}

// NewHashingEmbedder constructs the deterministic local encoder.
func NewHashingEmbedder() HashingEmbedder { return HashingEmbedder{} }

func (HashingEmbedder) Name() string   { return "hashing-local" }
func (HashingEmbedder) Dimension() int { return Dimension }

// Embed hashes each token of text into one of Dimension buckets and
// accumulates a signed contribution per bucket (feature hashing with a
// sign hash, following the standard hashing-trick construction), then
// L2-normalizes the vector so cosine similarity behaves the way it would
// for a trained embedding.
func (HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		idx, sign := hashToken(tok)
		vec[idx] += sign
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds every text independently; the hashing embedder has no
// network round trip to amortize, so batching is purely a convenience.
func (h HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// hashToken maps a token to a (bucket, sign) pair using independent slices
// of a single sha256 digest, the same two-hash-functions-from-one-digest
// trick used for Bloom-filter-style feature hashing.
func hashToken(tok string) (int, float32) {
	sum := sha256.Sum256([]byte(tok))
	bucket := int(binary.BigEndian.Uint32(sum[0:4]) % uint32(Dimension))
	sign := float32(1)
	if sum[4]&1 == 1 {
		sign = -1
	}
	return bucket, sign
}

func normalize(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] /= norm
	}
}
