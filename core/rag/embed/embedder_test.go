package embed

import (
	"context"
	"math"
	"testing"
)

func TestHashingEmbedderDimension(t *testing.T) {
	e := NewHashingEmbedder()
	vec, err := e.Embed(context.Background(), "reentrancy external call")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != Dimension {
		t.Fatalf("len(vec) = %d, want %d", len(vec), Dimension)
	}
}

func TestHashingEmbedderIsDeterministic(t *testing.T) {
	e := NewHashingEmbedder()
	a, _ := e.Embed(context.Background(), "delegatecall untrusted address")
	b, _ := e.Embed(context.Background(), "delegatecall untrusted address")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedder is not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestHashingEmbedderIsNormalized(t *testing.T) {
	e := NewHashingEmbedder()
	vec, _ := e.Embed(context.Background(), "oracle spot price manipulation flash loan")
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if math.Abs(sumSquares-1.0) > 1e-4 {
		t.Errorf("expected unit-normalized vector, got squared norm %v", sumSquares)
	}
}

func TestHashingEmbedderSimilarTextsAreCloser(t *testing.T) {
	e := NewHashingEmbedder()
	ctx := context.Background()
	query, _ := e.Embed(ctx, "reentrancy external call before state update")
	similar, _ := e.Embed(ctx, "reentrancy external call checks effects interactions")
	unrelated, _ := e.Embed(ctx, "floating pragma compiler version")

	simScore := cosineSimilarity(query, similar)
	unrelatedScore := cosineSimilarity(query, unrelated)
	if simScore <= unrelatedScore {
		t.Errorf("expected semantically similar text to score higher: similar=%v unrelated=%v", simScore, unrelatedScore)
	}
}

func TestEmbedBatchMatchesSequentialEmbed(t *testing.T) {
	e := NewHashingEmbedder()
	ctx := context.Background()
	texts := []string{"reentrancy", "tx-origin-auth"}
	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, text := range texts {
		single, _ := e.Embed(ctx, text)
		for j := range single {
			if single[j] != batch[i][j] {
				t.Fatalf("EmbedBatch[%d] diverges from Embed at index %d", i, j)
			}
		}
	}
}
