package embed

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// ScoredDoc is one vector-index search hit: the document ID it was
// inserted under and its cosine similarity to the query, in [-1, 1].
type ScoredDoc struct {
	DocID string
	Score float64
}

// Index is a persistent brute-force cosine-similarity vector store:
// free-list reuse of deleted slots, a sync.RWMutex-guarded map of slot ->
// vector, and a binary-serialized persist file. There is no approximate
// graph-traversal layer on top of the brute-force scan — at this corpus's
// scale (tens to low thousands of documents) brute force is both simpler
// and exact, and nothing here calls for approximate search.
type Index struct {
	mu        sync.RWMutex
	dimension int
	path      string
	vectors   map[int][]float32
	docIDs    map[int]string
	idToSlot  map[string]int
	deleted   map[int]bool
	freeList  []int
	nextIdx   int
}

// NewIndex constructs an Index for the given dimension, loading an existing
// persisted index from path if one exists. An empty path means in-memory
// only: Save becomes a no-op.
func NewIndex(dimension int, path string) (*Index, error) {
	idx := &Index{
		dimension: dimension,
		path:      path,
		vectors:   make(map[int][]float32),
		docIDs:    make(map[int]string),
		idToSlot:  make(map[string]int),
		deleted:   make(map[int]bool),
	}
	if path == "" {
		return idx, nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := idx.load(path); err != nil {
			return nil, fmt.Errorf("embed: load index from %s: %w", path, err)
		}
	}
	return idx, nil
}

// Upsert inserts or replaces the vector for docID, reusing a freed slot
// before allocating a new one.
func (idx *Index) Upsert(docID string, vec []float32) error {
	if len(vec) != idx.dimension {
		return fmt.Errorf("embed: vector dimension %d != index dimension %d", len(vec), idx.dimension)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if slot, ok := idx.idToSlot[docID]; ok {
		idx.vectors[slot] = vec
		delete(idx.deleted, slot)
		return nil
	}

	var slot int
	if n := len(idx.freeList); n > 0 {
		slot = idx.freeList[n-1]
		idx.freeList = idx.freeList[:n-1]
		delete(idx.deleted, slot)
	} else {
		slot = idx.nextIdx
		idx.nextIdx++
	}

	idx.vectors[slot] = vec
	idx.docIDs[slot] = docID
	idx.idToSlot[docID] = slot
	return nil
}

// Delete removes docID's vector and marks its slot free for reuse.
func (idx *Index) Delete(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.idToSlot[docID]
	if !ok {
		return
	}
	idx.deleted[slot] = true
	idx.freeList = append(idx.freeList, slot)
	delete(idx.idToSlot, docID)
}

// Search returns the k highest-scoring documents by cosine similarity to
// query, brute force over every non-deleted vector.
func (idx *Index) Search(query []float32, k int) ([]ScoredDoc, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("embed: query dimension %d != index dimension %d", len(query), idx.dimension)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]ScoredDoc, 0, len(idx.vectors))
	for slot, vec := range idx.vectors {
		if idx.deleted[slot] {
			continue
		}
		candidates = append(candidates, ScoredDoc{DocID: idx.docIDs[slot], Score: cosineSimilarity(query, vec)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Count returns the number of live (non-deleted) vectors.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for slot := range idx.vectors {
		if !idx.deleted[slot] {
			n++
		}
	}
	return n
}

// Save persists the index to its configured path. A no-op when the index
// was constructed without a path.
func (idx *Index) Save() error {
	if idx.path == "" {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	f, err := os.Create(idx.path)
	if err != nil {
		return fmt.Errorf("embed: create index file: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(idx.dimension))
	binary.LittleEndian.PutUint32(header[4:8], uint32(idx.nextIdx))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(idx.freeList)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(idx.vectors)))
	if _, err := f.Write(header); err != nil {
		return err
	}

	for _, slot := range idx.freeList {
		if err := binary.Write(f, binary.LittleEndian, int32(slot)); err != nil {
			return err
		}
	}

	for slot, vec := range idx.vectors {
		if err := binary.Write(f, binary.LittleEndian, int32(slot)); err != nil {
			return err
		}
		if err := binary.Write(f, binary.LittleEndian, idx.deleted[slot]); err != nil {
			return err
		}
		docID := idx.docIDs[slot]
		if err := binary.Write(f, binary.LittleEndian, uint16(len(docID))); err != nil {
			return err
		}
		if _, err := f.Write([]byte(docID)); err != nil {
			return err
		}
		for _, v := range vec {
			if err := binary.Write(f, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return nil
}

func (idx *Index) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 16)
	if _, err := f.Read(header); err != nil {
		return err
	}
	dimension := int(binary.LittleEndian.Uint32(header[0:4]))
	nextIdx := int(binary.LittleEndian.Uint32(header[4:8]))
	freeListLen := int(binary.LittleEndian.Uint32(header[8:12]))
	vectorCount := int(binary.LittleEndian.Uint32(header[12:16]))

	if dimension != idx.dimension {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dimension, idx.dimension)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextIdx = nextIdx
	idx.freeList = make([]int, freeListLen)
	for i := range idx.freeList {
		var slot int32
		if err := binary.Read(f, binary.LittleEndian, &slot); err != nil {
			return err
		}
		idx.freeList[i] = int(slot)
	}

	for i := 0; i < vectorCount; i++ {
		var slot int32
		if err := binary.Read(f, binary.LittleEndian, &slot); err != nil {
			return err
		}
		var deletedFlag bool
		if err := binary.Read(f, binary.LittleEndian, &deletedFlag); err != nil {
			return err
		}
		var idLen uint16
		if err := binary.Read(f, binary.LittleEndian, &idLen); err != nil {
			return err
		}
		idBytes := make([]byte, idLen)
		if _, err := f.Read(idBytes); err != nil {
			return err
		}
		vec := make([]float32, dimension)
		for j := range vec {
			if err := binary.Read(f, binary.LittleEndian, &vec[j]); err != nil {
				return err
			}
		}

		docID := string(idBytes)
		idx.vectors[int(slot)] = vec
		idx.docIDs[int(slot)] = docID
		idx.idToSlot[docID] = int(slot)
		if deletedFlag {
			idx.deleted[int(slot)] = true
		}
	}

	return nil
}

// cosineSimilarity returns the cosine similarity of a and b, clamped to
// [-1, 1] to absorb floating-point error.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}
