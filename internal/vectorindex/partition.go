// Package vectorindex keeps each tenant's embeddings in an in-memory index
// over unit vectors. Scores are inner products, so on normalized vectors they
// are cosine similarity. Partitions never share state; a search on one tenant
// cannot observe another tenant's vectors.
package vectorindex

import (
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/venia-ai/docsearch/internal/apperr"
)

// Dimension is the embedding dimensionality the index accepts.
const Dimension = 1536

// Result is one search hit
type Result struct {
	ID    uuid.UUID
	Score float32
}

// Entry pairs an embedding id with its vector for batch insertion
type Entry struct {
	ID     uuid.UUID
	Vector []float32
}

// Partition holds one tenant's vectors. Many readers may search concurrently;
// writes take the exclusive lock.
type Partition struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]

	// vectors is authoritative. The graph approximates candidate selection;
	// scores always come from here so results are exact and deterministic.
	vectors map[uuid.UUID][]float32

	// id mapping (uuid <-> graph key). Duplicate adds orphan the old graph
	// node instead of deleting it; keyMap filters orphans out of results.
	idMap   map[uuid.UUID]uint64
	keyMap  map[uint64]uuid.UUID
	nextKey uint64

	exact bool
}

// NewPartition creates an empty partition. With exact set, searches scan every
// vector instead of walking the graph.
func NewPartition(exact bool) *Partition {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &Partition{
		graph:   graph,
		vectors: make(map[uuid.UUID][]float32),
		idMap:   make(map[uuid.UUID]uint64),
		keyMap:  make(map[uint64]uuid.UUID),
		exact:   exact,
	}
}

// AddBatch inserts entries atomically. Vectors are normalized again
// defensively; a duplicate id overwrites its previous vector (last write
// wins), so replaying a batch is idempotent.
func (p *Partition) AddBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if len(e.Vector) != Dimension {
			return apperr.Newf(apperr.KindValidation, "vector dimension %d, want %d", len(e.Vector), Dimension)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		vec := make([]float32, Dimension)
		copy(vec, e.Vector)
		normalize(vec)

		// Lazy deletion: orphan the old graph node rather than removing it.
		if oldKey, ok := p.idMap[e.ID]; ok {
			delete(p.keyMap, oldKey)
		}

		key := p.nextKey
		p.nextKey++
		p.graph.Add(hnsw.MakeNode(key, vec))
		p.idMap[e.ID] = key
		p.keyMap[key] = e.ID
		p.vectors[e.ID] = vec
	}

	return nil
}

// Remove deletes ids from the partition; absent ids are ignored
func (p *Partition) Remove(ids []uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if key, ok := p.idMap[id]; ok {
			delete(p.keyMap, key)
			delete(p.idMap, id)
			delete(p.vectors, id)
		}
	}
}

// Search returns up to topK entries whose inner product with q is at least
// threshold, sorted by score descending with ties broken by id so repeated
// searches return identical results.
func (p *Partition) Search(q []float32, topK int, threshold float32) ([]Result, error) {
	if len(q) != Dimension {
		return nil, apperr.Newf(apperr.KindValidation, "query dimension %d, want %d", len(q), Dimension)
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	query := make([]float32, Dimension)
	copy(query, q)
	normalize(query)

	p.mu.RLock()
	defer p.mu.RUnlock()

	var results []Result
	if p.exact || len(p.vectors) <= topK*4 {
		results = p.scanAll(query, threshold)
	} else {
		results = p.scanGraph(query, topK, threshold)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID.String() < results[j].ID.String()
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (p *Partition) scanAll(query []float32, threshold float32) []Result {
	results := make([]Result, 0, len(p.vectors))
	for id, vec := range p.vectors {
		if score := dot(query, vec); score >= threshold {
			results = append(results, Result{ID: id, Score: score})
		}
	}
	return results
}

func (p *Partition) scanGraph(query []float32, topK int, threshold float32) []Result {
	// Over-fetch to compensate for lazily deleted orphans still in the graph.
	k := topK * 2
	if orphans := p.graph.Len() - len(p.idMap); orphans > 0 {
		k += orphans
	}

	nodes := p.graph.Search(query, k)
	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, ok := p.keyMap[node.Key]
		if !ok {
			continue // orphaned by a duplicate add or remove
		}
		if score := dot(query, p.vectors[id]); score >= threshold {
			results = append(results, Result{ID: id, Score: score})
		}
	}
	return results
}

// Len returns the number of live vectors
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vectors)
}

// Clear drops every vector, used for re-ingest and tenant deletion
func (p *Partition) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	p.graph = graph
	p.vectors = make(map[uuid.UUID][]float32)
	p.idMap = make(map[uuid.UUID]uint64)
	p.keyMap = make(map[uint64]uuid.UUID)
	p.nextKey = 0
}

func normalize(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
