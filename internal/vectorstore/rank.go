package vectorstore

import (
	"sort"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
)

type candidate struct {
	rec    memory.Record
	vector []float32
}

// rank scores candidates against query and keeps the topK best. Candidates
// must arrive in insertion order; the stable sort keeps that order on ties.
func rank(query []float32, cands []candidate, topK int) []memory.Hit {
	hits := make([]memory.Hit, 0, len(cands))
	for _, c := range cands {
		hits = append(hits, memory.Hit{Record: c.rec, Score: embedding.Cosine(query, c.vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
