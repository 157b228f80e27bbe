package memory

import (
	"context"
	"time"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/vecutil"
)

const embeddingEntityType = "memory"

// Retriever answers find_similar queries against a character's
// memories with the recency-aware re-ranking from §4.10.
type Retriever struct {
	memories   *repo.MemoryRepo
	embeddings *repo.EmbeddingRepo
}

func NewRetriever(memories *repo.MemoryRepo, embeddings *repo.EmbeddingRepo) *Retriever {
	return &Retriever{memories: memories, embeddings: embeddings}
}

// Scored pairs a memory with the similarity and final ranking score
// it was retrieved at.
type Scored struct {
	Memory     entities.MemoryEntry
	Similarity float64
	Score      float64
}

// Retrieve finds the k memories of characterID most relevant to
// query, filtered by minSim on raw cosine similarity, then re-ranked
// by final_score = 0.5*similarity + 0.3*importance + 0.2*recency
// where recency = max(0.5, 1 - 0.05*age_days).
func (r *Retriever) Retrieve(ctx context.Context, characterID string, query []float32, k int, minSim float64, now time.Time) ([]Scored, error) {
	mems, err := r.memories.AllForCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, nil
	}

	embeds, err := r.embeddings.AllOfType(ctx, embeddingEntityType)
	if err != nil {
		return nil, err
	}
	vecByID := make(map[string][]float32, len(embeds))
	for _, e := range embeds {
		vecByID[e.EntityID] = e.Vector
	}

	candidates := make([]Scored, 0, len(mems))
	for _, m := range mems {
		vec, ok := vecByID[m.ID]
		if !ok {
			continue // never embedded (both embedding attempts failed at extraction time)
		}
		sim := vecutil.CosineSimilarity(query, vec)
		if sim < minSim {
			continue
		}
		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		recency := 1 - 0.05*ageDays
		if recency < 0.5 {
			recency = 0.5
		}
		score := 0.5*sim + 0.3*m.Importance + 0.2*recency
		candidates = append(candidates, Scored{Memory: m, Similarity: sim, Score: score})
	}

	// insertion sort desc by Score; candidate pools here are a single
	// character's memory set, not a corpus-wide index.
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidates[j-1].Score < candidates[j].Score {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}
