package repo

import (
	"context"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/store"
	"github.com/glee/core/internal/vecutil"
)

// EmbeddingRepo persists fixed-length float vectors as little-endian
// float32 BLOBs (§4.10), grounded on the teacher's memory_vector.go
// blob encoding, adapted here to plain BLOB columns instead of a
// sqlite-vec virtual table (this core has no ANN index requirement at
// spec'd scale — a full scan over "all embeddings of the type" is the
// specified algorithm for find_similar).
type EmbeddingRepo struct {
	db *store.Store
}

func NewEmbeddingRepo(db *store.Store) *EmbeddingRepo { return &EmbeddingRepo{db: db} }

func (r *EmbeddingRepo) Upsert(ctx context.Context, entityType, entityID string, vec []float32) error {
	blob := vecutil.EncodeVector(vec)
	_, err := r.db.Execute(ctx,
		`INSERT INTO embeddings (entity_type, entity_id, dimensions, vector) VALUES ($1,$2,$3,$4)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET dimensions=excluded.dimensions, vector=excluded.vector`,
		entityType, entityID, len(vec), blob)
	return err
}

// AllOfType returns every embedding of a given entity type, decoded.
func (r *EmbeddingRepo) AllOfType(ctx context.Context, entityType string) ([]entities.Embedding, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT entity_type, entity_id, dimensions, vector FROM embeddings WHERE entity_type=$1`,
		func(row store.Scanner) (entities.Embedding, error) {
			var e entities.Embedding
			var blob []byte
			if err := row.Scan(&e.EntityType, &e.EntityID, &e.Dimensions, &blob); err != nil {
				return entities.Embedding{}, err
			}
			e.Vector = vecutil.DecodeVector(blob)
			return e, nil
		}, entityType)
}

func (r *EmbeddingRepo) Delete(ctx context.Context, entityType, entityID string) error {
	_, err := r.db.Execute(ctx, `DELETE FROM embeddings WHERE entity_type=$1 AND entity_id=$2`, entityType, entityID)
	return err
}
