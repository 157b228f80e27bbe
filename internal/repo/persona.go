// Package repo implements typed CRUD and the graph queries (C3) over
// the store (C1). Each file covers one aggregate.
package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

// PersonaRepo enforces invariant P1: at most one persona has
// IsDefault=true at any time.
type PersonaRepo struct {
	db *store.Store
}

func NewPersonaRepo(db *store.Store) *PersonaRepo { return &PersonaRepo{db: db} }

func scanPersona(row store.Scanner) (entities.Persona, error) {
	var p entities.Persona
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	var isDefault int
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &isDefault, &createdAt, &updatedAt, &deletedAt); err != nil {
		return entities.Persona{}, err
	}
	p.IsDefault = isDefault != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		p.DeletedAt = &t
	}
	return p, nil
}

const personaColumns = `id, name, description, is_default, created_at, updated_at, deleted_at`

// Create inserts a persona. If makeDefault is true, any existing
// default is cleared first inside the same transaction (P1).
func (r *PersonaRepo) Create(ctx context.Context, name, description string, makeDefault bool) (entities.Persona, error) {
	if name == "" {
		return entities.Persona{}, glerr.Validation("persona name must not be empty")
	}
	now := time.Now().UTC()
	p := entities.Persona{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		IsDefault:   makeDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := r.db.Transaction(ctx, func(txCtx context.Context) error {
		if makeDefault {
			if _, err := r.db.Execute(txCtx, `UPDATE personas SET is_default=0 WHERE is_default=1`); err != nil {
				return err
			}
		}
		_, err := r.db.Execute(txCtx,
			`INSERT INTO personas (`+personaColumns+`) VALUES ($1,$2,$3,$4,$5,$6,NULL)`,
			p.ID, p.Name, p.Description, boolInt(p.IsDefault), p.CreatedAt.Unix(), p.UpdatedAt.Unix())
		return err
	})
	if err != nil {
		return entities.Persona{}, err
	}
	return p, nil
}

func (r *PersonaRepo) Get(ctx context.Context, id string) (entities.Persona, error) {
	return store.QueryOne(ctx, r.db,
		`SELECT `+personaColumns+` FROM personas WHERE id=$1 AND deleted_at IS NULL`,
		scanPersona, id)
}

func (r *PersonaRepo) GetDefault(ctx context.Context) (entities.Persona, bool, error) {
	return store.QueryOptional(ctx, r.db,
		`SELECT `+personaColumns+` FROM personas WHERE is_default=1 AND deleted_at IS NULL LIMIT 1`,
		scanPersona)
}

func (r *PersonaRepo) List(ctx context.Context) ([]entities.Persona, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+personaColumns+` FROM personas WHERE deleted_at IS NULL ORDER BY created_at ASC`,
		scanPersona)
}

// SetDefault clears any existing default and marks id as default,
// atomically.
func (r *PersonaRepo) SetDefault(ctx context.Context, id string) error {
	return r.db.Transaction(ctx, func(txCtx context.Context) error {
		if _, err := r.db.Execute(txCtx, `UPDATE personas SET is_default=0 WHERE is_default=1`); err != nil {
			return err
		}
		n, err := r.db.Execute(txCtx, `UPDATE personas SET is_default=1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`,
			time.Now().UTC().Unix(), id)
		if err != nil {
			return err
		}
		if n == 0 {
			return glerr.NotFound("persona not found")
		}
		return nil
	})
}

func (r *PersonaRepo) Update(ctx context.Context, id, name, description string) error {
	if name == "" {
		return glerr.Validation("persona name must not be empty")
	}
	n, err := r.db.Execute(ctx,
		`UPDATE personas SET name=$1, description=$2, updated_at=$3 WHERE id=$4 AND deleted_at IS NULL`,
		name, description, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.NotFound("persona not found")
	}
	return nil
}

// SoftDelete is idempotent: a repeated call matches no row, so the
// first deleted_at stays in place and no error is returned.
func (r *PersonaRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Execute(ctx,
		`UPDATE personas SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`, now, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
