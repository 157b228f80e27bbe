package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

type CharacterRepo struct {
	db *store.Store
}

func NewCharacterRepo(db *store.Store) *CharacterRepo { return &CharacterRepo{db: db} }

const characterColumns = `id, name, description, personality, system_prompt, first_message,
	example_dialogues, avatar, tags, is_bundled, created_at, updated_at, deleted_at`

func scanCharacter(row store.Scanner) (entities.Character, error) {
	var c entities.Character
	var tagsJSON string
	var isBundled int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Personality, &c.SystemPrompt,
		&c.FirstMessage, &c.ExampleDialogues, &c.Avatar, &tagsJSON, &isBundled,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return entities.Character{}, err
	}
	_ = json.Unmarshal([]byte(tagsJSON), &c.Tags)
	c.IsBundled = isBundled != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		c.DeletedAt = &t
	}
	return c, nil
}

type CharacterInput struct {
	Name             string
	Description      string
	Personality      string
	SystemPrompt     string
	FirstMessage     string
	ExampleDialogues string
	Avatar           string
	Tags             []string
	IsBundled        bool
}

func (r *CharacterRepo) Create(ctx context.Context, in CharacterInput) (entities.Character, error) {
	if in.Name == "" {
		return entities.Character{}, glerr.Validation("character name must not be empty")
	}
	tagsJSON, _ := json.Marshal(in.Tags)
	now := time.Now().UTC()
	c := entities.Character{
		ID: uuid.NewString(), Name: in.Name, Description: in.Description,
		Personality: in.Personality, SystemPrompt: in.SystemPrompt,
		FirstMessage: in.FirstMessage, ExampleDialogues: in.ExampleDialogues,
		Avatar: in.Avatar, Tags: in.Tags, IsBundled: in.IsBundled,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO characters (`+characterColumns+`) VALUES
			($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL)`,
		c.ID, c.Name, c.Description, c.Personality, c.SystemPrompt, c.FirstMessage,
		c.ExampleDialogues, c.Avatar, string(tagsJSON), boolInt(c.IsBundled),
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return entities.Character{}, err
	}
	return c, nil
}

func (r *CharacterRepo) Get(ctx context.Context, id string) (entities.Character, error) {
	return store.QueryOne(ctx, r.db,
		`SELECT `+characterColumns+` FROM characters WHERE id=$1 AND deleted_at IS NULL`,
		scanCharacter, id)
}

// GetMany fetches every referenced id in one IN(...) query, used by
// ConversationRepo to avoid N+1 lookups when loading linked characters.
func (r *CharacterRepo) GetMany(ctx context.Context, ids []string) (map[string]entities.Character, error) {
	out := map[string]entities.Character{}
	if len(ids) == 0 {
		return out, nil
	}
	query, args := inClauseQuery(`SELECT `+characterColumns+` FROM characters WHERE deleted_at IS NULL AND id IN (%s)`, ids)
	rows, err := store.QueryAll(ctx, r.db, query, scanCharacter, args...)
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		out[c.ID] = c
	}
	return out, nil
}

func (r *CharacterRepo) List(ctx context.Context) ([]entities.Character, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+characterColumns+` FROM characters WHERE deleted_at IS NULL ORDER BY created_at ASC`,
		scanCharacter)
}

func (r *CharacterRepo) Update(ctx context.Context, id string, in CharacterInput) error {
	if in.Name == "" {
		return glerr.Validation("character name must not be empty")
	}
	tagsJSON, _ := json.Marshal(in.Tags)
	n, err := r.db.Execute(ctx,
		`UPDATE characters SET name=$1, description=$2, personality=$3, system_prompt=$4,
			first_message=$5, example_dialogues=$6, avatar=$7, tags=$8, updated_at=$9
		 WHERE id=$10 AND deleted_at IS NULL`,
		in.Name, in.Description, in.Personality, in.SystemPrompt, in.FirstMessage,
		in.ExampleDialogues, in.Avatar, string(tagsJSON), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.NotFound("character not found")
	}
	return nil
}

// SoftDelete is idempotent: a second call leaves exactly one deleted_at
// marker rather than erroring or stacking timestamps.
func (r *CharacterRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Execute(ctx,
		`UPDATE characters SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`, now, id)
	return err
}

// FindConversationBySingleCharacter resolves the unique conversation
// linked to exactly one (this) character, excluding soft-deleted
// conversations (Open Question #3 resolved: soft-deleted conversations
// never match — see DESIGN.md).
func (r *CharacterRepo) FindConversationBySingleCharacter(ctx context.Context, characterID string) (string, bool, error) {
	return store.QueryOptional(ctx, r.db, `
		SELECT c.id FROM conversations c
		JOIN conversation_characters cc ON cc.conversation_id = c.id
		WHERE c.deleted_at IS NULL
		  AND cc.character_id = $1
		  AND (SELECT COUNT(*) FROM conversation_characters cc2 WHERE cc2.conversation_id = c.id) = 1
		LIMIT 1`,
		func(row store.Scanner) (string, error) {
			var id string
			err := row.Scan(&id)
			return id, err
		}, characterID)
}
