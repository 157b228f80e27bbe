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

type LorebookRepo struct {
	db *store.Store
}

func NewLorebookRepo(db *store.Store) *LorebookRepo { return &LorebookRepo{db: db} }

func scanLorebook(row store.Scanner) (entities.Lorebook, error) {
	var l entities.Lorebook
	var isGlobal, isEnabled int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	if err := row.Scan(&l.ID, &l.Name, &isGlobal, &isEnabled, &createdAt, &updatedAt, &deletedAt); err != nil {
		return entities.Lorebook{}, err
	}
	l.IsGlobal = isGlobal != 0
	l.IsEnabled = isEnabled != 0
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		l.DeletedAt = &t
	}
	return l, nil
}

const lorebookColumns = `id, name, is_global, is_enabled, created_at, updated_at, deleted_at`

func (r *LorebookRepo) Create(ctx context.Context, name string, isGlobal bool) (entities.Lorebook, error) {
	if name == "" {
		return entities.Lorebook{}, glerr.Validation("lorebook name must not be empty")
	}
	now := time.Now().UTC()
	l := entities.Lorebook{ID: uuid.NewString(), Name: name, IsGlobal: isGlobal, IsEnabled: true, CreatedAt: now, UpdatedAt: now}
	_, err := r.db.Execute(ctx,
		`INSERT INTO lorebooks (`+lorebookColumns+`) VALUES ($1,$2,$3,1,$4,$5,NULL)`,
		l.ID, l.Name, boolInt(l.IsGlobal), l.CreatedAt.Unix(), l.UpdatedAt.Unix())
	if err != nil {
		return entities.Lorebook{}, err
	}
	return l, nil
}

func (r *LorebookRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Execute(ctx, `UPDATE lorebooks SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`, now, id)
	return err
}

// EnabledGlobal returns every enabled, non-deleted global lorebook.
func (r *LorebookRepo) EnabledGlobal(ctx context.Context) ([]entities.Lorebook, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+lorebookColumns+` FROM lorebooks WHERE is_global=1 AND is_enabled=1 AND deleted_at IS NULL`,
		scanLorebook)
}

// EnabledForConversation returns every enabled, non-deleted lorebook
// explicitly attached to the conversation.
func (r *LorebookRepo) EnabledForConversation(ctx context.Context, conversationID string) ([]entities.Lorebook, error) {
	return store.QueryAll(ctx, r.db, `
		SELECT `+lorebookColumns+` FROM lorebooks l
		JOIN conversation_lorebooks cl ON cl.lorebook_id = l.id
		WHERE cl.conversation_id = $1 AND l.is_enabled=1 AND l.deleted_at IS NULL`,
		scanLorebook, conversationID)
}

func (r *LorebookRepo) Attach(ctx context.Context, conversationID, lorebookID string) error {
	_, err := r.db.Execute(ctx,
		`INSERT INTO conversation_lorebooks (conversation_id, lorebook_id) VALUES ($1,$2)
		 ON CONFLICT DO NOTHING`, conversationID, lorebookID)
	return err
}

type LorebookEntryRepo struct {
	db *store.Store
}

func NewLorebookEntryRepo(db *store.Store) *LorebookEntryRepo { return &LorebookEntryRepo{db: db} }

const lorebookEntryColumns = `id, lorebook_id, keywords, content, priority, case_sensitive,
	whole_word, insertion_position, is_enabled, token_budget`

func scanLorebookEntry(row store.Scanner) (entities.LorebookEntry, error) {
	var e entities.LorebookEntry
	var keywordsJSON string
	var caseSensitive, wholeWord, isEnabled int
	var tokenBudget sql.NullInt64
	err := row.Scan(&e.ID, &e.LorebookID, &keywordsJSON, &e.Content, &e.Priority,
		&caseSensitive, &wholeWord, &e.InsertionPosition, &isEnabled, &tokenBudget)
	if err != nil {
		return entities.LorebookEntry{}, err
	}
	_ = json.Unmarshal([]byte(keywordsJSON), &e.Keywords)
	e.CaseSensitive = caseSensitive != 0
	e.WholeWord = wholeWord != 0
	e.IsEnabled = isEnabled != 0
	if tokenBudget.Valid {
		n := int(tokenBudget.Int64)
		e.TokenBudget = &n
	}
	return e, nil
}

type LorebookEntryInput struct {
	Keywords          []string
	Content           string
	Priority          int
	CaseSensitive     bool
	WholeWord         bool
	InsertionPosition entities.InsertionPosition
	TokenBudget       *int
}

func (r *LorebookEntryRepo) Create(ctx context.Context, lorebookID string, in LorebookEntryInput) (entities.LorebookEntry, error) {
	keywordsJSON, _ := json.Marshal(in.Keywords)
	e := entities.LorebookEntry{
		ID: uuid.NewString(), LorebookID: lorebookID, Keywords: in.Keywords, Content: in.Content,
		Priority: in.Priority, CaseSensitive: in.CaseSensitive, WholeWord: in.WholeWord,
		InsertionPosition: in.InsertionPosition, IsEnabled: true, TokenBudget: in.TokenBudget,
	}
	var tokenBudget any
	if in.TokenBudget != nil {
		tokenBudget = *in.TokenBudget
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO lorebook_entries (`+lorebookEntryColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1,$9)`,
		e.ID, e.LorebookID, string(keywordsJSON), e.Content, e.Priority,
		boolInt(e.CaseSensitive), boolInt(e.WholeWord), e.InsertionPosition, tokenBudget)
	if err != nil {
		return entities.LorebookEntry{}, err
	}
	return e, nil
}

// EnabledForLorebooks returns every enabled entry belonging to any of
// the given lorebook ids.
func (r *LorebookEntryRepo) EnabledForLorebooks(ctx context.Context, lorebookIDs []string) ([]entities.LorebookEntry, error) {
	if len(lorebookIDs) == 0 {
		return nil, nil
	}
	query, args := inClauseQuery(
		`SELECT `+lorebookEntryColumns+` FROM lorebook_entries WHERE is_enabled=1 AND lorebook_id IN (%s)`,
		lorebookIDs)
	return store.QueryAll(ctx, r.db, query, scanLorebookEntry, args...)
}
