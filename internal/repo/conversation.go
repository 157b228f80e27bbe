package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

type ConversationRepo struct {
	db *store.Store
}

func NewConversationRepo(db *store.Store) *ConversationRepo { return &ConversationRepo{db: db} }

// conversationRow is the shape of the single join query: one row per
// conversation, with linked character/lorebook ids concatenated rather
// than joined out to many rows (which avoids the fan-out that would
// otherwise require de-duplicating the conversation's scalar columns).
type conversationRow struct {
	entities.Conversation
	characterIDsRaw sql.NullString
	lorebookIDsRaw  sql.NullString
}

const conversationJoinQuery = `
SELECT c.id, c.title, c.persona_id, c.active_message_id, c.created_at, c.updated_at, c.deleted_at,
       (SELECT group_concat(cc.character_id, ',') FROM (
           SELECT character_id FROM conversation_characters
           WHERE conversation_id = c.id ORDER BY join_order ASC
        ) cc) AS character_ids,
       (SELECT group_concat(cl.lorebook_id, ',') FROM conversation_lorebooks cl
        WHERE cl.conversation_id = c.id) AS lorebook_ids
FROM conversations c`

func scanConversationRow(row store.Scanner) (conversationRow, error) {
	var cr conversationRow
	var personaID, activeMessageID sql.NullString
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&cr.ID, &cr.Title, &personaID, &activeMessageID, &createdAt, &updatedAt, &deletedAt,
		&cr.characterIDsRaw, &cr.lorebookIDsRaw)
	if err != nil {
		return conversationRow{}, err
	}
	if personaID.Valid {
		cr.PersonaID = &personaID.String
	}
	if activeMessageID.Valid {
		cr.ActiveMessage = &activeMessageID.String
	}
	cr.CreatedAt = time.Unix(createdAt, 0).UTC()
	cr.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		cr.DeletedAt = &t
	}
	if cr.characterIDsRaw.Valid && cr.characterIDsRaw.String != "" {
		cr.CharacterIDs = strings.Split(cr.characterIDsRaw.String, ",")
	}
	if cr.lorebookIDsRaw.Valid && cr.lorebookIDsRaw.String != "" {
		cr.LorebookIDs = strings.Split(cr.lorebookIDsRaw.String, ",")
	}
	cr.IsGroup = len(cr.CharacterIDs) > 1
	return cr, nil
}

func (r *ConversationRepo) Create(ctx context.Context, title string, personaID *string, characterIDs []string) (entities.Conversation, error) {
	now := time.Now().UTC()
	conv := entities.Conversation{
		ID: uuid.NewString(), Title: title, PersonaID: personaID, CharacterIDs: characterIDs,
		IsGroup: len(characterIDs) > 1, CreatedAt: now, UpdatedAt: now,
	}
	err := r.db.Transaction(ctx, func(txCtx context.Context) error {
		if _, err := r.db.Execute(txCtx,
			`INSERT INTO conversations (id, title, persona_id, active_message_id, created_at, updated_at, deleted_at)
			 VALUES ($1,$2,$3,NULL,$4,$5,NULL)`,
			conv.ID, conv.Title, conv.PersonaID, conv.CreatedAt.Unix(), conv.UpdatedAt.Unix()); err != nil {
			return err
		}
		for i, cid := range characterIDs {
			if _, err := r.db.Execute(txCtx,
				`INSERT INTO conversation_characters (conversation_id, character_id, join_order) VALUES ($1,$2,$3)`,
				conv.ID, cid, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return entities.Conversation{}, err
	}
	return conv, nil
}

// Get loads a conversation without its linked characters hydrated
// (CharacterIDs only); use GetHydrated to also resolve Character rows.
func (r *ConversationRepo) Get(ctx context.Context, id string) (entities.Conversation, error) {
	row, err := store.QueryOne(ctx, r.db, conversationJoinQuery+` WHERE c.id = $1 AND c.deleted_at IS NULL`,
		scanConversationRow, id)
	if err != nil {
		return entities.Conversation{}, err
	}
	return row.Conversation, nil
}

// GetHydrated loads the conversation plus the resolved Character
// records for its linked characters in exactly two statements total
// (this join, then one IN(...) lookup) regardless of how many
// characters are linked.
func (r *ConversationRepo) GetHydrated(ctx context.Context, id string, characters *CharacterRepo) (entities.Conversation, map[string]entities.Character, error) {
	conv, err := r.Get(ctx, id)
	if err != nil {
		return entities.Conversation{}, nil, err
	}
	chars, err := characters.GetMany(ctx, conv.CharacterIDs)
	if err != nil {
		return entities.Conversation{}, nil, err
	}
	return conv, chars, nil
}

func (r *ConversationRepo) List(ctx context.Context) ([]entities.Conversation, error) {
	rows, err := store.QueryAll(ctx, r.db, conversationJoinQuery+` WHERE c.deleted_at IS NULL ORDER BY c.updated_at DESC`,
		scanConversationRow)
	if err != nil {
		return nil, err
	}
	out := make([]entities.Conversation, len(rows))
	for i, row := range rows {
		out[i] = row.Conversation
	}
	return out, nil
}

func (r *ConversationRepo) SetActiveMessage(ctx context.Context, conversationID string, messageID *string) error {
	_, err := r.db.Execute(ctx,
		`UPDATE conversations SET active_message_id=$1, updated_at=$2 WHERE id=$3`,
		messageID, time.Now().UTC().Unix(), conversationID)
	return err
}

func (r *ConversationRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Execute(ctx, `UPDATE conversations SET deleted_at=$1, updated_at=$1 WHERE id=$2 AND deleted_at IS NULL`, now, id)
	return err
}

func (r *ConversationRepo) Rename(ctx context.Context, id, title string) error {
	n, err := r.db.Execute(ctx, `UPDATE conversations SET title=$1, updated_at=$2 WHERE id=$3 AND deleted_at IS NULL`,
		title, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.NotFound("conversation not found")
	}
	return nil
}
