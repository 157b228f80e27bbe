package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/store"
)

type MemoryRepo struct {
	db *store.Store
}

func NewMemoryRepo(db *store.Store) *MemoryRepo { return &MemoryRepo{db: db} }

const memoryColumns = `id, character_id, conversation_id, content, importance, source_messages, created_at`

func scanMemory(row store.Scanner) (entities.MemoryEntry, error) {
	var m entities.MemoryEntry
	var conversationID sql.NullString
	var sourceJSON string
	var createdAt int64
	err := row.Scan(&m.ID, &m.CharacterID, &conversationID, &m.Content, &m.Importance, &sourceJSON, &createdAt)
	if err != nil {
		return entities.MemoryEntry{}, err
	}
	if conversationID.Valid {
		m.ConversationID = &conversationID.String
	}
	_ = json.Unmarshal([]byte(sourceJSON), &m.SourceMessages)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	return m, nil
}

func (r *MemoryRepo) Insert(ctx context.Context, characterID string, conversationID *string, content string, importance float64, sourceMessages []string) (entities.MemoryEntry, error) {
	sourceJSON, _ := json.Marshal(sourceMessages)
	m := entities.MemoryEntry{
		ID: uuid.NewString(), CharacterID: characterID, ConversationID: conversationID,
		Content: content, Importance: importance, SourceMessages: sourceMessages, CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO memory_entries (`+memoryColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.CharacterID, m.ConversationID, m.Content, m.Importance, string(sourceJSON), m.CreatedAt.Unix())
	if err != nil {
		return entities.MemoryEntry{}, err
	}
	return m, nil
}

func (r *MemoryRepo) UpdateContent(ctx context.Context, id, content string) error {
	_, err := r.db.Execute(ctx, `UPDATE memory_entries SET content=$1 WHERE id=$2`, content, id)
	return err
}

// TopForCharacter returns the top-N memories by importance desc, then
// recency desc, used as the MemoryExtractor's dedup/contradiction
// candidate set.
func (r *MemoryRepo) TopForCharacter(ctx context.Context, characterID string, limit int) ([]entities.MemoryEntry, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE character_id=$1
		 ORDER BY importance DESC, created_at DESC LIMIT $2`,
		scanMemory, characterID, limit)
}

func (r *MemoryRepo) AllForCharacter(ctx context.Context, characterID string) ([]entities.MemoryEntry, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE character_id=$1 ORDER BY created_at DESC`,
		scanMemory, characterID)
}
