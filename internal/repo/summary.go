package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/store"
)

type SummaryRepo struct {
	db *store.Store
}

func NewSummaryRepo(db *store.Store) *SummaryRepo { return &SummaryRepo{db: db} }

const summaryColumns = `id, conversation_id, content, range_start_message_id, range_end_message_id,
	message_count, token_count, created_at`

func scanSummary(row store.Scanner) (entities.ConversationSummary, error) {
	var s entities.ConversationSummary
	var createdAt int64
	err := row.Scan(&s.ID, &s.ConversationID, &s.Content, &s.RangeStartMsgID, &s.RangeEndMsgID,
		&s.MessageCount, &s.TokenCount, &createdAt)
	if err != nil {
		return entities.ConversationSummary{}, err
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	return s, nil
}

func (r *SummaryRepo) Create(ctx context.Context, conversationID, content, rangeStart, rangeEnd string, messageCount, tokenCount int) (entities.ConversationSummary, error) {
	s := entities.ConversationSummary{
		ID: uuid.NewString(), ConversationID: conversationID, Content: content,
		RangeStartMsgID: rangeStart, RangeEndMsgID: rangeEnd, MessageCount: messageCount,
		TokenCount: tokenCount, CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO conversation_summaries (`+summaryColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.ConversationID, s.Content, s.RangeStartMsgID, s.RangeEndMsgID, s.MessageCount,
		s.TokenCount, s.CreatedAt.Unix())
	if err != nil {
		return entities.ConversationSummary{}, err
	}
	return s, nil
}

// Latest returns the most recently created summary for a conversation,
// if any.
func (r *SummaryRepo) Latest(ctx context.Context, conversationID string) (entities.ConversationSummary, bool, error) {
	return store.QueryOptional(ctx, r.db,
		`SELECT `+summaryColumns+` FROM conversation_summaries WHERE conversation_id=$1
		 ORDER BY created_at DESC LIMIT 1`, scanSummary, conversationID)
}
