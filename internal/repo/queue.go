package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/xid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

// QueueTaskRepo is the durable append-only task log (§4.5). Rows are
// never deleted by the core; only their status column transitions.
type QueueTaskRepo struct {
	db *store.Store
}

func NewQueueTaskRepo(db *store.Store) *QueueTaskRepo { return &QueueTaskRepo{db: db} }

const queueColumns = `id, conversation_id, parent_message_id, target_character_id, status,
	priority, created_at, started_at, completed_at, error_message`

func scanQueueTask(row store.Scanner) (entities.QueueTask, error) {
	var t entities.QueueTask
	var parentMessageID, targetCharacter, errorMessage sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.ConversationID, &parentMessageID, &targetCharacter, &t.Status,
		&t.Priority, &createdAt, &startedAt, &completedAt, &errorMessage)
	if err != nil {
		return entities.QueueTask{}, err
	}
	if parentMessageID.Valid {
		t.ParentMessageID = &parentMessageID.String
	}
	if targetCharacter.Valid {
		t.TargetCharacter = &targetCharacter.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		v := time.Unix(startedAt.Int64, 0).UTC()
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := time.Unix(completedAt.Int64, 0).UTC()
		t.CompletedAt = &v
	}
	return t, nil
}

// Enqueue inserts a new task in pending status. xid's time-sortable
// bytes make id a natural created-time tie-breaker alongside the
// explicit created_at column.
func (r *QueueTaskRepo) Enqueue(ctx context.Context, conversationID string, parentMessageID, targetCharacter *string, priority int) (entities.QueueTask, error) {
	now := time.Now().UTC()
	t := entities.QueueTask{
		ID: xid.New().String(), ConversationID: conversationID, ParentMessageID: parentMessageID,
		TargetCharacter: targetCharacter, Status: entities.QueuePending, Priority: priority, CreatedAt: now,
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO queue_tasks (`+queueColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,NULL,NULL)`,
		t.ID, t.ConversationID, t.ParentMessageID, t.TargetCharacter, t.Status, t.Priority, t.CreatedAt.Unix())
	if err != nil {
		return entities.QueueTask{}, err
	}
	return t, nil
}

// NextPending returns the highest-priority, oldest pending task, or
// false if none is queued.
func (r *QueueTaskRepo) NextPending(ctx context.Context) (entities.QueueTask, bool, error) {
	return store.QueryOptional(ctx, r.db,
		`SELECT `+queueColumns+` FROM queue_tasks WHERE status='pending'
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`, scanQueueTask)
}

func (r *QueueTaskRepo) Get(ctx context.Context, id string) (entities.QueueTask, error) {
	return store.QueryOne(ctx, r.db, `SELECT `+queueColumns+` FROM queue_tasks WHERE id=$1`, scanQueueTask, id)
}

func (r *QueueTaskRepo) MarkProcessing(ctx context.Context, id string) error {
	n, err := r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='processing', started_at=$1 WHERE id=$2 AND status='pending'`,
		time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.Queue("task is not pending", nil)
	}
	return nil
}

func (r *QueueTaskRepo) MarkPending(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='pending', started_at=NULL WHERE id=$1`, id)
	return err
}

func (r *QueueTaskRepo) MarkCompleted(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='completed', completed_at=$1 WHERE id=$2`,
		time.Now().UTC().Unix(), id)
	return err
}

func (r *QueueTaskRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='failed', completed_at=$1, error_message=$2 WHERE id=$3`,
		time.Now().UTC().Unix(), errMsg, id)
	return err
}

func (r *QueueTaskRepo) MarkCancelled(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='cancelled' WHERE id=$1 AND status IN ('pending','processing')`, id)
	return err
}

// CancelForConversation bulk-updates every non-terminal task of a
// conversation to cancelled.
func (r *QueueTaskRepo) CancelForConversation(ctx context.Context, conversationID string) (int64, error) {
	return r.db.Execute(ctx,
		`UPDATE queue_tasks SET status='cancelled' WHERE conversation_id=$1 AND status IN ('pending','processing')`,
		conversationID)
}

// CountProcessing supports the G1 property test: at most one task has
// status=processing at any observation point.
func (r *QueueTaskRepo) CountProcessing(ctx context.Context) (int, error) {
	return store.QueryOne(ctx, r.db, `SELECT COUNT(*) FROM queue_tasks WHERE status='processing'`,
		func(row store.Scanner) (int, error) {
			var n int
			err := row.Scan(&n)
			return n, err
		})
}
