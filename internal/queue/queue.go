// Package queue is the thin service seam (C6) in front of
// repo.QueueTaskRepo: it owns nothing repo.QueueTaskRepo doesn't
// already persist, but is the boundary the scheduler and the command
// surface depend on instead of reaching into internal/repo directly.
package queue

import (
	"context"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/repo"
)

type Queue struct {
	tasks *repo.QueueTaskRepo
}

func New(tasks *repo.QueueTaskRepo) *Queue {
	return &Queue{tasks: tasks}
}

// Enqueue inserts a pending generation task for conversationID.
// priority defaults to 0 (normal); higher values are served first.
func (q *Queue) Enqueue(ctx context.Context, conversationID string, parentMessageID, targetCharacter *string, priority int) (entities.QueueTask, error) {
	if conversationID == "" {
		return entities.QueueTask{}, glerr.Validation("conversation id is required to enqueue a task")
	}
	return q.tasks.Enqueue(ctx, conversationID, parentMessageID, targetCharacter, priority)
}

// NextPending implements the scheduler's polling contract:
// (priority desc, created asc).
func (q *Queue) NextPending(ctx context.Context) (entities.QueueTask, bool, error) {
	return q.tasks.NextPending(ctx)
}

func (q *Queue) Get(ctx context.Context, id string) (entities.QueueTask, error) {
	return q.tasks.Get(ctx, id)
}

// MarkProcessing enforces the pending->processing transition; it fails
// if the task isn't currently pending (another worker raced it, or it
// was already cancelled).
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	return q.tasks.MarkProcessing(ctx, id)
}

// MarkPending reverts a task to pending, used when the scheduler loses
// the generation-slot race and must hand the task back rather than
// fail it (§9 "do not fail the task").
func (q *Queue) MarkPending(ctx context.Context, id string) error {
	return q.tasks.MarkPending(ctx, id)
}

func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.tasks.MarkCompleted(ctx, id)
}

func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) error {
	return q.tasks.MarkFailed(ctx, id, errMsg)
}

func (q *Queue) MarkCancelled(ctx context.Context, id string) error {
	return q.tasks.MarkCancelled(ctx, id)
}

// CancelForConversation bulk-cancels every non-terminal task belonging
// to a conversation, e.g. when the conversation itself is deleted.
func (q *Queue) CancelForConversation(ctx context.Context, conversationID string) (int64, error) {
	return q.tasks.CancelForConversation(ctx, conversationID)
}

func (q *Queue) CountProcessing(ctx context.Context) (int, error) {
	return q.tasks.CountProcessing(ctx)
}
