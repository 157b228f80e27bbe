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

// MessageRepo implements the message DAG (§4.2): branch creation,
// activation/deactivation of subtrees, and branch switching, all
// expressed as set-based SQL over (id, parent_id) rather than pointer
// walks, per the "avoid owning references between message nodes"
// design note.
type MessageRepo struct {
	db *store.Store
}

func NewMessageRepo(db *store.Store) *MessageRepo { return &MessageRepo{db: db} }

const messageColumns = `id, conversation_id, parent_id, author_type, author_id, content,
	is_active_branch, branch_index, token_count, created_at, updated_at`

func scanMessage(row store.Scanner) (entities.Message, error) {
	var m entities.Message
	var parentID, authorID sql.NullString
	var isActive int
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.ConversationID, &parentID, &m.AuthorType, &authorID, &m.Content,
		&isActive, &m.BranchIndex, &m.TokenCount, &createdAt, &updatedAt)
	if err != nil {
		return entities.Message{}, err
	}
	if parentID.Valid {
		m.ParentID = &parentID.String
	}
	if authorID.Valid {
		m.AuthorID = &authorID.String
	}
	m.IsActiveBranch = isActive != 0
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return m, nil
}

// GetNextBranchIndex implements coalesce(max(branch_index), -1) + 1
// over the sibling set under parentID (nil means conversation root).
func (r *MessageRepo) GetNextBranchIndex(ctx context.Context, conversationID string, parentID *string) (int, error) {
	query := `SELECT coalesce(MAX(branch_index), -1) + 1 FROM messages WHERE conversation_id=$1 AND parent_id IS $2`
	return store.QueryOne(ctx, r.db, query, func(row store.Scanner) (int, error) {
		var n int
		err := row.Scan(&n)
		return n, err
	}, conversationID, parentID)
}

type CreateMessageInput struct {
	ConversationID string
	ParentID       *string
	AuthorType     entities.AuthorType
	AuthorID       *string
	Content        string
	IsActiveBranch bool
	BranchIndex    *int // nil => computed via GetNextBranchIndex
	TokenCount     int
}

func (r *MessageRepo) Create(ctx context.Context, in CreateMessageInput) (entities.Message, error) {
	if in.AuthorType == entities.AuthorCharacter && (in.AuthorID == nil || *in.AuthorID == "") {
		return entities.Message{}, glerr.Validation("author_id is required when author_type=character")
	}
	branchIndex := 0
	if in.BranchIndex != nil {
		branchIndex = *in.BranchIndex
	} else {
		n, err := r.GetNextBranchIndex(ctx, in.ConversationID, in.ParentID)
		if err != nil {
			return entities.Message{}, err
		}
		branchIndex = n
	}
	now := time.Now().UTC()
	m := entities.Message{
		ID: uuid.NewString(), ConversationID: in.ConversationID, ParentID: in.ParentID,
		AuthorType: in.AuthorType, AuthorID: in.AuthorID, Content: in.Content,
		IsActiveBranch: in.IsActiveBranch, BranchIndex: branchIndex, TokenCount: in.TokenCount,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.ConversationID, m.ParentID, m.AuthorType, m.AuthorID, m.Content,
		boolInt(m.IsActiveBranch), m.BranchIndex, m.TokenCount, m.CreatedAt.Unix(), m.UpdatedAt.Unix())
	if err != nil {
		return entities.Message{}, err
	}
	return m, nil
}

func (r *MessageRepo) Get(ctx context.Context, id string) (entities.Message, error) {
	return store.QueryOne(ctx, r.db, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, scanMessage, id)
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, tokenCount int) error {
	n, err := r.db.Execute(ctx,
		`UPDATE messages SET content=$1, token_count=$2, updated_at=$3 WHERE id=$4`,
		content, tokenCount, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.NotFound("message not found")
	}
	return nil
}

// ActiveChain returns the unique root-to-active_message sequence,
// using the recursive ancestor walk rather than a stack-depth pointer
// walk in application code.
func (r *MessageRepo) ActiveChain(ctx context.Context, conversationID string, activeMessageID string) ([]entities.Message, error) {
	return store.QueryAll(ctx, r.db, `
		WITH RECURSIVE chain(id, conversation_id, parent_id, author_type, author_id, content,
			is_active_branch, branch_index, token_count, created_at, updated_at, depth) AS (
			SELECT `+messageColumns+`, 0 FROM messages WHERE id = $1
			UNION ALL
			SELECT m.id, m.conversation_id, m.parent_id, m.author_type, m.author_id, m.content,
				m.is_active_branch, m.branch_index, m.token_count, m.created_at, m.updated_at, c.depth+1
			FROM messages m JOIN chain c ON m.id = c.parent_id
		)
		SELECT id, conversation_id, parent_id, author_type, author_id, content,
			is_active_branch, branch_index, token_count, created_at, updated_at
		FROM chain ORDER BY depth DESC`,
		scanMessage, activeMessageID)
}

// Children returns the direct children of parentID (nil for the
// conversation's root set), ordered by branch_index.
func (r *MessageRepo) Children(ctx context.Context, conversationID string, parentID *string) ([]entities.Message, error) {
	return store.QueryAll(ctx, r.db,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND parent_id IS $2 ORDER BY branch_index ASC`,
		scanMessage, conversationID, parentID)
}

// Siblings returns every sibling of id (including id itself) using a
// single grouped pass: messages are grouped by (conversation_id,
// parent_id) and joined back by id, so root-level messages share one
// group rather than requiring a NULL-aware special case per call.
func (r *MessageRepo) Siblings(ctx context.Context, id string) ([]entities.Message, error) {
	return store.QueryAll(ctx, r.db, `
		SELECT m2.id, m2.conversation_id, m2.parent_id, m2.author_type, m2.author_id, m2.content,
			m2.is_active_branch, m2.branch_index, m2.token_count, m2.created_at, m2.updated_at
		FROM messages m1
		JOIN messages m2 ON m2.conversation_id = m1.conversation_id
			AND m2.parent_id IS m1.parent_id
		WHERE m1.id = $1
		ORDER BY m2.branch_index ASC`, scanMessage, id)
}

// DeactivateSubtree sets is_active_branch=false for root and every
// transitive descendant, in one recursive-CTE statement.
func (r *MessageRepo) DeactivateSubtree(ctx context.Context, rootID string) error {
	_, err := r.db.Execute(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM messages WHERE id = $1
			UNION ALL
			SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		)
		UPDATE messages SET is_active_branch = 0, updated_at = $2
		WHERE id IN (SELECT id FROM subtree)`, rootID, time.Now().UTC().Unix())
	return err
}

// ActivatePathToRoot sets is_active_branch=true for leaf and every
// transitive ancestor.
func (r *MessageRepo) ActivatePathToRoot(ctx context.Context, leafID string) error {
	_, err := r.db.Execute(ctx, `
		WITH RECURSIVE ancestors(id, parent_id) AS (
			SELECT id, parent_id FROM messages WHERE id = $1
			UNION ALL
			SELECT m.id, m.parent_id FROM messages m JOIN ancestors a ON m.id = a.parent_id
		)
		UPDATE messages SET is_active_branch = 1, updated_at = $2
		WHERE id IN (SELECT id FROM ancestors)`, leafID, time.Now().UTC().Unix())
	return err
}

// SwitchToBranch implements §4.2's switch_to_branch in one logical
// step: deactivate the currently-active sibling's subtree, activate
// target's path to root, walk greedily down to the deepest node
// (preferring an existing active child, else the first child), set
// conversation.active_message, and return the refreshed active chain.
func (r *MessageRepo) SwitchToBranch(ctx context.Context, conv *ConversationRepo, conversationID, targetID string) ([]entities.Message, error) {
	var chain []entities.Message
	err := r.db.Transaction(ctx, func(txCtx context.Context) error {
		target, err := r.Get(txCtx, targetID)
		if err != nil {
			return err
		}
		siblings, err := r.Siblings(txCtx, targetID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID != targetID && sib.IsActiveBranch {
				if err := r.DeactivateSubtree(txCtx, sib.ID); err != nil {
					return err
				}
			}
		}
		if err := r.ActivatePathToRoot(txCtx, targetID); err != nil {
			return err
		}
		deepest, err := r.walkToDeepest(txCtx, conversationID, target.ID)
		if err != nil {
			return err
		}
		if err := conv.SetActiveMessage(txCtx, conversationID, &deepest); err != nil {
			return err
		}
		chain, err = r.ActiveChain(txCtx, conversationID, deepest)
		return err
	})
	return chain, err
}

// walkToDeepest descends from node, at each step preferring an
// existing active child, else the first child by branch_index, until
// a leaf is reached, marking each step active along the way.
func (r *MessageRepo) walkToDeepest(ctx context.Context, conversationID, node string) (string, error) {
	current := node
	for {
		children, err := r.Children(ctx, conversationID, &current)
		if err != nil {
			return "", err
		}
		if len(children) == 0 {
			return current, nil
		}
		next := children[0]
		for _, c := range children {
			if c.IsActiveBranch {
				next = c
				break
			}
		}
		if !next.IsActiveBranch {
			if _, err := r.db.Execute(ctx,
				`UPDATE messages SET is_active_branch=1, updated_at=$1 WHERE id=$2`,
				time.Now().UTC().Unix(), next.ID); err != nil {
				return "", err
			}
		}
		current = next.ID
	}
}

// Delete hard-deletes id and every transitive descendant (messages are
// never soft-deleted). The caller re-points
// conversation.active_message itself.
func (r *MessageRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM messages WHERE id = $1
			UNION ALL
			SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
		)
		DELETE FROM messages WHERE id IN (SELECT id FROM subtree)`, id)
	return err
}
