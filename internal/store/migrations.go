package store

import (
	"context"

	"github.com/glee/core/internal/glerr"
)

// migration is one forward-only schema step, applied inside its own
// transaction and recorded in _migrations so it never reapplies.
type migration struct {
	id   int
	name string
	sql  string
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return glerr.Database("create migrations table", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.Query(ctx, `SELECT id FROM _migrations`)
	if err != nil {
		return glerr.Database("read applied migrations", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return glerr.Database("scan migration id", err)
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		s.log.Info().Int("id", m.id).Str("name", m.name).Msg("applying migration")
		err := s.db.DoTxn(ctx, nil, func(txCtx context.Context) error {
			if _, err := s.db.Exec(txCtx, m.sql); err != nil {
				return err
			}
			_, err := s.db.Exec(txCtx,
				`INSERT INTO _migrations (id, name, applied_at) VALUES ($1, $2, strftime('%s','now'))`,
				m.id, m.name)
			return err
		})
		if err != nil {
			return glerr.Database("apply migration "+m.name, err)
		}
	}
	return s.ensureCriticalTables(ctx)
}

// ensureCriticalTables is the safety net §6 calls for: if a table the
// migrations log claims to have created is missing despite a recorded
// application, recreate it best-effort rather than leaving the process
// unable to start. Every statement in the migration set is a CREATE ...
// IF NOT EXISTS, so rerunning them is always a no-op when the schema is
// already in place.
func (s *Store) ensureCriticalTables(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.Exec(ctx, m.sql); err != nil {
			return glerr.Database("ensure critical table for "+m.name, err)
		}
	}
	return nil
}

var migrations = []migration{
	{1, "personas", `CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`},
	{2, "characters", `CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		first_message TEXT NOT NULL DEFAULT '',
		example_dialogues TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		is_bundled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`},
	{3, "conversations", `CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		persona_id TEXT REFERENCES personas(id),
		active_message_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`},
	{4, "conversation_characters", `CREATE TABLE IF NOT EXISTS conversation_characters (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		character_id TEXT NOT NULL REFERENCES characters(id),
		join_order INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, character_id)
	)`},
	{5, "messages", `CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		parent_id TEXT REFERENCES messages(id),
		author_type TEXT NOT NULL,
		author_id TEXT,
		content TEXT NOT NULL DEFAULT '',
		is_active_branch INTEGER NOT NULL DEFAULT 0,
		branch_index INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{6, "messages_parent_idx", `CREATE INDEX IF NOT EXISTS messages_parent_idx ON messages(conversation_id, parent_id)`},
	{7, "lorebooks", `CREATE TABLE IF NOT EXISTS lorebooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_global INTEGER NOT NULL DEFAULT 0,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	)`},
	{8, "lorebook_entries", `CREATE TABLE IF NOT EXISTS lorebook_entries (
		id TEXT PRIMARY KEY,
		lorebook_id TEXT NOT NULL REFERENCES lorebooks(id),
		keywords TEXT NOT NULL DEFAULT '[]',
		content TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		case_sensitive INTEGER NOT NULL DEFAULT 0,
		whole_word INTEGER NOT NULL DEFAULT 0,
		insertion_position TEXT NOT NULL DEFAULT 'before_system',
		is_enabled INTEGER NOT NULL DEFAULT 1,
		token_budget INTEGER
	)`},
	{9, "conversation_lorebooks", `CREATE TABLE IF NOT EXISTS conversation_lorebooks (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		lorebook_id TEXT NOT NULL REFERENCES lorebooks(id),
		PRIMARY KEY (conversation_id, lorebook_id)
	)`},
	{10, "settings", `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`},
	{11, "queue_tasks", `CREATE TABLE IF NOT EXISTS queue_tasks (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		parent_message_id TEXT,
		target_character_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		error_message TEXT
	)`},
	{12, "queue_tasks_poll_idx", `CREATE INDEX IF NOT EXISTS queue_tasks_poll_idx ON queue_tasks(status, priority DESC, created_at ASC)`},
	{13, "memory_entries", `CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		character_id TEXT NOT NULL REFERENCES characters(id),
		conversation_id TEXT,
		content TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		source_messages TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	)`},
	{14, "embeddings", `CREATE TABLE IF NOT EXISTS embeddings (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	)`},
	{15, "conversation_summaries", `CREATE TABLE IF NOT EXISTS conversation_summaries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		content TEXT NOT NULL,
		range_start_message_id TEXT NOT NULL,
		range_end_message_id TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		token_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`},
	{16, "downloads", `CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		destination TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		checksum TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
}
