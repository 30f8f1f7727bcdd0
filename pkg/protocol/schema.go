package protocol

// SchemaVersion is the user_version a fully migrated store reports.
// Migrations[i] upgrades a store from version i to version i+1.
const SchemaVersion = 3

// Migrations is the forward-only migration list. A fresh store starts
// at user_version 0 and applies every entry in order; an existing
// store applies only the tail it is missing. Entries are never edited
// after release, only appended.
var Migrations = []string{
	schemaV1,
	migrateV2,
	migrateV3,
}

// schemaV1 is the original schema.
// Tables: agents, leader, tasks, task_dependencies, file_locks,
// messages, events.
const schemaV1 = `
-- Registered participants; one row per joined agent
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL DEFAULT 'generic',
    pid INTEGER,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK (status IN ('active','idle','dead')),
    last_heartbeat TEXT NOT NULL,
    registered_at TEXT NOT NULL,
    current_task_id TEXT,
    capabilities TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}'
);

-- Singleton leadership record; the CHECK pins the row count to one
CREATE TABLE IF NOT EXISTS leader (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    agent_id TEXT NOT NULL,
    term INTEGER NOT NULL,
    lease_expires_at TEXT NOT NULL,
    elected_at TEXT NOT NULL
);

-- Shared work queue
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','claimed','done','failed','abandoned')),
    priority INTEGER NOT NULL DEFAULT 5
        CHECK (priority BETWEEN 1 AND 10),
    created_by TEXT,
    claimed_by TEXT,
    claim_term INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    claimed_at TEXT,
    completed_at TEXT,
    result TEXT,
    error TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    tags TEXT NOT NULL DEFAULT '',
    context TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_priority
    ON tasks(status, priority DESC, created_at);

-- Directed dependency edges: task_id depends on depends_on
CREATE TABLE IF NOT EXISTS task_dependencies (
    task_id TEXT NOT NULL,
    depends_on TEXT NOT NULL,
    PRIMARY KEY (task_id, depends_on)
);

CREATE INDEX IF NOT EXISTS idx_deps_parent ON task_dependencies(depends_on);

-- Exclusive file locks keyed by path
CREATE TABLE IF NOT EXISTS file_locks (
    path TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    acquired_at TEXT NOT NULL
);

-- Inter-agent mail; to_agent NULL means broadcast
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_agent TEXT NOT NULL,
    to_agent TEXT,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL,
    read_at TEXT
);

-- Append-only audit trail
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    agent_id TEXT,
    task_id TEXT,
    detail TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// migrateV2 adds role assignment, session binding, and progress
// tracking to agents.
const migrateV2 = `
ALTER TABLE agents ADD COLUMN role TEXT NOT NULL DEFAULT '';
ALTER TABLE agents ADD COLUMN session_key TEXT NOT NULL DEFAULT '';
ALTER TABLE agents ADD COLUMN last_progress TEXT NOT NULL DEFAULT '';
`

// migrateV3 adds typed messages with request/reply threading and
// checkpoint tasks for serialized execution.
const migrateV3 = `
ALTER TABLE messages ADD COLUMN message_type TEXT NOT NULL DEFAULT 'chat';
ALTER TABLE messages ADD COLUMN reply_to INTEGER;
ALTER TABLE tasks ADD COLUMN is_checkpoint INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(reply_to);
`
