package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    subject_id TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    currency TEXT NOT NULL DEFAULT '',
    received_at TIMESTAMP NOT NULL,
    features TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(domain, subject_id);
`

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    domain TEXT NOT NULL,
    stage TEXT NOT NULL,
    classification TEXT NOT NULL,
    status TEXT NOT NULL,
    action TEXT NOT NULL,
    rule TEXT NOT NULL DEFAULT '',
    assessment TEXT,
    complex_pattern INTEGER NOT NULL DEFAULT 0,
    requires_review INTEGER NOT NULL DEFAULT 0,
    can_override INTEGER NOT NULL DEFAULT 0,
    response_latency_ns BIGINT NOT NULL DEFAULT 0,
    decided_at TIMESTAMP,
    amount TEXT NOT NULL DEFAULT '0',
    currency TEXT NOT NULL DEFAULT '',
    reviewed_by TEXT NOT NULL DEFAULT '',
    history TEXT NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_created ON cases(created_at);
CREATE INDEX IF NOT EXISTS idx_cases_classification ON cases(classification, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_stage ON cases(stage, classification);
`

const schemaPreventionRules = `
CREATE TABLE IF NOT EXISTS prevention_rules (
    name TEXT PRIMARY KEY,
    threshold REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaLearningState = `
CREATE TABLE IF NOT EXISTS learning_state (
    id INTEGER PRIMARY KEY,
    retrain_count BIGINT NOT NULL DEFAULT 0,
    last_retrain TIMESTAMP,
    accuracy_improvement REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaCases,
		schemaPreventionRules,
		schemaLearningState,
	}
}
