package postgres

// Schema is the embedded DDL applied on open. Statements are idempotent.
// The vector and pg_trgm extensions are created separately so a database
// without them still works with degraded search (see New).
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	name_norm    TEXT NOT NULL,
	type         TEXT NOT NULL,
	external_ref TEXT,
	properties   JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_name_norm ON entities(name_norm);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS aliases (
	id           TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	text_norm    TEXT NOT NULL,
	entity_id    TEXT NOT NULL REFERENCES entities(id),
	scope_actor  TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL,
	use_count    INTEGER NOT NULL DEFAULT 0,
	source       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ NOT NULL,
	UNIQUE(text_norm, scope_actor, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_aliases_text_norm ON aliases(text_norm);
CREATE INDEX IF NOT EXISTS idx_aliases_entity ON aliases(entity_id);

CREATE TABLE IF NOT EXISTS facts (
	id                  TEXT PRIMARY KEY,
	subject_id          TEXT NOT NULL REFERENCES entities(id),
	predicate           TEXT NOT NULL,
	predicate_type      TEXT NOT NULL DEFAULT 'single_valued',
	object              TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	reinforcement_count INTEGER NOT NULL DEFAULT 0,
	importance          DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	status              TEXT NOT NULL DEFAULT 'active',
	superseded_by       TEXT,
	supersedes          TEXT,
	source              TEXT NOT NULL,
	source_episode      TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	last_validated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_subject_predicate ON facts(subject_id, predicate);
CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(status);
CREATE INDEX IF NOT EXISTS idx_facts_created_at ON facts(created_at);

CREATE TABLE IF NOT EXISTS conflicts (
	id               TEXT PRIMARY KEY,
	subject_id       TEXT NOT NULL,
	predicate        TEXT NOT NULL,
	existing_fact_id TEXT NOT NULL,
	existing_value   TEXT NOT NULL,
	incoming_fact_id TEXT,
	incoming_value   TEXT NOT NULL,
	strategy         TEXT NOT NULL,
	winner_fact_id   TEXT,
	resolved         BOOLEAN NOT NULL DEFAULT FALSE,
	detected_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_subject ON conflicts(subject_id, detected_at);

CREATE TABLE IF NOT EXISTS episodes (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT,
	actor           TEXT,
	content         TEXT NOT NULL,
	entity_ids      JSONB,
	importance      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	occurred_at     TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_occurred_at ON episodes(occurred_at);
CREATE INDEX IF NOT EXISTS idx_episodes_conversation ON episodes(conversation_id);

CREATE TABLE IF NOT EXISTS embeddings (
	ref_id     TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// vectorSchema is applied only when the pgvector extension is available.
const vectorSchema = `
ALTER TABLE embeddings ADD COLUMN IF NOT EXISTS embedding_vec vector(768);
CREATE INDEX IF NOT EXISTS idx_embeddings_vec_cosine
	ON embeddings USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100);
`

// trgmIndexSchema is applied only when the pg_trgm extension is available.
const trgmIndexSchema = `
CREATE INDEX IF NOT EXISTS idx_aliases_text_trgm
	ON aliases USING gin (text_norm gin_trgm_ops);
`
