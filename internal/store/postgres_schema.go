package store

// postgresSchema mirrors sqliteSchema field-for-field; this is the "plain"
// remote backend (spec.md §4.4): no auxiliary tag/entity index tables, so
// ListEpisodes filters tags/entities in application code exactly like the
// in-memory reference backend.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT 'null',
	tags TEXT NOT NULL DEFAULT '[]',
	entities TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_events_scope ON events(tenant_id, user_id, agent_id, session_id, run_id, ts);

CREATE TABLE IF NOT EXISTS working_state (
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '[]',
	slots TEXT NOT NULL DEFAULT '{}',
	constraints TEXT NOT NULL DEFAULT '{}',
	tool_evidence TEXT NOT NULL DEFAULT '[]',
	decisions TEXT NOT NULL DEFAULT '[]',
	risks TEXT NOT NULL DEFAULT '[]',
	state_version BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id, run_id)
);

CREATE TABLE IF NOT EXISTS stm_state (
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	rolling_summary TEXT NOT NULL DEFAULT '',
	key_quotes TEXT NOT NULL DEFAULT '[]',
	open_loops TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id)
);

CREATE TABLE IF NOT EXISTS facts (
	fact_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	fact_key TEXT NOT NULL,
	value TEXT NOT NULL DEFAULT 'null',
	status TEXT NOT NULL,
	valid_from TIMESTAMPTZ,
	valid_to TIMESTAMPTZ,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	sources TEXT NOT NULL DEFAULT '[]',
	scope_level TEXT NOT NULL DEFAULT 'user',
	notes TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, user_id, agent_id, fact_id)
);
CREATE INDEX IF NOT EXISTS idx_facts_status ON facts(tenant_id, user_id, agent_id, status);

CREATE TABLE IF NOT EXISTS procedures (
	procedure_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT 'null',
	priority INTEGER NOT NULL DEFAULT 0,
	sources TEXT NOT NULL DEFAULT '[]',
	applicability TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (tenant_id, user_id, agent_id, procedure_id)
);
CREATE INDEX IF NOT EXISTS idx_procedures_task_type ON procedures(tenant_id, user_id, agent_id, task_type);

CREATE TABLE IF NOT EXISTS episodes (
	episode_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	start_ts TIMESTAMPTZ NOT NULL,
	end_ts TIMESTAMPTZ,
	summary TEXT NOT NULL DEFAULT '',
	highlights TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	entities TEXT NOT NULL DEFAULT '[]',
	sources TEXT NOT NULL DEFAULT '[]',
	compression_level TEXT NOT NULL DEFAULT 'raw',
	PRIMARY KEY (tenant_id, user_id, agent_id, episode_id)
);
CREATE INDEX IF NOT EXISTS idx_episodes_start ON episodes(tenant_id, user_id, agent_id, start_ts);

CREATE TABLE IF NOT EXISTS insights (
	id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	statement TEXT NOT NULL DEFAULT '',
	trigger TEXT NOT NULL DEFAULT 'synthesis',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	validation_state TEXT NOT NULL DEFAULT 'unvalidated',
	tests_suggested TEXT NOT NULL DEFAULT '[]',
	expires_at TEXT NOT NULL DEFAULT '',
	sources TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id, run_id, id)
);
CREATE INDEX IF NOT EXISTS idx_insights_validation ON insights(tenant_id, user_id, agent_id, session_id, run_id, validation_state);

CREATE TABLE IF NOT EXISTS context_builds (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	packet TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_context_builds_scope ON context_builds(tenant_id, user_id, agent_id, session_id, run_id, generated_at);
`
