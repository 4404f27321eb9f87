package store

// mysqlSchema is the "index-table" remote backend (spec.md §4.4): besides
// the primary tables it keeps normalized event_tags/event_entities and
// episode_tags/episode_entities tables so tag/entity filters can be pushed
// down to SQL once rows exist, instead of always post-filtering in Go like
// the plain backend.
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	event_id VARCHAR(191) PRIMARY KEY,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	session_id VARCHAR(191) NOT NULL,
	run_id VARCHAR(191) NOT NULL,
	ts DATETIME(6) NOT NULL,
	kind VARCHAR(64) NOT NULL,
	payload LONGTEXT NOT NULL,
	tags LONGTEXT NOT NULL,
	entities LONGTEXT NOT NULL,
	INDEX idx_events_scope (tenant_id, user_id, agent_id, session_id, run_id, ts)
);

CREATE TABLE IF NOT EXISTS event_tags (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	event_id VARCHAR(191) NOT NULL,
	tag VARCHAR(191) NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, event_id, tag),
	INDEX idx_event_tags_tag (tenant_id, user_id, agent_id, tag)
);

CREATE TABLE IF NOT EXISTS event_entities (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	event_id VARCHAR(191) NOT NULL,
	entity VARCHAR(191) NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, event_id, entity),
	INDEX idx_event_entities_entity (tenant_id, user_id, agent_id, entity)
);

CREATE TABLE IF NOT EXISTS working_state (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	session_id VARCHAR(191) NOT NULL,
	run_id VARCHAR(191) NOT NULL,
	goal TEXT NOT NULL,
	plan LONGTEXT NOT NULL,
	slots LONGTEXT NOT NULL,
	constraints_json LONGTEXT NOT NULL,
	tool_evidence LONGTEXT NOT NULL,
	decisions LONGTEXT NOT NULL,
	risks LONGTEXT NOT NULL,
	state_version BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id, run_id)
);

CREATE TABLE IF NOT EXISTS stm_state (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	session_id VARCHAR(191) NOT NULL,
	rolling_summary TEXT NOT NULL,
	key_quotes LONGTEXT NOT NULL,
	open_loops LONGTEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id)
);

CREATE TABLE IF NOT EXISTS facts (
	fact_id VARCHAR(191) NOT NULL,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	fact_key VARCHAR(191) NOT NULL,
	value LONGTEXT NOT NULL,
	status VARCHAR(32) NOT NULL,
	valid_from DATETIME(6) NULL,
	valid_to DATETIME(6) NULL,
	confidence DOUBLE NOT NULL DEFAULT 0,
	sources LONGTEXT NOT NULL,
	scope_level VARCHAR(32) NOT NULL DEFAULT 'user',
	notes TEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, fact_id),
	INDEX idx_facts_status (tenant_id, user_id, agent_id, status)
);

CREATE TABLE IF NOT EXISTS procedures (
	procedure_id VARCHAR(191) NOT NULL,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	task_type VARCHAR(191) NOT NULL,
	content LONGTEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	sources LONGTEXT NOT NULL,
	applicability LONGTEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, procedure_id),
	INDEX idx_procedures_task_type (tenant_id, user_id, agent_id, task_type)
);

CREATE TABLE IF NOT EXISTS episodes (
	episode_id VARCHAR(191) NOT NULL,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	start_ts DATETIME(6) NOT NULL,
	end_ts DATETIME(6) NULL,
	summary TEXT NOT NULL,
	highlights LONGTEXT NOT NULL,
	tags LONGTEXT NOT NULL,
	entities LONGTEXT NOT NULL,
	sources LONGTEXT NOT NULL,
	compression_level VARCHAR(32) NOT NULL DEFAULT 'raw',
	PRIMARY KEY (tenant_id, user_id, agent_id, episode_id),
	INDEX idx_episodes_start (tenant_id, user_id, agent_id, start_ts)
);

CREATE TABLE IF NOT EXISTS episode_tags (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	episode_id VARCHAR(191) NOT NULL,
	tag VARCHAR(191) NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, episode_id, tag),
	INDEX idx_episode_tags_tag (tenant_id, user_id, agent_id, tag)
);

CREATE TABLE IF NOT EXISTS episode_entities (
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	episode_id VARCHAR(191) NOT NULL,
	entity VARCHAR(191) NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, episode_id, entity),
	INDEX idx_episode_entities_entity (tenant_id, user_id, agent_id, entity)
);

CREATE TABLE IF NOT EXISTS insights (
	id VARCHAR(191) NOT NULL,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	session_id VARCHAR(191) NOT NULL,
	run_id VARCHAR(191) NOT NULL,
	kind VARCHAR(64) NOT NULL,
	statement TEXT NOT NULL,
	trigger_kind VARCHAR(32) NOT NULL DEFAULT 'synthesis',
	confidence DOUBLE NOT NULL DEFAULT 0,
	validation_state VARCHAR(32) NOT NULL DEFAULT 'unvalidated',
	tests_suggested LONGTEXT NOT NULL,
	expires_at VARCHAR(64) NOT NULL DEFAULT '',
	sources LONGTEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id, agent_id, session_id, run_id, id),
	INDEX idx_insights_validation (tenant_id, user_id, agent_id, session_id, run_id, validation_state)
);

CREATE TABLE IF NOT EXISTS context_builds (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	tenant_id VARCHAR(191) NOT NULL,
	user_id VARCHAR(191) NOT NULL,
	agent_id VARCHAR(191) NOT NULL,
	session_id VARCHAR(191) NOT NULL,
	run_id VARCHAR(191) NOT NULL,
	generated_at DATETIME(6) NOT NULL,
	packet LONGTEXT NOT NULL,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	INDEX idx_context_builds_scope (tenant_id, user_id, agent_id, session_id, run_id, generated_at)
);
`
