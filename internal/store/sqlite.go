package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/engram/internal/memtypes"
)

// SQLiteStore is the embedded-file backend: a single modernc.org/sqlite
// connection guarded by a mutex, matching the reference project's
// timeline-service pattern of one *sql.DB serialized for every call. Opened
// with foreign keys and WAL enabled for file stores; in-memory stores use
// the driver's default memory-resident journal.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLite opens (creating if absent) a file-backed store at path, or an
// ephemeral in-memory store when inMemory is true. Schema is created
// idempotently and gated against CurrentSchemaVersion.
func OpenSQLite(path string, inMemory bool, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if inMemory {
		dsn = "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Storage(fmt.Errorf("open sqlite store: %w", err))
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", "path", path, "in_memory", inMemory)
	return s, nil
}

func (s *SQLiteStore) bootstrap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return Storage(fmt.Errorf("apply sqlite schema: %w", err))
	}

	var found int
	err := s.db.QueryRow(`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&found)
	if err != nil && err != sql.ErrNoRows {
		return Storage(fmt.Errorf("read schema version: %w", err))
	}
	if err := checkSchemaVersion(found); err != nil {
		return err
	}
	if found == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, CurrentSchemaVersion, time.Now().UTC()); err != nil {
			return Storage(fmt.Errorf("stamp schema version: %w", err))
		}
		s.log.Info("sqlite schema initialized", "version", CurrentSchemaVersion)
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) AppendEvent(event memtypes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEvent(s.db, event)
}

func (s *SQLiteStore) insertEvent(exec execer, event memtypes.Event) error {
	var existing string
	err := exec.QueryRow(`SELECT event_id FROM events WHERE event_id = ?`, event.EventID).Scan(&existing)
	if err == nil {
		return InvalidInput(fmt.Sprintf("duplicate event_id %q", event.EventID))
	}
	if err != sql.ErrNoRows {
		return Storage(err)
	}

	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return InvalidInput(fmt.Sprintf("encode event payload: %s", err))
	}
	tags, err := encodeStrings(event.Tags)
	if err != nil {
		return InvalidInput(err.Error())
	}
	entities, err := encodeStrings(event.Entities)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = exec.Exec(
		`INSERT INTO events (event_id, tenant_id, user_id, agent_id, session_id, run_id, ts, kind, payload, tags, entities)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.Scope.TenantID, event.Scope.UserID, event.Scope.AgentID, event.Scope.SessionID, event.Scope.RunID,
		event.TS.UTC(), string(event.Kind), payload, tags, entities,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

// execer is the subset of *sql.DB / *sql.Tx that insertEvent needs, so it
// can run either standalone or inside the bulk-insert transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// AppendEventsBulk inserts every event in a single transaction: a failure
// partway through rolls back the whole batch, per spec.md §4.1's
// transactional bulk-insert requirement for the embedded backend.
func (s *SQLiteStore) AppendEventsBulk(events []memtypes.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Storage(err)
	}
	for _, event := range events {
		if err := s.insertEvent(tx, event); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(scope memtypes.Scope, timeRange TimeRangeFilter, limit *int) ([]memtypes.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT event_id, ts, kind, payload, tags, entities FROM events
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	if timeRange.Start != nil {
		query += ` AND ts >= ?`
		args = append(args, timeRange.Start.UTC())
	}
	if timeRange.End != nil {
		query += ` AND ts <= ?`
		args = append(args, timeRange.End.UTC())
	}
	query += ` ORDER BY ts ASC, event_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var events []memtypes.Event
	for rows.Next() {
		var (
			eventID, kind, payload, tags, entities string
			ts                                     time.Time
		)
		if err := rows.Scan(&eventID, &ts, &kind, &payload, &tags, &entities); err != nil {
			return nil, Storage(err)
		}
		event := memtypes.Event{EventID: eventID, Scope: scope, TS: ts, Kind: memtypes.EventKind(kind)}
		if err := decodeJSON(payload, &event.Payload); err != nil {
			return nil, Storage(err)
		}
		if event.Tags, err = decodeStrings(tags); err != nil {
			return nil, Storage(err)
		}
		if event.Entities, err = decodeStrings(entities); err != nil {
			return nil, Storage(err)
		}
		events = append(events, event)
	}
	return applyLimit(events, limit), rows.Err()
}

func (s *SQLiteStore) GetWorkingState(scope memtypes.Scope) (*memtypes.WorkingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT goal, plan, slots, constraints, tool_evidence, decisions, risks, state_version FROM working_state
		 WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
	)

	var ws memtypes.WorkingState
	var plan, slots, constraints, toolEvidence, decisions, risks string
	err := row.Scan(&ws.Goal, &plan, &slots, &constraints, &toolEvidence, &decisions, &risks, &ws.StateVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Storage(err)
	}
	if ws.Plan, err = decodeStrings(plan); err != nil {
		return nil, Storage(err)
	}
	if err := decodeJSON(slots, &ws.Slots); err != nil {
		return nil, Storage(err)
	}
	if err := decodeJSON(constraints, &ws.Constraints); err != nil {
		return nil, Storage(err)
	}
	if err := decodeJSON(toolEvidence, &ws.ToolEvidence); err != nil {
		return nil, Storage(err)
	}
	if ws.Decisions, err = decodeStrings(decisions); err != nil {
		return nil, Storage(err)
	}
	if ws.Risks, err = decodeStrings(risks); err != nil {
		return nil, Storage(err)
	}
	return &ws, nil
}

func (s *SQLiteStore) PatchWorkingState(scope memtypes.Scope, patch memtypes.WorkingStatePatch) (memtypes.WorkingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getWorkingStateLocked(scope)
	if err != nil {
		return memtypes.WorkingState{}, err
	}

	next := applyWorkingStatePatch(current, patch)

	plan, err := encodeStrings(next.Plan)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}
	slots, err := encodeJSON(next.Slots)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}
	constraints, err := encodeJSON(next.Constraints)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}
	toolEvidence, err := encodeJSON(next.ToolEvidence)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}
	decisions, err := encodeStrings(next.Decisions)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}
	risks, err := encodeStrings(next.Risks)
	if err != nil {
		return memtypes.WorkingState{}, InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO working_state (tenant_id, user_id, agent_id, session_id, run_id, goal, plan, slots, constraints, tool_evidence, decisions, risks, state_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, user_id, agent_id, session_id, run_id) DO UPDATE SET
		   goal = excluded.goal, plan = excluded.plan, slots = excluded.slots, constraints = excluded.constraints,
		   tool_evidence = excluded.tool_evidence, decisions = excluded.decisions, risks = excluded.risks, state_version = excluded.state_version`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		next.Goal, plan, slots, constraints, toolEvidence, decisions, risks, next.StateVersion,
	)
	if err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	return next, nil
}

func (s *SQLiteStore) getWorkingStateLocked(scope memtypes.Scope) (memtypes.WorkingState, error) {
	row := s.db.QueryRow(
		`SELECT goal, plan, slots, constraints, tool_evidence, decisions, risks, state_version FROM working_state
		 WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
	)
	var ws memtypes.WorkingState
	var plan, slots, constraints, toolEvidence, decisions, risks string
	err := row.Scan(&ws.Goal, &plan, &slots, &constraints, &toolEvidence, &decisions, &risks, &ws.StateVersion)
	if err == sql.ErrNoRows {
		return memtypes.WorkingState{}, nil
	}
	if err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if ws.Plan, err = decodeStrings(plan); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if err := decodeJSON(slots, &ws.Slots); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if err := decodeJSON(constraints, &ws.Constraints); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if err := decodeJSON(toolEvidence, &ws.ToolEvidence); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if ws.Decisions, err = decodeStrings(decisions); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	if ws.Risks, err = decodeStrings(risks); err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	return ws, nil
}

func (s *SQLiteStore) GetStm(scope memtypes.Scope) (*memtypes.StmState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT rolling_summary, key_quotes, open_loops FROM stm_state WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ?`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID,
	)
	var stm memtypes.StmState
	var keyQuotes, openLoops string
	err := row.Scan(&stm.RollingSummary, &keyQuotes, &openLoops)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Storage(err)
	}
	if err := decodeJSON(keyQuotes, &stm.KeyQuotes); err != nil {
		return nil, Storage(err)
	}
	if stm.OpenLoops, err = decodeStrings(openLoops); err != nil {
		return nil, Storage(err)
	}
	return &stm, nil
}

func (s *SQLiteStore) UpdateStm(scope memtypes.Scope, stm memtypes.StmState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyQuotes, err := encodeJSON(stm.KeyQuotes)
	if err != nil {
		return InvalidInput(err.Error())
	}
	openLoops, err := encodeStrings(stm.OpenLoops)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO stm_state (tenant_id, user_id, agent_id, session_id, rolling_summary, key_quotes, open_loops)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, user_id, agent_id, session_id) DO UPDATE SET
		   rolling_summary = excluded.rolling_summary, key_quotes = excluded.key_quotes, open_loops = excluded.open_loops`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, stm.RollingSummary, keyQuotes, openLoops,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListFacts(scope memtypes.Scope, filter FactFilter) ([]memtypes.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT fact_id, fact_key, value, status, valid_from, valid_to, confidence, sources, scope_level, notes FROM facts
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}

	if len(filter.Status) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Status)) + `)`
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.ValidAt != nil {
		query += ` AND (valid_from IS NULL OR valid_from <= ?) AND (valid_to IS NULL OR valid_to >= ?)`
		args = append(args, filter.ValidAt.UTC(), filter.ValidAt.UTC())
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var facts []memtypes.Fact
	for rows.Next() {
		var (
			f                     memtypes.Fact
			value, sources        string
			validFrom, validTo     sql.NullTime
		)
		if err := rows.Scan(&f.FactID, &f.FactKey, &value, &f.Status, &validFrom, &validTo, &f.Confidence, &sources, &f.ScopeLevel, &f.Notes); err != nil {
			return nil, Storage(err)
		}
		if err := decodeJSON(value, &f.Value); err != nil {
			return nil, Storage(err)
		}
		if f.Sources, err = decodeStrings(sources); err != nil {
			return nil, Storage(err)
		}
		f.Validity = memtypes.Validity{ValidFrom: timePtr(validFrom), ValidTo: timePtr(validTo)}
		facts = append(facts, f)
	}
	return applyLimit(facts, filter.Limit), rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ", "
		}
		s += "?"
	}
	return s
}

func (s *SQLiteStore) UpsertFact(scope memtypes.Scope, fact memtypes.Fact) error {
	defaultFactID(&fact)
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := encodeJSON(fact.Value)
	if err != nil {
		return InvalidInput(err.Error())
	}
	sources, err := encodeStrings(fact.Sources)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO facts (fact_id, tenant_id, user_id, agent_id, fact_key, value, status, valid_from, valid_to, confidence, sources, scope_level, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, user_id, agent_id, fact_id) DO UPDATE SET
		   fact_key = excluded.fact_key, value = excluded.value, status = excluded.status, valid_from = excluded.valid_from,
		   valid_to = excluded.valid_to, confidence = excluded.confidence, sources = excluded.sources,
		   scope_level = excluded.scope_level, notes = excluded.notes`,
		fact.FactID, scope.TenantID, scope.UserID, scope.AgentID, fact.FactKey, value, string(fact.Status),
		nullTime(fact.Validity.ValidFrom), nullTime(fact.Validity.ValidTo), fact.Confidence, sources, string(fact.ScopeLevel), fact.Notes,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListEpisodes(scope memtypes.Scope, filter EpisodeFilter) ([]memtypes.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT episode_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level FROM episodes
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}

	if filter.TimeRange != nil {
		if filter.TimeRange.Start != nil {
			query += ` AND start_ts >= ?`
			args = append(args, filter.TimeRange.Start.UTC())
		}
		if filter.TimeRange.End != nil {
			query += ` AND COALESCE(end_ts, start_ts) <= ?`
			args = append(args, filter.TimeRange.End.UTC())
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var episodes []memtypes.Episode
	for rows.Next() {
		var (
			e                                   memtypes.Episode
			highlights, tags, entities, sources string
			start                               time.Time
			end                                 sql.NullTime
		)
		if err := rows.Scan(&e.EpisodeID, &start, &end, &e.Summary, &highlights, &tags, &entities, &sources, &e.CompressionLevel); err != nil {
			return nil, Storage(err)
		}
		e.TimeRange = memtypes.TimeRange{Start: start, End: timePtr(end)}
		if e.Highlights, err = decodeStrings(highlights); err != nil {
			return nil, Storage(err)
		}
		if e.Tags, err = decodeStrings(tags); err != nil {
			return nil, Storage(err)
		}
		if e.Entities, err = decodeStrings(entities); err != nil {
			return nil, Storage(err)
		}
		if e.Sources, err = decodeStrings(sources); err != nil {
			return nil, Storage(err)
		}
		if len(filter.Tags) > 0 && !anyMatch(e.Tags, filter.Tags) {
			continue
		}
		if len(filter.Entities) > 0 && !anyMatch(e.Entities, filter.Entities) {
			continue
		}
		episodes = append(episodes, e)
	}
	return applyLimit(episodes, filter.Limit), rows.Err()
}

func (s *SQLiteStore) AppendEpisode(scope memtypes.Scope, episode memtypes.Episode) error {
	defaultEpisodeID(&episode)
	s.mu.Lock()
	defer s.mu.Unlock()

	highlights, err := encodeStrings(episode.Highlights)
	if err != nil {
		return InvalidInput(err.Error())
	}
	tags, err := encodeStrings(episode.Tags)
	if err != nil {
		return InvalidInput(err.Error())
	}
	entities, err := encodeStrings(episode.Entities)
	if err != nil {
		return InvalidInput(err.Error())
	}
	sources, err := encodeStrings(episode.Sources)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO episodes (episode_id, tenant_id, user_id, agent_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		episode.EpisodeID, scope.TenantID, scope.UserID, scope.AgentID,
		episode.TimeRange.Start.UTC(), nullTime(episode.TimeRange.End), episode.Summary,
		highlights, tags, entities, sources, string(episode.CompressionLevel),
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListProcedures(scope memtypes.Scope, taskType string, limit *int) ([]memtypes.Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT procedure_id, content, priority, sources, applicability FROM procedures
		 WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND task_type = ?
		 ORDER BY priority DESC, procedure_id ASC`,
		scope.TenantID, scope.UserID, scope.AgentID, taskType,
	)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var procedures []memtypes.Procedure
	for rows.Next() {
		var (
			p                        memtypes.Procedure
			content, sources, applicability string
		)
		p.TaskType = taskType
		if err := rows.Scan(&p.ProcedureID, &content, &p.Priority, &sources, &applicability); err != nil {
			return nil, Storage(err)
		}
		if err := decodeJSON(content, &p.Content); err != nil {
			return nil, Storage(err)
		}
		if p.Sources, err = decodeStrings(sources); err != nil {
			return nil, Storage(err)
		}
		if err := decodeJSON(applicability, &p.Applicability); err != nil {
			return nil, Storage(err)
		}
		procedures = append(procedures, p)
	}
	return applyLimit(procedures, limit), rows.Err()
}

func (s *SQLiteStore) UpsertProcedure(scope memtypes.Scope, procedure memtypes.Procedure) error {
	defaultProcedureID(&procedure)
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := encodeJSON(procedure.Content)
	if err != nil {
		return InvalidInput(err.Error())
	}
	sources, err := encodeStrings(procedure.Sources)
	if err != nil {
		return InvalidInput(err.Error())
	}
	applicability, err := encodeJSON(procedure.Applicability)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO procedures (procedure_id, tenant_id, user_id, agent_id, task_type, content, priority, sources, applicability)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, user_id, agent_id, procedure_id) DO UPDATE SET
		   task_type = excluded.task_type, content = excluded.content, priority = excluded.priority,
		   sources = excluded.sources, applicability = excluded.applicability`,
		procedure.ProcedureID, scope.TenantID, scope.UserID, scope.AgentID, procedure.TaskType,
		content, procedure.Priority, sources, applicability,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListInsights(scope memtypes.Scope, filter InsightFilter) ([]memtypes.InsightItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, kind, statement, trigger, confidence, validation_state, tests_suggested, expires_at, sources FROM insights
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	if len(filter.ValidationState) > 0 {
		query += ` AND validation_state IN (` + placeholders(len(filter.ValidationState)) + `)`
		for _, vs := range filter.ValidationState {
			args = append(args, string(vs))
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var items []memtypes.InsightItem
	for rows.Next() {
		var (
			item                  memtypes.InsightItem
			testsSuggested, sources string
		)
		if err := rows.Scan(&item.ID, &item.Kind, &item.Statement, &item.Trigger, &item.Confidence, &item.ValidationState, &testsSuggested, &item.ExpiresAt, &sources); err != nil {
			return nil, Storage(err)
		}
		if item.TestsSuggested, err = decodeStrings(testsSuggested); err != nil {
			return nil, Storage(err)
		}
		if item.Sources, err = decodeStrings(sources); err != nil {
			return nil, Storage(err)
		}
		items = append(items, item)
	}
	return applyLimit(items, filter.Limit), rows.Err()
}

func (s *SQLiteStore) AppendInsight(scope memtypes.Scope, insight memtypes.InsightItem) error {
	defaultInsightID(&insight)
	s.mu.Lock()
	defer s.mu.Unlock()

	testsSuggested, err := encodeStrings(insight.TestsSuggested)
	if err != nil {
		return InvalidInput(err.Error())
	}
	sources, err := encodeStrings(insight.Sources)
	if err != nil {
		return InvalidInput(err.Error())
	}
	trigger := insight.Trigger
	if trigger == "" {
		trigger = memtypes.TriggerSynthesis
	}

	_, err = s.db.Exec(
		`INSERT INTO insights (id, tenant_id, user_id, agent_id, session_id, run_id, kind, statement, trigger, confidence, validation_state, tests_suggested, expires_at, sources)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		insight.ID, scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		string(insight.Kind), insight.Statement, string(trigger), insight.Confidence, string(insight.ValidationState),
		testsSuggested, insight.ExpiresAt, sources,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) WriteContextBuild(scope memtypes.Scope, packet memtypes.MemoryPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeJSON(packet)
	if err != nil {
		return InvalidInput(err.Error())
	}

	_, err = s.db.Exec(
		`INSERT INTO context_builds (tenant_id, user_id, agent_id, session_id, run_id, generated_at, packet)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		packet.Meta.GeneratedAt.UTC(), encoded,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *SQLiteStore) ListContextBuilds(scope memtypes.Scope, limit *int) ([]memtypes.MemoryPacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT packet FROM context_builds
		 WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?
		 ORDER BY generated_at ASC, id ASC`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
	)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var packets []memtypes.MemoryPacket
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, Storage(err)
		}
		var packet memtypes.MemoryPacket
		if err := decodeJSON(raw, &packet); err != nil {
			return nil, Storage(err)
		}
		packets = append(packets, packet)
	}
	return applyLimit(packets, limit), rows.Err()
}
