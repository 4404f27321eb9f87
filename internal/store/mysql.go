package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/KafClaw/engram/internal/memtypes"
)

// MySQLStore is the "index-table" remote backend (spec.md §4.4): it keeps
// event_tags/event_entities/episode_tags/episode_entities alongside the
// primary tables and consults them when populated, falling back to the
// same post-filter the plain/reference backends use otherwise so results
// are identical regardless of which backend answers the query.
type MySQLStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenMySQL normalizes dsn/database, creates the target database via the
// admin connection if missing, opens a pool against it, and applies the
// schema idempotently.
func OpenMySQL(dsn, database string, maxOpenConns, maxIdleConns int, log *slog.Logger) (*MySQLStore, error) {
	if log == nil {
		log = slog.Default()
	}

	targetDSN, err := NormalizeMySQLDSN(dsn, database)
	if err != nil {
		return nil, err
	}
	dbName, err := MySQLDatabaseName(targetDSN)
	if err != nil {
		return nil, err
	}

	adminDSN, err := AdminMySQLDSN(targetDSN)
	if err != nil {
		return nil, err
	}
	if err := ensureMySQLDatabase(adminDSN, dbName); err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", targetDSN)
	if err != nil {
		return nil, Storage(fmt.Errorf("open mysql store: %w", err))
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}

	s := &MySQLStore{db: db, log: log}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("mysql store opened", "database", dbName)
	return s, nil
}

func ensureMySQLDatabase(adminDSN, dbName string) error {
	admin, err := sql.Open("mysql", adminDSN)
	if err != nil {
		return Storage(fmt.Errorf("open mysql admin connection: %w", err))
	}
	defer admin.Close()

	if _, err := admin.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", QuoteMySQLIdent(dbName))); err != nil {
		return Storage(fmt.Errorf("create mysql database: %w", err))
	}
	return nil
}

func (s *MySQLStore) bootstrap() error {
	for _, stmt := range splitMySQLStatements(mysqlSchema) {
		if _, err := s.db.Exec(stmt); err != nil {
			return Storage(fmt.Errorf("apply mysql schema: %w", err))
		}
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
		s.log.Info("mysql schema initialized", "version", CurrentSchemaVersion)
	}
	return nil
}

// splitMySQLStatements breaks the schema block into individual statements;
// the mysql driver does not execute multiple statements from one Exec call
// by default.
func splitMySQLStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)

func (s *MySQLStore) AppendEvent(event memtypes.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return Storage(err)
	}
	if err := s.insertEvent(tx, event); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Storage(err)
	}
	return nil
}

func (s *MySQLStore) insertEvent(exec execer, event memtypes.Event) error {
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
		return InvalidInput(err.Error())
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
	for _, tag := range event.Tags {
		if _, err := exec.Exec(
			`INSERT INTO event_tags (tenant_id, user_id, agent_id, event_id, tag) VALUES (?, ?, ?, ?, ?)`,
			event.Scope.TenantID, event.Scope.UserID, event.Scope.AgentID, event.EventID, tag,
		); err != nil {
			return Storage(err)
		}
	}
	for _, entity := range event.Entities {
		if _, err := exec.Exec(
			`INSERT INTO event_entities (tenant_id, user_id, agent_id, event_id, entity) VALUES (?, ?, ?, ?, ?)`,
			event.Scope.TenantID, event.Scope.UserID, event.Scope.AgentID, event.EventID, entity,
		); err != nil {
			return Storage(err)
		}
	}
	return nil
}

// AppendEventsBulk transactionally inserts events, matching the embedded
// backend's bulk form (spec.md §4.1).
func (s *MySQLStore) AppendEventsBulk(events []memtypes.Event) error {
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

func (s *MySQLStore) ListEvents(scope memtypes.Scope, timeRange TimeRangeFilter, limit *int) ([]memtypes.Event, error) {
	query := `SELECT event_id, ts, kind, payload, tags, entities FROM events
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	if timeRange.Start != nil {
		query += " AND ts >= ?"
		args = append(args, timeRange.Start.UTC())
	}
	if timeRange.End != nil {
		query += " AND ts <= ?"
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

func (s *MySQLStore) GetWorkingState(scope memtypes.Scope) (*memtypes.WorkingState, error) {
	ws, found, err := s.scanWorkingState(scope)
	if err != nil || !found {
		return nil, err
	}
	return &ws, nil
}

func (s *MySQLStore) scanWorkingState(scope memtypes.Scope) (memtypes.WorkingState, bool, error) {
	row := s.db.QueryRow(
		`SELECT goal, plan, slots, constraints_json, tool_evidence, decisions, risks, state_version FROM working_state
		 WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
	)
	var ws memtypes.WorkingState
	var plan, slots, constraints, toolEvidence, decisions, risks string
	err := row.Scan(&ws.Goal, &plan, &slots, &constraints, &toolEvidence, &decisions, &risks, &ws.StateVersion)
	if err == sql.ErrNoRows {
		return memtypes.WorkingState{}, false, nil
	}
	if err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if ws.Plan, err = decodeStrings(plan); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if err := decodeJSON(slots, &ws.Slots); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if err := decodeJSON(constraints, &ws.Constraints); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if err := decodeJSON(toolEvidence, &ws.ToolEvidence); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if ws.Decisions, err = decodeStrings(decisions); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	if ws.Risks, err = decodeStrings(risks); err != nil {
		return memtypes.WorkingState{}, false, Storage(err)
	}
	return ws, true, nil
}

func (s *MySQLStore) PatchWorkingState(scope memtypes.Scope, patch memtypes.WorkingStatePatch) (memtypes.WorkingState, error) {
	current, _, err := s.scanWorkingState(scope)
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
		`INSERT INTO working_state (tenant_id, user_id, agent_id, session_id, run_id, goal, plan, slots, constraints_json, tool_evidence, decisions, risks, state_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		   goal = VALUES(goal), plan = VALUES(plan), slots = VALUES(slots), constraints_json = VALUES(constraints_json),
		   tool_evidence = VALUES(tool_evidence), decisions = VALUES(decisions), risks = VALUES(risks), state_version = VALUES(state_version)`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		next.Goal, plan, slots, constraints, toolEvidence, decisions, risks, next.StateVersion,
	)
	if err != nil {
		return memtypes.WorkingState{}, Storage(err)
	}
	return next, nil
}

func (s *MySQLStore) GetStm(scope memtypes.Scope) (*memtypes.StmState, error) {
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

func (s *MySQLStore) UpdateStm(scope memtypes.Scope, stm memtypes.StmState) error {
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
		 ON DUPLICATE KEY UPDATE
		   rolling_summary = VALUES(rolling_summary), key_quotes = VALUES(key_quotes), open_loops = VALUES(open_loops)`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, stm.RollingSummary, keyQuotes, openLoops,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *MySQLStore) ListFacts(scope memtypes.Scope, filter FactFilter) ([]memtypes.Fact, error) {
	query := `SELECT fact_id, fact_key, value, status, valid_from, valid_to, confidence, sources, scope_level, notes FROM facts
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.ValidAt != nil {
		query += " AND (valid_from IS NULL OR valid_from <= ?) AND (valid_to IS NULL OR valid_to >= ?)"
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
			f                  memtypes.Fact
			value, sources     string
			validFrom, validTo sql.NullTime
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

func (s *MySQLStore) UpsertFact(scope memtypes.Scope, fact memtypes.Fact) error {
	defaultFactID(&fact)
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
		 ON DUPLICATE KEY UPDATE
		   fact_key = VALUES(fact_key), value = VALUES(value), status = VALUES(status), valid_from = VALUES(valid_from),
		   valid_to = VALUES(valid_to), confidence = VALUES(confidence), sources = VALUES(sources),
		   scope_level = VALUES(scope_level), notes = VALUES(notes)`,
		fact.FactID, scope.TenantID, scope.UserID, scope.AgentID, fact.FactKey, value, string(fact.Status),
		nullTime(fact.Validity.ValidFrom), nullTime(fact.Validity.ValidTo), fact.Confidence, sources, string(fact.ScopeLevel), fact.Notes,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

// episodeIDsByIndex returns the episode IDs matching tags/entities via the
// index tables, scoped to tenant/user/agent so an episode_id collision
// across tenants can never leak a match, and whether the index tables held
// any rows at all for this scope (if not, the caller falls back to
// post-filtering).
func (s *MySQLStore) episodeIDsByIndex(scope memtypes.Scope, table, column string, values []string) (map[string]bool, bool, error) {
	if len(values) == 0 {
		return nil, false, nil
	}
	var anyRows bool
	if err := s.db.QueryRow(
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = ? AND user_id = ? AND agent_id = ? LIMIT 1)", table),
		scope.TenantID, scope.UserID, scope.AgentID,
	).Scan(&anyRows); err != nil {
		return nil, false, Storage(err)
	}
	if !anyRows {
		return nil, false, nil
	}

	placeholders := make([]string, len(values))
	args := make([]any, 0, len(values)+3)
	args = append(args, scope.TenantID, scope.UserID, scope.AgentID)
	for i, v := range values {
		placeholders[i] = "?"
		args = append(args, v)
	}
	query := fmt.Sprintf(
		"SELECT DISTINCT episode_id FROM %s WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND %s IN (%s)",
		table, column, strings.Join(placeholders, ", "),
	)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, false, Storage(err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false, Storage(err)
		}
		ids[id] = true
	}
	return ids, true, rows.Err()
}

func (s *MySQLStore) ListEpisodes(scope memtypes.Scope, filter EpisodeFilter) ([]memtypes.Episode, error) {
	query := `SELECT episode_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level FROM episodes
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}
	if filter.TimeRange != nil {
		if filter.TimeRange.Start != nil {
			query += " AND start_ts >= ?"
			args = append(args, filter.TimeRange.Start.UTC())
		}
		if filter.TimeRange.End != nil {
			query += " AND COALESCE(end_ts, start_ts) <= ?"
			args = append(args, filter.TimeRange.End.UTC())
		}
	}

	tagIDs, tagIndexed, err := s.episodeIDsByIndex(scope, "episode_tags", "tag", filter.Tags)
	if err != nil {
		return nil, err
	}
	entityIDs, entityIndexed, err := s.episodeIDsByIndex(scope, "episode_entities", "entity", filter.Entities)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var episodes []memtypes.Episode
	for rows.Next() {
		var (
			e                                    memtypes.Episode
			highlights, tags, entities, sources  string
			start                                time.Time
			end                                  sql.NullTime
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

		if len(filter.Tags) > 0 {
			if tagIndexed {
				if !tagIDs[e.EpisodeID] {
					continue
				}
			} else if !anyMatch(e.Tags, filter.Tags) {
				continue
			}
		}
		if len(filter.Entities) > 0 {
			if entityIndexed {
				if !entityIDs[e.EpisodeID] {
					continue
				}
			} else if !anyMatch(e.Entities, filter.Entities) {
				continue
			}
		}
		episodes = append(episodes, e)
	}
	return applyLimit(episodes, filter.Limit), rows.Err()
}

func (s *MySQLStore) AppendEpisode(scope memtypes.Scope, episode memtypes.Episode) error {
	defaultEpisodeID(&episode)
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

	tx, err := s.db.Begin()
	if err != nil {
		return Storage(err)
	}
	_, err = tx.Exec(
		`INSERT INTO episodes (episode_id, tenant_id, user_id, agent_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		episode.EpisodeID, scope.TenantID, scope.UserID, scope.AgentID,
		episode.TimeRange.Start.UTC(), nullTime(episode.TimeRange.End), episode.Summary,
		highlights, tags, entities, sources, string(episode.CompressionLevel),
	)
	if err != nil {
		tx.Rollback()
		return Storage(err)
	}
	for _, tag := range episode.Tags {
		if _, err := tx.Exec(
			`INSERT INTO episode_tags (tenant_id, user_id, agent_id, episode_id, tag) VALUES (?, ?, ?, ?, ?)`,
			scope.TenantID, scope.UserID, scope.AgentID, episode.EpisodeID, tag,
		); err != nil {
			tx.Rollback()
			return Storage(err)
		}
	}
	for _, entity := range episode.Entities {
		if _, err := tx.Exec(
			`INSERT INTO episode_entities (tenant_id, user_id, agent_id, episode_id, entity) VALUES (?, ?, ?, ?, ?)`,
			scope.TenantID, scope.UserID, scope.AgentID, episode.EpisodeID, entity,
		); err != nil {
			tx.Rollback()
			return Storage(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Storage(err)
	}
	return nil
}

func (s *MySQLStore) ListProcedures(scope memtypes.Scope, taskType string, limit *int) ([]memtypes.Procedure, error) {
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
			p                               memtypes.Procedure
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

func (s *MySQLStore) UpsertProcedure(scope memtypes.Scope, procedure memtypes.Procedure) error {
	defaultProcedureID(&procedure)
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
		 ON DUPLICATE KEY UPDATE
		   task_type = VALUES(task_type), content = VALUES(content), priority = VALUES(priority),
		   sources = VALUES(sources), applicability = VALUES(applicability)`,
		procedure.ProcedureID, scope.TenantID, scope.UserID, scope.AgentID, procedure.TaskType,
		content, procedure.Priority, sources, applicability,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *MySQLStore) ListInsights(scope memtypes.Scope, filter InsightFilter) ([]memtypes.InsightItem, error) {
	query := `SELECT id, kind, statement, trigger_kind, confidence, validation_state, tests_suggested, expires_at, sources FROM insights
	          WHERE tenant_id = ? AND user_id = ? AND agent_id = ? AND session_id = ? AND run_id = ?`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	if len(filter.ValidationState) > 0 {
		placeholders := make([]string, len(filter.ValidationState))
		for i, vs := range filter.ValidationState {
			placeholders[i] = "?"
			args = append(args, string(vs))
		}
		query += " AND validation_state IN (" + strings.Join(placeholders, ", ") + ")"
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var items []memtypes.InsightItem
	for rows.Next() {
		var (
			item                    memtypes.InsightItem
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

func (s *MySQLStore) AppendInsight(scope memtypes.Scope, insight memtypes.InsightItem) error {
	defaultInsightID(&insight)
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
		`INSERT INTO insights (id, tenant_id, user_id, agent_id, session_id, run_id, kind, statement, trigger_kind, confidence, validation_state, tests_suggested, expires_at, sources)
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

func (s *MySQLStore) WriteContextBuild(scope memtypes.Scope, packet memtypes.MemoryPacket) error {
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

func (s *MySQLStore) ListContextBuilds(scope memtypes.Scope, limit *int) ([]memtypes.MemoryPacket, error) {
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
