package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/KafClaw/engram/internal/memtypes"
)

// PostgresStore is the "plain" remote SQL backend (spec.md §4.4): a pooled
// pgx/database-sql connection with no auxiliary tag/entity index tables,
// so ListEpisodes filters those in application code like the in-memory
// reference backend. Grounded in codeready-toolchain-tarsy's
// pkg/database/client.go connection-pool setup.
type PostgresStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenPostgres normalizes dsn/database, creates the target database from
// the admin connection if it does not exist, then opens a pool against it
// and applies the schema idempotently.
func OpenPostgres(dsn, database string, maxOpenConns, maxIdleConns int, log *slog.Logger) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}

	targetDSN, err := NormalizePostgresDSN(dsn, database)
	if err != nil {
		return nil, err
	}
	dbName, err := PostgresDatabaseName(targetDSN)
	if err != nil {
		return nil, err
	}

	adminDSN, err := AdminPostgresDSN(targetDSN)
	if err != nil {
		return nil, err
	}
	if err := ensurePostgresDatabase(adminDSN, dbName); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", targetDSN)
	if err != nil {
		return nil, Storage(fmt.Errorf("open postgres store: %w", err))
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}

	s := &PostgresStore{db: db, log: log}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("postgres store opened", "database", dbName)
	return s, nil
}

func ensurePostgresDatabase(adminDSN, dbName string) error {
	admin, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return Storage(fmt.Errorf("open postgres admin connection: %w", err))
	}
	defer admin.Close()

	var exists bool
	err = admin.QueryRow(`SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists)
	if err != nil {
		return Storage(fmt.Errorf("check postgres database exists: %w", err))
	}
	if exists {
		return nil
	}
	if _, err := admin.Exec(fmt.Sprintf("CREATE DATABASE %s", QuoteIdent(dbName))); err != nil {
		return Storage(fmt.Errorf("create postgres database: %w", err))
	}
	return nil
}

func (s *PostgresStore) bootstrap() error {
	if _, err := s.db.Exec(postgresSchema); err != nil {
		return Storage(fmt.Errorf("apply postgres schema: %w", err))
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
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, CurrentSchemaVersion, time.Now().UTC()); err != nil {
			return Storage(fmt.Errorf("stamp schema version: %w", err))
		}
		s.log.Info("postgres schema initialized", "version", CurrentSchemaVersion)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) AppendEvent(event memtypes.Event) error {
	var existing string
	err := s.db.QueryRow(`SELECT event_id FROM events WHERE event_id = $1`, event.EventID).Scan(&existing)
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

	_, err = s.db.Exec(
		`INSERT INTO events (event_id, tenant_id, user_id, agent_id, session_id, run_id, ts, kind, payload, tags, entities)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.EventID, event.Scope.TenantID, event.Scope.UserID, event.Scope.AgentID, event.Scope.SessionID, event.Scope.RunID,
		event.TS.UTC(), string(event.Kind), payload, tags, entities,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(scope memtypes.Scope, timeRange TimeRangeFilter, limit *int) ([]memtypes.Event, error) {
	query := `SELECT event_id, ts, kind, payload, tags, entities FROM events
	          WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND session_id = $4 AND run_id = $5`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	n := len(args)
	if timeRange.Start != nil {
		n++
		query += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, timeRange.Start.UTC())
	}
	if timeRange.End != nil {
		n++
		query += fmt.Sprintf(" AND ts <= $%d", n)
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

func (s *PostgresStore) GetWorkingState(scope memtypes.Scope) (*memtypes.WorkingState, error) {
	ws, found, err := s.scanWorkingState(scope)
	if err != nil || !found {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) scanWorkingState(scope memtypes.Scope) (memtypes.WorkingState, bool, error) {
	row := s.db.QueryRow(
		`SELECT goal, plan, slots, constraints, tool_evidence, decisions, risks, state_version FROM working_state
		 WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND session_id = $4 AND run_id = $5`,
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

func (s *PostgresStore) PatchWorkingState(scope memtypes.Scope, patch memtypes.WorkingStatePatch) (memtypes.WorkingState, error) {
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
		`INSERT INTO working_state (tenant_id, user_id, agent_id, session_id, run_id, goal, plan, slots, constraints, tool_evidence, decisions, risks, state_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (tenant_id, user_id, agent_id, session_id, run_id) DO UPDATE SET
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

func (s *PostgresStore) GetStm(scope memtypes.Scope) (*memtypes.StmState, error) {
	row := s.db.QueryRow(
		`SELECT rolling_summary, key_quotes, open_loops FROM stm_state WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND session_id = $4`,
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

func (s *PostgresStore) UpdateStm(scope memtypes.Scope, stm memtypes.StmState) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, user_id, agent_id, session_id) DO UPDATE SET
		   rolling_summary = excluded.rolling_summary, key_quotes = excluded.key_quotes, open_loops = excluded.open_loops`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, stm.RollingSummary, keyQuotes, openLoops,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *PostgresStore) ListFacts(scope memtypes.Scope, filter FactFilter) ([]memtypes.Fact, error) {
	query := `SELECT fact_id, fact_key, value, status, valid_from, valid_to, confidence, sources, scope_level, notes FROM facts
	          WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}
	n := len(args)

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			n++
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(st))
		}
		query += " AND status IN (" + joinPlaceholders(placeholders) + ")"
	}
	if filter.ValidAt != nil {
		n++
		query += fmt.Sprintf(" AND (valid_from IS NULL OR valid_from <= $%d)", n)
		args = append(args, filter.ValidAt.UTC())
		n++
		query += fmt.Sprintf(" AND (valid_to IS NULL OR valid_to >= $%d)", n)
		args = append(args, filter.ValidAt.UTC())
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, Storage(err)
	}
	defer rows.Close()

	var facts []memtypes.Fact
	for rows.Next() {
		var (
			f                      memtypes.Fact
			value, sources         string
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

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func (s *PostgresStore) UpsertFact(scope memtypes.Scope, fact memtypes.Fact) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (tenant_id, user_id, agent_id, fact_id) DO UPDATE SET
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

func (s *PostgresStore) ListEpisodes(scope memtypes.Scope, filter EpisodeFilter) ([]memtypes.Episode, error) {
	query := `SELECT episode_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level FROM episodes
	          WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID}
	n := len(args)
	if filter.TimeRange != nil {
		if filter.TimeRange.Start != nil {
			n++
			query += fmt.Sprintf(" AND start_ts >= $%d", n)
			args = append(args, filter.TimeRange.Start.UTC())
		}
		if filter.TimeRange.End != nil {
			n++
			query += fmt.Sprintf(" AND COALESCE(end_ts, start_ts) <= $%d", n)
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
			start                                time.Time
			end                                   sql.NullTime
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

func (s *PostgresStore) AppendEpisode(scope memtypes.Scope, episode memtypes.Episode) error {
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
	_, err = s.db.Exec(
		`INSERT INTO episodes (episode_id, tenant_id, user_id, agent_id, start_ts, end_ts, summary, highlights, tags, entities, sources, compression_level)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		episode.EpisodeID, scope.TenantID, scope.UserID, scope.AgentID,
		episode.TimeRange.Start.UTC(), nullTime(episode.TimeRange.End), episode.Summary,
		highlights, tags, entities, sources, string(episode.CompressionLevel),
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *PostgresStore) ListProcedures(scope memtypes.Scope, taskType string, limit *int) ([]memtypes.Procedure, error) {
	rows, err := s.db.Query(
		`SELECT procedure_id, content, priority, sources, applicability FROM procedures
		 WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND task_type = $4
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

func (s *PostgresStore) UpsertProcedure(scope memtypes.Scope, procedure memtypes.Procedure) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, user_id, agent_id, procedure_id) DO UPDATE SET
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

func (s *PostgresStore) ListInsights(scope memtypes.Scope, filter InsightFilter) ([]memtypes.InsightItem, error) {
	query := `SELECT id, kind, statement, trigger, confidence, validation_state, tests_suggested, expires_at, sources FROM insights
	          WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND session_id = $4 AND run_id = $5`
	args := []any{scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID}
	n := len(args)
	if len(filter.ValidationState) > 0 {
		placeholders := make([]string, len(filter.ValidationState))
		for i, vs := range filter.ValidationState {
			n++
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(vs))
		}
		query += " AND validation_state IN (" + joinPlaceholders(placeholders) + ")"
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

func (s *PostgresStore) AppendInsight(scope memtypes.Scope, insight memtypes.InsightItem) error {
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
		`INSERT INTO insights (id, tenant_id, user_id, agent_id, session_id, run_id, kind, statement, trigger, confidence, validation_state, tests_suggested, expires_at, sources)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		insight.ID, scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		string(insight.Kind), insight.Statement, string(trigger), insight.Confidence, string(insight.ValidationState),
		testsSuggested, insight.ExpiresAt, sources,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *PostgresStore) WriteContextBuild(scope memtypes.Scope, packet memtypes.MemoryPacket) error {
	encoded, err := encodeJSON(packet)
	if err != nil {
		return InvalidInput(err.Error())
	}
	_, err = s.db.Exec(
		`INSERT INTO context_builds (tenant_id, user_id, agent_id, session_id, run_id, generated_at, packet)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		scope.TenantID, scope.UserID, scope.AgentID, scope.SessionID, scope.RunID,
		packet.Meta.GeneratedAt.UTC(), encoded,
	)
	if err != nil {
		return Storage(err)
	}
	return nil
}

func (s *PostgresStore) ListContextBuilds(scope memtypes.Scope, limit *int) ([]memtypes.MemoryPacket, error) {
	rows, err := s.db.Query(
		`SELECT packet FROM context_builds
		 WHERE tenant_id = $1 AND user_id = $2 AND agent_id = $3 AND session_id = $4 AND run_id = $5
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
