package store

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/KafClaw/engram/internal/memtypes"
)

// backendCase names a Store constructor exercised by the conformance suite
// below. Each entry is tried in its own subtest so a backend whose test DSN
// environment variable is unset (e.g. no live Postgres) only skips its own
// case; a backend that is configured but unreachable fails its own case.
type backendCase struct {
	name string
	open func(t *testing.T) (Store, func())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func conformanceBackends() []backendCase {
	return []backendCase{
		{
			name: "in-memory",
			open: func(t *testing.T) (Store, func()) {
				return NewInMemoryStore(), func() {}
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (Store, func()) {
				s, err := OpenSQLite("", true, quietLogger())
				if err != nil {
					t.Fatalf("OpenSQLite: %v", err)
				}
				return s, func() { s.Close() }
			},
		},
		{
			name: "postgres",
			open: func(t *testing.T) (Store, func()) {
				dsn := postgresTestDSN(t)
				s, err := OpenPostgres(dsn, "", 4, 2, quietLogger())
				if err != nil {
					t.Fatalf("OpenPostgres: %v", err)
				}
				return s, func() { s.Close() }
			},
		},
		{
			name: "mysql",
			open: func(t *testing.T) (Store, func()) {
				dsn := mysqlTestDSN(t)
				s, err := OpenMySQL(dsn, "", 4, 2, quietLogger())
				if err != nil {
					t.Fatalf("OpenMySQL: %v", err)
				}
				return s, func() { s.Close() }
			},
		},
	}
}

// TestStoreConformance runs one shared behavioral suite against every Store
// implementation, the way a single contract test run across backend
// constructors catches a backend drifting from the others' semantics.
// Backends that need a live service (postgres, mysql) skip themselves via
// their open func when the corresponding *_TEST_DSN env var is unset.
func TestStoreConformance(t *testing.T) {
	for _, bc := range conformanceBackends() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			s, closeFn := bc.open(t)
			defer closeFn()

			t.Run("EventScopeIsolation", func(t *testing.T) { conformEventScopeIsolation(t, s) })
			t.Run("EventListOrdering", func(t *testing.T) { conformEventListOrdering(t, s) })
			t.Run("WorkingStatePatchVersioning", func(t *testing.T) { conformWorkingStatePatchVersioning(t, s) })
			t.Run("StmRoundTrip", func(t *testing.T) { conformStmRoundTrip(t, s) })
			t.Run("FactUpsertReplaces", func(t *testing.T) { conformFactUpsertReplaces(t, s) })
			t.Run("FactValidAtFilter", func(t *testing.T) { conformFactValidAtFilter(t, s) })
			t.Run("EpisodeTagEntityFilterIsAnd", func(t *testing.T) { conformEpisodeTagEntityFilterIsAnd(t, s) })
			t.Run("ProcedureUpsertReplaces", func(t *testing.T) { conformProcedureUpsertReplaces(t, s) })
			t.Run("ProcedureListOrdering", func(t *testing.T) { conformProcedureListOrdering(t, s) })
			t.Run("InsightValidationStateFilter", func(t *testing.T) { conformInsightValidationStateFilter(t, s) })
			t.Run("ContextBuildLimit", func(t *testing.T) { conformContextBuildLimit(t, s) })
		})
	}
}

func conformScope(run string) memtypes.Scope {
	return memtypes.Scope{
		TenantID:  "conform-tenant",
		UserID:    "conform-user",
		AgentID:   "conform-agent",
		SessionID: "conform-session",
		RunID:     run,
	}
}

func conformEventScopeIsolation(t *testing.T, s Store) {
	scopeA := conformScope("run-a")
	scopeB := conformScope("run-b")

	if err := s.AppendEvent(memtypes.Event{
		EventID: uniqueID(t, "ev"), Scope: scopeA, TS: time.Now(), Kind: memtypes.EventMessage,
	}); err != nil {
		t.Fatal(err)
	}

	eventsA, err := s.ListEvents(scopeA, TimeRangeFilter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	eventsB, err := s.ListEvents(scopeB, TimeRangeFilter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(eventsA) == 0 {
		t.Fatal("expected the appended event to be visible in its own scope")
	}
	for _, e := range eventsB {
		if e.Scope.RunID == scopeA.RunID {
			t.Fatal("event from scope A leaked into scope B's listing")
		}
	}
}

// conformEventListOrdering checks the list_events total order spec.md §3
// requires: ts ascending, ties broken by event_id ascending. Events are
// appended out of order so a backend returning raw insertion order fails.
func conformEventListOrdering(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "order"))
	ts := time.Now().Truncate(time.Second)

	if err := s.AppendEvent(memtypes.Event{
		EventID: uniqueID(t, "ev-z"), Scope: scope, TS: ts, Kind: memtypes.EventMessage,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(memtypes.Event{
		EventID: uniqueID(t, "ev-a"), Scope: scope, TS: ts, Kind: memtypes.EventMessage,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(memtypes.Event{
		EventID: uniqueID(t, "ev-m"), Scope: scope, TS: ts.Add(-time.Minute), Kind: memtypes.EventMessage,
	}); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(scope, TimeRangeFilter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.TS.After(cur.TS) {
			t.Fatalf("expected events sorted by ts ascending, got %+v", events)
		}
		if prev.TS.Equal(cur.TS) && prev.EventID > cur.EventID {
			t.Fatalf("expected equal-ts events sorted by event_id ascending, got %+v", events)
		}
	}
}

func conformWorkingStatePatchVersioning(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "wm"))

	goal := "reach v1"
	state, err := s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Goal: &goal})
	if err != nil {
		t.Fatal(err)
	}
	if state.Goal != goal {
		t.Fatalf("expected goal %q, got %q", goal, state.Goal)
	}
	firstVersion := state.StateVersion

	state, err = s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Plan: []string{"a", "b"}, PlanSet: true})
	if err != nil {
		t.Fatal(err)
	}
	if state.StateVersion <= firstVersion {
		t.Fatalf("expected state_version to advance past %d, got %d", firstVersion, state.StateVersion)
	}
	if state.Goal != goal {
		t.Fatalf("expected goal preserved across patch, got %q", state.Goal)
	}
}

func conformStmRoundTrip(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "stm"))

	if got, err := s.GetStm(scope); err != nil {
		t.Fatal(err)
	} else if got != nil {
		t.Fatalf("expected nil stm before any write, got %+v", got)
	}

	stm := memtypes.StmState{
		RollingSummary: "the user asked about pricing",
		OpenLoops:      []string{"confirm seat count", "send follow-up"},
	}
	if err := s.UpdateStm(scope, stm); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetStm(scope)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.RollingSummary != stm.RollingSummary {
		t.Fatalf("expected stm round trip, got %+v", got)
	}
	if len(got.OpenLoops) != len(stm.OpenLoops) {
		t.Fatalf("expected open_loops round trip, got %+v", got.OpenLoops)
	}
	for i, loop := range stm.OpenLoops {
		if got.OpenLoops[i] != loop {
			t.Fatalf("expected open_loops round trip, got %+v want %+v", got.OpenLoops, stm.OpenLoops)
		}
	}
}

func conformFactUpsertReplaces(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "fact"))
	id := uniqueID(t, "f")

	if err := s.UpsertFact(scope, memtypes.Fact{FactID: id, FactKey: "a", Status: memtypes.FactActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{FactID: id, FactKey: "a-renamed", Status: memtypes.FactActive}); err != nil {
		t.Fatal(err)
	}

	facts, err := s.ListFacts(scope, FactFilter{Status: []memtypes.FactStatus{memtypes.FactActive}})
	if err != nil {
		t.Fatal(err)
	}
	matches := 0
	for _, f := range facts {
		if f.FactID == id {
			matches++
			if f.FactKey != "a-renamed" {
				t.Fatalf("expected upsert to replace fact_key, got %q", f.FactKey)
			}
		}
	}
	if matches != 1 {
		t.Fatalf("expected exactly one fact with id %q after upsert, found %d", id, matches)
	}
}

func conformFactValidAtFilter(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "validity"))
	now := time.Now().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	id := uniqueID(t, "valid")
	if err := s.UpsertFact(scope, memtypes.Fact{
		FactID: id, FactKey: "window", Status: memtypes.FactActive,
		Validity: memtypes.Validity{ValidFrom: &past, ValidTo: &future},
	}); err != nil {
		t.Fatal(err)
	}

	inWindow, err := s.ListFacts(scope, FactFilter{ValidAt: &now})
	if err != nil {
		t.Fatal(err)
	}
	if !containsFactID(inWindow, id) {
		t.Fatal("expected fact valid at now to be returned for a query at now")
	}

	outside := future.Add(time.Hour)
	afterWindow, err := s.ListFacts(scope, FactFilter{ValidAt: &outside})
	if err != nil {
		t.Fatal(err)
	}
	if containsFactID(afterWindow, id) {
		t.Fatal("expected fact to be excluded once valid_to has passed")
	}
}

func containsFactID(facts []memtypes.Fact, id string) bool {
	for _, f := range facts {
		if f.FactID == id {
			return true
		}
	}
	return false
}

func conformEpisodeTagEntityFilterIsAnd(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "episode"))

	matchID := uniqueID(t, "ep-match")
	otherID := uniqueID(t, "ep-other")

	if err := s.AppendEpisode(scope, memtypes.Episode{
		EpisodeID: matchID,
		TimeRange: memtypes.TimeRange{Start: time.Now()},
		Tags:      []string{"alpha"},
		Entities:  []string{"acme"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEpisode(scope, memtypes.Episode{
		EpisodeID: otherID,
		TimeRange: memtypes.TimeRange{Start: time.Now()},
		Tags:      []string{"alpha"},
		Entities:  []string{"other-corp"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEpisodes(scope, EpisodeFilter{Tags: []string{"alpha"}, Entities: []string{"acme"}})
	if err != nil {
		t.Fatal(err)
	}
	if !containsEpisodeID(got, matchID) || containsEpisodeID(got, otherID) {
		t.Fatalf("expected only %q to match tag AND entity filter, got %+v", matchID, got)
	}
}

func containsEpisodeID(episodes []memtypes.Episode, id string) bool {
	for _, e := range episodes {
		if e.EpisodeID == id {
			return true
		}
	}
	return false
}

func conformProcedureUpsertReplaces(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "procedure"))
	id := uniqueID(t, "proc")

	if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: id, TaskType: "deploy", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: id, TaskType: "deploy", Priority: 9}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListProcedures(scope, "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range got {
		if p.ProcedureID == id {
			found = true
			if p.Priority != 9 {
				t.Fatalf("expected upsert to replace priority, got %d", p.Priority)
			}
		}
	}
	if !found {
		t.Fatalf("expected procedure %q to be listed under task_type deploy", id)
	}
}

// conformProcedureListOrdering checks the list_procedures order spec.md §4.1
// requires: priority descending, ties broken by procedure_id ascending.
func conformProcedureListOrdering(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "procorder"))
	taskType := "summary-" + uniqueID(t, "t")

	if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: uniqueID(t, "proc-low"), TaskType: taskType, Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: uniqueID(t, "proc-z"), TaskType: taskType, Priority: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: uniqueID(t, "proc-a"), TaskType: taskType, Priority: 5}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListProcedures(scope, taskType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 procedures, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.Priority < cur.Priority {
			t.Fatalf("expected procedures sorted by priority descending, got %+v", got)
		}
		if prev.Priority == cur.Priority && prev.ProcedureID > cur.ProcedureID {
			t.Fatalf("expected equal-priority procedures sorted by procedure_id ascending, got %+v", got)
		}
	}
}

func conformInsightValidationStateFilter(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "insight"))

	validatedID := uniqueID(t, "ins-validated")
	unvalidatedID := uniqueID(t, "ins-unvalidated")

	if err := s.AppendInsight(scope, memtypes.InsightItem{ID: validatedID, ValidationState: memtypes.ValidationValidated}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendInsight(scope, memtypes.InsightItem{ID: unvalidatedID, ValidationState: memtypes.ValidationUnvalidated}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListInsights(scope, InsightFilter{ValidationState: []memtypes.ValidationState{memtypes.ValidationValidated}})
	if err != nil {
		t.Fatal(err)
	}
	sawValidated, sawUnvalidated := false, false
	for _, ins := range got {
		if ins.ID == validatedID {
			sawValidated = true
		}
		if ins.ID == unvalidatedID {
			sawUnvalidated = true
		}
	}
	if !sawValidated {
		t.Fatal("expected validated insight in the filtered listing")
	}
	if sawUnvalidated {
		t.Fatal("unvalidated insight leaked into a validated-only filter")
	}
}

func conformContextBuildLimit(t *testing.T, s Store) {
	scope := conformScope("run-" + uniqueID(t, "build"))

	for i := 0; i < 3; i++ {
		if err := s.WriteContextBuild(scope, memtypes.MemoryPacket{}); err != nil {
			t.Fatal(err)
		}
	}

	limit := 2
	got, err := s.ListContextBuilds(scope, &limit)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != limit {
		t.Fatalf("expected limit applied, got %d entries", len(got))
	}
}

// uniqueID derives a test-scoped unique suffix from the running subtest's
// name plus the current time so conformance cases sharing a backend's
// persistent database (postgres, mysql) don't collide on primary keys across
// runs.
func uniqueID(t *testing.T, prefix string) string {
	return prefix + "-" + t.Name() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
