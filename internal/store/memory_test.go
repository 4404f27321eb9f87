package store

import (
	"testing"
	"time"

	"github.com/KafClaw/engram/internal/memtypes"
)

func sampleScope() memtypes.Scope {
	return memtypes.Scope{
		TenantID:  "default",
		UserID:    "user1",
		AgentID:   "agent1",
		SessionID: "session1",
		RunID:     "run1",
	}
}

func TestInMemoryStoreWorkingStatePatch(t *testing.T) {
	s := NewInMemoryStore()
	scope := sampleScope()

	goal := "ship v1"
	state, err := s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Goal: &goal})
	if err != nil {
		t.Fatal(err)
	}
	if state.Goal != "ship v1" {
		t.Fatalf("expected goal set, got %q", state.Goal)
	}
	if state.StateVersion != 1 {
		t.Fatalf("expected version bumped to 1, got %d", state.StateVersion)
	}

	plan := []string{"step1", "step2"}
	state, err = s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Plan: plan, PlanSet: true})
	if err != nil {
		t.Fatal(err)
	}
	if state.StateVersion != 2 {
		t.Fatalf("expected version bumped to 2, got %d", state.StateVersion)
	}
	if state.Goal != "ship v1" {
		t.Fatalf("expected goal preserved across patch, got %q", state.Goal)
	}

	explicitVersion := uint32(10)
	state, err = s.PatchWorkingState(scope, memtypes.WorkingStatePatch{StateVersion: &explicitVersion})
	if err != nil {
		t.Fatal(err)
	}
	if state.StateVersion != 10 {
		t.Fatalf("expected explicit version adopted, got %d", state.StateVersion)
	}
}

func TestInMemoryStoreFactUpsertAndFilter(t *testing.T) {
	s := NewInMemoryStore()
	scope := sampleScope()

	if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f1", FactKey: "a", Status: memtypes.FactActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f2", FactKey: "b", Status: memtypes.FactDeprecated}); err != nil {
		t.Fatal(err)
	}
	// Update f1 in place.
	if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f1", FactKey: "a-renamed", Status: memtypes.FactActive}); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListFacts(scope, FactFilter{Status: []memtypes.FactStatus{memtypes.FactActive}})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].FactKey != "a-renamed" {
		t.Fatalf("expected single updated active fact, got %+v", active)
	}
}

func TestInMemoryStoreEpisodeTagAndEntityFilterIsAnd(t *testing.T) {
	s := NewInMemoryStore()
	scope := sampleScope()

	if err := s.AppendEpisode(scope, memtypes.Episode{
		EpisodeID: "ep1",
		TimeRange: memtypes.TimeRange{Start: time.Now()},
		Tags:      []string{"alpha"},
		Entities:  []string{"acme"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEpisode(scope, memtypes.Episode{
		EpisodeID: "ep2",
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
	if len(got) != 1 || got[0].EpisodeID != "ep1" {
		t.Fatalf("expected only ep1 to match tag AND entity filter, got %+v", got)
	}
}

func TestInMemoryStoreScopeIsolation(t *testing.T) {
	s := NewInMemoryStore()
	scopeA := sampleScope()
	scopeB := sampleScope()
	scopeB.RunID = "run2"

	if err := s.AppendEvent(memtypes.Event{EventID: "e1", Scope: scopeA, TS: time.Now(), Kind: memtypes.EventMessage}); err != nil {
		t.Fatal(err)
	}

	eventsA, _ := s.ListEvents(scopeA, TimeRangeFilter{}, nil)
	eventsB, _ := s.ListEvents(scopeB, TimeRangeFilter{}, nil)
	if len(eventsA) != 1 {
		t.Fatalf("expected 1 event in scope A, got %d", len(eventsA))
	}
	if len(eventsB) != 0 {
		t.Fatalf("expected 0 events in scope B, got %d", len(eventsB))
	}
}

func TestInMemoryStoreContextBuildLimit(t *testing.T) {
	s := NewInMemoryStore()
	scope := sampleScope()

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
	if len(got) != 2 {
		t.Fatalf("expected limit applied, got %d", len(got))
	}
}

func TestInMemoryStorePoisonedGuardRejectsFurtherCalls(t *testing.T) {
	s := NewInMemoryStore()
	scope := sampleScope()

	func() {
		defer func() { recover() }()
		unlock, err := s.factsMu.lock()
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()
		panic("simulated writer panic")
	}()

	if !s.factsMu.isPoisoned() {
		t.Fatal("expected guard to be poisoned after a panicking writer")
	}

	_, err := s.ListFacts(scope, FactFilter{})
	if se, ok := err.(*Error); !ok || se.Kind != KindPoisoned {
		t.Fatalf("expected Poisoned error from a poisoned guard, got %v", err)
	}

	err = s.UpsertFact(scope, memtypes.Fact{FactID: "f1"})
	if se, ok := err.(*Error); !ok || se.Kind != KindPoisoned {
		t.Fatalf("expected Poisoned error on write after poisoning, got %v", err)
	}
}
