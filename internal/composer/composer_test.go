package composer

import (
	"testing"
	"time"

	"github.com/KafClaw/engram/internal/memtypes"
	"github.com/KafClaw/engram/internal/store"
)

func scopeR(run string) memtypes.Scope {
	return memtypes.Scope{TenantID: "default", UserID: "u1", AgentID: "a1", SessionID: "s1", RunID: run}
}

func strPtr(s string) *string { return &s }

// Scenario 1 — basic packet (spec.md §8).
func TestBuildBasicPacket(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r1")

	if _, err := s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Goal: strPtr("ship v1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStm(scope, memtypes.StmState{
		RollingSummary: "summary",
		KeyQuotes:      []memtypes.KeyQuote{{EvidenceID: "ev1", Quote: "hello"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f1", FactKey: "pref.color", Value: "blue", Status: memtypes.FactActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f2", FactKey: "z", Status: memtypes.FactDeprecated}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEpisode(scope, memtypes.Episode{
		EpisodeID: "ep1",
		TimeRange: memtypes.TimeRange{Start: time.Now().Add(-time.Hour)},
		Tags:      []string{"alpha"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendInsight(scope, memtypes.InsightItem{
		ID: "i1", Kind: memtypes.InsightHypothesis, ValidationState: memtypes.ValidationUnvalidated,
	}); err != nil {
		t.Fatal(err)
	}

	req := NewBuildRequest(scope, memtypes.PurposePlanner)
	req.Cues.Tags = []string{"alpha"}

	packet, err := Build(s, req)
	if err != nil {
		t.Fatal(err)
	}

	if len(packet.LongTerm.Facts) != 1 || packet.LongTerm.Facts[0].FactID != "f1" {
		t.Fatalf("expected only the active fact f1, got %+v", packet.LongTerm.Facts)
	}
	if len(packet.LongTerm.Episodes) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(packet.LongTerm.Episodes))
	}
	if len(packet.Insight.Hypotheses) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(packet.Insight.Hypotheses))
	}
	if packet.ShortTerm.WorkingState.Goal != "ship v1" {
		t.Fatalf("expected goal to round-trip, got %q", packet.ShortTerm.WorkingState.Goal)
	}
	if packet.BudgetReport.UsedTokensEst > 2048 {
		t.Fatalf("expected used tokens under default budget, got %d", packet.BudgetReport.UsedTokensEst)
	}
}

// Scenario 2 — deterministic facts ordering (spec.md §8).
func TestBuildFactsOrderingIsDeterministic(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r2")

	facts := []memtypes.Fact{
		{FactID: "f2", FactKey: "b", Status: memtypes.FactActive},
		{FactID: "f3", FactKey: "a", Status: memtypes.FactActive},
		{FactID: "f1", FactKey: "a", Status: memtypes.FactActive},
	}
	for _, f := range facts {
		if err := s.UpsertFact(scope, f); err != nil {
			t.Fatal(err)
		}
	}

	packet, err := Build(s, NewBuildRequest(scope, memtypes.PurposePlanner))
	if err != nil {
		t.Fatal(err)
	}

	got := make([][2]string, len(packet.LongTerm.Facts))
	for i, f := range packet.LongTerm.Facts {
		got[i] = [2]string{f.FactKey, f.FactID}
	}
	want := [][2]string{{"a", "f1"}, {"a", "f3"}, {"b", "f2"}}
	if len(got) != len(want) {
		t.Fatalf("expected %d facts, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fact order mismatch at %d: got %v want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

// Scenario 3 — aggregate candidate cap (spec.md §8): drops proceed from
// insights first, then episodes, procedures, facts.
func TestBuildAggregateCandidateCapDropsInsightsFirst(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r3")

	for i := 0; i < 50; i++ {
		id := idx(i)
		if err := s.UpsertFact(scope, memtypes.Fact{FactID: "f" + id, FactKey: "k" + id, Status: memtypes.FactActive}); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendEpisode(scope, memtypes.Episode{EpisodeID: "e" + id, TimeRange: memtypes.TimeRange{Start: time.Now()}}); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertProcedure(scope, memtypes.Procedure{ProcedureID: "p" + id, TaskType: "summary"}); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendInsight(scope, memtypes.InsightItem{ID: "i" + id, Kind: memtypes.InsightHypothesis, ValidationState: memtypes.ValidationUnvalidated}); err != nil {
			t.Fatal(err)
		}
	}

	req := NewBuildRequest(scope, memtypes.PurposePlanner)
	req.TaskType = "summary"
	req.Policy.MaxTotalCandidates = 10
	req.Policy.MaxFacts = 50
	req.Policy.MaxProcedures = 50
	req.Policy.MaxEpisodes = 50
	req.Policy.MaxInsights = 50

	packet, err := Build(s, req)
	if err != nil {
		t.Fatal(err)
	}

	total := len(packet.LongTerm.Facts) + len(packet.LongTerm.Procedures) + len(packet.LongTerm.Episodes) + insightTotal(packet.Insight)
	if total != 10 {
		t.Fatalf("expected aggregate cap to leave 10 candidates, got %d", total)
	}
	if insightTotal(packet.Insight) != 0 {
		t.Fatalf("expected insights dropped first, got %d remaining", insightTotal(packet.Insight))
	}
	if len(packet.LongTerm.Facts) != 10 {
		t.Fatalf("expected facts to be the last kind dropped, got %d facts out of 10 total", len(packet.LongTerm.Facts))
	}
}

func idx(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "0" + string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}

// Scenario 4 — budget trim (spec.md §8): a tight max_tokens must bring
// used_tokens_est back under budget.
func TestBuildBudgetTrimRespectsCeiling(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r4")

	for i := 0; i < 30; i++ {
		id := idx(i)
		if err := s.UpsertFact(scope, memtypes.Fact{
			FactID: "f" + id, FactKey: "k" + id, Status: memtypes.FactActive,
			Notes: "a reasonably long note to pad out the token estimate for this fact record",
		}); err != nil {
			t.Fatal(err)
		}
	}

	req := NewBuildRequest(scope, memtypes.PurposePlanner)
	req.Budget.MaxTokens = 100

	packet, err := Build(s, req)
	if err != nil {
		t.Fatal(err)
	}

	if packet.BudgetReport.UsedTokensEst > 100 {
		t.Fatalf("expected used tokens <= 100, got %d", packet.BudgetReport.UsedTokensEst)
	}
	if len(packet.BudgetReport.Omissions) == 0 {
		t.Fatal("expected omissions to be recorded when trimming to budget")
	}
}

// Scenario 5 — responder visibility (spec.md §8).
func TestBuildInsightVisibilityByPurpose(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r5")

	if err := s.AppendInsight(scope, memtypes.InsightItem{ID: "i1", Kind: memtypes.InsightHypothesis, ValidationState: memtypes.ValidationValidated}); err != nil {
		t.Fatal(err)
	}

	plannerReq := NewBuildRequest(scope, memtypes.PurposePlanner)
	plannerPacket, err := Build(s, plannerReq)
	if err != nil {
		t.Fatal(err)
	}
	if insightTotal(plannerPacket.Insight) == 0 {
		t.Fatal("expected planner purpose to include insights")
	}

	responderReq := NewBuildRequest(scope, memtypes.PurposeResponder)
	responderReq.Policy.AllowInsightsInResponder = false
	responderPacket, err := Build(s, responderReq)
	if err != nil {
		t.Fatal(err)
	}
	if insightTotal(responderPacket.Insight) != 0 {
		t.Fatal("expected responder purpose with allow_insights_in_responder=false to have no insights")
	}
	if responderPacket.Insight.UsagePolicy.AllowInResponder {
		t.Fatal("expected usage_policy.allow_in_responder=false to be reflected")
	}
}

// Scenario 6 — fact validity window (spec.md §8).
func TestBuildFactValidityWindow(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r6")

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := s.UpsertFact(scope, memtypes.Fact{
		FactID: "before", FactKey: "k", Status: memtypes.FactActive,
		Validity: memtypes.Validity{ValidTo: &t0},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{
		FactID: "during", FactKey: "k", Status: memtypes.FactActive,
		Validity: memtypes.Validity{ValidFrom: &t0, ValidTo: &t2},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFact(scope, memtypes.Fact{
		FactID: "after", FactKey: "k", Status: memtypes.FactActive,
		Validity: memtypes.Validity{ValidFrom: &t2},
	}); err != nil {
		t.Fatal(err)
	}

	facts, err := loadFacts(s, scope, t1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].FactID != "during" {
		t.Fatalf("expected only the fact valid at t1, got %+v", facts)
	}
}

// Citation dedup and ordering (spec.md §8 invariant 7).
func TestCollectCitationsDedupsAndSorts(t *testing.T) {
	shortTerm := memtypes.ShortTerm{
		KeyQuotes: []memtypes.KeyQuote{
			{EvidenceID: "b1", Quote: "q1"},
			{EvidenceID: "a1", Quote: "q2"},
		},
	}
	longTerm := memtypes.LongTerm{
		Facts: []memtypes.Fact{{FactID: "f1", Sources: []string{"a1", "a1"}}},
	}
	citations := collectCitations(shortTerm, longTerm, memtypes.Insight{})

	if len(citations) != 2 {
		t.Fatalf("expected 2 deduplicated citations, got %d: %+v", len(citations), citations)
	}
	if citations[0].ID != "a1" || citations[1].ID != "b1" {
		t.Fatalf("expected citations sorted ascending by id, got %+v", citations)
	}
}

// Insight ordering ties break descending by id: the whole (state_rank,
// confidence_bucket, id) tuple sorts as a single descending unit.
func TestInsightOrderingTiesBreakDescendingByID(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r7")

	for _, id := range []string{"z", "a", "m"} {
		if err := s.AppendInsight(scope, memtypes.InsightItem{
			ID: id, Kind: memtypes.InsightPattern,
			ValidationState: memtypes.ValidationValidated, Confidence: 0.5,
		}); err != nil {
			t.Fatal(err)
		}
	}

	insight, err := loadInsights(s, scope, NewBuildRequest(scope, memtypes.PurposePlanner))
	if err != nil {
		t.Fatal(err)
	}
	got := []string{insight.Patterns[0].ID, insight.Patterns[1].ID, insight.Patterns[2].ID}
	want := []string{"z", "m", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ties broken descending by id, got %v want %v", got, want)
		}
	}
}

// WM patch idempotence (spec.md §8 invariant 10).
func TestWorkingStatePatchVersionIdempotence(t *testing.T) {
	s := store.NewInMemoryStore()
	scope := scopeR("r8")

	state, err := s.PatchWorkingState(scope, memtypes.WorkingStatePatch{Goal: strPtr("g")})
	if err != nil {
		t.Fatal(err)
	}
	if state.StateVersion != 1 {
		t.Fatalf("expected version 1 after first touched patch, got %d", state.StateVersion)
	}

	state, err = s.PatchWorkingState(scope, memtypes.WorkingStatePatch{})
	if err != nil {
		t.Fatal(err)
	}
	if state.StateVersion != 1 {
		t.Fatalf("expected an all-absent patch to leave version unchanged, got %d", state.StateVersion)
	}
}

// Event-to-turn safety (spec.md §8 invariant 11): payloads without
// content/text never surface in the conversation window.
func TestConversationWindowSkipsEventsWithoutContent(t *testing.T) {
	events := []memtypes.Event{
		{EventID: "e1", Kind: memtypes.EventMessage, Payload: map[string]any{"role": "user"}, TS: time.Now()},
		{EventID: "e2", Kind: memtypes.EventMessage, Payload: "hi", TS: time.Now()},
	}
	turns := buildConversationWindow(events, 10)
	if len(turns) != 1 || turns[0].EvidenceID == nil || *turns[0].EvidenceID != "e2" {
		t.Fatalf("expected only the string-payload event to yield a turn, got %+v", turns)
	}
}

// Conversation window ordering ties break by event_id (spec.md §3): two
// events sharing a timestamp must still sort deterministically.
func TestConversationWindowTiesBreakByEventID(t *testing.T) {
	ts := time.Now()
	events := []memtypes.Event{
		{EventID: "z", Kind: memtypes.EventMessage, Payload: "second", TS: ts},
		{EventID: "a", Kind: memtypes.EventMessage, Payload: "first", TS: ts},
	}
	turns := buildConversationWindow(events, 10)
	if len(turns) != 2 || turns[0].EvidenceID == nil || turns[1].EvidenceID == nil {
		t.Fatalf("expected 2 turns with evidence ids, got %+v", turns)
	}
	if *turns[0].EvidenceID != "a" || *turns[1].EvidenceID != "z" {
		t.Fatalf("expected equal-ts turns ordered by event_id ascending, got %+v", turns)
	}
}
