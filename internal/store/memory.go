package store

import (
	"fmt"
	"sort"

	"github.com/KafClaw/engram/internal/memtypes"
)

// runKey, sessionKey and ltmKey are the three scope-derived map keys the
// in-memory backend partitions state by: run-scoped (working state,
// insights, context builds), session-scoped (short-term memory), and
// tenant/user/agent-scoped (facts, procedures, episodes). Events are kept in
// a single slice and filtered by the full scope on read.
type runKey struct{ tenantID, userID, agentID, sessionID, runID string }
type sessionKey struct{ tenantID, userID, agentID, sessionID string }
type ltmKey struct{ tenantID, userID, agentID string }

func newRunKey(s memtypes.Scope) runKey {
	return runKey{s.TenantID, s.UserID, s.AgentID, s.SessionID, s.RunID}
}

func newSessionKey(s memtypes.Scope) sessionKey {
	return sessionKey{s.TenantID, s.UserID, s.AgentID, s.SessionID}
}

func newLtmKey(s memtypes.Scope) ltmKey {
	return ltmKey{s.TenantID, s.UserID, s.AgentID}
}

// InMemoryStore is the reference Store backend: a process-local map of
// slices guarded by per-table RWMutexes. It has no persistence and is the
// backend used by tests and short-lived tooling.
type InMemoryStore struct {
	eventsMu poisonableRW
	events   []memtypes.Event

	wmMu poisonableRW
	wm   map[runKey]memtypes.WorkingState

	stmMu poisonableRW
	stm   map[sessionKey]memtypes.StmState

	factsMu poisonableRW
	facts   map[ltmKey][]memtypes.Fact

	episodesMu poisonableRW
	episodes   map[ltmKey][]memtypes.Episode

	proceduresMu poisonableRW
	procedures   map[ltmKey][]memtypes.Procedure

	insightsMu poisonableRW
	insights   map[runKey][]memtypes.InsightItem

	buildsMu poisonableRW
	builds   map[runKey][]memtypes.MemoryPacket
}

// NewInMemoryStore returns an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		wm:         make(map[runKey]memtypes.WorkingState),
		stm:        make(map[sessionKey]memtypes.StmState),
		facts:      make(map[ltmKey][]memtypes.Fact),
		episodes:   make(map[ltmKey][]memtypes.Episode),
		procedures: make(map[ltmKey][]memtypes.Procedure),
		insights:   make(map[runKey][]memtypes.InsightItem),
		builds:     make(map[runKey][]memtypes.MemoryPacket),
	}
}

var _ Store = (*InMemoryStore)(nil)

func scopeMatches(a, b memtypes.Scope) bool {
	return a.TenantID == b.TenantID && a.UserID == b.UserID &&
		a.AgentID == b.AgentID && a.SessionID == b.SessionID && a.RunID == b.RunID
}

func (s *InMemoryStore) AppendEvent(event memtypes.Event) error {
	unlock, err := s.eventsMu.lock()
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range s.events {
		if existing.EventID == event.EventID {
			return InvalidInput(fmt.Sprintf("duplicate event_id %q", event.EventID))
		}
	}
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListEvents(scope memtypes.Scope, timeRange TimeRangeFilter, limit *int) ([]memtypes.Event, error) {
	unlock, err := s.eventsMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var results []memtypes.Event
	for _, e := range s.events {
		if !scopeMatches(e.Scope, scope) {
			continue
		}
		if timeRange.Start != nil && e.TS.Before(*timeRange.Start) {
			continue
		}
		if timeRange.End != nil && e.TS.After(*timeRange.End) {
			continue
		}
		results = append(results, e)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].TS.Equal(results[j].TS) {
			return results[i].TS.Before(results[j].TS)
		}
		return results[i].EventID < results[j].EventID
	})
	return applyLimit(results, limit), nil
}

func (s *InMemoryStore) GetWorkingState(scope memtypes.Scope) (*memtypes.WorkingState, error) {
	unlock, err := s.wmMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	ws, ok := s.wm[newRunKey(scope)]
	if !ok {
		return nil, nil
	}
	return &ws, nil
}

func applyWorkingStatePatch(current memtypes.WorkingState, patch memtypes.WorkingStatePatch) memtypes.WorkingState {
	next := current
	touched := false

	if patch.Goal != nil {
		next.Goal = *patch.Goal
		touched = true
	}
	if patch.PlanSet {
		next.Plan = patch.Plan
		touched = true
	}
	if patch.SlotsSet {
		next.Slots = patch.Slots
		touched = true
	}
	if patch.ConstraintsSet {
		next.Constraints = patch.Constraints
		touched = true
	}
	if patch.ToolEvidenceSet {
		next.ToolEvidence = patch.ToolEvidence
		touched = true
	}
	if patch.DecisionsSet {
		next.Decisions = patch.Decisions
		touched = true
	}
	if patch.RisksSet {
		next.Risks = patch.Risks
		touched = true
	}

	if patch.StateVersion != nil {
		next.StateVersion = *patch.StateVersion
	} else if touched {
		if next.StateVersion < ^uint32(0) {
			next.StateVersion++
		}
	}
	return next
}

func (s *InMemoryStore) PatchWorkingState(scope memtypes.Scope, patch memtypes.WorkingStatePatch) (memtypes.WorkingState, error) {
	key := newRunKey(scope)
	unlock, err := s.wmMu.lock()
	if err != nil {
		return memtypes.WorkingState{}, err
	}
	defer unlock()

	current := s.wm[key]
	next := applyWorkingStatePatch(current, patch)
	s.wm[key] = next
	return next, nil
}

func (s *InMemoryStore) GetStm(scope memtypes.Scope) (*memtypes.StmState, error) {
	unlock, err := s.stmMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	stm, ok := s.stm[newSessionKey(scope)]
	if !ok {
		return nil, nil
	}
	return &stm, nil
}

func (s *InMemoryStore) UpdateStm(scope memtypes.Scope, stm memtypes.StmState) error {
	unlock, err := s.stmMu.lock()
	if err != nil {
		return err
	}
	defer unlock()
	s.stm[newSessionKey(scope)] = stm
	return nil
}

func (s *InMemoryStore) ListFacts(scope memtypes.Scope, filter FactFilter) ([]memtypes.Fact, error) {
	unlock, err := s.factsMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var results []memtypes.Fact
	for _, f := range s.facts[newLtmKey(scope)] {
		if filter.Status != nil && !containsStatus(filter.Status, f.Status) {
			continue
		}
		if filter.ValidAt != nil {
			t := *filter.ValidAt
			if f.Validity.ValidFrom != nil && f.Validity.ValidFrom.After(t) {
				continue
			}
			if f.Validity.ValidTo != nil && f.Validity.ValidTo.Before(t) {
				continue
			}
		}
		results = append(results, f)
	}
	return applyLimit(results, filter.Limit), nil
}

func containsStatus(statuses []memtypes.FactStatus, target memtypes.FactStatus) bool {
	for _, s := range statuses {
		if s == target {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) UpsertFact(scope memtypes.Scope, fact memtypes.Fact) error {
	defaultFactID(&fact)
	key := newLtmKey(scope)
	unlock, err := s.factsMu.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry := s.facts[key]
	for i, f := range entry {
		if f.FactID == fact.FactID {
			entry[i] = fact
			s.facts[key] = entry
			return nil
		}
	}
	s.facts[key] = append(entry, fact)
	return nil
}

func (s *InMemoryStore) ListEpisodes(scope memtypes.Scope, filter EpisodeFilter) ([]memtypes.Episode, error) {
	unlock, err := s.episodesMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var results []memtypes.Episode
	for _, e := range s.episodes[newLtmKey(scope)] {
		if filter.TimeRange != nil {
			if filter.TimeRange.Start != nil && e.TimeRange.Start.Before(*filter.TimeRange.Start) {
				continue
			}
			if filter.TimeRange.End != nil {
				end := e.TimeRange.Start
				if e.TimeRange.End != nil {
					end = *e.TimeRange.End
				}
				if end.After(*filter.TimeRange.End) {
					continue
				}
			}
		}
		if len(filter.Tags) > 0 && !anyMatch(e.Tags, filter.Tags) {
			continue
		}
		if len(filter.Entities) > 0 && !anyMatch(e.Entities, filter.Entities) {
			continue
		}
		results = append(results, e)
	}
	return applyLimit(results, filter.Limit), nil
}

func anyMatch(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(needles))
	for _, n := range needles {
		set[n] = struct{}{}
	}
	for _, h := range haystack {
		if _, ok := set[h]; ok {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) AppendEpisode(scope memtypes.Scope, episode memtypes.Episode) error {
	defaultEpisodeID(&episode)
	key := newLtmKey(scope)
	unlock, err := s.episodesMu.lock()
	if err != nil {
		return err
	}
	defer unlock()
	s.episodes[key] = append(s.episodes[key], episode)
	return nil
}

func (s *InMemoryStore) ListProcedures(scope memtypes.Scope, taskType string, limit *int) ([]memtypes.Procedure, error) {
	unlock, err := s.proceduresMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var results []memtypes.Procedure
	for _, p := range s.procedures[newLtmKey(scope)] {
		if p.TaskType == taskType {
			results = append(results, p)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].ProcedureID < results[j].ProcedureID
	})
	return applyLimit(results, limit), nil
}

func (s *InMemoryStore) UpsertProcedure(scope memtypes.Scope, procedure memtypes.Procedure) error {
	defaultProcedureID(&procedure)
	key := newLtmKey(scope)
	unlock, err := s.proceduresMu.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry := s.procedures[key]
	for i, p := range entry {
		if p.ProcedureID == procedure.ProcedureID {
			entry[i] = procedure
			s.procedures[key] = entry
			return nil
		}
	}
	s.procedures[key] = append(entry, procedure)
	return nil
}

func (s *InMemoryStore) ListInsights(scope memtypes.Scope, filter InsightFilter) ([]memtypes.InsightItem, error) {
	unlock, err := s.insightsMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	var results []memtypes.InsightItem
	for _, i := range s.insights[newRunKey(scope)] {
		if filter.ValidationState != nil && !containsValidationState(filter.ValidationState, i.ValidationState) {
			continue
		}
		results = append(results, i)
	}
	return applyLimit(results, filter.Limit), nil
}

func containsValidationState(states []memtypes.ValidationState, target memtypes.ValidationState) bool {
	for _, s := range states {
		if s == target {
			return true
		}
	}
	return false
}

func (s *InMemoryStore) AppendInsight(scope memtypes.Scope, insight memtypes.InsightItem) error {
	defaultInsightID(&insight)
	key := newRunKey(scope)
	unlock, err := s.insightsMu.lock()
	if err != nil {
		return err
	}
	defer unlock()
	s.insights[key] = append(s.insights[key], insight)
	return nil
}

func (s *InMemoryStore) WriteContextBuild(scope memtypes.Scope, packet memtypes.MemoryPacket) error {
	key := newRunKey(scope)
	unlock, err := s.buildsMu.lock()
	if err != nil {
		return err
	}
	defer unlock()
	s.builds[key] = append(s.builds[key], packet)
	return nil
}

func (s *InMemoryStore) ListContextBuilds(scope memtypes.Scope, limit *int) ([]memtypes.MemoryPacket, error) {
	unlock, err := s.buildsMu.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	results := append([]memtypes.MemoryPacket(nil), s.builds[newRunKey(scope)]...)
	return applyLimit(results, limit), nil
}
