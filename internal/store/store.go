package store

import (
	"time"

	"github.com/KafClaw/engram/internal/memtypes"
)

// TimeRangeFilter bounds a query by timestamp; either end may be omitted.
type TimeRangeFilter struct {
	Start *time.Time
	End   *time.Time
}

// FactFilter narrows a ListFacts call.
type FactFilter struct {
	Status  []memtypes.FactStatus
	ValidAt *time.Time
	Limit   *int
}

// EpisodeFilter narrows a ListEpisodes call. Tags/Entities are OR'd within
// themselves and AND'd against each other (an episode must match at least
// one requested tag AND at least one requested entity, when both are set).
type EpisodeFilter struct {
	TimeRange *TimeRangeFilter
	Tags      []string
	Entities  []string
	Limit     *int
}

// InsightFilter narrows a ListInsights call.
type InsightFilter struct {
	ValidationState []memtypes.ValidationState
	Limit           *int
}

// Store is the backend-agnostic contract every memory backend implements.
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	AppendEvent(event memtypes.Event) error
	ListEvents(scope memtypes.Scope, timeRange TimeRangeFilter, limit *int) ([]memtypes.Event, error)

	GetWorkingState(scope memtypes.Scope) (*memtypes.WorkingState, error)
	PatchWorkingState(scope memtypes.Scope, patch memtypes.WorkingStatePatch) (memtypes.WorkingState, error)

	GetStm(scope memtypes.Scope) (*memtypes.StmState, error)
	UpdateStm(scope memtypes.Scope, stm memtypes.StmState) error

	ListFacts(scope memtypes.Scope, filter FactFilter) ([]memtypes.Fact, error)
	UpsertFact(scope memtypes.Scope, fact memtypes.Fact) error

	ListEpisodes(scope memtypes.Scope, filter EpisodeFilter) ([]memtypes.Episode, error)
	AppendEpisode(scope memtypes.Scope, episode memtypes.Episode) error

	ListProcedures(scope memtypes.Scope, taskType string, limit *int) ([]memtypes.Procedure, error)
	UpsertProcedure(scope memtypes.Scope, procedure memtypes.Procedure) error

	ListInsights(scope memtypes.Scope, filter InsightFilter) ([]memtypes.InsightItem, error)
	AppendInsight(scope memtypes.Scope, insight memtypes.InsightItem) error

	WriteContextBuild(scope memtypes.Scope, packet memtypes.MemoryPacket) error
	ListContextBuilds(scope memtypes.Scope, limit *int) ([]memtypes.MemoryPacket, error)
}

func applyLimit[T any](items []T, limit *int) []T {
	if limit != nil && len(items) > *limit {
		return items[:*limit]
	}
	return items
}
