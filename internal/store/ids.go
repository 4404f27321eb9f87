package store

import (
	"github.com/google/uuid"

	"github.com/KafClaw/engram/internal/memtypes"
)

// defaultFactID, defaultEpisodeID, defaultProcedureID and defaultInsightID
// assign a random id to a record whose caller left its id field empty,
// the way every backend's Upsert*/Append* path is expected to behave per
// the store contract. Callers that already supply an id keep it verbatim.

func defaultFactID(fact *memtypes.Fact) {
	if fact.FactID == "" {
		fact.FactID = uuid.NewString()
	}
}

func defaultEpisodeID(episode *memtypes.Episode) {
	if episode.EpisodeID == "" {
		episode.EpisodeID = uuid.NewString()
	}
}

func defaultProcedureID(procedure *memtypes.Procedure) {
	if procedure.ProcedureID == "" {
		procedure.ProcedureID = uuid.NewString()
	}
}

func defaultInsightID(insight *memtypes.InsightItem) {
	if insight.ID == "" {
		insight.ID = uuid.NewString()
	}
}
