// Package composer assembles a memtypes.MemoryPacket from a Store: it loads
// working/short-term state and long-term candidates, ranks and truncates
// each section deterministically, gates insight visibility by purpose,
// enforces a total-candidate limit, collects and dedups citations, and
// trims the assembled packet to fit a token budget.
package composer

import (
	"encoding/json"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/engram/internal/memtypes"
	"github.com/KafClaw/engram/internal/store"
)

// RecallCues narrows long-term recall by tag, entity, keyword and time range.
type RecallCues struct {
	Tags      []string
	Entities  []string
	Keywords  []string
	TimeRange *store.TimeRangeFilter
}

// RecallPolicy bounds how many candidates of each kind are considered and
// under what conditions insights are surfaced.
type RecallPolicy struct {
	MaxTotalCandidates        int
	MaxFacts                  int
	MaxProcedures             int
	MaxEpisodes               int
	MaxInsights               int
	MaxKeyQuotes              int
	ConversationWindow        int
	EpisodeTimeWindowDays     int
	LastToolEvidenceLimit     int
	IncludeConversationWindow bool
	IncludeInsightsInTool     bool
	AllowInsightsInResponder  bool
}

// DefaultRecallPolicy matches the reference implementation's defaults.
func DefaultRecallPolicy() RecallPolicy {
	return RecallPolicy{
		MaxTotalCandidates:        100,
		MaxFacts:                  30,
		MaxProcedures:             5,
		MaxEpisodes:               20,
		MaxInsights:               10,
		MaxKeyQuotes:              10,
		ConversationWindow:        5,
		EpisodeTimeWindowDays:     30,
		LastToolEvidenceLimit:     3,
		IncludeConversationWindow: false,
		IncludeInsightsInTool:     false,
		AllowInsightsInResponder:  false,
	}
}

// DefaultBudget matches the reference implementation's default budget.
func DefaultBudget() memtypes.Budget {
	return memtypes.Budget{MaxTokens: 2048, PerSection: map[string]uint32{}}
}

// BuildRequest describes one memory-packet build.
type BuildRequest struct {
	Scope    memtypes.Scope
	Purpose  memtypes.Purpose
	TaskType string
	Cues     RecallCues
	Budget   memtypes.Budget
	PolicyID string
	Policy   RecallPolicy
	Persist  bool
}

// NewBuildRequest returns a request with the reference implementation's
// defaults: policy_id "default", the default recall policy and budget, and
// persist enabled.
func NewBuildRequest(scope memtypes.Scope, purpose memtypes.Purpose) BuildRequest {
	return BuildRequest{
		Scope:    scope,
		Purpose:  purpose,
		Budget:   DefaultBudget(),
		PolicyID: "default",
		Policy:   DefaultRecallPolicy(),
		Persist:  true,
	}
}

// Build assembles a memory packet for the given request by reading from s.
func Build(s store.Store, request BuildRequest) (memtypes.MemoryPacket, error) {
	now := time.Now().UTC()
	taskType := request.TaskType
	if taskType == "" {
		taskType = "generic"
	}

	workingState, err := s.GetWorkingState(request.Scope)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}
	if workingState == nil {
		workingState = &memtypes.WorkingState{}
	}

	stmState, err := s.GetStm(request.Scope)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}
	if stmState == nil {
		stmState = &memtypes.StmState{}
	}

	shortTerm, err := buildShortTerm(*workingState, *stmState, s, request)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}

	facts, err := loadFacts(s, request.Scope, now, request.Policy.MaxFacts)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}
	procedures, err := loadProcedures(s, request.Scope, taskType, request.Policy.MaxProcedures)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}
	episodes, err := loadEpisodes(s, request.Scope, request, now)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}
	insight, err := loadInsights(s, request.Scope, request)
	if err != nil {
		return memtypes.MemoryPacket{}, err
	}

	longTerm := memtypes.LongTerm{
		Facts:      facts,
		Procedures: procedures,
		Episodes:   episodes,
	}

	enforceTotalCandidateLimit(request.Policy, &longTerm, &insight)

	citations := collectCitations(shortTerm, longTerm, insight)
	sort.Slice(citations, func(i, j int) bool {
		ki, kj := citationSortKey(citations[i]), citationSortKey(citations[j])
		if ki[0] != kj[0] {
			return ki[0] < kj[0]
		}
		return ki[1] < kj[1]
	})

	meta := memtypes.Meta{
		SchemaVersion: memtypes.DefaultSchemaVersion,
		Scope:         request.Scope,
		GeneratedAt:   now,
		Purpose:       request.Purpose,
		TaskType:      taskType,
		Cues:          cuesToJSON(request.Cues),
		Budget:        request.Budget,
		PolicyID:      request.PolicyID,
	}

	packet := memtypes.MemoryPacket{
		Meta:      meta,
		ShortTerm: shortTerm,
		LongTerm:  longTerm,
		Insight:   insight,
		Citations: citations,
	}

	applyBudget(request, &packet)

	if request.Persist {
		// Persistence failures are not fatal to a build: the caller still
		// gets a correct packet, they just lose the context_build record.
		_ = s.WriteContextBuild(request.Scope, packet)
	}

	return packet, nil
}

func buildShortTerm(workingState memtypes.WorkingState, stmState memtypes.StmState, s store.Store, request BuildRequest) (memtypes.ShortTerm, error) {
	shortTerm := memtypes.ShortTerm{
		WorkingState:   workingState,
		RollingSummary: stmState.RollingSummary,
	}
	shortTerm.OpenLoops = append([]string(nil), stmState.OpenLoops...)

	shortTerm.KeyQuotes = append([]memtypes.KeyQuote(nil), stmState.KeyQuotes...)
	if len(shortTerm.KeyQuotes) > request.Policy.MaxKeyQuotes {
		shortTerm.KeyQuotes = shortTerm.KeyQuotes[:request.Policy.MaxKeyQuotes]
	}

	shortTerm.LastToolEvidence = append([]memtypes.EvidenceRef(nil), workingState.ToolEvidence...)
	if len(shortTerm.LastToolEvidence) > request.Policy.LastToolEvidenceLimit {
		shortTerm.LastToolEvidence = shortTerm.LastToolEvidence[len(shortTerm.LastToolEvidence)-request.Policy.LastToolEvidenceLimit:]
	}

	if request.Policy.IncludeConversationWindow {
		events, err := s.ListEvents(request.Scope, store.TimeRangeFilter{}, nil)
		if err != nil {
			return memtypes.ShortTerm{}, err
		}
		shortTerm.ConversationWindow = buildConversationWindow(events, request.Policy.ConversationWindow)
	}

	return shortTerm, nil
}

func loadFacts(s store.Store, scope memtypes.Scope, now time.Time, maxFacts int) ([]memtypes.Fact, error) {
	facts, err := s.ListFacts(scope, store.FactFilter{
		Status:  []memtypes.FactStatus{memtypes.FactActive},
		ValidAt: &now,
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(facts, func(i, j int) bool {
		if facts[i].FactKey != facts[j].FactKey {
			return facts[i].FactKey < facts[j].FactKey
		}
		return facts[i].FactID < facts[j].FactID
	})

	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}
	return facts, nil
}

func loadProcedures(s store.Store, scope memtypes.Scope, taskType string, maxProcedures int) ([]memtypes.Procedure, error) {
	procedures, err := s.ListProcedures(scope, taskType, nil)
	if err != nil {
		return nil, err
	}

	sort.Slice(procedures, func(i, j int) bool {
		if procedures[i].Priority != procedures[j].Priority {
			return procedures[i].Priority > procedures[j].Priority
		}
		return procedures[i].ProcedureID < procedures[j].ProcedureID
	})

	if len(procedures) > maxProcedures {
		procedures = procedures[:maxProcedures]
	}
	return procedures, nil
}

func loadEpisodes(s store.Store, scope memtypes.Scope, request BuildRequest, now time.Time) ([]memtypes.Episode, error) {
	filter := store.EpisodeFilter{Tags: request.Cues.Tags, Entities: request.Cues.Entities}
	if request.Cues.TimeRange != nil {
		filter.TimeRange = request.Cues.TimeRange
	} else {
		start := now.AddDate(0, 0, -request.Policy.EpisodeTimeWindowDays)
		filter.TimeRange = &store.TimeRangeFilter{Start: &start, End: &now}
	}

	episodes, err := s.ListEpisodes(scope, filter)
	if err != nil {
		return nil, err
	}

	for i := range episodes {
		score := computeRecencyScore(episodes[i], now)
		episodes[i].RecencyScore = &score
	}

	sort.Slice(episodes, func(i, j int) bool {
		si, sj := recencyOf(episodes[i]), recencyOf(episodes[j])
		if si != sj {
			return si > sj
		}
		return episodes[i].EpisodeID < episodes[j].EpisodeID
	})

	if len(episodes) > request.Policy.MaxEpisodes {
		episodes = episodes[:request.Policy.MaxEpisodes]
	}
	return episodes, nil
}

func recencyOf(e memtypes.Episode) float64 {
	if e.RecencyScore == nil {
		return 0
	}
	return *e.RecencyScore
}

func computeRecencyScore(episode memtypes.Episode, now time.Time) float64 {
	days := now.Sub(episode.TimeRange.Start).Seconds() / 86400.0
	if days < 0 {
		days = 0
	}
	return 1.0 / (1.0 + days)
}

func loadInsights(s store.Store, scope memtypes.Scope, request BuildRequest) (memtypes.Insight, error) {
	includeInsights := false
	switch request.Purpose {
	case memtypes.PurposePlanner:
		includeInsights = true
	case memtypes.PurposeTool:
		includeInsights = request.Policy.IncludeInsightsInTool
	case memtypes.PurposeResponder:
		includeInsights = request.Policy.AllowInsightsInResponder
	}

	if !includeInsights {
		return memtypes.Insight{
			UsagePolicy: memtypes.UsagePolicy{AllowInResponder: request.Policy.AllowInsightsInResponder},
		}, nil
	}

	items, err := s.ListInsights(scope, store.InsightFilter{
		ValidationState: []memtypes.ValidationState{
			memtypes.ValidationValidated,
			memtypes.ValidationTesting,
			memtypes.ValidationUnvalidated,
		},
	})
	if err != nil {
		return memtypes.Insight{}, err
	}

	sort.Slice(items, func(i, j int) bool {
		ki, kj := insightSortKey(items[i]), insightSortKey(items[j])
		if ki.stateRank != kj.stateRank {
			return ki.stateRank > kj.stateRank
		}
		if ki.confidenceRank != kj.confidenceRank {
			return ki.confidenceRank > kj.confidenceRank
		}
		// The whole (state_rank, confidence_bucket, id) tuple sorts
		// descending as a unit, so equal-ranked insights break ties by id
		// descending too, not ascending.
		return ki.id > kj.id
	})

	if len(items) > request.Policy.MaxInsights {
		items = items[:request.Policy.MaxInsights]
	}

	return bucketInsights(items, request.Policy.AllowInsightsInResponder), nil
}

func bucketInsights(items []memtypes.InsightItem, allowInResponder bool) memtypes.Insight {
	insight := memtypes.Insight{UsagePolicy: memtypes.UsagePolicy{AllowInResponder: allowInResponder}}
	for _, item := range items {
		switch item.Kind {
		case memtypes.InsightHypothesis:
			insight.Hypotheses = append(insight.Hypotheses, item)
		case memtypes.InsightStrategy:
			insight.StrategySketches = append(insight.StrategySketches, item)
		case memtypes.InsightPattern:
			insight.Patterns = append(insight.Patterns, item)
		}
	}
	return insight
}

type insightKey struct {
	stateRank      int
	confidenceRank int
	id             string
}

func insightSortKey(item memtypes.InsightItem) insightKey {
	stateRank := 0
	switch item.ValidationState {
	case memtypes.ValidationValidated:
		stateRank = 3
	case memtypes.ValidationTesting:
		stateRank = 2
	case memtypes.ValidationUnvalidated:
		stateRank = 1
	case memtypes.ValidationRejected:
		stateRank = 0
	}
	return insightKey{stateRank: stateRank, confidenceRank: int(item.Confidence * 1000), id: item.ID}
}

func buildConversationWindow(events []memtypes.Event, limit int) []memtypes.ConversationTurn {
	var turns []memtypes.ConversationTurn
	for _, event := range events {
		if turn, ok := eventToTurn(event); ok {
			turns = append(turns, turn)
		}
	}

	sort.SliceStable(turns, func(i, j int) bool {
		ti, tj := turns[i].TS, turns[j].TS
		if ti == nil || tj == nil {
			return false
		}
		if !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return evidenceIDOf(turns[i].EvidenceID) < evidenceIDOf(turns[j].EvidenceID)
	})

	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}

func eventToTurn(event memtypes.Event) (memtypes.ConversationTurn, bool) {
	if event.Kind != memtypes.EventMessage {
		return memtypes.ConversationTurn{}, false
	}
	content, role, ok := parseEventPayload(event.Payload)
	if !ok {
		return memtypes.ConversationTurn{}, false
	}
	eventID := event.EventID
	ts := event.TS
	return memtypes.ConversationTurn{Role: role, Content: content, EvidenceID: &eventID, TS: &ts}, true
}

func parseEventPayload(payload any) (string, memtypes.Role, bool) {
	switch v := payload.(type) {
	case string:
		return v, memtypes.RoleUser, true
	case map[string]any:
		content, ok := v["content"].(string)
		if !ok {
			content, ok = v["text"].(string)
		}
		if !ok {
			return "", "", false
		}
		role := memtypes.RoleUser
		if r, ok := v["role"].(string); ok {
			if parsed, ok := parseRole(r); ok {
				role = parsed
			}
		}
		return content, role, true
	default:
		return "", "", false
	}
}

func parseRole(value string) (memtypes.Role, bool) {
	switch memtypes.Role(value) {
	case memtypes.RoleUser, memtypes.RoleAssistant, memtypes.RoleTool:
		return memtypes.Role(value), true
	default:
		return "", false
	}
}

func cuesToJSON(cues RecallCues) map[string]any {
	m := map[string]any{}
	if len(cues.Tags) > 0 {
		m["tags"] = cues.Tags
	}
	if len(cues.Entities) > 0 {
		m["entities"] = cues.Entities
	}
	if len(cues.Keywords) > 0 {
		m["keywords"] = cues.Keywords
	}
	if cues.TimeRange != nil {
		m["time_range"] = map[string]any{"start": cues.TimeRange.Start, "end": cues.TimeRange.End}
	}
	return m
}

func collectCitations(shortTerm memtypes.ShortTerm, longTerm memtypes.LongTerm, insight memtypes.Insight) []memtypes.Citation {
	seen := map[string]memtypes.Citation{}

	add := func(id string, kind memtypes.CitationType, ts *time.Time, summary string) {
		key := id + "|" + string(kind)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = memtypes.Citation{ID: id, Kind: kind, TS: ts, Summary: summary}
	}

	for _, q := range shortTerm.KeyQuotes {
		add(q.EvidenceID, memtypes.CitationMessage, q.TS, q.Quote)
	}
	for _, e := range shortTerm.LastToolEvidence {
		add(e.EvidenceID, evidenceKindToCitation(e.Kind), nil, e.Summary)
	}
	for _, f := range longTerm.Facts {
		for _, src := range f.Sources {
			add(src, memtypes.CitationMessage, nil, "")
		}
	}
	for _, e := range longTerm.Episodes {
		for _, src := range e.Sources {
			add(src, memtypes.CitationMessage, nil, "")
		}
	}
	for _, p := range longTerm.Procedures {
		for _, src := range p.Sources {
			add(src, memtypes.CitationMessage, nil, "")
		}
	}
	for _, item := range allInsightItems(insight) {
		for _, src := range item.Sources {
			add(src, memtypes.CitationMessage, nil, "")
		}
	}
	for _, turn := range shortTerm.ConversationWindow {
		if turn.EvidenceID != nil {
			add(*turn.EvidenceID, memtypes.CitationMessage, turn.TS, turn.Content)
		}
	}

	citations := make([]memtypes.Citation, 0, len(seen))
	for _, c := range seen {
		citations = append(citations, c)
	}
	sort.Slice(citations, func(i, j int) bool {
		ki, kj := citationSortKey(citations[i]), citationSortKey(citations[j])
		if ki[0] != kj[0] {
			return ki[0] < kj[0]
		}
		return ki[1] < kj[1]
	})
	return citations
}

func allInsightItems(insight memtypes.Insight) []memtypes.InsightItem {
	items := make([]memtypes.InsightItem, 0, len(insight.Hypotheses)+len(insight.StrategySketches)+len(insight.Patterns))
	items = append(items, insight.Hypotheses...)
	items = append(items, insight.StrategySketches...)
	items = append(items, insight.Patterns...)
	return items
}

func citationSortKey(c memtypes.Citation) [2]string {
	return [2]string{c.ID, string(c.Kind)}
}

func evidenceKindToCitation(kind string) memtypes.CitationType {
	switch kind {
	case "tool_result":
		return memtypes.CitationToolResult
	case "state_patch":
		return memtypes.CitationStatePatch
	default:
		return memtypes.CitationMessage
	}
}

func enforceTotalCandidateLimit(policy RecallPolicy, longTerm *memtypes.LongTerm, insight *memtypes.Insight) {
	total := len(longTerm.Facts) + len(longTerm.Procedures) + len(longTerm.Episodes) + insightTotal(*insight)

	for total > policy.MaxTotalCandidates {
		switch {
		case len(insight.Hypotheses) > 0:
			insight.Hypotheses = insight.Hypotheses[:len(insight.Hypotheses)-1]
		case len(insight.StrategySketches) > 0:
			insight.StrategySketches = insight.StrategySketches[:len(insight.StrategySketches)-1]
		case len(insight.Patterns) > 0:
			insight.Patterns = insight.Patterns[:len(insight.Patterns)-1]
		case len(longTerm.Episodes) > 0:
			longTerm.Episodes = longTerm.Episodes[:len(longTerm.Episodes)-1]
		case len(longTerm.Procedures) > 0:
			longTerm.Procedures = longTerm.Procedures[:len(longTerm.Procedures)-1]
		case len(longTerm.Facts) > 0:
			longTerm.Facts = longTerm.Facts[:len(longTerm.Facts)-1]
		default:
			return
		}
		total = len(longTerm.Facts) + len(longTerm.Procedures) + len(longTerm.Episodes) + insightTotal(*insight)
	}
}

func insightTotal(insight memtypes.Insight) int {
	return len(insight.Hypotheses) + len(insight.StrategySketches) + len(insight.Patterns)
}

func applyBudget(request BuildRequest, packet *memtypes.MemoryPacket) {
	report := memtypes.BudgetReport{MaxTokens: request.Budget.MaxTokens}

	var omissions []any
	trimToBudget(request, packet, &omissions)
	report.Omissions = omissions
	report.Degradations = []any{}

	sectionUsage := computeSectionUsage(packet)
	var used uint32
	for _, v := range sectionUsage {
		used += v
	}
	report.UsedTokensEst = used
	report.SectionUsage = toAnyMap(sectionUsage)

	packet.BudgetReport = report
	packet.Explain = buildExplain(request, packet)
}

func toAnyMap(m map[string]uint32) map[string]uint32 {
	return m
}

func trimToBudget(request BuildRequest, packet *memtypes.MemoryPacket, omissions *[]any) {
	applyPerSectionBudgets(request, packet, omissions)

	if request.Budget.MaxTokens == 0 {
		return
	}

	total := estimatePacketTokens(packet)
	for total > request.Budget.MaxTokens {
		dropped := dropLastInsight(&packet.Insight, omissions) ||
			dropLastEpisode(&packet.LongTerm.Episodes, omissions) ||
			dropOldestTurn(&packet.ShortTerm.ConversationWindow, omissions) ||
			dropLastProcedure(&packet.LongTerm.Procedures, omissions) ||
			dropLastFact(&packet.LongTerm.Facts, omissions) ||
			dropLastKeyQuote(&packet.ShortTerm.KeyQuotes, omissions)

		if !dropped {
			break
		}
		total = estimatePacketTokens(packet)
	}
}

func applyPerSectionBudgets(request BuildRequest, packet *memtypes.MemoryPacket, omissions *[]any) {
	if limit, ok := perSectionLimit(request.Budget, "facts"); ok {
		trimFactsToBudget(&packet.LongTerm.Facts, limit, omissions)
	}
	if limit, ok := perSectionLimit(request.Budget, "procedures"); ok {
		trimProceduresToBudget(&packet.LongTerm.Procedures, limit, omissions)
	}
	if limit, ok := perSectionLimit(request.Budget, "episodes"); ok {
		trimEpisodesToBudget(&packet.LongTerm.Episodes, limit, omissions)
	}
	if limit, ok := perSectionLimit(request.Budget, "insight"); ok {
		trimInsightToBudget(&packet.Insight, limit, omissions)
	}
	if limit, ok := perSectionLimit(request.Budget, "key_quotes"); ok {
		trimKeyQuotesToBudget(&packet.ShortTerm.KeyQuotes, limit, omissions)
	}
	if limit, ok := perSectionLimit(request.Budget, "conversation_window"); ok {
		trimTurnsToBudget(&packet.ShortTerm.ConversationWindow, limit, omissions)
	}
}

func perSectionLimit(budget memtypes.Budget, key string) (uint32, bool) {
	v, ok := budget.PerSection[key]
	return v, ok
}

func trimFactsToBudget(items *[]memtypes.Fact, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*items) > maxTokens && len(*items) > 0 {
		last := (*items)[len(*items)-1]
		*items = (*items)[:len(*items)-1]
		*omissions = append(*omissions, omission("facts", last.FactID, "section_budget"))
	}
}

func trimProceduresToBudget(items *[]memtypes.Procedure, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*items) > maxTokens && len(*items) > 0 {
		last := (*items)[len(*items)-1]
		*items = (*items)[:len(*items)-1]
		*omissions = append(*omissions, omission("procedures", last.ProcedureID, "section_budget"))
	}
}

func trimEpisodesToBudget(items *[]memtypes.Episode, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*items) > maxTokens && len(*items) > 0 {
		last := (*items)[len(*items)-1]
		*items = (*items)[:len(*items)-1]
		*omissions = append(*omissions, omission("episodes", last.EpisodeID, "section_budget"))
	}
}

func trimKeyQuotesToBudget(items *[]memtypes.KeyQuote, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*items) > maxTokens && len(*items) > 0 {
		last := (*items)[len(*items)-1]
		*items = (*items)[:len(*items)-1]
		*omissions = append(*omissions, omission("key_quotes", last.EvidenceID, "section_budget"))
	}
}

func trimTurnsToBudget(turns *[]memtypes.ConversationTurn, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*turns) > maxTokens && len(*turns) > 0 {
		dropped := (*turns)[0]
		*turns = (*turns)[1:]
		*omissions = append(*omissions, omission("conversation_window", evidenceIDOf(dropped.EvidenceID), "section_budget"))
	}
}

func trimInsightToBudget(insight *memtypes.Insight, maxTokens uint32, omissions *[]any) {
	for estimateTokens(*insight) > maxTokens {
		if len(insight.Hypotheses) > 0 {
			item := insight.Hypotheses[len(insight.Hypotheses)-1]
			insight.Hypotheses = insight.Hypotheses[:len(insight.Hypotheses)-1]
			*omissions = append(*omissions, omission("insight.hypotheses", item.ID, "section_budget"))
		} else if len(insight.StrategySketches) > 0 {
			item := insight.StrategySketches[len(insight.StrategySketches)-1]
			insight.StrategySketches = insight.StrategySketches[:len(insight.StrategySketches)-1]
			*omissions = append(*omissions, omission("insight.strategy_sketches", item.ID, "section_budget"))
		} else if len(insight.Patterns) > 0 {
			item := insight.Patterns[len(insight.Patterns)-1]
			insight.Patterns = insight.Patterns[:len(insight.Patterns)-1]
			*omissions = append(*omissions, omission("insight.patterns", item.ID, "section_budget"))
		} else {
			break
		}
	}
}

func dropLastInsight(insight *memtypes.Insight, omissions *[]any) bool {
	if len(insight.Hypotheses) > 0 {
		item := insight.Hypotheses[len(insight.Hypotheses)-1]
		insight.Hypotheses = insight.Hypotheses[:len(insight.Hypotheses)-1]
		*omissions = append(*omissions, omission("insight.hypotheses", item.ID, "budget"))
		return true
	}
	if len(insight.StrategySketches) > 0 {
		item := insight.StrategySketches[len(insight.StrategySketches)-1]
		insight.StrategySketches = insight.StrategySketches[:len(insight.StrategySketches)-1]
		*omissions = append(*omissions, omission("insight.strategy_sketches", item.ID, "budget"))
		return true
	}
	if len(insight.Patterns) > 0 {
		item := insight.Patterns[len(insight.Patterns)-1]
		insight.Patterns = insight.Patterns[:len(insight.Patterns)-1]
		*omissions = append(*omissions, omission("insight.patterns", item.ID, "budget"))
		return true
	}
	return false
}

func dropLastEpisode(episodes *[]memtypes.Episode, omissions *[]any) bool {
	if len(*episodes) == 0 {
		return false
	}
	item := (*episodes)[len(*episodes)-1]
	*episodes = (*episodes)[:len(*episodes)-1]
	*omissions = append(*omissions, omission("episodes", item.EpisodeID, "budget"))
	return true
}

func dropOldestTurn(turns *[]memtypes.ConversationTurn, omissions *[]any) bool {
	if len(*turns) == 0 {
		return false
	}
	dropped := (*turns)[0]
	*turns = (*turns)[1:]
	*omissions = append(*omissions, omission("conversation_window", evidenceIDOf(dropped.EvidenceID), "budget"))
	return true
}

func dropLastProcedure(procedures *[]memtypes.Procedure, omissions *[]any) bool {
	if len(*procedures) == 0 {
		return false
	}
	item := (*procedures)[len(*procedures)-1]
	*procedures = (*procedures)[:len(*procedures)-1]
	*omissions = append(*omissions, omission("procedures", item.ProcedureID, "budget"))
	return true
}

func dropLastFact(facts *[]memtypes.Fact, omissions *[]any) bool {
	if len(*facts) == 0 {
		return false
	}
	item := (*facts)[len(*facts)-1]
	*facts = (*facts)[:len(*facts)-1]
	*omissions = append(*omissions, omission("facts", item.FactID, "budget"))
	return true
}

func dropLastKeyQuote(quotes *[]memtypes.KeyQuote, omissions *[]any) bool {
	if len(*quotes) == 0 {
		return false
	}
	item := (*quotes)[len(*quotes)-1]
	*quotes = (*quotes)[:len(*quotes)-1]
	*omissions = append(*omissions, omission("key_quotes", item.EvidenceID, "budget"))
	return true
}

func evidenceIDOf(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func omission(section, id, reason string) map[string]any {
	return map[string]any{"section": section, "id": id, "reason": reason}
}

func estimatePacketTokens(packet *memtypes.MemoryPacket) uint32 {
	var total uint32
	total += estimateTokens(packet.ShortTerm.WorkingState)
	total += estimateTokens(packet.ShortTerm.RollingSummary)
	total += estimateTokens(packet.ShortTerm.KeyQuotes)
	total += estimateTokens(packet.ShortTerm.ConversationWindow)
	total += estimateTokens(packet.ShortTerm.OpenLoops)
	total += estimateTokens(packet.LongTerm.Facts)
	total += estimateTokens(packet.LongTerm.Procedures)
	total += estimateTokens(packet.LongTerm.Episodes)
	total += estimateTokens(packet.Insight)
	return total
}

func computeSectionUsage(packet *memtypes.MemoryPacket) map[string]uint32 {
	return map[string]uint32{
		"working_state":       estimateTokens(packet.ShortTerm.WorkingState),
		"rolling_summary":     estimateTokens(packet.ShortTerm.RollingSummary),
		"key_quotes":          estimateTokens(packet.ShortTerm.KeyQuotes),
		"conversation_window": estimateTokens(packet.ShortTerm.ConversationWindow),
		"open_loops":          estimateTokens(packet.ShortTerm.OpenLoops),
		"facts":               estimateTokens(packet.LongTerm.Facts),
		"procedures":          estimateTokens(packet.LongTerm.Procedures),
		"episodes":            estimateTokens(packet.LongTerm.Episodes),
		"insight":             estimateTokens(packet.Insight),
	}
}

// estimateTokens approximates token count as ceil(chars/4), floored at 1,
// over the JSON serialization of value. This mirrors the reference
// implementation's estimator exactly so budgets behave the same way.
func estimateTokens(value any) uint32 {
	data, err := json.Marshal(value)
	if err != nil {
		return 1
	}
	chars := utf8.RuneCount(data)
	tokens := uint32((chars + 3) / 4)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func buildExplain(request BuildRequest, packet *memtypes.MemoryPacket) map[string]any {
	return map[string]any{
		"policy_id": request.PolicyID,
		"candidate_counts": map[string]any{
			"facts":      len(packet.LongTerm.Facts),
			"procedures": len(packet.LongTerm.Procedures),
			"episodes":   len(packet.LongTerm.Episodes),
			"insights":   insightTotal(packet.Insight),
		},
		"candidate_limits": map[string]any{
			"max_total":  request.Policy.MaxTotalCandidates,
			"facts":      request.Policy.MaxFacts,
			"procedures": request.Policy.MaxProcedures,
			"episodes":   request.Policy.MaxEpisodes,
			"insights":   request.Policy.MaxInsights,
		},
		"time_window_days": request.Policy.EpisodeTimeWindowDays,
		"determinism": map[string]any{
			"facts":      "fact_key, fact_id",
			"procedures": "priority desc, procedure_id",
			"episodes":   "recency_score desc, episode_id",
			"insights":   "validation_state desc, confidence desc, id",
		},
	}
}
