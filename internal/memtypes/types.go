// Package memtypes defines the wire- and storage-level data model for engram
// memory packets: scopes, events, working/short-term state, long-term
// knowledge (facts, procedures, episodes), insights, citations and the
// assembled memory packet itself.
package memtypes

import "time"

// Scope identifies the five-level addressing tuple every memory record and
// query is partitioned by: tenant, user, agent, session, run.
type Scope struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

// WithDefaults returns a copy of the scope with TenantID defaulted to
// "default" when empty, matching the reference engram implementation.
func (s Scope) WithDefaults() Scope {
	if s.TenantID == "" {
		s.TenantID = "default"
	}
	return s
}

// Role identifies the speaker of a conversation turn or quote.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Purpose identifies who a built memory packet is for, gating insight
// visibility and shaping composer defaults.
type Purpose string

const (
	PurposePlanner   Purpose = "planner"
	PurposeTool      Purpose = "tool"
	PurposeResponder Purpose = "responder"
)

// EventKind classifies an appended event.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventToolResult EventKind = "tool_result"
	EventStatePatch EventKind = "state_patch"
	EventSystem     EventKind = "system"
)

// Event is an immutable, append-only record scoped to a run.
type Event struct {
	EventID  string         `json:"event_id"`
	Scope    Scope          `json:"scope"`
	TS       time.Time      `json:"ts"`
	Kind     EventKind      `json:"kind"`
	Payload  any            `json:"payload"`
	Tags     []string       `json:"tags"`
	Entities []string       `json:"entities"`
}

// WorkingState is the run-scoped working-memory document: goal, plan,
// slots, constraints, accumulated tool evidence, decisions and risks.
type WorkingState struct {
	Goal          string         `json:"goal"`
	Plan          []string       `json:"plan"`
	Slots         map[string]any `json:"slots"`
	Constraints   map[string]any `json:"constraints"`
	ToolEvidence  []EvidenceRef  `json:"tool_evidence"`
	Decisions     []string       `json:"decisions"`
	Risks         []string       `json:"risks"`
	StateVersion  uint32         `json:"state_version"`
}

// WorkingStatePatch carries an optional overwrite for each WorkingState
// field. Goal is applied when non-nil; each slice or map field is applied
// when its matching ...Set flag is true (even if the value is nil) and left
// untouched otherwise. StateVersion, when set, is adopted
// verbatim; otherwise any touched patch increments the current version by
// one (saturating at the uint32 max).
type WorkingStatePatch struct {
	Goal         *string
	Plan         []string
	PlanSet      bool
	Slots        map[string]any
	SlotsSet     bool
	Constraints  map[string]any
	ConstraintsSet bool
	ToolEvidence []EvidenceRef
	ToolEvidenceSet bool
	Decisions    []string
	DecisionsSet bool
	Risks        []string
	RisksSet     bool
	StateVersion *uint32
}

// EvidenceRef points at supporting evidence (a tool result, a message) by
// id, with a short human summary and a free-form kind label.
type EvidenceRef struct {
	EvidenceID string `json:"evidence_id"`
	Summary    string `json:"summary"`
	Kind       string `json:"kind"`
}

// KeyQuote is a short-term-memory pinned quote from the conversation.
type KeyQuote struct {
	EvidenceID string     `json:"evidence_id"`
	Quote      string     `json:"quote"`
	Role       Role       `json:"role"`
	TS         *time.Time `json:"ts,omitempty"`
}

// ConversationTurn is one turn reconstructed from raw events for the
// conversation window.
type ConversationTurn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	EvidenceID *string    `json:"evidence_id,omitempty"`
	TS         *time.Time `json:"ts,omitempty"`
}

// StmState is the session-scoped short-term memory document.
type StmState struct {
	RollingSummary string     `json:"rolling_summary"`
	KeyQuotes      []KeyQuote `json:"key_quotes"`
	OpenLoops      []string   `json:"open_loops"`
}

// ShortTerm is the short-term-memory section of an assembled packet.
type ShortTerm struct {
	WorkingState        WorkingState       `json:"working_state"`
	RollingSummary      string             `json:"rolling_summary"`
	KeyQuotes           []KeyQuote         `json:"key_quotes"`
	ConversationWindow  []ConversationTurn `json:"conversation_window"`
	OpenLoops           []string           `json:"open_loops"`
	LastToolEvidence    []EvidenceRef      `json:"last_tool_evidence"`
}

// FactStatus is the lifecycle status of a long-term fact.
type FactStatus string

const (
	FactActive     FactStatus = "active"
	FactDisputed   FactStatus = "disputed"
	FactDeprecated FactStatus = "deprecated"
)

// ScopeLevel records at which scope level a fact or preference applies.
type ScopeLevel string

const (
	ScopeLevelUser   ScopeLevel = "user"
	ScopeLevelAgent  ScopeLevel = "agent"
	ScopeLevelTenant ScopeLevel = "tenant"
)

// Validity is the optional time window a fact holds over.
type Validity struct {
	ValidFrom *time.Time `json:"valid_from,omitempty"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// Fact is a single piece of long-term structured knowledge.
type Fact struct {
	FactID     string     `json:"fact_id"`
	FactKey    string     `json:"fact_key"`
	Value      any        `json:"value"`
	Status     FactStatus `json:"status"`
	Validity   Validity   `json:"validity"`
	Confidence float64    `json:"confidence"`
	Sources    []string   `json:"sources"`
	ScopeLevel ScopeLevel `json:"scope_level"`
	Notes      string     `json:"notes"`
}

// Procedure is a reusable task-scoped strategy or playbook.
type Procedure struct {
	ProcedureID   string         `json:"procedure_id"`
	TaskType      string         `json:"task_type"`
	Content       any            `json:"content"`
	Priority      int32          `json:"priority"`
	Sources       []string       `json:"sources"`
	Applicability map[string]any `json:"applicability"`
}

// CompressionLevel records how much an episode summary has been compressed.
type CompressionLevel string

const (
	CompressionRaw          CompressionLevel = "raw"
	CompressionPhaseSummary CompressionLevel = "phase_summary"
	CompressionMilestone    CompressionLevel = "milestone"
	CompressionTheme        CompressionLevel = "theme"
)

// TimeRange bounds an episode; End is nil for an episode still in progress.
type TimeRange struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Episode is a compressed, taggable summary of a span of activity.
type Episode struct {
	EpisodeID        string           `json:"episode_id"`
	TimeRange        TimeRange        `json:"time_range"`
	Summary          string           `json:"summary"`
	Highlights       []string         `json:"highlights"`
	Tags             []string         `json:"tags"`
	Entities         []string         `json:"entities"`
	Sources          []string         `json:"sources"`
	CompressionLevel CompressionLevel `json:"compression_level"`
	RecencyScore     *float64         `json:"recency_score,omitempty"`
}

// InsightType classifies an insight item.
type InsightType string

const (
	InsightHypothesis InsightType = "hypothesis"
	InsightStrategy   InsightType = "strategy"
	InsightPattern    InsightType = "pattern"
)

// InsightTrigger records what produced an insight item.
type InsightTrigger string

const (
	TriggerConflict   InsightTrigger = "conflict"
	TriggerFailure    InsightTrigger = "failure"
	TriggerSynthesis  InsightTrigger = "synthesis"
	TriggerAnalogy    InsightTrigger = "analogy"
)

// ValidationState tracks how much confidence an insight has earned.
type ValidationState string

const (
	ValidationUnvalidated ValidationState = "unvalidated"
	ValidationTesting     ValidationState = "testing"
	ValidationValidated   ValidationState = "validated"
	ValidationRejected    ValidationState = "rejected"
)

// InsightItem is a single hypothesis, strategy sketch or pattern.
type InsightItem struct {
	ID              string          `json:"id"`
	Kind            InsightType     `json:"type"`
	Statement       string          `json:"statement"`
	Trigger         InsightTrigger  `json:"trigger"`
	Confidence      float64         `json:"confidence"`
	ValidationState ValidationState `json:"validation_state"`
	TestsSuggested  []string        `json:"tests_suggested"`
	ExpiresAt       string          `json:"expires_at"`
	Sources         []string        `json:"sources"`
}

// UsagePolicy gates whether insights may be surfaced to a responder purpose.
type UsagePolicy struct {
	AllowInResponder bool `json:"allow_in_responder"`
}

// Insight buckets insight items by kind and carries the usage policy that
// gated their inclusion.
type Insight struct {
	UsagePolicy       UsagePolicy   `json:"usage_policy"`
	Hypotheses        []InsightItem `json:"hypotheses"`
	StrategySketches  []InsightItem `json:"strategy_sketches"`
	Patterns          []InsightItem `json:"patterns"`
}

// LongTerm is the long-term-memory section of an assembled packet.
type LongTerm struct {
	Facts       []Fact      `json:"facts"`
	Preferences []Fact      `json:"preferences"`
	Procedures  []Procedure `json:"procedures"`
	Episodes    []Episode   `json:"episodes"`
}

// CitationType classifies the kind of evidence a citation points to.
type CitationType string

const (
	CitationMessage    CitationType = "message"
	CitationToolResult CitationType = "tool_result"
	CitationStatePatch CitationType = "state_patch"
)

// Citation is a deduplicated pointer to a piece of supporting evidence.
type Citation struct {
	ID      string       `json:"id"`
	Kind    CitationType `json:"type"`
	TS      *time.Time   `json:"ts,omitempty"`
	Summary string       `json:"summary"`
}

// Budget caps the total token estimate of an assembled packet, with
// optional per-section overrides keyed by section name.
type Budget struct {
	MaxTokens  uint32           `json:"max_tokens"`
	PerSection map[string]uint32 `json:"per_section"`
}

// BudgetReport records the outcome of budget enforcement: the budget that
// was applied, the estimated tokens actually used, a per-section
// breakdown, and the items that were degraded or omitted to fit.
type BudgetReport struct {
	MaxTokens     uint32           `json:"max_tokens"`
	UsedTokensEst uint32           `json:"used_tokens_est"`
	SectionUsage  map[string]uint32 `json:"section_usage"`
	Degradations  []any            `json:"degradations"`
	Omissions     []any            `json:"omissions"`
}

// Meta is the header of an assembled memory packet.
type Meta struct {
	SchemaVersion string         `json:"schema_version"`
	Scope         Scope          `json:"scope"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Purpose       Purpose        `json:"purpose"`
	TaskType      string         `json:"task_type"`
	Cues          map[string]any `json:"cues"`
	Budget        Budget         `json:"budget"`
	PolicyID      string         `json:"policy_id"`
}

// MemoryPacket is the complete, budget-enforced context handed to a caller.
type MemoryPacket struct {
	Meta         Meta           `json:"meta"`
	ShortTerm    ShortTerm      `json:"short_term"`
	LongTerm     LongTerm       `json:"long_term"`
	Insight      Insight        `json:"insight"`
	Citations    []Citation     `json:"citations"`
	BudgetReport BudgetReport   `json:"budget_report"`
	Explain      map[string]any `json:"explain"`
}

// DefaultSchemaVersion is the packet-level schema tag stamped on every
// freshly built memory packet.
const DefaultSchemaVersion = "v1"
