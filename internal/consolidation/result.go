package consolidation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Category is the triage outcome for a node.
type Category string

const (
	CategoryConsolidate Category = "consolidate"
	CategoryPrune       Category = "prune"
	CategoryDecay       Category = "decay"
	CategoryProtect     Category = "protect"
)

// TriagedMemory is one entry of the replay queue. It lives only inside a cycle.
type TriagedMemory struct {
	NodeID   string
	Score    float64
	Category Category
	Position int
}

// ConnectionKind describes how two memories relate.
type ConnectionKind string

const (
	ConnectionAnalogy  ConnectionKind = "analogy"
	ConnectionCausal   ConnectionKind = "causal"
	ConnectionThematic ConnectionKind = "thematic"
	ConnectionContrast ConnectionKind = "contrast"
)

// CreativeConnection is a candidate link found in the creative phase.
type CreativeConnection struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Kind     ConnectionKind `json:"kind"`
	Strength float64        `json:"strength"`
	CycleID  string         `json:"cycle_id"`
}

// DreamInsight is a validated connection persisted as a new node.
type DreamInsight struct {
	ID         string         `json:"id"`
	Summary    string         `json:"summary"`
	Supporting []string       `json:"supporting"`
	Kind       ConnectionKind `json:"kind"`
	Confidence float64        `json:"confidence"`
}

// SkippedNode records a per-node failure that was isolated from the cycle.
// The node is left as it was for the next cycle to retry.
type SkippedNode struct {
	ID     string `json:"id"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// PhaseStats are the counts every phase reports.
type PhaseStats struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// TriageStats reports the triage phase.
type TriageStats struct {
	PhaseStats
	Consolidate int `json:"consolidate"`
	Decay       int `json:"decay"`
	Protect     int `json:"protect"`
	Prune       int `json:"prune"`
	// Restored counts Unavailable nodes whose suppression had expired and
	// were returned to their prior state before scoring.
	Restored int `json:"restored"`
}

// DeepStats reports the deep consolidation phase.
type DeepStats struct {
	PhaseStats
	TagsCaptured int `json:"tags_captured"`
	TagsLapsed   int `json:"tags_lapsed"`
	Downscaled   int `json:"downscaled"`
	Transitions  int `json:"transitions"`
}

// CreativeStats reports the creative phase.
type CreativeStats struct {
	PhaseStats
	Sampled      int `json:"sampled"`
	Candidates   int `json:"candidates"`
	Recalibrated int `json:"recalibrated"`
}

// IntegrationStats reports the integration phase.
type IntegrationStats struct {
	PhaseStats
	Accepted             int `json:"accepted"`
	Duplicates           int `json:"duplicates"`
	RejectedPruned       int `json:"rejected_pruned"`
	BelowThreshold       int `json:"below_threshold"`
	Deleted              int `json:"deleted"`
	EmbeddingsDispatched int `json:"embeddings_dispatched"`
}

// FourPhaseDreamResult is the report of one dream cycle.
type FourPhaseDreamResult struct {
	CycleID     string           `json:"cycle_id"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Triage      TriageStats      `json:"triage"`
	Deep        DeepStats        `json:"deep"`
	Creative    CreativeStats    `json:"creative"`
	Integration IntegrationStats `json:"integration"`
	Insights    []DreamInsight   `json:"insights"`
	Skipped     []SkippedNode    `json:"skipped,omitempty"`
	Partial     bool             `json:"partial"`
	Error       string           `json:"error,omitempty"`
}

// ConsolidationResult is the report of one legacy sleep run.
type ConsolidationResult struct {
	CycleID         string        `json:"cycle_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Decayed         int           `json:"decayed"`
	Replayed        int           `json:"replayed"`
	Integrated      int           `json:"integrated"`
	Pruned          int           `json:"pruned"`
	StagesCompleted []string      `json:"stages_completed"`
	Interrupted     bool          `json:"interrupted"`
	Skipped         []SkippedNode `json:"skipped,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Kinds of history records.
const (
	KindDream = "dream"
	KindSleep = "sleep"
)

// HistoryRecord is the append-only log entry written for every cycle.
type HistoryRecord struct {
	CycleID   string                   `json:"cycle_id"`
	Kind      string                   `json:"kind"`
	StartedAt time.Time                `json:"started_at"`
	Durations map[string]time.Duration `json:"durations"`
	Counts    map[string]int           `json:"counts"`
	Partial   bool                     `json:"partial"`
	Error     string                   `json:"error,omitempty"`
}

// HistoryStore persists cycle history.
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec HistoryRecord) error
	// ListHistory returns the newest records first.
	ListHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
}

// MemHistory is an in-memory HistoryStore.
type MemHistory struct {
	mu      sync.RWMutex
	records []HistoryRecord
}

// NewMemHistory creates an empty history.
func NewMemHistory() *MemHistory {
	return &MemHistory{}
}

// AppendHistory stores a copy of rec.
func (h *MemHistory) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, copyRecord(rec))
	return nil
}

// ListHistory returns up to limit records, newest first. A limit <= 0 returns all.
func (h *MemHistory) ListHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryRecord, 0, len(h.records))
	for i := len(h.records) - 1; i >= 0; i-- {
		out = append(out, copyRecord(h.records[i]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRecord(rec HistoryRecord) HistoryRecord {
	c := rec
	c.Durations = make(map[string]time.Duration, len(rec.Durations))
	for k, v := range rec.Durations {
		c.Durations[k] = v
	}
	c.Counts = make(map[string]int, len(rec.Counts))
	for k, v := range rec.Counts {
		c.Counts[k] = v
	}
	return c
}

// record converts a dream report into its history entry.
func (r FourPhaseDreamResult) record() HistoryRecord {
	return HistoryRecord{
		CycleID:   r.CycleID,
		Kind:      KindDream,
		StartedAt: r.StartedAt,
		Durations: map[string]time.Duration{
			"triage":      r.Triage.Duration,
			"deep":        r.Deep.Duration,
			"creative":    r.Creative.Duration,
			"integration": r.Integration.Duration,
			"total":       r.FinishedAt.Sub(r.StartedAt),
		},
		Counts: map[string]int{
			"triaged":               r.Triage.Succeeded,
			"consolidate":           r.Triage.Consolidate,
			"restored":              r.Triage.Restored,
			"decay":                 r.Triage.Decay,
			"protect":               r.Triage.Protect,
			"prune":                 r.Triage.Prune,
			"deep_attempted":        r.Deep.Attempted,
			"deep_succeeded":        r.Deep.Succeeded,
			"tags_captured":         r.Deep.TagsCaptured,
			"downscaled":            r.Deep.Downscaled,
			"candidates":            r.Creative.Candidates,
			"recalibrated":          r.Creative.Recalibrated,
			"insights":              len(r.Insights),
			"deleted":               r.Integration.Deleted,
			"embeddings_dispatched": r.Integration.EmbeddingsDispatched,
			"skipped":               len(r.Skipped),
		},
		Partial: r.Partial,
		Error:   r.Error,
	}
}

// record converts a sleep report into its history entry.
func (r ConsolidationResult) record() HistoryRecord {
	return HistoryRecord{
		CycleID:   r.CycleID,
		Kind:      KindSleep,
		StartedAt: r.StartedAt,
		Durations: map[string]time.Duration{"total": r.FinishedAt.Sub(r.StartedAt)},
		Counts: map[string]int{
			"decayed":    r.Decayed,
			"replayed":   r.Replayed,
			"integrated": r.Integrated,
			"pruned":     r.Pruned,
			"stages":     len(r.StagesCompleted),
			"skipped":    len(r.Skipped),
		},
		Partial: r.Interrupted,
		Error:   r.Error,
	}
}
