package memory

import (
	"fmt"
	"strings"
	"time"
)

// NodeKind classifies what a knowledge node represents.
type NodeKind string

const (
	KindFact      NodeKind = "fact"
	KindPattern   NodeKind = "pattern"
	KindIntention NodeKind = "intention"
	KindInsight   NodeKind = "insight"
	KindEpisode   NodeKind = "episode"
	KindConcept   NodeKind = "concept"
)

// MemoryState is the accessibility state of a node.
type MemoryState string

const (
	StateActive      MemoryState = "active"
	StateDormant     MemoryState = "dormant"
	StateSilent      MemoryState = "silent"
	StateUnavailable MemoryState = "unavailable"
)

// EmotionCategory is the coarse affective label attached to a node.
type EmotionCategory string

const (
	EmotionNeutral  EmotionCategory = "neutral"
	EmotionJoy      EmotionCategory = "joy"
	EmotionFear     EmotionCategory = "fear"
	EmotionAnger    EmotionCategory = "anger"
	EmotionSadness  EmotionCategory = "sadness"
	EmotionSurprise EmotionCategory = "surprise"
	EmotionTrust    EmotionCategory = "trust"
)

// Rating is the outcome of a recall attempt.
type Rating int

const (
	Again Rating = iota + 1
	Hard
	Good
	Easy
)

// Valid reports whether r is one of the four defined ratings.
func (r Rating) Valid() bool {
	return r >= Again && r <= Easy
}

func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	}
	return fmt.Sprintf("rating(%d)", int(r))
}

// ParseRating accepts either the name ("good") or the number ("3").
func ParseRating(s string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "again", "1":
		return Again, nil
	case "hard", "2":
		return Hard, nil
	case "good", "3":
		return Good, nil
	case "easy", "4":
		return Easy, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRating, s)
}

// DualStrength separates permanence (Storage) from current accessibility (Retrieval).
type DualStrength struct {
	Storage   float64 `json:"storage"`
	Retrieval float64 `json:"retrieval"`
}

// ReviewRecord is one entry of a node's rating history.
type ReviewRecord struct {
	Rating         Rating    `json:"rating"`
	At             time.Time `json:"at"`
	Retrievability float64   `json:"retrievability"`
}

// ScheduleState is the spaced-repetition state of a node.
// A zero Reps count means the node has never been reviewed. A node that was
// only replayed offline has a stability but no reviews; its curve runs from
// LastReplayAt.
type ScheduleState struct {
	Stability      float64        `json:"stability"`  // days
	Difficulty     float64        `json:"difficulty"` // 1..10
	Retrievability float64        `json:"retrievability"`
	DueAt          time.Time      `json:"due_at"`
	LastReviewAt   time.Time      `json:"last_review_at"`
	LastReplayAt   time.Time      `json:"last_replay_at,omitempty"`
	Reps           int            `json:"reps"`
	Lapses         int            `json:"lapses"`
	History        []ReviewRecord `json:"history,omitempty"`
}

// Initialized reports whether at least one review has been recorded.
func (s ScheduleState) Initialized() bool {
	return s.Reps > 0 && s.Stability > 0
}

// Seeded reports whether the node has a stability estimate, from a review
// or from offline replay.
func (s ScheduleState) Seeded() bool {
	return s.Stability > 0 && (s.Reps > 0 || !s.LastReplayAt.IsZero())
}

// Anchor is the time the forgetting curve is measured from.
func (s ScheduleState) Anchor() time.Time {
	if s.Reps > 0 {
		return s.LastReviewAt
	}
	return s.LastReplayAt
}

// TemporalValidity is bi-temporal: RecordedAt is when the system learned the
// fact, ValidFrom/ValidTo is when the fact held in the world.
type TemporalValidity struct {
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// HeldAt reports whether the fact was valid in the world at t.
func (v TemporalValidity) HeldAt(t time.Time) bool {
	if v.ValidFrom != nil && t.Before(*v.ValidFrom) {
		return false
	}
	if v.ValidTo != nil && t.After(*v.ValidTo) {
		return false
	}
	return true
}

// Emotion is the affective tag of a node.
type Emotion struct {
	Category  EmotionCategory `json:"category"`
	Intensity float64         `json:"intensity"` // 0..1
}

// KnowledgeNode is the unit of memory.
type KnowledgeNode struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Kind         NodeKind  `json:"kind"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	EmbeddingRef string    `json:"embedding_ref,omitempty"`

	Strength DualStrength     `json:"strength"`
	Schedule ScheduleState    `json:"schedule"`
	Validity TemporalValidity `json:"validity"`

	State              MemoryState `json:"state"`
	StateChangedAt     time.Time   `json:"state_changed_at"`
	StateEntryStrength float64     `json:"state_entry_strength"`
	SuppressedFrom     MemoryState `json:"suppressed_from,omitempty"`
	SuppressedUntil    *time.Time  `json:"suppressed_until,omitempty"`

	Emotion        Emotion   `json:"emotion"`
	Importance     float64   `json:"importance"`
	Pinned         bool      `json:"pinned"`
	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	LastDecayAt    time.Time `json:"last_decay_at"`
}

// InitialStrength is the storage and retrieval strength of a newly created node.
const InitialStrength = 1.0

// NewNode creates an Active node recorded at now.
func NewNode(id, content string, kind NodeKind, now time.Time) *KnowledgeNode {
	if kind == "" {
		kind = KindFact
	}
	return &KnowledgeNode{
		ID:        id,
		Content:   content,
		Kind:      kind,
		CreatedAt: now,
		Strength: DualStrength{
			Storage:   InitialStrength,
			Retrieval: InitialStrength,
		},
		Schedule: ScheduleState{Retrievability: 1},
		Validity: TemporalValidity{RecordedAt: now},

		State:              StateActive,
		StateChangedAt:     now,
		StateEntryStrength: InitialStrength,

		Emotion:        Emotion{Category: EmotionNeutral},
		LastAccessedAt: now,
		LastDecayAt:    now,
	}
}

// Validate checks the structural invariants of a node.
func (n *KnowledgeNode) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrValidation)
	}
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrValidation)
	}
	if n.Strength.Storage < 0 || n.Strength.Retrieval < 0 {
		return &NodeError{NodeID: n.ID, Op: "validate", Err: fmt.Errorf("%w: negative strength", ErrValidation)}
	}
	if n.Strength.Retrieval > n.Strength.Storage+strengthEpsilon {
		return &NodeError{NodeID: n.ID, Op: "validate", Err: fmt.Errorf("%w: retrieval %.4f exceeds storage %.4f",
			ErrValidation, n.Strength.Retrieval, n.Strength.Storage)}
	}
	if r := n.Schedule.Retrievability; r < 0 || r > 1 {
		return &NodeError{NodeID: n.ID, Op: "validate", Err: fmt.Errorf("%w: retrievability %.4f out of [0,1]", ErrValidation, r)}
	}
	if err := ValidateTemporalRange(n.Validity.ValidFrom, n.Validity.ValidTo); err != nil {
		return &NodeError{NodeID: n.ID, Op: "validate", Err: err}
	}
	if i := n.Emotion.Intensity; i < 0 || i > 1 {
		return &NodeError{NodeID: n.ID, Op: "validate", Err: fmt.Errorf("%w: emotion intensity %.4f out of [0,1]", ErrValidation, i)}
	}
	switch n.State {
	case StateActive, StateDormant, StateSilent, StateUnavailable:
	default:
		return &NodeError{NodeID: n.ID, Op: "validate", Err: fmt.Errorf("%w: unknown state %q", ErrValidation, n.State)}
	}
	return nil
}

// ValidateTemporalRange rejects ranges whose start lies after their end.
func ValidateTemporalRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return fmt.Errorf("%w: valid_from %s after valid_to %s",
			ErrValidation, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *KnowledgeNode) Clone() *KnowledgeNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	if n.Schedule.History != nil {
		c.Schedule.History = append([]ReviewRecord(nil), n.Schedule.History...)
	}
	c.Validity.ValidFrom = cloneTime(n.Validity.ValidFrom)
	c.Validity.ValidTo = cloneTime(n.Validity.ValidTo)
	c.SuppressedUntil = cloneTime(n.SuppressedUntil)
	return &c
}

// SetState moves the node into s, recording the transition time and the
// retrieval strength at entry.
func (n *KnowledgeNode) SetState(s MemoryState, now time.Time) {
	if n.State == s {
		return
	}
	n.State = s
	n.StateChangedAt = now
	n.StateEntryStrength = n.Strength.Retrieval
}

// Inactivity is the time elapsed since the last access.
func (n *KnowledgeNode) Inactivity(now time.Time) time.Duration {
	last := n.LastAccessedAt
	if last.IsZero() {
		last = n.CreatedAt
	}
	if now.Before(last) {
		return 0
	}
	return now.Sub(last)
}

// Relation links two nodes; insights are persisted together with one.
type Relation struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Kind     string  `json:"kind"`
	Strength float64 `json:"strength"`
	CycleID  string  `json:"cycle_id,omitempty"`
}

// PairKey returns an order-independent key for the pair (a, b).
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

const strengthEpsilon = 1e-9

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
