package memory

import (
	"fmt"
	"math"
	"time"
)

// StrengthConfig tunes the dual-strength model.
type StrengthConfig struct {
	HalfLifeHours     float64 `json:"half_life_hours" yaml:"half_life_hours"`       // retrieval half-life at zero storage (default 120 = 5 days)
	Resistance        float64 `json:"resistance" yaml:"resistance"`                 // how much storage flattens the decay curve (default 0.5)
	ReviewGain        float64 `json:"review_gain" yaml:"review_gain"`               // storage gain for a Good review (default 0.5)
	RetrievalRecovery float64 `json:"retrieval_recovery" yaml:"retrieval_recovery"` // fraction of the retrieval gap closed on access (default 0.8)
	MaxStorage        float64 `json:"max_storage" yaml:"max_storage"`               // gains stop at this ceiling (default 100)
}

// DefaultStrengthConfig returns sensible defaults.
func DefaultStrengthConfig() StrengthConfig {
	return StrengthConfig{
		HalfLifeHours:     120,
		Resistance:        0.5,
		ReviewGain:        0.5,
		RetrievalRecovery: 0.8,
		MaxStorage:        100,
	}
}

// Validate reports configuration errors.
func (c StrengthConfig) Validate() error {
	switch {
	case c.HalfLifeHours <= 0:
		return fmt.Errorf("%w: strength half_life_hours must be > 0", ErrConfig)
	case c.Resistance < 0:
		return fmt.Errorf("%w: strength resistance must be >= 0", ErrConfig)
	case c.ReviewGain < 0:
		return fmt.Errorf("%w: strength review_gain must be >= 0", ErrConfig)
	case c.RetrievalRecovery <= 0 || c.RetrievalRecovery > 1:
		return fmt.Errorf("%w: strength retrieval_recovery must be in (0,1]", ErrConfig)
	case c.MaxStorage <= 0:
		return fmt.Errorf("%w: strength max_storage must be > 0", ErrConfig)
	}
	return nil
}

// StrengthEvent is one of ReviewEvent, PassiveDecay or Reinforcement.
type StrengthEvent interface {
	strengthEvent()
}

// ReviewEvent is an explicit recall attempt with an outcome.
type ReviewEvent struct {
	Rating Rating
}

// PassiveDecay lets retrieval strength fall over Elapsed.
type PassiveDecay struct {
	Elapsed time.Duration
}

// Reinforcement adds Boost to storage strength without a review.
type Reinforcement struct {
	Boost float64
}

func (ReviewEvent) strengthEvent()   {}
func (PassiveDecay) strengthEvent()  {}
func (Reinforcement) strengthEvent() {}

// StrengthModel applies dual-strength updates. Storage strength only grows;
// retrieval strength rises on access and decays with time, never exceeding
// storage strength.
type StrengthModel struct {
	cfg StrengthConfig
}

// NewStrengthModel validates cfg and returns a model.
func NewStrengthModel(cfg StrengthConfig) (*StrengthModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StrengthModel{cfg: cfg}, nil
}

// Config returns the model's configuration.
func (m *StrengthModel) Config() StrengthConfig {
	return m.cfg
}

// Update applies ev to n at now.
func (m *StrengthModel) Update(n *KnowledgeNode, ev StrengthEvent, now time.Time) error {
	switch e := ev.(type) {
	case ReviewEvent:
		return m.review(n, e.Rating, now)
	case PassiveDecay:
		if e.Elapsed < 0 {
			return &NodeError{NodeID: n.ID, Op: "decay", Err: fmt.Errorf("%w: negative elapsed %s", ErrValidation, e.Elapsed)}
		}
		n.Strength.Retrieval = m.DecayRetrieval(n.Strength.Storage, n.Strength.Retrieval, e.Elapsed)
		n.LastDecayAt = now
	case Reinforcement:
		if e.Boost < 0 || math.IsNaN(e.Boost) {
			return &NodeError{NodeID: n.ID, Op: "reinforce", Err: fmt.Errorf("%w: boost %.4f", ErrValidation, e.Boost)}
		}
		m.raiseStorage(n, e.Boost)
		n.Strength.Retrieval += e.Boost
	default:
		return fmt.Errorf("%w: unknown strength event %T", ErrValidation, ev)
	}
	m.clamp(n)
	return nil
}

// DecayTo decays retrieval strength from the node's decay watermark up to
// now. Calling it twice for the same instant changes nothing.
func (m *StrengthModel) DecayTo(n *KnowledgeNode, now time.Time) error {
	from := n.LastDecayAt
	if from.IsZero() {
		from = n.LastAccessedAt
	}
	if from.IsZero() || !now.After(from) {
		return nil
	}
	return m.Update(n, PassiveDecay{Elapsed: now.Sub(from)}, now)
}

// Access records an ungraded retrieval: retrieval strength recovers toward
// storage strength and storage is left alone.
func (m *StrengthModel) Access(n *KnowledgeNode, now time.Time) error {
	if err := m.DecayTo(n, now); err != nil {
		return err
	}
	n.Strength.Retrieval += m.cfg.RetrievalRecovery * (n.Strength.Storage - n.Strength.Retrieval)
	n.AccessCount++
	n.LastAccessedAt = now
	n.LastDecayAt = now
	m.clamp(n)
	return nil
}

// DecayRetrieval returns R after t has elapsed for a node with storage S.
// It is strictly decreasing in t (for R > 0) and non-decreasing in S.
func (m *StrengthModel) DecayRetrieval(storage, retrieval float64, t time.Duration) float64 {
	if t <= 0 || retrieval <= 0 {
		return retrieval
	}
	return retrieval * math.Exp2(-t.Hours()/m.HalfLife(storage))
}

// HalfLife returns the retrieval half-life in hours for storage strength s.
func (m *StrengthModel) HalfLife(s float64) float64 {
	if s < 0 {
		s = 0
	}
	return m.cfg.HalfLifeHours * (1 + m.cfg.Resistance*math.Log1p(s))
}

func (m *StrengthModel) review(n *KnowledgeNode, r Rating, now time.Time) error {
	if !r.Valid() {
		return &NodeError{NodeID: n.ID, Op: "review", Err: fmt.Errorf("%w: %d", ErrInvalidRating, int(r))}
	}
	// Bring retrieval up to date before judging how hard the recall was.
	if err := m.DecayTo(n, now); err != nil {
		return err
	}

	// Recalling a weakly accessible memory strengthens storage more.
	gap := 0.0
	if n.Strength.Storage > 0 {
		gap = 1 - n.Strength.Retrieval/n.Strength.Storage
	}
	m.raiseStorage(n, m.cfg.ReviewGain*ratingGain(r)*(1+gap))

	recovery := m.cfg.RetrievalRecovery
	if r == Again {
		recovery /= 2
	}
	n.Strength.Retrieval += recovery * (n.Strength.Storage - n.Strength.Retrieval)

	n.AccessCount++
	n.LastAccessedAt = now
	n.LastDecayAt = now
	m.clamp(n)
	return nil
}

func (m *StrengthModel) raiseStorage(n *KnowledgeNode, gain float64) {
	if gain <= 0 || n.Strength.Storage >= m.cfg.MaxStorage {
		return
	}
	n.Strength.Storage = math.Min(n.Strength.Storage+gain, m.cfg.MaxStorage)
}

func (m *StrengthModel) clamp(n *KnowledgeNode) {
	if n.Strength.Retrieval < 0 {
		n.Strength.Retrieval = 0
	}
	if n.Strength.Retrieval > n.Strength.Storage {
		n.Strength.Retrieval = n.Strength.Storage
	}
}

func ratingGain(r Rating) float64 {
	switch r {
	case Hard:
		return 0.5
	case Good:
		return 1
	case Easy:
		return 1.5
	}
	return 0
}
