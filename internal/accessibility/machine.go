// Package accessibility implements the Active/Dormant/Silent/Unavailable
// state machine that governs whether a stored memory can be retrieved.
package accessibility

import (
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Config holds the state machine thresholds. Strength thresholds are applied
// to the retrieval/storage ratio so they do not depend on absolute strength.
type Config struct {
	DormantThreshold      float64 `json:"dormant_threshold" yaml:"dormant_threshold"`           // Active->Dormant below this ratio (default 0.3)
	SilentThreshold       float64 `json:"silent_threshold" yaml:"silent_threshold"`             // Dormant->Silent below this ratio (default 0.1)
	ActiveHours           float64 `json:"active_hours" yaml:"active_hours"`                     // T_active (default 168 = 1 week)
	DormantHours          float64 `json:"dormant_hours" yaml:"dormant_hours"`                   // T_dormant (default 720 = 30 days)
	ReactivationThreshold float64 `json:"reactivation_threshold" yaml:"reactivation_threshold"` // cue similarity needed to reactivate (default 0.6)
	StrongCue             float64 `json:"strong_cue" yaml:"strong_cue"`                         // cue strength that lifts Silent straight to Active (default 0.8)
	CueBoost              float64 `json:"cue_boost" yaml:"cue_boost"`                           // share of the retrieval gap closed by a full-strength cue (default 0.5)
	SuppressSimilarity    float64 `json:"suppress_similarity" yaml:"suppress_similarity"`       // competitor similarity that triggers suppression (default 0.85)
	SuppressHours         float64 `json:"suppress_hours" yaml:"suppress_hours"`                 // suppression cool-down (default 1)
	DormantWeight         float64 `json:"dormant_weight" yaml:"dormant_weight"`                 // accessibility multiplier while Dormant (default 0.5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DormantThreshold:      0.3,
		SilentThreshold:       0.1,
		ActiveHours:           168,
		DormantHours:          720,
		ReactivationThreshold: 0.6,
		StrongCue:             0.8,
		CueBoost:              0.5,
		SuppressSimilarity:    0.85,
		SuppressHours:         1,
		DormantWeight:         0.5,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.SilentThreshold < 0 || c.DormantThreshold > 1:
		return fmt.Errorf("%w: accessibility thresholds must lie in [0,1]", memory.ErrConfig)
	case c.SilentThreshold > c.DormantThreshold:
		return fmt.Errorf("%w: accessibility silent_threshold %.2f above dormant_threshold %.2f",
			memory.ErrConfig, c.SilentThreshold, c.DormantThreshold)
	case c.ActiveHours <= 0 || c.DormantHours <= 0:
		return fmt.Errorf("%w: accessibility active_hours and dormant_hours must be > 0", memory.ErrConfig)
	case c.ReactivationThreshold <= 0 || c.ReactivationThreshold > 1:
		return fmt.Errorf("%w: accessibility reactivation_threshold must be in (0,1]", memory.ErrConfig)
	case c.SuppressSimilarity <= 0 || c.SuppressSimilarity > 1:
		return fmt.Errorf("%w: accessibility suppress_similarity must be in (0,1]", memory.ErrConfig)
	case c.SuppressHours <= 0:
		return fmt.Errorf("%w: accessibility suppress_hours must be > 0", memory.ErrConfig)
	case c.CueBoost < 0 || c.CueBoost > 1 || c.DormantWeight < 0 || c.DormantWeight > 1:
		return fmt.Errorf("%w: accessibility cue_boost and dormant_weight must be in [0,1]", memory.ErrConfig)
	}
	return nil
}

// TActive is the inactivity after which an Active node goes Dormant.
func (c Config) TActive() time.Duration { return hours(c.ActiveHours) }

// TDormant is the additional inactivity after which a Dormant node goes Silent.
func (c Config) TDormant() time.Duration { return hours(c.DormantHours) }

// SuppressWindow is how long retrieval-induced forgetting lasts.
func (c Config) SuppressWindow() time.Duration { return hours(c.SuppressHours) }

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Transition describes a state change decided by the machine.
type Transition struct {
	NodeID string             `json:"node_id"`
	From   memory.MemoryState `json:"from"`
	To     memory.MemoryState `json:"to"`
	Reason string             `json:"reason"`
}

// Changed reports whether the transition moves the node.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Machine evaluates and applies state transitions.
type Machine struct {
	cfg      Config
	strength *memory.StrengthModel
}

// NewMachine validates cfg and returns a machine. The strength model is used
// to bring retrieval strength up to date before a cue boosts it.
func NewMachine(cfg Config, strength *memory.StrengthModel) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strength == nil {
		return nil, fmt.Errorf("%w: accessibility machine needs a strength model", memory.ErrConfig)
	}
	return &Machine{cfg: cfg, strength: strength}, nil
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Level is the retrieval/storage ratio of n, in [0,1].
func Level(n *memory.KnowledgeNode) float64 {
	if n.Strength.Storage <= 0 {
		return 0
	}
	l := n.Strength.Retrieval / n.Strength.Storage
	if l > 1 {
		return 1
	}
	return l
}

// Evaluate decides the next state of n at now without modifying it. At most
// one step is taken per evaluation, so a node always passes through Dormant
// before it can become Silent.
func (m *Machine) Evaluate(n *memory.KnowledgeNode, now time.Time) Transition {
	tr := Transition{NodeID: n.ID, From: n.State, To: n.State}
	level := Level(n)
	idle := n.Inactivity(now)

	switch n.State {
	case memory.StateActive:
		switch {
		case level < m.cfg.DormantThreshold:
			tr.To, tr.Reason = memory.StateDormant, "retrieval below dormant threshold"
		case idle > m.cfg.TActive():
			tr.To, tr.Reason = memory.StateDormant, "inactive beyond active window"
		}

	case memory.StateDormant:
		dwell := now.Sub(n.StateChangedAt)
		switch {
		case idle > m.cfg.TActive()+m.cfg.TDormant():
			tr.To, tr.Reason = memory.StateSilent, "inactive beyond dormant window"
		case level < m.cfg.SilentThreshold && dwell >= m.cfg.TDormant():
			tr.To, tr.Reason = memory.StateSilent, "retrieval below silent threshold"
		}

	case memory.StateUnavailable:
		if n.SuppressedUntil == nil || !now.Before(*n.SuppressedUntil) {
			tr.To, tr.Reason = priorState(n), "suppression expired"
		}
	}
	return tr
}

// Apply commits tr to n.
func (m *Machine) Apply(n *memory.KnowledgeNode, tr Transition, now time.Time) {
	if !tr.Changed() || n.State != tr.From {
		return
	}
	if tr.From == memory.StateUnavailable {
		n.SuppressedFrom = ""
		n.SuppressedUntil = nil
	}
	n.SetState(tr.To, now)
}

// Step evaluates and applies one transition.
func (m *Machine) Step(n *memory.KnowledgeNode, now time.Time) Transition {
	tr := m.Evaluate(n, now)
	m.Apply(n, tr, now)
	return tr
}

// Cue reactivates a Dormant or Silent node when the cue is similar enough.
// Retrieval strength is raised in proportion to cueStrength; storage is not
// touched. Active and Unavailable nodes are left alone.
func (m *Machine) Cue(n *memory.KnowledgeNode, similarity, cueStrength float64, now time.Time) (Transition, error) {
	tr := Transition{NodeID: n.ID, From: n.State, To: n.State}
	if similarity < m.cfg.ReactivationThreshold {
		return tr, nil
	}
	switch n.State {
	case memory.StateDormant:
		tr.To = memory.StateActive
	case memory.StateSilent:
		tr.To = memory.StateDormant
		if cueStrength >= m.cfg.StrongCue {
			tr.To = memory.StateActive
		}
	default:
		return tr, nil
	}
	tr.Reason = "reactivated by cue"

	if err := m.strength.DecayTo(n, now); err != nil {
		return tr, err
	}
	cueStrength = min(max(cueStrength, 0), 1)
	boost := cueStrength * m.cfg.CueBoost * (n.Strength.Storage - n.Strength.Retrieval)
	n.Strength.Retrieval = min(n.Strength.Retrieval+boost, n.Strength.Storage)
	n.LastAccessedAt = now

	n.SetState(tr.To, now)
	return tr, nil
}

// Suppress applies retrieval-induced forgetting to a competitor of a node
// that was just retrieved. Only transient accessibility changes; strengths
// are untouched. It reports whether n is suppressed afterwards.
func (m *Machine) Suppress(n *memory.KnowledgeNode, similarity float64, now time.Time) bool {
	if similarity < m.cfg.SuppressSimilarity {
		return false
	}
	until := now.Add(m.cfg.SuppressWindow())
	switch n.State {
	case memory.StateActive, memory.StateDormant:
		n.SuppressedFrom = n.State
		n.SetState(memory.StateUnavailable, now)
	case memory.StateUnavailable:
		// Already suppressed: extend the window.
	default:
		return false
	}
	n.SuppressedUntil = &until
	return true
}

// Accessibility scores how readily n can be retrieved at now. Silent and
// Unavailable nodes score zero and are excluded from queries.
func (m *Machine) Accessibility(n *memory.KnowledgeNode, now time.Time) float64 {
	state := n.State
	if state == memory.StateUnavailable && n.SuppressedUntil != nil && !now.Before(*n.SuppressedUntil) {
		state = priorState(n)
	}
	switch state {
	case memory.StateActive:
		return Level(n)
	case memory.StateDormant:
		return Level(n) * m.cfg.DormantWeight
	}
	return 0
}

func priorState(n *memory.KnowledgeNode) memory.MemoryState {
	if n.SuppressedFrom == "" || n.SuppressedFrom == memory.StateUnavailable {
		return memory.StateActive
	}
	return n.SuppressedFrom
}
