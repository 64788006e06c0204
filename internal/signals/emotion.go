package signals

import (
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// EmotionConfig configures emotional recalibration.
type EmotionConfig struct {
	Baseline float64 `json:"baseline" yaml:"baseline"` // intensity floor after processing (default 0.1)
	Rate     float64 `json:"rate" yaml:"rate"`         // share of the excess removed per cycle (default 0.3)
}

// DefaultEmotionConfig returns sensible defaults.
func DefaultEmotionConfig() EmotionConfig {
	return EmotionConfig{Baseline: 0.1, Rate: 0.3}
}

// Validate reports configuration errors.
func (c EmotionConfig) Validate() error {
	if c.Baseline <= 0 || c.Baseline >= 1 {
		return fmt.Errorf("%w: emotion baseline must be in (0,1)", memory.ErrConfig)
	}
	if c.Rate <= 0 || c.Rate > 1 {
		return fmt.Errorf("%w: emotion rate must be in (0,1]", memory.ErrConfig)
	}
	return nil
}

// ProcessedSet records which nodes were recalibrated in the current cycle.
type ProcessedSet map[string]struct{}

// EmotionalMemory softens emotional intensity after a memory is processed,
// the way sleep takes the edge off a charged experience while keeping it.
type EmotionalMemory struct {
	cfg EmotionConfig
}

// NewEmotionalMemory validates cfg.
func NewEmotionalMemory(cfg EmotionConfig) (*EmotionalMemory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EmotionalMemory{cfg: cfg}, nil
}

// Recalibrate moves n's intensity toward the baseline. Strength and content
// are untouched. Each node is processed at most once per set; the return
// value reports whether this call processed it.
func (e *EmotionalMemory) Recalibrate(n *memory.KnowledgeNode, processed ProcessedSet) bool {
	if _, done := processed[n.ID]; done {
		return false
	}
	processed[n.ID] = struct{}{}
	if n.Emotion.Intensity > e.cfg.Baseline {
		n.Emotion.Intensity -= e.cfg.Rate * (n.Emotion.Intensity - e.cfg.Baseline)
	}
	return true
}

// opposed pairs of categories score lowest on compatibility.
var opposed = map[memory.EmotionCategory]memory.EmotionCategory{
	memory.EmotionJoy:     memory.EmotionSadness,
	memory.EmotionSadness: memory.EmotionJoy,
	memory.EmotionFear:    memory.EmotionTrust,
	memory.EmotionTrust:   memory.EmotionFear,
}

// Compatibility scores how well the emotional tags of a and b fit together,
// in [0,1]. Shared categories score highest, rising with the weaker intensity.
func (e *EmotionalMemory) Compatibility(a, b *memory.KnowledgeNode) float64 {
	ca, cb := category(a), category(b)
	switch {
	case ca == cb && ca == memory.EmotionNeutral:
		return 0.5
	case ca == cb:
		return 0.6 + 0.4*min(a.Emotion.Intensity, b.Emotion.Intensity)
	case opposed[ca] == cb:
		return 0.1
	case ca == memory.EmotionNeutral || cb == memory.EmotionNeutral:
		return 0.4
	}
	return 0.25
}

// SameCategory reports whether a and b share an emotion category.
func SameCategory(a, b *memory.KnowledgeNode) bool {
	return category(a) == category(b)
}

func category(n *memory.KnowledgeNode) memory.EmotionCategory {
	if n.Emotion.Category == "" {
		return memory.EmotionNeutral
	}
	return n.Emotion.Category
}
