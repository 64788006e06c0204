// Package signals provides the scoring and eligibility inputs consumed by
// consolidation: importance, synaptic tags and emotional salience.
package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// ImportanceWeights configures Importance. The four weights are normalised
// by their sum, so only their ratios matter.
type ImportanceWeights struct {
	Recency   float64 `json:"recency" yaml:"recency"`
	Frequency float64 `json:"frequency" yaml:"frequency"`
	Pin       float64 `json:"pin" yaml:"pin"`
	Emotion   float64 `json:"emotion" yaml:"emotion"`

	RecencyHalfLifeHours float64 `json:"recency_half_life_hours" yaml:"recency_half_life_hours"` // default 168
	FrequencySaturation  float64 `json:"frequency_saturation" yaml:"frequency_saturation"`       // access count scoring 1.0 (default 20)
}

// DefaultImportanceWeights returns sensible defaults.
func DefaultImportanceWeights() ImportanceWeights {
	return ImportanceWeights{
		Recency:              0.35,
		Frequency:            0.25,
		Pin:                  0.2,
		Emotion:              0.2,
		RecencyHalfLifeHours: 168,
		FrequencySaturation:  20,
	}
}

// Validate reports configuration errors.
func (w ImportanceWeights) Validate() error {
	for name, v := range map[string]float64{
		"recency": w.Recency, "frequency": w.Frequency, "pin": w.Pin, "emotion": w.Emotion,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: importance weight %s = %v", memory.ErrConfig, name, v)
		}
	}
	if w.sum() == 0 {
		return fmt.Errorf("%w: importance weights sum to zero", memory.ErrConfig)
	}
	if w.RecencyHalfLifeHours <= 0 {
		return fmt.Errorf("%w: importance recency_half_life_hours must be > 0", memory.ErrConfig)
	}
	if w.FrequencySaturation < 1 {
		return fmt.Errorf("%w: importance frequency_saturation must be >= 1", memory.ErrConfig)
	}
	return nil
}

func (w ImportanceWeights) sum() float64 {
	return w.Recency + w.Frequency + w.Pin + w.Emotion
}

// Context carries the inputs to a score that do not live on the node.
type Context struct {
	Now time.Time
}

// Scorer scores a node's importance in [0,1].
type Scorer interface {
	Score(n *memory.KnowledgeNode, ctx Context) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(n *memory.KnowledgeNode, ctx Context) float64

// Score calls f.
func (f ScorerFunc) Score(n *memory.KnowledgeNode, ctx Context) float64 {
	return f(n, ctx)
}

// Importance combines recency, access frequency, pinning and emotional
// intensity into a single score.
type Importance struct {
	w ImportanceWeights
}

// NewImportance validates w and returns a scorer.
func NewImportance(w ImportanceWeights) (*Importance, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Importance{w: w}, nil
}

// Score returns the weighted mean of the four signals.
func (s *Importance) Score(n *memory.KnowledgeNode, ctx Context) float64 {
	idle := n.Inactivity(ctx.Now).Hours()
	recency := math.Exp2(-idle / s.w.RecencyHalfLifeHours)
	frequency := math.Min(math.Log1p(float64(n.AccessCount))/math.Log1p(s.w.FrequencySaturation), 1)
	pin := 0.0
	if n.Pinned {
		pin = 1
	}
	emotion := n.Emotion.Intensity

	score := (s.w.Recency*recency + s.w.Frequency*frequency + s.w.Pin*pin + s.w.Emotion*emotion) / s.w.sum()
	return math.Max(0, math.Min(1, score))
}
