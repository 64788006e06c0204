package consolidation

import (
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// DreamConfig holds the thresholds and factors of a four-phase cycle.
type DreamConfig struct {
	// Triage
	ConsolidateThreshold float64 `json:"consolidate_threshold" yaml:"consolidate_threshold"` // score >= this -> Consolidate (default 0.7)
	PruneThreshold       float64 `json:"prune_threshold" yaml:"prune_threshold"`             // score <= this and weak storage -> Prune (default 0.15)
	PruneStorageFloor    float64 `json:"prune_storage_floor" yaml:"prune_storage_floor"`     // storage below this is prunable (default 1.5)
	ProtectIntensity     float64 `json:"protect_intensity" yaml:"protect_intensity"`         // emotion >= this -> Protect (default 0.8)

	// Deep consolidation
	ConsolidationBoost     float64 `json:"consolidation_boost" yaml:"consolidation_boost"`           // storage reinforcement per replay (default 0.5)
	ProtectFloor           float64 `json:"protect_floor" yaml:"protect_floor"`                       // minimum retrieval/storage ratio of protected nodes (default 0.5)
	DownscaleFactor        float64 `json:"downscale_factor" yaml:"downscale_factor"`                 // retrieval multiplier for ordinary nodes (default 0.9)
	BoostedDownscaleFactor float64 `json:"boosted_downscale_factor" yaml:"boosted_downscale_factor"` // milder multiplier for just-boosted nodes (default 0.97)

	// Creative
	SampleLimit        int     `json:"sample_limit" yaml:"sample_limit"`               // pair draws per cycle (default 64)
	MinSimilarity      float64 `json:"min_similarity" yaml:"min_similarity"`           // lower edge of the novelty band (default 0.15)
	MaxSimilarity      float64 `json:"max_similarity" yaml:"max_similarity"`           // upper edge of the novelty band (default 0.75)
	CreativeConfidence float64 `json:"creative_confidence" yaml:"creative_confidence"` // minimum candidate score (default 0.45)
	SameKindPenalty    float64 `json:"same_kind_penalty" yaml:"same_kind_penalty"`     // score multiplier for same-kind pairs (default 0.8)

	// Integration
	ValidationThreshold float64 `json:"validation_threshold" yaml:"validation_threshold"` // connection strength to become an insight (default 0.55)

	// Seed fixes the creative sampling sequence. Zero means time-seeded.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// DefaultDreamConfig returns sensible defaults.
func DefaultDreamConfig() DreamConfig {
	return DreamConfig{
		ConsolidateThreshold: 0.7,
		PruneThreshold:       0.15,
		PruneStorageFloor:    1.5,
		ProtectIntensity:     0.8,

		ConsolidationBoost:     0.5,
		ProtectFloor:           0.5,
		DownscaleFactor:        0.9,
		BoostedDownscaleFactor: 0.97,

		SampleLimit:        64,
		MinSimilarity:      0.15,
		MaxSimilarity:      0.75,
		CreativeConfidence: 0.45,
		SameKindPenalty:    0.8,

		ValidationThreshold: 0.55,
	}
}

// Validate reports configuration errors.
func (c DreamConfig) Validate() error {
	for name, v := range map[string]float64{
		"consolidate_threshold": c.ConsolidateThreshold,
		"prune_threshold":       c.PruneThreshold,
		"protect_intensity":     c.ProtectIntensity,
		"protect_floor":         c.ProtectFloor,
		"min_similarity":        c.MinSimilarity,
		"max_similarity":        c.MaxSimilarity,
		"creative_confidence":   c.CreativeConfidence,
		"same_kind_penalty":     c.SameKindPenalty,
		"validation_threshold":  c.ValidationThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: dream %s = %.3f, want [0,1]", memory.ErrConfig, name, v)
		}
	}
	switch {
	case c.PruneThreshold > c.ConsolidateThreshold:
		return fmt.Errorf("%w: dream prune_threshold %.3f above consolidate_threshold %.3f",
			memory.ErrConfig, c.PruneThreshold, c.ConsolidateThreshold)
	case c.PruneStorageFloor < 0:
		return fmt.Errorf("%w: dream prune_storage_floor must be >= 0", memory.ErrConfig)
	case c.ConsolidationBoost <= 0:
		return fmt.Errorf("%w: dream consolidation_boost must be > 0", memory.ErrConfig)
	case c.DownscaleFactor <= 0 || c.DownscaleFactor >= 1:
		return fmt.Errorf("%w: dream downscale_factor must be in (0,1)", memory.ErrConfig)
	case c.BoostedDownscaleFactor < c.DownscaleFactor || c.BoostedDownscaleFactor > 1:
		return fmt.Errorf("%w: dream boosted_downscale_factor must be in [downscale_factor,1]", memory.ErrConfig)
	case c.SampleLimit < 0:
		return fmt.Errorf("%w: dream sample_limit must be >= 0", memory.ErrConfig)
	case c.MinSimilarity >= c.MaxSimilarity:
		return fmt.Errorf("%w: dream min_similarity must be below max_similarity", memory.ErrConfig)
	}
	return nil
}

// SleepConfig configures the legacy single-pass pipeline.
type SleepConfig struct {
	ReplayTopN        int     `json:"replay_top_n" yaml:"replay_top_n"`               // nodes replayed per run (default 20)
	ReplayBoost       float64 `json:"replay_boost" yaml:"replay_boost"`               // storage reinforcement per replay (default 0.3)
	Prune             bool    `json:"prune" yaml:"prune"`                             // delete weak nodes at the end (default false)
	PruneStorageFloor float64 `json:"prune_storage_floor" yaml:"prune_storage_floor"` // storage below this is prunable (default 1.2)
	PruneLevel        float64 `json:"prune_level" yaml:"prune_level"`                 // retrieval/storage ratio below this is prunable (default 0.05)
}

// DefaultSleepConfig returns sensible defaults.
func DefaultSleepConfig() SleepConfig {
	return SleepConfig{
		ReplayTopN:        20,
		ReplayBoost:       0.3,
		PruneStorageFloor: 1.2,
		PruneLevel:        0.05,
	}
}

// Validate reports configuration errors.
func (c SleepConfig) Validate() error {
	switch {
	case c.ReplayTopN < 0:
		return fmt.Errorf("%w: sleep replay_top_n must be >= 0", memory.ErrConfig)
	case c.ReplayBoost < 0:
		return fmt.Errorf("%w: sleep replay_boost must be >= 0", memory.ErrConfig)
	case c.PruneStorageFloor < 0:
		return fmt.Errorf("%w: sleep prune_storage_floor must be >= 0", memory.ErrConfig)
	case c.PruneLevel < 0 || c.PruneLevel > 1:
		return fmt.Errorf("%w: sleep prune_level must be in [0,1]", memory.ErrConfig)
	}
	return nil
}
