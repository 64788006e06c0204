package signals

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// TaggingConfig configures synaptic tagging.
type TaggingConfig struct {
	Threshold    float64 `json:"threshold" yaml:"threshold"`         // importance needed to set a tag (default 0.6)
	WindowHours  float64 `json:"window_hours" yaml:"window_hours"`   // capture window (default 12)
	CaptureBoost float64 `json:"capture_boost" yaml:"capture_boost"` // storage boost per unit of tag strength (default 0.5)
}

// DefaultTaggingConfig returns sensible defaults.
func DefaultTaggingConfig() TaggingConfig {
	return TaggingConfig{
		Threshold:    0.6,
		WindowHours:  12,
		CaptureBoost: 0.5,
	}
}

// Validate reports configuration errors.
func (c TaggingConfig) Validate() error {
	switch {
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("%w: tagging threshold must be in [0,1]", memory.ErrConfig)
	case c.WindowHours <= 0:
		return fmt.Errorf("%w: tagging window_hours must be > 0", memory.ErrConfig)
	case c.CaptureBoost < 0:
		return fmt.Errorf("%w: tagging capture_boost must be >= 0", memory.ErrConfig)
	}
	return nil
}

// Window is the capture window as a duration.
func (c TaggingConfig) Window() time.Duration {
	return time.Duration(c.WindowHours * float64(time.Hour))
}

// SynapticTag marks a node as eligible for capture until ExpiresAt.
type SynapticTag struct {
	NodeID    string    `json:"node_id"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the tag can still be captured at t.
func (t SynapticTag) Live(at time.Time) bool {
	return !at.After(t.ExpiresAt)
}

// TaggingSystem holds the tags set during normal operation until the next
// consolidation cycle drains them.
type TaggingSystem struct {
	cfg    TaggingConfig
	logger *zap.Logger

	mu   sync.Mutex
	tags map[string]SynapticTag
}

// NewTaggingSystem validates cfg and returns an empty registry.
func NewTaggingSystem(cfg TaggingConfig, logger *zap.Logger) (*TaggingSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TaggingSystem{
		cfg:    cfg,
		logger: logger,
		tags:   make(map[string]SynapticTag),
	}, nil
}

// Config returns the tagging configuration.
func (s *TaggingSystem) Config() TaggingConfig {
	return s.cfg
}

// MaybeTag sets a tag on nodeID when score exceeds the threshold. Re-tagging
// a node keeps the stronger strength and the later expiry.
func (s *TaggingSystem) MaybeTag(nodeID string, score float64, now time.Time) (SynapticTag, bool) {
	if score <= s.cfg.Threshold {
		return SynapticTag{}, false
	}
	tag := SynapticTag{
		NodeID:    nodeID,
		Strength:  score,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Window()),
	}

	s.mu.Lock()
	if prev, ok := s.tags[nodeID]; ok {
		tag.Strength = max(tag.Strength, prev.Strength)
		tag.CreatedAt = prev.CreatedAt
	}
	s.tags[nodeID] = tag
	s.mu.Unlock()

	s.logger.Debug("synaptic tag set",
		zap.String("node", nodeID),
		zap.Float64("strength", tag.Strength),
		zap.Time("expires", tag.ExpiresAt))
	return tag, true
}

// Capture returns the storage boost for tag when phaseTime falls inside its
// window. A lapsed tag yields nothing.
func (s *TaggingSystem) Capture(tag SynapticTag, phaseTime time.Time) (float64, bool) {
	if !tag.Live(phaseTime) {
		return 0, false
	}
	return s.cfg.CaptureBoost * tag.Strength, true
}

// Drain removes and returns every tag, ordered by node id. Expired tags are
// included; Capture rejects them.
func (s *TaggingSystem) Drain() []SynapticTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynapticTag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	s.tags = make(map[string]SynapticTag)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Sweep discards tags that expired before now and returns how many lapsed.
func (s *TaggingSystem) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lapsed int
	for id, t := range s.tags {
		if !t.Live(now) {
			delete(s.tags, id)
			lapsed++
		}
	}
	return lapsed
}

// Len returns the number of pending tags.
func (s *TaggingSystem) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}
