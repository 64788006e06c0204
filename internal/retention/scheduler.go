// Package retention implements the retrievability scheduler: a power-law
// forgetting curve with per-node stability and difficulty that are updated
// from recall ratings.
package retention

import (
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

const (
	minDifficulty = 1.0
	maxDifficulty = 10.0
	minStability  = 0.01 // days
	day           = 24 * time.Hour
)

// DefaultWeights are the published FSRS-4.5 parameters.
//
//	w0..w3   initial stability for Again, Hard, Good, Easy (days)
//	w4, w5   initial difficulty and its rating slope
//	w6       difficulty change per rating step
//	w7       mean reversion of difficulty toward the Good default
//	w8..w10  recall stability growth (scale, difficulty-saturation, surprise)
//	w11..w14 post-lapse stability
//	w15, w16 Hard penalty and Easy bonus
var DefaultWeights = [17]float64{
	0.4872, 1.4003, 3.7145, 13.8206,
	5.1618, 1.2298,
	0.8975, 0.031,
	1.6474, 0.1367, 1.0461,
	2.1072, 0.0793, 0.3246, 1.587,
	0.2272, 2.8755,
}

// Config tunes the scheduler.
type Config struct {
	Weights          [17]float64 `json:"weights" yaml:"weights"`
	DecayExponent    float64     `json:"decay_exponent" yaml:"decay_exponent"`       // negative power-law exponent (default -0.5)
	DesiredRetention float64     `json:"desired_retention" yaml:"desired_retention"` // R at which the next review is due (default 0.9)
	MaxIntervalDays  float64     `json:"max_interval_days" yaml:"max_interval_days"` // upper bound on any interval (default 36500)
	ReplayFactor     float64     `json:"replay_factor" yaml:"replay_factor"`         // share of a Good recall's growth granted by offline replay (default 0.5)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights,
		DecayExponent:    -0.5,
		DesiredRetention: 0.9,
		MaxIntervalDays:  36500,
		ReplayFactor:     0.5,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	for i, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("%w: retention weight w%d = %v", memory.ErrConfig, i, w)
		}
	}
	for i := 0; i < 4; i++ {
		if c.Weights[i] <= 0 {
			return fmt.Errorf("%w: retention initial stability w%d must be > 0", memory.ErrConfig, i)
		}
	}
	switch {
	case c.DecayExponent >= 0:
		return fmt.Errorf("%w: retention decay_exponent must be < 0", memory.ErrConfig)
	case c.DesiredRetention <= 0 || c.DesiredRetention >= 1:
		return fmt.Errorf("%w: retention desired_retention must be in (0,1)", memory.ErrConfig)
	case c.MaxIntervalDays < 1:
		return fmt.Errorf("%w: retention max_interval_days must be >= 1", memory.ErrConfig)
	case c.ReplayFactor < 0 || c.ReplayFactor > 1:
		return fmt.Errorf("%w: retention replay_factor must be in [0,1]", memory.ErrConfig)
	}
	return nil
}

// Scheduler computes retrievability and updates schedule state.
type Scheduler struct {
	cfg    Config
	factor float64 // chosen so that R(S) = 0.9
}

// NewScheduler validates cfg and returns a scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		factor: math.Pow(0.9, 1/cfg.DecayExponent) - 1,
	}, nil
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Retrievability returns the probability of recall at now. It has no side
// effects. Nodes that were never reviewed or replayed report their stored
// value.
func (s *Scheduler) Retrievability(n *memory.KnowledgeNode, now time.Time) float64 {
	st := n.Schedule
	if !st.Seeded() {
		return clamp(st.Retrievability, 0, 1)
	}
	return s.curve(elapsedDays(st.Anchor(), now), st.Stability)
}

// curve evaluates the forgetting curve for t days at the given stability.
func (s *Scheduler) curve(t, stability float64) float64 {
	if t <= 0 {
		return 1
	}
	return clamp(math.Pow(1+s.factor*t/stability, s.cfg.DecayExponent), 0, 1)
}

// NextInterval returns the time until R falls to the desired retention.
func (s *Scheduler) NextInterval(stability float64) time.Duration {
	d := stability / s.factor * (math.Pow(s.cfg.DesiredRetention, 1/s.cfg.DecayExponent) - 1)
	d = clamp(math.Round(d), 1, s.cfg.MaxIntervalDays)
	return time.Duration(d * float64(day))
}

// Initialize records the first review of a node.
func (s *Scheduler) Initialize(n *memory.KnowledgeNode, r memory.Rating, now time.Time) error {
	if !r.Valid() {
		return &memory.NodeError{NodeID: n.ID, Op: "schedule", Err: fmt.Errorf("%w: %d", memory.ErrInvalidRating, int(r))}
	}
	st := &n.Schedule
	st.Stability = s.initialStability(r)
	st.Difficulty = s.initialDifficulty(r)
	st.Reps = 1
	if r == memory.Again {
		st.Lapses++
	}
	s.finish(n, r, 1, now)
	return nil
}

// Schedule applies a rating to an already initialized node.
// Stability grows more when recall succeeds at low retrievability.
func (s *Scheduler) Schedule(n *memory.KnowledgeNode, r memory.Rating, now time.Time) error {
	if !r.Valid() {
		return &memory.NodeError{NodeID: n.ID, Op: "schedule", Err: fmt.Errorf("%w: %d", memory.ErrInvalidRating, int(r))}
	}
	if !n.Schedule.Initialized() {
		return &memory.NodeError{NodeID: n.ID, Op: "schedule", Err: memory.ErrUninitializedState}
	}

	st := &n.Schedule
	ret := s.Retrievability(n, now)
	if r == memory.Again {
		st.Stability = s.forgetStability(st.Difficulty, st.Stability, ret)
		st.Lapses++
	} else {
		st.Stability = s.recallStability(st.Difficulty, st.Stability, ret, r)
	}
	st.Difficulty = s.nextDifficulty(st.Difficulty, r)
	st.Reps++
	s.finish(n, r, ret, now)
	return nil
}

// Review initializes the node on its first rating and schedules it afterwards.
func (s *Scheduler) Review(n *memory.KnowledgeNode, r memory.Rating, now time.Time) error {
	if n.Schedule.Initialized() {
		return s.Schedule(n, r, now)
	}
	return s.Initialize(n, r, now)
}

// Seed gives a never-reviewed node the stability and difficulty of a first
// Good rating without recording a review. The curve starts at now. A later
// first review still goes through Initialize.
func (s *Scheduler) Seed(n *memory.KnowledgeNode, now time.Time) error {
	st := &n.Schedule
	if st.Seeded() {
		return nil
	}
	if st.Reps > 0 {
		return &memory.NodeError{NodeID: n.ID, Op: "seed", Err: fmt.Errorf("%w: reviewed node has no stability", memory.ErrValidation)}
	}
	st.Stability = s.initialStability(memory.Good)
	st.Difficulty = s.initialDifficulty(memory.Good)
	st.LastReplayAt = now
	st.Retrievability = 1
	st.DueAt = now.Add(s.NextInterval(st.Stability))
	return nil
}

// Consolidate grows stability as if the node had been successfully replayed
// offline, scaled by ReplayFactor. No rating is recorded and the review
// clock is left alone.
func (s *Scheduler) Consolidate(n *memory.KnowledgeNode, now time.Time) error {
	if !n.Schedule.Seeded() {
		return &memory.NodeError{NodeID: n.ID, Op: "consolidate", Err: memory.ErrUninitializedState}
	}
	st := &n.Schedule
	ret := s.Retrievability(n, now)
	grown := s.recallStability(st.Difficulty, st.Stability, ret, memory.Good)
	st.Stability += s.cfg.ReplayFactor * (grown - st.Stability)
	st.Retrievability = s.Retrievability(n, now)
	st.DueAt = st.Anchor().Add(s.NextInterval(st.Stability))
	return nil
}

func (s *Scheduler) finish(n *memory.KnowledgeNode, r memory.Rating, ret float64, now time.Time) {
	st := &n.Schedule
	st.History = append(st.History, memory.ReviewRecord{Rating: r, At: now, Retrievability: ret})
	st.LastReviewAt = now
	st.Retrievability = 1
	st.DueAt = now.Add(s.NextInterval(st.Stability))
}

func (s *Scheduler) initialStability(r memory.Rating) float64 {
	return math.Max(s.cfg.Weights[int(r)-1], minStability)
}

func (s *Scheduler) initialDifficulty(r memory.Rating) float64 {
	w := s.cfg.Weights
	return clamp(w[4]-float64(int(r)-3)*w[5], minDifficulty, maxDifficulty)
}

func (s *Scheduler) nextDifficulty(d float64, r memory.Rating) float64 {
	w := s.cfg.Weights
	next := d - w[6]*float64(int(r)-3)
	// Mean reversion toward the difficulty of a first Good rating.
	next = w[7]*s.initialDifficulty(memory.Good) + (1-w[7])*next
	return clamp(next, minDifficulty, maxDifficulty)
}

func (s *Scheduler) recallStability(d, st, ret float64, r memory.Rating) float64 {
	w := s.cfg.Weights
	penalty, bonus := 1.0, 1.0
	switch r {
	case memory.Hard:
		penalty = w[15]
	case memory.Easy:
		bonus = w[16]
	}
	growth := math.Exp(w[8]) * (11 - d) * math.Pow(st, -w[9]) * (math.Exp(w[10]*(1-ret)) - 1) * penalty * bonus
	return math.Max(st*(1+growth), st)
}

func (s *Scheduler) forgetStability(d, st, ret float64) float64 {
	w := s.cfg.Weights
	next := w[11] * math.Pow(d, -w[12]) * (math.Pow(st+1, w[13]) - 1) * math.Exp(w[14]*(1-ret))
	return clamp(next, minStability, st)
}

func elapsedDays(from, to time.Time) float64 {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return to.Sub(from).Hours() / 24
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
