package consolidation

import (
	"math/rand"
	"time"
)

// RandomSource supplies the only non-determinism in a cycle: creative
// pair sampling.
type RandomSource interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// NewSeededSource returns a reproducible source.
func NewSeededSource(seed int64) RandomSource {
	return rand.New(rand.NewSource(seed))
}

// NewTimeSource returns a source seeded from the wall clock.
func NewTimeSource() RandomSource {
	return NewSeededSource(time.Now().UnixNano())
}

// SequenceSource replays a fixed sequence, wrapping around at the end.
// Values are reduced modulo n.
type SequenceSource struct {
	Values []int
	pos    int
}

// Intn returns the next value of the sequence modulo n.
func (s *SequenceSource) Intn(n int) int {
	if len(s.Values) == 0 || n <= 0 {
		return 0
	}
	v := s.Values[s.pos%len(s.Values)]
	s.pos++
	if v < 0 {
		v = -v
	}
	return v % n
}
