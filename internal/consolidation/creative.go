package consolidation

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// creative samples node pairs inside the novelty band and keeps those that
// score above the confidence threshold. Afterwards every node touched this
// cycle has its emotional intensity recalibrated once.
func (e *Engine) creative(ctx context.Context, c *cycle) error {
	began := time.Now()
	stats := &c.result.Creative
	defer func() { stats.Duration = time.Since(began) }()

	pool := make([]string, 0, len(c.queue))
	for _, item := range c.queue {
		if c.live(item.NodeID) {
			pool = append(pool, item.NodeID)
		}
	}

	if len(pool) >= 2 {
		seen := make(map[string]bool)
		for i := 0; i < c.cfg.SampleLimit; i++ {
			ai := c.random.Intn(len(pool))
			bi := c.random.Intn(len(pool) - 1)
			if bi >= ai {
				bi++
			}
			a, b := c.work[pool[ai]], c.work[pool[bi]]
			key := memory.PairKey(a.ID, b.ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			stats.Attempted++
			stats.Sampled++

			conn, ok := e.evaluatePair(c, a, b)
			if !ok {
				continue
			}
			c.candidates = append(c.candidates, conn)
			c.touched[a.ID] = true
			c.touched[b.ID] = true
			stats.Candidates++
			stats.Succeeded++
		}
	}

	for _, id := range c.touchedIDs() {
		n := c.work[id]
		before := n.Emotion.Intensity
		if !e.emotion.Recalibrate(n, c.processed) {
			continue
		}
		stats.Recalibrated++
		if n.Emotion.Intensity == before {
			continue
		}
		if err := e.commit(ctx, c, n, "creative"); err != nil {
			return err
		}
		if c.failed[id] {
			stats.Skipped++
		}
	}

	e.logger.Debug("creative phase complete",
		zap.String("cycle", c.id),
		zap.Int("sampled", stats.Sampled),
		zap.Int("candidates", stats.Candidates))
	return nil
}

// evaluatePair scores a pair by how well its similarity sits inside the
// novelty band and by emotional compatibility. Same-kind pairs are damped.
func (e *Engine) evaluatePair(c *cycle, a, b *memory.KnowledgeNode) (CreativeConnection, bool) {
	sim := e.similarity(a, b)
	lo, hi := c.cfg.MinSimilarity, c.cfg.MaxSimilarity
	if sim < lo || sim > hi {
		return CreativeConnection{}, false
	}
	mid, half := (lo+hi)/2, (hi-lo)/2
	band := 1 - math.Abs(sim-mid)/half
	compat := e.emotion.Compatibility(a, b)

	score := 0.5*band + 0.5*compat
	if a.Kind == b.Kind {
		score *= c.cfg.SameKindPenalty
	}
	if score < c.cfg.CreativeConfidence {
		return CreativeConnection{}, false
	}

	kind := classify(a, b, compat, sim >= mid)
	from, to := a.ID, b.ID
	if kind == ConnectionCausal && b.CreatedAt.Before(a.CreatedAt) {
		from, to = to, from
	}
	return CreativeConnection{
		From:     from,
		To:       to,
		Kind:     kind,
		Strength: score,
		CycleID:  c.id,
	}, true
}

func classify(a, b *memory.KnowledgeNode, compat float64, near bool) ConnectionKind {
	switch {
	case compat <= 0.1:
		return ConnectionContrast
	case near && isEvent(a) && isEvent(b) && !a.CreatedAt.Equal(b.CreatedAt):
		return ConnectionCausal
	case a.Kind != b.Kind:
		return ConnectionAnalogy
	case signals.SameCategory(a, b):
		return ConnectionThematic
	}
	return ConnectionAnalogy
}

func isEvent(n *memory.KnowledgeNode) bool {
	return n.Kind == memory.KindEpisode || n.Kind == memory.KindFact
}
