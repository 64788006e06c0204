package consolidation

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// triage snapshots the store, scores every Active or Dormant node and builds
// the replay queue. Pending synaptic tags are drained into the cycle here.
// Expired suppressions are lifted first so those nodes are scored too.
func (e *Engine) triage(ctx context.Context, c *cycle) error {
	began := time.Now()
	stats := &c.result.Triage
	defer func() { stats.Duration = time.Since(began) }()

	nodes, err := e.store.GetActiveNodes(ctx)
	if err != nil {
		return err
	}
	for _, tag := range e.tags.Drain() {
		c.tags[tag.NodeID] = tag
	}

	now := e.clock.Now()
	sctx := signals.Context{Now: now}
	lastAccess := make(map[string]time.Time, len(nodes))

	for _, n := range nodes {
		if n.State == memory.StateUnavailable {
			if tr := e.machine.Step(n, now); tr.Changed() {
				if err := e.commit(ctx, c, n, "triage"); err != nil {
					return err
				}
				if c.failed[n.ID] {
					continue
				}
				stats.Restored++
			}
		}
		if n.State != memory.StateActive && n.State != memory.StateDormant {
			continue
		}
		stats.Attempted++
		if err := n.Validate(); err != nil {
			stats.Skipped++
			c.result.Skipped = append(c.result.Skipped, SkippedNode{ID: n.ID, Phase: "triage", Reason: err.Error()})
			continue
		}

		score := e.scorer.Score(n, sctx)
		cat := categorize(n, score, c.cfg)
		c.snapshot[n.ID] = n
		work := n.Clone()
		work.Importance = score
		c.work[n.ID] = work
		c.queue = append(c.queue, TriagedMemory{NodeID: n.ID, Score: score, Category: cat})
		lastAccess[n.ID] = n.LastAccessedAt
		stats.Succeeded++

		switch cat {
		case CategoryConsolidate:
			stats.Consolidate++
		case CategoryPrune:
			stats.Prune++
		case CategoryProtect:
			stats.Protect++
		default:
			stats.Decay++
		}
	}

	// Highest score first; among equals the longest-unvisited memory goes
	// first so stale but relevant nodes are not starved.
	sort.SliceStable(c.queue, func(i, j int) bool {
		a, b := c.queue[i], c.queue[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ta, tb := lastAccess[a.NodeID], lastAccess[b.NodeID]
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.NodeID < b.NodeID
	})
	for i := range c.queue {
		c.queue[i].Position = i
	}

	e.logger.Debug("triage complete",
		zap.String("cycle", c.id),
		zap.Int("queued", len(c.queue)),
		zap.Int("tags", len(c.tags)))
	return nil
}

// categorize applies the triage thresholds. Protection overrides everything.
func categorize(n *memory.KnowledgeNode, score float64, cfg DreamConfig) Category {
	switch {
	case n.Pinned || n.Emotion.Intensity >= cfg.ProtectIntensity:
		return CategoryProtect
	case score >= cfg.ConsolidateThreshold:
		return CategoryConsolidate
	case score <= cfg.PruneThreshold && n.Strength.Storage < cfg.PruneStorageFloor:
		return CategoryPrune
	}
	return CategoryDecay
}
