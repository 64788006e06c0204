package consolidation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// deepConsolidate processes the replay queue in order, committing each node
// as soon as it is updated, then applies synaptic downscaling. Downscaling
// only starts after every boost has been committed.
func (e *Engine) deepConsolidate(ctx context.Context, c *cycle) error {
	began := time.Now()
	stats := &c.result.Deep
	defer func() { stats.Duration = time.Since(began) }()

	now := e.clock.Now()
	for _, item := range c.queue {
		stats.Attempted++
		if item.Category == CategoryPrune {
			c.pruned[item.NodeID] = true
			stats.Succeeded++
			continue
		}

		n := c.work[item.NodeID]
		if err := e.process(c, n, item.Category, now); err != nil {
			stats.Skipped++
			c.skip(n.ID, "deep", err)
			continue
		}
		if tr := e.machine.Step(n, now); tr.Changed() {
			stats.Transitions++
			e.logger.Debug("state transition",
				zap.String("node", n.ID),
				zap.String("from", string(tr.From)),
				zap.String("to", string(tr.To)),
				zap.String("reason", tr.Reason))
		}
		if err := e.commit(ctx, c, n, "deep"); err != nil {
			return err
		}
		if c.failed[n.ID] {
			stats.Skipped++
			continue
		}
		c.touched[n.ID] = true
		stats.Succeeded++
	}

	return e.downscale(ctx, c)
}

func (e *Engine) process(c *cycle, n *memory.KnowledgeNode, cat Category, now time.Time) error {
	switch cat {
	case CategoryProtect:
		c.protected[n.ID] = true
		// Elapsed time is forgiven, not decayed.
		n.LastDecayAt = now
		if floor := c.cfg.ProtectFloor * n.Strength.Storage; n.Strength.Retrieval < floor {
			n.Strength.Retrieval = floor
		}
		return nil

	case CategoryConsolidate:
		if err := e.strength.DecayTo(n, now); err != nil {
			return err
		}
		pre := n.Strength.Retrieval
		if tag, ok := c.tags[n.ID]; ok {
			if boost, captured := e.tags.Capture(tag, now); captured {
				if err := e.strength.Update(n, memory.Reinforcement{Boost: boost}, now); err != nil {
					return err
				}
				c.result.Deep.TagsCaptured++
			} else {
				c.result.Deep.TagsLapsed++
			}
			delete(c.tags, n.ID)
		}
		if err := e.strength.Update(n, memory.Reinforcement{Boost: c.cfg.ConsolidationBoost}, now); err != nil {
			return err
		}
		if n.Schedule.Seeded() {
			if err := e.scheduler.Consolidate(n, now); err != nil {
				return err
			}
		} else if err := e.scheduler.Seed(n, now); err != nil {
			return err
		}
		c.boosted[n.ID] = pre
		return nil
	}

	return e.strength.DecayTo(n, now)
}

// downscale scales retrieval strength of every surviving node. Protected
// nodes are exempt; boosted nodes get the milder factor and never drop below
// their pre-boost retrieval. Storage strength is never reduced.
func (e *Engine) downscale(ctx context.Context, c *cycle) error {
	for _, item := range c.queue {
		id := item.NodeID
		if !c.live(id) || c.protected[id] {
			continue
		}
		n := c.work[id]
		before := n.Strength.Retrieval
		if pre, ok := c.boosted[id]; ok {
			n.Strength.Retrieval = max(before*c.cfg.BoostedDownscaleFactor, pre)
		} else {
			n.Strength.Retrieval = before * c.cfg.DownscaleFactor
		}
		n.Strength.Retrieval = min(n.Strength.Retrieval, n.Strength.Storage)
		if n.Strength.Retrieval == before {
			continue
		}
		if err := e.commit(ctx, c, n, "downscale"); err != nil {
			return err
		}
		if !c.failed[id] {
			c.result.Deep.Downscaled++
		}
	}
	// Tags of nodes that were not consolidated lapse with the cycle.
	c.result.Deep.TagsLapsed += len(c.tags)
	return nil
}
