package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// integrate validates the creative candidates, persists the accepted ones as
// insights and finally deletes the pruned nodes. A store failure stops the
// phase; insights already persisted stay, deletions are skipped.
func (e *Engine) integrate(ctx context.Context, c *cycle) error {
	began := time.Now()
	stats := &c.result.Integration
	defer func() { stats.Duration = time.Since(began) }()

	now := e.clock.Now()
	links, _ := e.store.(memory.LinkChecker)
	seen := make(map[string]bool)

	for _, cand := range c.candidates {
		stats.Attempted++
		if c.pruned[cand.From] || c.pruned[cand.To] {
			stats.RejectedPruned++
			continue
		}
		key := memory.PairKey(cand.From, cand.To)
		if seen[key] {
			stats.Duplicates++
			continue
		}
		seen[key] = true
		if links != nil {
			linked, err := links.HasLink(ctx, cand.From, cand.To)
			if err != nil {
				return fmt.Errorf("check link %s: %w", key, err)
			}
			if linked {
				stats.Duplicates++
				continue
			}
		}
		if cand.Strength < c.cfg.ValidationThreshold {
			stats.BelowThreshold++
			continue
		}

		node, insight := e.buildInsight(c, cand, now)
		rel := memory.Relation{
			From:     cand.From,
			To:       cand.To,
			Kind:     string(cand.Kind),
			Strength: cand.Strength,
			CycleID:  c.id,
		}
		if err := e.store.PersistInsight(ctx, node, rel); err != nil {
			return fmt.Errorf("persist insight %s: %w", node.ID, err)
		}
		c.insights = append(c.insights, insight)
		stats.Accepted++
		stats.Succeeded++

		if e.dispatcher.Dispatch(node) {
			stats.EmbeddingsDispatched++
		}
	}

	if ids := c.prunedIDs(); len(ids) > 0 {
		if err := e.store.DeleteNodes(ctx, ids); err != nil {
			return fmt.Errorf("delete pruned nodes: %w", err)
		}
		stats.Deleted = len(ids)
		e.logger.Info("pruned nodes deleted", zap.String("cycle", c.id), zap.Strings("ids", ids))

		pruned := make([]*memory.KnowledgeNode, 0, len(ids))
		for _, id := range ids {
			pruned = append(pruned, c.work[id])
		}
		e.dispatcher.Forget(embeddingRefs(pruned))
	}
	return nil
}

func (e *Engine) buildInsight(c *cycle, cand CreativeConnection, now time.Time) (*memory.KnowledgeNode, DreamInsight) {
	a, b := c.work[cand.From], c.work[cand.To]
	summary := fmt.Sprintf("%s: %q and %q", cand.Kind, excerpt(a.Content), excerpt(b.Content))

	id := uuid.NewString()
	n := memory.NewNode(id, summary, memory.KindInsight, now)
	n.EmbeddingRef = id
	n.Importance = cand.Strength
	n.Tags = []string{"insight", string(cand.Kind)}
	if a.Emotion.Category == b.Emotion.Category {
		n.Emotion = memory.Emotion{
			Category:  a.Emotion.Category,
			Intensity: (a.Emotion.Intensity + b.Emotion.Intensity) / 2,
		}
	}

	return n, DreamInsight{
		ID:         id,
		Summary:    summary,
		Supporting: []string{cand.From, cand.To},
		Kind:       cand.Kind,
		Confidence: cand.Strength,
	}
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:57]) + "..."
	}
	return s
}
