package consolidation

import (
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// cycle owns every record that exists only for the duration of one dream
// cycle. Nothing in it escapes except the final report.
type cycle struct {
	id      string
	cfg     DreamConfig
	random  RandomSource
	started time.Time

	snapshot map[string]*memory.KnowledgeNode // as loaded at triage start
	work     map[string]*memory.KnowledgeNode // committed working copies
	queue    []TriagedMemory

	tags      map[string]signals.SynapticTag
	boosted   map[string]float64 // node id -> retrieval before the boost
	protected map[string]bool
	pruned    map[string]bool
	failed    map[string]bool
	touched   map[string]bool
	processed signals.ProcessedSet

	candidates []CreativeConnection
	insights   []DreamInsight
	result     FourPhaseDreamResult
}

func newCycle(id string, cfg DreamConfig, random RandomSource, started time.Time) *cycle {
	return &cycle{
		id:        id,
		cfg:       cfg,
		random:    random,
		started:   started,
		snapshot:  make(map[string]*memory.KnowledgeNode),
		work:      make(map[string]*memory.KnowledgeNode),
		tags:      make(map[string]signals.SynapticTag),
		boosted:   make(map[string]float64),
		protected: make(map[string]bool),
		pruned:    make(map[string]bool),
		failed:    make(map[string]bool),
		touched:   make(map[string]bool),
		processed: make(signals.ProcessedSet),
		result:    FourPhaseDreamResult{CycleID: id, StartedAt: started},
	}
}

// skip records a per-node failure and rolls the working copy back to the
// last state known to be in the store.
func (c *cycle) skip(id, phase string, err error) {
	c.failed[id] = true
	if snap, ok := c.snapshot[id]; ok {
		c.work[id] = snap.Clone()
	}
	c.result.Skipped = append(c.result.Skipped, SkippedNode{ID: id, Phase: phase, Reason: err.Error()})
}

// committed marks n as the new baseline for rollbacks.
func (c *cycle) committed(n *memory.KnowledgeNode) {
	c.snapshot[n.ID] = n.Clone()
}

// live reports whether id may take part in later phases.
func (c *cycle) live(id string) bool {
	return !c.pruned[id] && !c.failed[id]
}

// touchedIDs returns the touched nodes in a stable order.
func (c *cycle) touchedIDs() []string {
	ids := make([]string, 0, len(c.touched))
	for id := range c.touched {
		if c.live(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// prunedIDs returns the nodes marked for deferred deletion in a stable order.
func (c *cycle) prunedIDs() []string {
	ids := make([]string, 0, len(c.pruned))
	for id := range c.pruned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// report freezes the result. Slices are copied so the caller owns them.
func (c *cycle) report() FourPhaseDreamResult {
	r := c.result
	r.Insights = append([]DreamInsight{}, c.insights...)
	r.Skipped = append([]SkippedNode(nil), c.result.Skipped...)
	return r
}

func phaseErr(phase string, err error) error {
	return fmt.Errorf("%s: %w", phase, err)
}
