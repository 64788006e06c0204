package consolidation

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/accessibility"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// Legacy pipeline stages, in order.
const (
	StageDecay     = "decay"
	StageReplay    = "replay"
	StageIntegrate = "integrate"
	StagePrune     = "prune"
)

// RunSleepConsolidation runs the legacy pipeline: decay every node, replay
// the top-N by score, embed nodes that lack a vector, and optionally prune.
// There is no tagging and no creative phase. Cancelling ctx stops the run
// between stages; the completed stages are kept and reported.
func (e *Engine) RunSleepConsolidation(ctx context.Context) (ConsolidationResult, error) {
	token, err := e.guard.Acquire(ctx)
	if err != nil {
		return ConsolidationResult{}, err
	}
	defer e.release(token)
	defer e.gate.close()()

	start := e.clock.Now()
	res := ConsolidationResult{CycleID: newCycleID(start), StartedAt: start}
	e.logger.Info("sleep consolidation started", zap.String("cycle", res.CycleID))

	err = e.runStages(ctx, &res)
	res.FinishedAt = e.clock.Now()
	if err != nil {
		res.Interrupted = true
		res.Error = err.Error()
	}
	e.appendHistory(context.WithoutCancel(ctx), res.record())

	if err != nil {
		e.logger.Warn("sleep consolidation stopped",
			zap.String("cycle", res.CycleID),
			zap.Strings("completed", res.StagesCompleted),
			zap.Error(err))
		return res, err
	}
	e.logger.Info("sleep consolidation complete",
		zap.String("cycle", res.CycleID),
		zap.Int("decayed", res.Decayed),
		zap.Int("replayed", res.Replayed),
		zap.Int("integrated", res.Integrated),
		zap.Int("pruned", res.Pruned))
	return res, nil
}

func (e *Engine) runStages(ctx context.Context, res *ConsolidationResult) error {
	// Each stage runs to completion; only the gaps between them observe ctx.
	stageCtx := context.WithoutCancel(ctx)

	nodes, err := e.store.GetActiveNodes(stageCtx)
	if err != nil {
		return phaseErr(StageDecay, err)
	}

	stages := []struct {
		name string
		run  func(context.Context, []*memory.KnowledgeNode, *ConsolidationResult) ([]*memory.KnowledgeNode, error)
	}{
		{StageDecay, e.sleepDecay},
		{StageReplay, e.sleepReplay},
		{StageIntegrate, e.sleepIntegrate},
		{StagePrune, e.sleepPrune},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if nodes, err = st.run(stageCtx, nodes, res); err != nil {
			return phaseErr(st.name, err)
		}
		res.StagesCompleted = append(res.StagesCompleted, st.name)
	}
	return nil
}

// commitLegacy writes n and reports whether it was stored. Nodes that fail
// are dropped from the remaining stages.
func (e *Engine) commitLegacy(ctx context.Context, n *memory.KnowledgeNode, stage string, res *ConsolidationResult) (bool, error) {
	if err := e.store.CommitNode(ctx, n); err != nil {
		if memory.IsFatal(err) {
			return false, err
		}
		res.Skipped = append(res.Skipped, SkippedNode{ID: n.ID, Phase: stage, Reason: err.Error()})
		return false, nil
	}
	return true, nil
}

func (e *Engine) sleepDecay(ctx context.Context, nodes []*memory.KnowledgeNode, res *ConsolidationResult) ([]*memory.KnowledgeNode, error) {
	now := e.clock.Now()
	kept := nodes[:0]
	for _, n := range nodes {
		beforeR, beforeState := n.Strength.Retrieval, n.State
		if err := e.strength.DecayTo(n, now); err != nil {
			res.Skipped = append(res.Skipped, SkippedNode{ID: n.ID, Phase: StageDecay, Reason: err.Error()})
			continue
		}
		e.machine.Step(n, now)
		if n.Strength.Retrieval == beforeR && n.State == beforeState {
			kept = append(kept, n)
			continue
		}
		ok, err := e.commitLegacy(ctx, n, StageDecay, res)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if n.Strength.Retrieval < beforeR {
			res.Decayed++
		}
		kept = append(kept, n)
	}
	return kept, nil
}

func (e *Engine) sleepReplay(ctx context.Context, nodes []*memory.KnowledgeNode, res *ConsolidationResult) ([]*memory.KnowledgeNode, error) {
	now := e.clock.Now()
	sctx := signals.Context{Now: now}

	type scored struct {
		n     *memory.KnowledgeNode
		score float64
	}
	var ranked []scored
	for _, n := range nodes {
		if n.State == memory.StateActive || n.State == memory.StateDormant {
			ranked = append(ranked, scored{n: n, score: e.scorer.Score(n, sctx)})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].n.LastAccessedAt.Before(ranked[j].n.LastAccessedAt)
	})
	if len(ranked) > e.sleep.ReplayTopN {
		ranked = ranked[:e.sleep.ReplayTopN]
	}

	for _, r := range ranked {
		n := r.n
		n.Importance = r.score
		if err := e.strength.Update(n, memory.Reinforcement{Boost: e.sleep.ReplayBoost}, now); err != nil {
			res.Skipped = append(res.Skipped, SkippedNode{ID: n.ID, Phase: StageReplay, Reason: err.Error()})
			continue
		}
		ok, err := e.commitLegacy(ctx, n, StageReplay, res)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Replayed++
		}
	}
	return nodes, nil
}

func (e *Engine) sleepIntegrate(ctx context.Context, nodes []*memory.KnowledgeNode, res *ConsolidationResult) ([]*memory.KnowledgeNode, error) {
	if !e.dispatcher.Enabled() {
		return nodes, nil
	}
	for _, n := range nodes {
		if n.EmbeddingRef != "" {
			continue
		}
		n.EmbeddingRef = n.ID
		ok, err := e.commitLegacy(ctx, n, StageIntegrate, res)
		if err != nil {
			return nil, err
		}
		if ok && e.dispatcher.Dispatch(n) {
			res.Integrated++
		}
	}
	return nodes, nil
}

func (e *Engine) sleepPrune(ctx context.Context, nodes []*memory.KnowledgeNode, res *ConsolidationResult) ([]*memory.KnowledgeNode, error) {
	if !e.sleep.Prune {
		return nodes, nil
	}
	var (
		ids  []string
		refs []string
	)
	kept := nodes[:0]
	for _, n := range nodes {
		weak := n.Strength.Storage < e.sleep.PruneStorageFloor &&
			accessibility.Level(n) < e.sleep.PruneLevel &&
			!n.Pinned && n.Emotion.Intensity < e.dream.ProtectIntensity
		if weak {
			ids = append(ids, n.ID)
			if n.EmbeddingRef != "" {
				refs = append(refs, n.EmbeddingRef)
			}
			continue
		}
		kept = append(kept, n)
	}
	if len(ids) == 0 {
		return kept, nil
	}
	if err := e.store.DeleteNodes(ctx, ids); err != nil {
		return nil, err
	}
	res.Pruned = len(ids)
	e.dispatcher.Forget(refs)
	return kept, nil
}
