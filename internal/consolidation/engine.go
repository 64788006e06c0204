// Package consolidation runs offline memory consolidation: the four-phase
// dream cycle and the legacy single-pass sleep pipeline. Both run as an
// exclusive critical section guarded by a Token.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/accessibility"
	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/retention"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// Options wires an Engine. Store is required; every other field falls back
// to a default built from the package defaults.
type Options struct {
	Store   memory.NodeStore
	History HistoryStore
	Guard   Guard
	// Gate is shared with the online write paths so a cycle never overwrites
	// a concurrent review or recall.
	Gate       *Gate
	Clock      clock.Clock
	Strength   *memory.StrengthModel
	Scheduler  *retention.Scheduler
	Machine    *accessibility.Machine
	Scorer     signals.Scorer
	Tags       *signals.TaggingSystem
	Emotion    *signals.EmotionalMemory
	Similarity memory.Similarity
	Dispatcher *Dispatcher
	// Random overrides the per-cycle source; by default each cycle is seeded
	// from DreamConfig.Seed or the wall clock.
	Random RandomSource
	Dream  DreamConfig
	Sleep  SleepConfig
	Logger *zap.Logger
}

// Engine runs consolidation cycles against a node store.
type Engine struct {
	store      memory.NodeStore
	history    HistoryStore
	guard      Guard
	gate       *Gate
	clock      clock.Clock
	strength   *memory.StrengthModel
	scheduler  *retention.Scheduler
	machine    *accessibility.Machine
	scorer     signals.Scorer
	tags       *signals.TaggingSystem
	emotion    *signals.EmotionalMemory
	similarity memory.Similarity
	dispatcher *Dispatcher
	random     RandomSource
	dream      DreamConfig
	sleep      SleepConfig
	logger     *zap.Logger
}

// NewEngine validates the configuration and fills in defaults.
// Configuration errors are reported here, never mid-cycle.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: consolidation engine needs a node store", memory.ErrConfig)
	}
	if opts.Dream == (DreamConfig{}) {
		opts.Dream = DefaultDreamConfig()
	}
	if err := opts.Dream.Validate(); err != nil {
		return nil, err
	}
	if opts.Sleep == (SleepConfig{}) {
		opts.Sleep = DefaultSleepConfig()
	}
	if err := opts.Sleep.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var err error
	if opts.Strength == nil {
		if opts.Strength, err = memory.NewStrengthModel(memory.DefaultStrengthConfig()); err != nil {
			return nil, err
		}
	}
	if opts.Scheduler == nil {
		if opts.Scheduler, err = retention.NewScheduler(retention.DefaultConfig()); err != nil {
			return nil, err
		}
	}
	if opts.Machine == nil {
		if opts.Machine, err = accessibility.NewMachine(accessibility.DefaultConfig(), opts.Strength); err != nil {
			return nil, err
		}
	}
	if opts.Scorer == nil {
		imp, err := signals.NewImportance(signals.DefaultImportanceWeights())
		if err != nil {
			return nil, err
		}
		opts.Scorer = imp
	}
	if opts.Tags == nil {
		if opts.Tags, err = signals.NewTaggingSystem(signals.DefaultTaggingConfig(), opts.Logger); err != nil {
			return nil, err
		}
	}
	if opts.Emotion == nil {
		if opts.Emotion, err = signals.NewEmotionalMemory(signals.DefaultEmotionConfig()); err != nil {
			return nil, err
		}
	}
	if opts.Similarity == nil {
		opts.Similarity = memory.NewSimilarity(nil)
	}
	if opts.History == nil {
		opts.History = NewMemHistory()
	}
	if opts.Guard == nil {
		opts.Guard = NewLocalGuard()
	}
	if opts.Gate == nil {
		opts.Gate = NewGate()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(nil, 0, opts.Logger)
	}

	return &Engine{
		store:      opts.Store,
		history:    opts.History,
		guard:      opts.Guard,
		gate:       opts.Gate,
		clock:      opts.Clock,
		strength:   opts.Strength,
		scheduler:  opts.Scheduler,
		machine:    opts.Machine,
		scorer:     opts.Scorer,
		tags:       opts.Tags,
		emotion:    opts.Emotion,
		similarity: opts.Similarity,
		dispatcher: opts.Dispatcher,
		random:     opts.Random,
		dream:      opts.Dream,
		sleep:      opts.Sleep,
		logger:     opts.Logger,
	}, nil
}

// DreamConfig returns the configuration the engine was built with.
func (e *Engine) DreamConfig() DreamConfig { return e.dream }

// SleepConfig returns the legacy pipeline configuration.
func (e *Engine) SleepConfig() SleepConfig { return e.sleep }

// Tags returns the tagging registry fed during normal operation.
func (e *Engine) Tags() *signals.TaggingSystem { return e.tags }

// History returns the history store.
func (e *Engine) History() HistoryStore { return e.history }

// Gate returns the mutation gate held by running cycles.
func (e *Engine) Gate() *Gate { return e.gate }

// Dispatcher returns the embedding dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// RunDreamCycle runs Triage, Deep Consolidation, Creative and Integration in
// order. It returns memory.ErrBusy without touching any node when another
// cycle holds the guard. Once started the cycle ignores cancellation of ctx
// and runs to completion or failure; the report is returned in both cases.
func (e *Engine) RunDreamCycle(ctx context.Context, cfg DreamConfig) (FourPhaseDreamResult, error) {
	if err := cfg.Validate(); err != nil {
		return FourPhaseDreamResult{}, err
	}
	token, err := e.guard.Acquire(ctx)
	if err != nil {
		return FourPhaseDreamResult{}, err
	}
	defer e.release(token)
	defer e.gate.close()()

	ctx = context.WithoutCancel(ctx)
	start := e.clock.Now()
	c := newCycle(newCycleID(start), cfg, e.cycleRandom(cfg), start)

	e.logger.Info("dream cycle started", zap.String("cycle", c.id))

	err = e.runPhases(ctx, c)
	c.result.FinishedAt = e.clock.Now()
	if err != nil {
		c.result.Partial = true
		c.result.Error = err.Error()
	}
	report := c.report()
	e.appendHistory(ctx, report.record())

	fields := []zap.Field{
		zap.String("cycle", c.id),
		zap.Int("triaged", report.Triage.Succeeded),
		zap.Int("consolidated", report.Triage.Consolidate),
		zap.Int("pruned", report.Integration.Deleted),
		zap.Int("insights", len(report.Insights)),
		zap.Int("skipped", len(report.Skipped)),
	}
	if err != nil {
		e.logger.Error("dream cycle failed", append(fields, zap.Error(err))...)
		return report, err
	}
	e.logger.Info("dream cycle complete", fields...)
	return report, nil
}

func (e *Engine) runPhases(ctx context.Context, c *cycle) error {
	if err := e.triage(ctx, c); err != nil {
		return phaseErr("triage", err)
	}
	if err := e.deepConsolidate(ctx, c); err != nil {
		return phaseErr("deep consolidation", err)
	}
	if err := e.creative(ctx, c); err != nil {
		return phaseErr("creative", err)
	}
	if err := e.integrate(ctx, c); err != nil {
		return phaseErr("integration", err)
	}
	return nil
}

// commit writes n back to the store. A fatal store error is returned; any
// other failure skips the node for the rest of the cycle.
func (e *Engine) commit(ctx context.Context, c *cycle, n *memory.KnowledgeNode, phase string) error {
	if err := e.store.CommitNode(ctx, n); err != nil {
		if memory.IsFatal(err) {
			return err
		}
		e.logger.Warn("node skipped", zap.String("cycle", c.id), zap.String("node", n.ID),
			zap.String("phase", phase), zap.Error(err))
		c.skip(n.ID, phase, err)
		return nil
	}
	c.committed(n)
	return nil
}

func (e *Engine) cycleRandom(cfg DreamConfig) RandomSource {
	switch {
	case e.random != nil:
		return e.random
	case cfg.Seed != 0:
		return NewSeededSource(cfg.Seed)
	}
	return NewTimeSource()
}

func (e *Engine) release(token Token) {
	if err := token.Release(context.Background()); err != nil {
		e.logger.Warn("release cycle guard", zap.Error(err))
	}
}

func (e *Engine) appendHistory(ctx context.Context, rec HistoryRecord) {
	if err := e.history.AppendHistory(ctx, rec); err != nil {
		e.logger.Error("append consolidation history", zap.String("cycle", rec.CycleID), zap.Error(err))
	}
}

func newCycleID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// IsBusy reports whether err means another cycle was already running.
func IsBusy(err error) bool {
	return errors.Is(err, memory.ErrBusy)
}
