package consolidation

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

const (
	textA = "sleep strengthens memory traces overnight"
	textB = "memory traces fade without rehearsal"
	textC = "rehearsal before sleep improves recall"
	textD = "overnight recall improves after rehearsal"
)

func TestDreamConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *DreamConfig)
	}{
		{"prune above consolidate", func(c *DreamConfig) { c.PruneThreshold = 0.8; c.ConsolidateThreshold = 0.6 }},
		{"downscale not below one", func(c *DreamConfig) { c.DownscaleFactor = 1 }},
		{"boosted harsher than ordinary", func(c *DreamConfig) { c.BoostedDownscaleFactor = 0.5 }},
		{"inverted band", func(c *DreamConfig) { c.MinSimilarity = 0.8 }},
		{"threshold out of range", func(c *DreamConfig) { c.ValidationThreshold = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDreamConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, memory.ErrConfig) {
				t.Fatalf("got %v, want ErrConfig", err)
			}
			_, err := NewEngine(Options{Store: memory.NewMemStore(), Dream: cfg})
			if !errors.Is(err, memory.ErrConfig) {
				t.Fatalf("engine accepted bad config: %v", err)
			}
		})
	}
	if _, err := NewEngine(Options{}); !errors.Is(err, memory.ErrConfig) {
		t.Fatalf("engine without store: got %v, want ErrConfig", err)
	}
}

func TestRunDreamCycleRejectsBadConfigBeforeRunning(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	cfg := DefaultDreamConfig()
	cfg.PruneThreshold = 0.9
	if _, err := f.engine.RunDreamCycle(context.Background(), cfg); !errors.Is(err, memory.ErrConfig) {
		t.Fatalf("got %v, want ErrConfig", err)
	}
	if recs, _ := f.history.ListHistory(context.Background(), 0); len(recs) != 0 {
		t.Fatalf("history written for rejected config: %d", len(recs))
	}
}

func TestDreamScenarioStrongNodeConsolidates(t *testing.T) {
	store := memory.NewMemStore()
	strength, err := memory.NewStrengthModel(memory.StrengthConfig{
		HalfLifeHours: 120, Resistance: 0, ReviewGain: 0.5, RetrievalRecovery: 0.8, MaxStorage: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, store, func(o *Options) {
		o.Strength = strength
		o.Scorer = scores(0.9, nil)
	})

	n := memory.NewNode("n1", "the capital of Peru is Lima", memory.KindFact, t0.Add(-10*24*time.Hour))
	n.Strength = memory.DualStrength{Storage: 5, Retrieval: 5}
	f.add(t, n)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Triage.Consolidate != 1 || res.Triage.Prune != 0 {
		t.Fatalf("triage = %+v, want one consolidate", res.Triage)
	}

	got := f.get(t, "n1")
	if got.Strength.Storage <= 5 {
		t.Errorf("storage = %.3f, want > 5", got.Strength.Storage)
	}
	if got.State != memory.StateActive && got.State != memory.StateDormant {
		t.Errorf("state = %s, want active or dormant", got.State)
	}
	if got.Strength.Retrieval > got.Strength.Storage {
		t.Errorf("retrieval %.3f exceeds storage %.3f", got.Strength.Retrieval, got.Strength.Storage)
	}
	if !got.Schedule.Seeded() || got.Schedule.DueAt.IsZero() {
		t.Error("consolidated node has no schedule")
	}
	if got.Schedule.Reps != 0 || len(got.Schedule.History) != 0 || !got.Schedule.LastReviewAt.IsZero() {
		t.Errorf("offline replay recorded as a review: %+v", got.Schedule)
	}
	if res.Integration.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", res.Integration.Deleted)
	}
}

func TestTagCaptureWindow(t *testing.T) {
	run := func(t *testing.T, elapsed func(w time.Duration) time.Duration) (FourPhaseDreamResult, *memory.KnowledgeNode) {
		f := newFixture(t, memory.NewMemStore(), func(o *Options) { o.Scorer = scores(0.9, nil) })
		f.add(t, node("n1", "x", memory.KindFact))
		if _, ok := f.engine.Tags().MaybeTag("n1", 0.9, t0); !ok {
			t.Fatal("tag not set")
		}
		f.clock.Set(t0.Add(elapsed(f.engine.Tags().Config().Window())))
		res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
		if err != nil {
			t.Fatal(err)
		}
		return res, f.get(t, "n1")
	}

	inside, nIn := run(t, func(w time.Duration) time.Duration { return w / 2 })
	if inside.Deep.TagsCaptured != 1 {
		t.Fatalf("at W/2: captured = %d, want 1", inside.Deep.TagsCaptured)
	}
	outside, nOut := run(t, func(w time.Duration) time.Duration { return 2 * w })
	if outside.Deep.TagsCaptured != 0 || outside.Deep.TagsLapsed != 1 {
		t.Fatalf("at 2W: captured=%d lapsed=%d, want 0/1", outside.Deep.TagsCaptured, outside.Deep.TagsLapsed)
	}
	if nIn.Strength.Storage <= nOut.Strength.Storage {
		t.Errorf("captured storage %.3f not above lapsed %.3f", nIn.Strength.Storage, nOut.Strength.Storage)
	}
}

func TestDownscaleSparesBoostedAndProtected(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Scorer = scores(0.5, map[string]float64{"boosted": 0.9})
	})
	pinned := node("pinned", "p", memory.KindFact)
	pinned.Pinned = true
	f.add(t, node("boosted", "b", memory.KindFact), node("plain", "q", memory.KindFact), pinned)

	now := f.clock.Advance(24 * time.Hour)
	sm, _ := memory.NewStrengthModel(memory.DefaultStrengthConfig())
	decayed := sm.DecayRetrieval(1, 1, now.Sub(t0))

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deep.Downscaled != 2 {
		t.Errorf("downscaled = %d, want 2", res.Deep.Downscaled)
	}

	b := f.get(t, "boosted")
	if b.Strength.Retrieval < decayed {
		t.Errorf("boosted retrieval %.4f below pre-boost %.4f", b.Strength.Retrieval, decayed)
	}
	if b.Strength.Storage <= 1 {
		t.Errorf("boosted storage %.4f, want > 1", b.Strength.Storage)
	}

	p := f.get(t, "plain")
	want := decayed * f.engine.DreamConfig().DownscaleFactor
	if math.Abs(p.Strength.Retrieval-want) > 1e-9 {
		t.Errorf("plain retrieval = %.6f, want %.6f", p.Strength.Retrieval, want)
	}
	if p.Strength.Storage != 1 {
		t.Errorf("downscaling changed storage to %.4f", p.Strength.Storage)
	}

	if got := f.get(t, "pinned"); got.Strength.Retrieval != 1 {
		t.Errorf("protected retrieval = %.4f, want untouched 1", got.Strength.Retrieval)
	}
}

func TestBusyCycleMutatesNothing(t *testing.T) {
	store := newFaultyStore()
	f := newFixture(t, store, nil)
	f.add(t, node("a", textA, memory.KindFact), node("b", textB, memory.KindPattern))
	f.clock.Advance(72 * time.Hour)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	store.onLoad = func() {
		close(entered)
		<-proceed
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
		done <- err
	}()
	<-entered

	before, _ := store.MemStore.GetActiveNodes(context.Background())
	if _, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig()); !IsBusy(err) {
		t.Fatalf("second dream cycle: got %v, want ErrBusy", err)
	}
	if _, err := f.engine.RunSleepConsolidation(context.Background()); !errors.Is(err, memory.ErrBusy) {
		t.Fatalf("sleep during dream: got %v, want ErrBusy", err)
	}
	after, _ := store.MemStore.GetActiveNodes(context.Background())
	if !reflect.DeepEqual(before, after) {
		t.Fatal("busy invocation mutated nodes")
	}

	store.onLoad = nil
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	recs, _ := f.history.ListHistory(context.Background(), 0)
	if len(recs) != 1 {
		t.Fatalf("history = %d records, want 1", len(recs))
	}
}

func TestCreativeIsDeterministicUnderSeed(t *testing.T) {
	run := func() []string {
		f := newFixture(t, memory.NewMemStore(), func(o *Options) { o.Random = nil })
		f.add(t,
			node("a", textA, memory.KindFact),
			node("b", textB, memory.KindPattern),
			node("c", textC, memory.KindIntention),
			node("d", textD, memory.KindEpisode),
		)
		f.clock.Advance(time.Hour)
		cfg := f.engine.DreamConfig()
		cfg.Seed = 42
		res, err := f.engine.RunDreamCycle(context.Background(), cfg)
		if err != nil {
			t.Fatal(err)
		}
		var pairs []string
		for _, in := range res.Insights {
			pairs = append(pairs, memory.PairKey(in.Supporting[0], in.Supporting[1])+":"+string(in.Kind))
		}
		sort.Strings(pairs)
		return pairs
	}

	first, second := run(), run()
	if len(first) == 0 {
		t.Fatal("no insights produced")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same seed, different insights:\n%v\n%v", first, second)
	}
}

func TestInsightsPersistedWithLinks(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	f.add(t, node("a", textA, memory.KindFact), node("b", textB, memory.KindPattern))
	f.clock.Advance(time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Insights) != 1 {
		t.Fatalf("insights = %d, want 1 (integration %+v)", len(res.Insights), res.Integration)
	}
	in := res.Insights[0]
	got := f.get(t, in.ID)
	if got.Kind != memory.KindInsight {
		t.Errorf("insight kind = %s", got.Kind)
	}
	if ok, _ := f.mem.HasLink(context.Background(), "a", "b"); !ok {
		t.Error("supporting pair not linked")
	}
	if d := f.mem.DerivedFrom(in.ID); len(d) != 2 {
		t.Errorf("derived from = %v", d)
	}

	// The same pair is rejected as a duplicate on the next cycle.
	res2, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	for _, in2 := range res2.Insights {
		if memory.PairKey(in2.Supporting[0], in2.Supporting[1]) == memory.PairKey("a", "b") {
			t.Fatal("already linked pair produced a second insight")
		}
	}
	if res2.Integration.Duplicates == 0 {
		t.Error("expected duplicate rejections on second cycle")
	}
}

func TestPrunedNodesDeletedLast(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Scorer = scores(0.5, map[string]float64{"weak": 0.05})
	})
	f.add(t,
		node("a", textA, memory.KindFact),
		node("b", textB, memory.KindPattern),
		node("weak", "sleep memory traces rehearsal", memory.KindEpisode),
	)
	f.clock.Advance(time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Triage.Prune != 1 || res.Integration.Deleted != 1 {
		t.Fatalf("prune=%d deleted=%d, want 1/1", res.Triage.Prune, res.Integration.Deleted)
	}
	if _, err := f.mem.GetNode(context.Background(), "weak"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("pruned node still present: %v", err)
	}
	for _, in := range res.Insights {
		for _, id := range in.Supporting {
			if id == "weak" {
				t.Fatalf("insight %s references pruned node", in.ID)
			}
		}
	}
}

func TestProtectOverridesPrune(t *testing.T) {
	n := node("n", "x", memory.KindFact)
	n.Emotion = memory.Emotion{Category: memory.EmotionFear, Intensity: 0.95}
	cfg := DefaultDreamConfig()
	if got := categorize(n, 0.01, cfg); got != CategoryProtect {
		t.Fatalf("category = %s, want protect", got)
	}
	n.Emotion.Intensity = 0
	if got := categorize(n, 0.01, cfg); got != CategoryPrune {
		t.Fatalf("category = %s, want prune", got)
	}
	n.Strength = memory.DualStrength{Storage: 10, Retrieval: 1}
	if got := categorize(n, 0.01, cfg); got != CategoryDecay {
		t.Fatalf("strong node category = %s, want decay", got)
	}
}

func TestTriageQueueOrder(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Scorer = scores(0.5, map[string]float64{"top": 0.8})
	})
	older := node("older", "x", memory.KindFact)
	older.LastAccessedAt = t0.Add(-48 * time.Hour)
	f.add(t, node("newer", "y", memory.KindFact), older, node("top", "z", memory.KindFact))

	c := newCycle("test", f.engine.DreamConfig(), NewSeededSource(1), t0)
	if err := f.engine.triage(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	var got []string
	for i, item := range c.queue {
		if item.Position != i {
			t.Errorf("position %d at index %d", item.Position, i)
		}
		got = append(got, item.NodeID)
	}
	want := []string{"top", "older", "newer"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}
}

func TestSilentNodesAreNotTriaged(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	silent := node("s", "x", memory.KindFact)
	silent.SetState(memory.StateSilent, t0)
	f.add(t, silent, node("a", "y", memory.KindFact))

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Triage.Attempted != 1 {
		t.Fatalf("triage attempted = %d, want 1", res.Triage.Attempted)
	}
}

func suppressed(id string, until time.Time) *memory.KnowledgeNode {
	n := node(id, "suppressed "+id, memory.KindFact)
	n.SuppressedFrom = memory.StateActive
	n.SetState(memory.StateUnavailable, t0)
	n.SuppressedUntil = &until
	return n
}

func TestTriageLiftsExpiredSuppression(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	f.add(t, suppressed("expired", t0.Add(time.Hour)), suppressed("held", t0.Add(48*time.Hour)))
	f.clock.Advance(2 * time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Triage.Restored != 1 || res.Triage.Attempted != 1 {
		t.Fatalf("restored = %d attempted = %d, want 1 and 1", res.Triage.Restored, res.Triage.Attempted)
	}
	if got := f.get(t, "expired"); got.State == memory.StateUnavailable || got.SuppressedUntil != nil {
		t.Errorf("expired suppression kept: state=%s until=%v", got.State, got.SuppressedUntil)
	}
	if got := f.get(t, "held"); got.State != memory.StateUnavailable {
		t.Errorf("held node state = %s, want unavailable", got.State)
	}
	recs, _ := f.history.ListHistory(context.Background(), 1)
	if len(recs) != 1 || recs[0].Counts["restored"] != 1 {
		t.Errorf("history counts = %+v", recs)
	}
}

func TestGateRejectsWritersDuringCycle(t *testing.T) {
	store := newFaultyStore()
	f := newFixture(t, store, nil)
	f.add(t, node("a", "x", memory.KindFact))

	var inCycle error
	store.onLoad = func() {
		store.onLoad = nil
		leave, err := f.engine.Gate().Enter()
		if err == nil {
			leave()
		}
		inCycle = err
	}
	if _, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inCycle, memory.ErrBusy) {
		t.Fatalf("enter during cycle: got %v, want ErrBusy", inCycle)
	}
	leave, err := f.engine.Gate().Enter()
	if err != nil {
		t.Fatalf("enter after cycle: %v", err)
	}
	leave()
}

func TestIntegrationFailureIsPartial(t *testing.T) {
	store := newFaultyStore()
	store.persistErr = memory.ErrStorage
	f := newFixture(t, store, func(o *Options) {
		o.Scorer = scores(0.5, map[string]float64{"a": 0.9, "weak": 0.05})
	})
	f.add(t,
		node("a", textA, memory.KindFact),
		node("b", textB, memory.KindPattern),
		node("weak", "unrelated", memory.KindEpisode),
	)
	f.clock.Advance(time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if !errors.Is(err, memory.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
	if !res.Partial || res.Error == "" {
		t.Fatalf("report not marked partial: %+v", res)
	}
	if res.Integration.Deleted != 0 {
		t.Error("deletions ran after integration failure")
	}
	if _, err := store.MemStore.GetNode(context.Background(), "weak"); err != nil {
		t.Errorf("pruned node deleted despite failure: %v", err)
	}
	if got := f.get(t, "a"); got.Strength.Storage <= 1 {
		t.Errorf("deep consolidation not preserved: storage %.3f", got.Strength.Storage)
	}
	recs, _ := f.history.ListHistory(context.Background(), 1)
	if len(recs) != 1 || !recs[0].Partial {
		t.Fatalf("history = %+v, want one partial record", recs)
	}
}

func TestPerNodeCommitFailureIsSkipped(t *testing.T) {
	store := newFaultyStore()
	store.commitErr["b"] = memory.ErrStorage
	f := newFixture(t, store, nil)
	f.add(t, node("a", "alpha", memory.KindFact), node("b", "beta", memory.KindFact))
	f.clock.Advance(48 * time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].ID != "b" || res.Skipped[0].Phase != "deep" {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	if res.Deep.Attempted != 2 || res.Deep.Succeeded != 1 || res.Deep.Skipped != 1 {
		t.Fatalf("deep stats = %+v", res.Deep.PhaseStats)
	}
	if got := f.get(t, "b"); got.Strength.Retrieval != 1 {
		t.Errorf("skipped node changed: %+v", got.Strength)
	}
	if got := f.get(t, "a"); got.Strength.Retrieval >= 1 {
		t.Errorf("healthy node not decayed: %+v", got.Strength)
	}
}

func TestFatalStoreErrorAbortsCycle(t *testing.T) {
	store := newFaultyStore()
	store.commitErr["a"] = memory.ErrStoreUnavailable
	f := newFixture(t, store, nil)
	f.add(t, node("a", "alpha", memory.KindFact), node("b", "beta", memory.KindFact))
	f.clock.Advance(time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if !memory.IsFatal(err) {
		t.Fatalf("got %v, want fatal store error", err)
	}
	if !res.Partial || res.Deep.Attempted == 0 {
		t.Fatalf("report = %+v", res)
	}

	store.commitErr = map[string]error{}
	store.loadErr = memory.ErrStoreUnavailable
	if _, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig()); !memory.IsFatal(err) {
		t.Fatalf("load failure: got %v", err)
	}
	recs, _ := f.history.ListHistory(context.Background(), 0)
	if len(recs) != 2 {
		t.Fatalf("history = %d, want 2", len(recs))
	}
}

func TestCycleIgnoresCancellation(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	f.add(t, node("a", "alpha", memory.KindFact))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.RunDreamCycle(ctx, f.engine.DreamConfig())
	if err != nil {
		t.Fatalf("cancelled context aborted the cycle: %v", err)
	}
	if res.Triage.Succeeded != 1 {
		t.Fatalf("triaged = %d", res.Triage.Succeeded)
	}
}

func TestRecalibrationOncePerCycle(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	n := node("n", "x", memory.KindEpisode)
	n.Emotion = memory.Emotion{Category: memory.EmotionJoy, Intensity: 0.6}
	f.add(t, n)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Creative.Recalibrated != 1 {
		t.Fatalf("recalibrated = %d, want 1", res.Creative.Recalibrated)
	}
	em, _ := signals.NewEmotionalMemory(signals.DefaultEmotionConfig())
	want := n.Clone()
	em.Recalibrate(want, signals.ProcessedSet{})
	if got := f.get(t, "n"); math.Abs(got.Emotion.Intensity-want.Emotion.Intensity) > 1e-9 {
		t.Fatalf("intensity = %.4f, want %.4f", got.Emotion.Intensity, want.Emotion.Intensity)
	}
}

func TestInsightDispatchIsCounted(t *testing.T) {
	idx := &recordingIndexer{}
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Dispatcher = NewDispatcher(fakeEmbedder{}, time.Second, o.Logger, idx)
	})
	f.add(t, node("a", textA, memory.KindFact), node("b", textB, memory.KindPattern))

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Integration.EmbeddingsDispatched != len(res.Insights) || len(res.Insights) == 0 {
		t.Fatalf("dispatched %d for %d insights", res.Integration.EmbeddingsDispatched, len(res.Insights))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.engine.Dispatcher().Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if idx.count() != len(res.Insights) {
		t.Fatalf("indexed %d, want %d", idx.count(), len(res.Insights))
	}
}

func TestHistoryRecordsDreamCounts(t *testing.T) {
	f := newFixture(t, memory.NewMemStore(), nil)
	f.add(t, node("a", "alpha", memory.KindFact))
	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := f.history.ListHistory(context.Background(), 10)
	if len(recs) != 1 {
		t.Fatalf("history = %d", len(recs))
	}
	rec := recs[0]
	if rec.CycleID != res.CycleID || rec.Kind != KindDream || rec.Counts["triaged"] != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if _, ok := rec.Durations["integration"]; !ok {
		t.Error("integration duration missing")
	}
}
