package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}

func TestDispatcherDisabled(t *testing.T) {
	d := NewDispatcher(nil, 0, zap.NewNop())
	if d.Enabled() {
		t.Fatal("nil embedder should disable dispatch")
	}
	if d.Dispatch(node("a", "x", memory.KindFact)) {
		t.Fatal("disabled dispatcher started a job")
	}
}

func TestDispatcherIndexesUnderRef(t *testing.T) {
	idx := &recordingIndexer{}
	d := NewDispatcher(fakeEmbedder{}, time.Second, zap.NewNop(), idx)

	withRef := node("a", "x", memory.KindFact)
	withRef.EmbeddingRef = "ref-a"
	d.Dispatch(withRef)
	d.Dispatch(node("b", "y", memory.KindFact))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	done, failed := d.Stats()
	if done != 2 || failed != 0 {
		t.Fatalf("stats = %d/%d, want 2/0", done, failed)
	}
	seen := map[string]bool{}
	for _, id := range idx.ids {
		seen[id] = true
	}
	if !seen["ref-a"] || !seen["b"] {
		t.Fatalf("indexed ids = %v, want ref-a and b", idx.ids)
	}
}

func TestDispatcherCountsFailures(t *testing.T) {
	d := NewDispatcher(failingEmbedder{}, time.Second, zap.NewNop())
	if !d.Dispatch(node("a", "x", memory.KindFact)) {
		t.Fatal("job not started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, failed := d.Stats(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

// removingIndexer records indexed ids and removed refs.
type removingIndexer struct {
	recordingIndexer
	removed []string
}

func (r *removingIndexer) Remove(ctx context.Context, refs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, refs...)
	return nil
}

func (r *removingIndexer) removedRefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func waitDispatch(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcherForgetReachesRemovers(t *testing.T) {
	plain := &recordingIndexer{}
	rm := &removingIndexer{}
	d := NewDispatcher(nil, time.Second, zap.NewNop(), plain, rm)

	if d.Forget(nil) {
		t.Fatal("empty removal started a job")
	}
	if !d.Forget([]string{"ref-a", "ref-b"}) {
		t.Fatal("removal not started")
	}
	waitDispatch(t, d)
	if got := rm.removedRefs(); len(got) != 2 || got[0] != "ref-a" || got[1] != "ref-b" {
		t.Fatalf("removed = %v", got)
	}

	if NewDispatcher(nil, 0, zap.NewNop(), plain).Forget([]string{"x"}) {
		t.Fatal("dispatcher without removers started a job")
	}
	var nilDispatcher *Dispatcher
	if nilDispatcher.Forget([]string{"x"}) {
		t.Fatal("nil dispatcher started a job")
	}
}

func TestPrunedVectorsAreRemoved(t *testing.T) {
	rm := &removingIndexer{}
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Scorer = scores(0.5, map[string]float64{"weak": 0.05})
		o.Dispatcher = NewDispatcher(nil, time.Second, zap.NewNop(), rm)
	})
	weak := node("weak", "sleep memory traces rehearsal", memory.KindEpisode)
	weak.EmbeddingRef = "ref-weak"
	keep := node("a", textA, memory.KindFact)
	keep.EmbeddingRef = "ref-a"
	f.add(t, keep, weak)
	f.clock.Advance(time.Hour)

	res, err := f.engine.RunDreamCycle(context.Background(), f.engine.DreamConfig())
	if err != nil {
		t.Fatal(err)
	}
	if res.Integration.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", res.Integration.Deleted)
	}
	waitDispatch(t, f.engine.Dispatcher())
	if got := rm.removedRefs(); len(got) != 1 || got[0] != "ref-weak" {
		t.Fatalf("removed refs = %v, want [ref-weak]", got)
	}
}

func TestSleepPruneRemovesVectors(t *testing.T) {
	rm := &removingIndexer{}
	f := newFixture(t, memory.NewMemStore(), func(o *Options) {
		o.Scorer = scores(0.1, map[string]float64{"strong": 0.9})
		o.Sleep = SleepConfig{ReplayTopN: 1, ReplayBoost: 0.3, Prune: true, PruneStorageFloor: 1.2, PruneLevel: 0.05}
		o.Dispatcher = NewDispatcher(nil, time.Second, zap.NewNop(), rm)
	})
	weak := node("weak", "w", memory.KindFact)
	weak.Strength.Retrieval = 0.01
	weak.EmbeddingRef = "ref-weak"
	f.add(t, node("strong", "s", memory.KindFact), weak)

	res, err := f.engine.RunSleepConsolidation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", res.Pruned)
	}
	waitDispatch(t, f.engine.Dispatcher())
	if got := rm.removedRefs(); len(got) != 1 || got[0] != "ref-weak" {
		t.Fatalf("removed refs = %v, want [ref-weak]", got)
	}
}
