package recall

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.MemStore
	clock *clock.Manual
	svc   *Service
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{store: memory.NewMemStore(), clock: clock.NewManual(t0)}
	opts := Options{Store: h.store, Clock: h.clock, Logger: zap.NewNop()}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) remember(t *testing.T, content string) *memory.KnowledgeNode {
	t.Helper()
	n, err := h.svc.Remember(context.Background(), content, memory.KindFact, RememberOptions{})
	if err != nil {
		t.Fatalf("remember %q: %v", content, err)
	}
	return n
}

func ids(hits []Hit) map[string]bool {
	out := make(map[string]bool, len(hits))
	for _, h := range hits {
		out[h.Node.ID] = true
	}
	return out
}

func TestRememberValidates(t *testing.T) {
	h := newHarness(t, nil)
	from, to := t0, t0.Add(-time.Hour)
	_, err := h.svc.Remember(context.Background(), "x", memory.KindFact, RememberOptions{ValidFrom: &from, ValidTo: &to})
	if !errors.Is(err, memory.ErrValidation) {
		t.Fatalf("inverted validity: got %v, want ErrValidation", err)
	}
	if _, err := h.svc.Remember(context.Background(), "  ", memory.KindFact, RememberOptions{}); !errors.Is(err, memory.ErrValidation) {
		t.Fatalf("empty content: got %v", err)
	}

	n, err := h.svc.Remember(context.Background(), "water boils at 100C", memory.KindFact, RememberOptions{
		Tags:    []string{"physics"},
		Pinned:  true,
		Emotion: memory.Emotion{Category: memory.EmotionSurprise, Intensity: 0.4},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.store.GetNode(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != memory.StateActive || !got.Pinned || got.Emotion.Category != memory.EmotionSurprise {
		t.Fatalf("stored node = %+v", got)
	}
	if got.Importance <= 0 {
		t.Errorf("importance not scored: %.3f", got.Importance)
	}
}

func TestRecallSuppressesCompetitorsUntilCooldown(t *testing.T) {
	h := newHarness(t, nil)
	a := h.remember(t, "the quick brown fox jumps over the lazy dog")
	b := h.remember(t, "the quick brown fox jumps over the lazy dog today")
	c := h.remember(t, "tomato soup needs basil")

	res, err := h.svc.Recall(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suppressed) != 1 || res.Suppressed[0] != b.ID {
		t.Fatalf("suppressed = %v, want [%s]", res.Suppressed, b.ID)
	}
	if got, _ := h.store.GetNode(context.Background(), b.ID); got.State != memory.StateUnavailable {
		t.Fatalf("competitor state = %s, want unavailable", got.State)
	}
	if got, _ := h.store.GetNode(context.Background(), c.ID); got.State != memory.StateActive {
		t.Fatalf("unrelated node state = %s", got.State)
	}

	hits, err := h.svc.Query(context.Background(), "quick brown fox", 10)
	if err != nil {
		t.Fatal(err)
	}
	found := ids(hits)
	if !found[a.ID] || found[b.ID] {
		t.Fatalf("query during suppression = %v", found)
	}

	h.clock.Advance(time.Hour + time.Minute)
	hits, err = h.svc.Query(context.Background(), "quick brown fox", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ids(hits)[b.ID] {
		t.Fatal("competitor still excluded after cool-down")
	}
	got, err := h.svc.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != memory.StateActive || got.SuppressedUntil != nil {
		t.Fatalf("competitor after cool-down = %s until %v", got.State, got.SuppressedUntil)
	}
	if got.Strength.Storage != b.Strength.Storage {
		t.Errorf("suppression changed storage: %.3f -> %.3f", b.Strength.Storage, got.Strength.Storage)
	}
}

func TestRecallStrengthensAndTags(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Scorer = signals.ScorerFunc(func(*memory.KnowledgeNode, signals.Context) float64 { return 0.9 })
		o.Tags, _ = signals.NewTaggingSystem(signals.DefaultTaggingConfig(), zap.NewNop())
	})
	n := h.remember(t, "paris is the capital of france")
	h.clock.Advance(72 * time.Hour)

	res, err := h.svc.Recall(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Tagged {
		t.Error("high-importance recall not tagged")
	}
	if res.Node.AccessCount != 1 || !res.Node.LastAccessedAt.Equal(h.clock.Now()) {
		t.Errorf("access not recorded: %+v", res.Node)
	}
	if res.Node.Strength.Retrieval > res.Node.Strength.Storage {
		t.Errorf("retrieval %.3f above storage %.3f", res.Node.Strength.Retrieval, res.Node.Strength.Storage)
	}

	if _, err := h.svc.Recall(context.Background(), "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("missing node: got %v", err)
	}
}

func TestReview(t *testing.T) {
	h := newHarness(t, nil)
	n := h.remember(t, "the mitochondria is the powerhouse of the cell")

	if _, err := h.svc.Review(context.Background(), n.ID, memory.Rating(9)); !errors.Is(err, memory.ErrInvalidRating) {
		t.Fatalf("got %v, want ErrInvalidRating", err)
	}

	h.clock.Advance(24 * time.Hour)
	got, err := h.svc.Review(context.Background(), n.ID, memory.Good)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Schedule.Initialized() || got.Schedule.Reps != 1 {
		t.Fatalf("schedule = %+v", got.Schedule)
	}
	if !got.Schedule.DueAt.After(h.clock.Now()) {
		t.Errorf("due %s not after now", got.Schedule.DueAt)
	}
	if got.Strength.Storage <= n.Strength.Storage {
		t.Errorf("storage %.3f not above %.3f", got.Strength.Storage, n.Strength.Storage)
	}

	h.clock.Advance(48 * time.Hour)
	again, err := h.svc.Review(context.Background(), n.ID, memory.Good)
	if err != nil {
		t.Fatal(err)
	}
	if again.Schedule.Reps != 2 || len(again.Schedule.History) != 2 {
		t.Fatalf("second review schedule = %+v", again.Schedule)
	}
}

func TestCueReactivatesSilentNode(t *testing.T) {
	h := newHarness(t, nil)
	silent := memory.NewNode("s", "grandmother's garden smelled of lavender", memory.KindEpisode, t0)
	silent.Strength = memory.DualStrength{Storage: 2, Retrieval: 0.1}
	silent.SetState(memory.StateSilent, t0)
	active := memory.NewNode("a", "grandmother's garden smelled of lavender", memory.KindEpisode, t0)
	for _, n := range []*memory.KnowledgeNode{silent, active} {
		if err := h.store.CreateNode(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}

	trs, err := h.svc.Cue(context.Background(), "the garden smelled of lavender", 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 1 || trs[0].NodeID != "s" || trs[0].To != memory.StateActive {
		t.Fatalf("transitions = %+v", trs)
	}
	got, _ := h.store.GetNode(context.Background(), "s")
	if got.State != memory.StateActive || got.Strength.Retrieval <= 0.1 {
		t.Fatalf("cued node = %s R=%.3f", got.State, got.Strength.Retrieval)
	}
	if got.Strength.Storage != 2 {
		t.Errorf("cue changed storage to %.3f", got.Strength.Storage)
	}

	trs, err = h.svc.Cue(context.Background(), "stock market closing prices", 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 0 {
		t.Fatalf("dissimilar cue reactivated %d nodes", len(trs))
	}
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type stubSearcher struct{ hits []VectorHit }

func (s stubSearcher) Search(context.Context, []float32, int) ([]VectorHit, error) {
	return s.hits, nil
}

func TestQueryUsesVectorHits(t *testing.T) {
	var searcher stubSearcher
	h := newHarness(t, func(o *Options) {
		o.Dispatcher = consolidation.NewDispatcher(fixedEmbedder{}, time.Second, zap.NewNop())
		o.Embedder = fixedEmbedder{}
		o.Searcher = &searcher
	})
	n := h.remember(t, "canines are loyal companions")
	if n.EmbeddingRef != n.ID {
		t.Fatalf("embedding ref = %q, want node id", n.EmbeddingRef)
	}
	searcher.hits = []VectorHit{{ID: n.ID, Score: 0.8}}

	hits, err := h.svc.Query(context.Background(), "dogs", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Node.ID != n.ID {
		t.Fatalf("hits = %+v", hits)
	}
	if want := 0.9; hits[0].Similarity < want-1e-9 || hits[0].Similarity > want+1e-9 {
		t.Errorf("similarity = %.3f, want %.3f", hits[0].Similarity, want)
	}
}

func TestForget(t *testing.T) {
	h := newHarness(t, nil)
	n := h.remember(t, "temporary note")
	if err := h.svc.Forget(context.Background(), n.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Get(context.Background(), n.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestForgetDropsVectors(t *testing.T) {
	cache := embedding.NewCache(10)
	dispatcher := consolidation.NewDispatcher(fixedEmbedder{}, time.Second, zap.NewNop(), cache)
	h := newHarness(t, func(o *Options) { o.Dispatcher = dispatcher })
	n := h.remember(t, "temporary note")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := dispatcher.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Vector(n.EmbeddingRef); !ok {
		t.Fatal("vector not cached after remember")
	}

	if err := h.svc.Forget(context.Background(), n.ID, "never-existed"); err != nil {
		t.Fatal(err)
	}
	if err := dispatcher.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Vector(n.EmbeddingRef); ok {
		t.Error("vector of forgotten node still cached")
	}
}

// scanHookStore runs onScan once, right after the next full scan.
type scanHookStore struct {
	*memory.MemStore
	onScan func()
}

func (s *scanHookStore) GetActiveNodes(ctx context.Context) ([]*memory.KnowledgeNode, error) {
	nodes, err := s.MemStore.GetActiveNodes(ctx)
	if hook := s.onScan; hook != nil {
		s.onScan = nil
		hook()
	}
	return nodes, err
}

func TestWritesDuringCycleAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := &scanHookStore{MemStore: memory.NewMemStore()}
	clk := clock.NewManual(t0)
	engine, err := consolidation.NewEngine(consolidation.Options{Store: store, Clock: clk, Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Options{Store: store, Clock: clk, Gate: engine.Gate(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	n, err := svc.Remember(ctx, "the mitochondria is the powerhouse of the cell", memory.KindFact, RememberOptions{})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(24 * time.Hour)

	var reviewErr, recallErr, queryErr error
	store.onScan = func() {
		_, reviewErr = svc.Review(ctx, n.ID, memory.Easy)
		_, recallErr = svc.Recall(ctx, n.ID)
		_, queryErr = svc.Query(ctx, "mitochondria powerhouse", 5)
	}
	if _, err := engine.RunDreamCycle(ctx, engine.DreamConfig()); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(reviewErr, memory.ErrBusy) || !errors.Is(recallErr, memory.ErrBusy) {
		t.Fatalf("writes during cycle: review=%v recall=%v, want ErrBusy", reviewErr, recallErr)
	}
	if queryErr != nil {
		t.Fatalf("query during cycle: %v", queryErr)
	}

	got, err := svc.Review(ctx, n.ID, memory.Easy)
	if err != nil {
		t.Fatalf("review after cycle: %v", err)
	}
	stored, err := store.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Schedule.Reps != 1 || stored.Schedule.Reps != 1 || len(stored.Schedule.History) != 1 {
		t.Fatalf("stored schedule after review = %+v", stored.Schedule)
	}
}
