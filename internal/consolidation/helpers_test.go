package consolidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// scores returns a scorer with fixed per-node scores and a default.
func scores(def float64, byID map[string]float64) signals.Scorer {
	return signals.ScorerFunc(func(n *memory.KnowledgeNode, _ signals.Context) float64 {
		if s, ok := byID[n.ID]; ok {
			return s
		}
		return def
	})
}

type fixture struct {
	store   memory.NodeStore
	mem     *memory.MemStore
	clock   *clock.Manual
	history *MemHistory
	guard   *LocalGuard
	engine  *Engine
}

func newFixture(t *testing.T, store memory.NodeStore, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   store,
		clock:   clock.NewManual(t0),
		history: NewMemHistory(),
		guard:   NewLocalGuard(),
	}
	if ms, ok := store.(*memory.MemStore); ok {
		f.mem = ms
	}
	if fs, ok := store.(*faultyStore); ok {
		f.mem = fs.MemStore
	}
	opts := Options{
		Store:   store,
		History: f.history,
		Guard:   f.guard,
		Clock:   f.clock,
		Scorer:  scores(0.5, nil),
		Random:  NewSeededSource(7),
		Logger:  zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) add(t *testing.T, nodes ...*memory.KnowledgeNode) {
	t.Helper()
	for _, n := range nodes {
		if err := f.mem.CreateNode(context.Background(), n); err != nil {
			t.Fatalf("create %s: %v", n.ID, err)
		}
	}
}

func (f *fixture) get(t *testing.T, id string) *memory.KnowledgeNode {
	t.Helper()
	n, err := f.mem.GetNode(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return n
}

func node(id, content string, kind memory.NodeKind) *memory.KnowledgeNode {
	return memory.NewNode(id, content, kind, t0)
}

// faultyStore injects failures into a MemStore.
type faultyStore struct {
	*memory.MemStore

	mu         sync.Mutex
	loadErr    error
	commitErr  map[string]error
	persistErr error
	deleteErr  error
	onCommit   func()
	onLoad     func()
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemStore: memory.NewMemStore(), commitErr: map[string]error{}}
}

func (s *faultyStore) GetActiveNodes(ctx context.Context) ([]*memory.KnowledgeNode, error) {
	if s.onLoad != nil {
		s.onLoad()
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemStore.GetActiveNodes(ctx)
}

func (s *faultyStore) CommitNode(ctx context.Context, n *memory.KnowledgeNode) error {
	s.mu.Lock()
	err := s.commitErr[n.ID]
	hook := s.onCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	return s.MemStore.CommitNode(ctx, n)
}

func (s *faultyStore) PersistInsight(ctx context.Context, insight *memory.KnowledgeNode, rel memory.Relation) error {
	if s.persistErr != nil {
		return s.persistErr
	}
	return s.MemStore.PersistInsight(ctx, insight, rel)
}

func (s *faultyStore) DeleteNodes(ctx context.Context, ids []string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.MemStore.DeleteNodes(ctx, ids)
}

// fakeEmbedder returns a fixed vector per text.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(len(texts[i]))}
	}
	return out, nil
}

// recordingIndexer remembers every indexed id.
type recordingIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingIndexer) Index(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingIndexer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
