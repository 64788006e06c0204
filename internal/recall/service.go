// Package recall is the normal-operation surface of the memory engine:
// storing, retrieving, reviewing and querying knowledge nodes between
// consolidation cycles.
package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/accessibility"
	"github.com/nidhogg/nuka-memory/internal/clock"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/retention"
	"github.com/nidhogg/nuka-memory/internal/signals"
)

// VectorHit is one result of a nearest-neighbour search.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorSearcher finds stored vectors close to a query vector. Hit ids are
// embedding references.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]VectorHit, error)
}

// Options wires a Service. Store is required.
type Options struct {
	Store      memory.NodeStore
	Clock      clock.Clock
	Strength   *memory.StrengthModel
	Scheduler  *retention.Scheduler
	Machine    *accessibility.Machine
	Scorer     signals.Scorer
	Tags       *signals.TaggingSystem
	Similarity memory.Similarity
	Dispatcher *consolidation.Dispatcher
	// Gate should be the engine's gate; writes fail with memory.ErrBusy while
	// a cycle holds it.
	Gate *consolidation.Gate
	// Embedder and Searcher are optional; together they let cues and queries
	// match by embedding distance as well as by lexical overlap.
	Embedder consolidation.Embedder
	Searcher VectorSearcher
	Logger   *zap.Logger
}

// Service implements remember, recall, review, cue and query.
type Service struct {
	store      memory.NodeStore
	clock      clock.Clock
	strength   *memory.StrengthModel
	scheduler  *retention.Scheduler
	machine    *accessibility.Machine
	scorer     signals.Scorer
	tags       *signals.TaggingSystem
	similarity memory.Similarity
	dispatcher *consolidation.Dispatcher
	gate       *consolidation.Gate
	embedder   consolidation.Embedder
	searcher   VectorSearcher
	logger     *zap.Logger

	// mu serialises read-modify-write sequences issued through the service.
	mu sync.Mutex
}

// NewService fills defaults and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: recall service needs a node store", memory.ErrConfig)
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
	if opts.Similarity == nil {
		opts.Similarity = memory.NewSimilarity(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Gate == nil {
		opts.Gate = consolidation.NewGate()
	}
	return &Service{
		store:      opts.Store,
		clock:      opts.Clock,
		strength:   opts.Strength,
		scheduler:  opts.Scheduler,
		machine:    opts.Machine,
		scorer:     opts.Scorer,
		tags:       opts.Tags,
		similarity: opts.Similarity,
		dispatcher: opts.Dispatcher,
		gate:       opts.Gate,
		embedder:   opts.Embedder,
		searcher:   opts.Searcher,
		logger:     opts.Logger,
	}, nil
}

// RememberOptions carries the optional attributes of a new node.
type RememberOptions struct {
	Tags      []string
	Emotion   memory.Emotion
	Pinned    bool
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// Remember creates a node, scores it and schedules its embedding.
func (s *Service) Remember(ctx context.Context, content string, kind memory.NodeKind, opts RememberOptions) (*memory.KnowledgeNode, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", memory.ErrValidation)
	}
	if err := memory.ValidateTemporalRange(opts.ValidFrom, opts.ValidTo); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	n := memory.NewNode(uuid.NewString(), content, kind, now)
	n.Tags = append([]string(nil), opts.Tags...)
	n.Pinned = opts.Pinned
	n.Validity.ValidFrom = opts.ValidFrom
	n.Validity.ValidTo = opts.ValidTo
	if opts.Emotion.Category != "" {
		n.Emotion = opts.Emotion
	}
	if s.dispatcher.Enabled() {
		n.EmbeddingRef = n.ID
	}
	n.Importance = s.scorer.Score(n, signals.Context{Now: now})

	if err := s.store.CreateNode(ctx, n); err != nil {
		return nil, fmt.Errorf("remember: %w", err)
	}
	s.tags.MaybeTag(n.ID, n.Importance, now)
	s.dispatcher.Dispatch(n)

	s.logger.Info("memory stored",
		zap.String("node", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.Float64("importance", n.Importance))
	return n, nil
}

// RecallResult describes one retrieval.
type RecallResult struct {
	Node *memory.KnowledgeNode `json:"node"`
	// Suppressed lists the competing nodes made Unavailable by this retrieval.
	Suppressed []string `json:"suppressed,omitempty"`
	Tagged     bool     `json:"tagged"`
}

// Recall retrieves a node by id. Retrieval strength recovers, the node
// becomes Active, and similar competitors are transiently suppressed.
func (s *Service) Recall(ctx context.Context, id string) (RecallResult, error) {
	leave, err := s.gate.Enter()
	if err != nil {
		return RecallResult{}, err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return RecallResult{}, err
	}
	if err := s.strength.Access(n, now); err != nil {
		return RecallResult{}, err
	}
	activate(n, now)
	n.Importance = s.scorer.Score(n, signals.Context{Now: now})
	if err := s.store.CommitNode(ctx, n); err != nil {
		return RecallResult{}, fmt.Errorf("recall %s: %w", id, err)
	}

	res := RecallResult{Node: n}
	_, res.Tagged = s.tags.MaybeTag(n.ID, n.Importance, now)

	suppressed, err := s.suppressCompetitors(ctx, n, now)
	res.Suppressed = suppressed
	if err != nil {
		return res, err
	}

	s.logger.Debug("memory recalled",
		zap.String("node", id),
		zap.Int("suppressed", len(suppressed)),
		zap.Bool("tagged", res.Tagged))
	return res, nil
}

// suppressCompetitors applies retrieval-induced forgetting to the similarity
// cluster of target.
func (s *Service) suppressCompetitors(ctx context.Context, target *memory.KnowledgeNode, now time.Time) ([]string, error) {
	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range nodes {
		if n.ID == target.ID {
			continue
		}
		if !s.machine.Suppress(n, s.similarity(target, n), now) {
			continue
		}
		if err := s.store.CommitNode(ctx, n); err != nil {
			return ids, fmt.Errorf("suppress %s: %w", n.ID, err)
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// Review grades a recall attempt. The scheduler and the dual-strength model
// are both updated and the node becomes Active.
func (s *Service) Review(ctx context.Context, id string, rating memory.Rating) (*memory.KnowledgeNode, error) {
	if !rating.Valid() {
		return nil, fmt.Errorf("%w: %d", memory.ErrInvalidRating, int(rating))
	}
	leave, err := s.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.Review(n, rating, now); err != nil {
		return nil, err
	}
	if err := s.strength.Update(n, memory.ReviewEvent{Rating: rating}, now); err != nil {
		return nil, err
	}
	activate(n, now)
	n.Importance = s.scorer.Score(n, signals.Context{Now: now})
	if err := s.store.CommitNode(ctx, n); err != nil {
		return nil, fmt.Errorf("review %s: %w", id, err)
	}
	s.tags.MaybeTag(n.ID, n.Importance, now)

	s.logger.Info("memory reviewed",
		zap.String("node", id),
		zap.String("rating", rating.String()),
		zap.Float64("stability", n.Schedule.Stability),
		zap.Time("due", n.Schedule.DueAt))
	return n, nil
}

// Cue presents an external cue. Dormant and Silent nodes similar enough to
// it are reactivated; the applied transitions are returned.
func (s *Service) Cue(ctx context.Context, text string, strength float64) ([]accessibility.Transition, error) {
	leave, err := s.gate.Enter()
	if err != nil {
		return nil, err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	vec := s.vectorScores(ctx, text, len(nodes))
	target := memory.NewNode("cue", text, "", now)

	var out []accessibility.Transition
	for _, n := range nodes {
		if n.State != memory.StateDormant && n.State != memory.StateSilent {
			continue
		}
		sim := max(s.similarity(target, n), vec[n.EmbeddingRef])
		tr, err := s.machine.Cue(n, sim, strength, now)
		if err != nil {
			s.logger.Warn("cue skipped node", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		if !tr.Changed() {
			continue
		}
		if err := s.store.CommitNode(ctx, n); err != nil {
			return out, fmt.Errorf("cue %s: %w", n.ID, err)
		}
		out = append(out, tr)
	}
	s.logger.Info("cue applied", zap.Int("reactivated", len(out)))
	return out, nil
}

// Hit is one ranked query result.
type Hit struct {
	Node          *memory.KnowledgeNode `json:"node"`
	Similarity    float64               `json:"similarity"`
	Accessibility float64               `json:"accessibility"`
	Score         float64               `json:"score"`
}

// Query ranks nodes by similarity to text weighted by accessibility.
// Silent and Unavailable nodes are excluded. Expired suppressions are
// reverted before ranking; while a cycle runs they are reverted in the
// returned copies only.
func (s *Service) Query(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	persist := s.enterForRead()
	if persist != nil {
		defer persist()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	nodes, err := s.store.GetActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	vec := s.vectorScores(ctx, text, limit*4)
	target := memory.NewNode("query", text, "", now)

	var hits []Hit
	for _, n := range nodes {
		if err := s.settle(ctx, n, now, persist != nil); err != nil {
			return nil, err
		}
		acc := s.machine.Accessibility(n, now)
		if acc == 0 {
			continue
		}
		sim := max(s.similarity(target, n), vec[n.EmbeddingRef])
		if sim == 0 {
			continue
		}
		hits = append(hits, Hit{Node: n, Similarity: sim, Accessibility: acc, Score: sim * acc})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.ID < hits[j].Node.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get returns a node after applying any pending state transition.
func (s *Service) Get(ctx context.Context, id string) (*memory.KnowledgeNode, error) {
	persist := s.enterForRead()
	if persist != nil {
		defer persist()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, n, s.clock.Now(), persist != nil); err != nil {
		return nil, err
	}
	return n, nil
}

// Forget deletes nodes outright and drops their vectors in the background.
func (s *Service) Forget(ctx context.Context, ids ...string) error {
	leave, err := s.gate.Enter()
	if err != nil {
		return err
	}
	defer leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for _, id := range ids {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			return err
		}
		if n.EmbeddingRef != "" {
			refs = append(refs, n.EmbeddingRef)
		}
	}
	if err := s.store.DeleteNodes(ctx, ids); err != nil {
		return err
	}
	s.dispatcher.Forget(refs)
	s.logger.Info("memories deleted", zap.Strings("ids", ids))
	return nil
}

// enterForRead takes the gate for a read that may persist a pending
// transition. It returns nil while a cycle holds the gate.
func (s *Service) enterForRead() func() {
	leave, err := s.gate.Enter()
	if err != nil {
		return nil
	}
	return leave
}

// settle steps the state machine once and, when persist is set, commits any
// transition.
func (s *Service) settle(ctx context.Context, n *memory.KnowledgeNode, now time.Time, persist bool) error {
	tr := s.machine.Step(n, now)
	if !tr.Changed() || !persist {
		return nil
	}
	if err := s.store.CommitNode(ctx, n); err != nil {
		return fmt.Errorf("settle %s: %w", n.ID, err)
	}
	s.logger.Debug("state transition",
		zap.String("node", n.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", tr.Reason))
	return nil
}

// vectorScores embeds text and maps nearby embedding references to their
// similarity in [0,1]. Any failure degrades to lexical matching.
func (s *Service) vectorScores(ctx context.Context, text string, topK int) map[string]float64 {
	out := map[string]float64{}
	if s.embedder == nil || s.searcher == nil || topK <= 0 {
		return out
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		s.logger.Warn("query embedding failed, using lexical similarity", zap.Error(err))
		return out
	}
	hits, err := s.searcher.Search(ctx, vectors[0], topK)
	if err != nil {
		s.logger.Warn("vector search failed, using lexical similarity", zap.Error(err))
		return out
	}
	for _, h := range hits {
		// Cosine scores arrive in [-1,1].
		out[h.ID] = min(max((h.Score+1)/2, 0), 1)
	}
	delete(out, "")
	return out
}

// activate makes n Active, lifting any suppression.
func activate(n *memory.KnowledgeNode, now time.Time) {
	n.SuppressedFrom = ""
	n.SuppressedUntil = nil
	n.SetState(memory.StateActive, now)
}
