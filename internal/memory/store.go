package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NodeStore is the persistent record store the engine borrows nodes from.
// Implementations must make CommitNode atomic per node: a reader sees either
// the previous or the new version, never a mix.
type NodeStore interface {
	// GetActiveNodes returns every node that has not been deleted.
	GetActiveNodes(ctx context.Context) ([]*KnowledgeNode, error)
	GetNode(ctx context.Context, id string) (*KnowledgeNode, error)
	CreateNode(ctx context.Context, n *KnowledgeNode) error
	// CommitNode replaces an existing node; it returns ErrNotFound when the
	// node has been deleted in the meantime.
	CommitNode(ctx context.Context, n *KnowledgeNode) error
	// PersistInsight stores an insight node, links the related pair and
	// records the insight as derived from both ends of rel.
	PersistInsight(ctx context.Context, insight *KnowledgeNode, rel Relation) error
	DeleteNodes(ctx context.Context, ids []string) error
}

// LinkChecker is implemented by stores that can tell whether a pair of nodes
// is already linked.
type LinkChecker interface {
	HasLink(ctx context.Context, a, b string) (bool, error)
}

// MemStore is an in-memory NodeStore. Nodes are cloned on the way in and on
// the way out so callers never share mutable state with the store.
type MemStore struct {
	mu      sync.RWMutex
	nodes   map[string]*KnowledgeNode
	links   map[string]Relation
	derived map[string][]string // insight id -> supporting node ids
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:   make(map[string]*KnowledgeNode),
		links:   make(map[string]Relation),
		derived: make(map[string][]string),
	}
}

// GetActiveNodes returns clones of all nodes ordered by creation time.
func (s *MemStore) GetActiveNodes(ctx context.Context) ([]*KnowledgeNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*KnowledgeNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetNode returns a clone of the node with the given id.
func (s *MemStore) GetNode(ctx context.Context, id string) (*KnowledgeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get node %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

// CreateNode inserts a new node.
func (s *MemStore) CreateNode(ctx context.Context, n *KnowledgeNode) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("create node %s: %w: duplicate id", n.ID, ErrValidation)
	}
	s.nodes[n.ID] = n.Clone()
	return nil
}

// CommitNode replaces an existing node.
func (s *MemStore) CommitNode(ctx context.Context, n *KnowledgeNode) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; !ok {
		return fmt.Errorf("commit node %s: %w", n.ID, ErrNotFound)
	}
	s.nodes[n.ID] = n.Clone()
	return nil
}

// PersistInsight stores the insight and its links.
func (s *MemStore) PersistInsight(ctx context.Context, insight *KnowledgeNode, rel Relation) error {
	if err := insight.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{rel.From, rel.To} {
		if _, ok := s.nodes[id]; !ok {
			return fmt.Errorf("persist insight %s: supporting node %s: %w", insight.ID, id, ErrNotFound)
		}
	}
	s.nodes[insight.ID] = insight.Clone()
	s.links[PairKey(rel.From, rel.To)] = rel
	s.derived[insight.ID] = []string{rel.From, rel.To}
	return nil
}

// DeleteNodes removes nodes and every link touching them. Unknown ids are ignored.
func (s *MemStore) DeleteNodes(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		delete(s.nodes, id)
		delete(s.derived, id)
		gone[id] = true
	}
	for key, rel := range s.links {
		if gone[rel.From] || gone[rel.To] {
			delete(s.links, key)
		}
	}
	return nil
}

// HasLink reports whether a and b are linked in either direction.
func (s *MemStore) HasLink(ctx context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[PairKey(a, b)]
	return ok, nil
}

// Links returns all stored pair links.
func (s *MemStore) Links() []Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Relation, 0, len(s.links))
	for _, r := range s.links {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return PairKey(out[i].From, out[i].To) < PairKey(out[j].From, out[j].To)
	})
	return out
}

// DerivedFrom returns the supporting node ids of an insight.
func (s *MemStore) DerivedFrom(insightID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.derived[insightID]...)
}
