package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/recall"
)

var (
	_ consolidation.Indexer = (*Collection)(nil)
	_ consolidation.Remover = (*Collection)(nil)
	_ recall.VectorSearcher = (*Collection)(nil)
)

// Collection binds a Client to one collection of node embeddings. It is an
// index target of the embedding dispatcher, which also removes the vectors
// of deleted nodes through it, and a searcher for recall.
type Collection struct {
	client *Client
	name   string
	logger *zap.Logger
}

// NewCollection ensures the collection exists with the given dimension.
func NewCollection(ctx context.Context, client *Client, name string, dimension int, logger *zap.Logger) (*Collection, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("collection %s: dimension must be > 0", name)
	}
	if err := client.EnsureCollection(ctx, name, uint64(dimension)); err != nil {
		return nil, err
	}
	logger.Info("Qdrant collection ready", zap.String("collection", name), zap.Int("dimension", dimension))
	return &Collection{client: client, name: name, logger: logger}, nil
}

// Index upserts vector under the embedding reference ref. The dispatcher
// passes the node id and kind in payload.
func (c *Collection) Index(ctx context.Context, ref string, vector []float32, payload map[string]string) error {
	return c.client.UpsertNodes(ctx, c.name, NodePoint{
		Ref:    ref,
		NodeID: payload[nodeIDKey],
		Kind:   payload[kindKey],
		Vector: vector,
	})
}

// Remove deletes the vectors of deleted nodes.
func (c *Collection) Remove(ctx context.Context, refs []string) error {
	if err := c.client.DeleteRefs(ctx, c.name, refs); err != nil {
		return err
	}
	c.logger.Debug("node vectors removed", zap.String("collection", c.name), zap.Int("refs", len(refs)))
	return nil
}

// Search returns the references nearest to vector.
func (c *Collection) Search(ctx context.Context, vector []float32, topK int) ([]recall.VectorHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	matches, err := c.client.Nearest(ctx, c.name, vector, uint64(topK))
	if err != nil {
		return nil, err
	}
	hits := make([]recall.VectorHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, recall.VectorHit{ID: m.Ref, Score: float64(m.Score)})
	}
	c.logger.Debug("vector search", zap.String("collection", c.name), zap.Int("hits", len(hits)))
	return hits, nil
}
