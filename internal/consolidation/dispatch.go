package consolidation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer stores a vector under an id.
type Indexer interface {
	Index(ctx context.Context, id string, vector []float32, payload map[string]string) error
}

// Remover drops the vectors stored under the given embedding references.
// Indexers that implement it are cleaned up when nodes are deleted.
type Remover interface {
	Remove(ctx context.Context, refs []string) error
}

// Dispatcher embeds and indexes nodes in the background. Callers never wait
// for the work; they only learn how many jobs were handed off.
type Dispatcher struct {
	embedder Embedder
	indexers []Indexer
	removers []Remover
	timeout  time.Duration
	logger   *zap.Logger

	wg     sync.WaitGroup
	done   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher creates a dispatcher. A nil embedder disables dispatch.
func NewDispatcher(embedder Embedder, timeout time.Duration, logger *zap.Logger, indexers ...Indexer) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{embedder: embedder, indexers: indexers, timeout: timeout, logger: logger}
	for _, idx := range indexers {
		if r, ok := idx.(Remover); ok {
			d.removers = append(d.removers, r)
		}
	}
	return d
}

// Enabled reports whether an embedder is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.embedder != nil
}

// Dispatch starts embedding n and returns immediately. It reports whether a
// job was started. The vector is indexed under n.EmbeddingRef, falling back
// to the node id.
func (d *Dispatcher) Dispatch(n *memory.KnowledgeNode) bool {
	if !d.Enabled() {
		return false
	}
	ref := n.EmbeddingRef
	if ref == "" {
		ref = n.ID
	}
	text := n.Content
	payload := map[string]string{"node_id": n.ID, "kind": string(n.Kind)}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		vectors, err := d.embedder.Embed(ctx, []string{text})
		if err != nil || len(vectors) == 0 {
			d.failed.Add(1)
			d.logger.Warn("embedding failed", zap.String("node", payload["node_id"]), zap.Error(err))
			return
		}
		for _, idx := range d.indexers {
			if err := idx.Index(ctx, ref, vectors[0], payload); err != nil {
				d.failed.Add(1)
				d.logger.Warn("index update failed", zap.String("node", payload["node_id"]), zap.Error(err))
				return
			}
		}
		d.done.Add(1)
	}()
	return true
}

// Forget removes the vectors of deleted nodes from every index in the
// background. It reports whether a job was started.
func (d *Dispatcher) Forget(refs []string) bool {
	if d == nil || len(d.removers) == 0 || len(refs) == 0 {
		return false
	}
	refs = append([]string(nil), refs...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		for _, r := range d.removers {
			if err := r.Remove(ctx, refs); err != nil {
				d.failed.Add(1)
				d.logger.Warn("vector removal failed", zap.Int("refs", len(refs)), zap.Error(err))
				return
			}
		}
		d.done.Add(1)
	}()
	return true
}

// embeddingRefs returns the embedding references of nodes that have one.
func embeddingRefs(nodes []*memory.KnowledgeNode) []string {
	var refs []string
	for _, n := range nodes {
		if n != nil && n.EmbeddingRef != "" {
			refs = append(refs, n.EmbeddingRef)
		}
	}
	return refs
}

// Wait blocks until every dispatched job finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns completed and failed job counts.
func (d *Dispatcher) Stats() (completed, failed int64) {
	return d.done.Load(), d.failed.Load()
}
