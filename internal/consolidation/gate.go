package consolidation

import (
	"sync"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Gate separates node mutation by consolidation cycles from the online
// read-modify-write paths. A cycle holds it exclusively from Triage to the
// end of Integration; online writers share it and never wait on a cycle.
type Gate struct {
	mu sync.RWMutex
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Enter takes the shared side for one online mutation. It fails with
// memory.ErrBusy while a cycle holds the gate. The returned func releases it.
func (g *Gate) Enter() (func(), error) {
	if !g.mu.TryRLock() {
		return nil, memory.ErrBusy
	}
	return g.mu.RUnlock, nil
}

// close waits for in-flight online mutations and holds the gate for a cycle.
func (g *Gate) close() func() {
	g.mu.Lock()
	return g.mu.Unlock
}
