package consolidation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeat is a clock listener that runs a dream cycle every interval and
// sweeps lapsed synaptic tags on every tick.
type Heartbeat struct {
	engine   *Engine
	cfg      DreamConfig
	interval time.Duration
	timeout  time.Duration
	lastBeat time.Time
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewHeartbeat creates a heartbeat that runs cycles with cfg.
func NewHeartbeat(engine *Engine, cfg DreamConfig, interval time.Duration, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		engine:   engine,
		cfg:      cfg,
		interval: interval,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
}

// OnTick implements clock.Listener.
func (h *Heartbeat) OnTick(now time.Time) {
	if lapsed := h.engine.tags.Sweep(now); lapsed > 0 {
		h.logger.Debug("synaptic tags lapsed", zap.Int("count", lapsed))
	}

	h.mu.Lock()
	if h.lastBeat.IsZero() {
		h.lastBeat = now
		h.mu.Unlock()
		return
	}
	if now.Sub(h.lastBeat) < h.interval {
		h.mu.Unlock()
		return
	}
	h.lastBeat = now
	h.mu.Unlock()

	h.fire("heartbeat")
}

// FireNow runs a cycle immediately, bypassing the interval check.
func (h *Heartbeat) FireNow() (FourPhaseDreamResult, error) {
	return h.fire("forced heartbeat")
}

func (h *Heartbeat) fire(label string) (FourPhaseDreamResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	res, err := h.engine.RunDreamCycle(ctx, h.cfg)
	switch {
	case IsBusy(err):
		h.logger.Debug(label + " skipped: cycle in progress")
	case err != nil:
		h.logger.Warn(label+" failed", zap.Error(err))
	default:
		h.logger.Info(label+" fired",
			zap.String("cycle", res.CycleID),
			zap.Int("insights", len(res.Insights)))
	}
	return res, err
}
