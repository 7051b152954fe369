package perf

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fpsStep = 2

// Governor lowers the tile refresh rate while the host is stressed and
// raises it back once the host has recovered.
type Governor struct {
	log *zap.Logger

	mu        sync.RWMutex
	fps       int
	targetFPS int
	minFPS    int

	stressed      bool
	stressCount   int
	recoveryCount int
	onChange      func(fps int)
}

// NewGovernor starts at target and never goes below min.
func NewGovernor(target, min int, log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	if target < 1 {
		target = 1
	}
	if min < 1 || min > target {
		min = target
	}
	return &Governor{
		log:       log,
		fps:       target,
		targetFPS: target,
		minFPS:    min,
	}
}

// OnChange registers fn to be called after every rate change, outside the
// governor's lock.
func (g *Governor) OnChange(fn func(fps int)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// FPS returns the current refresh rate.
func (g *Governor) FPS() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fps
}

// Stressed reports whether the governor is in its stressed state.
func (g *Governor) Stressed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stressed
}

// Observe feeds one sample and returns the resulting refresh rate.
//
// Entering stress drops the rate one step; more than three stressed samples
// in a row keep dropping it. Three calm samples end the stressed state, and
// from then on every calm sample raises the rate one step up to the target.
func (g *Governor) Observe(s Sample) int {
	g.mu.Lock()
	before := g.fps
	now := s.Stressed()

	switch {
	case now && !g.stressed:
		g.stressed = true
		g.stressCount++
		g.step(-fpsStep)
	case now && g.stressed:
		g.stressCount++
		g.recoveryCount = 0
		if g.stressCount > 3 {
			g.step(-fpsStep)
		}
	case !now && g.stressed:
		g.recoveryCount++
		if g.recoveryCount > 2 {
			g.stressed = false
			g.recoveryCount = 0
			g.stressCount = 0
			g.step(fpsStep)
		}
	default:
		if g.fps < g.targetFPS {
			g.step(fpsStep)
		}
	}

	fps := g.fps
	fn := g.onChange
	g.mu.Unlock()

	if fps != before {
		g.log.Info("tile refresh rate changed",
			zap.Int("from", before), zap.Int("to", fps),
			zap.Float64("load", s.Load), zap.Float64("temp_c", s.Temperature))
		if fn != nil {
			fn(fps)
		}
	}
	return fps
}

func (g *Governor) step(delta int) {
	fps := g.fps + delta
	if fps < g.minFPS {
		fps = g.minFPS
	}
	if fps > g.targetFPS {
		fps = g.targetFPS
	}
	g.fps = fps
}

// Run samples m every interval and feeds the governor until ctx is done.
// Failed samples are skipped.
func (g *Governor) Run(ctx context.Context, m *Monitor, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s, err := m.Sample()
		if err != nil {
			g.log.Debug("host sample failed", zap.Error(err))
			continue
		}
		g.Observe(s)
	}
}
