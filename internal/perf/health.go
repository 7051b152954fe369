package perf

import (
	"context"
	"time"

	"go.uber.org/zap"

	"jcameracontrol/internal/session"
)

// Snapshotter returns the current tiles.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]session.TileState, error)
}

// HealthReporter periodically logs a summary of the tiles and the host.
type HealthReporter struct {
	Tiles    Snapshotter
	Monitor  *Monitor  // optional
	Governor *Governor // optional
	Interval time.Duration
	Logger   *zap.Logger
}

// Summary counts tiles by state.
type Summary struct {
	Tiles     int
	Capturing int
	Collapsed int
	Stalled   int // expanded but not capturing
}

// Summarize counts states.
func Summarize(states []session.TileState) Summary {
	var s Summary
	s.Tiles = len(states)
	for _, t := range states {
		switch {
		case t.Capturing:
			s.Capturing++
		case !t.Expanded:
			s.Collapsed++
		default:
			s.Stalled++
		}
	}
	return s
}

// Run logs every Interval until ctx is done. A non-positive interval
// disables the reporter.
func (r *HealthReporter) Run(ctx context.Context) error {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if r.Interval <= 0 {
		log.Info("health logging disabled")
		return nil
	}
	log.Info("health logging started", zap.Duration("every", r.Interval))

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		r.report(ctx, log)
	}
}

func (r *HealthReporter) report(ctx context.Context, log *zap.Logger) {
	tctx, cancel := context.WithTimeout(ctx, time.Second)
	states, err := r.Tiles.Snapshot(tctx)
	cancel()
	if err != nil {
		log.Debug("health snapshot skipped", zap.Error(err))
		return
	}
	sum := Summarize(states)

	fields := []zap.Field{
		zap.Int("tiles", sum.Tiles),
		zap.Int("capturing", sum.Capturing),
		zap.Int("collapsed", sum.Collapsed),
		zap.Int("stalled", sum.Stalled),
	}
	if r.Monitor != nil {
		if s, err := r.Monitor.Sample(); err == nil {
			fields = append(fields, zap.Float64("load", s.Load), zap.Float64("mem_pct", s.MemoryUsage))
			if s.HasTemperature {
				fields = append(fields, zap.Float64("temp_c", s.Temperature))
			}
		}
	}
	if r.Governor != nil {
		fields = append(fields, zap.Int("ui_fps", r.Governor.FPS()))
	}
	log.Info("health", fields...)

	for _, t := range states {
		if t.Expanded && !t.Capturing {
			log.Warn("expanded tile is not capturing", zap.String("camera", t.Name), zap.String("device", t.CameraID))
		}
	}
}
