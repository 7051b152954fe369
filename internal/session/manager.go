// Package session keeps one tile per attached camera and drives capture as
// tiles come, go, expand and collapse.
//
// Work runs on two executors. The UI executor owns the tile collection and
// is the only place it is read or written; the capture executor owns every
// Capturer and is the only place Start/Stop/SetResolution are called.
// Discovery callbacks and UI events only post to the UI executor, and the UI
// executor hands capture work to the capture executor. Nothing blocks the
// caller except Shutdown and Snapshot, which wait for their result.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jcameracontrol/internal/camera"
	"jcameracontrol/internal/metrics"
)

// Executor runs posted functions one at a time in FIFO order.
type Executor interface {
	Post(fn func()) bool
}

// Enumerator lists the cameras attached at startup.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]camera.Info, error)
}

// Opener creates a capture for a camera.
type Opener interface {
	Open(info camera.Info) (camera.Capturer, error)
}

// View is the visible tile collection. Its methods are called on the UI
// executor only.
type View interface {
	// AddTile shows a new tile and returns the surface its frames go to.
	AddTile(t *Tile) camera.FrameListener
	RemoveTile(t *Tile)
	SetCapturing(t *Tile, capturing bool)
}

// Options configures a Manager.
type Options struct {
	UI         Executor
	Capture    Executor
	Enumerator Enumerator
	Opener     Opener
	View       View
	Resolution camera.Resolution
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Manager is the webcam session manager.
type Manager struct {
	ui         Executor
	capture    Executor
	enumerator Enumerator
	opener     Opener
	resolution camera.Resolution
	log        *zap.Logger
	metrics    *metrics.Metrics

	// UI domain
	view   View
	tiles  []*Tile
	closed bool
	// goneDuringScan is non-nil while a startup scan is in flight and holds
	// the cameras reported gone since it began.
	goneDuringScan map[string]bool
}

// New creates a manager. UI, Capture and Opener are required.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	res := opts.Resolution
	if res.Width <= 0 || res.Height <= 0 {
		res = camera.VGA
	}
	return &Manager{
		ui:         opts.UI,
		capture:    opts.Capture,
		enumerator: opts.Enumerator,
		opener:     opts.Opener,
		view:       opts.View,
		resolution: res,
		log:        log,
		metrics:    opts.Metrics,
	}
}

// SetView attaches the visible tile collection. The switch happens on the UI
// executor, so tiles added before it are not shown in v.
func (m *Manager) SetView(v View) {
	m.ui.Post(func() { m.view = v })
}

// OnStartup enumerates attached cameras and adds an expanded, capturing
// tile for each. Enumeration runs on the caller; the inserts are posted.
//
// Discovery should already be watching when OnStartup is called. A camera
// reported gone while the enumeration runs is not added even if the scan
// saw it.
func (m *Manager) OnStartup(ctx context.Context) error {
	if m.enumerator == nil {
		return nil
	}
	m.ui.Post(m.beginScan)
	cameras, err := m.enumerator.Enumerate(ctx)
	if err != nil {
		m.ui.Post(func() { m.endScan(nil) })
		return fmt.Errorf("session: enumerate cameras: %w", err)
	}
	m.log.Info("cameras at startup", zap.Int("count", len(cameras)))
	m.ui.Post(func() { m.endScan(cameras) })
	return nil
}

// beginScan runs on the UI executor before enumeration starts.
func (m *Manager) beginScan() {
	m.goneDuringScan = make(map[string]bool)
}

// endScan runs on the UI executor once enumeration is done.
func (m *Manager) endScan(cameras []camera.Info) {
	gone := m.goneDuringScan
	m.goneDuringScan = nil
	for _, info := range cameras {
		if gone[info.ID] {
			m.log.Debug("camera left during startup scan", zap.String("device", info.ID))
			continue
		}
		m.insert(info)
	}
}

// OnDiscoveryEvent handles a found/gone notification. Safe to call from any
// goroutine.
func (m *Manager) OnDiscoveryEvent(ev camera.Event) {
	m.metrics.DiscoveryEvent(ev.Kind.String())
	switch ev.Kind {
	case camera.Found:
		m.ui.Post(func() { m.insert(ev.Camera) })
	case camera.Gone:
		m.ui.Post(func() { m.remove(ev.Camera.ID) })
	default:
		m.log.Warn("unknown discovery event", zap.Stringer("kind", ev.Kind))
	}
}

// OnExpandChanged pauses capture when a tile collapses and resumes it when
// the tile expands again. Events for tiles no longer shown are ignored.
func (m *Manager) OnExpandChanged(t *Tile, expanded bool) {
	m.ui.Post(func() {
		if m.indexOf(t) < 0 {
			return
		}
		t.expanded = expanded
		if expanded {
			m.log.Info("resume webcam", zap.String("camera", t.Camera.Name))
			m.capture.Post(func() { m.startCapture(t) })
		} else {
			m.log.Info("pause webcam", zap.String("camera", t.Camera.Name))
			m.capture.Post(func() { m.stopCapture(t) })
		}
	})
}

// OnShutdown stops capture on every tile and clears the collection. Later
// discovery events are ignored.
func (m *Manager) OnShutdown() {
	m.teardown(nil)
}

// Shutdown runs OnShutdown and waits until both executors have processed
// it, so no camera is left open when it returns nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	m.teardown(done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// Snapshot returns a copy of the tiles in display order.
func (m *Manager) Snapshot(ctx context.Context) ([]TileState, error) {
	out := make(chan []TileState, 1)
	posted := m.ui.Post(func() {
		states := make([]TileState, 0, len(m.tiles))
		for _, t := range m.tiles {
			states = append(states, t.state())
		}
		out <- states
	})
	if !posted {
		return nil, fmt.Errorf("session: snapshot: ui executor closed")
	}
	select {
	case states := <-out:
		return states, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// teardown posts the shutdown work. done, if set, receives the result after
// every capture has been stopped, or an error if they could not be.
func (m *Manager) teardown(done chan<- error) {
	finish := func(err error) {
		if done != nil {
			done <- err
		}
	}

	posted := m.ui.Post(func() {
		tiles := m.tiles
		m.tiles = nil
		m.closed = true
		m.metrics.SetTiles(0)

		for _, t := range tiles {
			if m.view != nil {
				m.view.RemoveTile(t)
			}
		}
		m.log.Info("shutting down", zap.Int("tiles", len(tiles)))

		if !m.capture.Post(func() {
			for _, t := range tiles {
				m.releaseCapture(t)
			}
			finish(nil)
		}) {
			if len(tiles) == 0 {
				finish(nil)
				return
			}
			m.log.Warn("capture executor closed, cameras not released", zap.Int("tiles", len(tiles)))
			finish(fmt.Errorf("session: shutdown: capture executor closed with %d tiles", len(tiles)))
		}
	})
	if !posted {
		finish(nil)
	}
}

// insert runs on the UI executor. A camera that already has a tile is
// ignored, which makes repeated found events idempotent.
func (m *Manager) insert(info camera.Info) {
	delete(m.goneDuringScan, info.ID)
	if m.closed {
		return
	}
	if m.indexOfCamera(info.ID) >= 0 {
		m.log.Debug("duplicate found event ignored", zap.String("device", info.ID))
		return
	}

	t := newTile(info)
	m.tiles = append(m.tiles, t)
	m.metrics.SetTiles(len(m.tiles))
	m.log.Info("adds new webcam", zap.String("camera", info.Name), zap.String("device", info.ID), zap.String("tile", t.ID))

	if m.view != nil {
		t.listener = m.view.AddTile(t)
	}
	m.capture.Post(func() { m.startCapture(t) })
}

// remove runs on the UI executor. Unknown identities are a no-op.
func (m *Manager) remove(cameraID string) {
	if m.goneDuringScan != nil {
		m.goneDuringScan[cameraID] = true
	}
	i := m.indexOfCamera(cameraID)
	if i < 0 {
		return
	}
	t := m.tiles[i]
	m.tiles = append(m.tiles[:i], m.tiles[i+1:]...)
	m.metrics.SetTiles(len(m.tiles))
	m.log.Info("removes webcam", zap.String("camera", t.Camera.Name), zap.String("device", cameraID))

	if m.view != nil {
		m.view.RemoveTile(t)
	}
	m.capture.Post(func() { m.releaseCapture(t) })
}

func (m *Manager) indexOf(t *Tile) int {
	for i, x := range m.tiles {
		if x == t {
			return i
		}
	}
	return -1
}

func (m *Manager) indexOfCamera(id string) int {
	for i, t := range m.tiles {
		if t.Camera.ID == id {
			return i
		}
	}
	return -1
}

// startCapture runs on the capture executor. The capture is opened on first
// use with the reference resolution set before the surface is attached.
func (m *Manager) startCapture(t *Tile) {
	if t.capturing.Load() {
		return
	}
	log := m.log.With(zap.String("camera", t.Camera.Name), zap.String("device", t.Camera.ID))

	if t.capture == nil {
		c, err := m.opener.Open(t.Camera)
		if err != nil {
			log.Warn("open webcam failed", zap.Error(err))
			m.metrics.CaptureFailed("open")
			return
		}
		c.SetResolution(m.resolution)
		if t.listener != nil {
			c.AddFrameListener(t.listener)
		}
		c.SetStopHandler(func(err error) {
			m.capture.Post(func() { m.captureEnded(t, c, err) })
		})
		t.capture = c
	}

	if err := t.capture.Start(); err != nil {
		log.Warn("start webcam failed", zap.Error(err))
		m.metrics.CaptureFailed("start")
		return
	}
	t.capturing.Store(true)
	m.metrics.CaptureStarted()
	m.notifyCapturing(t, true)
}

// stopCapture runs on the capture executor.
func (m *Manager) stopCapture(t *Tile) {
	if t.capture == nil || !t.capturing.Load() {
		return
	}
	if err := t.capture.Stop(); err != nil {
		m.log.Warn("stop webcam failed", zap.String("camera", t.Camera.Name), zap.Error(err))
		m.metrics.CaptureFailed("stop")
	}
	// The resource is released either way; a failed stop is not retried.
	t.capturing.Store(false)
	m.metrics.CaptureStopped()
	m.notifyCapturing(t, false)
}

// captureEnded runs on the capture executor after c's stream stopped without
// a Stop. It is stale if the tile has since been stopped, released or
// restarted.
func (m *Manager) captureEnded(t *Tile, c camera.Capturer, err error) {
	if t.capture != c || !t.capturing.Load() || c.Running() {
		return
	}
	m.log.Warn("webcam stream ended", zap.String("camera", t.Camera.Name), zap.String("device", t.Camera.ID), zap.Error(err))
	t.capturing.Store(false)
	m.metrics.CaptureStopped()
	m.metrics.CaptureFailed("stream")
	m.notifyCapturing(t, false)
}

// releaseCapture runs on the capture executor for tiles that are gone.
func (m *Manager) releaseCapture(t *Tile) {
	m.stopCapture(t)
	t.capture = nil
}

// notifyCapturing tells the view about a capture state change, if the tile
// is still shown.
func (m *Manager) notifyCapturing(t *Tile, capturing bool) {
	m.ui.Post(func() {
		if m.view == nil || m.indexOf(t) < 0 {
			return
		}
		m.view.SetCapturing(t, capturing)
	})
}
