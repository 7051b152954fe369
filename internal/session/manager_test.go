package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"jcameracontrol/internal/camera"
	"jcameracontrol/internal/dispatch"
	"jcameracontrol/internal/metrics"
)

// manualExecutor queues tasks until drained by the test.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *manualExecutor) Post(fn func()) bool {
	e.mu.Lock()
	e.tasks = append(e.tasks, fn)
	e.mu.Unlock()
	return true
}

func (e *manualExecutor) runPending() int {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

func (e *manualExecutor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// drain runs both domains until neither has work left.
func drain(execs ...*manualExecutor) {
	for {
		n := 0
		for _, e := range execs {
			n += e.runPending()
		}
		if n == 0 {
			return
		}
	}
}

type fakeCapture struct {
	mu         sync.Mutex
	name       string
	running    bool
	res        camera.Resolution
	listeners  []camera.FrameListener
	starts     int
	stops      int
	failStart  bool
	failStopOn bool
	onStop     func(err error)
}

func (c *fakeCapture) Name() string { return c.name }

func (c *fakeCapture) SetResolution(res camera.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		panic("resolution changed while running")
	}
	c.res = res
}

func (c *fakeCapture) AddFrameListener(l camera.FrameListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.failStart {
		return errors.New("device busy")
	}
	if c.running {
		return camera.ErrAlreadyRunning
	}
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	if c.failStopOn {
		return errors.New("ioctl failed")
	}
	return nil
}

func (c *fakeCapture) Running() bool { return c.isRunning() }

func (c *fakeCapture) SetStopHandler(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = fn
}

// end stops the stream as if the device had gone away.
func (c *fakeCapture) end(err error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	fn := c.onStop
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *fakeCapture) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type fakeOpener struct {
	mu       sync.Mutex
	captures map[string]*fakeCapture
	failOpen map[string]bool
	failAt   map[string]bool
	opens    int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		captures: make(map[string]*fakeCapture),
		failOpen: make(map[string]bool),
		failAt:   make(map[string]bool),
	}
}

func (o *fakeOpener) Open(info camera.Info) (camera.Capturer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failOpen[info.ID] {
		return nil, fmt.Errorf("open %s: no such device", info.ID)
	}
	c := &fakeCapture{name: info.Name, failStart: o.failAt[info.ID]}
	o.captures[info.ID] = c
	return c, nil
}

func (o *fakeOpener) capture(id string) *fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.captures[id]
}

func (o *fakeOpener) anyRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.captures {
		if c.isRunning() {
			return true
		}
	}
	return false
}

type fakeView struct {
	shown     []string
	capturing map[string]bool
	surfaces  map[string]*camera.FrameBuffer
}

func newFakeView() *fakeView {
	return &fakeView{capturing: make(map[string]bool), surfaces: make(map[string]*camera.FrameBuffer)}
}

func (v *fakeView) AddTile(t *Tile) camera.FrameListener {
	v.shown = append(v.shown, t.Camera.ID)
	fb := camera.NewFrameBuffer()
	v.surfaces[t.Camera.ID] = fb
	return fb
}

func (v *fakeView) RemoveTile(t *Tile) {
	for i, id := range v.shown {
		if id == t.Camera.ID {
			v.shown = append(v.shown[:i], v.shown[i+1:]...)
			break
		}
	}
	delete(v.capturing, t.Camera.ID)
}

func (v *fakeView) SetCapturing(t *Tile, capturing bool) {
	v.capturing[t.Camera.ID] = capturing
}

type fakeEnumerator struct {
	cameras []camera.Info
	err     error
}

func (e fakeEnumerator) Enumerate(context.Context) ([]camera.Info, error) {
	return e.cameras, e.err
}

func cam(id string) camera.Info {
	return camera.Info{ID: "/dev/" + id, Name: "Camera " + id}
}

type harness struct {
	ui, capture *manualExecutor
	opener      *fakeOpener
	view        *fakeView
	metrics     *metrics.Metrics
	m           *Manager
}

func newHarness(t *testing.T, attached ...camera.Info) *harness {
	h := &harness{
		ui:      &manualExecutor{},
		capture: &manualExecutor{},
		opener:  newFakeOpener(),
		view:    newFakeView(),
		metrics: metrics.New(),
	}
	h.m = New(Options{
		UI:         h.ui,
		Capture:    h.capture,
		Enumerator: fakeEnumerator{cameras: attached},
		Opener:     h.opener,
		View:       h.view,
		Resolution: camera.VGA,
		Logger:     zaptest.NewLogger(t),
		Metrics:    h.metrics,
	})
	return h
}

func (h *harness) drain() { drain(h.ui, h.capture) }

func (h *harness) snapshot(t *testing.T) []TileState {
	t.Helper()
	out := make(chan []TileState, 1)
	go func() {
		states, err := h.m.Snapshot(context.Background())
		if err != nil {
			panic(err)
		}
		out <- states
	}()
	require.Eventually(t, func() bool { return h.ui.pending() > 0 }, time.Second, time.Millisecond)
	h.drain()
	return <-out
}

func (h *harness) tile(t *testing.T, id string) *Tile {
	t.Helper()
	for _, x := range h.m.tiles {
		if x.Camera.ID == "/dev/"+id {
			return x
		}
	}
	t.Fatalf("no tile for %s", id)
	return nil
}

func ids(states []TileState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.CameraID)
	}
	return out
}

func TestManager_StartupCreatesCapturingTiles(t *testing.T) {
	h := newHarness(t, cam("video0"), cam("video2"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()

	states := h.snapshot(t)
	require.Len(t, states, 2)
	assert.Equal(t, []string{"/dev/video0", "/dev/video2"}, ids(states))
	for _, s := range states {
		assert.True(t, s.Expanded)
		assert.True(t, s.Capturing)
		assert.NotEmpty(t, s.ID)
	}
	assert.Equal(t, []string{"/dev/video0", "/dev/video2"}, h.view.shown)
	assert.True(t, h.view.capturing["/dev/video0"])

	c := h.opener.capture("/dev/video0")
	require.NotNil(t, c)
	assert.Equal(t, camera.VGA, c.res)
	require.Len(t, c.listeners, 1)
	assert.Same(t, h.view.surfaces["/dev/video0"], c.listeners[0])
}

func TestManager_StartupEnumerationError(t *testing.T) {
	h := newHarness(t)
	h.m.enumerator = fakeEnumerator{err: errors.New("permission denied")}
	assert.Error(t, h.m.OnStartup(context.Background()))
	h.drain()
	assert.Empty(t, h.m.tiles)
	assert.Nil(t, h.m.goneDuringScan)
}

func TestManager_StartupOnlyEnqueues(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))

	assert.Equal(t, 2, h.ui.pending(), "scan start and scan result")
	assert.Empty(t, h.m.tiles, "collection is only touched on the ui executor")
	assert.Equal(t, 0, h.opener.opens, "capture is only touched on the capture executor")
}

// blockingEnumerator holds Enumerate until released, so discovery events
// can arrive while the startup scan is in flight.
type blockingEnumerator struct {
	cameras []camera.Info
	started chan struct{}
	release chan struct{}
}

func newBlockingEnumerator(cameras ...camera.Info) *blockingEnumerator {
	return &blockingEnumerator{cameras: cameras, started: make(chan struct{}), release: make(chan struct{})}
}

func (e *blockingEnumerator) Enumerate(ctx context.Context) ([]camera.Info, error) {
	close(e.started)
	select {
	case <-e.release:
		return e.cameras, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *harness) startupWith(t *testing.T, enum *blockingEnumerator, during func()) {
	t.Helper()
	h.m.enumerator = enum
	errCh := make(chan error, 1)
	go func() { errCh <- h.m.OnStartup(context.Background()) }()

	select {
	case <-enum.started:
	case <-time.After(time.Second):
		t.Fatal("enumeration did not start")
	}
	during()
	close(enum.release)
	require.NoError(t, <-errCh)
	h.drain()
}

func TestManager_GoneDuringStartupScanIsNotAdded(t *testing.T) {
	h := newHarness(t)
	h.startupWith(t, newBlockingEnumerator(cam("video0"), cam("video1")), func() {
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
	})

	assert.Equal(t, []string{"/dev/video1"}, ids(h.snapshot(t)))
	assert.Equal(t, []string{"/dev/video1"}, h.view.shown)
	assert.Nil(t, h.opener.capture("/dev/video0"), "the departed camera is never opened")
	assert.Nil(t, h.m.goneDuringScan)
}

func TestManager_GoneDuringStartupScanDrainedEarly(t *testing.T) {
	h := newHarness(t)
	h.startupWith(t, newBlockingEnumerator(cam("video0")), func() {
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
		h.drain()
	})

	assert.Empty(t, h.snapshot(t))
	assert.Empty(t, h.view.shown)
}

func TestManager_ReattachDuringStartupScan(t *testing.T) {
	h := newHarness(t)
	h.startupWith(t, newBlockingEnumerator(cam("video0")), func() {
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})
	})

	states := h.snapshot(t)
	assert.Equal(t, []string{"/dev/video0"}, ids(states))
	assert.True(t, states[0].Capturing)
	assert.Equal(t, 1, h.opener.opens)
}

func TestManager_FoundDuringStartupScan(t *testing.T) {
	h := newHarness(t)
	h.startupWith(t, newBlockingEnumerator(cam("video0")), func() {
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})
		h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video1")})
	})

	assert.Equal(t, []string{"/dev/video0", "/dev/video1"}, ids(h.snapshot(t)))
	assert.Equal(t, 2, h.opener.opens)
}

func TestManager_FoundAndGone(t *testing.T) {
	h := newHarness(t)
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video1")})
	h.drain()
	require.Len(t, h.m.tiles, 2)

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
	h.drain()

	assert.Equal(t, []string{"/dev/video1"}, ids(h.snapshot(t)))
	assert.False(t, h.opener.capture("/dev/video0").isRunning())
	assert.True(t, h.opener.capture("/dev/video1").isRunning())
	assert.Equal(t, []string{"/dev/video1"}, h.view.shown)
}

func TestManager_GoneUnknownIsNoop(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	before := h.snapshot(t)

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video9"}})
	h.drain()

	assert.Equal(t, before, h.snapshot(t))
	assert.Equal(t, 1, h.opener.capture("/dev/video0").starts)
	assert.Equal(t, 0, h.opener.capture("/dev/video0").stops)
}

func TestManager_DuplicateFoundIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})
	h.drain()

	states := h.snapshot(t)
	require.Len(t, states, 1)
	assert.Equal(t, 1, h.opener.opens)
	assert.Equal(t, []string{"/dev/video0"}, h.view.shown)
}

func TestManager_CollapseAndExpand(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	tile := h.tile(t, "video0")
	c := h.opener.capture("/dev/video0")

	h.m.OnExpandChanged(tile, false)
	h.drain()
	assert.False(t, tile.Capturing())
	assert.False(t, c.isRunning())
	assert.False(t, h.view.capturing["/dev/video0"])
	assert.False(t, h.snapshot(t)[0].Expanded)

	h.m.OnExpandChanged(tile, true)
	h.drain()
	assert.True(t, tile.Capturing())
	assert.True(t, c.isRunning())
	assert.True(t, h.view.capturing["/dev/video0"])
	assert.Equal(t, 1, h.opener.opens, "resume reuses the capture")
	assert.Equal(t, 2, c.starts)
}

func TestManager_RepeatedCollapseStopsOnce(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	tile := h.tile(t, "video0")

	h.m.OnExpandChanged(tile, false)
	h.m.OnExpandChanged(tile, false)
	h.m.OnExpandChanged(tile, true)
	h.m.OnExpandChanged(tile, true)
	h.drain()

	c := h.opener.capture("/dev/video0")
	assert.Equal(t, 1, c.stops)
	assert.Equal(t, 2, c.starts)
	assert.True(t, tile.Capturing())
}

func TestManager_ExpandAfterRemovalIgnored(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	tile := h.tile(t, "video0")

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
	h.m.OnExpandChanged(tile, true)
	h.drain()

	c := h.opener.capture("/dev/video0")
	assert.False(t, c.isRunning())
	assert.Equal(t, 1, c.starts)
	assert.Empty(t, h.m.tiles)
}

func TestManager_CaptureFailuresAreContained(t *testing.T) {
	h := newHarness(t, cam("video0"), cam("video1"), cam("video2"))
	h.opener.failOpen["/dev/video0"] = true
	h.opener.failAt["/dev/video1"] = true
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()

	states := h.snapshot(t)
	require.Len(t, states, 3, "failed cameras keep an inert tile")
	assert.False(t, states[0].Capturing)
	assert.False(t, states[1].Capturing)
	assert.True(t, states[2].Capturing)

	// A failing stop still releases the tile.
	h.opener.capture("/dev/video2").failStopOn = true
	h.m.OnExpandChanged(h.tile(t, "video2"), false)
	h.drain()
	assert.False(t, h.tile(t, "video2").Capturing())
}

func TestManager_StreamEndClearsCapturing(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	tile := h.tile(t, "video0")
	c := h.opener.capture("/dev/video0")
	require.True(t, tile.Capturing())

	c.end(errors.New("device unplugged"))
	h.drain()

	assert.False(t, tile.Capturing())
	assert.False(t, h.view.capturing["/dev/video0"])
	states := h.snapshot(t)
	require.Len(t, states, 1)
	assert.True(t, states[0].Expanded, "the tile stays, showing no video")
	assert.False(t, states[0].Capturing)

	// Collapse and expand retries the camera.
	h.m.OnExpandChanged(tile, false)
	h.m.OnExpandChanged(tile, true)
	h.drain()
	assert.True(t, tile.Capturing())
	assert.True(t, c.isRunning())
	assert.Equal(t, 2, c.starts)
	assert.Equal(t, 0, c.stops, "an ended stream is not stopped again")
	assert.True(t, h.view.capturing["/dev/video0"])
}

func TestManager_StreamEndAfterRestartIgnored(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	tile := h.tile(t, "video0")
	c := h.opener.capture("/dev/video0")

	// Restarted before the end report is processed.
	c.end(errors.New("usb reset"))
	require.NoError(t, c.Start())
	h.drain()

	assert.True(t, tile.Capturing(), "a running capture is not marked stopped")
	assert.True(t, h.view.capturing["/dev/video0"])
}

func TestManager_StreamEndAfterRemoval(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	c := h.opener.capture("/dev/video0")

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: "/dev/video0"}})
	h.drain()
	c.end(errors.New("device unplugged"))
	h.drain()

	assert.Empty(t, h.snapshot(t))
	assert.Empty(t, h.view.capturing)
}

// recordingView is safe for use from the real ui queue goroutine.
type recordingView struct {
	mu        sync.Mutex
	capturing []bool
}

func (v *recordingView) AddTile(*Tile) camera.FrameListener { return camera.NewFrameBuffer() }
func (v *recordingView) RemoveTile(*Tile)                   {}

func (v *recordingView) SetCapturing(_ *Tile, capturing bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.capturing = append(v.capturing, capturing)
}

func (v *recordingView) calls() []bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]bool(nil), v.capturing...)
}

func TestManager_FFmpegExitClearsCapturing(t *testing.T) {
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not installed")
	}
	log := zaptest.NewLogger(t)
	ui := dispatch.New("ui", log)
	capture := dispatch.New("capture", log)
	ctx, cancel := context.WithCancel(context.Background())
	go ui.Run(ctx)
	go capture.Run(ctx)
	defer func() {
		cancel()
		<-ui.Done()
		<-capture.Done()
	}()

	view := &recordingView{}
	m := New(Options{
		UI:      ui,
		Capture: capture,
		Opener:  &camera.Opener{Settings: camera.Settings{FPS: 15, FFmpeg: bin}, Logger: log},
		View:    view,
		Logger:  log,
	})
	m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video0")})

	require.Eventually(t, func() bool {
		return len(view.calls()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false}, view.calls())

	states, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.False(t, states[0].Capturing)

	shutdownCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, m.Shutdown(shutdownCtx))
}

func TestManager_OnShutdown(t *testing.T) {
	h := newHarness(t, cam("video0"), cam("video1"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()

	h.m.OnShutdown()
	h.drain()

	assert.Empty(t, h.snapshot(t))
	assert.Empty(t, h.view.shown)
	assert.False(t, h.opener.anyRunning())

	// Discovery after teardown does not resurrect tiles.
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video5")})
	h.drain()
	assert.Empty(t, h.m.tiles)
}

// Scenario: [A, B] attached, collapse A, found C, gone B, shutdown.
func TestManager_Scenario(t *testing.T) {
	a, b, c := cam("videoA"), cam("videoB"), cam("videoC")
	h := newHarness(t, a, b)

	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	states := h.snapshot(t)
	require.Len(t, states, 2)
	assert.True(t, states[0].Capturing)
	assert.True(t, states[1].Capturing)

	h.m.OnExpandChanged(h.tile(t, "videoA"), false)
	h.drain()
	assert.False(t, h.tile(t, "videoA").Capturing())
	assert.True(t, h.tile(t, "videoB").Capturing())

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: c})
	h.drain()
	states = h.snapshot(t)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(states))
	assert.True(t, states[2].Capturing)

	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: b.ID}})
	h.drain()
	states = h.snapshot(t)
	assert.Equal(t, []string{a.ID, c.ID}, ids(states))
	assert.False(t, states[0].Capturing)
	assert.True(t, states[1].Capturing)

	h.m.OnShutdown()
	h.drain()
	assert.Empty(t, h.snapshot(t))
	assert.False(t, h.opener.anyRunning())
}

// For any interleaving of found/gone events the collection holds exactly
// one tile per attached camera.
func TestManager_RandomEventSequences(t *testing.T) {
	names := []string{"video0", "video1", "video2", "video3", "video4"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		h := newHarness(t)
		attached := make(map[string]bool)

		for step := 0; step < 40; step++ {
			info := cam(names[rng.Intn(len(names))])
			if rng.Intn(2) == 0 {
				attached[info.ID] = true
				h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: info})
			} else {
				delete(attached, info.ID)
				h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Gone, Camera: camera.Info{ID: info.ID}})
			}
			if rng.Intn(3) == 0 {
				h.drain()
			}
		}
		h.drain()

		var want []string
		for id := range attached {
			want = append(want, id)
		}
		sort.Strings(want)

		got := ids(h.snapshot(t))
		sort.Strings(got)
		require.Equal(t, want, got, "round %d", round)

		for _, id := range want {
			assert.True(t, h.opener.capture(id).isRunning(), "round %d: %s", round, id)
		}
		h.opener.mu.Lock()
		running := 0
		for _, c := range h.opener.captures {
			if c.isRunning() {
				running++
			}
		}
		h.opener.mu.Unlock()
		assert.Equal(t, len(want), running, "round %d: no capture leaks", round)
	}
}

func TestManager_ShutdownWaitsForCapture(t *testing.T) {
	log := zaptest.NewLogger(t)
	ui := dispatch.New("ui", log)
	capture := dispatch.New("capture", log)
	ctx, cancel := context.WithCancel(context.Background())
	go ui.Run(ctx)
	go capture.Run(ctx)
	defer func() {
		cancel()
		<-ui.Done()
		<-capture.Done()
	}()

	opener := newFakeOpener()
	m := New(Options{
		UI:         ui,
		Capture:    capture,
		Enumerator: fakeEnumerator{cameras: []camera.Info{cam("video0"), cam("video1")}},
		Opener:     opener,
		Logger:     log,
	})
	require.NoError(t, m.OnStartup(ctx))

	m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video2")})
	require.Eventually(t, func() bool {
		states, err := m.Snapshot(ctx)
		if err != nil || len(states) != 3 {
			return false
		}
		for _, s := range states {
			if !s.Capturing {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, done := context.WithTimeout(ctx, 2*time.Second)
	defer done()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.False(t, opener.anyRunning())

	states, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestManager_ShutdownWithClosedQueues(t *testing.T) {
	ui := dispatch.New("ui", nil)
	capture := dispatch.New("capture", nil)
	ui.Close()
	capture.Close()

	m := New(Options{UI: ui, Capture: capture, Opener: newFakeOpener()})
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Snapshot(context.Background())
	assert.Error(t, err)
}

// rejectingExecutor refuses work, like a queue that has been closed.
type rejectingExecutor struct{}

func (rejectingExecutor) Post(func()) bool { return false }

func TestManager_ShutdownReportsUnreleasedCaptures(t *testing.T) {
	h := newHarness(t, cam("video0"))
	require.NoError(t, h.m.OnStartup(context.Background()))
	h.drain()
	h.m.capture = rejectingExecutor{}

	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return h.ui.pending() > 0 }, time.Second, time.Millisecond)
	h.ui.runPending()

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture executor closed")
	assert.Empty(t, h.m.tiles)
}

func TestManager_SetView(t *testing.T) {
	h := newHarness(t)
	v := newFakeView()
	h.m.SetView(v)
	h.m.OnDiscoveryEvent(camera.Event{Kind: camera.Found, Camera: cam("video3")})
	h.drain()

	assert.Equal(t, []string{"/dev/video3"}, v.shown)
	assert.Empty(t, h.view.shown)
}
