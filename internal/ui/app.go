// Package ui is the JCameraControl window: a wrapping row of camera tiles,
// each with a header that collapses it.
package ui

import (
	"context"
	_ "embed"
	"image/color"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"go.uber.org/zap"

	"jcameracontrol/internal/camera"
	"jcameracontrol/internal/session"
)

// Title is the window title.
const Title = "JCameraControl"

//go:embed icon.png
var iconPNG []byte

// Icon is the application and window icon.
var Icon = fyne.NewStaticResource("jcameracontrol.png", iconPNG)

// Controller receives user actions from the window.
type Controller interface {
	OnExpandChanged(t *session.Tile, expanded bool)
	Shutdown(ctx context.Context) error
}

// Options configures the window.
type Options struct {
	Frame           camera.Resolution // reference capture size
	ChromeHeight    int               // header and border allowance below a frame
	FullScreen      bool
	RefreshFPS      func() int // current tile refresh rate
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// App is the main window. It implements session.View; those methods may be
// called from any one goroutine at a time.
type App struct {
	fyneApp fyne.App
	window  fyne.Window
	ctrl    Controller
	opts    Options
	log     *zap.Logger

	grid *fyne.Container

	mu    sync.Mutex
	tiles map[*session.Tile]*TileWidget

	closeOnce sync.Once
	closed    chan struct{}
}

var _ session.View = (*App)(nil)

// NewApp builds the window on fyneApp. The window is not shown until Run.
func NewApp(fyneApp fyne.App, ctrl Controller, opts Options) *App {
	if opts.Frame.Width <= 0 || opts.Frame.Height <= 0 {
		opts.Frame = camera.VGA
	}
	if opts.ChromeHeight < 0 {
		opts.ChromeHeight = 0
	}
	if opts.RefreshFPS == nil {
		opts.RefreshFPS = func() int { return 20 }
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := &App{
		fyneApp: fyneApp,
		window:  fyneApp.NewWindow(Title),
		ctrl:    ctrl,
		opts:    opts,
		log:     log,
		tiles:   make(map[*session.Tile]*TileWidget),
		closed:  make(chan struct{}),
	}
	a.setupUI()
	return a
}

// MinContentSize is one frame plus the window chrome.
func (a *App) MinContentSize() fyne.Size {
	return fyne.NewSize(float32(a.opts.Frame.Width), float32(a.opts.Frame.Height+a.opts.ChromeHeight))
}

func (a *App) setupUI() {
	background := canvas.NewRectangle(color.Black)

	spacer := canvas.NewRectangle(color.Transparent)
	spacer.SetMinSize(a.MinContentSize())

	a.grid = container.New(newFlowLayout(4))
	scroll := container.NewVScroll(a.grid)

	a.fyneApp.SetIcon(Icon)
	a.window.SetIcon(Icon)
	a.window.SetContent(container.NewStack(background, spacer, scroll))
	a.window.Resize(a.MinContentSize())
	a.window.SetFullScreen(a.opts.FullScreen)
	a.window.SetCloseIntercept(a.Close)
}

// Window returns the main window.
func (a *App) Window() fyne.Window { return a.window }

// AddTile appends a widget for t and returns its frame surface.
func (a *App) AddTile(t *session.Tile) camera.FrameListener {
	headerHeight := float32(a.opts.ChromeHeight) / 2
	w := NewTileWidget(t, a.opts.Frame, headerHeight, func(expanded bool) {
		if a.ctrl != nil {
			a.ctrl.OnExpandChanged(t, expanded)
		}
	})

	a.mu.Lock()
	a.tiles[t] = w
	a.mu.Unlock()

	a.grid.Add(w)
	a.log.Debug("tile shown", zap.String("camera", t.Camera.Name), zap.String("tile", t.ID))
	return w.Frames()
}

// RemoveTile drops the widget for t, if any.
func (a *App) RemoveTile(t *session.Tile) {
	a.mu.Lock()
	w, ok := a.tiles[t]
	delete(a.tiles, t)
	a.mu.Unlock()

	if !ok {
		return
	}
	a.grid.Remove(w)
	a.log.Debug("tile hidden", zap.String("camera", t.Camera.Name), zap.String("tile", t.ID))
}

// SetCapturing updates the tile's status overlay.
func (a *App) SetCapturing(t *session.Tile, capturing bool) {
	if w := a.widget(t); w != nil {
		w.SetCapturing(capturing)
	}
}

func (a *App) widget(t *session.Tile) *TileWidget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tiles[t]
}

// TileCount returns the number of tiles shown.
func (a *App) TileCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tiles)
}

// RunRefresh pushes new frames to expanded tiles until ctx is done or the
// window closes. The rate follows Options.RefreshFPS between ticks.
func (a *App) RunRefresh(ctx context.Context) error {
	fps := a.refreshFPS()
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.closed:
			return nil
		case <-ticker.C:
		}

		a.refreshAll()

		if next := a.refreshFPS(); next != fps {
			fps = next
			ticker.Reset(time.Second / time.Duration(fps))
		}
	}
}

func (a *App) refreshFPS() int {
	if fps := a.opts.RefreshFPS(); fps > 0 {
		return fps
	}
	return 1
}

// refreshAll returns how many tiles got a new frame.
func (a *App) refreshAll() int {
	a.mu.Lock()
	widgets := make([]*TileWidget, 0, len(a.tiles))
	for _, w := range a.tiles {
		widgets = append(widgets, w)
	}
	a.mu.Unlock()

	n := 0
	for _, w := range widgets {
		if w.refreshFrame() {
			n++
		}
	}
	return n
}

// Run shows the window and blocks in the fyne event loop until the app
// quits.
func (a *App) Run() {
	a.window.ShowAndRun()
}

// Close stops every camera, then quits the app. It is the window's close
// handler.
func (a *App) Close() {
	a.Shutdown()
	a.fyneApp.Quit()
}

// Shutdown stops every camera, bounded by Options.ShutdownTimeout. Only the
// first call does anything.
func (a *App) Shutdown() {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.log.Info("window closing, stopping all cameras")

		if a.ctrl == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
		defer cancel()
		if err := a.ctrl.Shutdown(ctx); err != nil {
			a.log.Warn("shutdown incomplete", zap.Error(err))
		}
	})
}

// Closed is closed once Close has started.
func (a *App) Closed() <-chan struct{} { return a.closed }
