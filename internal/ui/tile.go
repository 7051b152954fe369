package ui

import (
	"image"
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"jcameracontrol/internal/camera"
	"jcameracontrol/internal/session"
)

var (
	headerColor = color.RGBA{50, 50, 55, 255}
	bodyColor   = color.RGBA{25, 25, 25, 255}
	statusColor = color.RGBA{180, 180, 180, 255}
)

// tileHeader is the clickable title bar of a tile. Tapping it toggles the
// tile between expanded and collapsed.
type tileHeader struct {
	widget.BaseWidget
	bg     *canvas.Rectangle
	width  *canvas.Rectangle
	icon   *widget.Icon
	label  *canvas.Text
	height float32
	onTap  func()
}

func newTileHeader(name string, width, height float32, onTap func()) *tileHeader {
	h := &tileHeader{
		bg:     canvas.NewRectangle(headerColor),
		width:  canvas.NewRectangle(color.Transparent),
		icon:   widget.NewIcon(theme.MenuDropDownIcon()),
		label:  canvas.NewText(name, color.White),
		height: height,
		onTap:  onTap,
	}
	h.width.SetMinSize(fyne.NewSize(width, height))
	h.label.TextStyle = fyne.TextStyle{Bold: true}
	h.ExtendBaseWidget(h)
	return h
}

func (h *tileHeader) CreateRenderer() fyne.WidgetRenderer {
	row := container.NewHBox(h.icon, h.label)
	return widget.NewSimpleRenderer(container.NewStack(h.bg, h.width, container.NewPadded(row)))
}

func (h *tileHeader) setExpanded(expanded bool) {
	if expanded {
		h.icon.SetResource(theme.MenuDropDownIcon())
	} else {
		h.icon.SetResource(theme.MenuExpandIcon())
	}
}

// Tapped toggles the tile.
func (h *tileHeader) Tapped(_ *fyne.PointEvent) {
	if h.onTap != nil {
		h.onTap()
	}
}

// TileWidget shows one camera: a header that collapses the tile and a body
// with the live frame.
type TileWidget struct {
	widget.BaseWidget

	tile   *session.Tile
	frames *camera.FrameBuffer

	header *tileHeader
	image  *canvas.Image
	status *canvas.Text
	body   *fyne.Container

	mu        sync.Mutex
	expanded  bool
	capturing bool
	lastFrame uint64
	onToggle  func(expanded bool)
}

// NewTileWidget builds an expanded tile whose body is frame sized. Frames
// written to the returned widget's FrameBuffer are shown on the next Refresh.
func NewTileWidget(t *session.Tile, frame camera.Resolution, headerHeight float32, onToggle func(expanded bool)) *TileWidget {
	w := &TileWidget{
		tile:     t,
		frames:   camera.NewFrameBuffer(),
		expanded: true,
		onToggle: onToggle,
	}
	size := fyne.NewSize(float32(frame.Width), float32(frame.Height))

	w.header = newTileHeader(t.Camera.Name, size.Width, headerHeight, w.Toggle)

	w.image = canvas.NewImageFromImage(image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height)))
	w.image.FillMode = canvas.ImageFillContain
	w.image.SetMinSize(size)

	w.status = canvas.NewText("Starting…", statusColor)
	w.status.TextSize = 18
	w.status.Alignment = fyne.TextAlignCenter

	w.body = container.NewStack(canvas.NewRectangle(bodyColor), w.image, container.NewCenter(w.status))

	w.ExtendBaseWidget(w)
	return w
}

func (w *TileWidget) CreateRenderer() fyne.WidgetRenderer {
	return widget.NewSimpleRenderer(container.NewVBox(w.header, w.body))
}

// Tile returns the session tile this widget shows.
func (w *TileWidget) Tile() *session.Tile { return w.tile }

// Frames is the surface capture writes to.
func (w *TileWidget) Frames() *camera.FrameBuffer { return w.frames }

// Expanded reports whether the body is shown.
func (w *TileWidget) Expanded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expanded
}

// Toggle flips between expanded and collapsed and reports the new state.
func (w *TileWidget) Toggle() {
	w.mu.Lock()
	w.expanded = !w.expanded
	expanded := w.expanded
	fn := w.onToggle
	w.mu.Unlock()

	w.header.setExpanded(expanded)
	if expanded {
		w.body.Show()
	} else {
		w.body.Hide()
	}
	w.Refresh()

	if fn != nil {
		fn(expanded)
	}
}

// SetCapturing updates the status overlay.
func (w *TileWidget) SetCapturing(capturing bool) {
	w.mu.Lock()
	w.capturing = capturing
	w.mu.Unlock()

	if capturing {
		w.status.Hide()
	} else {
		w.status.Text = "No video"
		w.status.Show()
	}
	w.status.Refresh()
}

// Capturing reports the last state passed to SetCapturing.
func (w *TileWidget) Capturing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capturing
}

// refreshFrame pushes a new frame to the image. It reports false when
// nothing changed; a collapsed tile keeps its last frame.
func (w *TileWidget) refreshFrame() bool {
	w.mu.Lock()
	if !w.expanded {
		w.mu.Unlock()
		return false
	}
	frame, n, ok := w.frames.ReadIfNew(w.lastFrame)
	if ok {
		w.lastFrame = n
	}
	w.mu.Unlock()

	if !ok || frame == nil {
		return false
	}
	w.image.Image = frame
	w.image.Refresh()
	return true
}
