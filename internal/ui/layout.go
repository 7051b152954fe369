package ui

import (
	"sync"

	"fyne.io/fyne/v2"
)

// flowLayout places objects left to right at their minimum size and wraps
// to a new row when the next one does not fit. Hidden objects take no space.
type flowLayout struct {
	gap float32

	mu        sync.Mutex
	lastWidth float32
}

func newFlowLayout(gap float32) *flowLayout {
	return &flowLayout{gap: gap}
}

// MinSize is the widest object by the height the objects need when wrapped
// at the width of the last Layout call.
func (f *flowLayout) MinSize(objects []fyne.CanvasObject) fyne.Size {
	f.mu.Lock()
	width := f.lastWidth
	f.mu.Unlock()

	var widest float32
	for _, o := range objects {
		if o.Visible() && o.MinSize().Width > widest {
			widest = o.MinSize().Width
		}
	}
	if width < widest {
		width = widest
	}
	_, height := f.place(objects, width, false)
	return fyne.NewSize(widest, height)
}

func (f *flowLayout) Layout(objects []fyne.CanvasObject, size fyne.Size) {
	f.mu.Lock()
	f.lastWidth = size.Width
	f.mu.Unlock()
	f.place(objects, size.Width, true)
}

// place walks the objects row by row and returns the used width and height.
func (f *flowLayout) place(objects []fyne.CanvasObject, width float32, apply bool) (float32, float32) {
	var x, y, rowHeight, used float32
	first := true

	for _, o := range objects {
		if !o.Visible() {
			continue
		}
		min := o.MinSize()
		if !first && x+min.Width > width {
			y += rowHeight + f.gap
			x, rowHeight = 0, 0
		}
		if apply {
			o.Move(fyne.NewPos(x, y))
			o.Resize(min)
		}
		x += min.Width + f.gap
		if x-f.gap > used {
			used = x - f.gap
		}
		if min.Height > rowHeight {
			rowHeight = min.Height
		}
		first = false
	}
	if first {
		return 0, 0
	}
	return used, y + rowHeight
}
