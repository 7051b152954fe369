package camera

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// FrameBuffer holds the latest frame of one camera.
// Capture writes at its own rate, the UI reads when ready.
type FrameBuffer struct {
	mu    sync.RWMutex
	frame image.Image

	frameCount  atomic.Uint64
	lastFrameAt atomic.Int64 // Unix nano timestamp
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// OnFrame stores a new frame. Makes FrameBuffer a FrameListener.
func (fb *FrameBuffer) OnFrame(frame image.Image) {
	if frame == nil {
		return
	}
	fb.mu.Lock()
	fb.frame = frame
	fb.mu.Unlock()

	fb.frameCount.Add(1)
	fb.lastFrameAt.Store(time.Now().UnixNano())
}

// Read returns the latest frame, nil if none arrived yet.
func (fb *FrameBuffer) Read() image.Image {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.frame
}

// ReadIfNew returns the frame only if it's newer than lastRead,
// avoiding unnecessary UI refreshes.
func (fb *FrameBuffer) ReadIfNew(lastRead uint64) (image.Image, uint64, bool) {
	current := fb.frameCount.Load()
	if current <= lastRead {
		return nil, lastRead, false
	}
	return fb.Read(), current, true
}

// FrameCount returns total frames written.
func (fb *FrameBuffer) FrameCount() uint64 {
	return fb.frameCount.Load()
}

// LastFrameTime returns when the last frame was written.
func (fb *FrameBuffer) LastFrameTime() time.Time {
	nanos := fb.lastFrameAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
