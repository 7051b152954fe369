package camera

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FrameListener receives decoded frames. OnFrame is called from the capture
// goroutine and must not block.
type FrameListener interface {
	OnFrame(frame image.Image)
}

// FrameListenerFunc adapts a function to FrameListener.
type FrameListenerFunc func(frame image.Image)

func (f FrameListenerFunc) OnFrame(frame image.Image) { f(frame) }

// Capturer is a camera that can be started and stopped repeatedly.
type Capturer interface {
	Name() string
	SetResolution(res Resolution)
	AddFrameListener(l FrameListener)
	Start() error
	Stop() error
	// Running reports whether the capture is delivering frames.
	Running() bool
	// SetStopHandler registers fn to be called when the stream ends without
	// Stop, for example when the device goes away or ffmpeg exits. fn is
	// called from the capture goroutine and must not block.
	SetStopHandler(fn func(err error))
}

// ErrAlreadyRunning is returned by Start on a running capture.
var ErrAlreadyRunning = errors.New("camera: capture already running")

// Settings holds the capture profile shared by every camera.
type Settings struct {
	FPS    int    // Target frames per second
	Format string // Preferred input format: "mjpeg" or "yuyv"
	FFmpeg string // ffmpeg binary
}

// DefaultSettings returns the defaults used when no config is provided.
func DefaultSettings() Settings {
	return Settings{
		FPS:    15,
		Format: "mjpeg",
		FFmpeg: "ffmpeg",
	}
}

// Opener creates FFmpeg captures for discovered cameras.
type Opener struct {
	Settings Settings
	Logger   *zap.Logger
}

// Open returns a stopped capture for info.
func (o *Opener) Open(info Info) (Capturer, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("camera: open: empty device path")
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return NewFFmpegCapture(info, o.Settings, log), nil
}

// FFmpegCapture captures a V4L2 device by running ffmpeg and reading the
// MJPEG stream it writes to stdout.
type FFmpegCapture struct {
	info     Info
	settings Settings
	log      *zap.Logger

	mu        sync.Mutex
	res       Resolution
	listeners []FrameListener
	cmd       *exec.Cmd
	done      chan struct{}
	onStop    func(err error)

	running    atomic.Bool
	frameCount atomic.Uint64
	errorCount atomic.Uint32
}

// NewFFmpegCapture creates a stopped capture at VGA resolution.
func NewFFmpegCapture(info Info, settings Settings, log *zap.Logger) *FFmpegCapture {
	if settings.FPS <= 0 {
		settings.FPS = DefaultSettings().FPS
	}
	if settings.FFmpeg == "" {
		settings.FFmpeg = DefaultSettings().FFmpeg
	}
	return &FFmpegCapture{
		info:     info,
		settings: settings,
		log:      log.With(zap.String("device", info.ID)),
		res:      VGA,
	}
}

func (c *FFmpegCapture) Name() string { return c.info.Name }

// SetResolution sets the size requested on the next Start.
func (c *FFmpegCapture) SetResolution(res Resolution) {
	c.mu.Lock()
	c.res = res
	c.mu.Unlock()
}

func (c *FFmpegCapture) AddFrameListener(l FrameListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Running reports whether frames are being pulled.
func (c *FFmpegCapture) Running() bool { return c.running.Load() }

func (c *FFmpegCapture) SetStopHandler(fn func(err error)) {
	c.mu.Lock()
	c.onStop = fn
	c.mu.Unlock()
}

// ended marks a stream that stopped on its own and reports it. A concurrent
// Stop wins and no report is made.
func (c *FFmpegCapture) ended(err error) {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	fn := c.onStop
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Stats returns frames delivered and read/decode errors so far.
func (c *FFmpegCapture) Stats() (frames uint64, errs uint32) {
	return c.frameCount.Load(), c.errorCount.Load()
}

// Start launches ffmpeg with the preferred input format. If that stream
// ends before the first frame, the remaining formats are tried in turn.
func (c *FFmpegCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return ErrAlreadyRunning
	}

	attempts := c.formatArgs(c.res)
	stdout, err := c.spawn(attempts[0])
	if err != nil {
		return err
	}

	c.running.Store(true)
	c.done = make(chan struct{})
	go c.readLoop(stdout, attempts[1:], c.done)

	c.log.Info("capture started", zap.Stringer("resolution", c.res), zap.Int("fps", c.settings.FPS))
	return nil
}

// Stop kills ffmpeg and waits for the reader to exit. Stopping a stopped
// capture is a no-op.
func (c *FFmpegCapture) Stop() error {
	c.mu.Lock()
	if !c.running.Swap(false) {
		c.mu.Unlock()
		return nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("camera: %s: reader did not exit after stop", c.info.ID)
	}
	c.log.Info("capture stopped")
	return nil
}

// spawn starts ffmpeg with args. Caller holds mu.
func (c *FFmpegCapture) spawn(args []string) (io.ReadCloser, error) {
	cmd := exec.Command(c.settings.FFmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("camera: %s: stdout pipe: %w", c.info.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("camera: %s: start ffmpeg: %w", c.info.ID, err)
	}
	c.cmd = cmd
	c.log.Debug("ffmpeg started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", args))
	return stdout, nil
}

// reap kills and waits for the current process so no zombie is left.
func (c *FFmpegCapture) reap() {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

func (c *FFmpegCapture) readLoop(stdout io.ReadCloser, fallbacks [][]string, done chan struct{}) {
	defer close(done)

	for {
		delivered := c.stream(stdout)
		c.reap()

		if !c.running.Load() {
			return
		}
		if delivered || len(fallbacks) == 0 {
			c.log.Warn("capture stream ended", zap.Bool("had_frames", delivered))
			c.ended(fmt.Errorf("camera: %s: stream ended", c.info.ID))
			return
		}

		c.mu.Lock()
		if !c.running.Load() {
			c.mu.Unlock()
			return
		}
		next, err := c.spawn(fallbacks[0])
		c.mu.Unlock()
		fallbacks = fallbacks[1:]
		if err != nil {
			c.log.Warn("capture fallback failed", zap.Error(err))
			c.ended(err)
			return
		}
		stdout = next
	}
}

// stream reads frames until the pipe ends. Reports whether any frame was
// delivered.
func (c *FFmpegCapture) stream(r io.Reader) bool {
	frames := newMJPEGReader(r)
	minInterval := time.Second / time.Duration(c.settings.FPS)
	var last time.Time
	delivered := false

	for c.running.Load() {
		data, err := frames.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && c.running.Load() {
				c.errorCount.Add(1)
				c.log.Debug("frame read failed", zap.Error(err))
			}
			return delivered
		}

		// Cameras may ignore the requested rate.
		now := time.Now()
		if now.Sub(last) < minInterval {
			continue
		}
		last = now

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			c.errorCount.Add(1)
			continue
		}

		count := c.frameCount.Add(1)
		if count%150 == 1 {
			b := img.Bounds()
			c.log.Debug("frame", zap.Uint64("n", count), zap.Int("w", b.Dx()), zap.Int("h", b.Dy()))
		}

		c.mu.Lock()
		listeners := c.listeners
		c.mu.Unlock()
		for _, l := range listeners {
			l.OnFrame(img)
		}
		delivered = true
	}
	return delivered
}

// formatArgs lists ffmpeg invocations in preference order: the configured
// format, the other one, then ffmpeg's own pick.
func (c *FFmpegCapture) formatArgs(res Resolution) [][]string {
	formats := []string{"mjpeg", "yuyv422"}
	if c.settings.Format == "yuyv" {
		formats = []string{"yuyv422", "mjpeg"}
	}
	formats = append(formats, "")

	size := res.String()
	fps := strconv.Itoa(c.settings.FPS)

	var out [][]string
	for _, f := range formats {
		args := []string{"-hide_banner", "-loglevel", "error",
			"-thread_queue_size", "512", "-probesize", "32", "-analyzeduration", "0",
			"-f", "v4l2"}
		if f != "" {
			args = append(args, "-input_format", f)
		}
		args = append(args, "-video_size", size, "-framerate", fps, "-i", c.info.ID,
			"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
		out = append(out, args)
	}
	return out
}

// maxFrameBytes bounds a single JPEG so a desynced stream cannot grow the
// buffer without limit.
const maxFrameBytes = 4 << 20

// mjpegReader splits a concatenated JPEG stream on SOI/EOI markers.
type mjpegReader struct {
	br  *bufio.Reader
	buf []byte
}

func newMJPEGReader(r io.Reader) *mjpegReader {
	return &mjpegReader{br: bufio.NewReaderSize(r, 64<<10), buf: make([]byte, 0, 64<<10)}
}

// Next returns the next complete JPEG, SOI through EOI inclusive. The
// returned slice is valid until the following call.
func (m *mjpegReader) Next() ([]byte, error) {
	// Skip to SOI (FF D8).
	var prev byte
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}

	m.buf = append(m.buf[:0], 0xFF, 0xD8)
	prev = 0
	for {
		b, err := m.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		m.buf = append(m.buf, b)
		if prev == 0xFF && b == 0xD9 {
			return m.buf, nil
		}
		prev = b
		if len(m.buf) > maxFrameBytes {
			return nil, fmt.Errorf("camera: frame exceeds %d bytes", maxFrameBytes)
		}
	}
}
