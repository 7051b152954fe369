package camera

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Resolution is a capture frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// VGA is the reference capture resolution: every tile is sized to show one
// VGA frame fully.
var VGA = Resolution{Width: 640, Height: 480}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Info identifies an attached camera. ID is the device path and is the
// identity used to match discovery events; Name is for display only.
type Info struct {
	ID          string
	Name        string
	Resolutions []Resolution
}

// ErrNotCapture is returned by a Prober for device nodes that exist but
// cannot deliver color frames (metadata nodes, grey-only sensors).
var ErrNotCapture = errors.New("camera: not a color capture device")

// Prober inspects a single device node.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// V4L2Prober probes devices with v4l2-ctl.
type V4L2Prober struct {
	Binary  string        // defaults to "v4l2-ctl"
	Timeout time.Duration // per invocation, defaults to 5s
}

// Probe returns the card name and discrete resolutions of path. Nodes that
// list no YUYV or MJPG format are rejected with ErrNotCapture.
func (p V4L2Prober) Probe(ctx context.Context, path string) (Info, error) {
	formats, err := p.run(ctx, path, "--list-formats-ext")
	if err != nil {
		return Info{}, fmt.Errorf("camera: list formats of %s: %w", path, err)
	}
	color, resolutions := parseFormats(formats)
	if !color {
		return Info{}, fmt.Errorf("%w: %s", ErrNotCapture, path)
	}

	info := Info{ID: path, Resolutions: resolutions}
	if out, err := p.run(ctx, path, "--info"); err == nil {
		info.Name = parseCardName(out)
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("Camera video%d", deviceNumber(path))
	}
	return info, nil
}

func (p V4L2Prober) run(ctx context.Context, path, arg string) (string, error) {
	bin := p.Binary
	if bin == "" {
		bin = "v4l2-ctl"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "--device", path, arg).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseCardName extracts the "Card type" line of `v4l2-ctl --info`.
func parseCardName(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

var sizeRe = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)

// parseFormats scans `v4l2-ctl --list-formats-ext` output. It reports whether
// a color format is offered and the distinct discrete sizes in listing order.
func parseFormats(out string) (color bool, resolutions []Resolution) {
	color = strings.Contains(out, "'YUYV'") || strings.Contains(out, "'MJPG'")

	seen := make(map[Resolution]bool)
	for _, m := range sizeRe.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		r := Resolution{Width: w, Height: h}
		if !seen[r] {
			seen[r] = true
			resolutions = append(resolutions, r)
		}
	}
	return color, resolutions
}

var videoNodeRe = regexp.MustCompile(`^video(\d+)$`)

// IsVideoNode reports whether a /dev entry name looks like a V4L2 node.
func IsVideoNode(name string) bool {
	return videoNodeRe.MatchString(filepath.Base(name))
}

// deviceNumber extracts N from .../videoN, or -1.
func deviceNumber(path string) int {
	m := videoNodeRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// Scanner enumerates the cameras attached right now.
type Scanner struct {
	DevDir string
	Prober Prober
	Logger *zap.Logger
}

// Enumerate globs DevDir/video*, probes each node in device-number order and
// returns the color capture devices. Probe failures skip the node.
func (s *Scanner) Enumerate(ctx context.Context) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(s.DevDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("camera: scan %s: %w", s.DevDir, err)
	}

	var nodes []string
	for _, m := range matches {
		if IsVideoNode(m) {
			nodes = append(nodes, m)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return deviceNumber(nodes[i]) < deviceNumber(nodes[j])
	})

	var cameras []Info
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return cameras, err
		}
		info, err := s.Prober.Probe(ctx, node)
		if err != nil {
			s.logger().Debug("skipping device", zap.String("device", node), zap.Error(err))
			continue
		}
		cameras = append(cameras, info)
	}
	return cameras, nil
}

func (s *Scanner) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
