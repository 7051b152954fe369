package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_INIFile(t *testing.T) {
	path := writeConfig(t, "config.ini", `
[logging]
level = DEBUG
stdout = false

[capture]
width = 1280
height = 720
fps = 30
format = yuyv

[discovery]
settle_ms = 250
watch = false

[ui]
fps = 25
fullscreen = true

[metrics]
addr = :9101
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Stdout)
	assert.Equal(t, 1280, cfg.Capture.Width)
	assert.Equal(t, 720, cfg.Capture.Height)
	assert.Equal(t, 30, cfg.Capture.FPS)
	assert.Equal(t, "yuyv", cfg.Capture.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.SettleDelay())
	assert.False(t, cfg.Discovery.Watch)
	assert.Equal(t, 25, cfg.UI.FPS)
	assert.True(t, cfg.UI.FullScreen)
	assert.Equal(t, ":9101", cfg.Metrics.Addr)

	// untouched keys keep defaults
	assert.Equal(t, "/dev", cfg.Discovery.DevDir)
	assert.Equal(t, 100, cfg.UI.ChromeHeight)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval())
}

func TestLoad_ClampsOutOfRange(t *testing.T) {
	path := writeConfig(t, "config.ini", `
[logging]
max_bytes = 10
backup_count = 0

[capture]
width = 9999
height = 10
fps = 0
format = h264
ffmpeg =

[discovery]
settle_ms = -5
dev_dir =

[ui]
fps = 500

[health]
log_interval_sec = -1

[perf]
min_fps = 100
interval_ms = 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Logging.MaxBytes)
	assert.Equal(t, 1, cfg.Logging.BackupCount)
	assert.Equal(t, 1920, cfg.Capture.Width)
	assert.Equal(t, 120, cfg.Capture.Height)
	assert.Equal(t, 1, cfg.Capture.FPS)
	assert.Equal(t, "mjpeg", cfg.Capture.Format)
	assert.Equal(t, "ffmpeg", cfg.Capture.FFmpeg)
	assert.Equal(t, 0, cfg.Discovery.SettleMS)
	assert.Equal(t, "/dev", cfg.Discovery.DevDir)
	assert.Equal(t, 60, cfg.UI.FPS)
	assert.Equal(t, time.Duration(0), cfg.HealthInterval())
	assert.Equal(t, 60, cfg.Perf.MinFPS, "min refresh never above the target")
	assert.Equal(t, 250*time.Millisecond, cfg.PerfInterval())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JCAMERACONTROL_CAPTURE_FPS", "10")
	t.Setenv("JCAMERACONTROL_DISCOVERY_DEV_DIR", "/tmp/devices")

	path := writeConfig(t, "config.ini", "[capture]\nfps = 20\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Capture.FPS)
	assert.Equal(t, "/tmp/devices", cfg.Discovery.DevDir)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "custom.ini", "[ui]\nchrome_height = 40\n")
	t.Setenv("JCAMERACONTROL_CONFIG", path)

	assert.Equal(t, path, ConfigPath())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.UI.ChromeHeight)
}

func TestLoad_BadFileFallsBack(t *testing.T) {
	path := writeConfig(t, "config.json", "{not json")
	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	ok, warnings := DefaultConfig().Validate()
	assert.True(t, ok)
	assert.Empty(t, warnings)

	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	cfg.Logging.File = ""
	cfg.Logging.Stdout = false
	cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS = 1920, 1080, 60
	cfg.Capture.Format = "yuyv"

	ok, warnings = cfg.Validate()
	assert.False(t, ok, "raw 1080p60 is far above USB 2 bandwidth")
	joined := strings.Join(warnings, "\n")
	assert.Contains(t, joined, "Unknown log level")
	assert.Contains(t, joined, "High resolution")
	assert.Contains(t, joined, "exceeds safe limits")
	assert.Contains(t, joined, "logging disabled")
}

func TestValidate_UIFasterThanCapture(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.FPS = 5
	cfg.UI.FPS = 30

	ok, warnings := cfg.Validate()
	assert.True(t, ok)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "UI FPS")
}
