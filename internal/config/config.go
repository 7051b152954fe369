// Package config manages configuration for JCameraControl.
//
// Handles loading config from an optional file (any format viper reads,
// config.ini by default), JCAMERACONTROL_* environment variables, and
// provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// JCAMERACONTROL_CAPTURE_FPS=10.
const EnvPrefix = "JCAMERACONTROL"

// =============================================================================
// Configuration struct
// =============================================================================

// Config holds all runtime configuration values.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	UI        UIConfig        `mapstructure:"ui"`
	Health    HealthConfig    `mapstructure:"health"`
	Perf      PerfConfig      `mapstructure:"perf"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig controls the zap logger and its rotating file sink.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxBytes    int    `mapstructure:"max_bytes"`
	BackupCount int    `mapstructure:"backup_count"`
	Stdout      bool   `mapstructure:"stdout"`
}

// CaptureConfig is the reference capture profile requested from every camera.
type CaptureConfig struct {
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	FPS    int    `mapstructure:"fps"`
	Format string `mapstructure:"format"` // "mjpeg" or "yuyv"; passed to FFmpeg as -input_format
	FFmpeg string `mapstructure:"ffmpeg"` // ffmpeg binary
}

// DiscoveryConfig controls startup enumeration and hot-plug watching.
type DiscoveryConfig struct {
	DevDir   string `mapstructure:"dev_dir"`
	SettleMS int    `mapstructure:"settle_ms"`
	Watch    bool   `mapstructure:"watch"`
}

// UIConfig controls the window.
type UIConfig struct {
	FPS          int  `mapstructure:"fps"`
	ChromeHeight int  `mapstructure:"chrome_height"`
	FullScreen   bool `mapstructure:"fullscreen"`
}

// HealthConfig controls the periodic tile summary log.
type HealthConfig struct {
	LogIntervalSec float64 `mapstructure:"log_interval_sec"`
}

// PerfConfig controls host sampling and the adaptive tile refresh rate.
type PerfConfig struct {
	Adaptive   bool   `mapstructure:"adaptive"`
	MinFPS     int    `mapstructure:"min_fps"`
	IntervalMS int    `mapstructure:"interval_ms"`
	ProcRoot   string `mapstructure:"proc_root"`
	SysRoot    string `mapstructure:"sys_root"`
}

// MetricsConfig controls the optional prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:       "info",
			File:        "./logs/jcameracontrol.log",
			MaxBytes:    5 * 1024 * 1024, // 5 MB
			BackupCount: 3,
			Stdout:      true,
		},
		Capture: CaptureConfig{
			Width:  640,
			Height: 480,
			FPS:    15,
			Format: "mjpeg",
			FFmpeg: "ffmpeg",
		},
		Discovery: DiscoveryConfig{
			DevDir:   "/dev",
			SettleMS: 500,
			Watch:    true,
		},
		UI: UIConfig{
			FPS:          20,
			ChromeHeight: 100,
		},
		Health: HealthConfig{
			LogIntervalSec: 30.0,
		},
		Perf: PerfConfig{
			Adaptive:   true,
			MinFPS:     5,
			IntervalMS: 2000,
			ProcRoot:   "/proc",
			SysRoot:    "/sys",
		},
	}
}

// setDefaults registers every default with v so that env overrides work for
// keys that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_bytes", d.Logging.MaxBytes)
	v.SetDefault("logging.backup_count", d.Logging.BackupCount)
	v.SetDefault("logging.stdout", d.Logging.Stdout)

	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.fps", d.Capture.FPS)
	v.SetDefault("capture.format", d.Capture.Format)
	v.SetDefault("capture.ffmpeg", d.Capture.FFmpeg)

	v.SetDefault("discovery.dev_dir", d.Discovery.DevDir)
	v.SetDefault("discovery.settle_ms", d.Discovery.SettleMS)
	v.SetDefault("discovery.watch", d.Discovery.Watch)

	v.SetDefault("ui.fps", d.UI.FPS)
	v.SetDefault("ui.chrome_height", d.UI.ChromeHeight)
	v.SetDefault("ui.fullscreen", d.UI.FullScreen)

	v.SetDefault("health.log_interval_sec", d.Health.LogIntervalSec)

	v.SetDefault("perf.adaptive", d.Perf.Adaptive)
	v.SetDefault("perf.min_fps", d.Perf.MinFPS)
	v.SetDefault("perf.interval_ms", d.Perf.IntervalMS)
	v.SetDefault("perf.proc_root", d.Perf.ProcRoot)
	v.SetDefault("perf.sys_root", d.Perf.SysRoot)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// =============================================================================
// Load
// =============================================================================

// ConfigPath returns the config file path to use, respecting env vars.
func ConfigPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "./config.ini"
}

// Load reads the config file at the given path (or the default/env path)
// and returns a fully populated Config. A missing file is not an error;
// missing keys fall back to DefaultConfig() values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return DefaultConfig(), fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), fmt.Errorf("config: stat %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.clamp()
	return cfg, nil
}

// clamp forces numeric settings into their supported ranges and drops
// unknown enum values back to defaults.
func (c *Config) clamp() {
	d := DefaultConfig()

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.MaxBytes = clampInt(c.Logging.MaxBytes, 1024, 0)
	c.Logging.BackupCount = clampInt(c.Logging.BackupCount, 1, 0)

	c.Capture.Width = clampInt(c.Capture.Width, 160, 1920)
	c.Capture.Height = clampInt(c.Capture.Height, 120, 1080)
	c.Capture.FPS = clampInt(c.Capture.FPS, 1, 60)
	c.Capture.Format = strings.ToLower(strings.TrimSpace(c.Capture.Format))
	if c.Capture.Format != "mjpeg" && c.Capture.Format != "yuyv" {
		c.Capture.Format = d.Capture.Format
	}
	if c.Capture.FFmpeg == "" {
		c.Capture.FFmpeg = d.Capture.FFmpeg
	}

	if c.Discovery.DevDir == "" {
		c.Discovery.DevDir = d.Discovery.DevDir
	}
	c.Discovery.SettleMS = clampInt(c.Discovery.SettleMS, 0, 10000)

	c.UI.FPS = clampInt(c.UI.FPS, 1, 60)
	c.UI.ChromeHeight = clampInt(c.UI.ChromeHeight, 0, 1000)

	if c.Health.LogIntervalSec < 0 {
		c.Health.LogIntervalSec = 0
	}

	c.Perf.MinFPS = clampInt(c.Perf.MinFPS, 1, c.UI.FPS)
	c.Perf.IntervalMS = clampInt(c.Perf.IntervalMS, 250, 60000)
	if c.Perf.ProcRoot == "" {
		c.Perf.ProcRoot = d.Perf.ProcRoot
	}
	if c.Perf.SysRoot == "" {
		c.Perf.SysRoot = d.Perf.SysRoot
	}
}

// clampInt bounds v to [lo, hi]. hi <= 0 means unbounded above.
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// SettleDelay is how long the discovery watcher waits after a device node
// appears before probing it.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Discovery.SettleMS) * time.Millisecond
}

// HealthInterval returns the summary log period, or 0 when disabled.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.LogIntervalSec * float64(time.Second))
}

// PerfInterval is the host sampling period.
func (c *Config) PerfInterval() time.Duration {
	return time.Duration(c.Perf.IntervalMS) * time.Millisecond
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks whether the Config values are reasonable and returns
// warnings. Returns ok=false if any setting is critically problematic.
func (c *Config) Validate() (ok bool, warnings []string) {
	ok = true

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown log level %q, using info", c.Logging.Level))
	}

	if c.Capture.Width*c.Capture.Height > 480000 {
		warnings = append(warnings, "High resolution may cause USB bandwidth issues with multiple cameras")
	}

	// MJPEG bandwidth per camera in MB/s
	bandwidth := float64(c.Capture.Width*c.Capture.Height*c.Capture.FPS) * 0.15 / 1024 / 1024
	if c.Capture.Format == "yuyv" {
		bandwidth = float64(c.Capture.Width*c.Capture.Height*c.Capture.FPS) * 2 / 1024 / 1024
	}
	if bandwidth > 30 {
		ok = false
		warnings = append(warnings, "Estimated USB bandwidth per camera exceeds safe limits")
	} else if bandwidth > 10 {
		warnings = append(warnings, "Estimated USB bandwidth per camera is high - may cause issues with several cameras")
	}

	if c.UI.FPS > c.Capture.FPS*2 {
		warnings = append(warnings, fmt.Sprintf("UI FPS (%d) far above capture FPS (%d) only wastes refreshes", c.UI.FPS, c.Capture.FPS))
	}

	if c.Logging.File == "" && !c.Logging.Stdout {
		warnings = append(warnings, "Both file and stdout logging disabled, falling back to stdout")
	}

	return ok, warnings
}
