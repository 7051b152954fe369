// Package cmd is the jcameracontrol command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"fyne.io/fyne/v2/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jcameracontrol/internal/camera"
	"jcameracontrol/internal/config"
	"jcameracontrol/internal/dispatch"
	"jcameracontrol/internal/metrics"
	"jcameracontrol/internal/perf"
	"jcameracontrol/internal/session"
	"jcameracontrol/internal/ui"
)

// BuildInfo is set by main from linker flags.
type BuildInfo struct {
	Version   string
	BuildTime string
	GoVersion string
}

var (
	cfgFile string
	build   = BuildInfo{Version: "dev", BuildTime: "unknown", GoVersion: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "jcameracontrol",
	Short: "Show a live tile for every attached webcam",
	Long: `JCameraControl opens one window with a live video tile per attached
webcam. Cameras plugged in or removed while it runs are added and removed
automatically; collapsing a tile pauses its capture.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

// Execute runs the root command.
func Execute(info BuildInfo) {
	if info.Version != "" {
		build = info
	}
	rootCmd.Version = build.Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("JCameraControl %s\n  Build time: %s\n  Go version: %s\n  Platform:   %s/%s\n",
		build.Version, build.BuildTime, build.GoVersion, runtime.GOOS, runtime.GOARCH))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./config.ini or $"+config.EnvPrefix+"_CONFIG)")
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: config load error: %v (using defaults)\n", err)
	}

	log, cleanup, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: logging setup error: %v\n", err)
	}
	defer cleanup()

	log.Info("JCameraControl starting",
		zap.String("version", build.Version),
		zap.Int("width", cfg.Capture.Width), zap.Int("height", cfg.Capture.Height),
		zap.Int("fps", cfg.Capture.FPS), zap.String("format", cfg.Capture.Format))

	ok, warnings := cfg.Validate()
	if !ok {
		log.Warn("config validation failed")
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	res := camera.Resolution{Width: cfg.Capture.Width, Height: cfg.Capture.Height}
	prober := camera.V4L2Prober{}
	reg := metrics.New()

	uiQueue := dispatch.New("ui", log)
	captureQueue := dispatch.New("capture", log)

	manager := session.New(session.Options{
		UI:      uiQueue,
		Capture: captureQueue,
		Enumerator: &camera.Scanner{
			DevDir: cfg.Discovery.DevDir,
			Prober: prober,
			Logger: log.Named("scan"),
		},
		Opener: &camera.Opener{
			Settings: camera.Settings{FPS: cfg.Capture.FPS, Format: cfg.Capture.Format, FFmpeg: cfg.Capture.FFmpeg},
			Logger:   log.Named("capture"),
		},
		Resolution: res,
		Logger:     log.Named("session"),
		Metrics:    reg,
	})

	governor := perf.NewGovernor(cfg.UI.FPS, cfg.Perf.MinFPS, log.Named("perf"))
	governor.OnChange(reg.SetRefreshFPS)
	reg.SetRefreshFPS(governor.FPS())

	monitor, err := perf.NewMonitor(cfg.Perf.ProcRoot, cfg.Perf.SysRoot)
	if err != nil {
		log.Warn("host monitoring unavailable", zap.Error(err))
		monitor = nil
	}

	window := ui.NewApp(app.New(), manager, ui.Options{
		Frame:        res,
		ChromeHeight: cfg.UI.ChromeHeight,
		FullScreen:   cfg.UI.FullScreen,
		RefreshFPS:   governor.FPS,
		Logger:       log.Named("ui"),
	})
	manager.SetView(window)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return uiQueue.Run(gctx) })
	g.Go(func() error { return captureQueue.Run(gctx) })
	g.Go(func() error { return window.RunRefresh(gctx) })

	// The watcher is registered before the startup scan so no camera
	// attached or removed in between is missed.
	watching := make(chan struct{})
	if cfg.Discovery.Watch {
		var readyOnce sync.Once
		ready := func() { readyOnce.Do(func() { close(watching) }) }
		watcher := &camera.Watcher{
			DevDir: cfg.Discovery.DevDir,
			Prober: prober,
			Settle: cfg.SettleDelay(),
			Ready:  ready,
			Logger: log.Named("discovery"),
		}
		g.Go(func() error {
			defer ready()
			if err := watcher.Run(gctx, manager.OnDiscoveryEvent); err != nil {
				log.Error("hot-plug watching stopped", zap.Error(err))
			}
			return nil
		})
	} else {
		close(watching)
	}

	g.Go(func() error {
		select {
		case <-watching:
		case <-gctx.Done():
			return nil
		}
		if err := manager.OnStartup(gctx); err != nil {
			log.Error("startup enumeration failed", zap.Error(err))
		}
		return nil
	})

	if monitor != nil && cfg.Perf.Adaptive {
		g.Go(func() error { return governor.Run(gctx, monitor, cfg.PerfInterval()) })
	}

	reporter := &perf.HealthReporter{
		Tiles:    manager,
		Monitor:  monitor,
		Governor: governor,
		Interval: cfg.HealthInterval(),
		Logger:   log.Named("health"),
	}
	g.Go(func() error { return reporter.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.Metrics.Addr, reg, log.Named("metrics")); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
			return nil
		})
	}

	// Signals close the window the same way the close button does.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			log.Info("received signal, cleaning up")
			window.Close()
		case <-window.Closed():
		}
	}()

	window.Run()

	// The event loop can also end without the close handler.
	window.Shutdown()
	cancel()

	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()
	select {
	case err := <-waitDone:
		if err != nil {
			log.Error("background task failed", zap.Error(err))
		}
	case <-time.After(5 * time.Second):
		log.Warn("background tasks did not stop in time")
	}

	log.Info("JCameraControl stopped")
	return nil
}
