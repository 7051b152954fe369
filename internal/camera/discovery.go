package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventKind says whether a camera appeared or went away.
type EventKind int

const (
	Found EventKind = iota
	Gone
)

func (k EventKind) String() string {
	switch k {
	case Found:
		return "found"
	case Gone:
		return "gone"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one discovery notification. For Gone only Camera.ID is set.
type Event struct {
	Kind   EventKind
	Camera Info
}

// Watcher reports cameras attached and detached at runtime by watching the
// device directory for videoN nodes.
type Watcher struct {
	DevDir string
	Prober Prober
	// Settle is the delay between a node appearing and probing it; udev
	// applies permissions shortly after creation.
	Settle time.Duration
	// Ready, if set, is called once the directory is being watched. Changes
	// made after it returns are reported.
	Ready  func()
	Logger *zap.Logger
}

// Run watches until ctx is done. handle is called from the watcher
// goroutine, one event at a time, in the order changes were observed.
func (w *Watcher) Run(ctx context.Context, handle func(Event)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("camera: create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.DevDir); err != nil {
		return fmt.Errorf("camera: watch %s: %w", w.DevDir, err)
	}
	log := w.logger()
	log.Info("watching for cameras", zap.String("dir", w.DevDir))
	if w.Ready != nil {
		w.Ready()
	}

	settled := make(chan string)
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsVideoNode(ev.Name) {
				continue
			}
			path := filepath.Join(w.DevDir, filepath.Base(ev.Name))

			switch {
			case ev.Op&fsnotify.Create != 0:
				if t, ok := pending[path]; ok {
					t.Stop()
				}
				pending[path] = time.AfterFunc(w.Settle, func() {
					select {
					case settled <- path:
					case <-ctx.Done():
					}
				})

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if t, ok := pending[path]; ok {
					t.Stop()
					delete(pending, path)
				}
				log.Debug("device removed", zap.String("device", path))
				handle(Event{Kind: Gone, Camera: Info{ID: path}})
			}

		case path := <-settled:
			if _, ok := pending[path]; !ok {
				continue
			}
			delete(pending, path)

			info, err := w.Prober.Probe(ctx, path)
			if err != nil {
				log.Debug("ignoring new device", zap.String("device", path), zap.Error(err))
				continue
			}
			handle(Event{Kind: Found, Camera: info})

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
