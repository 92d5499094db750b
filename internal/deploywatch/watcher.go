// Package deploywatch invalidates cached build output when a new deploy
// lands. It watches the build marker file the deploy pipeline rewrites and
// bumps the affected cache tiers, so stale bundles stop being served without
// a process restart.
package deploywatch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cryptodevhq/syncengine/internal/syncengine"
)

// TierBumper is the slice of the engine the watcher needs.
type TierBumper interface {
	BumpTier(tier syncengine.TierID) (int, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Tiers bumped on deploy: everything derived from the build, but not lesson
// content or images, which are versioned by their own pipelines.
var deployTiers = []syncengine.TierID{syncengine.TierStatic, syncengine.TierDynamic, syncengine.TierAPI}

type Options struct {
	// Settle is how long after the last marker event the bump fires, so a
	// deploy that rewrites the marker several times bumps once.
	Settle time.Duration
	Logger Logger
}

type Watcher struct {
	marker  string
	bumper  TierBumper
	watcher *fsnotify.Watcher
	settle  time.Duration
	logger  Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
}

// New watches markerPath's directory; the file itself may not exist yet.
func New(markerPath string, bumper TierBumper, opts Options) (*Watcher, error) {
	if strings.TrimSpace(markerPath) == "" || bumper == nil {
		return nil, syncengine.ErrInvalidInput
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(markerPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	w := &Watcher{
		marker:  filepath.Clean(markerPath),
		bumper:  bumper,
		watcher: fsWatcher,
		settle:  settle,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.marker {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.scheduleBump()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("deploy watcher: %v", err)
		}
	}
}

func (w *Watcher) scheduleBump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, w.bump)
}

func (w *Watcher) bump() {
	for _, tier := range deployTiers {
		version, err := w.bumper.BumpTier(tier)
		if err != nil {
			w.logger.Printf("bump %s tier: %v", tier, err)
			continue
		}
		w.logger.Printf("deploy detected: %s tier now v%d", tier, version)
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	<-w.done
	return err
}
