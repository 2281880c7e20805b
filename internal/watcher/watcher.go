// Package watcher provides file system monitoring for the gateway
// binary. It watches config.yaml and the auth-profile directory for
// changes, hash-checking config.yaml so that a touch without content
// change does not trigger a spurious reload (auth-profile events are
// forwarded without a content check), and invokes a caller-supplied
// callback to pick up the new config or profile set. Generalized from
// the teacher's internal/watcher/watcher.go, which watched a config
// file plus an auth directory of multi-provider token files; here the
// auth directory holds this repo's worker auth profiles instead.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/config"
)

// ConfigReloadFunc is invoked with the freshly loaded config whenever
// config.yaml's content hash changes.
type ConfigReloadFunc func(cfg *config.Config)

// ProfileChangeFunc is invoked whenever a *.json file under the watched
// auth directory is created, written, or removed.
type ProfileChangeFunc func(path string, op fsnotify.Op)

// Watcher watches a config file and an auth-profile directory.
type Watcher struct {
	configPath string
	authDir    string

	onConfigReload  ConfigReloadFunc
	onProfileChange ProfileChangeFunc

	fsw            *fsnotify.Watcher
	mu             sync.Mutex
	lastConfigHash string
}

// New builds a Watcher. Either callback may be nil to skip that class of
// event entirely.
func New(configPath, authDir string, onConfigReload ConfigReloadFunc, onProfileChange ProfileChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:      configPath,
		authDir:         authDir,
		onConfigReload:  onConfigReload,
		onProfileChange: onProfileChange,
		fsw:             fsw,
	}, nil
}

// Start adds the watched paths and begins the event-processing goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.configPath); err != nil {
		log.WithError(err).Errorf("watcher: failed to watch config file %s", w.configPath)
		return err
	}
	log.Debugf("watcher: watching config file %s", w.configPath)

	if w.authDir != "" {
		if err := w.fsw.Add(w.authDir); err != nil {
			log.WithError(err).Errorf("watcher: failed to watch auth dir %s", w.authDir)
			return err
		}
		log.Debugf("watcher: watching auth directory %s", w.authDir)
	}

	go w.loop(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	isConfigEvent := event.Name == w.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create)
	isProfileJSON := w.authDir != "" && strings.HasPrefix(event.Name, w.authDir) && strings.HasSuffix(event.Name, ".json")

	if isConfigEvent {
		w.handleConfigEvent()
		return
	}
	if isProfileJSON && w.onProfileChange != nil {
		log.WithField("path", event.Name).Infof("watcher: auth profile %s", event.Op.String())
		w.onProfileChange(event.Name, event.Op)
	}
}

func (w *Watcher) handleConfigEvent() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.WithError(err).Error("watcher: failed to read config file for hash check")
		return
	}
	if len(data) == 0 {
		log.Debug("watcher: ignoring empty config file write")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debug("watcher: config content unchanged (hash match), skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.WithError(err).Error("watcher: failed to reload config")
		return
	}

	w.mu.Lock()
	w.lastConfigHash = newHash
	w.mu.Unlock()

	log.Info("watcher: config changed, reloading")
	if w.onConfigReload != nil {
		w.onConfigReload(cfg)
	}
}

// Debounce collapses a burst of rapid file events into a single call to
// fn, firing settle after the last call to the returned function. Handy
// for a ProfileChangeFunc that wants to coalesce a directory's worth of
// near-simultaneous writes into one pool reload.
func Debounce(settle time.Duration, fn func()) func() {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(settle, fn)
	}
}
