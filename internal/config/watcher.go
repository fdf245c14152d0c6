package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and re-applies runtime-tunable settings
// when it changes. Structural settings (listeners, data dir) require a
// restart; the reload callback receives the refreshed config and pushes
// interval/cooldown changes into the running components.
type Watcher struct {
	mu          sync.Mutex
	cfg         *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopCh      chan struct{}
	lastModTime time.Time
	onReload    func(*Config)
}

// NewWatcher creates a watcher for the given .env path. onReload may be nil.
func NewWatcher(cfg *Config, envPath string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:      cfg,
		envPath:  envPath,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		onReload: onReload,
	}
	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Watching the directory rather than the file keeps
// the watch alive across editors that replace the file on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	log.Info().Str("path", w.envPath).Msg("Config watcher started")
	return nil
}

// Stop ends watching and releases the underlying notifier.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if err := w.watcher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close config watcher")
	}
}

func (w *Watcher) loop() {
	// Debounce rapid write bursts from editors and provisioning tools.
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	stat, err := os.Stat(w.envPath)
	if err != nil {
		return
	}
	if !stat.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = stat.ModTime()

	// Overload so edited values replace stale process env from the last load.
	if err := godotenv.Overload(w.envPath); err != nil {
		log.Warn().Err(err).Msg("Failed to reload .env file")
		return
	}

	w.cfg.ApplyEnv()
	if err := w.cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Reloaded config is invalid, keeping previous runtime values")
		return
	}

	log.Info().Str("path", w.envPath).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}
