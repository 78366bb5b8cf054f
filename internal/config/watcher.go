package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ProviderWatcher monitors providers.yaml and triggers reloads so edits
// take effect without a server restart.
type ProviderWatcher struct {
	providers   *ProvidersConfig
	watcher     *fsnotify.Watcher
	callbacks   []func([]Provider)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
}

// NewProviderWatcher creates a watcher over the given providers config.
func NewProviderWatcher(providers *ProvidersConfig) (*ProviderWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ProviderWatcher{
		providers: providers,
		watcher:   watcher,
		stopCh:    make(chan struct{}),
	}, nil
}

// AddCallback registers a function called with the fresh provider list
// after each successful reload.
func (pw *ProviderWatcher) AddCallback(callback func([]Provider)) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.callbacks = append(pw.callbacks, callback)
}

// Start begins watching. The config directory is watched rather than the
// file itself so atomic saves (write temp, rename) are still observed.
func (pw *ProviderWatcher) Start() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.running {
		return fmt.Errorf("watcher is already running")
	}

	configFile := pw.providers.ConfigFile()
	if stat, err := os.Stat(configFile); err == nil {
		pw.lastModTime = stat.ModTime()
	}

	if err := pw.watcher.Add(filepath.Dir(configFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	pw.running = true
	go pw.watchLoop()
	return nil
}

// Stop stops the watcher.
func (pw *ProviderWatcher) Stop() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if !pw.running {
		return nil
	}
	pw.running = false
	close(pw.stopCh)
	return pw.watcher.Close()
}

func (pw *ProviderWatcher) watchLoop() {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !pw.isProviderEvent(event) {
				continue
			}
			// Debounce rapid successive writes
			debounceTimer.Stop()
			debounceTimer = time.AfterFunc(500*time.Millisecond, pw.handleChange)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("Provider watcher error: %v", err)

		case <-pw.stopCh:
			return
		}
	}
}

func (pw *ProviderWatcher) isProviderEvent(event fsnotify.Event) bool {
	if event.Name != pw.providers.ConfigFile() {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (pw *ProviderWatcher) handleChange() {
	configFile := pw.providers.ConfigFile()
	if stat, err := os.Stat(configFile); err == nil {
		pw.mu.Lock()
		stale := !stat.ModTime().After(pw.lastModTime)
		if !stale {
			pw.lastModTime = stat.ModTime()
		}
		pw.mu.Unlock()
		if stale {
			return
		}
	}

	if err := pw.providers.Reload(); err != nil {
		logrus.Errorf("Failed to reload providers: %v", err)
		return
	}

	fresh := pw.providers.List()

	pw.mu.RLock()
	callbacks := make([]func([]Provider), len(pw.callbacks))
	copy(callbacks, pw.callbacks)
	pw.mu.RUnlock()

	for _, callback := range callbacks {
		callback(fresh)
	}

	logrus.Infof("Providers reloaded: %d active", len(fresh))
}

// TriggerReload manually reloads the provider declarations.
func (pw *ProviderWatcher) TriggerReload() error {
	return pw.providers.Reload()
}
