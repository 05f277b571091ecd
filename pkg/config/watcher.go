package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/shawkym/roombot/pkg/log"
)

// Reload describes one accepted change of the config file.
type Reload struct {
	Old *Config
	New *Config
}

// ReplyChanged reports whether the hot-reloadable reply section differs.
func (r Reload) ReplyChanged() bool {
	return r.Old.Reply != r.New.Reply
}

// MatrixChanged reports whether connection settings differ. Those only
// take effect after a restart.
func (r Reload) MatrixChanged() bool {
	return r.Old.Matrix != r.New.Matrix
}

// ReloadFunc is notified after a reload has been accepted.
type ReloadFunc func(Reload)

// ConfigWatcher follows a roombot.yaml through viper's fsnotify watch.
// A file that fails to load or validate leaves the current config in place.
type ConfigWatcher struct {
	path  string
	viper *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []ReloadFunc

	// reloadMu orders reloads and listener calls; editors often emit
	// several write events for one save.
	reloadMu sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	current, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config with viper: %w", err)
	}

	return &ConfigWatcher{
		path:    path,
		viper:   v,
		current: current,
		stop:    make(chan struct{}),
	}, nil
}

// GetConfig returns the last accepted configuration.
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// OnConfigChange adds a listener. Listeners run one at a time, in
// registration order, on the watcher's goroutine.
func (cw *ConfigWatcher) OnConfigChange(fn ReloadFunc) {
	cw.mu.Lock()
	cw.listeners = append(cw.listeners, fn)
	cw.mu.Unlock()
}

// StartWatching blocks until StopWatching.
func (cw *ConfigWatcher) StartWatching() {
	cw.viper.OnConfigChange(func(e fsnotify.Event) {
		log.WithFields(map[string]interface{}{
			"event":       e.Op.String(),
			"config_path": e.Name,
		}).Debug("config file event")
		cw.reload()
	})
	cw.viper.WatchConfig()
	log.WithField("config_path", cw.path).Info("watching config file")

	<-cw.stop
}

func (cw *ConfigWatcher) StopWatching() {
	cw.stopOnce.Do(func() {
		close(cw.stop)
		log.WithField("config_path", cw.path).Info("stopped watching config file")
	})
}

// reload re-reads the file and notifies listeners when the result differs
// from the current config. It returns whether a change was applied.
func (cw *ConfigWatcher) reload() bool {
	cw.reloadMu.Lock()
	defer cw.reloadMu.Unlock()

	next, err := LoadConfig(cw.path)
	if err != nil {
		log.WithError(err).WithField("config_path", cw.path).Error("config reload rejected, keeping current settings")
		return false
	}

	cw.mu.Lock()
	prev := cw.current
	if *prev == *next {
		cw.mu.Unlock()
		return false
	}
	cw.current = next
	listeners := append([]ReloadFunc(nil), cw.listeners...)
	cw.mu.Unlock()

	change := Reload{Old: prev, New: next}
	log.WithFields(map[string]interface{}{
		"config_path":   cw.path,
		"reply_changed": change.ReplyChanged(),
	}).Info("config reloaded")
	if change.MatrixChanged() {
		log.Warn("matrix settings changed on disk; restart roombot to apply them")
	}

	for _, fn := range listeners {
		notify(fn, change)
	}
	return true
}

func notify(fn ReloadFunc, change Reload) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("config reload listener panicked")
		}
	}()
	fn(change)
}
