package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch observes the config file and invokes onChange with the freshly
// re-read credential list whenever it is rewritten. Used to hot-swap tokens
// and cookies on existing identities without a restart; identities are never
// added or removed at runtime.
//
// Blocks until stop is closed. No-op (returns immediately) when the config
// did not come from a file.
func (c *Config) Watch(onChange func([]CredentialItem), stop <-chan struct{}, logger *zap.Logger) {
	if c.path == "" {
		return
	}
	log := logger.With(zap.String("component", "config-watcher"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("Config watcher unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(c.path); err != nil {
		log.Warn("Cannot watch config file", zap.String("path", c.path), zap.Error(err))
		return
	}
	log.Info("Watching config file", zap.String("path", c.path))

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			fresh, err := Load(c.path)
			if err != nil {
				log.Warn("Config reload failed, keeping previous credentials", zap.Error(err))
				continue
			}
			onChange(fresh.Credentials())
			log.Info("Credentials hot-reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Config watcher error", zap.Error(err))
		}
	}
}
