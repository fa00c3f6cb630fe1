package config

import (
	"context"
	"os"
	"sync"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and reloads it on change.
// Only settings that can change at runtime are acted on by callbacks; the
// rest take effect on the next start.
type ConfigWatcher struct {
	configPath   string
	logger       *logrus.Logger
	pollInterval time.Duration
	settleDelay  time.Duration
	mu           sync.RWMutex
	config       *models.Config
	callbacks    []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:   configPath,
		logger:       logger,
		pollInterval: time.Duration(constants.DefaultConfigPollIntervalSec) * time.Second,
		settleDelay:  100 * time.Millisecond,
		callbacks:    make([]func(*models.Config), 0),
	}
}

// Start loads the configuration and then polls until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			if stat.ModTime().After(lastModTime) {
				cw.logger.Debug("Configuration file changed")
				lastModTime = stat.ModTime()

				// Let the writer finish
				time.Sleep(cw.settleDelay)
				cw.reloadConfig()
			}
		}
	}
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Sync != new.Sync {
		cw.logger.Info("Sync settings changed; they apply to conversations opened from now on")
	}

	if old.Feed != new.Feed || old.API != new.API {
		cw.logger.Warn("Endpoint settings changed; restart to apply")
	}
}

// LogLevelUpdater returns a callback that applies the configured log level
// to logger.
func LogLevelUpdater(logger *logrus.Logger) func(*models.Config) {
	return func(c *models.Config) {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return
		}
		if logger.GetLevel() != level {
			logger.SetLevel(level)
		}
	}
}
