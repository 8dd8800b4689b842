package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hylla/concord/internal/app"
	"github.com/hylla/concord/internal/config"
	"github.com/hylla/concord/internal/domain"
)

// roleReloadDebounce coalesces editor save bursts into one reload.
const roleReloadDebounce = 200 * time.Millisecond

// policySetter receives reloaded role policies.
type policySetter interface {
	SetRolePolicies([]domain.RolePolicy) error
}

// watchRolePolicies reloads [roles] tables into target whenever the config file
// changes. The parent dir is watched so atomic-rename saves are seen. It blocks
// until ctx is done.
func watchRolePolicies(ctx context.Context, configPath string, defaults config.Config, target policySetter, logger *runtimeLogger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	configPath = filepath.Clean(configPath)
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info("watching role policies", "config_path", configPath)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != configPath {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(roleReloadDebounce)
			} else {
				timer.Reset(roleReloadDebounce)
			}
			timerCh = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		case <-timerCh:
			timerCh = nil
			if err := reloadRolePolicies(configPath, defaults, target); err != nil {
				logger.Error("role policy reload failed", "config_path", configPath, "err", err)
				continue
			}
			logger.Info("role policies reloaded", "config_path", configPath)
		}
	}
}

// reloadRolePolicies loads the config file and swaps in its role table. A file
// without role tables restores the built-in table.
func reloadRolePolicies(configPath string, defaults config.Config, target policySetter) error {
	cfg, err := config.Load(configPath, defaults)
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	policies, err := cfg.RolePolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		policies = app.DefaultRolePolicies()
	}
	return target.SetRolePolicies(policies)
}
