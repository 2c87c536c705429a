package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the several events one save produces into one reload.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config file at path whenever it is saved and passes the
// result to onChange. It runs until ctx is cancelled.
//
// The parent directory is watched so replace-by-rename saves keep working.
// A reload that fails validation is logged and the previous config stays in
// effect; a reload identical to the last one applied is skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	slog.Info("config: watching for changes", "path", target)

	reload := time.NewTimer(reloadDelay)
	reload.Stop()
	defer reload.Stop()

	var applied *Config
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !pending {
				pending = true
				reload.Reset(reloadDelay)
			}

		case <-reload.C:
			pending = false
			cfg, err := Load(target)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", target, "err", err)
				continue
			}
			if applied != nil && reflect.DeepEqual(cfg, applied) {
				slog.Debug("config: reload unchanged", "path", target)
				continue
			}
			applied = cfg
			slog.Info("config: reloaded",
				"path", target,
				"refresh_interval", cfg.RefreshInterval,
				"waitlist", len(cfg.Waitlist),
			)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
