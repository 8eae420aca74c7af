package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file changes on disk and invokes
// onReload with the updated config. Editors often replace files via rename,
// so the parent directory is watched and events are debounced.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var pending *time.Timer
		reload := func() {
			next, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config", "path", path, "error", err)
				return
			}
			if next.Hash() == cfg.Hash() {
				return
			}
			cfg.ReplaceFrom(next)
			slog.Info("config reloaded", "path", path, "hash", cfg.Hash())
			if onReload != nil {
				onReload(cfg)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
