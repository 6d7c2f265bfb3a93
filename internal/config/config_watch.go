package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file and invokes onChange with the freshly loaded
// config whenever it is rewritten. Editors replace files via rename, so the
// parent directory is watched rather than the file itself. Returns a stop
// function; a nil error with a no-op stop is returned when watching is
// unavailable (the process keeps running with the startup config).
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return func() {}, err
	}

	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		var lastReload time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Editors fire bursts of events per save; debounce.
				if time.Since(lastReload) < time.Second {
					continue
				}
				lastReload = time.Now()

				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous config", "path", path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
