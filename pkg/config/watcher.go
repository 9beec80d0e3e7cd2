package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch emits on the returned channel after any of the given files changes,
// debounced so an editor's write-rename dance counts once. The watcher stops
// when ctx is cancelled.
func Watch(ctx context.Context, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config watcher", "error", err)
		return reloadCh
	}

	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			slog.Warn("Cannot resolve config path", "file", file, "error", err)
			continue
		}
		if err := watcher.Add(abs); err != nil {
			slog.Warn("Cannot watch config file", "file", file, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration change detected", "file", event.Name)
					select {
					case reloadCh <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	return reloadCh
}
