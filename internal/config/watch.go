package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// editors often write a file in several steps
const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and hands valid results to fn.
// It blocks until ctx is done. Invalid edits are logged and skipped.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so rename-on-save editors are picked up too
	dir := filepath.Dir(path)

	err = watcher.Add(dir)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	log := slog.With("component", "config", "path", path)
	target := filepath.Clean(path)

	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)

	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}

			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				log.Warn("Ignoring invalid config change", "error", err)
				continue
			}

			log.Info("Config reloaded")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Error("Config watcher error", "error", err)
		}
	}
}
