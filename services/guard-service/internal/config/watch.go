package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path on every write and hands the new Config to onChange
// until ctx is cancelled. A reload that fails to parse or validate is logged
// and the previous Config stays in effect.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info("watching config", slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves arrive as Create after a rename.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded", slog.String("path", path))
			onChange(cfg)
			_ = watcher.Add(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", slog.String("error", err.Error()))
		}
	}
}
