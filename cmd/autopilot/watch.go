package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// configWatcher reloads the config file when it changes and hands the new
// configuration to apply. The directory is watched rather than the file so
// that editors which replace the file by rename are seen too.
type configWatcher struct {
	path   string
	load   func(string) (Config, error)
	apply  func(Config)
	logger *slog.Logger
}

func (w *configWatcher) run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			// Writes often arrive as several events; reload once they settle.
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := w.load(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping current settings",
					slog.String("path", w.path), slog.String("error", err.Error()))
				continue
			}
			w.apply(cfg)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
