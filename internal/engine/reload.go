package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Reload re-reads path and swaps the engine's rules. On error the current rules
// stay, including when the file has gone missing: defaults apply at startup only.
func (e *ThresholdEngine) Reload(path string) error {
	pack, err := readRulePack(path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	if err := e.SetRules(pack.Rules, pack.ClearWindow); err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	e.logger.Info("threshold rules reloaded", slog.String("path", path), slog.Int("rules", len(pack.Rules)))
	return nil
}

// Watch reloads the rule pack whenever path changes until ctx ends. The parent
// directory is watched so that editors replacing the file are seen too.
func (e *ThresholdEngine) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if err := e.Reload(abs); err != nil {
					e.logger.Warn("threshold reload failed, keeping previous rules", slog.String("path", abs), slog.Any("error", err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("rule watcher error", slog.Any("error", err))
			}
		}
	}()
	return nil
}
