package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDelay is how long the watcher waits for more changes before
// reloading.
const DefaultWatchDelay = 500 * time.Millisecond

// Watcher reloads component definitions when files below the watched paths
// change.
type Watcher struct {
	loader *Loader
	paths  []string
	delay  time.Duration
	logger zerolog.Logger
}

// NewWatcher creates a watcher over paths. A zero delay uses DefaultWatchDelay.
func NewWatcher(loader *Loader, paths []string, delay time.Duration, logger zerolog.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultWatchDelay
	}
	return &Watcher{
		loader: loader,
		paths:  paths,
		delay:  delay,
		logger: logger.With().Str("component", "definition-watcher").Logger(),
	}
}

// Run watches until ctx is done. onChange is called with the reloaded
// definitions after each burst of changes; calls never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(*DefinitionSet, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range w.paths {
		if err := w.add(watcher, path); err != nil {
			return err
		}
	}

	w.logger.Info().Int("paths", len(w.paths)).Msg("Started watching component definitions")

	timer := time.NewTimer(w.delay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.add(watcher, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Definition file changed")

			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.delay)
			pending = true

		case <-timer.C:
			pending = false
			set, err := w.loader.Load(ctx, w.paths)
			if err != nil {
				w.logger.Error().Err(err).Msg("Failed to reload component definitions")
			}
			onChange(set, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// add watches path, and every directory below it when it is a directory.
func (w *Watcher) add(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		// Editors replace files on save; watch the directory instead.
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}
