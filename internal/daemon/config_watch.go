package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.nightshift.dev/nightshift/internal/core"
)

// watchConfig watches the config directory and calls onChange with the new
// configuration once edits to config.hcl have settled for debounce. The
// directory is watched rather than the file because editors that save by
// rename drop watches on the original inode. Invalid or unchanged files do
// not call onChange.
func watchConfig(ctx context.Context, current *core.Configuration, debounce time.Duration, onChange func(*core.Configuration)) error {
	dir := current.ConfigPath
	configFile := current.ConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		timer *time.Timer
		mu    sync.Mutex
	)
	reload := func() {
		if !core.ConfigExists(configFile) {
			slog.Debug("Config file removed, keeping running configuration", "file", configFile)
			return
		}
		next, err := core.LoadConfigDir(dir)
		if err != nil {
			slog.Error("Configuration file is invalid, keeping running configuration", "file", configFile, "error", err)
			return
		}
		if sameConfig(current, next) {
			slog.Debug("Configuration file touched without changes", "file", configFile)
			return
		}
		slog.Info("Configuration file changed", "file", configFile)
		onChange(next)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != core.ConfigFileName {
					continue
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String())
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	slog.Debug("Watching configuration file for changes", "file", configFile)
	return nil
}

// sameConfig ignores verbosity, which -v may have raised on the command line.
func sameConfig(a, b *core.Configuration) bool {
	x, y := *a, *b
	x.Verbose, y.Verbose = 0, 0
	return reflect.DeepEqual(x, y)
}
