package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadModules reads every .rego file in dir into a module map keyed by file
// name.
func LoadModules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	modules := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy module %s: %w", entry.Name(), err)
		}
		modules[entry.Name()] = string(src)
	}

	if len(modules) == 0 {
		return nil, fmt.Errorf("no .rego modules found in %s", dir)
	}
	return modules, nil
}

// Watch reloads the engine whenever a .rego file in dir changes. Events are
// debounced because editors produce bursts of writes; a failed reload keeps
// the previous modules active. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, engine *Engine, dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Policy watcher error", "error", err)
		case <-debounce:
			debounce = nil
			modules, err := LoadModules(dir)
			if err != nil {
				logger.Error("Policy reload skipped, directory unreadable", "error", err)
				continue
			}
			if err := engine.Reload(ctx, modules); err != nil {
				logger.Error("Policy reload failed, previous modules retained", "error", err)
				continue
			}
			logger.Info("Policy modules reloaded", "modules", len(modules))
		}
	}
}
