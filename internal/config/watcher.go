package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the engine config whenever a file under config/ changes and
// hands the new value to onChange. Reload failures are logged and the
// previous config stays in effect. Returns when ctx is done.
func Watch(ctx context.Context, root string, logger *log.Logger, onChange func(EngineConfig)) error {
	if root == "" {
		root = "."
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Join(root, "config")
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	// Environment subdirectories hold the per-env files.
	if entries, err := filepath.Glob(filepath.Join(dir, "*")); err == nil {
		for _, e := range entries {
			_ = watcher.Add(e)
		}
	}

	// Editors fire bursts of events per save; debounce before reloading.
	const settle = 200 * time.Millisecond
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".ini") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("config watch error: %v", err)
			}
		case <-reload:
			cfg, err := Load(root)
			if err != nil {
				if logger != nil {
					logger.Printf("config reload rejected: %v", err)
				}
				continue
			}
			if logger != nil {
				logger.Printf("config reloaded env=%s", cfg.Environment)
			}
			onChange(cfg)
		}
	}
}
