package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch monitors the config file and calls onChange with the reloaded
// valves after each write. Blocks until ctx is cancelled. In-flight
// requests keep the valves they started with; only new requests observe
// the change.
func Watch(ctx context.Context, path string, onChange func(Valves)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than writing in place.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	var (
		mu            sync.Mutex
		pending       bool
		debounceTimer *time.Timer
	)

	reload := func() {
		mu.Lock()
		pending = false
		mu.Unlock()

		v, err := Load(path)
		if err != nil {
			log.Printf("config watcher: reload %s: %v", path, err)
			return
		}
		onChange(v)
		log.Printf("config watcher: reloaded %s", path)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(watchDebounce, reload)
			} else {
				debounceTimer.Reset(watchDebounce)
			}
			mu.Unlock()

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are not fatal.
		}
	}
}
