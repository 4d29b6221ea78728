package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"relay/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file on change and hands the result to
// onChange. Writes are debounced so editors that truncate-then-write
// trigger a single reload. The returned stop function is idempotent.
func Watch(path string, logger *logging.Logger, onChange func(Config)) (func(), error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	// Watch the directory: the file itself may be replaced by rename,
	// which drops a watch registered on the file.
	if err := watcher.Add(filepath.Dir(absolute)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	var mu sync.Mutex
	var pending *time.Timer
	reload := func() {
		cfg, err := Load(absolute)
		if err != nil {
			if logger != nil {
				logger.Warn("config reload failed, keeping previous", map[string]string{
					"path":  absolute,
					"error": err.Error(),
				})
			}
			return
		}
		if logger != nil {
			logger.Info("config reloaded", map[string]string{"path": absolute})
		}
		onChange(cfg)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absolute {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if pending == nil {
					pending = time.AfterFunc(reloadDebounce, func() {
						mu.Lock()
						pending = nil
						mu.Unlock()
						reload()
					})
				} else {
					pending.Reset(reloadDebounce)
				}
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("config watcher error", map[string]string{"error": err.Error()})
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			watcher.Close()
			mu.Lock()
			if pending != nil {
				pending.Stop()
				pending = nil
			}
			mu.Unlock()
		})
	}
	return stop, nil
}
