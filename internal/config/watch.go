package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"supply-service/internal/logger"
)

// Watch watches the config file and emits a freshly parsed Config whenever
// the file is rewritten. This is the explicit "topology changed" signal: the
// coordinator rebuilds its group and lane indexes only when a value arrives
// on the returned channel, never lazily per tick. Parse failures are logged
// and dropped so a half-written file cannot tear down a running coordinator.
func Watch(ctx context.Context, path string, log *logger.Logger) (<-chan *Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config %s: %w", path, err)
	}

	out := make(chan *Config)

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				cfg, err := Load(path)
				if err != nil {
					log.Warnf("Ignoring config change: %v", err)
					continue
				}

				log.Infof("Config change detected, signalling topology rebuild")
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			}
		}
	}()

	return out, nil
}
