package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher monitors the configured manifest file and invokes the
// supplied callback with the merged manifest whenever it changes. Stop must be
// called to release filesystem resources.
type ManifestWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ManifestWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchManifest wires fsnotify around the manifest file and re-reads it on any
// relevant change. The callback receives the inline manifest merged with the
// file contents, the same shape Loader.Load produces.
func (l *Loader) WatchManifest(ctx context.Context, cfg Config, onChange func([]string), onError func(error)) (*ManifestWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch manifest requires a change callback")
	}
	manifestFile := cfg.Server.Cache.ManifestFile
	if manifestFile == "" {
		return nil, fmt.Errorf("config: no manifest file configured for watching")
	}
	resolved, err := filepath.Abs(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("config: resolve manifest file: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch manifest: %w", err)
	}
	// Watch the parent directory so atomic rename-style saves are observed.
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch manifest close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(resolved), err)
	}

	inline := append([]string{}, cfg.Server.Cache.Manifest...)
	done := make(chan struct{})
	watch := &ManifestWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch manifest close: %w", err))
			}
		}()

		var reloadMu sync.Mutex
		reload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			entries, err := ReadManifest(resolved)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(MergeManifest(inline, entries))
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != resolved {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch manifest: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
