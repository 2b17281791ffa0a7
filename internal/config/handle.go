package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Handle is the shared configuration pointer. Components keep the Handle and
// call Current at suspension boundaries; settings.update validates, writes
// the file, then swaps the pointer, so readers never see a half-written
// configuration.
type Handle struct {
	ptr  atomic.Pointer[Config]
	path string
}

// NewHandle creates a handle around an initial configuration.
func NewHandle(cfg *Config, path string) *Handle {
	h := &Handle{path: path}
	h.ptr.Store(cfg)
	return h
}

// Current returns the live configuration.
func (h *Handle) Current() *Config {
	return h.ptr.Load()
}

// Path returns the backing file path.
func (h *Handle) Path() string {
	return h.path
}

// Update validates cfg, persists it atomically, and swaps the live pointer.
// The pointer only moves after a successful save.
func (h *Handle) Update(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := renameio.WriteFile(h.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	h.ptr.Store(cfg)
	return nil
}

// Watch reloads the configuration when the backing file changes out of band
// (an editor or another tool rewriting config.yaml). Invalid files are
// ignored; the previous configuration stays live. Returns a stop function.
func (h *Handle) Watch(onReload func(*Config), onError func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		// The file may not exist until the first settings.update.
		if onError != nil {
			onError(err)
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := NewLoader().WithConfigFile(h.path).Load()
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				h.ptr.Store(cfg)
				if onReload != nil {
					onReload(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
