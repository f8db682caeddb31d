package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// PolicyOverlay carries operator-adjustable policy state that can change
// while the worker is running: a manual freeze switch, extra protected
// namespace patterns, and per-environment allowlist overrides. The overlay
// never relaxes the built-in protections; it only adds to them.
type PolicyOverlay struct {
	FreezeActive        bool                `json:"freezeActive"`
	ProtectedNamespaces []string            `json:"protectedNamespaces,omitempty"`
	Allowlists          map[string][]string `json:"allowlists,omitempty"`
}

// OverlayWatcher watches the policy overlay file and keeps an atomic
// snapshot of its contents. A missing file yields the zero overlay.
type OverlayWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current PolicyOverlay

	onChange func(PolicyOverlay)
}

// NewOverlayWatcher loads the overlay at path and prepares a watcher on its
// directory. Start must be called to begin receiving updates.
func NewOverlayWatcher(path string) (*OverlayWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ow := &OverlayWatcher{
		path:    path,
		watcher: watcher,
	}
	if overlay, err := readOverlay(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to read policy overlay; starting empty")
	} else {
		ow.current = overlay
	}

	// Watch the directory so create/rename of the file is observed too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return ow, nil
}

// OnChange registers a callback invoked after each successful reload.
func (ow *OverlayWatcher) OnChange(fn func(PolicyOverlay)) {
	ow.onChange = fn
}

// Current returns the latest overlay snapshot.
func (ow *OverlayWatcher) Current() PolicyOverlay {
	ow.mu.RLock()
	defer ow.mu.RUnlock()

	overlay := ow.current
	overlay.ProtectedNamespaces = append([]string(nil), ow.current.ProtectedNamespaces...)
	if ow.current.Allowlists != nil {
		overlay.Allowlists = make(map[string][]string, len(ow.current.Allowlists))
		for env, actions := range ow.current.Allowlists {
			overlay.Allowlists[env] = append([]string(nil), actions...)
		}
	}
	return overlay
}

// Start runs the watch loop until ctx is cancelled. Reloads are debounced so
// editors that write in multiple syscalls trigger a single reload.
func (ow *OverlayWatcher) Start(ctx context.Context) {
	go func() {
		defer ow.watcher.Close()

		var debounce *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-ow.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(ow.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case err, ok := <-ow.watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Policy overlay watcher error")
			case <-reload:
				ow.reload()
			}
		}
	}()
}

func (ow *OverlayWatcher) reload() {
	overlay, err := readOverlay(ow.path)
	if err != nil {
		log.Warn().Err(err).Str("file", ow.path).Msg("Failed to reload policy overlay; keeping previous")
		return
	}

	ow.mu.Lock()
	ow.current = overlay
	ow.mu.Unlock()

	log.Info().
		Bool("freezeActive", overlay.FreezeActive).
		Int("protectedNamespaces", len(overlay.ProtectedNamespaces)).
		Msg("Policy overlay reloaded")

	if ow.onChange != nil {
		ow.onChange(overlay)
	}
}

func readOverlay(path string) (PolicyOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PolicyOverlay{}, nil
		}
		return PolicyOverlay{}, err
	}

	var overlay PolicyOverlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return PolicyOverlay{}, err
	}
	return overlay, nil
}
