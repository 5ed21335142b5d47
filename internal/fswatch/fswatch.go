// Package fswatch wraps fsnotify with a debounced notification channel,
// shared by internal/config (reload on config.json edits) and
// internal/watcher (faster-than-poll detection of terminal-binding
// rewrites). Polling remains the correctness backstop in both callers;
// fsnotify delivery is best-effort, especially across editors that
// write-then-rename instead of writing in place.
package fswatch

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher debounces fsnotify events for a set of watched paths/directories
// into a single "something changed" signal per debounce window.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	Changed chan struct{}
	done    chan struct{}
}

// New starts watching the given paths (files or directories). Non-existent
// paths are skipped rather than treated as fatal — terminal-bindings and
// config directories may not exist yet on first run.
func New(log zerolog.Logger, debounce time.Duration, paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			log.Debug().Str("path", p).Err(err).Msg("fswatch: skipping unwatchable path")
			continue
		}
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		log:      log,
		Changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var pending *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.log.Debug().Str("name", filepath.Base(ev.Name)).Str("op", ev.Op.String()).Msg("fswatch: event")
			if pending == nil {
				pending = time.AfterFunc(w.debounce, w.signal)
			} else {
				pending.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fswatch: watcher error")
		}
	}
}

func (w *Watcher) signal() {
	select {
	case w.Changed <- struct{}{}:
	default:
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
