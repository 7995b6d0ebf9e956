package asynclog

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RotationEvent reports a create or rename observed in a watched log
// directory — a new or renamed-away log file, typically a roll.
type RotationEvent struct {
	Path string
	// Created is true for a newly created file, false for a rename
	// (the usual shape of "close current, open next" rolling).
	Created bool
}

// RotationWatcher watches a log directory for roll events, grounded
// on the teacher's fsnotify wiring
// (internal/runtime/vfs/watch_fsnotify.go): a side channel for
// monitoring and deterministic rotation tests, entirely off the
// Logger's hot append path.
type RotationWatcher struct {
	w        *fsnotify.Watcher
	basename string
	events   chan RotationEvent
	errors   chan error
}

// NewRotationWatcher watches dir for create/rename events on files
// whose name starts with basename (the LogFile's basename), so unrelated
// files in the same directory are filtered out before reaching Events.
func NewRotationWatcher(dir, basename string) (*RotationWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	rw := &RotationWatcher{
		w:        w,
		basename: basename,
		events:   make(chan RotationEvent, 32),
		errors:   make(chan error, 1),
	}
	go rw.loop()
	return rw, nil
}

func (rw *RotationWatcher) loop() {
	defer close(rw.events)
	for {
		select {
		case ev, ok := <-rw.w.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), rw.basename) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				rw.events <- RotationEvent{Path: ev.Name, Created: true}
			case ev.Op&fsnotify.Rename != 0:
				rw.events <- RotationEvent{Path: ev.Name, Created: false}
			}
		case err, ok := <-rw.w.Errors:
			if !ok {
				return
			}
			select {
			case rw.errors <- err:
			default:
			}
		}
	}
}

// Events returns the channel of observed rotation events.
func (rw *RotationWatcher) Events() <-chan RotationEvent { return rw.events }

// Errors returns the channel of watcher errors.
func (rw *RotationWatcher) Errors() <-chan error { return rw.errors }

// Close stops the watcher.
func (rw *RotationWatcher) Close() error { return rw.w.Close() }
