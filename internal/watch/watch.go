// Package watch wraps fsnotify for the recompile driver: OS-native change
// notifications mapped onto a small event type.
package watch

import (
	"github.com/fsnotify/fsnotify"
)

// Op is a bitmask of observed operations.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

// Event is one filesystem change.
type Event struct {
	Path string
	Op   Op
}

// Watcher delivers change events for registered paths.
type Watcher struct {
	w   *fsnotify.Watcher
	evC chan Event
	erC chan error
}

// New creates a watcher.
func New() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := &Watcher{w: w, evC: make(chan Event, 128), erC: make(chan error, 1)}
	go fw.loop()
	return fw, nil
}

func (fw *Watcher) loop() {
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			var op Op
			if ev.Op&fsnotify.Create != 0 {
				op |= OpCreate
			}
			if ev.Op&fsnotify.Write != 0 {
				op |= OpWrite
			}
			if ev.Op&fsnotify.Remove != 0 {
				op |= OpRemove
			}
			if ev.Op&fsnotify.Rename != 0 {
				op |= OpRename
			}
			if op != 0 {
				fw.evC <- Event{Path: ev.Name, Op: op}
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.erC <- err
		}
	}
}

// Events returns the change channel.
func (fw *Watcher) Events() <-chan Event { return fw.evC }

// Errors returns the error channel.
func (fw *Watcher) Errors() <-chan error { return fw.erC }

// Add registers a path.
func (fw *Watcher) Add(name string) error { return fw.w.Add(name) }

// Close stops the watcher.
func (fw *Watcher) Close() error { return fw.w.Close() }
