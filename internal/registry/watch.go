package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a registry change.
type EventType string

const (
	// EventCheckedOut fires when a record appears or is rewritten.
	EventCheckedOut EventType = "checked_out"
	// EventReleased fires when a record is removed.
	EventReleased EventType = "released"
)

// Event describes one registry change for subscriber notification.
type Event struct {
	Type EventType
	// Path is the logical artifact path when the record could be read,
	// otherwise empty (releases only carry the record name).
	Path string
	// Record is the on-disk record file name.
	Record string
}

// Subscription delivers registry change events until closed.
type Subscription struct {
	watcher *fsnotify.Watcher
	events  chan Event
	stop    chan struct{}
	once    sync.Once
	reg     *Registry
}

// Watch registers a filesystem watcher on the records directory. The
// orchestration layer fans the events out to its subscribers (dashboards,
// WebSocket pushes); the core only exposes the stream.
func (r *Registry) Watch() (*Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return nil, err
	}
	sub := &Subscription{
		watcher: watcher,
		events:  make(chan Event, 16),
		stop:    make(chan struct{}),
		reg:     r,
	}
	go sub.run()
	return sub, nil
}

// Events returns the change stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close stops the watcher and closes the event stream.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
	})
	return err
}

func (s *Subscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, recordSuffix) {
				continue
			}
			out, send := s.classify(ev)
			if !send {
				continue
			}
			select {
			case s.events <- out:
			case <-s.stop:
				return
			default:
				// Slow subscriber: drop rather than block registry writers.
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Subscription) classify(ev fsnotify.Event) (Event, bool) {
	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		return Event{Type: EventReleased, Record: ev.Name}, true
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		out := Event{Type: EventCheckedOut, Record: ev.Name}
		if co, err := s.reg.readRecord(context.Background(), ev.Name); err == nil && co != nil {
			out.Path = co.Path
		}
		return out, true
	default:
		return Event{}, false
	}
}
