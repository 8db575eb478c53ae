package store

import (
	"iter"
	"sync"
)

// Mode selects which changes a subscription reports.
type Mode int

const (
	// ValueChanged delivers the whole node initially and after every change.
	ValueChanged Mode = iota
	// ChildAdded delivers each existing child and every child created later.
	ChildAdded
)

func (m Mode) String() string {
	if m == ChildAdded {
		return "child_added"
	}
	return "value"
}

type Event struct {
	Mode     Mode
	Snapshot Snapshot
}

// Subscription streams events for one path in commit order. Events are queued
// without bound so committers never block on a slow reader.
type Subscription struct {
	path string
	segs []string
	mode Mode

	// guarded by the owning store's lock
	lastVersion string
	known       map[string]bool

	mu        sync.Mutex
	queue     []Event
	wake      chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
	detach    func()
}

func newSubscription(path string, segs []string, mode Mode, detach func()) *Subscription {
	sub := &Subscription{
		path:   path,
		segs:   segs,
		mode:   mode,
		known:  make(map[string]bool),
		wake:   make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
		detach: detach,
	}
	go sub.pump()
	return sub
}

func (s *Subscription) Path() string { return s.path }
func (s *Subscription) Mode() Mode   { return s.mode }

// Events is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// All ranges over the events until the subscription closes or the loop breaks.
func (s *Subscription) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for ev := range s.out {
			if !yield(ev) {
				return
			}
		}
	}
}

// Close releases the store-side listener. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.done)
	})
}

// observe records the node state after a commit and queues the resulting
// events. Called with the store lock held.
func (s *Subscription) observe(snap Snapshot) {
	switch s.mode {
	case ValueChanged:
		if snap.Version == s.lastVersion {
			return
		}
		s.lastVersion = snap.Version
		s.enqueue(Event{Mode: ValueChanged, Snapshot: snap})
	case ChildAdded:
		current := make(map[string]bool, snap.NumChildren())
		for _, child := range snap.Children() {
			current[child.Key] = true
			if !s.known[child.Key] {
				s.enqueue(Event{Mode: ChildAdded, Snapshot: child})
			}
		}
		s.known = current
	}
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
