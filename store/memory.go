package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

type write struct {
	path  string
	segs  []string
	value any
}

// condition guards a commit: the node at path must still carry version.
type condition struct {
	path    string
	segs    []string
	version string
}

type persistFunc func(ctx context.Context, writes []write) error

// MemoryStore keeps the whole hierarchy in process. Every commit is
// serialized under one lock, which gives per-path commit order and makes
// multi-path merges atomic.
type MemoryStore struct {
	mu           sync.Mutex
	tree         *tree
	subs         map[*Subscription]struct{}
	onDisconnect map[string]map[string]any
	closed       bool

	maxAttempts int
	persist     persistFunc
	logger      *slog.Logger
}

type Option func(*MemoryStore)

// WithMaxAttempts sets the Transact retry budget.
func WithMaxAttempts(n int) Option {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		tree:         newTree(),
		subs:         make(map[*Subscription]struct{}),
		onDisconnect: make(map[string]map[string]any),
		maxAttempts:  DefaultMaxAttempts,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

func (s *MemoryStore) Read(ctx context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	value := deepCopy(s.tree.get(segs))
	s.mu.Unlock()

	return newSnapshot(Join(segs...), value), nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	w, err := newWrite(path, value)
	if err != nil {
		return err
	}
	_, err = s.commit(ctx, []write{w}, nil)
	return err
}

func (s *MemoryStore) Merge(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	writes := make([]write, 0, len(paths))
	for _, p := range paths {
		w, err := newWrite(p, updates[p])
		if err != nil {
			return err
		}
		if len(w.segs) == 0 {
			return fmt.Errorf("%w: merge at root", ErrInvalidPath)
		}
		for _, prev := range writes {
			if related(prev.segs, w.segs) {
				return fmt.Errorf("%w: %s and %s", ErrOverlapping, prev.path, w.path)
			}
		}
		writes = append(writes, w)
	}

	_, err := s.commit(ctx, writes, nil)
	return err
}

// Transact runs the optimistic loop: read, apply fn, commit only if the node
// is unchanged since the read, otherwise retry with the fresh value.
// Versions are content hashes, so "unchanged" compares values: a node
// rewritten and then restored between the read and the commit still
// matches, and the commit goes through.
func (s *MemoryStore) Transact(ctx context.Context, path string, fn TxFunc) (Result, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Result{}, err
	}
	path = Join(segs...)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.Read(ctx, path)
		if err != nil {
			return Result{}, err
		}

		next, ok := fn(current)
		if !ok {
			return Result{Committed: false, Snapshot: current, Attempts: attempt}, nil
		}

		value, err := normalize(next)
		if err != nil {
			return Result{}, err
		}

		committed, err := s.commit(ctx,
			[]write{{path: path, segs: segs, value: value}},
			&condition{path: path, segs: segs, version: current.Version},
		)
		if err != nil {
			return Result{}, err
		}
		if committed {
			return Result{Committed: true, Snapshot: newSnapshot(path, value), Attempts: attempt}, nil
		}
		s.logger.Debug("transaction retry", "path", path, "attempt", attempt)
	}

	return Result{}, &ConflictError{Path: path, Attempts: s.maxAttempts}
}

// Subscribe starts delivering events for path. The subscription ends when
// ctx is done or Close is called.
func (s *MemoryStore) Subscribe(ctx context.Context, path string, mode Mode) (*Subscription, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	path = Join(segs...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	var sub *Subscription
	sub = newSubscription(path, segs, mode, func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.subs[sub] = struct{}{}
	sub.observe(newSnapshot(path, deepCopy(s.tree.get(segs))))
	s.mu.Unlock()

	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (s *MemoryStore) PushKey() string {
	return newPushKey()
}

func (s *MemoryStore) OnDisconnect(ctx context.Context, owner, path string, value any) error {
	w, err := newWrite(path, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.onDisconnect[owner]
	if !ok {
		pending = make(map[string]any)
		s.onDisconnect[owner] = pending
	}
	pending[w.path] = w.value
	return nil
}

// Disconnect applies every write registered for owner as one merge.
func (s *MemoryStore) Disconnect(ctx context.Context, owner string) error {
	s.mu.Lock()
	pending := s.onDisconnect[owner]
	delete(s.onDisconnect, owner)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	s.logger.Debug("applying disconnect writes", "owner", owner, "paths", len(pending))
	return s.Merge(ctx, pending)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (s *MemoryStore) commit(ctx context.Context, writes []write, cond *condition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if cond != nil && newSnapshot(cond.path, s.tree.get(cond.segs)).Version != cond.version {
		return false, nil
	}
	if s.persist != nil {
		if err := s.persist(ctx, writes); err != nil {
			return false, fmt.Errorf("failed to persist commit: %w", err)
		}
	}

	for _, w := range writes {
		s.tree.set(w.segs, deepCopy(w.value))
	}

	for sub := range s.subs {
		for _, w := range writes {
			if related(sub.segs, w.segs) {
				sub.observe(newSnapshot(sub.path, deepCopy(s.tree.get(sub.segs))))
				break
			}
		}
	}
	return true, nil
}

func newWrite(path string, value any) (write, error) {
	segs, err := splitPath(path)
	if err != nil {
		return write{}, err
	}
	v, err := normalize(value)
	if err != nil {
		return write{}, err
	}
	return write{path: Join(segs...), segs: segs, value: v}, nil
}
