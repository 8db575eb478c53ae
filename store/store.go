package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"arcade/apperr"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds the optimistic retry loop of Transact.
const DefaultMaxAttempts = 25

var (
	ErrInvalidPath    = apperr.New(apperr.ErrValidation, "invalid path")
	ErrOverlapping    = apperr.New(apperr.ErrValidation, "merge paths overlap")
	ErrUnencodable    = apperr.New(apperr.ErrValidation, "value cannot be stored")
	ErrClosed         = errors.New("store closed")
	ErrMalformedValue = apperr.New(apperr.ErrValidation, "malformed node")
)

// Store is the contract every synchronization component builds on: path
// reads, unconditional multi-path writes, path subscriptions and optimistic
// single-path transactions.
type Store interface {
	Read(ctx context.Context, path string) (Snapshot, error)
	Write(ctx context.Context, path string, value any) error
	// Merge commits all paths together or none of them. A nil value deletes.
	Merge(ctx context.Context, updates map[string]any) error
	// Transact commits fn's result only if the node still holds the value
	// it was read with. Equal content counts as unchanged.
	Transact(ctx context.Context, path string, fn TxFunc) (Result, error)
	Subscribe(ctx context.Context, path string, mode Mode) (*Subscription, error)
	PushKey() string
	// OnDisconnect registers a write applied when owner disconnects.
	OnDisconnect(ctx context.Context, owner, path string, value any) error
	Disconnect(ctx context.Context, owner string) error
	Close() error
}

// TxFunc maps the current node to its next value. Returning ok=false aborts
// the transaction without writing. It may run several times per call and
// must not have side effects.
type TxFunc func(current Snapshot) (next any, ok bool)

type Result struct {
	Committed bool
	Snapshot  Snapshot
	Attempts  int
}

// ConflictError reports an exhausted retry budget.
type ConflictError struct {
	Path     string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction on %s conflicted after %d attempts", e.Path, e.Attempts)
}

func (e *ConflictError) Is(target error) bool {
	return target == apperr.ErrConflict
}

// Snapshot is an immutable copy of one node.
type Snapshot struct {
	Path    string
	Key     string
	Value   any
	Version string
}

func newSnapshot(path string, value any) Snapshot {
	if m, ok := value.(map[string]any); ok && len(m) == 0 {
		value = nil
	}
	return Snapshot{
		Path:    path,
		Key:     lastSegment(path),
		Value:   value,
		Version: version(value),
	}
}

func (s Snapshot) Exists() bool {
	return s.Value != nil
}

// Decode converts the node into dst. When dst has a Validate() error method
// a failed validation is reported as ErrMalformedValue.
func (s Snapshot) Decode(dst any) error {
	if s.Value == nil {
		return apperr.New(apperr.ErrNotFound, s.Path)
	}
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedValue, s.Path, err)
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedValue, s.Path, err)
		}
	}
	return nil
}

// Children returns the child nodes ordered by key. Push keys are time ordered,
// so for pushed lists this is creation order.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		children = append(children, newSnapshot(Join(s.Path, k), m[k]))
	}
	return children
}

func (s Snapshot) Child(key string) Snapshot {
	m, _ := s.Value.(map[string]any)
	return newSnapshot(Join(s.Path, key), m[key])
}

func (s Snapshot) NumChildren() int {
	m, _ := s.Value.(map[string]any)
	return len(m)
}

// Join builds a path from segments.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

func lastSegment(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// related reports whether one path is the other or an ancestor of it.
func related(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newPushKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func version(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}

// normalize converts value into its stored JSON form, dropping null entries
// and empty mappings.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnencodable, err)
	}
	return prune(out), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if child = prune(child); child == nil {
			delete(m, k)
		} else {
			m[k] = child
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}
