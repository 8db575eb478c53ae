// Package profile reads user profiles and owns the unique username index.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"arcade/apperr"
	"arcade/store"

	"golang.org/x/sync/singleflight"
)

var (
	ErrUserNotFound  = apperr.New(apperr.ErrNotFound, "user not found")
	ErrUsernameTaken = apperr.New(apperr.ErrValidation, "username already exists")
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Profile struct {
	ID        string `json:"-"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (p *Profile) Validate() error {
	if p.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

func UserPath(uid string, rest ...string) string {
	return store.Join(append([]string{"users", uid}, rest...)...)
}

func indexPath(username string) string {
	return store.Join("usernames", strings.ToLower(username))
}

// Directory resolves users. Concurrent lookups of the same key share one
// store read.
type Directory struct {
	store store.Store
	group singleflight.Group
}

func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st}
}

func (d *Directory) Get(ctx context.Context, uid string) (*Profile, error) {
	v, err, _ := d.group.Do("profile:"+uid, func() (interface{}, error) {
		snap, err := d.store.Read(ctx, UserPath(uid))
		if err != nil {
			return nil, fmt.Errorf("failed to read user: %w", err)
		}
		if !snap.Exists() {
			return nil, ErrUserNotFound
		}
		p := &Profile{}
		if err := snap.Decode(p); err != nil {
			return nil, err
		}
		p.ID = uid
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := *v.(*Profile)
	return &p, nil
}

func (d *Directory) Username(ctx context.Context, uid string) (string, error) {
	p, err := d.Get(ctx, uid)
	if err != nil {
		return "", err
	}
	return p.Username, nil
}

// Lookup returns the uid owning username.
func (d *Directory) Lookup(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", ErrUserNotFound
	}
	v, err, _ := d.group.Do("lookup:"+strings.ToLower(username), func() (interface{}, error) {
		snap, err := d.store.Read(ctx, indexPath(username))
		if err != nil {
			return "", fmt.Errorf("failed to read username index: %w", err)
		}
		uid, ok := snap.Value.(string)
		if !ok || uid == "" {
			return "", ErrUserNotFound
		}
		return uid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Claim reserves username for uid. Two concurrent claims of one name cannot
// both win because the index entry is written by a transaction.
func (d *Directory) Claim(ctx context.Context, uid, username string) error {
	res, err := d.store.Transact(ctx, indexPath(username), func(cur store.Snapshot) (any, bool) {
		if owner, ok := cur.Value.(string); ok && owner != uid {
			return nil, false
		}
		return uid, true
	})
	if err != nil {
		return fmt.Errorf("failed to claim username: %w", err)
	}
	if !res.Committed {
		return ErrUsernameTaken
	}
	return nil
}

// Release frees username if uid holds it.
func (d *Directory) Release(ctx context.Context, uid, username string) error {
	_, err := d.store.Transact(ctx, indexPath(username), func(cur store.Snapshot) (any, bool) {
		if owner, _ := cur.Value.(string); owner != uid {
			return nil, false
		}
		return nil, true
	})
	return err
}

// Search returns up to limit users whose username starts with prefix,
// excluding exclude.
func (d *Directory) Search(ctx context.Context, prefix, exclude string, limit int) ([]Profile, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if len(prefix) < 2 {
		return nil, nil
	}

	snap, err := d.store.Read(ctx, "usernames")
	if err != nil {
		return nil, fmt.Errorf("failed to read username index: %w", err)
	}

	var out []Profile
	for _, child := range snap.Children() {
		if len(out) >= limit {
			break
		}
		uid, _ := child.Value.(string)
		if !strings.HasPrefix(child.Key, prefix) || uid == "" || uid == exclude {
			continue
		}
		p, err := d.Get(ctx, uid)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
