// Package locks provides per-directory mutual exclusion for handlers and
// test workers that touch the same paths.
package locks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
)

var (
	ErrNoOwner = errors.New("locks: context carries no owner")
	ErrNotHeld = errors.New("locks: lock not held by owner")
)

type ownerKey struct{}

// WithOwner tags ctx with the identity that acquires locks. Acquisitions
// by the same owner nest.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner stored by WithOwner.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// Lock is a reentrant, owner-based mutex for one canonical path.
type Lock struct {
	path string

	mu       sync.Mutex
	owner    string
	depth    int
	released chan struct{}
}

func newLock(path string) *Lock {
	return &Lock{path: path, released: make(chan struct{})}
}

func (l *Lock) Path() string { return l.path }

// Lock blocks until the owner in ctx holds the lock or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	owner := OwnerFrom(ctx)
	if owner == "" {
		return ErrNoOwner
	}
	for {
		l.mu.Lock()
		if l.depth == 0 || l.owner == owner {
			l.owner = owner
			l.depth++
			l.mu.Unlock()
			return nil
		}
		wait := l.released
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock releases one level of the owner's hold.
func (l *Lock) Unlock(ctx context.Context) error {
	owner := OwnerFrom(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 || l.owner != owner {
		return ErrNotHeld
	}
	l.depth--
	if l.depth == 0 {
		l.owner = ""
		close(l.released)
		l.released = make(chan struct{})
	}
	return nil
}

// Registry maps canonical paths to locks. Entries are created on first use
// and live as long as the registry.
type Registry struct {
	mu    sync.RWMutex
	locks map[string]*Lock
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Lock)}
}

// Get returns the lock for path. It never blocks on a per-path lock.
func (r *Registry) Get(path string) *Lock {
	key := Canonical(path)

	r.mu.RLock()
	l, ok := r.locks[key]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l = newLock(key)
	r.locks[key] = l
	return l
}

// Do runs fn while holding the lock for path.
func (r *Registry) Do(ctx context.Context, path string, fn func() error) error {
	l := r.Get(path)
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}

// Len reports how many distinct paths have been locked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

// Canonical returns the absolute, cleaned form of p with symlinks resolved
// in its longest existing prefix. A path keeps the same key before and after
// it is created.
func Canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	var rest []string
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
	}
}
