// Package dispatch routes parsed log records to per-event-type handlers and
// writes each handler's outcome to the originating user's reply log.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Event is one record routed to a handler.
type Event struct {
	SourcePath string
	Timestamp  time.Time
	Type       string
	Payload    string
	// User owns the log the event was read from.
	User string
}

// Handler processes a single event. Parse checks payload syntax and must be
// fast and free of side effects; Handle performs semantic validation and the
// actual work and returns a human-readable detail for the reply.
type Handler interface {
	Parse() error
	Handle(ctx context.Context) (string, error)
}

// Factory builds a single-use handler for one event.
type Factory func(ev Event) Handler

// Registry maps event-type tags to handler factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for eventType. Registering the same type twice
// panics.
func (r *Registry) Register(eventType string, f Factory) {
	if f == nil {
		panic("dispatch: nil factory for " + eventType)
	}
	if _, dup := r.factories[eventType]; dup {
		panic("dispatch: duplicate registration for " + eventType)
	}
	r.factories[eventType] = f
}

func (r *Registry) Lookup(eventType string) (Factory, bool) {
	f, ok := r.factories[eventType]
	return f, ok
}

// Types lists the registered event types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// UserFromPath returns the first path element of logPath below usersDir,
// which is the name of the user owning that log.
func UserFromPath(usersDir, logPath string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(usersDir), filepath.Clean(logPath))
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is not under %s", logPath, usersDir)
	}
	user, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return user, nil
}
