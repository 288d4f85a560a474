package tags

import (
	"context"
	"fmt"
	"sync"
)

// LoadedTagLister reads the set of tag names with a completed qualifying sync.
type LoadedTagLister interface {
	ListLoadedTags(ctx context.Context) ([]string, error)
}

// Snapshot is an immutable view of the loaded-tag set, taken once per query
// compilation so a request sees a consistent set throughout.
type Snapshot map[string]struct{}

// Contains reports whether the tag was loaded when the snapshot was taken.
func (s Snapshot) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Registry caches the loaded-tag set. The importer invalidates it after
// registering tags; readers refresh lazily on the next snapshot.
type Registry struct {
	lister LoadedTagLister

	mu     sync.RWMutex
	loaded Snapshot
	stale  bool
}

func NewRegistry(lister LoadedTagLister) *Registry {
	return &Registry{lister: lister, stale: true}
}

// Snapshot returns the current loaded-tag set, refreshing from storage first
// if the cache was invalidated or never filled.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	r.mu.RLock()
	if !r.stale {
		snap := r.loaded
		r.mu.RUnlock()
		return snap, nil
	}
	r.mu.RUnlock()

	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded, nil
}

// Refresh reloads the set from storage.
func (r *Registry) Refresh(ctx context.Context) error {
	names, err := r.lister.ListLoadedTags(ctx)
	if err != nil {
		return fmt.Errorf("tags: refresh of loaded tags failed: %w", err)
	}

	snap := make(Snapshot, len(names))
	for _, name := range names {
		snap[name] = struct{}{}
	}

	r.mu.Lock()
	r.loaded = snap
	r.stale = false
	r.mu.Unlock()
	return nil
}

// Invalidate marks the cache stale. Called after loaded-tag writes.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}
