// Package registry owns the set of search indexes available for a refresh
// and their group membership.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

var (
	// ErrDuplicateIndex is returned when an index ID is registered twice.
	ErrDuplicateIndex = errors.New("registry: index already registered")
	// ErrEmptyIndexID is returned for an index without an ID.
	ErrEmptyIndexID = errors.New("registry: index id is empty")
)

// Index is a search index that can rebuild the entries of a content subtree.
// How Refresh does that is up to the implementation.
type Index interface {
	ID() string
	Group() types.GroupID
	Refresh(ctx context.Context, node types.NodeRef) error
}

// Registry keeps indexes in registration order. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	indexes []Index
	byID    map[string]Index
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]Index)}
}

// Add registers idx.
func (r *Registry) Add(idx Index) error {
	if idx.ID() == "" {
		return ErrEmptyIndexID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[idx.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIndex, idx.ID())
	}
	r.byID[idx.ID()] = idx
	r.indexes = append(r.indexes, idx)
	return nil
}

// Indexes returns a copy of the registered indexes in registration order.
func (r *Registry) Indexes() []Index {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Index, len(r.indexes))
	copy(out, r.indexes)
	return out
}

// Get looks an index up by ID.
func (r *Registry) Get(id string) (Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	return idx, ok
}

// ByGroup returns the indexes tagged with group.
func (r *Registry) ByGroup(group types.GroupID) []Index {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Index
	for _, idx := range r.indexes {
		if idx.Group() == group {
			out = append(out, idx)
		}
	}
	return out
}

// Descriptors returns the ID/group pair of every index.
func (r *Registry) Descriptors() []types.IndexDescriptor {
	indexes := r.Indexes()
	out := make([]types.IndexDescriptor, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, Describe(idx))
	}
	return out
}

// Len returns the number of registered indexes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.indexes)
}

// Describe returns the descriptor of idx.
func Describe(idx Index) types.IndexDescriptor {
	return types.IndexDescriptor{ID: idx.ID(), Group: idx.Group()}
}
