package actions

import (
	"sort"
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

// Registry is the concrete thread-safe ExecutorRegistry implementation.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeType]Executor),
	}
}

// Register adds an executor. Returns error on a duplicate node type.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := exec.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor node type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", t)
	}

	r.executors[t] = exec
	return nil
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(nodeType schema.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor for node type %q", nodeType)
	}
	return exec, nil
}

// Has checks if a node type has an executor.
func (r *Registry) Has(nodeType schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// List returns the registered node types, sorted.
func (r *Registry) List() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

var _ ExecutorRegistry = (*Registry)(nil)
