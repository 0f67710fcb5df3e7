// Package workqueue runs metamodel tasks stored in engine_meta_model_tasks.
//
// A task row is claimed with SELECT ... FOR UPDATE SKIP LOCKED, its handler runs inside
// the claiming transaction, and the row is deleted in that same transaction on success.
// Delivery is at-least-once: a crash or a failing handler leaves the row in place, so
// handlers must be idempotent.
package workqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-dataseries/pkg/models"
)

// Handler executes one task. ctx carries the transaction holding the task's claim;
// repositories join it through database.QuerierFromContext.
type Handler func(ctx context.Context, task *models.MetaModelTaskData) error

// Registry maps task types to handlers. It is populated at process start.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds taskType to h. Registering a type twice is a programming error and panics.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if taskType == "" || h == nil {
		panic("workqueue: task type and handler are required")
	}
	if _, exists := r.handlers[taskType]; exists {
		panic(fmt.Sprintf("workqueue: handler for %q registered twice", taskType))
	}
	r.handlers[taskType] = h
}

// Lookup returns the handler of taskType.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// TaskTypes lists the registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
