package core

import (
	"reflect"
	"sync"

	"github.com/go-drift/arbor/pkg/errors"
)

// ServiceRegistry holds host services that elements look up through
// [BuildContext.Service]. It is safe for concurrent use.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[any]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[any]any)}
}

// Register stores service under key, replacing any previous entry.
func (r *ServiceRegistry) Register(key, service any) error {
	if key == nil {
		return errors.InvalidArgument("core.ServiceRegistry.Register", "key is nil")
	}
	if service == nil {
		return errors.InvalidArgument("core.ServiceRegistry.Register", "service for %v is nil", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[key] = service
	return nil
}

// Unregister removes key.
func (r *ServiceRegistry) Unregister(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, key)
}

// Lookup returns the service stored under key.
func (r *ServiceRegistry) Lookup(key any) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	service, ok := r.services[key]
	return service, ok
}

// Len returns the number of registered services.
func (r *ServiceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Provide registers service under its static type T.
func Provide[T any](r *ServiceRegistry, service T) error {
	return r.Register(reflect.TypeFor[T](), service)
}

// ServiceOf looks up the service registered under type T.
func ServiceOf[T any](ctx BuildContext) (T, bool) {
	var zero T
	service, ok := ctx.Service(reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	typed, ok := service.(T)
	return typed, ok
}
