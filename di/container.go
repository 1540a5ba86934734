// Package di provides a minimal dependency-injection container: a
// process-wide mapping from service name to lazily-built singleton,
// initialized at startup and read-mostly afterward.
package di

import (
	"fmt"
	"reflect"
	"sync"
)

// Get resolves a service instance by name.
type Get func(serviceName string) any

// ServiceConstructor builds a service instance. The provided Get lets
// constructors resolve their own dependencies.
type ServiceConstructor func(get Get) any

// ServiceConstructorMap maps service names to constructors.
type ServiceConstructorMap map[string]ServiceConstructor

type service struct {
	constructor ServiceConstructor
	instance    any
	built       bool
}

// Container holds named services, constructing each at most once.
type Container struct {
	mu       sync.RWMutex
	services map[string]*service
}

// NewContainer creates a container from the given constructors.
func NewContainer(constructors ServiceConstructorMap) *Container {
	c := &Container{services: make(map[string]*service)}
	c.Update(constructors)
	return c
}

// Update adds or replaces constructors. Replacing a constructor discards
// any instance previously built for that name.
func (c *Container) Update(constructors ServiceConstructorMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, constructor := range constructors {
		c.services[name] = &service{constructor: constructor}
	}
}

// Get resolves the named service, building it on first use. Unknown
// names resolve to nil.
func (c *Container) Get(serviceName string) any {
	c.mu.RLock()
	s, ok := c.services[serviceName]
	if ok && s.built {
		defer c.mu.RUnlock()
		return s.instance
	}
	c.mu.RUnlock()

	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.built {
		s.instance = s.constructor(c.get)
		s.built = true
	}
	return s.instance
}

// get resolves dependencies during construction. The caller must hold
// the write lock.
func (c *Container) get(serviceName string) any {
	s, ok := c.services[serviceName]
	if !ok {
		return nil
	}
	if !s.built {
		s.instance = s.constructor(c.get)
		s.built = true
	}
	return s.instance
}

// TypeInstanceToName returns a stable service name for a type, derived
// from its package path and type name. Pass a typed nil pointer:
//
//	TypeInstanceToName((*slog.Logger)(nil))
func TypeInstanceToName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return fmt.Sprintf("%s.%s", t.PkgPath(), t.Name())
}
