// Package action routes decoded messages to handlers by concrete type.
package action

import (
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/chronologos/goremote/internal/message"
)

// Handler processes one inbound message from the peer at from.
type Handler func(msg message.Message, from net.Addr) error

// Registry maps concrete message types to handlers. Each role (client or
// server) builds its own registry at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[reflect.Type]Handler)}
}

// Register binds h to the concrete type of prototype, replacing any previous
// handler for that type.
func (r *Registry) Register(prototype message.Message, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reflect.TypeOf(prototype)] = h
}

// Handle registers a handler typed on the message it accepts.
func Handle[T message.Message](r *Registry, fn func(msg T, from net.Addr) error) {
	var zero T
	r.Register(zero, func(msg message.Message, from net.Addr) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("handler for %T got %T", zero, msg)
		}
		return fn(m, from)
	})
}

func (r *Registry) Lookup(msg message.Message) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[reflect.TypeOf(msg)]
	return h, ok
}

// Dispatch runs the handler registered for msg. Messages without a handler
// are ignored and report false.
func (r *Registry) Dispatch(msg message.Message, from net.Addr) (bool, error) {
	h, ok := r.Lookup(msg)
	if !ok {
		return false, nil
	}
	return true, h(msg, from)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
