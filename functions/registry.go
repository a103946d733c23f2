// Package functions implements server-registered function dispatch: a
// Room's `call` operation looks up a handler by name, enforces its
// auth/permission requirements, and invokes it under a hard timeout.
package functions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collabkit.dev/collabkit/auth"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/internal/validate"
	"collabkit.dev/collabkit/permission"
)

// RoomAccessor is the minimal read view of a room a function handler
// receives as `self`. It is an interface, not a concrete broker.Room, so
// this package has no dependency on the broker package.
type RoomAccessor interface {
	ID() string
	Get(path []string) (jsonvalue.Value, bool)
	Members() []auth.Principal
}

// Handler is a server-registered function implementation.
type Handler func(ctx context.Context, room RoomAccessor, principal auth.Principal, args jsonvalue.Value) (jsonvalue.Value, error)

// Descriptor describes one registered function and its access requirements.
type Descriptor struct {
	Name                string
	RequiresAuth        bool
	RequiredPermissions []string
	Handler             Handler
}

// NotFoundError reports a `call` for an unregistered function name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("functions: not found: %s", e.Name) }

// PermissionDeniedError reports a `call` that failed its permission check.
type PermissionDeniedError struct{ Name string }

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("functions: permission denied: %s", e.Name)
}

// CallError wraps a handler's own failure or a timeout, the two ways a call
// can fail after authorization succeeds.
type CallError struct {
	Name    string
	Timeout bool
	Cause   error
}

func (e *CallError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("functions: %s timed out", e.Name)
	}
	return fmt.Sprintf("functions: %s failed: %v", e.Name, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Registry holds a room's registered functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Descriptor)}
}

// Register adds d to the registry. It rejects a name that doesn't match
// the wire function-name pattern.
func (r *Registry) Register(d Descriptor) error {
	if err := validate.CheckFunctionName(d.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[d.Name] = d
	return nil
}

// Unregister removes a previously registered function, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, name)
}

func (r *Registry) lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.funcs[name]
	return d, ok
}

// Call authorizes and invokes the named function under timeout.
func (r *Registry) Call(
	ctx context.Context,
	name string,
	room RoomAccessor,
	principal auth.Principal,
	args jsonvalue.Value,
	perms permission.Manager,
	timeout time.Duration,
) (jsonvalue.Value, error) {
	d, ok := r.lookup(name)
	if !ok {
		return jsonvalue.Value{}, &NotFoundError{Name: name}
	}
	if d.RequiresAuth && principal.ID == "" {
		return jsonvalue.Value{}, &PermissionDeniedError{Name: name}
	}
	if perms != nil {
		for _, perm := range d.RequiredPermissions {
			if !perms.Check(principal, "room:"+room.ID(), perm) {
				return jsonvalue.Value{}, &PermissionDeniedError{Name: name}
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value jsonvalue.Value
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := d.Handler(callCtx, room, principal, args)
		done <- result{value: v, err: err}
	}()

	select {
	case <-callCtx.Done():
		return jsonvalue.Value{}, &CallError{Name: name, Timeout: true}
	case res := <-done:
		if res.err != nil {
			return jsonvalue.Value{}, &CallError{Name: name, Cause: res.err}
		}
		return res.value, nil
	}
}
