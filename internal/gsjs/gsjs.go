// Package gsjs is the narrow interface the runtime consumes from the
// gameplay script layer. The runtime never evaluates game logic; it
// dispatches lifecycle hooks and exposes two registries the rpc layer
// calls into: per-entity methods ("obj" calls) and global api
// functions ("api" calls).
//
// Every hook and method call is recovered per-call so a single buggy
// script cannot abort the request it runs inside.
package gsjs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
)

// Hooks are the entity lifecycle callbacks. Nil fields are skipped.
type Hooks struct {
	OnCreate           func(e entity.Entity) error
	OnLoad             func(e entity.Entity) error
	OnPlayerEnter      func(loc *entity.Location, p *entity.Player) error
	OnPlayerExit       func(loc *entity.Location, p *entity.Player) error
	OnLoginStart       func(p *entity.Player) error
	OnLoginEnd         func(p *entity.Player) error
	OnLogout           func(p *entity.Player) error
	OnItemStateChanged func(cont entity.Entity, it *entity.Item) error
}

// Call invokes a hook, converting panics and errors into a logged,
// non-fatal outcome. Returns the hook error for callers that care.
func Call(name string, fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", name, r)
		}
		if err != nil {
			slog.Warn("script hook failed", "hook", name, "error", err)
		}
	}()
	return fn()
}

// ObjMethod is a script-authored method invokable on an entity, both
// locally and through the inter-shard "obj" rpc.
type ObjMethod func(e entity.Entity, args []any) (any, error)

// APIFunc is a global script-layer api call, the target of "api" rpc.
type APIFunc func(args []any) (any, error)

// Registry holds the method and api tables. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]ObjMethod
	api     map[string]APIFunc
}

func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]ObjMethod),
		api:     make(map[string]APIFunc),
	}
}

// RegisterMethod adds an entity method under name.
func (r *Registry) RegisterMethod(name string, fn ObjMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// RegisterAPI adds a global api function under name.
func (r *Registry) RegisterAPI(name string, fn APIFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.api[name] = fn
}

// Invoke runs a registered entity method. Unknown names surface an
// error the rpc layer maps to "Requested method does not exist".
func (r *Registry) Invoke(e entity.Entity, name string, args []any) (res any, err error) {
	r.mu.RLock()
	fn, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Requested method does not exist")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("method %s panicked: %v", name, rec)
		}
	}()
	return fn(e, args)
}

// InvokeAPI runs a registered global api function.
func (r *Registry) InvokeAPI(name string, args []any) (res any, err error) {
	r.mu.RLock()
	fn, ok := r.api[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("Requested method does not exist")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("api %s panicked: %v", name, rec)
		}
	}()
	return fn(args)
}
