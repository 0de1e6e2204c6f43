// Package rpc implements name addressed remote calls against the authority.
//
// Endpoints are registered with their argument and result types known at
// compile time and only names present in the gateway allow-list can be
// invoked. A gateway running on the authority executes calls in-process;
// any other gateway publishes a correlated CallRequest and waits for the
// matching CallResponse or for its deadline to pass.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type endpoint struct {
	name    string
	accepts func(args any) bool
	decode  func(raw json.RawMessage) (any, error)
	invoke  func(ctx context.Context, args any) (any, error)
}

// Registry maps endpoint names to handlers.
type Registry struct {
	mu        sync.RWMutex
	sealed    bool
	endpoints map[string]*endpoint
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*endpoint)}
}

// Register adds fn under name. Calls to name must pass an argument of type A.
func Register[A, R any](reg *Registry, name string, fn func(context.Context, A) (R, error)) error {
	if fn == nil {
		return fmt.Errorf("rpc: nil handler for %q", name)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.sealed {
		return fmt.Errorf("rpc: registry sealed, cannot add %q", name)
	}
	if _, ok := reg.endpoints[name]; ok {
		return fmt.Errorf("rpc: endpoint %q already registered", name)
	}
	reg.endpoints[name] = &endpoint{
		name: name,
		accepts: func(args any) bool {
			_, ok := args.(A)
			return ok
		},
		decode: func(raw json.RawMessage) (any, error) {
			var a A
			if len(raw) == 0 {
				return a, nil
			}
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, err
			}
			return a, nil
		},
		invoke: func(ctx context.Context, args any) (any, error) {
			return fn(ctx, args.(A))
		},
	}
	return nil
}

// Seal prevents further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Names returns the registered endpoint names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	return out
}

func (r *Registry) lookup(name string) (*endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Result is the value returned by an endpoint. Locally executed calls carry
// the value itself, remote ones its JSON encoding.
type Result struct {
	value any
	raw   json.RawMessage
}

// Raw returns the JSON encoding of the result.
func (r Result) Raw() (json.RawMessage, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	return json.Marshal(r.value)
}

// As converts res to R.
func As[R any](res Result) (R, error) {
	var out R
	if v, ok := res.value.(R); ok {
		return v, nil
	}
	raw, err := res.Raw()
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("rpc: decode result: %w", err)
	}
	return out, nil
}

// RemoteError is reported to OnError when the authority endpoint failed.
type RemoteError struct {
	Endpoint string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed remotely: %s", e.Endpoint, e.Message)
}
