package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/dispatch/pkg/types"
)

// Result is what an executor produced for one request.
type Result struct {
	StatusCode int
	Body       string
	Usage      types.Usage

	// FirstByte is the time from the upstream call to the first byte of
	// the response, when the executor can observe it.
	FirstByte time.Duration
}

// Executor performs a routed request against the chosen channel. One
// executor implementation serves one wire protocol.
type Executor interface {
	Execute(ctx context.Context, req *Request, channel *types.Channel) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *Request, channel *types.Channel) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request, channel *types.Channel) (*Result, error) {
	return f(ctx, req, channel)
}

// Registry resolves executors by endpoint and protocol. A registration
// under endpoint "*" serves as the protocol-wide fallback.
type Registry struct {
	mu        sync.RWMutex
	executors map[registryKey]Executor
}

type registryKey struct {
	endpoint string
	protocol string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[registryKey]Executor)}
}

// Register binds an executor to (endpoint, protocol). Later
// registrations for the same pair replace earlier ones.
func (r *Registry) Register(endpoint, protocol string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[registryKey{endpoint: endpoint, protocol: protocol}] = e
}

// Lookup finds the executor for (endpoint, protocol), falling back to
// the protocol-wide registration.
func (r *Registry) Lookup(endpoint, protocol string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[registryKey{endpoint: endpoint, protocol: protocol}]; ok {
		return e, true
	}
	e, ok := r.executors[registryKey{endpoint: "*", protocol: protocol}]
	return e, ok
}
