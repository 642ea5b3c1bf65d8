// Package handlers maps a block kind to the capability that invokes
// it: {invoke(inputs, ctx) -> output, classify(err) -> retryable}.
// One reusable Capability is registered per kind and shared across
// runs.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/engine/internal/errs"
	"github.com/flowforge/engine/internal/executor/resolver"
	"github.com/flowforge/engine/internal/executor/trace"
)

// Input is the immutable view a handler invocation sees: resolved
// params, the run's env mapping, and the loop binding in effect
// (zero value if the block isn't inside a loop). Handlers cannot
// reach back into the execution context; their return value is the
// only channel out.
type Input struct {
	BlockID  string
	Kind     string
	Params   map[string]interface{}
	Env      map[string]string
	Loop     resolver.LoopBinding
	RunInput interface{} // only populated for the starter block
}

// Output is what a handler invocation produces. RouteTo and Branch
// are mutually exclusive with plain Data blocks: a router sets
// RouteTo, a condition sets Branch, everything else only sets Data.
type Output struct {
	Data    interface{}
	RouteTo string // router: the chosen target block id
	Branch  string // condition: the chosen sourceHandle tag
	Cost    *trace.Cost
	Tokens  *trace.TokenUsage
}

// Capability is the contract every block kind is dispatched through.
type Capability interface {
	Invoke(ctx context.Context, in Input) (Output, error)
	// Classify reports whether err, returned from Invoke, is worth
	// retrying. Handlers that have no special knowledge can return
	// DefaultClassify(err).
	Classify(err error) errs.Classification
}

// DefaultClassify is errs.Classify, exposed here so built-in and
// external handlers share one fallback without importing errs
// directly just for this.
func DefaultClassify(err error) errs.Classification {
	return errs.Classify(err)
}

// Registry is a thread-safe kind -> Capability map. Registration
// happens once at process start; the engine reads it as immutable
// during a run.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry returns a Registry with the built-in handlers
// (starter, condition, router, loop, function, api) already
// registered under their well-known kinds.
func NewRegistry(exprCacheSize int) *Registry {
	r := &Registry{capabilities: make(map[string]Capability)}
	r.Register("starter", Starter{})
	r.Register("condition", NewCondition(exprCacheSize))
	r.Register("router", NewRouter(exprCacheSize))
	r.Register("loop", Loop{})
	r.Register("function", NewFunction())
	r.Register("api", NewAPI())
	return r
}

// Register installs capability under kind, replacing any prior
// registration (an external tool:<name> or a test double standing in
// for a built-in).
func (r *Registry) Register(kind string, capability Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[kind] = capability
}

// Lookup returns the capability registered for kind.
func (r *Registry) Lookup(kind string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[kind]
	return c, ok
}

// MustLookup is Lookup but returns errs.HandlerNotRegistered instead
// of a bool, matching the error taxonomy the executor surfaces.
func (r *Registry) MustLookup(kind, blockID string) (Capability, error) {
	c, ok := r.Lookup(kind)
	if !ok {
		return nil, errs.Newf(errs.HandlerNotRegistered, blockID, "no handler registered for kind %q", kind)
	}
	return c, nil
}

// IsRegistered reports whether kind has a capability. Its shape
// matches the serializer's KindChecker, so it can be passed as one.
func (r *Registry) IsRegistered(kind string) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// cacheHooked is implemented by built-in capabilities that keep their
// own exprcache.Evaluator (Condition, Router) so SetCacheMetrics can
// wire cache-hit observation into them without the registry knowing
// their concrete types.
type cacheHooked interface {
	setCacheHooks(onHit, onMiss func())
}

// SetCacheMetrics wires onHit/onMiss into every registered capability
// that keeps its own expression cache, so the engine's MetricsSink can
// observe condition/router cache effectiveness.
func (r *Registry) SetCacheMetrics(onHit, onMiss func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.capabilities {
		if hooked, ok := c.(cacheHooked); ok {
			hooked.setCacheHooks(onHit, onMiss)
		}
	}
}

// RegisteredKinds lists every registered kind.
func (r *Registry) RegisteredKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.capabilities))
	for k := range r.capabilities {
		kinds = append(kinds, k)
	}
	return kinds
}

func paramString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}
