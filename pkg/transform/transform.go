// Package transform implements the Transform Engine (spec §4.5): applying
// per-column copy/static/transform column specs, with a built-in function
// registry and a named-module loader for user-supplied transforms.
//
// Dynamic user code is an explicit capability this package exposes (a
// registry keyed by "<module>.<function>"), not a reflection trick,
// matching spec.md §9's design note.
package transform

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

// Func is a user or built-in transform function: value -> value, given the
// full row and the source table name for context.
type Func func(value interface{}, fullRow model.Row, sourceTable string) (interface{}, error)

// Registry resolves "<module>.<function>" names to Funcs. It always
// contains the built-ins; user modules are registered explicitly by the
// loader at config-load time (spec §4.5: resolution failure there is a
// configuration error).
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func

	warnOnce sync.Map // "<module>.<function>" -> struct{}{}
}

// NewRegistry returns a Registry pre-loaded with the built-in functions.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.mustRegister("builtin.uppercase", builtinUppercase)
	r.mustRegister("builtin.lowercase", builtinLowercase)
	r.mustRegister("builtin.trim", builtinTrim)
	r.mustRegister("builtin.length", builtinLength)
}

func (r *Registry) mustRegister(name string, f Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = f
}

// Register adds (or replaces) a named transform function, e.g. one loaded
// from a user module. Ref should be "<module>.<function>".
func (r *Registry) Register(ref string, f Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[ref] = f
}

// Resolve looks up a transform by name. Built-in short names ("uppercase",
// "lowercase", "trim", "length") resolve without the "builtin." prefix, per
// spec §4.5 "Built-ins always available".
func (r *Registry) Resolve(ref string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.funcs[ref]; ok {
		return f, true
	}
	if !strings.Contains(ref, ".") {
		if f, ok := r.funcs["builtin."+ref]; ok {
			return f, true
		}
	}
	return nil, false
}

// Apply resolves and invokes ref against value. If resolution or invocation
// fails at runtime, it degrades to passing the original value through and
// logs one warning per (module, function) pair (spec §4.5) rather than
// returning an error — transform/filter runtime failures must not halt a
// worker (spec §7).
func (r *Registry) Apply(ref string, value interface{}, fullRow model.Row, sourceTable string) interface{} {
	f, ok := r.Resolve(ref)
	if !ok {
		r.warnOncePerRef(ref, fmt.Errorf("transform %q is not registered", ref))
		return value
	}

	out, err := r.safeInvoke(f, value, fullRow, sourceTable)
	if err != nil {
		r.warnOncePerRef(ref, err)
		return value
	}
	return out
}

func (r *Registry) safeInvoke(f Func, value interface{}, fullRow model.Row, sourceTable string) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transform panicked: %v", rec)
		}
	}()
	return f(value, fullRow, sourceTable)
}

func (r *Registry) warnOncePerRef(ref string, err error) {
	if _, loaded := r.warnOnce.LoadOrStore(ref, struct{}{}); !loaded {
		log.Warn("transform resolution/execution failed, passing value through unchanged",
			zap.String("transform", ref), zap.Error(err))
	}
}

// --- built-ins (spec §4.5) ---
// Each tolerates a null input by returning null, unchanged.

func builtinUppercase(value interface{}, _ model.Row, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return strings.ToUpper(s), nil
}

func builtinLowercase(value interface{}, _ model.Row, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return strings.ToLower(s), nil
}

func builtinTrim(value interface{}, _ model.Row, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return strings.TrimSpace(s), nil
}

func builtinLength(value interface{}, _ model.Row, _ string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return len(s), nil
}
