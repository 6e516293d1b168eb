package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrModuleExists = errors.New("task module already registered")

// Mode selects how a task is constructed.
type Mode int

const (
	// Bound tasks run for a queued job: job metadata and job logging are attached.
	Bound Mode = iota
	// CronMode tasks skip job-log attachment; the scheduler-level job already tracks status.
	CronMode
)

// Task executes one of its functions by name.
type Task interface {
	Execute(ctx context.Context, function string, args []any, kwargs map[string]any) (any, error)
	Functions() []string
}

// Factory builds a task. It returns ErrConfig when required settings are missing.
type Factory func(ctx context.Context, mode Mode) (Task, error)

type entry struct {
	factory   Factory
	functions []string
}

// Registry maps module names to task factories. It is filled at startup.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]entry),
	}
}

// Register adds module. functions lists what its tasks expose so targets can be
// checked without building a task; a module registered without them is only
// checked by name until Resolve.
func (r *Registry) Register(module string, factory Factory, functions ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[module]; exists {
		return errors.Wrapf(ErrModuleExists, "%s", module)
	}

	r.modules[module] = entry{factory: factory, functions: append([]string(nil), functions...)}
	return nil
}

func (r *Registry) MustRegister(module string, factory Factory, functions ...string) {
	if err := r.Register(module, factory, functions...); err != nil {
		panic(err)
	}
}

// Resolve constructs the task for target and checks that it exposes target.Function.
func (r *Registry) Resolve(ctx context.Context, target Target, mode Mode) (Task, error) {
	if err := r.Validate(target); err != nil {
		return nil, err
	}

	r.mu.RLock()
	e := r.modules[target.Module]
	r.mu.RUnlock()

	task, err := e.factory(ctx, mode)
	if err != nil {
		return nil, err
	}

	if !HasFunction(task, target.Function) {
		return nil, errors.Wrapf(ErrInvalidFn, "%s has no function %q", target.Module, target.Function)
	}

	return task, nil
}

// Run resolves target and executes it.
func (r *Registry) Run(ctx context.Context, target Target, mode Mode, args []any, kwargs map[string]any) (any, error) {
	task, err := r.Resolve(ctx, target, mode)
	if err != nil {
		return nil, err
	}
	return task.Execute(ctx, target.Function, args, kwargs)
}

// Has reports whether module is registered.
func (r *Registry) Has(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[module]
	return ok
}

// Validate checks target against the registered modules and their declared
// functions without constructing a task. It returns ErrInvalidFn on a miss.
func (r *Registry) Validate(target Target) error {
	r.mu.RLock()
	e, ok := r.modules[target.Module]
	r.mu.RUnlock()

	if !ok {
		return errors.Wrapf(ErrInvalidFn, "unknown task module %q", target.Module)
	}
	if target.Function == "" {
		return errors.Wrapf(ErrInvalidFn, "%s: empty function name", target.Module)
	}
	if len(e.functions) == 0 {
		return nil
	}
	for _, fn := range e.functions {
		if fn == target.Function {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidFn, "%s has no function %q", target.Module, target.Function)
}

func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modules := make([]string, 0, len(r.modules))
	for m := range r.modules {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

func HasFunction(task Task, function string) bool {
	if function == "" {
		return false
	}
	for _, fn := range task.Functions() {
		if fn == function {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
