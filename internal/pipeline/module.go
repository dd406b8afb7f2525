package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Module extends a build with its own setup, build options and a build step
// that runs inside the configure-services stage.
type Module interface {
	Name() string
	Severity() Severity
	Init(ctx context.Context, env *Env) error
	Cleanup(ctx context.Context, env *Env) error
	ContributeBuildOptions(b *BuildContext) error
	ExecuteBuildStep(ctx context.Context, env *Env) error
}

// Registry holds modules by name in registration order.
type Registry struct {
	order  []Module
	byName map[string]Module
	active map[string]bool
}

func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{byName: map[string]Module{}, active: map[string]bool{}}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(m Module) error {
	name := strings.TrimSpace(m.Name())
	if name == "" {
		return errors.New("module name is required")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("module %q already registered", name)
	}
	r.byName[name] = m
	r.order = append(r.order, m)
	return nil
}

func (r *Registry) Lookup(name string) (Module, bool) {
	if r == nil {
		return nil, false
	}
	m, ok := r.byName[name]
	return m, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.order))
	for _, m := range r.order {
		names = append(names, m.Name())
	}
	return names
}

// Len is safe on a nil Registry.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// InitAll initializes every module. An advisory module that fails to
// initialize is disabled for the rest of the run; a hard one fails the call.
func (r *Registry) InitAll(ctx context.Context, env *Env) error {
	if r == nil {
		return nil
	}
	for _, m := range r.order {
		if err := m.Init(ctx, env); err != nil {
			if m.Severity() == Advisory {
				env.Log.Warn("module init failed, disabling module", "module", m.Name(), "error", err)
				continue
			}
			return fmt.Errorf("init module %s: %w", m.Name(), err)
		}
		r.active[m.Name()] = true
	}
	return nil
}

// ContributeAll lets every active module adjust the build context.
func (r *Registry) ContributeAll(env *Env) error {
	for _, m := range r.activeModules() {
		if err := m.ContributeBuildOptions(env.Build); err != nil {
			if m.Severity() == Advisory {
				env.Log.Warn("module build options rejected", "module", m.Name(), "error", err)
				continue
			}
			return fmt.Errorf("module %s build options: %w", m.Name(), err)
		}
	}
	return nil
}

// ExecuteAll runs every active module's build step with its severity.
func (r *Registry) ExecuteAll(ctx context.Context, env *Env) error {
	modules := r.activeModules()
	steps := make([]Step, 0, len(modules))
	for _, m := range modules {
		m := m
		steps = append(steps, Step{
			Name:     "module " + m.Name(),
			Severity: m.Severity(),
			Run: func(ctx context.Context) error {
				return m.ExecuteBuildStep(ctx, env)
			},
		})
	}
	return RunSteps(ctx, env.Log, steps)
}

// CleanupAll cleans up initialized modules in reverse registration order.
// Every module is cleaned up even if an earlier cleanup failed.
func (r *Registry) CleanupAll(ctx context.Context, env *Env) error {
	modules := r.activeModules()
	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		if err := m.Cleanup(ctx, env); err != nil {
			env.Log.Warn("module cleanup failed", "module", m.Name(), "error", err)
			errs = append(errs, fmt.Errorf("cleanup module %s: %w", m.Name(), err))
		}
		delete(r.active, m.Name())
	}
	return errors.Join(errs...)
}

func (r *Registry) activeModules() []Module {
	if r == nil {
		return nil
	}
	out := make([]Module, 0, len(r.order))
	for _, m := range r.order {
		if r.active[m.Name()] {
			out = append(out, m)
		}
	}
	return out
}
