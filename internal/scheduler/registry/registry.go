package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
)

// Factory returns a fresh, zero-valued command ready to be decoded into.
// It must return a pointer.
type Factory func() payload.Command

// HandlerFunc runs a named "Class@method" job with its raw data.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Registry resolves envelopes back into runnable jobs.
// Registration is expected at startup; Resolve is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Factory
	handlers map[string]HandlerFunc
	closures map[string]payload.ClosureFunc
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		commands: make(map[string]Factory),
		handlers: make(map[string]HandlerFunc),
		closures: make(map[string]payload.ClosureFunc),
	}
}

// RegisterCommand registers factory under the discriminator of the command it builds
func (r *Registry) RegisterCommand(factory Factory) error {
	sample, err := sampleOf(factory)
	if err != nil {
		return err
	}
	return r.RegisterCommandAs(payload.KindOf(sample), factory)
}

// sampleOf builds one command from factory. Decoding into a non-pointer
// would silently drop every field, so value commands are refused.
func sampleOf(factory Factory) (payload.Command, error) {
	if factory == nil {
		return nil, fmt.Errorf("command factory is nil")
	}
	sample := factory()
	if sample == nil {
		return nil, fmt.Errorf("command factory returned nil")
	}
	if v := reflect.ValueOf(sample); v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("command factory must return a non-nil pointer, got %T", sample)
	}
	return sample, nil
}

// RegisterCommandAs registers factory under an explicit discriminator
func (r *Registry) RegisterCommandAs(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("command kind is required")
	}
	if kind == payload.CallQueuedClosureKind {
		return fmt.Errorf("command kind %q is reserved", kind)
	}
	if _, err := sampleOf(factory); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[kind]; exists {
		return fmt.Errorf("command %q is already registered", kind)
	}
	r.commands[kind] = factory
	return nil
}

// RegisterHandler registers fn for a named job reference. The reference may be
// "Class@method" or just "Class" to catch every method of that class.
func (r *Registry) RegisterHandler(ref string, fn HandlerFunc) error {
	if ref == "" || fn == nil {
		return fmt.Errorf("handler reference and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[ref]; exists {
		return fmt.Errorf("handler %q is already registered", ref)
	}
	r.handlers[ref] = fn
	return nil
}

// RegisterClosure registers fn under name so that Closure(name) jobs can run it
func (r *Registry) RegisterClosure(name string, fn payload.ClosureFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("closure name and function are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.closures[name]; exists {
		return fmt.Errorf("closure %q is already registered", name)
	}
	r.closures[name] = fn
	return nil
}

// Kinds lists registered command discriminators, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.commands))
	for kind := range r.commands {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve rebuilds the job described by env. Every failure wraps domain.ErrDeserialization.
func (r *Registry) Resolve(env domain.JobEnvelope) (*Runnable, error) {
	switch env.Kind {
	case domain.KindString:
		fn, ok := r.handler(env.Job)
		if !ok {
			return nil, domain.NewDeserializationError("no handler registered for %q", env.Job)
		}
		return &Runnable{Envelope: env, handler: fn}, nil

	case domain.KindObject, domain.KindClosure:
		data, err := env.Command()
		if err != nil {
			return nil, domain.NewDeserializationError("%v", err)
		}
		cmd, err := r.command(data)
		if err != nil {
			return nil, err
		}
		return &Runnable{Envelope: env, Command: cmd}, nil

	default:
		return nil, domain.NewDeserializationError("unsupported job kind %q", env.Kind)
	}
}

func (r *Registry) handler(ref string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.handlers[ref]; ok {
		return fn, true
	}
	fn, ok := r.handlers[payload.HandlerName(ref)]
	return fn, ok
}

func (r *Registry) command(data domain.CommandData) (payload.Command, error) {
	if data.CommandName == payload.CallQueuedClosureKind {
		var closure payload.CallQueuedClosure
		if err := json.Unmarshal(data.Command, &closure); err != nil {
			return nil, domain.NewDeserializationError("invalid closure command: %v", err)
		}

		r.mu.RLock()
		fn, ok := r.closures[closure.Closure]
		r.mu.RUnlock()
		if !ok {
			return nil, domain.NewDeserializationError("no closure registered as %q", closure.Closure)
		}
		return payload.NewCallQueuedClosure(closure.Closure, fn), nil
	}

	r.mu.RLock()
	factory, ok := r.commands[data.CommandName]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewDeserializationError("no command registered as %q", data.CommandName)
	}

	cmd := factory()
	if err := json.Unmarshal(data.Command, cmd); err != nil {
		return nil, domain.NewDeserializationError("failed to decode command %s: %v", data.CommandName, err)
	}
	return cmd, nil
}

// Runnable is a resolved job
type Runnable struct {
	Envelope domain.JobEnvelope

	// Command is nil for named handler jobs.
	Command payload.Command

	handler HandlerFunc
}

// Run executes the job once and returns its optional result
func (j *Runnable) Run(ctx context.Context) (any, error) {
	if j.handler != nil {
		return j.handler(ctx, j.Envelope.Data)
	}

	if err := j.Command.Handle(ctx); err != nil {
		return nil, err
	}
	if res, ok := j.Command.(payload.Resulter); ok {
		return res.Result(), nil
	}
	return nil, nil
}
