package payload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/google/uuid"
)

// Hook returns fields merged over the envelope before it is finalized.
// Hooks run in order, so later hooks overwrite fields set by earlier ones.
type Hook func(connection, queue string, env domain.JobEnvelope) map[string]any

// Config holds payload builder configuration
type Config struct {
	Connection string
	Hooks      []Hook
	NewID      func() string
}

// Builder turns job descriptors into envelopes
type Builder struct {
	connection string
	hooks      []Hook
	newID      func() string
}

// NewBuilder creates a new Builder instance
func NewBuilder(cfg Config) *Builder {
	b := &Builder{
		connection: cfg.Connection,
		hooks:      append([]Hook(nil), cfg.Hooks...),
		newID:      cfg.NewID,
	}
	if b.newID == nil {
		b.newID = uuid.NewString
	}
	return b
}

// Build creates the envelope for job on queue
func (b *Builder) Build(job JobDescriptor, queue string) (domain.JobEnvelope, error) {
	switch j := job.(type) {
	case ClosureJob:
		return b.commandEnvelope(&CallQueuedClosure{Closure: j.Name}, domain.KindClosure, queue)
	case CommandJob:
		if j.Command == nil {
			return domain.JobEnvelope{}, fmt.Errorf("command job has no command")
		}
		return b.commandEnvelope(j.Command, domain.KindObject, queue)
	case NamedJob:
		return b.namedEnvelope(j, queue)
	default:
		return domain.JobEnvelope{}, fmt.Errorf("unsupported job descriptor %T", job)
	}
}

func (b *Builder) commandEnvelope(cmd Command, kind domain.CommandKind, queue string) (domain.JobEnvelope, error) {
	command, err := json.Marshal(cmd)
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("failed to encode command %s: %w", KindOf(cmd), err)
	}

	data, err := json.Marshal(domain.CommandData{
		CommandName: KindOf(cmd),
		Command:     command,
	})
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("failed to encode command data: %w", err)
	}

	env := domain.JobEnvelope{
		UUID:          b.newID(),
		DisplayName:   displayNameOf(cmd),
		Job:           domain.CallQueuedHandlerRef,
		MaxTries:      maxTries(cmd),
		MaxExceptions: maxExceptions(cmd),
		Delay:         retryDelay(cmd),
		Timeout:       timeout(cmd),
		TimeoutAt:     expiration(cmd),
		Kind:          kind,
		Data:          data,
	}

	env, err = b.withHooks(queue, env)
	if err != nil {
		return domain.JobEnvelope{}, err
	}

	// hooks never replace the command itself
	env.Data = data
	return env, nil
}

func (b *Builder) namedEnvelope(job NamedJob, queue string) (domain.JobEnvelope, error) {
	data, err := json.Marshal(job.Data)
	if err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("failed to encode job data: %w", err)
	}

	env := domain.JobEnvelope{
		UUID:        b.newID(),
		DisplayName: HandlerName(job.Handler),
		Job:         job.Handler,
		Kind:        domain.KindString,
		Data:        data,
	}

	return b.withHooks(queue, env)
}

func (b *Builder) withHooks(queue string, env domain.JobEnvelope) (domain.JobEnvelope, error) {
	for i, hook := range b.hooks {
		if hook == nil {
			continue
		}
		fields := hook(b.connection, queue, env)
		if len(fields) == 0 {
			continue
		}
		merged, err := merge(env, fields)
		if err != nil {
			return domain.JobEnvelope{}, fmt.Errorf("failed to apply payload hook %d: %w", i, err)
		}
		env = merged
	}
	return env, nil
}

func merge(env domain.JobEnvelope, fields map[string]any) (domain.JobEnvelope, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return domain.JobEnvelope{}, err
	}

	current := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &current); err != nil {
		return domain.JobEnvelope{}, err
	}
	for key, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return domain.JobEnvelope{}, fmt.Errorf("field %q: %w", key, err)
		}
		current[key] = encoded
	}

	raw, err = json.Marshal(current)
	if err != nil {
		return domain.JobEnvelope{}, err
	}

	var out domain.JobEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.JobEnvelope{}, err
	}
	return out, nil
}

func retryDelay(cmd Command) *int {
	policy, ok := cmd.(RetryPolicy)
	if !ok {
		return nil
	}
	delay, ok := policy.RetryAfter()
	if !ok {
		return nil
	}
	seconds := int(delay / time.Second)
	return &seconds
}

func expiration(cmd Command) *int64 {
	policy, ok := cmd.(RetryPolicy)
	if !ok {
		return nil
	}
	until, ok := policy.RetryUntil()
	if !ok || until.IsZero() {
		return nil
	}
	epoch := until.Unix()
	return &epoch
}

func maxTries(cmd Command) *int {
	if a, ok := cmd.(Attempts); ok {
		n := a.MaxTries()
		return &n
	}
	return nil
}

func maxExceptions(cmd Command) *int {
	if e, ok := cmd.(ExceptionLimit); ok {
		n := e.MaxExceptions()
		return &n
	}
	return nil
}

func timeout(cmd Command) *int {
	if t, ok := cmd.(Timeouter); ok {
		seconds := int(t.Timeout() / time.Second)
		return &seconds
	}
	return nil
}
