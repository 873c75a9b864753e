package payload

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Command is an object job. The callback side rebuilds it from its JSON
// encoding through the registry and calls Handle exactly once.
type Command interface {
	Handle(ctx context.Context) error
}

// Kinded commands choose the discriminator they are registered under.
// Commands without it are registered under their Go type name.
type Kinded interface {
	Kind() string
}

// DisplayNamer overrides the display name shown by the remote scheduler.
type DisplayNamer interface {
	DisplayName() string
}

// Labeled jobs replace the display name in the dispatch label.
type Labeled interface {
	JobLabel() string
}

// RetryPolicy exposes backoff and expiry hints. Either value may be absent.
type RetryPolicy interface {
	RetryAfter() (time.Duration, bool)
	RetryUntil() (time.Time, bool)
}

// Attempts limits how many times the job may be attempted.
type Attempts interface {
	MaxTries() int
}

// ExceptionLimit limits how many failed steps are tolerated.
type ExceptionLimit interface {
	MaxExceptions() int
}

// Timeouter bounds a single run of the job.
type Timeouter interface {
	Timeout() time.Duration
}

// Resulter exposes an output value after Handle returns.
type Resulter interface {
	Result() any
}

// JobDescriptor is one of ClosureJob, CommandJob or NamedJob.
type JobDescriptor interface {
	isJobDescriptor()
}

// ClosureJob refers to a closure registered by name in the registry.
type ClosureJob struct {
	Name string
}

// CommandJob carries an object command.
type CommandJob struct {
	Command Command
}

// NamedJob refers to a handler by "Class@method" reference plus free-form data.
// Label, when set, replaces the display name in the dispatch name.
type NamedJob struct {
	Handler string
	Data    any
	Label   string
}

func (ClosureJob) isJobDescriptor() {}
func (CommandJob) isJobDescriptor() {}
func (NamedJob) isJobDescriptor()   {}

// Closure builds a ClosureJob descriptor
func Closure(name string) JobDescriptor {
	return ClosureJob{Name: name}
}

// Object builds a CommandJob descriptor
func Object(cmd Command) JobDescriptor {
	return CommandJob{Command: cmd}
}

// Named builds a NamedJob descriptor
func Named(handler string, data any) JobDescriptor {
	return NamedJob{Handler: handler, Data: data}
}

// KindOf returns the registry discriminator of cmd
func KindOf(cmd Command) string {
	if k, ok := cmd.(Kinded); ok {
		if kind := strings.TrimSpace(k.Kind()); kind != "" {
			return kind
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", cmd), "*")
}

// LabelOf returns the explicit label of a job, or "" when it has none
func LabelOf(job JobDescriptor) string {
	switch j := job.(type) {
	case NamedJob:
		return strings.TrimSpace(j.Label)
	case CommandJob:
		if l, ok := j.Command.(Labeled); ok {
			return strings.TrimSpace(l.JobLabel())
		}
	}
	return ""
}

// HandlerName returns the class portion of a "Class@method" reference
func HandlerName(ref string) string {
	name, _, _ := strings.Cut(ref, "@")
	return name
}

func displayNameOf(cmd Command) string {
	if d, ok := cmd.(DisplayNamer); ok {
		if name := strings.TrimSpace(d.DisplayName()); name != "" {
			return name
		}
	}
	return KindOf(cmd)
}
