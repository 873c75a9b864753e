package payload

import (
	"context"
	"fmt"
)

// CallQueuedClosureKind is the discriminator of the closure adapter
const CallQueuedClosureKind = "scheduler.CallQueuedClosure"

// ClosureFunc is a job body registered by name
type ClosureFunc func(ctx context.Context) error

// CallQueuedClosure adapts a named closure into an object command so that
// closures travel through the same path as every other command.
type CallQueuedClosure struct {
	Closure string `json:"closure"`

	fn ClosureFunc
}

// NewCallQueuedClosure binds name to fn
func NewCallQueuedClosure(name string, fn ClosureFunc) *CallQueuedClosure {
	return &CallQueuedClosure{Closure: name, fn: fn}
}

func (c *CallQueuedClosure) Kind() string { return CallQueuedClosureKind }

func (c *CallQueuedClosure) DisplayName() string { return "Closure (" + c.Closure + ")" }

// Handle runs the bound closure
func (c *CallQueuedClosure) Handle(ctx context.Context) error {
	if c.fn == nil {
		return fmt.Errorf("closure %q is not registered", c.Closure)
	}
	return c.fn(ctx)
}
