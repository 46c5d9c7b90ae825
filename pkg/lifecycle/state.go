package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
)

// State is the lifecycle state of an installed plugin
type State string

// Machine state ids
const (
	inactive = "INACTIVE"
	starting = "STARTING"
	active   = "ACTIVE"
	stopping = "STOPPING"
	failed   = "ERROR"
)

const (
	// StateInactive is the post-install and resting state
	StateInactive State = inactive
	// StateStarting means the init and start hooks are running
	StateStarting State = starting
	// StateActive means the plugin runs and may use its grants
	StateActive State = active
	// StateStopping means the shutdown hook is running
	StateStopping State = stopping
	// StateError means start failed or the shutdown hook faulted
	StateError State = failed
)

// Event types for the plugin state machine
const (
	EventStart   = "START"
	EventStarted = "STARTED"
	EventFail    = "FAIL"
	EventStop    = "STOP"
	EventStopped = "STOPPED"
)

// Context is the statekit context of one plugin machine
type Context struct {
	Transitions int
	LastError   error
	EnteredAt   time.Time
}

// machineContext wraps Context with thread-safe access
type machineContext struct {
	mu  sync.RWMutex
	ctx Context
}

func (c *machineContext) recordEntry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Transitions++
	c.ctx.EnteredAt = time.Now().UTC()
}

func (c *machineContext) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.LastError = err
}

func (c *machineContext) clearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.LastError = nil
}

func (c *machineContext) snapshot() Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// buildMachine returns a started interpreter in INACTIVE. The edges below
// are the only transitions a plugin can take.
func buildMachine(mc *machineContext) (*statekit.Interpreter[Context], error) {
	machine, err := statekit.NewMachine[Context]("plugin-lifecycle").
		WithInitial(inactive).
		WithContext(mc.snapshot()).
		WithAction("recordEntry", func(_ *Context, _ statekit.Event) {
			mc.recordEntry()
		}).
		WithAction("recordActive", func(_ *Context, _ statekit.Event) {
			mc.recordEntry()
			mc.clearError()
		}).
		WithAction("recordError", func(_ *Context, event statekit.Event) {
			mc.recordEntry()
			if err, ok := event.Payload.(error); ok {
				mc.recordError(err)
			}
		}).
		State(inactive).
		OnEntry("recordEntry").
		On(EventStart).Target(starting).Done().
		State(starting).
		OnEntry("recordEntry").
		On(EventStarted).Target(active).
		On(EventFail).Target(failed).Done().
		State(active).
		OnEntry("recordActive").
		On(EventStop).Target(stopping).Done().
		State(stopping).
		OnEntry("recordEntry").
		On(EventStopped).Target(inactive).
		On(EventFail).Target(failed).Done().
		State(failed).
		OnEntry("recordError").
		On(EventStart).Target(starting).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build state machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}
