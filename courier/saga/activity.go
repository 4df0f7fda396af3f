package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecuteContext is the input of a single activity execution.
// Arguments hold the slip variables overlaid with the step arguments.
type ExecuteContext struct {
	TrackingNumber         uuid.UUID
	ActivityTrackingNumber uuid.UUID
	ActivityName           string
	HostAddress            string
	StartedAt              time.Time
	Arguments              Arguments
	Variables              Variables
}

// ExecutionResult is what a successful execution hands back to the host.
// Results go into the log entry for compensation, Variables are merged into the slip.
type ExecutionResult struct {
	Results   Results
	Variables Variables
}

// Completed is a shortcut for an execution that only records results.
func Completed(results Results) ExecutionResult {
	return ExecutionResult{Results: results}
}

// CompletedWithVariables records results and publishes new variables to later steps.
func CompletedWithVariables(results Results, variables Variables) ExecutionResult {
	return ExecutionResult{Results: results, Variables: variables}
}

// CompensateContext is the input of a compensation: the log entry written by
// the execution being undone and the current variables.
type CompensateContext struct {
	TrackingNumber uuid.UUID
	HostAddress    string
	StartedAt      time.Time
	Log            LogEntry
	Variables      Variables
}

// ExecuteActivity performs the forward logic of a step. A returned error (or a
// panic) faults the routing slip and starts compensation.
type ExecuteActivity interface {
	Execute(ctx context.Context, execution ExecuteContext) (ExecutionResult, error)
}

// CompensateActivity undoes a previously completed execution. A returned error
// stops compensation of the routing slip for good.
type CompensateActivity interface {
	Compensate(ctx context.Context, compensation CompensateContext) error
}

// Activity is an activity that supports compensation.
type Activity interface {
	ExecuteActivity
	CompensateActivity
}

// NamedActivity overrides the activity name derived from the Go type.
type NamedActivity interface {
	ActivityName() string
}

// ExecuteActivityFactory creates an activity instance per message.
type ExecuteActivityFactory func() ExecuteActivity

// CompensateActivityFactory creates an activity instance per message.
type CompensateActivityFactory func() CompensateActivity

type ExecuteFunc func(ctx context.Context, execution ExecuteContext) (ExecutionResult, error)

func (f ExecuteFunc) Execute(ctx context.Context, execution ExecuteContext) (ExecutionResult, error) {
	return f(ctx, execution)
}

type CompensateFunc func(ctx context.Context, compensation CompensateContext) error

func (f CompensateFunc) Compensate(ctx context.Context, compensation CompensateContext) error {
	return f(ctx, compensation)
}

// ActivityFuncs combines two functions into an Activity.
type ActivityFuncs struct {
	ExecuteFunc    ExecuteFunc
	CompensateFunc CompensateFunc
}

func (a ActivityFuncs) Execute(ctx context.Context, execution ExecuteContext) (ExecutionResult, error) {
	return a.ExecuteFunc(ctx, execution)
}

func (a ActivityFuncs) Compensate(ctx context.Context, compensation CompensateContext) error {
	if a.CompensateFunc == nil {
		return nil
	}
	return a.CompensateFunc(ctx, compensation)
}

// Singleton returns a factory that always yields activity.
func Singleton[A any](activity A) func() A {
	return func() A { return activity }
}
