package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/option"
	"github.com/krew-solutions/courier-go/courier/transport"
)

// ExecuteActivityHost runs the forward logic of one activity.
// A routing slip moves through Received, Executing and then either Completed
// (forwarded to the next step, or finished) or Faulted (compensation started).
type ExecuteActivityHost struct {
	activityName      string
	executeAddress    string
	compensateAddress option.Option[string]
	factory           ExecuteActivityFactory
	sender            transport.Sender
	publisher         *EventPublisher
	coordinator       *CompensationCoordinator
	config            hostConfig
}

// NewExecuteActivityHost creates a host for activityName listening on
// executeAddress. When compensateAddress is set it is recorded in the log
// entries this host writes; otherwise the address declared on the step is used.
func NewExecuteActivityHost(
	activityName string,
	executeAddress string,
	compensateAddress option.Option[string],
	factory ExecuteActivityFactory,
	sender transport.Sender,
	opts ...HostOption,
) *ExecuteActivityHost {
	config := newHostConfig(opts)
	return &ExecuteActivityHost{
		activityName:      activityName,
		executeAddress:    executeAddress,
		compensateAddress: compensateAddress,
		factory:           factory,
		sender:            sender,
		publisher:         NewEventPublisher(sender, executeAddress),
		coordinator:       newCompensationCoordinator(executeAddress, sender, config),
		config:            config,
	}
}

func (h *ExecuteActivityHost) ActivityName() string {
	return h.activityName
}

func (h *ExecuteActivityHost) ExecuteAddress() string {
	return h.executeAddress
}

// Handle is the transport.Handler of the execute endpoint.
func (h *ExecuteActivityHost) Handle(ctx context.Context, envelope transport.Envelope) error {
	slip, err := DecodeRoutingSlip(envelope)
	if err == nil {
		_, err = h.Execute(ctx, slip)
	}
	return h.config.settle(ctx, h.activityName, err)
}

// Execute processes slip, which must have this host's activity at the head of
// its itinerary. The host takes ownership of slip.
func (h *ExecuteActivityHost) Execute(ctx context.Context, slip *RoutingSlip) (Outcome, error) {
	step, err := slip.CurrentStep()
	if err != nil || step.Name != h.activityName {
		if slip.hasExecuted(h.activityName) {
			return 0, errors.Wrapf(ErrDuplicateDelivery, "routing slip %s already passed %q",
				slip.TrackingNumber(), h.activityName)
		}
		if err != nil {
			return 0, errors.Wrapf(ErrActivityMismatch, "routing slip %s has no pending activity for %q",
				slip.TrackingNumber(), h.activityName)
		}
		return 0, errors.Wrapf(ErrActivityMismatch, "routing slip %s expects %q, host runs %q",
			slip.TrackingNumber(), step.Name, h.activityName)
	}

	key := DeliveryKey(slip.TrackingNumber(), PhaseExecute, len(slip.activityLogs), h.activityName)
	release, err := h.config.claim(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	seen, err := h.config.guard.Seen(ctx, key)
	if err != nil {
		return 0, errors.Wrap(err, "delivery guard")
	}
	if seen {
		return 0, errors.Wrapf(ErrDuplicateDelivery, "%s", key)
	}

	outcome, err := h.execute(ctx, slip)
	if err != nil {
		return outcome, err
	}
	h.config.remember(ctx, key)
	return outcome, nil
}

func (h *ExecuteActivityHost) execute(ctx context.Context, slip *RoutingSlip) (Outcome, error) {
	step, err := slip.NextStep()
	if err != nil {
		return 0, err
	}
	execution := ExecuteContext{
		TrackingNumber:         slip.TrackingNumber(),
		ActivityTrackingNumber: uuid.New(),
		ActivityName:           h.activityName,
		HostAddress:            h.executeAddress,
		StartedAt:              h.config.clock.Now(),
		Arguments:              merge(Arguments(slip.variables), step.Arguments),
		Variables:              slip.Variables(),
	}

	result, execErr := h.invoke(ctx, execution)
	duration := h.config.clock.Now().Sub(execution.StartedAt)
	if execErr != nil {
		return OutcomeFaulted, h.fault(ctx, slip, execution, duration, execErr)
	}

	results := cloneBag(result.Results)
	if results == nil {
		results = Results{}
	}
	entry := LogEntry{
		ActivityTrackingNumber: execution.ActivityTrackingNumber,
		ActivityName:           h.activityName,
		CompensateAddress:      h.compensateAddress.Or(step.CompensateAddress),
		HostAddress:            h.executeAddress,
		StartedAt:              execution.StartedAt,
		Duration:               duration,
		Results:                results,
	}
	slip.AddActivityLog(entry)
	slip.SetVariables(result.Variables)
	h.config.observer.OnActivityExecuted(ctx, slip.TrackingNumber(), h.activityName, duration)

	h.config.publish(ctx, h.publisher, slip, EventActivityCompleted, RoutingSlipActivityCompleted{
		TrackingNumber:         slip.TrackingNumber(),
		ActivityTrackingNumber: entry.ActivityTrackingNumber,
		Timestamp:              entry.StartedAt,
		Duration:               entry.Duration,
		ActivityName:           h.activityName,
		HostAddress:            h.executeAddress,
		Arguments:              execution.Arguments,
		Results:                results,
		Variables:              slip.Variables(),
	})

	if slip.IsCompleted() {
		timestamp := entry.CompletedAt()
		total := timestamp.Sub(slip.activityLogs[0].StartedAt)
		h.config.publish(ctx, h.publisher, slip, EventCompleted, RoutingSlipCompleted{
			TrackingNumber: slip.TrackingNumber(),
			Timestamp:      timestamp,
			Duration:       total,
			Variables:      slip.Variables(),
		})
		h.config.observer.OnRoutingSlipCompleted(ctx, slip.TrackingNumber(), total)
		return OutcomeCompleted, nil
	}

	env, err := NewRoutingSlipEnvelope(slip, slip.ProgressAddress(), h.executeAddress)
	if err != nil {
		return OutcomeForwarded, err
	}
	if err := h.sender.Send(ctx, env); err != nil {
		return OutcomeForwarded, errors.Wrapf(err, "unable to forward routing slip %s to %s",
			slip.TrackingNumber(), env.DestinationAddress)
	}
	return OutcomeForwarded, nil
}

func (h *ExecuteActivityHost) fault(ctx context.Context, slip *RoutingSlip, execution ExecuteContext, duration time.Duration, execErr error) error {
	info := NewExceptionInfo(execErr, h.executeAddress)
	slip.addActivityException(ActivityException{
		ActivityTrackingNumber: execution.ActivityTrackingNumber,
		ActivityName:           h.activityName,
		HostAddress:            h.executeAddress,
		Timestamp:              execution.StartedAt,
		Duration:               duration,
		ExceptionInfo:          info,
	})
	h.config.observer.OnActivityFaulted(ctx, slip.TrackingNumber(), h.activityName, execErr)

	h.config.publish(ctx, h.publisher, slip, EventActivityFaulted, RoutingSlipActivityFaulted{
		TrackingNumber:         slip.TrackingNumber(),
		ActivityTrackingNumber: execution.ActivityTrackingNumber,
		Timestamp:              execution.StartedAt,
		Duration:               duration,
		ActivityName:           h.activityName,
		HostAddress:            h.executeAddress,
		ExceptionInfo:          info,
		Arguments:              execution.Arguments,
		Variables:              slip.Variables(),
	})
	return h.coordinator.Compensate(ctx, slip)
}

func (h *ExecuteActivityHost) invoke(ctx context.Context, execution ExecuteContext) (result ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	activity := h.factory()
	if activity == nil {
		return ExecutionResult{}, errors.Errorf("activity factory for %q returned nil", h.activityName)
	}
	return activity.Execute(ctx, execution)
}
